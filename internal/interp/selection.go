// Package interp implements the Transition Selector / Interpreter
// (spec.md §4.6, component C6): the SCXML algorithm proper. It is the
// single cooperative loop per session that the rest of the core's
// components (C1-C5, C7) are composed under.
//
// The teacher's core.Machine.processEvent only ever picks the single
// highest-Priority candidate transition across the whole configuration
// (sort.Slice + candidates[0]) and fires it, which can only ever express
// one active leaf. This package generalizes that into the full optimal-set
// selection and conflict-resolution algorithm W3C describes and spec.md
// §4.6 summarizes, because parallel regions require one transition per
// region plus document-order conflict elimination, not a single global
// pick.
package interp

import (
	"sort"

	"github.com/comalice/scxmlrt/internal/history"
	"github.com/comalice/scxmlrt/internal/model"
	"github.com/comalice/scxmlrt/internal/runtimeconfig"
)

// selectTransitions returns the optimal set of transitions enabled by
// eventName (or eventless, if hasEvent is false), per spec.md §4.6
// Terminology.
func selectTransitions(doc *model.Doc, cfg *runtimeconfig.Configuration, hist *history.Store, host condEval, eventName string, hasEvent bool) []*model.TransitionNode {
	var enabled []*model.TransitionNode

	atomic := activeAtomicStates(doc, cfg)
	for _, s := range atomic {
		for _, anc := range reverseChain(doc.Ancestors(s)) {
			n := doc.State(anc)
			found := false
			for _, t := range n.Transitions {
				if hasEvent {
					if !t.MatchesEvent(eventName) {
						continue
					}
				} else if !t.IsEventless() {
					continue
				}
				if !condHolds(host, t) {
					continue
				}
				enabled = append(enabled, t)
				found = true
				break
			}
			if found {
				break
			}
		}
	}
	return removeConflicting(doc, cfg, hist, enabled)
}

// condEval is the minimal guard-evaluation capability selection needs;
// satisfied by *datamodel.Host without interp importing datamodel for
// more than this.
type condEval interface {
	EvaluateBool(expr string) (bool, error)
}

// condHolds evaluates a transition's guard; a guard evaluation error is
// treated as false for selection purposes. The error itself is discarded:
// no error.execution event is raised for a failing transition guard
// (unlike a failing <if>/<elseif> guard, see content.If).
func condHolds(host condEval, t *model.TransitionNode) bool {
	if t.Cond == "" {
		return true
	}
	ok, err := host.EvaluateBool(t.Cond)
	if err != nil {
		return false
	}
	return ok
}

func activeAtomicStates(doc *model.Doc, cfg *runtimeconfig.Configuration) []model.StateID {
	var out []model.StateID
	for _, id := range cfg.Snapshot() {
		if doc.State(id).IsAtomic() {
			out = append(out, id)
		}
	}
	return out
}

// reverseChain returns chain reversed (closest ancestor/self first),
// since selection walks from the atomic state upward.
func reverseChain(chain []model.StateID) []model.StateID {
	out := make([]model.StateID, len(chain))
	for i, id := range chain {
		out[len(chain)-1-i] = id
	}
	return out
}

// removeConflicting implements the standard SCXML conflict-elimination
// pass: a later candidate whose exit set intersects an earlier kept
// candidate's exit set either replaces it (if the later one's source is a
// descendant, i.e. more specific) or is itself dropped.
func removeConflicting(doc *model.Doc, cfg *runtimeconfig.Configuration, hist *history.Store, candidates []*model.TransitionNode) []*model.TransitionNode {
	var kept []*model.TransitionNode
	for _, t1 := range candidates {
		preempted := false
		var toRemove []*model.TransitionNode
		exit1 := ExitSet(doc, cfg, hist, []*model.TransitionNode{t1})
		for _, t2 := range kept {
			exit2 := ExitSet(doc, cfg, hist, []*model.TransitionNode{t2})
			if !disjoint(exit1, exit2) {
				if doc.IsDescendant(t1.Source, t2.Source) {
					toRemove = append(toRemove, t2)
				} else {
					preempted = true
					break
				}
			}
		}
		if preempted {
			continue
		}
		if len(toRemove) > 0 {
			kept = removeAll(kept, toRemove)
		}
		kept = append(kept, t1)
	}
	return kept
}

func removeAll(list []*model.TransitionNode, remove []*model.TransitionNode) []*model.TransitionNode {
	set := make(map[*model.TransitionNode]struct{}, len(remove))
	for _, t := range remove {
		set[t] = struct{}{}
	}
	var out []*model.TransitionNode
	for _, t := range list {
		if _, skip := set[t]; !skip {
			out = append(out, t)
		}
	}
	return out
}

func disjoint(a, b []model.StateID) bool {
	set := make(map[model.StateID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return false
		}
	}
	return true
}

// sortByDoc sorts ids ascending by StateID, i.e. document order (ids are
// assigned in document order at load time, see model.Doc.Finalize).
func sortByDoc(ids []model.StateID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// sortByDocDesc sorts ids descending by StateID, i.e. reverse document
// order (spec.md §4.6 "exit states in reverse document order").
func sortByDocDesc(ids []model.StateID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
}
