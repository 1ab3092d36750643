package interp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/comalice/scxmlrt/internal/history"
	"github.com/comalice/scxmlrt/internal/model"
	"github.com/comalice/scxmlrt/internal/runtimeconfig"
)

// fakeHost is the minimal condEval for selection tests: results holds
// cond -> outcome, errs holds cond -> evaluation error. An expression
// present in neither map evaluates to false.
type fakeHost struct {
	results map[string]bool
	errs    map[string]error
}

func (f fakeHost) EvaluateBool(expr string) (bool, error) {
	if err, ok := f.errs[expr]; ok {
		return false, err
	}
	return f.results[expr], nil
}

// prioDoc builds a compound state A whose own fallback transition would
// fire for "go" only if its child A1 has no matching transition of its
// own (spec.md §4.6 "closest enabled transition wins").
//
//	0 root (compound) -> initial 1
//	  1 A (compound)    -> initial 2, transition go -> 3
//	    2 A1 (atomic)    -> transition go[blocked] -> 3, transition go -> 3
//	    3 A2 (atomic)
func prioDoc() *model.Doc {
	doc := &model.Doc{
		Name: "prio",
		States: []model.StateNode{
			{ID: 0, DocID: "root", Kind: model.Compound, Parent: model.NoState, Children: []model.StateID{1}, Initial: []model.StateID{1}},
			{ID: 1, DocID: "A", Kind: model.Compound, Parent: 0, Children: []model.StateID{2, 3}, Initial: []model.StateID{2},
				Transitions: []*model.TransitionNode{
					{Source: 1, Events: []model.EventDescriptor{"go"}, Targets: []model.StateID{3}, Type: model.External},
				}},
			{ID: 2, DocID: "A1", Kind: model.Atomic, Parent: 1,
				Transitions: []*model.TransitionNode{
					{Source: 2, Events: []model.EventDescriptor{"go"}, Cond: "blocked", Targets: []model.StateID{3}, Type: model.External},
					{Source: 2, Events: []model.EventDescriptor{"go"}, Targets: []model.StateID{3}, Type: model.External},
				}},
			{ID: 3, DocID: "A2", Kind: model.Atomic, Parent: 1},
		},
		ByDocID: map[string]model.StateID{"root": 0, "A": 1, "A1": 2, "A2": 3},
	}
	doc.Root = 0
	doc.Finalize()
	return doc
}

// prioDocNoOwnMatch is prioDoc with A1's unconditional transition
// removed, so a "go" event must fall back to A's transition.
func prioDocNoOwnMatch() *model.Doc {
	doc := prioDoc()
	doc.States[2].Transitions = doc.States[2].Transitions[:1]
	return doc
}

func TestSelectTransitionsPrefersClosestMatchingState(t *testing.T) {
	doc := prioDoc()
	hist := history.New()
	cfg := runtimeconfig.New()
	cfg.Add(0)
	cfg.Add(1)
	cfg.Add(2)
	host := fakeHost{results: map[string]bool{"blocked": false}}

	selected := selectTransitions(doc, cfg, hist, host, "go", true)
	if assert.Len(t, selected, 1) {
		assert.Equal(t, model.StateID(2), selected[0].Source, "A1's own transition wins over A's fallback")
		assert.Empty(t, selected[0].Cond, "the blocked guard must be skipped, not selected")
	}
}

func TestSelectTransitionsFallsBackToAncestorWhenChildGuardFails(t *testing.T) {
	doc := prioDocNoOwnMatch()
	hist := history.New()
	cfg := runtimeconfig.New()
	cfg.Add(0)
	cfg.Add(1)
	cfg.Add(2)
	host := fakeHost{results: map[string]bool{"blocked": false}}

	selected := selectTransitions(doc, cfg, hist, host, "go", true)
	if assert.Len(t, selected, 1) {
		assert.Equal(t, model.StateID(1), selected[0].Source, "no match on A1 falls back to A's transition")
	}
}

func TestSelectTransitionsIgnoresNonMatchingEvent(t *testing.T) {
	doc := prioDoc()
	hist := history.New()
	cfg := runtimeconfig.New()
	cfg.Add(0)
	cfg.Add(1)
	cfg.Add(2)
	host := fakeHost{}

	selected := selectTransitions(doc, cfg, hist, host, "other", true)
	assert.Empty(t, selected)
}

func TestCondHoldsTreatsEvaluationErrorAsFalse(t *testing.T) {
	host := fakeHost{errs: map[string]error{"boom": errors.New("boom")}}
	assert.False(t, condHolds(host, &model.TransitionNode{Cond: "boom"}))
}

func TestCondHoldsEmptyGuardAlwaysHolds(t *testing.T) {
	host := fakeHost{}
	assert.True(t, condHolds(host, &model.TransitionNode{}))
}

// conflictDoc is parallelJoinDoc plus a sibling state outside the
// parallel and a transition on the parallel state itself, so a
// region-local transition on R1a can be checked against a broader,
// less specific transition on P for the same event.
//
//	0 root (compound) -> initial 1, children 1,8
//	  1 P (parallel), transition go -> 8, children 2,3
//	    2 R1 (compound) -> initial 4, children 4,5
//	      4 R1a (atomic) -> transition go -> 5
//	      5 R1b (atomic)
//	    3 R2 (compound) -> initial 6, children 6,7
//	      6 R2a (atomic)
//	      7 R2b (atomic)
//	  8 Elsewhere (atomic)
func conflictDoc() *model.Doc {
	doc := &model.Doc{
		Name: "conflict",
		States: []model.StateNode{
			{ID: 0, DocID: "root", Kind: model.Compound, Parent: model.NoState, Children: []model.StateID{1, 8}, Initial: []model.StateID{1}},
			{ID: 1, DocID: "P", Kind: model.Parallel, Parent: 0, Children: []model.StateID{2, 3},
				Transitions: []*model.TransitionNode{
					{Source: 1, Events: []model.EventDescriptor{"go"}, Targets: []model.StateID{8}, Type: model.External},
				}},
			{ID: 2, DocID: "R1", Kind: model.Compound, Parent: 1, Children: []model.StateID{4, 5}, Initial: []model.StateID{4}},
			{ID: 3, DocID: "R2", Kind: model.Compound, Parent: 1, Children: []model.StateID{6, 7}, Initial: []model.StateID{6}},
			{ID: 4, DocID: "R1a", Kind: model.Atomic, Parent: 2,
				Transitions: []*model.TransitionNode{
					{Source: 4, Events: []model.EventDescriptor{"go"}, Targets: []model.StateID{5}, Type: model.External},
				}},
			{ID: 5, DocID: "R1b", Kind: model.Atomic, Parent: 2},
			{ID: 6, DocID: "R2a", Kind: model.Atomic, Parent: 3},
			{ID: 7, DocID: "R2b", Kind: model.Atomic, Parent: 3},
			{ID: 8, DocID: "Elsewhere", Kind: model.Atomic, Parent: 0},
		},
		ByDocID: map[string]model.StateID{
			"root": 0, "P": 1, "R1": 2, "R2": 3, "R1a": 4, "R1b": 5, "R2a": 6, "R2b": 7, "Elsewhere": 8,
		},
	}
	doc.Root = 0
	doc.Finalize()
	return doc
}

func TestSelectTransitionsKeepsMoreSpecificOverConflictingAncestor(t *testing.T) {
	doc := conflictDoc()
	hist := history.New()
	cfg := runtimeconfig.New()
	for _, id := range []model.StateID{0, 1, 2, 3, 4, 6} {
		cfg.Add(id)
	}
	host := fakeHost{}

	selected := selectTransitions(doc, cfg, hist, host, "go", true)
	if assert.Len(t, selected, 1, "the parallel-level transition conflicts with R1a's and must be dropped") {
		assert.Equal(t, model.StateID(4), selected[0].Source)
		assert.Equal(t, []model.StateID{5}, selected[0].Targets)
	}
}

func TestSelectTransitionsAllowsDisjointParallelRegions(t *testing.T) {
	doc := conflictDoc()
	// Remove P's competing transition so both regions can independently
	// enable their own, non-conflicting transitions for a shared event.
	doc.States[1].Transitions = nil
	doc.States[6].Transitions = []*model.TransitionNode{
		{Source: 6, Events: []model.EventDescriptor{"go"}, Targets: []model.StateID{7}, Type: model.External},
	}
	hist := history.New()
	cfg := runtimeconfig.New()
	for _, id := range []model.StateID{0, 1, 2, 3, 4, 6} {
		cfg.Add(id)
	}
	host := fakeHost{}

	selected := selectTransitions(doc, cfg, hist, host, "go", true)
	assert.Len(t, selected, 2, "independent regions each fire their own transition")
}
