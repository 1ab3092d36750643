package interp

import (
	"github.com/comalice/scxmlrt/internal/history"
	"github.com/comalice/scxmlrt/internal/model"
	"github.com/comalice/scxmlrt/internal/runtimeconfig"
)

// EffectiveTargets resolves a transition's declared targets into concrete
// (non-history) state ids, substituting a history pseudostate's recorded
// snapshot or default-transition targets (spec.md §4.3 step 5, §4.4).
// It performs no side effects: content execution for the chosen default
// happens later, during actual entry.
func EffectiveTargets(doc *model.Doc, hist *history.Store, targets []model.StateID) []model.StateID {
	var out []model.StateID
	for _, t := range targets {
		out = append(out, effectiveTarget(doc, hist, t)...)
	}
	return out
}

func effectiveTarget(doc *model.Doc, hist *history.Store, id model.StateID) []model.StateID {
	n := doc.State(id)
	if !n.IsHistory() {
		return []model.StateID{id}
	}
	if snap, ok := hist.Restore(id); ok {
		return snap
	}
	if n.HistoryDefault != nil {
		return EffectiveTargets(doc, hist, n.HistoryDefault.Targets)
	}
	return nil
}

// TransitionDomain computes the transition's domain (spec.md §4.6 step 2):
// the LCCA of source and effective targets, or the source itself for an
// internal transition whose targets all lie within it.
func TransitionDomain(doc *model.Doc, hist *history.Store, t *model.TransitionNode) model.StateID {
	targets := EffectiveTargets(doc, hist, t.Targets)
	if len(targets) == 0 {
		return model.NoState
	}
	if t.Type == model.Internal && doc.State(t.Source).Kind == model.Compound {
		allInside := true
		for _, tg := range targets {
			if !doc.IsDescendantOrSelf(tg, t.Source) {
				allInside = false
				break
			}
		}
		if allInside {
			return t.Source
		}
	}
	lcca := t.Source
	for _, tg := range targets {
		if tg == lcca {
			continue
		}
		lcca = doc.LCCA(lcca, tg)
	}
	return lcca
}

// ExitSet computes the set of currently active states that must exit for
// the given transitions (spec.md §4.6 step 2).
func ExitSet(doc *model.Doc, cfg *runtimeconfig.Configuration, hist *history.Store, transitions []*model.TransitionNode) []model.StateID {
	set := make(map[model.StateID]struct{})
	for _, t := range transitions {
		if len(t.Targets) == 0 {
			continue // targetless transition: empty exit set
		}
		domain := TransitionDomain(doc, hist, t)
		if domain == model.NoState {
			continue
		}
		for _, id := range cfg.Snapshot() {
			if doc.IsDescendant(id, domain) {
				set[id] = struct{}{}
			}
		}
	}
	out := make([]model.StateID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sortByDocDesc(out)
	return out
}

// entryBuilder accumulates the result of computeEntrySet (spec.md §4.3,
// §4.6 step 5), following the standard SCXML addDescendantStatesToEnter /
// addAncestorStatesToEnter recursion.
type entryBuilder struct {
	doc            *model.Doc
	hist           *history.Store
	toEnter        map[model.StateID]struct{}
	defaultEntry   map[model.StateID]struct{}
	historyContent map[model.StateID][]model.Executable // keyed by the history parent's id
}

// ComputeEntrySet returns the states to enter (ascending document order),
// the subset of those that are compound states whose <initial> content
// must run, and any history-default content keyed by the parent state
// that owned the history pseudostate.
func ComputeEntrySet(doc *model.Doc, hist *history.Store, transitions []*model.TransitionNode) (toEnter []model.StateID, defaultEntry map[model.StateID]struct{}, historyContent map[model.StateID][]model.Executable) {
	b := &entryBuilder{
		doc:            doc,
		hist:           hist,
		toEnter:        make(map[model.StateID]struct{}),
		defaultEntry:   make(map[model.StateID]struct{}),
		historyContent: make(map[model.StateID][]model.Executable),
	}
	for _, t := range transitions {
		if len(t.Targets) == 0 {
			continue
		}
		for _, tg := range t.Targets {
			b.addDescendant(tg)
		}
		domain := TransitionDomain(doc, hist, t)
		for _, tg := range EffectiveTargets(doc, hist, t.Targets) {
			b.addAncestors(tg, domain)
		}
	}
	out := make([]model.StateID, 0, len(b.toEnter))
	for id := range b.toEnter {
		out = append(out, id)
	}
	sortByDoc(out)
	return out, b.defaultEntry, b.historyContent
}

func (b *entryBuilder) addDescendant(id model.StateID) {
	n := b.doc.State(id)
	if n.IsHistory() {
		if snap, ok := b.hist.Restore(id); ok {
			for _, s := range snap {
				b.addDescendant(s)
			}
			for _, s := range snap {
				b.addAncestors(s, n.Parent)
			}
			return
		}
		if n.HistoryDefault != nil {
			b.historyContent[n.Parent] = n.HistoryDefault.Content
			for _, s := range n.HistoryDefault.Targets {
				b.addDescendant(s)
			}
			for _, s := range EffectiveTargets(b.doc, b.hist, n.HistoryDefault.Targets) {
				b.addAncestors(s, n.Parent)
			}
		}
		return
	}

	b.toEnter[id] = struct{}{}
	switch n.Kind {
	case model.Compound:
		b.defaultEntry[id] = struct{}{}
		for _, tg := range n.Initial {
			b.addDescendant(tg)
		}
		for _, tg := range EffectiveTargets(b.doc, b.hist, n.Initial) {
			b.addAncestors(tg, id)
		}
	case model.Parallel:
		for _, child := range n.Children {
			if b.doc.State(child).IsHistory() {
				continue
			}
			b.addDescendant(child)
		}
	}
}

func (b *entryBuilder) addAncestors(id model.StateID, stopAt model.StateID) {
	chain := b.doc.Ancestors(id)
	for _, anc := range chain {
		if anc == id || (stopAt != model.NoState && !b.doc.IsDescendant(anc, stopAt) && anc != stopAt) {
			continue
		}
		if stopAt != model.NoState && anc == stopAt {
			continue
		}
		b.toEnter[anc] = struct{}{}
		n := b.doc.State(anc)
		if n.Kind == model.Parallel {
			for _, child := range n.Children {
				if b.doc.State(child).IsHistory() {
					continue
				}
				if !b.anyDescendantEntered(child) {
					b.addDescendant(child)
				}
			}
		}
	}
}

func (b *entryBuilder) anyDescendantEntered(id model.StateID) bool {
	if _, ok := b.toEnter[id]; ok {
		return true
	}
	for _, ch := range b.doc.State(id).Children {
		if b.anyDescendantEntered(ch) {
			return true
		}
	}
	return false
}
