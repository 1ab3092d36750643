// Package runtimeconfig implements the Configuration Manager
// (spec.md §4.3, component C3): the document-ordered active state set and
// the configuration invariants. Hierarchical/parallel entry and exit are
// computed and performed by internal/interp, not by this package.
//
// The teacher (comalice/statechartx) keeps "current" as a single-element
// []string leaf path (core.Machine.current) because its processEvent only
// ever follows one transition to one new leaf. This package generalizes
// that to a full set-valued Configuration supporting parallel regions,
// because spec.md §3's invariants (one active child per compound state,
// every region of an active parallel state, no duplicate membership)
// cannot be expressed over a single leaf path.
package runtimeconfig

import (
	"fmt"
	"sort"

	"github.com/comalice/scxmlrt/internal/model"
)

// Configuration is the set of currently active StateNodes, queryable in
// document order (spec.md §3 Configuration).
type Configuration struct {
	active map[model.StateID]struct{}
}

// New creates an empty Configuration.
func New() *Configuration {
	return &Configuration{active: make(map[model.StateID]struct{})}
}

// Add activates id. Idempotent.
func (c *Configuration) Add(id model.StateID) { c.active[id] = struct{}{} }

// Remove deactivates id. Idempotent.
func (c *Configuration) Remove(id model.StateID) { delete(c.active, id) }

// Contains reports whether id is active.
func (c *Configuration) Contains(id model.StateID) bool {
	_, ok := c.active[id]
	return ok
}

// Len returns the number of active states.
func (c *Configuration) Len() int { return len(c.active) }

// Snapshot returns the active set in document order (StateIDs are
// assigned in document order at load time, so a plain sort suffices —
// spec.md §6 current_configuration: "snapshot in document order").
func (c *Configuration) Snapshot() []model.StateID {
	out := make([]model.StateID, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckInvariants validates the four configuration invariants of
// spec.md §3/§8 against doc. The interpreter does not call it; only tests
// do. A violation is returned as an error, never a panic, because a
// document loaded from untrusted input could in principle be
// inconsistent with itself.
func CheckInvariants(doc *model.Doc, c *Configuration) error {
	for id := range c.active {
		n := doc.State(id)
		if n.IsHistory() {
			return fmt.Errorf("invariant violated: history pseudostate %q is a configuration member", n.DocID)
		}
		if n.Parent != model.NoState && !c.Contains(n.Parent) {
			return fmt.Errorf("invariant violated: %q active without active ancestor %q", n.DocID, doc.State(n.Parent).DocID)
		}
		switch n.Kind {
		case model.Compound:
			count := 0
			for _, ch := range n.Children {
				if doc.State(ch).IsHistory() {
					continue
				}
				if c.Contains(ch) {
					count++
				}
			}
			if count != 1 {
				return fmt.Errorf("invariant violated: compound state %q has %d active non-history children, want 1", n.DocID, count)
			}
		case model.Parallel:
			for _, ch := range n.Children {
				if doc.State(ch).IsHistory() {
					continue
				}
				if !c.Contains(ch) {
					return fmt.Errorf("invariant violated: parallel state %q missing active region %q", n.DocID, doc.State(ch).DocID)
				}
			}
		}
	}
	return nil
}

// Leaves returns the active atomic/final states (no active child), used
// by deep-history recording.
func (c *Configuration) Leaves(doc *model.Doc) []model.StateID {
	var leaves []model.StateID
	for id := range c.active {
		n := doc.State(id)
		hasActiveChild := false
		for _, ch := range n.Children {
			if c.Contains(ch) {
				hasActiveChild = true
				break
			}
		}
		if !hasActiveChild {
			leaves = append(leaves, id)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i] < leaves[j] })
	return leaves
}
