// Package history implements the History Subsystem (spec.md §4.4,
// component C4): recording shallow/deep history on exit and restoring it
// on re-entry.
//
// Grounded on the teacher's core.HistoryManager, which already splits
// shallow (single child id) from deep (leaf list) maps guarded by a
// RWMutex; this generalizes shallow from "one child" to "every active
// immediate child" (one for a compound parent, every region for a
// parallel parent) and keys by model.StateID instead of a string
// history-state id.
package history

import (
	"sync"

	"github.com/comalice/scxmlrt/internal/model"
)

// Store is the per-session history store: a map from history-state id to
// the recorded configuration snapshot (spec.md §3 History Store).
type Store struct {
	mu      sync.RWMutex
	entries map[model.StateID][]model.StateID
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[model.StateID][]model.StateID)}
}

// Record stores the snapshot for history-state h. For a shallow history
// of parent P, states is the list of P's immediate children that were
// active at the moment P was exited. For a deep history of P, states is
// every active leaf descendant of P (spec.md §4.4).
func (s *Store) Record(h model.StateID, states []model.StateID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]model.StateID, len(states))
	copy(cp, states)
	s.entries[h] = cp
}

// Restore returns the recorded snapshot for h, if any (spec.md §4.4
// Restoration).
func (s *Store) Restore(h model.StateID) ([]model.StateID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[h]
	if !ok {
		return nil, false
	}
	cp := make([]model.StateID, len(v))
	copy(cp, v)
	return cp, true
}

// Clear removes any recorded snapshot for h.
func (s *Store) Clear(h model.StateID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, h)
}

// Reset clears every recorded entry.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[model.StateID][]model.StateID)
}
