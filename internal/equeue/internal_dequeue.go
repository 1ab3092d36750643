package equeue

import "github.com/comalice/scxmlrt/internal/model"

// DequeueInternal pops only from the internal FIFO, leaving the external
// queue untouched. The interpreter uses this to decide when a macrostep
// has stabilized (spec.md §4.6 "no eventless transitions enabled and the
// internal queue is empty"), as opposed to Dequeue's internal-first
// fallback-to-external policy used once a macrostep has already settled.
func (q *Queue) DequeueInternal() (model.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.internal.Front(); e != nil {
		q.internal.Remove(e)
		return e.Value.(model.Event), true
	}
	return model.Event{}, false
}
