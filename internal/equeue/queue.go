// Package equeue implements the per-session Event Queue & Scheduler
// (spec.md §4.2, component C2): FIFO internal/external queues with strict
// internal-before-external precedence, plus a timer-driven scheduler for
// delayed sends cancellable by sendid or session.
//
// The teacher (comalice/statechartx) drives its whole Machine off a single
// buffered channel (core.Machine.eventQueue); that collapses internal and
// external events into one FIFO and cannot express spec.md's "all internal
// first, then one external" policy, so this package generalizes it into
// two list.List-backed FIFOs behind one mutex, keeping the teacher's
// "backpressure is observable, not silently dropped" ethos for the
// external queue's optional bound.
package equeue

import (
	"container/heap"
	"container/list"
	"sync"
	"time"

	"github.com/comalice/scxmlrt/internal/model"
	"github.com/google/uuid"
)

// Queue holds one session's internal and external event queues and exposes
// the dequeue policy of spec.md §4.2: all internal events are drained
// before a single external event is considered.
type Queue struct {
	mu       sync.Mutex
	internal list.List
	external list.List
	extCap   int // 0 = unbounded
	notify   chan struct{}
}

// New creates an empty Queue. extCap bounds the external queue (0 = no
// bound); the internal queue, populated only by the session's own
// executable content, is never bounded.
func New(extCap int) *Queue {
	return &Queue{extCap: extCap, notify: make(chan struct{}, 1)}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// EnqueueInternal appends ev to the internal FIFO.
func (q *Queue) EnqueueInternal(ev model.Event) {
	ev.Kind = model.KindInternal
	q.mu.Lock()
	q.internal.PushBack(ev)
	q.mu.Unlock()
	q.wake()
}

// EnqueuePlatform appends a platform event to the external queue when
// toExternal is true (e.g. done.invoke.* from a finished child) and to
// the internal queue otherwise; the event's Origin is not consulted
// (spec.md §4.2 "Platform events").
func (q *Queue) EnqueuePlatform(ev model.Event, toExternal bool) {
	ev.Kind = model.KindPlatform
	q.mu.Lock()
	if toExternal {
		q.external.PushBack(ev)
	} else {
		q.internal.PushBack(ev)
	}
	q.mu.Unlock()
	q.wake()
}

// EnqueueExternalResult reports whether the external queue accepted ev.
type EnqueueExternalResult int

const (
	Accepted EnqueueExternalResult = iota
	Rejected
)

// EnqueueExternal appends ev to the external FIFO, honoring the optional
// bound.
func (q *Queue) EnqueueExternal(ev model.Event) EnqueueExternalResult {
	ev.Kind = model.KindExternal
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.extCap > 0 && q.external.Len() >= q.extCap {
		return Rejected
	}
	q.external.PushBack(ev)
	q.wake()
	return Accepted
}

// Dequeue returns the next event per policy, or ok=false if both queues
// are empty.
func (q *Queue) Dequeue() (model.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.internal.Front(); e != nil {
		q.internal.Remove(e)
		return e.Value.(model.Event), true
	}
	if e := q.external.Front(); e != nil {
		q.external.Remove(e)
		return e.Value.(model.Event), true
	}
	return model.Event{}, false
}

// HasPending reports whether either queue currently holds an event,
// without dequeuing it.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.internal.Len() > 0 || q.external.Len() > 0
}

// Wait blocks until an event is enqueued, the deadline elapses, or done
// fires, returning whether an event is now pending (the macrostep's sole
// blocking point, spec.md §5).
func (q *Queue) Wait(deadline <-chan time.Time, done <-chan struct{}) bool {
	if q.HasPending() {
		return true
	}
	select {
	case <-q.notify:
		return q.HasPending()
	case <-deadline:
		return q.HasPending()
	case <-done:
		return false
	}
}

// ---- Scheduler ----

type pendingSend struct {
	id       string
	session  string
	fireAt   time.Time
	seq      uint64 // scheduling order, for deadline ties (spec.md §4.2 Ordering)
	event    model.Event
	index    int
	canceled bool
}

type sendHeap []*pendingSend

func (h sendHeap) Len() int { return len(h) }
func (h sendHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h sendHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *sendHeap) Push(x any) {
	p := x.(*pendingSend)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *sendHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// DeliverFunc is called by the Scheduler when a delayed send fires; it is
// the scheduler's only coupling to the owning session (typically
// target.EnqueueExternal, or a cross-session router for non-"#_internal"
// targets).
type DeliverFunc func(model.Event)

// Scheduler runs one timer-driven min-heap of pending delayed sends,
// shared by every session hosted in a process (teacher:
// extensibility.TimerEventSource, generalized from a fixed-period
// time.Ticker emitting one event type to a one-shot arbitrary-deadline
// heap emitting arbitrary events, per spec.md §4.2 schedule/cancel).
type Scheduler struct {
	mu      sync.Mutex
	heap    sendHeap
	byID    map[string]*pendingSend
	timer   *time.Timer
	deliver DeliverFunc
	seq     uint64
	closed  bool
}

// NewScheduler creates a Scheduler that calls deliver for every fired
// send.
func NewScheduler(deliver DeliverFunc) *Scheduler {
	s := &Scheduler{byID: make(map[string]*pendingSend), deliver: deliver}
	return s
}

// Schedule records ev for delivery after delay, returning the sendid used
// (generated via google/uuid if sendid is empty, per spec.md §4.5 step 2).
func (s *Scheduler) Schedule(ev model.Event, delay time.Duration, sendid, session string) string {
	if sendid == "" {
		sendid = uuid.NewString()
	}
	ev.SendID = sendid
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	p := &pendingSend{id: sendid, session: session, fireAt: time.Now().Add(delay), seq: s.seq, event: ev}
	s.byID[sendid] = p
	heap.Push(&s.heap, p)
	s.rearm()
	return sendid
}

// Cancel removes a pending send by id. Cancelling an unknown id is not an
// error; it returns false (spec.md §4.2 cancel, idempotent per §8).
func (s *Scheduler) Cancel(sendid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[sendid]
	if !ok || p.canceled {
		return false
	}
	p.canceled = true
	delete(s.byID, sendid)
	if p.index >= 0 {
		heap.Remove(&s.heap, p.index)
	}
	return true
}

// CancelAllForSession removes every pending send originating from
// session, returning the count removed (spec.md §4.2
// cancel_all_for_session).
func (s *Scheduler) CancelAllForSession(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.byID {
		if p.session == session {
			p.canceled = true
			if p.index >= 0 {
				heap.Remove(&s.heap, p.index)
			}
			delete(s.byID, id)
			n++
		}
	}
	return n
}

// rearm resets the firing timer to the next pending deadline. Caller must
// hold s.mu.
func (s *Scheduler) rearm() {
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if len(s.heap) == 0 {
		s.timer = nil
		return
	}
	next := s.heap[0]
	d := time.Until(next.fireAt)
	if d < 0 {
		d = 0
	}
	s.timer = time.AfterFunc(d, s.fire)
}

func (s *Scheduler) fire() {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].fireAt.After(time.Now()) {
			s.rearm()
			s.mu.Unlock()
			return
		}
		p := heap.Pop(&s.heap).(*pendingSend)
		delete(s.byID, p.id)
		s.mu.Unlock()
		if !p.canceled {
			s.deliver(p.event)
		}
	}
}

// Close stops the scheduler's timer. Pending sends are left uncancelled
// in byID for inspection but will never fire.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
