// Package content implements the Executable-Content Engine
// (spec.md §4.5, component C5): the concrete <assign>/<raise>/<send>/
// <cancel>/<if>/<foreach>/<log>/<script> elements and the payload
// construction rules for namelist/<param>/<content>.
//
// The teacher's extensibility.DefaultActionRunner dispatches on a single
// any-typed ActionRef via a type switch (func(*Context, Event) or a
// registered string id); that is nowhere near expressive enough for
// <foreach>'s nested body or <send>'s multi-field payload construction,
// so this package generalizes it into one exported type per element
// (spec.md §4.5's table), each implementing Runnable.
package content

import (
	"fmt"

	"github.com/comalice/scxmlrt/internal/datamodel"
	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/model"
)

// ExecError carries which error-taxonomy event (spec.md §7) a failure
// should surface as.
type ExecError struct {
	EventName string // model.ErrExecution, model.ErrCommunication, or model.ErrPlatform
	SendID    string // populated for <send> failures so idlocation correlation still works
	Err       error
}

func (e *ExecError) Error() string { return fmt.Sprintf("%s: %v", e.EventName, e.Err) }
func (e *ExecError) Unwrap() error { return e.Err }

func execErr(err error) error { return &ExecError{EventName: model.ErrExecution, Err: err} }
func commErr(err error) error { return &ExecError{EventName: model.ErrCommunication, Err: err} }

// Router resolves and delivers a <send> payload to a non-internal target:
// "#_parent", "#_invokeid", an external session id, or an HTTP-form URI
// handled by an external I/O processor adapter (spec.md §4.5 step 7-8).
// The core only ever exercises "" (same session) and "#_internal"
// directly; every other form is delegated here so internal/content never
// imports a transport package (spec.md §1 non-goal).
type Router interface {
	// Deliver attempts immediate delivery. A target that is syntactically
	// well-formed but cannot be reached returns an error, which the
	// caller turns into error.communication.
	Deliver(target, eventType string, ev model.Event) error
}

// Ctx is the live session context every Executable runs against: the
// script host (C1), the event queue and scheduler (C2), and enough of
// the session's identity to build an event envelope (spec.md §4.5).
type Ctx struct {
	Host      *datamodel.Host
	Queue     *equeue.Queue
	Scheduler *equeue.Scheduler
	Router    Router
	SessionID string
	Logger    func(label, value string)
}

// Runnable is implemented by every concrete executable-content element.
// model.Executable only requires Describe(); Runnable is the richer
// interface content.RunBlock type-asserts to, keeping model free of a
// dependency on datamodel/equeue.
type Runnable interface {
	model.Executable
	Run(ctx *Ctx) error
}

// RunBlock executes a list of executables in document order, stopping at
// the first failure (spec.md §4.5's <foreach> "abort the entire enclosing
// block" generalizes to every block per spec.md §3's "each block is an
// atomic unit for error handling").
func RunBlock(ctx *Ctx, block []model.Executable) error {
	for _, e := range block {
		r, ok := e.(Runnable)
		if !ok {
			return execErr(fmt.Errorf("content: %T does not implement Runnable", e))
		}
		if err := r.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}
