package scxml

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/interp"
	"github.com/comalice/scxmlrt/internal/invoke"
	"github.com/comalice/scxmlrt/internal/model"
	"github.com/comalice/scxmlrt/internal/store"
	"github.com/comalice/scxmlrt/internal/telemetry"
	"github.com/comalice/scxmlrt/internal/visualize"
)

// Session is one running instance of a Document (spec.md §6 "Session").
// Session satisfies invoke.ChildSession, so the engine's own session
// objects can be nested as <invoke type="scxml"> children without any
// adapter type.
type Session struct {
	engine    *Engine
	doc       *model.Doc
	ip        *interp.Interpreter
	invokes   *invoke.Manager
	telemetry *telemetry.Telemetry
	sessionID string
	onDone    invoke.DoneNotifier
}

var _ invoke.ChildSession = (*Session)(nil)

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.sessionID }

// Start enters the document's initial configuration and begins the
// session's event loop (spec.md §6 Session.Start). For an invoked child
// session, onDone (set by the engine's session factory before Start is
// ever called) fires via interp.Config.OnComplete if the child reaches a
// top-level final configuration on its own.
func (s *Session) Start(ctx context.Context) error {
	return s.ip.Start(ctx)
}

// Stop halts the session's event loop and cancels any delayed sends it
// had scheduled (spec.md §6 Session.Stop).
func (s *Session) Stop(ctx context.Context) error {
	if s.engine != nil {
		s.engine.scheduler.CancelAllForSession(s.sessionID)
	}
	return s.ip.Stop(ctx)
}

// Send enqueues an external event (spec.md §6 Session.Send).
func (s *Session) Send(ev model.Event) equeue.EnqueueExternalResult {
	return s.ip.Send(ev)
}

// Cancel cancels a pending delayed send (spec.md §6 Session.Cancel).
func (s *Session) Cancel(sendid string) bool {
	return s.ip.Cancel(sendid)
}

// CurrentConfiguration returns the active states' document ids
// (spec.md §6 Session.CurrentConfiguration).
func (s *Session) CurrentConfiguration() []string {
	return s.ip.CurrentConfiguration()
}

// IsIn reports whether docID is currently active (spec.md §6 Session.IsIn).
func (s *Session) IsIn(docID string) bool {
	return s.ip.IsIn(docID)
}

// GetVariable evaluates name in the session's datamodel
// (spec.md §6 Session.GetVariable).
func (s *Session) GetVariable(name string) (any, error) {
	return s.ip.GetVariable(name)
}

// SetVariable assigns value to name in the session's datamodel
// (spec.md §6 Session.SetVariable).
func (s *Session) SetVariable(name string, value any) error {
	return s.ip.SetVariable(name, value)
}

// Statistics returns the session's running counters
// (spec.md §6 Session.GetStatistics).
func (s *Session) Statistics() interp.Statistics {
	return s.ip.Statistics()
}

// Invoke gives direct access to the session's Invoke Manager, for
// callers that need to inspect or route around live <invoke> children
// (e.g. internal/ioproc adapters correlating invoke ids).
func (s *Session) Invoke() *invoke.Manager { return s.invokes }

// Logger returns the session's structured logger (internal/telemetry).
func (s *Session) Logger() *slog.Logger { return s.telemetry.Logger }

// ExportDOT renders the session's document with its current
// configuration highlighted (internal/visualize, supplemental tooling).
func (s *Session) ExportDOT() string {
	return visualize.ExportDOT(s.doc, s.CurrentConfiguration())
}

// ExportJSON renders the session's document and current configuration as
// JSON (internal/visualize).
func (s *Session) ExportJSON() ([]byte, error) {
	return visualize.ExportJSON(s.doc, s.CurrentConfiguration())
}

// Snapshot captures enough of the session to later resume it: its active
// configuration and every top-level <data> variable declared by the
// document (spec.md §6, supplemental persistence per SPEC_FULL.md §3).
func (s *Session) Snapshot() store.Snapshot {
	snap := store.Snapshot{
		SessionID:     s.sessionID,
		DocumentName:  s.doc.Name,
		Configuration: s.CurrentConfiguration(),
		Variables:     make(map[string]any),
	}
	for i := range s.doc.States {
		for _, d := range s.doc.States[i].Data {
			if v, err := s.GetVariable(d.ID); err == nil {
				snap.Variables[d.ID] = v
			}
		}
	}
	return snap
}

// Save persists Snapshot() via the engine's configured store
// (WithSnapshotDir). Returns an error if no store was configured.
func (s *Session) Save(format store.Format) error {
	if s.engine == nil || s.engine.store == nil {
		return fmt.Errorf("scxml: no snapshot store configured")
	}
	return s.engine.store.Save(s.Snapshot(), format)
}
