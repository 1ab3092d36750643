// Package scxml is the public facade (spec.md §6, component grouping
// "Facade"): Engine loads documents and creates sessions; Session wraps
// one running internal/interp.Interpreter. This is the only package
// allowed to import both internal/interp and internal/invoke, since
// wiring a nested child session for <invoke type="scxml"> requires
// constructing an interp.Interpreter from inside an invoke.SessionFactory
// (spec.md §9 "structural typing across mutually dependent components").
//
// Teacher: core.NewMachine is a single flat constructor with no
// document/session split and no invoke concept; this generalizes it into
// a long-lived Engine (shared scheduler, optional I/O processors, a
// snapshot store) producing many independent Sessions, one per running
// instance of a loaded document.
package scxml

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/comalice/scxmlrt/internal/content"
	"github.com/comalice/scxmlrt/internal/datamodel"
	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/interp"
	"github.com/comalice/scxmlrt/internal/invoke"
	"github.com/comalice/scxmlrt/internal/loader"
	"github.com/comalice/scxmlrt/internal/model"
	"github.com/comalice/scxmlrt/internal/store"
	"github.com/comalice/scxmlrt/internal/telemetry"
)

// Document is a loaded, immutable SCXML model, ready to be instantiated
// into any number of independent Sessions.
type Document struct {
	doc *model.Doc
}

// Name returns the document's top-level <scxml name="..."> attribute.
func (d *Document) Name() string { return d.doc.Name }

// Engine owns the resources shared across every session it creates: one
// Scheduler (delayed <send>/<invoke> timers fire against a single
// process-wide heap, per internal/equeue's doc comment), an optional
// external I/O processor router, and an optional snapshot store.
type Engine struct {
	scheduler *equeue.Scheduler
	extCap    int
	ioRouter  content.Router
	store     *store.Store

	mu       sync.Mutex
	sessions map[string]*Session
}

type engineConfig struct {
	extCap    int
	ioRouter  content.Router
	storeDir  string
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

// WithExternalQueueCapacity bounds every session's external event queue
// (spec.md §4.2 "optionally bounded"). 0 (the default) is unbounded.
func WithExternalQueueCapacity(n int) Option {
	return func(c *engineConfig) { c.extCap = n }
}

// WithIOProcessor registers a content.Router (typically an
// internal/ioproc.HTTPProcessor or WebSocketProcessor) used to deliver
// <send> targets in URI form, i.e. anything not "", "#_internal", or a
// "#_"-prefixed local form (spec.md §4.5 step 7-8).
func WithIOProcessor(r content.Router) Option {
	return func(c *engineConfig) { c.ioRouter = r }
}

// WithSnapshotDir enables Session.Save/Load via internal/store, rooted
// at dir.
func WithSnapshotDir(dir string) Option {
	return func(c *engineConfig) { c.storeDir = dir }
}

// NewEngine builds an Engine ready to load documents and create sessions.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := engineConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	e := &Engine{extCap: cfg.extCap, ioRouter: cfg.ioRouter, sessions: make(map[string]*Session)}
	e.scheduler = equeue.NewScheduler(func(ev model.Event) {
		// A fired send is routed through the session that scheduled it
		// (ev.Origin), looked up among the sessions created by
		// CreateSession. Fired sends whose owning session is not found
		// there (already destroyed, or an invoked child session) are
		// dropped.
		e.mu.Lock()
		sess, ok := e.sessions[ev.Origin]
		e.mu.Unlock()
		if !ok {
			return
		}
		if ev.Target == "" || ev.Target == "#_internal" {
			sess.Send(ev)
			return
		}
		router := &sessionRouter{invokes: sess.invokes, io: e.ioRouter}
		_ = router.Deliver(ev.Target, ev.OriginType, ev)
	})
	if cfg.storeDir != "" {
		s, err := store.New(cfg.storeDir)
		if err != nil {
			return nil, fmt.Errorf("scxml: %w", err)
		}
		e.store = s
	}
	return e, nil
}

// LoadModel parses an SCXML document from r (internal/loader, component
// C-none/ambient: spec.md §1 takes document parsing as given for the
// interpretation core itself, but an engine embedding this module needs
// some concrete way to arrive at a model.Doc, so the facade offers this
// one).
func (e *Engine) LoadModel(r io.Reader) (*Document, error) {
	doc, err := loader.Load(r)
	if err != nil {
		return nil, fmt.Errorf("scxml: load: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Close stops the engine's shared scheduler. Sessions already created
// continue running; Close is for process shutdown.
func (e *Engine) Close() {
	e.scheduler.Close()
}

// CreateSession instantiates doc as a new, not yet started Session; call
// Session.Start to enter its initial configuration (spec.md §6
// Engine.CreateSession). sessionID must be unique among an Engine's live
// sessions; the caller is responsible for generating one (e.g. via
// github.com/google/uuid, as internal/invoke does for child sessions).
func (e *Engine) CreateSession(doc *Document, sessionID string) (*Session, error) {
	s, _, err := e.newInterpreter(doc.doc, sessionID, nil)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.sessions[sessionID] = s
	e.mu.Unlock()
	return s, nil
}

// DestroySession stops sess and drops the engine's bookkeeping for it
// (spec.md §6 Engine.destroy_session, "idempotent; implies stop").
// Destroying a session the engine never created, or destroying one
// twice, is a no-op rather than an error.
func (e *Engine) DestroySession(sess *Session) error {
	if sess == nil {
		return nil
	}
	e.mu.Lock()
	_, known := e.sessions[sess.sessionID]
	delete(e.sessions, sess.sessionID)
	e.mu.Unlock()
	if !known {
		return nil
	}
	return sess.Stop(context.Background())
}

// newInterpreter builds one interpreter (top-level or invoked child) and
// returns it unstarted alongside its datamodel Host, for use both by
// CreateSession and by the invoke.SessionFactory below.
func (e *Engine) newInterpreter(doc *model.Doc, sessionID string, parent *Session) (*Session, *datamodel.Host, error) {
	queue := equeue.New(e.extCap)

	var ip *interp.Interpreter
	inFunc := func(docID string) bool {
		if ip == nil {
			return false
		}
		return ip.IsIn(docID)
	}
	ioprocs := map[string]string{
		"http://www.w3.org/TR/scxml/#SCXMLEventProcessor": sessionID,
	}
	host := datamodel.New(sessionID, doc.Name, ioprocs, inFunc)

	telem := telemetry.New(sessionID, doc.Name)
	logger := func(label, value string) { telem.Logger.Debug(label, "value", value) }

	router := &sessionRouter{io: e.ioRouter}
	if parent != nil {
		router.parent = parent.ip
	}

	cctx := &content.Ctx{Host: host, Queue: queue, Scheduler: e.scheduler, Router: router, SessionID: sessionID, Logger: logger}

	// s is assigned once, below, after ip and mgr both exist; factory only
	// runs later (from mgr.Enter, during a macrostep), by which point the
	// closure's capture of the s variable has long since been filled in.
	var s *Session
	factory := func(spec *model.InvokeSpec, invokeid string, params map[string]any, onDone invoke.DoneNotifier) (invoke.ChildSession, error) {
		return e.startChildSession(spec, invokeid, params, onDone, s)
	}
	mgr := invoke.New(doc, host, queue, cctx, factory)
	mgr.SetTelemetry(telem)
	router.invokes = mgr

	// onComplete is only meaningful for invoked child sessions (s.onDone
	// is set by startChildSession right after this function returns, well
	// before the session's own goroutine can reach completion).
	onComplete := func(data any) {
		if s != nil && s.onDone != nil {
			s.onDone(data)
		}
	}
	ip = interp.New(interp.Config{
		Doc:        doc,
		SessionID:  sessionID,
		Host:       host,
		Queue:      queue,
		Scheduler:  e.scheduler,
		Router:     router,
		Invokes:    mgr,
		Logger:     logger,
		OnComplete: onComplete,
		Telemetry:  telem,
	})

	s = &Session{
		doc:       doc,
		ip:        ip,
		invokes:   mgr,
		telemetry: telem,
		sessionID: sessionID,
		engine:    e,
	}
	return s, host, nil
}

// startChildSession builds and starts a nested interpreter for
// <invoke type="scxml">, per spec.md §4.7. Only type="scxml" is
// supported; any other type is rejected as unsupported, since this
// module implements no other invoke-target protocol in the core
// (network-protocol adapters live in internal/ioproc and are not
// reachable from here).
func (e *Engine) startChildSession(spec *model.InvokeSpec, invokeid string, params map[string]any, onDone invoke.DoneNotifier, parent *Session) (invoke.ChildSession, error) {
	if spec.Type != "scxml" && spec.Type != "http://www.w3.org/TR/scxml/#SCXMLEventProcessor" {
		return nil, fmt.Errorf("scxml: invoke type %q not supported", spec.Type)
	}
	if spec.Src == "" {
		return nil, fmt.Errorf("scxml: invoke %q has no src/<content> document", invokeid)
	}
	childDoc, err := loader.Load(strings.NewReader(spec.Src))
	if err != nil {
		return nil, fmt.Errorf("scxml: invoke %q: parse child document: %w", invokeid, err)
	}

	child, childHost, err := e.newInterpreter(childDoc, invokeid, parent)
	if err != nil {
		return nil, err
	}
	for name, v := range params {
		_ = childHost.Set(name, v)
	}
	child.onDone = onDone
	// Manager.start launches session.Start in its own goroutine immediately
	// after factory returns; starting it here too would double-enter the
	// child's initial configuration.
	return child, nil
}
