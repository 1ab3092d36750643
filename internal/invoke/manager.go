// Package invoke implements the Invoke Manager (spec.md §4.7, component
// C7): starting a child session for each <invoke> on entry to its owning
// state, binding its namelist/<param> inputs from the parent's
// datamodel, forwarding external events when autoforward="true", running
// <finalize> against the parent's datamodel before an invoke response is
// otherwise processed, and cancelling children when the owning state
// exits.
//
// The teacher carries no child-machine concept at all: core.Machine is
// always the single top-level session. This package is grounded instead
// on the teacher's extensibility.ChannelEventSource/TimerEventSource
// pattern (a goroutine pumping events into a channel that the owning
// Machine drains) generalized from "one ticking timer" to "one child
// interpreter per live invocation, pumping its done/forwarded events
// back onto the parent's external queue".
package invoke

import (
	"context"
	"fmt"
	"sync"

	"github.com/comalice/scxmlrt/internal/content"
	"github.com/comalice/scxmlrt/internal/datamodel"
	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/model"
	"github.com/comalice/scxmlrt/internal/telemetry"
	"github.com/google/uuid"
)

// ChildSession is the narrow capability Manager needs from a running
// child interpreter. *interp.Interpreter satisfies this implicitly
// (structural typing, spec.md §9): package invoke never imports package
// interp, avoiding the import cycle interp -> invoke -> interp.
type ChildSession interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ev model.Event) equeue.EnqueueExternalResult
	CurrentConfiguration() []string
	GetVariable(name string) (any, error)
	SetVariable(name string, value any) error
}

// DoneNotifier is called by a session factory exactly once, when the
// child session reaches a top-level final state or otherwise completes
// naturally (not via Manager-initiated cancellation). data is the
// evaluated donedata of the child's top-level <final>, if any.
type DoneNotifier func(data any)

// SessionFactory builds and wires a child session for spec, without
// starting it. params holds the namelist/<param> values already
// evaluated against the parent's datamodel (spec.md §4.7 "evaluated in
// the parent's datamodel at invocation time"). The returned ChildSession
// must arrange to call onDone exactly once if the child reaches natural
// completion; onDone must not be called after Manager.Exit has cancelled
// the invocation.
type SessionFactory func(spec *model.InvokeSpec, invokeid string, params map[string]any, onDone DoneNotifier) (ChildSession, error)

type invocation struct {
	id        string
	owner     model.StateID
	autofwd   bool
	spec      *model.InvokeSpec
	session   ChildSession
	cancelled bool
	endSpan   func(err error)
}

// Manager owns every live invocation for one parent session.
type Manager struct {
	mu      sync.Mutex
	byID    map[string]*invocation
	byOwner map[model.StateID][]*invocation

	doc     *model.Doc
	host    *datamodel.Host
	queue   *equeue.Queue
	cctx    *content.Ctx
	factory SessionFactory
	tel     *telemetry.Telemetry
}

// New builds a Manager for one parent session. factory is typically
// supplied by the scxml facade, which alone knows how to construct a
// nested interp.Interpreter (or a non-"scxml"-type adapter) and is
// therefore the only package allowed to import both interp and invoke.
func New(doc *model.Doc, host *datamodel.Host, queue *equeue.Queue, cctx *content.Ctx, factory SessionFactory) *Manager {
	return &Manager{
		byID:    make(map[string]*invocation),
		byOwner: make(map[model.StateID][]*invocation),
		doc:     doc,
		host:    host,
		queue:   queue,
		cctx:    cctx,
		factory: factory,
	}
}

// SetTelemetry wires session telemetry into the manager, after which
// every invocation's lifetime is wrapped in an otel span
// (internal/telemetry.InvokeSpan). Optional; a Manager with no telemetry
// set behaves exactly as before.
func (m *Manager) SetTelemetry(t *telemetry.Telemetry) {
	m.tel = t
}

// Enter starts every <invoke> declared on the given newly-stable states
// (spec.md §4.7, interp.InvokeManager.Enter).
func (m *Manager) Enter(states []model.StateID) {
	for _, id := range states {
		n := m.doc.State(id)
		for _, spec := range n.Invokes {
			m.start(id, spec)
		}
	}
}

func (m *Manager) start(owner model.StateID, spec *model.InvokeSpec) {
	invokeid := spec.ID
	if invokeid == "" {
		invokeid = uuid.NewString()
	}
	if spec.IDLocation != "" {
		if err := m.host.Set(spec.IDLocation, invokeid); err != nil {
			m.reportError(invokeid, fmt.Errorf("invoke: idlocation: %w", err))
			return
		}
	}

	params, err := m.resolveParams(spec)
	if err != nil {
		m.reportError(invokeid, fmt.Errorf("invoke: %w", err))
		return
	}

	inv := &invocation{id: invokeid, owner: owner, autofwd: spec.Autoforward, spec: spec}
	if m.tel != nil {
		_, inv.endSpan = m.tel.InvokeSpan(context.Background(), invokeid, spec.Type)
	}

	onDone := func(data any) {
		m.mu.Lock()
		cur, live := m.byID[invokeid]
		if !live || cur.cancelled {
			m.mu.Unlock()
			return
		}
		delete(m.byID, invokeid)
		m.removeFromOwner(owner, cur)
		m.mu.Unlock()
		if cur.endSpan != nil {
			cur.endSpan(nil)
		}
		m.queue.EnqueuePlatform(model.Event{
			Name:     model.DoneInvokePrefix + invokeid,
			Data:     data,
			Invokeid: invokeid,
		}, true)
	}

	session, err := m.factory(spec, invokeid, params, onDone)
	if err != nil {
		if inv.endSpan != nil {
			inv.endSpan(err)
		}
		m.reportError(invokeid, fmt.Errorf("invoke: start: %w", err))
		return
	}
	inv.session = session

	m.mu.Lock()
	m.byID[invokeid] = inv
	m.byOwner[owner] = append(m.byOwner[owner], inv)
	m.mu.Unlock()

	go func() {
		if err := session.Start(context.Background()); err != nil {
			m.reportError(invokeid, fmt.Errorf("invoke: start: %w", err))
		}
	}()
}

// resolveParams evaluates namelist entries and <param> bindings against
// the parent's datamodel (spec.md §4.7).
func (m *Manager) resolveParams(spec *model.InvokeSpec) (map[string]any, error) {
	if len(spec.Namelist) == 0 && len(spec.Params) == 0 {
		return nil, nil
	}
	out := make(map[string]any)
	for _, name := range spec.Namelist {
		v, err := m.host.Get(name)
		if err != nil {
			return nil, fmt.Errorf("namelist %q: %w", name, err)
		}
		out[name] = v.Export()
	}
	for _, p := range spec.Params {
		var v any
		switch {
		case p.Expr != "":
			res, err := m.host.Evaluate(p.Expr)
			if err != nil {
				return nil, fmt.Errorf("param %q: %w", p.Name, err)
			}
			v = res.Export()
		case p.Location != "":
			res, err := m.host.Get(p.Location)
			if err != nil {
				return nil, fmt.Errorf("param %q: %w", p.Name, err)
			}
			v = res.Export()
		}
		out[p.Name] = v
	}
	return out, nil
}

// Exit cancels every invocation owned by the given exiting states
// (spec.md §4.7 "cancel on exit"; interp.InvokeManager.Exit). Per the
// Open Question resolved in DESIGN.md, a cancelled invocation's onDone
// is suppressed: cancellation is not completion, and no done.invoke
// event is raised for it.
func (m *Manager) Exit(states []model.StateID) {
	for _, id := range states {
		m.mu.Lock()
		owned := m.byOwner[id]
		delete(m.byOwner, id)
		for _, inv := range owned {
			inv.cancelled = true
			delete(m.byID, inv.id)
		}
		m.mu.Unlock()
		for _, inv := range owned {
			session := inv.session
			endSpan := inv.endSpan
			go func() {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				_ = session.Stop(ctx)
				if endSpan != nil {
					endSpan(nil)
				}
			}()
		}
	}
}

// Autoforward forwards an external event to every invocation with
// autoforward="true" (spec.md §4.7).
func (m *Manager) Autoforward(ev model.Event) {
	m.mu.Lock()
	var targets []ChildSession
	for _, inv := range m.byID {
		if inv.autofwd {
			targets = append(targets, inv.session)
		}
	}
	m.mu.Unlock()
	for _, s := range targets {
		s.Send(ev)
	}
}

// Finalize runs <finalize> for invokeid against ev, evaluated in the
// parent's datamodel with _event temporarily bound to ev (spec.md §4.7
// "finalize executes in the parent's datamodel, before the event is
// otherwise made available").
func (m *Manager) Finalize(invokeid string, ev model.Event) {
	m.mu.Lock()
	inv, ok := m.byID[invokeid]
	m.mu.Unlock()
	if !ok || len(inv.spec.Finalize) == 0 {
		return
	}
	restore := m.host.BindCurrentEvent(&ev)
	defer restore()
	if err := content.RunBlock(m.cctx, inv.spec.Finalize); err != nil {
		m.reportError(invokeid, err)
	}
}

// Deliver implements content.Router for parent-side <send target="#_id">
// forms, routing to the child session identified by id (spec.md §4.5
// step 7 local target forms, §4.7).
func (m *Manager) Deliver(target, eventType string, ev model.Event) error {
	const prefix = "#_"
	if len(target) <= len(prefix) || target[:len(prefix)] != prefix {
		return fmt.Errorf("invoke: %q is not a local invoke target", target)
	}
	invokeid := target[len(prefix):]
	m.mu.Lock()
	inv, ok := m.byID[invokeid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("invoke: unknown invocation %q", invokeid)
	}
	if inv.session.Send(ev) == equeue.Rejected {
		return fmt.Errorf("invoke: target %q rejected event %q", invokeid, ev.Name)
	}
	return nil
}

func (m *Manager) removeFromOwner(owner model.StateID, inv *invocation) {
	list := m.byOwner[owner]
	for i, v := range list {
		if v == inv {
			m.byOwner[owner] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (m *Manager) reportError(invokeid string, err error) {
	m.queue.EnqueueInternal(model.Event{
		Name:     model.ErrCommunication,
		Data:     err.Error(),
		Invokeid: invokeid,
		Kind:     model.KindInternal,
	})
}
