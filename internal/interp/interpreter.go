package interp

import (
	"context"
	"fmt"
	"sync"

	"github.com/comalice/scxmlrt/internal/content"
	"github.com/comalice/scxmlrt/internal/datamodel"
	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/history"
	"github.com/comalice/scxmlrt/internal/model"
	"github.com/comalice/scxmlrt/internal/runtimeconfig"
	"github.com/comalice/scxmlrt/internal/telemetry"
)

// InvokeManager is the narrow capability the Interpreter needs from the
// Invoke Manager (spec.md §4.7, component C7). invoke.Manager satisfies
// this implicitly; interp never imports package invoke, so invoke is
// free to import interp.ChildSession the same way without a cycle
// (spec.md §9 "structural typing across mutually dependent components").
type InvokeManager interface {
	// Enter starts every <invoke> declared on the given newly-stable
	// states. Called once per macrostep, after eventless transitions and
	// the internal queue have both settled (spec.md §4.7 "invoked only
	// at a stable configuration").
	Enter(states []model.StateID)
	// Exit cancels every invocation owned by the given exiting states.
	Exit(states []model.StateID)
	// Autoforward forwards an external event to every invocation with
	// autoforward="true" (spec.md §4.7).
	Autoforward(ev model.Event)
	// Finalize runs the <finalize> handler registered for invokeid, if
	// any, against ev before ev is otherwise processed (spec.md §4.7
	// "finalize runs before the event is made available to the
	// datamodel").
	Finalize(invokeid string, ev model.Event)
}

type noopInvokes struct{}

func (noopInvokes) Enter([]model.StateID)       {}
func (noopInvokes) Exit([]model.StateID)        {}
func (noopInvokes) Autoforward(model.Event)     {}
func (noopInvokes) Finalize(string, model.Event) {}

// Statistics are the interpreter's running counters (spec.md §6
// get_statistics).
type Statistics struct {
	EventsProcessed   uint64
	TransitionsTaken  uint64
	FailedTransitions uint64
	Microsteps        uint64
	Macrosteps        uint64
	IsRunning         bool
	CurrentState      []string
}

// Interpreter is one running session: the cooperative loop composing C1
// (Host), C2 (Queue/Scheduler), C3 (Configuration), C4 (History), C5
// (content.RunBlock) and, optionally, C7 (InvokeManager) per spec.md §4.6.
//
// Teacher: core.Machine is the same shape (one goroutine, one
// sync.RWMutex guarding externally-visible reads) but only ever walks a
// single active leaf; every method below keeps that mutex discipline
// while operating over the full set-valued Configuration.
type Interpreter struct {
	mu  sync.RWMutex
	doc *model.Doc

	cfg  *runtimeconfig.Configuration
	hist *history.Store
	host *datamodel.Host

	queue     *equeue.Queue
	scheduler *equeue.Scheduler
	invokes   InvokeManager
	cctx      *content.Ctx

	sessionID string
	running   bool
	done      chan struct{}
	stopped   chan struct{}

	lateDeclared map[model.StateID]bool
	pendingEnter []model.StateID

	onComplete func(data any)
	stats      Statistics

	telemetry *telemetry.Telemetry
	ctx       context.Context
}

// spanCtx returns the context a macrostep's span should descend from: the
// one Start was called with, once it has run, or context.Background()
// before that (the synthetic initial macrostep in Start itself).
func (ip *Interpreter) spanCtx() context.Context {
	if ip.ctx != nil {
		return ip.ctx
	}
	return context.Background()
}

// Config bundles the dependencies an Interpreter is built from
// (spec.md §6 Engine.CreateSession).
type Config struct {
	Doc       *model.Doc
	SessionID string
	Host      *datamodel.Host
	Queue     *equeue.Queue
	Scheduler *equeue.Scheduler
	Router    content.Router
	Invokes   InvokeManager // nil => no-op (no <invoke> support)
	Logger    func(label, value string)
	// OnComplete, if set, is called exactly once when the session reaches
	// a top-level final configuration on its own (never on Stop), with the
	// evaluated donedata of the triggering <final>. invoke.Manager's
	// session factories use this to satisfy invoke.DoneNotifier without
	// the interpreter needing to know anything about invocations.
	OnComplete func(data any)
	// Telemetry, if set, wraps each macrostep in an otel span
	// (internal/telemetry.MacrostepSpan). nil disables tracing entirely.
	Telemetry *telemetry.Telemetry
}

// New builds an idle Interpreter. Call Start to enter the document's
// initial configuration and begin the event loop.
func New(cfg Config) *Interpreter {
	invokes := cfg.Invokes
	if invokes == nil {
		invokes = noopInvokes{}
	}
	ip := &Interpreter{
		doc:          cfg.Doc,
		cfg:          runtimeconfig.New(),
		hist:         history.New(),
		host:         cfg.Host,
		queue:        cfg.Queue,
		scheduler:    cfg.Scheduler,
		invokes:      invokes,
		sessionID:    cfg.SessionID,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		lateDeclared: make(map[model.StateID]bool),
		onComplete:   cfg.OnComplete,
		telemetry:    cfg.Telemetry,
	}
	ip.cctx = &content.Ctx{
		Host:      cfg.Host,
		Queue:     cfg.Queue,
		Scheduler: cfg.Scheduler,
		Router:    cfg.Router,
		SessionID: cfg.SessionID,
		Logger:    cfg.Logger,
	}
	return ip
}

// Start declares early-bound data, enters the document's initial
// configuration, runs the initial macrostep to stability, and launches
// the background event loop (spec.md §4.6 "Interpretation" procedure).
func (ip *Interpreter) Start(ctx context.Context) error {
	ip.mu.Lock()
	if ip.running {
		ip.mu.Unlock()
		return fmt.Errorf("interp: session %q already started", ip.sessionID)
	}
	if ip.doc.Binding == model.EarlyBinding {
		ip.declareAllData()
	}
	ip.running = true
	ip.ctx = ctx
	initial := &model.TransitionNode{
		Source:  ip.doc.Root,
		Targets: ip.doc.State(ip.doc.Root).Initial,
		Type:    model.External,
	}
	ip.enterStates([]*model.TransitionNode{initial})
	ip.mu.Unlock()

	ip.macrostep("")
	if !ip.sessionRunning() {
		close(ip.stopped)
		return nil
	}
	go ip.run(ctx)
	return nil
}

func (ip *Interpreter) sessionRunning() bool {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.running
}

// Stop signals the event loop to exit and blocks until it has (spec.md §6
// Session.Stop). The session's configuration is left as-is for
// inspection; re-Start is not supported (teacher: core.Machine.Stop is
// likewise one-shot).
func (ip *Interpreter) Stop(ctx context.Context) error {
	ip.mu.Lock()
	if !ip.running {
		ip.mu.Unlock()
		return nil
	}
	ip.running = false
	ip.mu.Unlock()
	close(ip.done)
	select {
	case <-ip.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues an external event (spec.md §6 Session.Send). Safe for
// concurrent use and for use from outside the event loop goroutine,
// since Queue is independently synchronized.
func (ip *Interpreter) Send(ev model.Event) equeue.EnqueueExternalResult {
	return ip.queue.EnqueueExternal(ev)
}

// Cancel cancels a pending delayed send by id (spec.md §6 Session.Cancel).
func (ip *Interpreter) Cancel(sendid string) bool {
	return ip.scheduler.Cancel(sendid)
}

// CurrentConfiguration returns the active states' document ids, in
// document order (spec.md §6 Session.CurrentConfiguration).
func (ip *Interpreter) CurrentConfiguration() []string {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	ids := ip.cfg.Snapshot()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = ip.doc.State(id).DocID
	}
	return out
}

// IsIn reports whether docID is currently active (spec.md §6 Session.IsIn).
func (ip *Interpreter) IsIn(docID string) bool {
	id, ok := ip.doc.Lookup(docID)
	if !ok {
		return false
	}
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.cfg.Contains(id)
}

// GetVariable evaluates name against the session's datamodel
// (spec.md §6 Session.GetVariable).
func (ip *Interpreter) GetVariable(name string) (any, error) {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	v, err := ip.host.Get(name)
	if err != nil {
		return nil, err
	}
	return v.Export(), nil
}

// SetVariable assigns value to name in the session's datamodel
// (spec.md §6 Session.SetVariable).
func (ip *Interpreter) SetVariable(name string, value any) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.host.Set(name, value)
}

// Statistics returns a snapshot of the session's running counters,
// together with is_running and the current configuration, so callers
// get the full spec.md §6 get_statistics shape from one call (the
// counters in ip.stats alone cannot answer is_running/current_state:
// those live on ip.running and ip.cfg).
func (ip *Interpreter) Statistics() Statistics {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	stats := ip.stats
	stats.IsRunning = ip.running
	ids := ip.cfg.Snapshot()
	stats.CurrentState = make([]string, len(ids))
	for i, id := range ids {
		stats.CurrentState[i] = ip.doc.State(id).DocID
	}
	return stats
}

// run is the session's sole goroutine: it owns ip.cfg, ip.hist and
// ip.host for writes, guarded only incidentally by ip.mu for the benefit
// of the read-only accessor methods above (spec.md §5 "single
// cooperative loop per session").
func (ip *Interpreter) run(ctx context.Context) {
	defer close(ip.stopped)
	for {
		select {
		case <-ip.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		if !ip.queue.Wait(nil, ip.done) {
			return
		}
		ev, ok := ip.queue.Dequeue()
		if !ok {
			continue
		}

		ip.mu.Lock()
		ip.stats.EventsProcessed++
		if ev.Invokeid != "" {
			ip.invokes.Finalize(ev.Invokeid, ev)
		}
		ip.invokes.Autoforward(ev)
		restore := ip.host.BindCurrentEvent(&ev)
		selected := selectTransitions(ip.doc, ip.cfg, ip.hist, ip.host, ev.Name, true)
		if len(selected) > 0 {
			ip.microstep(selected)
			ip.stats.TransitionsTaken += uint64(len(selected))
		} else {
			ip.stats.FailedTransitions++
		}
		restore()
		ip.mu.Unlock()

		ip.macrostep(ev.Name)
		if !ip.sessionRunning() {
			return
		}
	}
}

// macrostep drains eventless transitions and internally-raised events
// until the configuration is stable, then starts any invokes newly
// declared on states entered during the macrostep (spec.md §4.6 "a
// macrostep consists of a sequence of microsteps... terminates when
// there are no more enabled transitions and the internal queue is
// empty").
func (ip *Interpreter) macrostep(triggeringEvent string) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	var endSpan func(int)
	if ip.telemetry != nil {
		_, endSpan = ip.telemetry.MacrostepSpan(ip.spanCtx(), triggeringEvent)
	}
	before := ip.stats.TransitionsTaken
	for {
		selected := selectTransitions(ip.doc, ip.cfg, ip.hist, ip.host, "", false)
		if len(selected) > 0 {
			ip.microstep(selected)
			ip.stats.TransitionsTaken += uint64(len(selected))
			if !ip.running {
				break
			}
			continue
		}
		ev, ok := ip.queue.DequeueInternal()
		if !ok {
			break
		}
		ip.stats.EventsProcessed++
		restore := ip.host.BindCurrentEvent(&ev)
		selected = selectTransitions(ip.doc, ip.cfg, ip.hist, ip.host, ev.Name, true)
		if len(selected) > 0 {
			ip.microstep(selected)
			ip.stats.TransitionsTaken += uint64(len(selected))
		} else {
			ip.stats.FailedTransitions++
		}
		restore()
		if !ip.running {
			break
		}
	}
	ip.stats.Macrosteps++
	if endSpan != nil {
		endSpan(int(ip.stats.TransitionsTaken - before))
	}
	if len(ip.pendingEnter) > 0 {
		pending := ip.pendingEnter
		ip.pendingEnter = nil
		ip.invokes.Enter(pending)
	}
}

// microstep performs one exit/transition-content/entry cycle for an
// already-selected, already-conflict-resolved transition set (spec.md
// §4.6 "microstep"). Caller holds ip.mu.
func (ip *Interpreter) microstep(transitions []*model.TransitionNode) {
	exitSet := ExitSet(ip.doc, ip.cfg, ip.hist, transitions)
	ip.recordHistory(exitSet)
	ip.exitStates(exitSet)

	sortTransitionsBySource(transitions)
	for _, t := range transitions {
		if err := content.RunBlock(ip.cctx, t.Content); err != nil {
			ip.reportExecError(err)
		}
	}

	toEnter, defaultEntry, histContent := ComputeEntrySet(ip.doc, ip.hist, transitions)
	ip.enterStatesComputed(toEnter, defaultEntry, histContent)
	ip.stats.Microsteps++
}

// enterStates is the Start-time convenience wrapper around
// enterStatesComputed for the document's synthetic initial transition.
func (ip *Interpreter) enterStates(transitions []*model.TransitionNode) {
	toEnter, defaultEntry, histContent := ComputeEntrySet(ip.doc, ip.hist, transitions)
	ip.enterStatesComputed(toEnter, defaultEntry, histContent)
}

func (ip *Interpreter) enterStatesComputed(toEnter []model.StateID, defaultEntry map[model.StateID]struct{}, histContent map[model.StateID][]model.Executable) {
	for _, id := range toEnter {
		n := ip.doc.State(id)
		ip.cfg.Add(id)

		if ip.doc.Binding == model.LateBinding && !ip.lateDeclared[id] {
			ip.declareStateData(id)
			ip.lateDeclared[id] = true
		}

		for _, block := range n.OnEntry {
			if err := content.RunBlock(ip.cctx, block); err != nil {
				ip.reportExecError(err)
			}
		}
		if _, isDefault := defaultEntry[id]; isDefault && n.InitialContent != nil {
			if err := content.RunBlock(ip.cctx, n.InitialContent); err != nil {
				ip.reportExecError(err)
			}
		}
		if hc, ok := histContent[id]; ok {
			if err := content.RunBlock(ip.cctx, hc); err != nil {
				ip.reportExecError(err)
			}
		}
		if len(n.Invokes) > 0 {
			ip.pendingEnter = append(ip.pendingEnter, id)
		}
		if n.Kind == model.Final {
			ip.handleFinalEntered(id)
		}
	}
}

// exitStates runs onexit content and cancels invokes for exitSet, which
// must already be in reverse document order (ExitSet's contract).
func (ip *Interpreter) exitStates(exitSet []model.StateID) {
	if len(exitSet) > 0 {
		ip.invokes.Exit(exitSet)
	}
	for _, id := range exitSet {
		n := ip.doc.State(id)
		for _, block := range n.OnExit {
			if err := content.RunBlock(ip.cctx, block); err != nil {
				ip.reportExecError(err)
			}
		}
		ip.cfg.Remove(id)
	}
}

// recordHistory snapshots shallow/deep history for every history
// pseudostate whose parent is about to exit, using the configuration as
// it stands before any removal (spec.md §4.4 "recorded at the moment the
// parent exits, from the configuration that was active immediately
// before").
func (ip *Interpreter) recordHistory(exitSet []model.StateID) {
	for _, id := range exitSet {
		n := ip.doc.State(id)
		for _, ch := range n.Children {
			hn := ip.doc.State(ch)
			if !hn.IsHistory() {
				continue
			}
			if hn.Kind == model.HistoryShallow {
				ip.hist.Record(ch, activeImmediateChildren(ip.doc, ip.cfg, id))
			} else {
				ip.hist.Record(ch, activeLeavesUnder(ip.doc, ip.cfg, id))
			}
		}
	}
}

func activeImmediateChildren(doc *model.Doc, cfg *runtimeconfig.Configuration, parent model.StateID) []model.StateID {
	var out []model.StateID
	for _, ch := range doc.State(parent).Children {
		if doc.State(ch).IsHistory() {
			continue
		}
		if cfg.Contains(ch) {
			out = append(out, ch)
		}
	}
	return out
}

func activeLeavesUnder(doc *model.Doc, cfg *runtimeconfig.Configuration, root model.StateID) []model.StateID {
	var out []model.StateID
	for _, id := range cfg.Leaves(doc) {
		if doc.IsDescendant(id, root) {
			out = append(out, id)
		}
	}
	return out
}

// handleFinalEntered implements spec.md §4.6 step 6: entering a <final>
// state emits done.state.<parent> with its donedata, and if that parent
// is itself a region of a Parallel state whose every other region has
// also reached final, the done event propagates up through however many
// enclosing Parallel ancestors are now simultaneously satisfied.
func (ip *Interpreter) handleFinalEntered(final model.StateID) {
	n := ip.doc.State(final)
	parent := n.Parent
	if parent == model.NoState {
		ip.running = false
		data := ip.emitDone(final, parent)
		ip.complete(data)
		return
	}
	pn := ip.doc.State(parent)
	switch pn.Kind {
	case model.Compound:
		data := ip.emitDone(final, parent)
		ip.propagateParallelDone(parent)
		if parent == ip.doc.Root {
			ip.running = false
			ip.complete(data)
		}
	case model.Parallel:
		if isRegionFinal(ip.doc, ip.cfg, parent) {
			ip.propagateParallelDone(parent)
		}
	}
}

// complete invokes the session's completion hook, if any, exactly once
// (callers only reach here from the single place each sets ip.running to
// false on natural completion).
func (ip *Interpreter) complete(data any) {
	if ip.onComplete != nil {
		ip.onComplete(data)
	}
}

// propagateParallelDone walks upward from a region that just reached a
// final configuration, emitting done.state for every enclosing Parallel
// ancestor that has, as a result, become entirely final itself.
func (ip *Interpreter) propagateParallelDone(region model.StateID) {
	parent := ip.doc.State(region).Parent
	for parent != model.NoState {
		pn := ip.doc.State(parent)
		if pn.Kind != model.Parallel {
			break
		}
		if !isRegionFinal(ip.doc, ip.cfg, parent) {
			break
		}
		data := ip.emitDone(model.NoState, parent)
		if parent == ip.doc.Root {
			ip.running = false
			ip.complete(data)
		}
		region = parent
		parent = pn.Parent
	}
}

// isRegionFinal reports whether every non-history child of a Compound or
// Parallel state is itself (recursively) in a final configuration.
func isRegionFinal(doc *model.Doc, cfg *runtimeconfig.Configuration, id model.StateID) bool {
	n := doc.State(id)
	switch n.Kind {
	case model.Final:
		return cfg.Contains(id)
	case model.Compound:
		for _, ch := range n.Children {
			if doc.State(ch).IsHistory() {
				continue
			}
			if cfg.Contains(ch) {
				return isRegionFinal(doc, cfg, ch)
			}
		}
		return false
	case model.Parallel:
		for _, ch := range n.Children {
			if doc.State(ch).IsHistory() {
				continue
			}
			if !isRegionFinal(doc, cfg, ch) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// emitDone raises done.state.<docid of container> (or, for a Parallel
// whose completion has no single triggering final state, container
// itself) as an internal event, evaluating <donedata> if the triggering
// final state declares one (spec.md §4.6 step 6, §6 done events).
func (ip *Interpreter) emitDone(final, container model.StateID) any {
	cn := ip.doc.State(container)
	name := model.DoneStatePrefix + cn.DocID
	var data any
	if final != model.NoState {
		if dd := ip.doc.State(final).Done; dd != nil {
			data = ip.evalDoneData(dd)
		}
	}
	ip.queue.EnqueueInternal(model.NewInternalEvent(name, data))
	return data
}

func (ip *Interpreter) evalDoneData(dd *model.DoneData) any {
	if dd.ContentExpr != "" {
		v, err := ip.host.Evaluate(dd.ContentExpr)
		if err != nil {
			ip.reportExecError(err)
			return nil
		}
		return v.Export()
	}
	if len(dd.Params) == 0 {
		return nil
	}
	out := make(map[string]any, len(dd.Params))
	for _, p := range dd.Params {
		var v any
		var err error
		switch {
		case p.Expr != "":
			res, e := ip.host.Evaluate(p.Expr)
			err = e
			if e == nil {
				v = res.Export()
			}
		case p.Location != "":
			res, e := ip.host.Get(p.Location)
			err = e
			if e == nil {
				v = res.Export()
			}
		}
		if err != nil {
			ip.reportExecError(err)
			continue
		}
		out[p.Name] = v
	}
	return out
}

// declareAllData declares every state's <data> items in document order,
// for documents with binding="early" (spec.md §6 Environment).
func (ip *Interpreter) declareAllData() {
	for i := range ip.doc.States {
		ip.declareStateData(model.StateID(i))
	}
}

func (ip *Interpreter) declareStateData(id model.StateID) {
	n := ip.doc.State(id)
	for _, d := range n.Data {
		if err := ip.host.DeclareData(d.ID, d.Expr, d.Content); err != nil {
			ip.reportExecError(err)
		}
	}
}

// reportExecError translates a content/datamodel failure into the
// error-event taxonomy of spec.md §7, placing it on the internal queue
// so it is processed before any further external event.
func (ip *Interpreter) reportExecError(err error) {
	ip.stats.FailedTransitions++
	var ee *content.ExecError
	if as, ok := err.(*content.ExecError); ok {
		ee = as
	} else {
		ee = &content.ExecError{EventName: model.ErrExecution, Err: err}
	}
	ip.queue.EnqueueInternal(model.Event{
		Name:   ee.EventName,
		Data:   ee.Error(),
		SendID: ee.SendID,
		Kind:   model.KindInternal,
	})
}

func sortTransitionsBySource(ts []*model.TransitionNode) {
	// Document order among the selected, already-conflict-free set: a
	// transition's own source id is a stable, collision-free sort key
	// since at most one transition per active state survives selection.
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Source < ts[j-1].Source; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}
