package content

import (
	"fmt"
	"strings"

	"github.com/comalice/scxmlrt/internal/model"
	"github.com/google/uuid"
)

// Send implements <send event=... target=... type=... delay=... id=...
// idlocation=...> per spec.md §4.5's eight-step payload-construction
// algorithm.
type Send struct {
	Event       string
	EventExpr   string
	Target      string
	TargetExpr  string
	Type        string
	TypeExpr    string
	ID          string
	IDLocation  string
	Delay       string
	DelayExpr   string
	Namelist    []string
	Params      []Param
	ContentExpr string // <content expr="...">, mutually exclusive with Params/Namelist payload
}

// Param is a <param name=... expr=... | location=...> entry. Duplicate
// names are preserved in document order (spec.md §4.5 step 5).
type Param struct {
	Name     string
	Expr     string
	Location string
}

func (s *Send) Describe() string { return "send(" + s.Event + ")" }

func (s *Send) Run(ctx *Ctx) error {
	// Step 2: resolve/allocate sendid, store into idlocation before any
	// later step can fail, so a failed send still leaves a correlatable id.
	sendid := s.ID
	if sendid == "" {
		sendid = uuid.NewString()
	}
	if s.IDLocation != "" {
		if err := ctx.Host.Set(s.IDLocation, sendid); err != nil {
			return execErr(fmt.Errorf("send: idlocation: %w", err))
		}
	}

	// Step 1: resolve target and type.
	target := s.Target
	if s.TargetExpr != "" {
		v, err := ctx.Host.Evaluate(s.TargetExpr)
		if err != nil {
			return &ExecError{EventName: model.ErrExecution, SendID: sendid, Err: fmt.Errorf("send: targetexpr: %w", err)}
		}
		target = fmt.Sprintf("%v", v.Export())
	}
	typ := s.Type
	if s.TypeExpr != "" {
		v, err := ctx.Host.Evaluate(s.TypeExpr)
		if err != nil {
			return &ExecError{EventName: model.ErrExecution, SendID: sendid, Err: fmt.Errorf("send: typeexpr: %w", err)}
		}
		typ = fmt.Sprintf("%v", v.Export())
	}
	if typ == "" {
		typ = "http://www.w3.org/TR/scxml/#SCXMLEventProcessor"
	}

	// Step 3: resolve event name.
	eventName := s.Event
	if s.EventExpr != "" {
		v, err := ctx.Host.Evaluate(s.EventExpr)
		if err != nil {
			return &ExecError{EventName: model.ErrExecution, SendID: sendid, Err: fmt.Errorf("send: eventexpr: %w", err)}
		}
		eventName = fmt.Sprintf("%v", v.Export())
	}
	if eventName == "" && s.ContentExpr == "" {
		return &ExecError{EventName: model.ErrExecution, SendID: sendid, Err: fmt.Errorf("send: event name required for type %q", typ)}
	}

	// Step 4+5: build payload from namelist/params, any single failure
	// aborts the whole send.
	data, err := s.buildPayload(ctx)
	if err != nil {
		return &ExecError{EventName: model.ErrExecution, SendID: sendid, Err: err}
	}

	// Step 6: resolve delay.
	delayStr := s.Delay
	if s.DelayExpr != "" {
		v, err := ctx.Host.Evaluate(s.DelayExpr)
		if err != nil {
			return &ExecError{EventName: model.ErrExecution, SendID: sendid, Err: fmt.Errorf("send: delayexpr: %w", err)}
		}
		delayStr = fmt.Sprintf("%v", v.Export())
	}
	delay, err := parseDelay(delayStr)
	if err != nil {
		return &ExecError{EventName: model.ErrExecution, SendID: sendid, Err: fmt.Errorf("send: %w", err)}
	}

	// Step 7: validate target form.
	if err := validateTarget(target); err != nil {
		return &ExecError{EventName: model.ErrCommunication, SendID: sendid, Err: err}
	}

	ev := model.Event{
		Name:       eventName,
		Data:       data,
		SendID:     sendid,
		Origin:     ctx.SessionID,
		OriginType: typ,
		Target:     target,
	}

	// Step 8: deliver or schedule. Send is fire-and-forget: a queued or
	// scheduled send reports success even if eventual delivery fails
	// (spec.md §4.5 "Send is fire-and-forget semantically").
	if delay <= 0 {
		return s.deliverNow(ctx, target, typ, ev, sendid)
	}
	ctx.Scheduler.Schedule(ev, delay, sendid, ctx.SessionID)
	return nil
}

func (s *Send) deliverNow(ctx *Ctx, target, typ string, ev model.Event, sendid string) error {
	if target == "" || target == "#_internal" {
		ev.Kind = model.KindInternal
		ctx.Queue.EnqueueInternal(ev)
		return nil
	}
	if ctx.Router == nil {
		return commErr(fmt.Errorf("send: no router configured for target %q", target))
	}
	if err := ctx.Router.Deliver(target, typ, ev); err != nil {
		// Fire-and-forget: report success to the caller, but surface the
		// failure asynchronously as error.communication on our own queue.
		ctx.Queue.EnqueueInternal(model.Event{
			Name:   model.ErrCommunication,
			SendID: sendid,
			Kind:   model.KindInternal,
			Data:   err.Error(),
		})
	}
	return nil
}

// validateTarget enforces spec.md §4.5 step 7: a target must be empty,
// "#_internal", a "#_"-prefixed local form (invoke/parent/session), or a
// URI form an external processor recognises.
func validateTarget(target string) error {
	if target == "" {
		return nil
	}
	if strings.HasPrefix(target, "#_") {
		return nil
	}
	if strings.Contains(target, "://") {
		return nil
	}
	return fmt.Errorf("send: target %q is not in a recognised form", target)
}

// buildPayload evaluates namelist and <param> bindings into a single
// object, preserving duplicate param names as arrays in document order
// (spec.md §4.5 step 4-5, §6 Event object "data").
func (s *Send) buildPayload(ctx *Ctx) (any, error) {
	if s.ContentExpr != "" {
		v, err := ctx.Host.Evaluate(s.ContentExpr)
		if err != nil {
			return nil, fmt.Errorf("send: content: %w", err)
		}
		return v.Export(), nil
	}
	if len(s.Namelist) == 0 && len(s.Params) == 0 {
		return nil, nil
	}
	out := make(map[string]any)
	counts := make(map[string]int)
	for _, name := range s.Namelist {
		v, err := ctx.Host.Evaluate(name)
		if err != nil {
			return nil, fmt.Errorf("send: namelist %q: %w", name, err)
		}
		assignPayloadField(out, counts, name, v.Export())
	}
	for _, p := range s.Params {
		var val any
		switch {
		case p.Expr != "":
			v, err := ctx.Host.Evaluate(p.Expr)
			if err != nil {
				return nil, fmt.Errorf("send: param %q: %w", p.Name, err)
			}
			val = v.Export()
		case p.Location != "":
			v, err := ctx.Host.Get(p.Location)
			if err != nil {
				return nil, fmt.Errorf("send: param %q: %w", p.Name, err)
			}
			val = v.Export()
		}
		assignPayloadField(out, counts, p.Name, val)
	}
	return out, nil
}

// assignPayloadField stores a payload value, turning repeated names into
// an accumulating slice (spec.md §4.5 step 5 "duplicate names - all
// values retained in document order").
func assignPayloadField(out map[string]any, counts map[string]int, name string, val any) {
	counts[name]++
	switch counts[name] {
	case 1:
		out[name] = val
	case 2:
		out[name] = []any{out[name], val}
	default:
		out[name] = append(out[name].([]any), val)
	}
}
