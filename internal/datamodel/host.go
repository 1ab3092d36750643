// Package datamodel implements the Script Host (spec.md §4.1, component
// C1): one isolated ECMAScript evaluation context per session, backed by
// github.com/dop251/goja. The teacher's primitives.Context is a bare
// sync.Map string->any store with no expression evaluation at all; this
// package is grounded instead on the goja dependency surfaced by
// agentflare-ai/agentml-go's stdin loader, since the SCXML datamodel type
// is "ecmascript" by convention (spec.md §6) and the teacher's
// ExpressionGuardEvaluator only parses a three-token subset ("key op
// value"), nowhere near sufficient for <script>, <foreach>, or <assign
// expr="...">.
package datamodel

import (
	"fmt"

	"github.com/comalice/scxmlrt/internal/model"
	"github.com/dop251/goja"
)

// ScriptError is returned by every Host operation that fails; per
// spec.md §4.1 it is the sole channel through which ECMAScript failures
// surface — callers (content, interp) translate it into error.execution.
type ScriptError struct {
	Op  string
	Err error
}

func (e *ScriptError) Error() string { return fmt.Sprintf("datamodel: %s: %v", e.Op, e.Err) }
func (e *ScriptError) Unwrap() error { return e.Err }

// system variables that reject direct assignment (spec.md §4.1).
var readOnlyVars = map[string]struct{}{
	"_event":        {},
	"_sessionid":    {},
	"_name":         {},
	"_ioprocessors": {},
}

// ErrReadOnlyVar is wrapped into a ScriptError when Set targets a system
// variable.
type ErrReadOnlyVar struct{ Name string }

func (e *ErrReadOnlyVar) Error() string { return fmt.Sprintf("%q is read-only", e.Name) }

// Host is one isolated evaluation context. Host is not safe for concurrent
// use: per spec.md §4.1/§5, all calls against a session's Host are
// observed in program order, serialized by that session's interpreter
// loop.
type Host struct {
	vm         *goja.Runtime
	sessionID  string
	name       string
	eventBound bool
}

// New creates a Host for the given session id and document name, binding
// the four read-only system variables and the native In() predicate.
// inFunc answers "is stateID currently active" for the owning session.
func New(sessionID, name string, ioprocessors map[string]string, inFunc func(string) bool) *Host {
	vm := goja.New()
	h := &Host{vm: vm, sessionID: sessionID, name: name}

	vm.Set("_sessionid", sessionID)
	vm.Set("_name", name)
	procs := vm.NewObject()
	for k, v := range ioprocessors {
		procs.Set(k, vm.NewObject())
		if loc, ok := procs.Get(k).(*goja.Object); ok {
			loc.Set("location", v)
		}
	}
	vm.Set("_ioprocessors", procs)
	vm.Set("_event", goja.Undefined())

	vm.Set("In", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(false)
		}
		return vm.ToValue(inFunc(call.Arguments[0].String()))
	})

	return h
}

// ExecuteScript runs a statement block for side effects only
// (spec.md §4.1 execute_script).
func (h *Host) ExecuteScript(source string) error {
	if _, err := h.vm.RunString(source); err != nil {
		return &ScriptError{Op: "execute_script", Err: err}
	}
	return nil
}

// Evaluate evaluates an expression and returns its value
// (spec.md §4.1 evaluate).
func (h *Host) Evaluate(expr string) (goja.Value, error) {
	v, err := h.vm.RunString(expr)
	if err != nil {
		return nil, &ScriptError{Op: "evaluate", Err: err}
	}
	return v, nil
}

// EvaluateBool evaluates expr and coerces the result to bool, following
// ECMAScript truthiness. Used for <transition cond> and <if>/<elseif>
// guards (spec.md §4.6 "evaluated via C1").
func (h *Host) EvaluateBool(expr string) (bool, error) {
	v, err := h.Evaluate(expr)
	if err != nil {
		return false, err
	}
	return v.ToBoolean(), nil
}

// Get reads a (possibly dotted-path) variable.
func (h *Host) Get(name string) (goja.Value, error) {
	v, err := h.Evaluate(name)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Set assigns value to name, rejecting writes to system variables and to
// an empty location (spec.md §4.5 <assign> error table).
func (h *Host) Set(name string, value any) error {
	if name == "" {
		return &ScriptError{Op: "set", Err: fmt.Errorf("empty assignment location")}
	}
	if _, reserved := readOnlyVars[name]; reserved {
		return &ScriptError{Op: "set", Err: &ErrReadOnlyVar{Name: name}}
	}
	h.vm.Set("__scxml_assign_tmp__", value)
	defer h.vm.GlobalObject().Delete("__scxml_assign_tmp__")
	if _, err := h.vm.RunString(name + " = __scxml_assign_tmp__;"); err != nil {
		return &ScriptError{Op: "set", Err: err}
	}
	return nil
}

// DeclareData materialises a <data> item's initial binding: evaluates Expr
// (or parses Content as JSON-ish literal text) and assigns it as a fresh
// global variable (spec.md §3 DataItem, §6 binding mode).
func (h *Host) DeclareData(id, expr, content string) error {
	var assignExpr string
	switch {
	case expr != "":
		assignExpr = expr
	case content != "":
		assignExpr = content
	default:
		assignExpr = "undefined"
	}
	if _, err := h.vm.RunString(fmt.Sprintf("var %s = (%s);", id, assignExpr)); err != nil {
		return &ScriptError{Op: "declare_data(" + id + ")", Err: err}
	}
	return nil
}

// BindCurrentEvent binds the read-only _event object with the fields
// spec.md §4.1 requires, returning a restore function that unbinds it
// (or restores the previous event, for nested invocations — spec.md §8
// property 8: _event is bound exactly during the microstep that
// processes its event).
func (h *Host) BindCurrentEvent(ev *model.Event) func() {
	prev := h.vm.Get("_event")
	if ev == nil {
		h.vm.Set("_event", goja.Undefined())
	} else {
		obj := h.vm.NewObject()
		obj.Set("name", ev.Name)
		obj.Set("type", ev.Kind.String())
		obj.Set("data", ev.Data)
		obj.Set("sendid", ev.SendID)
		obj.Set("origin", ev.Origin)
		obj.Set("origintype", ev.OriginType)
		obj.Set("invokeid", ev.Invokeid)
		h.vm.Set("_event", obj)
	}
	h.eventBound = ev != nil
	return func() {
		h.vm.Set("_event", prev)
	}
}

// RegisterNative exposes a host-side Go callable under name
// (spec.md §4.1 register_native).
func (h *Host) RegisterNative(name string, fn func(args ...goja.Value) any) {
	h.vm.Set(name, func(call goja.FunctionCall) goja.Value {
		return h.vm.ToValue(fn(call.Arguments...))
	})
}

// ToValue exposes the Runtime's ToValue for callers building payload
// objects (namelist/param evaluation in package content).
func (h *Host) ToValue(v any) goja.Value { return h.vm.ToValue(v) }

// Runtime exposes the underlying goja.Runtime for callers needing direct
// value conversion (package content's namelist/param evaluation).
func (h *Host) Runtime() *goja.Runtime { return h.vm }
