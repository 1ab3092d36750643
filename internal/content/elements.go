package content

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/comalice/scxmlrt/internal/model"
)

// Raise implements <raise event="n"> (spec.md §4.5).
type Raise struct {
	Event string
	Data  any
}

func (r *Raise) Describe() string { return "raise(" + r.Event + ")" }

func (r *Raise) Run(ctx *Ctx) error {
	ctx.Queue.EnqueueInternal(model.NewInternalEvent(r.Event, r.Data))
	return nil
}

// Assign implements <assign location="L" expr="E">.
type Assign struct {
	Location string
	Expr     string
}

func (a *Assign) Describe() string { return "assign(" + a.Location + ")" }

func (a *Assign) Run(ctx *Ctx) error {
	if a.Location == "" {
		return execErr(fmt.Errorf("assign: empty location"))
	}
	v, err := ctx.Host.Evaluate(a.Expr)
	if err != nil {
		return execErr(fmt.Errorf("assign(%s): %w", a.Location, err))
	}
	if err := ctx.Host.Set(a.Location, v.Export()); err != nil {
		return execErr(fmt.Errorf("assign(%s): %w", a.Location, err))
	}
	return nil
}

// Script implements <script> inline source execution.
type Script struct {
	Source string
}

func (s *Script) Describe() string { return "script" }

func (s *Script) Run(ctx *Ctx) error {
	if err := ctx.Host.ExecuteScript(s.Source); err != nil {
		return execErr(fmt.Errorf("script: %w", err))
	}
	return nil
}

// Log implements <log label="..." expr="...">.
type Log struct {
	Label string
	Expr  string
}

func (l *Log) Describe() string { return "log" }

func (l *Log) Run(ctx *Ctx) error {
	var rendered string
	if l.Expr != "" {
		v, err := ctx.Host.Evaluate(l.Expr)
		if err != nil {
			return execErr(fmt.Errorf("log: %w", err))
		}
		rendered = fmt.Sprintf("%v", v.Export())
	}
	if ctx.Logger != nil {
		ctx.Logger(l.Label, rendered)
	}
	return nil
}

// Branch is one arm of an <if>/<elseif>/<else> chain. Cond == "" marks
// the trailing <else> (always taken if reached).
type Branch struct {
	Cond    string
	Content []model.Executable
}

// If implements <if>/<elseif>/<else>.
type If struct {
	Branches []Branch
}

func (i *If) Describe() string { return "if" }

func (i *If) Run(ctx *Ctx) error {
	for _, b := range i.Branches {
		taken := b.Cond == ""
		if !taken {
			ok, err := ctx.Host.EvaluateBool(b.Cond)
			if err != nil {
				// spec.md §4.5: a failing guard is error.execution for that
				// branch, not an abort of the whole <if> chain; raise the
				// event and keep checking the remaining elseif/else arms.
				ee := execErr(fmt.Errorf("if: %w", err)).(*ExecError)
				ctx.Queue.EnqueueInternal(model.Event{
					Name: ee.EventName,
					Data: ee.Error(),
					Kind: model.KindInternal,
				})
				taken = false
			} else {
				taken = ok
			}
		}
		if taken {
			return RunBlock(ctx, b.Content)
		}
	}
	return nil
}

// Foreach implements <foreach array=A item=I [index=X]>.
type Foreach struct {
	Array   string
	Item    string
	Index   string // "" if no index variable requested
	Content []model.Executable
}

func (f *Foreach) Describe() string { return "foreach(" + f.Array + ")" }

func (f *Foreach) Run(ctx *Ctx) error {
	v, err := ctx.Host.Evaluate(f.Array)
	if err != nil {
		return execErr(fmt.Errorf("foreach: %w", err))
	}
	rt := ctx.Host.Runtime()
	obj := v.ToObject(rt)
	if obj == nil || obj.ClassName() != "Array" {
		return execErr(fmt.Errorf("foreach: %q is not an array", f.Array))
	}
	length := int64(0)
	if lv := obj.Get("length"); lv != nil {
		length = lv.ToInteger()
	}
	for idx := int64(0); idx < length; idx++ {
		elem := obj.Get(strconv.FormatInt(idx, 10))
		if err := ctx.Host.Set(f.Item, elem.Export()); err != nil {
			return execErr(fmt.Errorf("foreach: bind item: %w", err))
		}
		if f.Index != "" {
			if err := ctx.Host.Set(f.Index, idx); err != nil {
				return execErr(fmt.Errorf("foreach: bind index: %w", err))
			}
		}
		if err := RunBlock(ctx, f.Content); err != nil {
			return err
		}
	}
	return nil
}

// Cancel implements <cancel sendid=... sendidexpr=...>.
type Cancel struct {
	SendID     string
	SendIDExpr string
}

func (c *Cancel) Describe() string { return "cancel" }

func (c *Cancel) Run(ctx *Ctx) error {
	id := c.SendID
	if c.SendIDExpr != "" {
		v, err := ctx.Host.Evaluate(c.SendIDExpr)
		if err != nil {
			return execErr(fmt.Errorf("cancel: %w", err))
		}
		id = fmt.Sprintf("%v", v.Export())
	}
	if id == "" {
		return execErr(fmt.Errorf("cancel: no sendid resolved"))
	}
	ctx.Scheduler.Cancel(id) // unknown id is not an error, spec.md §4.5
	return nil
}

// parseDelay parses "500ms", "2s", or a bare millisecond integer into a
// duration (spec.md §4.5 step 6).
func parseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	switch {
	case strings.HasSuffix(s, "ms"):
		n, err := strconv.Atoi(strings.TrimSuffix(s, "ms"))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed delay %q", s)
		}
		return time.Duration(n) * time.Millisecond, nil
	case strings.HasSuffix(s, "s"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed delay %q", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed delay %q", s)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
}
