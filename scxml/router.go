package scxml

import (
	"fmt"
	"strings"

	"github.com/comalice/scxmlrt/internal/content"
	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/model"
)

// childSender is the narrow capability sessionRouter needs to deliver
// "#_parent" sends from a child invocation back to its owner (spec.md
// §4.7 "#_parent" local target). *interp.Interpreter satisfies this.
type childSender interface {
	Send(ev model.Event) equeue.EnqueueExternalResult
}

// sessionRouter implements content.Router for one session, dispatching
// by target form: "#_parent" goes to the owning session (child
// invocations only), other "#_"-prefixed forms go to this session's own
// invoke.Manager (for "#_<invokeid>"), and URI forms go to the engine's
// configured external I/O processor, if any (spec.md §4.5 step 7-8).
type sessionRouter struct {
	invokes content.Router
	io      content.Router
	parent  childSender
}

func (r *sessionRouter) Deliver(target, eventType string, ev model.Event) error {
	switch {
	case target == "#_parent":
		if r.parent == nil {
			return fmt.Errorf("scxml: %q has no parent session", target)
		}
		if r.parent.Send(ev) == equeue.Rejected {
			return fmt.Errorf("scxml: parent session rejected event %q", ev.Name)
		}
		return nil
	case strings.HasPrefix(target, "#_"):
		if r.invokes == nil {
			return fmt.Errorf("scxml: %q: no invocations in this session", target)
		}
		return r.invokes.Deliver(target, eventType, ev)
	case strings.Contains(target, "://"):
		if r.io == nil {
			return fmt.Errorf("scxml: %q: no I/O processor configured", target)
		}
		return r.io.Deliver(target, eventType, ev)
	default:
		return fmt.Errorf("scxml: %q is not a recognised send target", target)
	}
}
