package model

// EventKind classifies where an event came from (spec.md §4.2 Event record).
type EventKind int

const (
	KindInternal EventKind = iota
	KindExternal
	KindPlatform
)

func (k EventKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindExternal:
		return "external"
	case KindPlatform:
		return "platform"
	default:
		return "unknown"
	}
}

// Event is the wire-shape event record (spec.md §4.2, §6 "Event object").
// Unlike the teacher's primitives.Event (a bare {Type string; Data any}),
// this carries the full SCXML envelope: origin/sendid/invokeid are load
// bearing for <finalize>, autoforward, and error correlation.
type Event struct {
	Name       string
	Data       any
	Kind       EventKind
	SendID     string
	Origin     string // originating session id, "" if none
	OriginType string // URI of the sending processor, "" if none
	Invokeid   string // the invoke id this event is associated with, "" if none
	Target     string // resolved delivery target; the scxml engine routes a fired delayed send by it
}

// Platform event names (spec.md §7 error taxonomy, §4.6 step 6 done events).
const (
	ErrExecution     = "error.execution"
	ErrCommunication = "error.communication"
	ErrPlatform      = "error.platform"
	DoneStatePrefix  = "done.state."
	DoneInvokePrefix = "done.invoke."
)

// NewPlatformEvent builds a platform-kind event carrying the given name
// and data, with no sendid/origin (spec.md §4.2: platform events are
// always queued, never delivered immediately).
func NewPlatformEvent(name string, data any) Event {
	return Event{Name: name, Data: data, Kind: KindPlatform}
}

// NewInternalEvent builds an internal event as produced by <raise> or an
// immediate <send target="#_internal">.
func NewInternalEvent(name string, data any) Event {
	return Event{Name: name, Data: data, Kind: KindInternal}
}
