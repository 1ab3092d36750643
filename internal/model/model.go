// Package model defines the immutable, arena-indexed representation of a
// loaded SCXML document. States and transitions are referenced by integer
// id rather than pointer: the teacher's parent-pointer graph (see
// comalice/statechartx's StateConfig.Children []*StateConfig) is ported as
// an arena per spec.md §9 so the document has no cycles in its ownership
// graph and can be shared read-only across sessions.
package model

import "fmt"

// StateID indexes into Doc.States; the loader gives the root id 0.
// NoState is used for "no parent"/"no result".
type StateID int

// NoState is the sentinel for "absent".
const NoState StateID = -1

// StateKind enumerates the kinds of state nodes an SCXML document can
// declare, per spec.md §3.
type StateKind int

const (
	Atomic StateKind = iota
	Compound
	Parallel
	Final
	HistoryShallow
	HistoryDeep
	InitialPseudo
)

func (k StateKind) String() string {
	switch k {
	case Atomic:
		return "atomic"
	case Compound:
		return "compound"
	case Parallel:
		return "parallel"
	case Final:
		return "final"
	case HistoryShallow:
		return "history-shallow"
	case HistoryDeep:
		return "history-deep"
	case InitialPseudo:
		return "initial-pseudo"
	default:
		return "unknown"
	}
}

// TransitionType controls whether an external self-transition exits its
// source state (spec.md §3, §4.6 terminology).
type TransitionType int

const (
	External TransitionType = iota
	Internal
)

// EventDescriptor matches an event name either exactly, as a dotted
// prefix ("error" matches "error.execution"), or via the wildcard "*".
type EventDescriptor string

// Matches reports whether the descriptor matches the given event name
// under SCXML's event-descriptor rules (spec.md §3 TransitionNode).
func (d EventDescriptor) Matches(name string) bool {
	s := string(d)
	if s == "*" {
		return true
	}
	if s == name {
		return true
	}
	return len(name) > len(s) && name[:len(s)] == s && name[len(s)] == '.'
}

// TransitionNode is an outgoing transition of a StateNode.
type TransitionNode struct {
	Source  StateID
	Events  []EventDescriptor // empty => eventless (evaluated only absent an event)
	Cond    string            // guard expression, empty => unconditionally true
	Targets []StateID         // empty => internal/targetless transition
	Type    TransitionType
	Content []Executable // executable content run in document order
}

// IsEventless reports whether the transition has no event descriptors and
// is therefore only evaluated in Microstep("none").
func (t *TransitionNode) IsEventless() bool { return len(t.Events) == 0 }

// MatchesEvent reports whether any descriptor on the transition matches
// name.
func (t *TransitionNode) MatchesEvent(name string) bool {
	for _, d := range t.Events {
		if d.Matches(name) {
			return true
		}
	}
	return false
}

// DataItem is a single <data> declaration (spec.md §3 DataItem).
type DataItem struct {
	ID      string
	Expr    string // initial-value expression, evaluated per binding mode
	Content string // inline literal content, used when Expr == ""
}

// InvokeSpec describes an <invoke> child-machine specification
// (spec.md §3 InvokeSpec).
type InvokeSpec struct {
	ID           string // literal id; empty if IDLocation is used
	IDLocation   string // variable to receive the generated id
	Type         string // target processor, default = "scxml"
	Src          string // src attribute value, or the inline <content> markup; the scxml facade parses it as SCXML text
	Content      StateID // always NoState as loaded; inline <content> is carried in Src
	Namelist     []string
	Params       []ParamSpec
	Autoforward  bool
	Finalize     []Executable
}

// ParamSpec is a <param name="n" expr="e"/> or <param name="n" location="l"/>.
type ParamSpec struct {
	Name     string
	Expr     string
	Location string
}

// DoneData captures a <donedata> block: either a content expression or a
// set of <param> bindings, evaluated when a <final> state is entered.
type DoneData struct {
	ContentExpr string
	Params      []ParamSpec
}

// StateNode is one node of the arena. Parent is NoState for the root.
type StateNode struct {
	ID       StateID
	DocID    string // the document-authored state id, unique within the model
	Kind     StateKind
	Parent   StateID
	Children []StateID // document order

	// Initial lists the (possibly deep) initial target ids for a Compound
	// or Parallel state, resolved at load time from either an <initial>
	// child's transition or the `initial` attribute (spec.md §4.3).
	Initial []StateID
	// InitialContent is executable content attached to an explicit
	// <initial><transition> element; nil if Initial came from the
	// `initial` attribute or document-order default.
	InitialContent []Executable

	Transitions []*TransitionNode
	OnEntry     [][]Executable // ordered blocks; each is an atomic error unit
	OnExit      [][]Executable
	Invokes     []*InvokeSpec
	Data        []DataItem
	Done        *DoneData // non-nil only for Kind == Final

	// HistoryDefault is the default transition for a history pseudostate
	// (targets + content), used when the History Store has no entry yet.
	HistoryDefault *TransitionNode
}

// Executable is implemented by every executable-content element
// (spec.md §4.5); concrete types live in package content to avoid an
// import cycle between model and content (content needs model.Event and
// the error-event names for <raise>/<send> and error reporting, while model only
// needs the ability to hold an opaque ordered list of them).
type Executable interface {
	// Describe returns a short, human-readable label for logs/tracing,
	// e.g. "assign(counter)" or "send(boom)".
	Describe() string
}

// Doc is the immutable, shared-by-handle model produced by loading a
// document (spec.md §3 "Model (immutable after load)").
type Doc struct {
	Name       string
	Root       StateID
	States     []StateNode
	ByDocID    map[string]StateID
	Binding    BindingMode
	Datamodel  string // by convention "ecmascript"; spec.md §6 Environment

	ancestors [][]StateID // memoized Ancestors(id), root-to-self inclusive
}

// BindingMode is the document-level attribute governing when <data>
// initial values are evaluated (spec.md §6 Environment).
type BindingMode int

const (
	EarlyBinding BindingMode = iota
	LateBinding
)

// State returns the node for id, panicking on an out-of-range id: callers
// only ever pass ids sourced from the same Doc, so an out-of-range id is a
// programmer error, not a recoverable condition (spec.md §9).
func (d *Doc) State(id StateID) *StateNode {
	if id < 0 || int(id) >= len(d.States) {
		panic(fmt.Sprintf("model: state id %d out of range", id))
	}
	return &d.States[id]
}

// Lookup resolves a document-authored id to its StateID.
func (d *Doc) Lookup(docID string) (StateID, bool) {
	id, ok := d.ByDocID[docID]
	return id, ok
}

// Finalize precomputes ancestor chains once, after the arena is fully
// populated. It must be called exactly once by the loader before the Doc
// is handed to any session (teacher: core.precomputePaths, generalized
// from string paths to integer ids).
func (d *Doc) Finalize() {
	d.ancestors = make([][]StateID, len(d.States))
	var build func(id StateID)
	build = func(id StateID) {
		n := d.State(id)
		if n.Parent == NoState {
			d.ancestors[id] = []StateID{id}
		} else {
			parent := d.ancestors[n.Parent]
			chain := make([]StateID, len(parent)+1)
			copy(chain, parent)
			chain[len(parent)] = id
			d.ancestors[id] = chain
		}
		for _, c := range n.Children {
			build(c)
		}
	}
	build(d.Root)
}

// Ancestors returns the chain from the root down to and including id.
func (d *Doc) Ancestors(id StateID) []StateID {
	return d.ancestors[id]
}

// IsDescendant reports whether a is a (possibly indirect) descendant of b.
func (d *Doc) IsDescendant(a, b StateID) bool {
	if a == b {
		return false
	}
	chain := d.ancestors[a]
	for _, s := range chain {
		if s == b {
			return true
		}
	}
	return false
}

// IsDescendantOrSelf reports whether a is b or a descendant of b.
func (d *Doc) IsDescendantOrSelf(a, b StateID) bool {
	return a == b || d.IsDescendant(a, b)
}

// LCCA returns the least common compound ancestor of a and b: the nearest
// proper ancestor of both that is Compound or Parallel (or the root,
// which is always treated as compound). Teacher: core.computeLCCA ported
// from dotted-string prefix matching to integer-id chain walking.
func (d *Doc) LCCA(a, b StateID) StateID {
	ca, cb := d.ancestors[a], d.ancestors[b]
	lcca := NoState
	for i := 0; i < len(ca) && i < len(cb); i++ {
		if ca[i] != cb[i] {
			break
		}
		n := d.State(ca[i])
		if ca[i] != a && ca[i] != b && (n.Kind == Compound || n.Kind == Parallel || n.ID == d.Root) {
			lcca = ca[i]
		} else if ca[i] == d.Root {
			lcca = ca[i]
		}
	}
	if lcca == NoState {
		lcca = d.Root
	}
	return lcca
}

// IsAtomic reports whether a state has no substates to enter (Atomic or
// Final).
func (n *StateNode) IsAtomic() bool {
	return n.Kind == Atomic || n.Kind == Final
}

// IsHistory reports whether the node is a history pseudostate.
func (n *StateNode) IsHistory() bool {
	return n.Kind == HistoryShallow || n.Kind == HistoryDeep
}
