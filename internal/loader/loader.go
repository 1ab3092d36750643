// Package loader parses an SCXML document into the immutable arena-indexed
// model.Doc (spec.md §3 "Model (immutable after load)").
//
// Grounded on the teacher's cmd/scxml_dowloader, the only place in the
// pack that reaches for encoding/xml against this same W3C test-suite
// XML family; this package trades that file's struct-tag unmarshaling
// (fine for the fixed, non-recursive manifest/assert shape it parses)
// for a streaming token-based recursive-descent walk, since SCXML's
// executable-content children are heterogeneous and order-sensitive
// (<if>/<elseif>/<else>, interleaved <state>/<parallel>/<final>) in a way
// struct-tag unmarshaling cannot preserve.
package loader

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/comalice/scxmlrt/internal/content"
	"github.com/comalice/scxmlrt/internal/model"
)

// Load parses r as an SCXML document and returns a Finalize()d Doc.
func Load(r io.Reader) (*model.Doc, error) {
	dec := xml.NewDecoder(r)
	l := &loader{dec: dec, byDocID: make(map[string]model.StateID)}

	root, err := l.findRoot()
	if err != nil {
		return nil, err
	}
	doc := &model.Doc{Name: attr(root, "name"), ByDocID: l.byDocID}
	l.doc = doc

	doc.Binding = model.EarlyBinding
	if attr(root, "binding") == "late" {
		doc.Binding = model.LateBinding
	}
	doc.Datamodel = attr(root, "datamodel")
	if doc.Datamodel == "" {
		doc.Datamodel = "ecmascript"
	}

	rootID := l.newState("", model.Compound, model.NoState)
	doc.Root = rootID
	initialAttr := attr(root, "initial")

	if err := l.parseChildStates(root.Name, rootID); err != nil {
		return nil, err
	}
	if initialAttr != "" {
		l.deferInitial(initialAttr, rootID)
	} else if len(l.states()[rootID].Initial) == 0 {
		l.defaultInitial(rootID)
	}

	doc.States = l.all
	doc.ByDocID = l.byDocID
	if err := l.resolveDeferred(); err != nil {
		return nil, err
	}
	doc.Finalize()
	return doc, nil
}

type loader struct {
	dec      *xml.Decoder
	doc      *model.Doc
	all      []model.StateNode
	byDocID  map[string]model.StateID
	deferred []func() error
}

func (l *loader) states() []model.StateNode { return l.all }

func (l *loader) findRoot() (xml.StartElement, error) {
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("loader: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "scxml" {
			return se, nil
		}
	}
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// newState appends a fresh node and returns its id; document order is
// DFS-preorder encounter order, which is exactly arena append order here
// (spec.md §9 "document order == ascending StateID").
func (l *loader) newState(docID string, kind model.StateKind, parent model.StateID) model.StateID {
	id := model.StateID(len(l.all))
	l.all = append(l.all, model.StateNode{ID: id, DocID: docID, Kind: kind, Parent: parent})
	if docID != "" {
		l.byDocID[docID] = id
	}
	if parent != model.NoState {
		l.all[parent].Children = append(l.all[parent].Children, id)
	}
	return id
}

// deferTargets resolves a whitespace-separated id list against byDocID
// once the whole document has been scanned, so forward references (an
// `initial` attribute naming a sibling defined later) work.
func (l *loader) deferTargets(raw string, dst *[]model.StateID) {
	l.deferred = append(l.deferred, func() error {
		for _, tok := range strings.Fields(raw) {
			id, ok := l.byDocID[tok]
			if !ok {
				return fmt.Errorf("loader: unresolved state reference %q", tok)
			}
			*dst = append(*dst, id)
		}
		return nil
	})
}

// deferInitial is like deferTargets but resolves by StateID index rather
// than pointer: StateNode.Initial lives inside the growing l.all slice,
// whose backing array can be reallocated by later appends, so a pointer
// taken mid-parse (&l.all[id].Initial) would go stale. Resolution runs
// only after parsing finishes and l.all's backing array is final, so an
// index lookup at that point is safe.
func (l *loader) deferInitial(raw string, id model.StateID) {
	l.deferred = append(l.deferred, func() error {
		var resolved []model.StateID
		for _, tok := range strings.Fields(raw) {
			sid, ok := l.byDocID[tok]
			if !ok {
				return fmt.Errorf("loader: unresolved state reference %q", tok)
			}
			resolved = append(resolved, sid)
		}
		l.all[id].Initial = resolved
		return nil
	})
}

func (l *loader) deferSingle(raw string, dst *model.StateID) {
	l.deferred = append(l.deferred, func() error {
		if raw == "" {
			return nil
		}
		id, ok := l.byDocID[raw]
		if !ok {
			return fmt.Errorf("loader: unresolved state reference %q", raw)
		}
		*dst = id
		return nil
	})
}

func (l *loader) resolveDeferred() error {
	for _, f := range l.deferred {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// defaultInitial assigns a Compound/Parallel state's implicit initial
// child: the first non-history child in document order (spec.md §3
// "initial defaults to the first child").
func (l *loader) defaultInitial(parent model.StateID) {
	n := &l.all[parent]
	for _, ch := range n.Children {
		if !l.all[ch].IsHistory() {
			n.Initial = []model.StateID{ch}
			return
		}
	}
}

// parseChildStates reads children of a <scxml>/<state>/<parallel>
// element up to its matching end tag, creating state nodes for
// <state>/<parallel>/<final>/<history> and dispatching every other
// recognised child to the owning StateNode's fields.
func (l *loader) parseChildStates(end xml.Name, owner model.StateID) error {
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == end {
				return nil
			}
		case xml.StartElement:
			if err := l.dispatchStateChild(t, owner); err != nil {
				return err
			}
		}
	}
}

func (l *loader) dispatchStateChild(se xml.StartElement, owner model.StateID) error {
	switch se.Name.Local {
	case "state":
		return l.parseCompoundOrAtomic(se, owner, model.Compound)
	case "parallel":
		return l.parseCompoundOrAtomic(se, owner, model.Parallel)
	case "final":
		return l.parseFinal(se, owner)
	case "history":
		return l.parseHistory(se, owner)
	case "initial":
		return l.parseInitialElement(se, owner)
	case "transition":
		t, err := l.parseTransition(se)
		if err != nil {
			return err
		}
		l.all[owner].Transitions = append(l.all[owner].Transitions, t)
	case "onentry":
		block, err := l.parseExecutableBlock(se.Name)
		if err != nil {
			return err
		}
		l.all[owner].OnEntry = append(l.all[owner].OnEntry, block)
	case "onexit":
		block, err := l.parseExecutableBlock(se.Name)
		if err != nil {
			return err
		}
		l.all[owner].OnExit = append(l.all[owner].OnExit, block)
	case "invoke":
		inv, err := l.parseInvoke(se)
		if err != nil {
			return err
		}
		l.all[owner].Invokes = append(l.all[owner].Invokes, inv)
	case "datamodel":
		return l.parseDatamodel(se, owner)
	case "donedata":
		dd, err := l.parseDoneData(se)
		if err != nil {
			return err
		}
		l.all[owner].Done = dd
	default:
		return l.skip(se)
	}
	return nil
}

func (l *loader) parseCompoundOrAtomic(se xml.StartElement, parent model.StateID, kind model.StateKind) error {
	id := l.newState(attr(se, "id"), kind, parent)
	if initial := attr(se, "initial"); initial != "" {
		l.deferInitial(initial, id)
	}
	if err := l.parseChildStates(se.Name, id); err != nil {
		return err
	}
	n := &l.all[id]
	hasSubstates := false
	for _, ch := range n.Children {
		if !l.all[ch].IsHistory() {
			hasSubstates = true
			break
		}
	}
	if !hasSubstates {
		n.Kind = model.Atomic
	} else if kind == model.Compound && len(n.Initial) == 0 {
		l.defaultInitial(id)
	}
	return nil
}

func (l *loader) parseFinal(se xml.StartElement, parent model.StateID) error {
	id := l.newState(attr(se, "id"), model.Final, parent)
	return l.parseChildStates(se.Name, id)
}

func (l *loader) parseHistory(se xml.StartElement, parent model.StateID) error {
	kind := model.HistoryShallow
	if attr(se, "type") == "deep" {
		kind = model.HistoryDeep
	}
	id := l.newState(attr(se, "id"), kind, parent)
	if err := l.parseChildStates(se.Name, id); err != nil {
		return err
	}
	// A history pseudostate's only legal child is its default
	// <transition>; dispatchStateChild files it under Transitions like
	// any other state, so move it to HistoryDefault here.
	n := &l.all[id]
	if len(n.Transitions) > 0 {
		n.HistoryDefault = n.Transitions[0]
		n.Transitions = nil
	}
	return nil
}

func (l *loader) parseInitialElement(se xml.StartElement, owner model.StateID) error {
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == se.Name {
				return nil
			}
		case xml.StartElement:
			if t.Name.Local == "transition" {
				tr, err := l.parseTransition(t)
				if err != nil {
					return err
				}
				l.all[owner].InitialContent = tr.Content
				l.deferInitial(attr(t, "target"), owner)
			} else if err := l.skip(t); err != nil {
				return err
			}
		}
	}
}

func (l *loader) parseTransition(se xml.StartElement) (*model.TransitionNode, error) {
	t := &model.TransitionNode{Cond: attr(se, "cond")}
	if ev := attr(se, "event"); ev != "" {
		for _, tok := range strings.Fields(ev) {
			t.Events = append(t.Events, model.EventDescriptor(tok))
		}
	}
	if attr(se, "type") == "internal" {
		t.Type = model.Internal
	}
	if target := attr(se, "target"); target != "" {
		l.deferTargets(target, &t.Targets)
	}
	block, err := l.parseExecutableBlock(se.Name)
	if err != nil {
		return nil, err
	}
	t.Content = block
	return t, nil
}

func (l *loader) parseDatamodel(se xml.StartElement, owner model.StateID) error {
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == se.Name {
				return nil
			}
		case xml.StartElement:
			if t.Name.Local == "data" {
				item, err := l.parseData(t)
				if err != nil {
					return err
				}
				l.all[owner].Data = append(l.all[owner].Data, item)
			} else if err := l.skip(t); err != nil {
				return err
			}
		}
	}
}

func (l *loader) parseData(se xml.StartElement) (model.DataItem, error) {
	item := model.DataItem{ID: attr(se, "id"), Expr: attr(se, "expr")}
	text, err := l.innerText(se.Name)
	if err != nil {
		return item, err
	}
	item.Content = strings.TrimSpace(text)
	return item, nil
}

func (l *loader) parseDoneData(se xml.StartElement) (*model.DoneData, error) {
	dd := &model.DoneData{}
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == se.Name {
				return dd, nil
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "content":
				dd.ContentExpr = attr(t, "expr")
				if _, err := l.innerText(t.Name); err != nil {
					return nil, err
				}
			case "param":
				dd.Params = append(dd.Params, model.ParamSpec{Name: attr(t, "name"), Expr: attr(t, "expr"), Location: attr(t, "location")})
				if err := l.skip(t); err != nil {
					return nil, err
				}
			default:
				if err := l.skip(t); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (l *loader) parseInvoke(se xml.StartElement) (*model.InvokeSpec, error) {
	inv := &model.InvokeSpec{
		ID:         attr(se, "id"),
		IDLocation: attr(se, "idlocation"),
		Type:       attr(se, "type"),
		Src:        attr(se, "src"),
		Content:    model.NoState,
	}
	if inv.Type == "" {
		inv.Type = "scxml"
	}
	if autoforward := attr(se, "autoforward"); autoforward == "true" {
		inv.Autoforward = true
	}
	if namelist := attr(se, "namelist"); namelist != "" {
		inv.Namelist = strings.Fields(namelist)
	}
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == se.Name {
				return inv, nil
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "param":
				inv.Params = append(inv.Params, model.ParamSpec{Name: attr(t, "name"), Expr: attr(t, "expr"), Location: attr(t, "location")})
				if err := l.skip(t); err != nil {
					return nil, err
				}
			case "finalize":
				block, err := l.parseExecutableBlock(t.Name)
				if err != nil {
					return nil, err
				}
				inv.Finalize = block
			case "content":
				var raw struct {
					Inner string `xml:",innerxml"`
				}
				if err := l.dec.DecodeElement(&raw, &t); err != nil {
					return nil, fmt.Errorf("loader: %w", err)
				}
				inv.Src = strings.TrimSpace(raw.Inner)
			default:
				if err := l.skip(t); err != nil {
					return nil, err
				}
			}
		}
	}
}

// skip discards se's subtree.
func (l *loader) skip(se xml.StartElement) error {
	depth := 1
	for depth > 0 {
		tok, err := l.dec.Token()
		if err != nil {
			return fmt.Errorf("loader: %w", err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

// innerText reads character data up to end's matching close tag,
// skipping any nested elements' markup but not their own text (used for
// <data> literal content and <content expr>-less bodies).
func (l *loader) innerText(end xml.Name) (string, error) {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := l.dec.Token()
		if err != nil {
			return "", fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return sb.String(), nil
}

// parseExecutableBlock parses the children of an executable-content
// container (<onentry>, <onexit>, <transition>, <finalize>) into a flat
// list of content.Runnable elements, splicing <if>/<elseif>/<else>
// siblings into a single content.If (spec.md §4.5).
func (l *loader) parseExecutableBlock(end xml.Name) ([]model.Executable, error) {
	var out []model.Executable
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == end {
				return out, nil
			}
		case xml.StartElement:
			exe, err := l.parseExecutable(t)
			if err != nil {
				return nil, err
			}
			if exe != nil {
				out = append(out, exe)
			}
		}
	}
}

func (l *loader) parseExecutable(se xml.StartElement) (model.Executable, error) {
	switch se.Name.Local {
	case "raise":
		if err := l.skip(se); err != nil {
			return nil, err
		}
		return &content.Raise{Event: attr(se, "event")}, nil
	case "assign":
		if err := l.skip(se); err != nil {
			return nil, err
		}
		return &content.Assign{Location: attr(se, "location"), Expr: attr(se, "expr")}, nil
	case "script":
		text, err := l.innerText(se.Name)
		if err != nil {
			return nil, err
		}
		return &content.Script{Source: text}, nil
	case "log":
		if err := l.skip(se); err != nil {
			return nil, err
		}
		return &content.Log{Label: attr(se, "label"), Expr: attr(se, "expr")}, nil
	case "if":
		return l.parseIf(se)
	case "foreach":
		return l.parseForeach(se)
	case "cancel":
		if err := l.skip(se); err != nil {
			return nil, err
		}
		return &content.Cancel{SendID: attr(se, "sendid"), SendIDExpr: attr(se, "sendidexpr")}, nil
	case "send":
		return l.parseSend(se)
	default:
		return nil, l.skip(se)
	}
}

// parseIf consumes an <if> element's whole subtree, splitting its flat
// child sequence on <elseif>/<else> markers into content.Branch entries
// (spec.md §4.5 <if>).
func (l *loader) parseIf(se xml.StartElement) (model.Executable, error) {
	branches := []content.Branch{{Cond: attr(se, "cond")}}
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == se.Name {
				return &content.If{Branches: branches}, nil
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "elseif":
				branches = append(branches, content.Branch{Cond: attr(t, "cond")})
				if err := l.skip(t); err != nil {
					return nil, err
				}
			case "else":
				branches = append(branches, content.Branch{Cond: ""})
				if err := l.skip(t); err != nil {
					return nil, err
				}
			default:
				exe, err := l.parseExecutable(t)
				if err != nil {
					return nil, err
				}
				if exe != nil {
					last := &branches[len(branches)-1]
					last.Content = append(last.Content, exe)
				}
			}
		}
	}
}

func (l *loader) parseForeach(se xml.StartElement) (model.Executable, error) {
	f := &content.Foreach{Array: attr(se, "array"), Item: attr(se, "item"), Index: attr(se, "index")}
	block, err := l.parseExecutableBlock(se.Name)
	if err != nil {
		return nil, err
	}
	f.Content = block
	return f, nil
}

func (l *loader) parseSend(se xml.StartElement) (model.Executable, error) {
	s := &content.Send{
		Event:      attr(se, "event"),
		EventExpr:  attr(se, "eventexpr"),
		Target:     attr(se, "target"),
		TargetExpr: attr(se, "targetexpr"),
		Type:       attr(se, "type"),
		TypeExpr:   attr(se, "typeexpr"),
		ID:         attr(se, "id"),
		IDLocation: attr(se, "idlocation"),
		Delay:      attr(se, "delay"),
		DelayExpr:  attr(se, "delayexpr"),
	}
	if namelist := attr(se, "namelist"); namelist != "" {
		s.Namelist = strings.Fields(namelist)
	}
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == se.Name {
				return s, nil
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "param":
				s.Params = append(s.Params, content.Param{Name: attr(t, "name"), Expr: attr(t, "expr"), Location: attr(t, "location")})
				if err := l.skip(t); err != nil {
					return nil, err
				}
			case "content":
				s.ContentExpr = attr(t, "expr")
				if _, err := l.innerText(t.Name); err != nil {
					return nil, err
				}
			default:
				if err := l.skip(t); err != nil {
					return nil, err
				}
			}
		}
	}
}
