// Package visualize exports a loaded document and a session's live
// configuration as Graphviz DOT or JSON, for operator tooling and the
// cmd/scxmlrt visualize subcommand.
//
// Grounded directly on the teacher's production.DefaultVisualizer:
// same bytes.Buffer DOT-building shape and the same ExportJSON via
// encoding/json, generalized from a flat dotted-path MachineConfig to
// the arena-indexed model.Doc and from a single leaf path to a
// set-valued active configuration.
package visualize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/comalice/scxmlrt/internal/model"
)

// ExportDOT renders doc as Graphviz DOT source, highlighting active as
// the currently active document ids (teacher: production.ExportDOT).
func ExportDOT(doc *model.Doc, active []string) string {
	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	var buf bytes.Buffer
	buf.WriteString("digraph Statechart {\n  rankdir=LR;\n  node [shape=box, fontsize=10, style=rounded];\n  edge [fontsize=9];\n")

	for i := range doc.States {
		n := &doc.States[i]
		if n.DocID == "" {
			continue
		}
		style := ""
		if activeSet[n.DocID] {
			style = ", style=\"rounded,filled\", fillcolor=lightblue"
		}
		buf.WriteString(fmt.Sprintf("  %q [label=%q, shape=%s%s];\n", n.DocID, fmt.Sprintf("%s\\n(%s)", n.DocID, n.Kind), nodeShape(n.Kind), style))
		for _, t := range n.Transitions {
			label := transitionLabel(t)
			for _, tgt := range t.Targets {
				buf.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", n.DocID, doc.State(tgt).DocID, label))
			}
		}
	}
	buf.WriteString("}\n")
	return buf.String()
}

func nodeShape(k model.StateKind) string {
	switch k {
	case model.Parallel:
		return "box3d"
	case model.Final:
		return "doublecircle"
	case model.HistoryShallow, model.HistoryDeep:
		return "circle"
	default:
		return "box"
	}
}

func transitionLabel(t *model.TransitionNode) string {
	label := "ε"
	if len(t.Events) > 0 {
		label = fmt.Sprintf("%v", t.Events)
	}
	if t.Cond != "" {
		label += "[" + t.Cond + "]"
	}
	return label
}

// docSnapshot is the JSON export shape: a flat, document-ordered list of
// states with their structural fields (teacher: production.ExportJSON
// marshaled the MachineConfig directly; here the arena's internal ids
// are translated back to authored DocIDs for a stable external shape).
type docSnapshot struct {
	Name   string        `json:"name"`
	States []stateEntry  `json:"states"`
	Active []string      `json:"active,omitempty"`
}

type stateEntry struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
}

// ExportJSON serializes doc and, optionally, the active configuration
// (teacher: production.DefaultVisualizer.ExportJSON).
func ExportJSON(doc *model.Doc, active []string) ([]byte, error) {
	snap := docSnapshot{Name: doc.Name}
	for i := range doc.States {
		n := &doc.States[i]
		if n.DocID == "" {
			continue
		}
		entry := stateEntry{ID: n.DocID, Kind: n.Kind.String()}
		if n.Parent != model.NoState {
			entry.Parent = doc.State(n.Parent).DocID
		}
		for _, ch := range n.Children {
			if cd := doc.State(ch).DocID; cd != "" {
				entry.Children = append(entry.Children, cd)
			}
		}
		snap.States = append(snap.States, entry)
	}
	sort.Strings(active)
	snap.Active = active
	return json.MarshalIndent(snap, "", "  ")
}
