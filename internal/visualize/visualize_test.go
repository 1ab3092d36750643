package visualize

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/scxmlrt/internal/model"
)

func testDoc() *model.Doc {
	doc := &model.Doc{
		Name: "light",
		States: []model.StateNode{
			{ID: 0, DocID: "root", Kind: model.Compound, Parent: model.NoState, Children: []model.StateID{1, 2}},
			{ID: 1, DocID: "red", Kind: model.Atomic, Parent: 0, Transitions: []*model.TransitionNode{
				{Events: []model.EventDescriptor{"timer"}, Targets: []model.StateID{2}},
			}},
			{ID: 2, DocID: "green", Kind: model.Atomic, Parent: 0},
		},
		ByDocID: map[string]model.StateID{"root": 0, "red": 1, "green": 2},
	}
	doc.Root = 0
	doc.Finalize()
	return doc
}

func TestExportDOTIncludesStatesAndTransitions(t *testing.T) {
	doc := testDoc()
	out := ExportDOT(doc, []string{"red"})
	assert.True(t, strings.HasPrefix(out, "digraph Statechart"))
	assert.Contains(t, out, `"red"`)
	assert.Contains(t, out, `"green"`)
	assert.Contains(t, out, `"red" -> "green"`)
	assert.Contains(t, out, "fillcolor=lightblue")
}

func TestExportJSONRoundTrips(t *testing.T) {
	doc := testDoc()
	out, err := ExportJSON(doc, []string{"green"})
	require.NoError(t, err)

	var snap docSnapshot
	require.NoError(t, json.Unmarshal(out, &snap))
	assert.Equal(t, "light", snap.Name)
	assert.Equal(t, []string{"green"}, snap.Active)
	require.Len(t, snap.States, 3)
}
