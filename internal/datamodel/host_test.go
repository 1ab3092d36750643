package datamodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/scxmlrt/internal/model"
)

func newTestHost(inFunc func(string) bool) *Host {
	if inFunc == nil {
		inFunc = func(string) bool { return false }
	}
	return New("sess1", "doc1", map[string]string{
		"http://www.w3.org/TR/scxml/#SCXMLEventProcessor": "sess1",
	}, inFunc)
}

func TestSystemVariablesBound(t *testing.T) {
	h := newTestHost(nil)
	v, err := h.Evaluate("_sessionid")
	require.NoError(t, err)
	assert.Equal(t, "sess1", v.String())

	v, err = h.Evaluate("_name")
	require.NoError(t, err)
	assert.Equal(t, "doc1", v.String())
}

func TestInPredicate(t *testing.T) {
	h := newTestHost(func(id string) bool { return id == "active" })
	ok, err := h.EvaluateBool(`In("active")`)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.EvaluateBool(`In("inactive")`)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAndGet(t *testing.T) {
	h := newTestHost(nil)
	require.NoError(t, h.DeclareData("counter", "1", ""))
	require.NoError(t, h.Set("counter", int64(42)))
	v, err := h.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.ToInteger())
}

func TestSetRejectsReadOnlyVars(t *testing.T) {
	h := newTestHost(nil)
	err := h.Set("_sessionid", "other")
	require.Error(t, err)
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	var roErr *ErrReadOnlyVar
	assert.ErrorAs(t, err, &roErr)
}

func TestSetRejectsEmptyLocation(t *testing.T) {
	h := newTestHost(nil)
	err := h.Set("", "x")
	assert.Error(t, err)
}

func TestDeclareDataFromContent(t *testing.T) {
	h := newTestHost(nil)
	require.NoError(t, h.DeclareData("greeting", "", `"hello"`))
	v, err := h.Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v.String())
}

func TestEvaluateBoolError(t *testing.T) {
	h := newTestHost(nil)
	_, err := h.EvaluateBool("this is not valid js (")
	assert.Error(t, err)
}

func TestBindCurrentEvent(t *testing.T) {
	h := newTestHost(nil)
	restore := h.BindCurrentEvent(&model.Event{Name: "go", Kind: model.KindExternal, SendID: "s1"})
	v, err := h.Evaluate("_event.name")
	require.NoError(t, err)
	assert.Equal(t, "go", v.String())

	restore()
	v, err = h.Evaluate("_event")
	require.NoError(t, err)
	assert.True(t, v.ExportType() == nil)
}
