package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/scxmlrt/internal/datamodel"
	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/model"
)

type fakeRouter struct {
	lastTarget string
	lastType   string
	lastEvent  model.Event
	err        error
}

func (f *fakeRouter) Deliver(target, eventType string, ev model.Event) error {
	f.lastTarget, f.lastType, f.lastEvent = target, eventType, ev
	return f.err
}

func newTestCtx() (*Ctx, *equeue.Queue) {
	host := datamodel.New("sess1", "doc1", nil, func(string) bool { return false })
	q := equeue.New(0)
	sched := equeue.NewScheduler(func(model.Event) {})
	return &Ctx{Host: host, Queue: q, Scheduler: sched, Router: &fakeRouter{}, SessionID: "sess1"}, q
}

func TestRaiseEnqueuesInternal(t *testing.T) {
	ctx, q := newTestCtx()
	r := &Raise{Event: "go", Data: 42}
	require.NoError(t, r.Run(ctx))
	ev, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "go", ev.Name)
	assert.Equal(t, model.KindInternal, ev.Kind)
	assert.Equal(t, 42, ev.Data)
}

func TestAssignSetsVariable(t *testing.T) {
	ctx, _ := newTestCtx()
	require.NoError(t, ctx.Host.DeclareData("x", "0", ""))
	a := &Assign{Location: "x", Expr: "41 + 1"}
	require.NoError(t, a.Run(ctx))
	v, err := ctx.Host.Get("x")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v.ToInteger())
}

func TestAssignRejectsEmptyLocation(t *testing.T) {
	ctx, _ := newTestCtx()
	a := &Assign{Location: "", Expr: "1"}
	err := a.Run(ctx)
	require.Error(t, err)
	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, model.ErrExecution, ee.EventName)
}

func TestIfTakesFirstTrueBranch(t *testing.T) {
	ctx, q := newTestCtx()
	i := &If{Branches: []Branch{
		{Cond: "false", Content: []model.Executable{&Raise{Event: "no"}}},
		{Cond: "true", Content: []model.Executable{&Raise{Event: "yes"}}},
		{Cond: "", Content: []model.Executable{&Raise{Event: "else"}}},
	}}
	require.NoError(t, i.Run(ctx))
	ev, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "yes", ev.Name)
}

func TestIfFallsThroughToElse(t *testing.T) {
	ctx, q := newTestCtx()
	i := &If{Branches: []Branch{
		{Cond: "false", Content: []model.Executable{&Raise{Event: "no"}}},
		{Cond: "", Content: []model.Executable{&Raise{Event: "else"}}},
	}}
	require.NoError(t, i.Run(ctx))
	ev, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "else", ev.Name)
}

func TestForeachIteratesArray(t *testing.T) {
	ctx, q := newTestCtx()
	require.NoError(t, ctx.Host.ExecuteScript("var items = [10, 20, 30];"))
	f := &Foreach{Array: "items", Item: "it", Index: "idx", Content: []model.Executable{&Raise{Event: "tick"}}}
	require.NoError(t, f.Run(ctx))
	for i := 0; i < 3; i++ {
		_, ok := q.Dequeue()
		require.True(t, ok)
	}
	v, err := ctx.Host.Get("it")
	require.NoError(t, err)
	assert.EqualValues(t, 30, v.ToInteger())
}

func TestForeachRejectsNonArray(t *testing.T) {
	ctx, _ := newTestCtx()
	require.NoError(t, ctx.Host.ExecuteScript("var notArray = 5;"))
	f := &Foreach{Array: "notArray", Item: "it"}
	err := f.Run(ctx)
	require.Error(t, err)
}

func TestCancelUnknownSendIDIsNotError(t *testing.T) {
	ctx, _ := newTestCtx()
	c := &Cancel{SendID: "does-not-exist"}
	assert.NoError(t, c.Run(ctx))
}

func TestParseDelayForms(t *testing.T) {
	cases := map[string]bool{"": true, "500ms": true, "2s": true, "100": true, "garbage": false}
	for in, wantOK := range cases {
		_, err := parseDelay(in)
		if wantOK {
			assert.NoError(t, err, in)
		} else {
			assert.Error(t, err, in)
		}
	}
}

func TestSendInternalRoundTrip(t *testing.T) {
	ctx, q := newTestCtx()
	s := &Send{Event: "hello", Namelist: []string{}}
	require.NoError(t, s.Run(ctx))
	ev, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "hello", ev.Name)
}

func TestSendViaRouterForLocalTarget(t *testing.T) {
	ctx, _ := newTestCtx()
	router := &fakeRouter{}
	ctx.Router = router
	s := &Send{Event: "ping", Target: "#_invokeid1"}
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, "#_invokeid1", router.lastTarget)
	assert.Equal(t, "ping", router.lastEvent.Name)
}

func TestSendRejectsMalformedTarget(t *testing.T) {
	ctx, _ := newTestCtx()
	s := &Send{Event: "ping", Target: "not-a-valid-target"}
	err := s.Run(ctx)
	require.Error(t, err)
	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, model.ErrCommunication, ee.EventName)
}

func TestSendPayloadFromNamelistAndParams(t *testing.T) {
	ctx, _ := newTestCtx()
	require.NoError(t, ctx.Host.ExecuteScript("var a = 1;"))
	s := &Send{
		Event:    "withdata",
		Target:   "#_child1",
		Namelist: []string{"a"},
		Params:   []Param{{Name: "b", Expr: "2"}, {Name: "b", Expr: "3"}},
	}
	router := &fakeRouter{}
	ctx.Router = router
	require.NoError(t, s.Run(ctx))
	payload, ok := router.lastEvent.Data.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, payload["a"])
	assert.Equal(t, []any{int64(2), int64(3)}, payload["b"])
}

func TestSendCommunicationErrorSurfacesAsInternalEvent(t *testing.T) {
	ctx, q := newTestCtx()
	router := &fakeRouter{err: assertError("boom")}
	ctx.Router = router
	s := &Send{Event: "ping", Target: "#_gone"}
	require.NoError(t, s.Run(ctx), "send itself is fire-and-forget, no error returned")
	ev, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, model.ErrCommunication, ev.Name)
}

type assertError string

func (e assertError) Error() string { return string(e) }
