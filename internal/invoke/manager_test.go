package invoke

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/scxmlrt/internal/content"
	"github.com/comalice/scxmlrt/internal/datamodel"
	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/model"
)

type fakeChild struct {
	onDone  DoneNotifier
	sent    []model.Event
	stopped bool
}

func (c *fakeChild) Start(ctx context.Context) error { return nil }
func (c *fakeChild) Stop(ctx context.Context) error  { c.stopped = true; return nil }
func (c *fakeChild) Send(ev model.Event) equeue.EnqueueExternalResult {
	c.sent = append(c.sent, ev)
	return equeue.Accepted
}
func (c *fakeChild) CurrentConfiguration() []string        { return nil }
func (c *fakeChild) GetVariable(name string) (any, error)  { return nil, nil }
func (c *fakeChild) SetVariable(name string, v any) error  { return nil }

func testDoc() *model.Doc {
	doc := &model.Doc{
		Name: "t",
		States: []model.StateNode{
			{ID: 0, DocID: "root", Kind: model.Compound, Parent: model.NoState, Children: []model.StateID{1}},
			{ID: 1, DocID: "s1", Kind: model.Atomic, Parent: 0, Invokes: []*model.InvokeSpec{
				{ID: "inv1", Type: "scxml", Autoforward: true},
			}},
		},
		ByDocID: map[string]model.StateID{"root": 0, "s1": 1},
	}
	doc.Root = 0
	doc.Finalize()
	return doc
}

func newManagerWithFactory(t *testing.T, factory SessionFactory) (*Manager, *equeue.Queue) {
	doc := testDoc()
	host := datamodel.New("parent", "t", nil, func(string) bool { return false })
	q := equeue.New(0)
	cctx := &content.Ctx{Host: host, Queue: q}
	return New(doc, host, q, cctx, factory), q
}

func TestEnterStartsInvocation(t *testing.T) {
	var started *fakeChild
	factory := func(spec *model.InvokeSpec, invokeid string, params map[string]any, onDone DoneNotifier) (ChildSession, error) {
		started = &fakeChild{onDone: onDone}
		return started, nil
	}
	mgr, _ := newManagerWithFactory(t, factory)
	mgr.Enter([]model.StateID{1})

	require.Eventually(t, func() bool { return started != nil }, time.Second, time.Millisecond)
}

func TestAutoforwardDeliversToAutoforwardingInvocations(t *testing.T) {
	var child *fakeChild
	factory := func(spec *model.InvokeSpec, invokeid string, params map[string]any, onDone DoneNotifier) (ChildSession, error) {
		child = &fakeChild{}
		return child, nil
	}
	mgr, _ := newManagerWithFactory(t, factory)
	mgr.Enter([]model.StateID{1})
	require.Eventually(t, func() bool { return child != nil }, time.Second, time.Millisecond)

	mgr.Autoforward(model.Event{Name: "ext1"})
	require.Len(t, child.sent, 1)
	assert.Equal(t, "ext1", child.sent[0].Name)
}

func TestExitCancelsAndSuppressesDoneInvoke(t *testing.T) {
	var child *fakeChild
	var onDone DoneNotifier
	factory := func(spec *model.InvokeSpec, invokeid string, params map[string]any, done DoneNotifier) (ChildSession, error) {
		child = &fakeChild{}
		onDone = done
		return child, nil
	}
	mgr, q := newManagerWithFactory(t, factory)
	mgr.Enter([]model.StateID{1})
	require.Eventually(t, func() bool { return child != nil }, time.Second, time.Millisecond)

	mgr.Exit([]model.StateID{1})
	require.Eventually(t, func() bool { return child.stopped }, time.Second, time.Millisecond)

	// Completion arriving after cancellation must not surface done.invoke.
	onDone("data")
	assert.False(t, q.HasPending(), "cancelled invocation must suppress done.invoke")
}

func TestDoneInvokeEnqueuedOnNaturalCompletion(t *testing.T) {
	var onDone DoneNotifier
	factory := func(spec *model.InvokeSpec, invokeid string, params map[string]any, done DoneNotifier) (ChildSession, error) {
		onDone = done
		return &fakeChild{}, nil
	}
	mgr, q := newManagerWithFactory(t, factory)
	mgr.Enter([]model.StateID{1})
	require.Eventually(t, func() bool { return onDone != nil }, time.Second, time.Millisecond)

	onDone("finished")
	ev, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, model.DoneInvokePrefix+"inv1", ev.Name)
	assert.Equal(t, "finished", ev.Data)
}

func TestDeliverRoutesToChildByInvokeID(t *testing.T) {
	var child *fakeChild
	factory := func(spec *model.InvokeSpec, invokeid string, params map[string]any, done DoneNotifier) (ChildSession, error) {
		child = &fakeChild{}
		return child, nil
	}
	mgr, _ := newManagerWithFactory(t, factory)
	mgr.Enter([]model.StateID{1})
	require.Eventually(t, func() bool { return child != nil }, time.Second, time.Millisecond)

	err := mgr.Deliver("#_inv1", "", model.Event{Name: "hi"})
	require.NoError(t, err)
	require.Len(t, child.sent, 1)
	assert.Equal(t, "hi", child.sent[0].Name)
}

func TestDeliverUnknownInvocation(t *testing.T) {
	mgr, _ := newManagerWithFactory(t, func(spec *model.InvokeSpec, invokeid string, params map[string]any, done DoneNotifier) (ChildSession, error) {
		return &fakeChild{}, nil
	})
	err := mgr.Deliver("#_nope", "", model.Event{Name: "hi"})
	assert.Error(t, err)
}

func TestDeliverRejectsNonLocalTarget(t *testing.T) {
	mgr, _ := newManagerWithFactory(t, func(spec *model.InvokeSpec, invokeid string, params map[string]any, done DoneNotifier) (ChildSession, error) {
		return &fakeChild{}, nil
	})
	err := mgr.Deliver("http://example.com", "", model.Event{Name: "hi"})
	assert.Error(t, err)
}

func TestFactoryErrorReportsCommunicationError(t *testing.T) {
	mgr, q := newManagerWithFactory(t, func(spec *model.InvokeSpec, invokeid string, params map[string]any, done DoneNotifier) (ChildSession, error) {
		return nil, fmt.Errorf("boom")
	})
	mgr.Enter([]model.StateID{1})
	ev, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, model.ErrCommunication, ev.Name)
}
