package interp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/scxmlrt/internal/datamodel"
	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/loader"
	"github.com/comalice/scxmlrt/internal/model"
)

func newSession(t *testing.T, doc *model.Doc, onComplete func(any)) (*Interpreter, *equeue.Queue) {
	t.Helper()
	queue := equeue.New(0)
	sched := equeue.NewScheduler(func(model.Event) {})
	t.Cleanup(sched.Close)

	var ip *Interpreter
	inFunc := func(docID string) bool {
		if ip == nil {
			return false
		}
		return ip.IsIn(docID)
	}
	host := datamodel.New("sess1", doc.Name, nil, inFunc)
	ip = New(Config{
		Doc:        doc,
		SessionID:  "sess1",
		Host:       host,
		Queue:      queue,
		Scheduler:  sched,
		Router:     nil,
		OnComplete: onComplete,
		Logger:     func(string, string) {},
	})
	return ip, queue
}

func loadDoc(t *testing.T, src string) *model.Doc {
	t.Helper()
	doc, err := loader.Load(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

const trafficLight = `<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="red">
  <state id="red">
    <transition event="next" target="green"/>
  </state>
  <state id="green">
    <transition event="next" target="yellow"/>
  </state>
  <state id="yellow">
    <transition event="next" target="red"/>
  </state>
</scxml>`

func TestInterpreterEntersInitialConfigurationOnStart(t *testing.T) {
	doc := loadDoc(t, trafficLight)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())

	assert.Equal(t, []string{"red"}, ip.CurrentConfiguration())
	assert.True(t, ip.IsIn("red"))
}

func TestInterpreterTransitionsOnExternalEvent(t *testing.T) {
	doc := loadDoc(t, trafficLight)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())

	assert.Equal(t, equeue.Accepted, ip.Send(model.Event{Name: "next"}))
	require.Eventually(t, func() bool { return ip.IsIn("green") }, time.Second, 5*time.Millisecond)
}

const parallelDoc = `<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="p">
  <parallel id="p">
    <state id="a1"/>
    <state id="a2"/>
  </parallel>
</scxml>`

func TestInterpreterEntersAllParallelRegions(t *testing.T) {
	doc := loadDoc(t, parallelDoc)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())

	cfg := ip.CurrentConfiguration()
	assert.Contains(t, cfg, "a1")
	assert.Contains(t, cfg, "a2")
	assert.Contains(t, cfg, "p")
}

const doneDoc = `<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="working">
  <state id="working">
    <transition event="finish" target="done"/>
  </state>
  <final id="done"/>
</scxml>`

func TestInterpreterFiresOnCompleteAtTopLevelFinal(t *testing.T) {
	doc := loadDoc(t, doneDoc)
	completed := make(chan any, 1)
	ip, _ := newSession(t, doc, func(data any) { completed <- data })
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())

	ip.Send(model.Event{Name: "finish"})
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("OnComplete was never called")
	}
	assert.True(t, ip.IsIn("done"))
}

const guardedDoc = `<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="s">
  <datamodel>
    <data id="allowed" expr="false"/>
  </datamodel>
  <state id="s">
    <transition event="go" cond="allowed" target="yes"/>
    <transition event="go" target="no"/>
  </state>
  <state id="yes"/>
  <state id="no"/>
</scxml>`

func TestInterpreterSelectsGuardedTransition(t *testing.T) {
	doc := loadDoc(t, guardedDoc)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())

	ip.SetVariable("allowed", true)
	ip.Send(model.Event{Name: "go"})
	require.Eventually(t, func() bool { return ip.IsIn("yes") }, time.Second, 5*time.Millisecond)
}

func TestInterpreterFallsBackWhenGuardFalse(t *testing.T) {
	doc := loadDoc(t, guardedDoc)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())

	ip.Send(model.Event{Name: "go"})
	require.Eventually(t, func() bool { return ip.IsIn("no") }, time.Second, 5*time.Millisecond)
}

func TestInterpreterStopIsIdempotentAndStatisticsAccessible(t *testing.T) {
	doc := loadDoc(t, trafficLight)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))

	require.NoError(t, ip.Stop(context.Background()))
	require.NoError(t, ip.Stop(context.Background()), "second Stop must be a no-op, not an error")

	stats := ip.Statistics()
	assert.GreaterOrEqual(t, stats.Macrosteps, uint64(1))
}

func TestInterpreterDoubleStartErrors(t *testing.T) {
	doc := loadDoc(t, trafficLight)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())
	assert.Error(t, ip.Start(context.Background()))
}

const historyDoc = `<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="a">
  <state id="a" initial="a1">
    <state id="a1">
      <transition event="next" target="a2"/>
    </state>
    <state id="a2">
      <transition event="leave" target="b"/>
    </state>
    <history id="ha" type="shallow">
      <transition target="a1"/>
    </history>
    <transition event="leave" target="b"/>
  </state>
  <state id="b">
    <transition event="resume" target="ha"/>
  </state>
</scxml>`

func TestInterpreterRestoresShallowHistoryToLastActiveChild(t *testing.T) {
	doc := loadDoc(t, historyDoc)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())

	require.True(t, ip.IsIn("a1"))

	ip.Send(model.Event{Name: "next"})
	require.Eventually(t, func() bool { return ip.IsIn("a2") }, time.Second, 5*time.Millisecond)

	ip.Send(model.Event{Name: "leave"})
	require.Eventually(t, func() bool { return ip.IsIn("b") }, time.Second, 5*time.Millisecond)

	ip.Send(model.Event{Name: "resume"})
	require.Eventually(t, func() bool { return ip.IsIn("a2") }, time.Second, 5*time.Millisecond)
	assert.False(t, ip.IsIn("a1"), "shallow history must restore a2, not a's default a1")
}

const parallelJoinSCXML = `<scxml xmlns="http://www.w3.org/2005/07/scxml" version="1.0" initial="outer">
  <state id="outer" initial="p">
    <parallel id="p">
      <state id="r1" initial="r1a">
        <state id="r1a">
          <transition event="f1" target="r1done"/>
        </state>
        <final id="r1done"/>
      </state>
      <state id="r2" initial="r2a">
        <state id="r2a">
          <transition event="f2" target="r2done"/>
        </state>
        <final id="r2done"/>
      </state>
    </parallel>
    <transition event="done.state.p" target="joined"/>
  </state>
  <state id="joined"/>
</scxml>`

func TestInterpreterFiresDoneStateOnceAllParallelRegionsFinish(t *testing.T) {
	doc := loadDoc(t, parallelJoinSCXML)
	ip, _ := newSession(t, doc, nil)
	require.NoError(t, ip.Start(context.Background()))
	defer ip.Stop(context.Background())

	cfg := ip.CurrentConfiguration()
	assert.Contains(t, cfg, "r1a")
	assert.Contains(t, cfg, "r2a")

	ip.Send(model.Event{Name: "f1"})
	require.Eventually(t, func() bool { return ip.IsIn("r1done") }, time.Second, 5*time.Millisecond)
	assert.False(t, ip.IsIn("joined"), "done.state.p must not fire until every region is final")

	ip.Send(model.Event{Name: "f2"})
	require.Eventually(t, func() bool { return ip.IsIn("joined") }, time.Second, 5*time.Millisecond)
}
