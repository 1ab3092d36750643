package ioproc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/scxmlrt/internal/model"
)

type recordingTarget struct {
	events []model.Event
	err    error
}

func (t *recordingTarget) Send(ev model.Event) error {
	t.events = append(t.events, ev)
	return t.err
}

func TestHTTPProcessorServeHTTPDeliversToRegisteredSession(t *testing.T) {
	p := NewHTTPProcessor()
	target := &recordingTarget{}
	p.Register("sess1", target)

	body, _ := json.Marshal(wireEvent{Name: "ping", Data: map[string]any{"a": 1}})
	req := httptest.NewRequest(http.MethodPost, "/?session=sess1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, target.events, 1)
	assert.Equal(t, "ping", target.events[0].Name)
	assert.Equal(t, model.KindExternal, target.events[0].Kind)
}

func TestHTTPProcessorServeHTTPUnknownSession(t *testing.T) {
	p := NewHTTPProcessor()
	body, _ := json.Marshal(wireEvent{Name: "ping"})
	req := httptest.NewRequest(http.MethodPost, "/?session=nope", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPProcessorServeHTTPRejectsNonPost(t *testing.T) {
	p := NewHTTPProcessor()
	req := httptest.NewRequest(http.MethodGet, "/?session=sess1", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPProcessorUnregisterStopsDelivery(t *testing.T) {
	p := NewHTTPProcessor()
	target := &recordingTarget{}
	p.Register("sess1", target)
	p.Unregister("sess1")

	body, _ := json.Marshal(wireEvent{Name: "ping"})
	req := httptest.NewRequest(http.MethodPost, "/?session=sess1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPProcessorDeliverPostsToRemote(t *testing.T) {
	var received wireEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPProcessor()
	err := p.Deliver(srv.URL, "http://www.w3.org/TR/scxml/#BasicHTTPEventProcessor", model.Event{Name: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", received.Name)
}

func TestHTTPProcessorDeliverPropagatesRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProcessor()
	err := p.Deliver(srv.URL, "", model.Event{Name: "hello"})
	assert.Error(t, err)
}

func TestToWireFromWireRoundTrip(t *testing.T) {
	ev := model.Event{Name: "n", Data: 1, SendID: "s", Origin: "o", OriginType: "t", Invokeid: "i"}
	got := fromWire(toWire(ev))
	assert.Equal(t, ev.Name, got.Name)
	assert.Equal(t, ev.SendID, got.SendID)
	assert.Equal(t, model.KindExternal, got.Kind)
}

func TestWebSocketProcessorDeliverUnknownTarget(t *testing.T) {
	p := NewWebSocketProcessor()
	err := p.Deliver("no-such-session", "", model.Event{Name: "x"})
	assert.Error(t, err)
}
