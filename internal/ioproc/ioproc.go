// Package ioproc implements optional external I/O processors: adapters
// that let a session exchange events with the outside world over
// transports the core interpreter never imports directly (spec.md §1
// non-goal "no network protocol implementation in the core"). Each
// adapter implements content.Router and is wired in only when the
// embedding application opts in via scxml.WithIOProcessor.
//
// The WebSocket adapter is grounded on quadgatefoundation/fluxor's
// WebSocketEventBusBridge: same gorilla/websocket Upgrader-plus-
// per-connection-goroutine shape, generalized from fluxor's pub/sub
// address model to SCXML's <send target="..."> / external-queue
// delivery model.
package ioproc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/comalice/scxmlrt/internal/model"
	"github.com/gorilla/websocket"
)

// Target is how a session accepts delivered events, independent of
// transport (the HTTP and WebSocket processors both deliver through
// this, and so would a future processor).
type Target interface {
	Send(ev model.Event) error
}

// wireEvent is the JSON shape exchanged with external processors,
// mirroring the SCXML Event I/O Processor's required fields
// (spec.md §6 "Event object").
type wireEvent struct {
	Name       string `json:"name"`
	Data       any    `json:"data,omitempty"`
	Type       string `json:"type,omitempty"`
	SendID     string `json:"sendid,omitempty"`
	Origin     string `json:"origin,omitempty"`
	OriginType string `json:"origintype,omitempty"`
	Invokeid   string `json:"invokeid,omitempty"`
}

func toWire(ev model.Event) wireEvent {
	return wireEvent{Name: ev.Name, Data: ev.Data, SendID: ev.SendID, Origin: ev.Origin, OriginType: ev.OriginType, Invokeid: ev.Invokeid}
}

func fromWire(w wireEvent) model.Event {
	return model.Event{Name: w.Name, Data: w.Data, SendID: w.SendID, Origin: w.Origin, OriginType: w.OriginType, Invokeid: w.Invokeid, Kind: model.KindExternal}
}

// HTTPProcessor implements the Basic HTTP Event I/O Processor: one POST
// endpoint per session, accepting a wireEvent body and enqueuing it via
// the session's Target.
type HTTPProcessor struct {
	mu       sync.RWMutex
	sessions map[string]Target
}

// NewHTTPProcessor creates an empty processor; Register sessions before
// routing requests to it.
func NewHTTPProcessor() *HTTPProcessor {
	return &HTTPProcessor{sessions: make(map[string]Target)}
}

// Register associates sessionID's external event target with this
// processor, so POSTs addressed to it are delivered.
func (p *HTTPProcessor) Register(sessionID string, target Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[sessionID] = target
}

// Unregister removes a session, e.g. on session teardown.
func (p *HTTPProcessor) Unregister(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

// ServeHTTP implements http.Handler: POST with the target session id in
// the "session" query parameter (?session={sessionID}) and a JSON
// wireEvent body.
func (p *HTTPProcessor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session")
	p.mu.RLock()
	target, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var we wireEvent
	if err := json.NewDecoder(r.Body).Decode(&we); err != nil {
		http.Error(w, fmt.Sprintf("malformed event: %v", err), http.StatusBadRequest)
		return
	}
	if err := target.Send(fromWire(we)); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Deliver implements content.Router for the "http://www.w3.org/TR/scxml/#BasicHTTPEventProcessor"
// target form, POSTing ev to a remote session's HTTP endpoint.
func (p *HTTPProcessor) Deliver(target, eventType string, ev model.Event) error {
	body, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("ioproc: marshal: %w", err)
	}
	resp, err := http.Post(target, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ioproc: post %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ioproc: %s responded %s", target, resp.Status)
	}
	return nil
}

// WebSocketProcessor bridges one live WebSocket connection per session
// to its external event queue, for processors wanting push delivery
// instead of polling (teacher: fluxor's WebSocketEventBusBridge).
type WebSocketProcessor struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	conns    map[string]*websocket.Conn
	sessions map[string]Target
}

// NewWebSocketProcessor builds a processor with a permissive upgrader
// (CORS/origin policy is the embedding application's concern, per
// spec.md §1 "no network protocol implementation in the core").
func NewWebSocketProcessor() *WebSocketProcessor {
	return &WebSocketProcessor{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[string]*websocket.Conn),
		sessions: make(map[string]Target),
	}
}

// Register associates sessionID with target so inbound frames on its
// connection are delivered there.
func (p *WebSocketProcessor) Register(sessionID string, target Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[sessionID] = target
}

// HandleWebSocket upgrades the connection for sessionID and pumps
// inbound frames to its Target until the connection closes.
func (p *WebSocketProcessor) HandleWebSocket(sessionID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("ioproc: upgrade: %w", err)
	}
	p.mu.Lock()
	p.conns[sessionID] = conn
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.conns, sessionID)
			p.mu.Unlock()
			conn.Close()
		}()
		for {
			var we wireEvent
			if err := conn.ReadJSON(&we); err != nil {
				return
			}
			p.mu.RLock()
			target, ok := p.sessions[sessionID]
			p.mu.RUnlock()
			if ok {
				target.Send(fromWire(we))
			}
		}
	}()
	return nil
}

// Deliver implements content.Router, pushing ev as a JSON frame to
// target's open WebSocket connection.
func (p *WebSocketProcessor) Deliver(target, eventType string, ev model.Event) error {
	p.mu.RLock()
	conn, ok := p.conns[target]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ioproc: no open connection for %q", target)
	}
	return conn.WriteJSON(toWire(ev))
}
