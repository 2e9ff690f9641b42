package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// EventType names a control-plane event.
type EventType string

const (
	// EventStateChange fires on every conversation state transition.
	EventStateChange EventType = "state_change"

	// EventTTFAMeasured fires once per turn with the measured
	// time-to-first-audio.
	EventTTFAMeasured EventType = "ttfa_measured"

	// EventBargeInAck fires when a barge-in cancellation has completed.
	EventBargeInAck EventType = "bargein_ack"

	// EventDegraded fires on backpressure ladder changes. Broadcast to every
	// subscriber regardless of session.
	EventDegraded EventType = "degraded"

	// EventTurnTimeout fires when a turn produced no audio within budget.
	EventTurnTimeout EventType = "turn_timeout"
)

// Event is one entry on a session's event stream.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// eventBuffer bounds a subscriber's queue; events beyond it are dropped
// rather than blocking the publisher.
const eventBuffer = 32

// Subscription is one event stream consumer.
type Subscription struct {
	ch chan Event
}

// Events returns the subscriber's channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// EventHub fans control-plane events out to websocket subscribers. A
// subscriber that cannot keep up loses events; the stream is advisory, the
// session state endpoint remains the source of truth.
type EventHub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a consumer for one session's events.
func (h *EventHub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{ch: make(chan Event, eventBuffer)}
	h.mu.Lock()
	set := h.subs[sessionID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer.
func (h *EventHub) Unsubscribe(sessionID string, sub *Subscription) {
	h.mu.Lock()
	if set := h.subs[sessionID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()
}

// Publish delivers an event to the session's subscribers, dropping it for
// any subscriber whose buffer is full.
func (h *EventHub) Publish(sessionID string, ev Event) {
	h.mu.Lock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers an event to every subscriber of every session.
func (h *EventHub) Broadcast(ev Event) {
	h.mu.Lock()
	for _, set := range h.subs {
		for sub := range set {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	h.mu.Unlock()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.manager.Get(id) == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Consume (and discard) client frames so pings are answered and a
	// closed peer tears the stream down.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	sub := s.events.Subscribe(id)
	defer s.events.Unsubscribe(id, sub)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev := <-sub.Events():
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}
