package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/lumora-ai/chorus/pkg/animation"
)

// frameBuffer bounds a blendshape subscriber's queue. The side channel
// drops frames for slow consumers; it never delays audio.
const frameBuffer = 32

// FrameSubscription is one blendshape stream consumer.
type FrameSubscription struct {
	ch      chan animation.Frame
	mu      sync.Mutex
	dropped int
}

// Frames returns the subscriber's channel.
func (s *FrameSubscription) Frames() <-chan animation.Frame { return s.ch }

// Dropped returns how many frames were discarded for this subscriber.
func (s *FrameSubscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// FrameHub fans blendshape frames out to websocket subscribers per
// session.
type FrameHub struct {
	mu   sync.Mutex
	subs map[string]map[*FrameSubscription]struct{}
}

// NewFrameHub creates an empty hub.
func NewFrameHub() *FrameHub {
	return &FrameHub{subs: make(map[string]map[*FrameSubscription]struct{})}
}

// Subscribe registers a consumer for one session's frames.
func (h *FrameHub) Subscribe(sessionID string) *FrameSubscription {
	sub := &FrameSubscription{ch: make(chan animation.Frame, frameBuffer)}
	h.mu.Lock()
	set := h.subs[sessionID]
	if set == nil {
		set = make(map[*FrameSubscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer.
func (h *FrameHub) Unsubscribe(sessionID string, sub *FrameSubscription) {
	h.mu.Lock()
	if set := h.subs[sessionID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()
}

// Publish delivers a frame to the session's subscribers, dropping it for
// any subscriber whose buffer is full.
func (h *FrameHub) Publish(sessionID string, f animation.Frame) {
	h.mu.Lock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- f:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
		}
	}
	h.mu.Unlock()
}

func (s *Server) handleBlendshapes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.manager.Get(id) == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "blendshape stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	sub := s.frames.Subscribe(id)
	defer s.frames.Unsubscribe(id, sub)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case f := <-sub.Frames():
			b, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}
