package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/lumora-ai/chorus/internal/fault"
)

var _ PeerTransport = (*WebRTC)(nil)

// WebRTC negotiates a peer connection per session with pion. The answer
// accepts the client's audio as receive-only; agent audio and blendshapes
// stream over the websocket channels, the peer connection gives clients a
// jitter-buffered uplink where plain websocket audio is not viable.
type WebRTC struct {
	cfg webrtc.Configuration

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

// NewWebRTC creates a transport. STUN server URLs are optional; without
// them only host candidates are gathered.
func NewWebRTC(stunURLs ...string) *WebRTC {
	var cfg webrtc.Configuration
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &WebRTC{cfg: cfg, peers: make(map[string]*webrtc.PeerConnection)}
}

// Negotiate implements [PeerTransport]. A renegotiation for a session that
// already holds a peer connection replaces it.
func (t *WebRTC) Negotiate(ctx context.Context, sessionID, offerSDP string) (string, error) {
	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		return "", &fault.TransportError{Err: fmt.Errorf("gateway: create peer connection: %w", err)}
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", &fault.TransportError{Err: fmt.Errorf("gateway: set remote description: %w", err)}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", &fault.TransportError{Err: fmt.Errorf("gateway: create answer: %w", err)}
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", &fault.TransportError{Err: fmt.Errorf("gateway: set local description: %w", err)}
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return "", ctx.Err()
	}

	t.mu.Lock()
	if old := t.peers[sessionID]; old != nil {
		old.Close()
	}
	t.peers[sessionID] = pc
	t.mu.Unlock()
	return pc.LocalDescription().SDP, nil
}

// Release implements [PeerTransport].
func (t *WebRTC) Release(sessionID string) {
	t.mu.Lock()
	pc := t.peers[sessionID]
	delete(t.peers, sessionID)
	t.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

// Len returns the number of live peer connections.
func (t *WebRTC) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
