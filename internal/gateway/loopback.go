package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lumora-ai/chorus/internal/fault"
)

var _ PeerTransport = (*Loopback)(nil)

// Loopback answers SDP offers without establishing a peer link. Clients
// that negotiate against it stream media over the websocket channels
// instead; the answer advertises that by accepting the offered audio
// section as receive-only.
type Loopback struct {
	mu    sync.Mutex
	peers map[string]time.Time
	now   func() time.Time
}

// NewLoopback creates an empty Loopback.
func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[string]time.Time), now: time.Now}
}

// Negotiate implements [PeerTransport]. The offer must be a well-formed
// session description with at least one audio media section.
func (l *Loopback) Negotiate(_ context.Context, sessionID, offerSDP string) (string, error) {
	if err := validateOffer(offerSDP); err != nil {
		return "", &fault.TransportError{Err: err}
	}
	l.mu.Lock()
	l.peers[sessionID] = l.now()
	l.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d 1 IN IP4 0.0.0.0\r\n", l.now().UnixNano())
	fmt.Fprintf(&b, "s=chorus\r\n")
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio 0 RTP/AVP 0\r\n")
	fmt.Fprintf(&b, "a=recvonly\r\n")
	return b.String(), nil
}

// Release implements [PeerTransport].
func (l *Loopback) Release(sessionID string) {
	l.mu.Lock()
	delete(l.peers, sessionID)
	l.mu.Unlock()
}

// Len returns the number of negotiated peerings.
func (l *Loopback) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// validateOffer performs the minimal SDP checks the handshake relies on.
func validateOffer(sdp string) error {
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("gateway: offer is not an SDP session description")
	}
	hasAudio := false
	for _, line := range strings.Split(sdp, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "m=audio") {
			hasAudio = true
			break
		}
	}
	if !hasAudio {
		return fmt.Errorf("gateway: offer has no audio media section")
	}
	return nil
}
