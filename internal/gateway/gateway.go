// Package gateway abstracts the media peering handshake. The control plane
// accepts an SDP offer per session and returns an answer; the actual media
// frames travel over the websocket media channel, so the default transport
// is a loopback that completes the handshake without opening a peer link.
package gateway

import "context"

// PeerTransport negotiates one media peering per session.
type PeerTransport interface {
	// Negotiate takes the client's SDP offer and returns the server answer.
	Negotiate(ctx context.Context, sessionID, offerSDP string) (answerSDP string, err error)

	// Release drops any peering state held for the session.
	Release(sessionID string)
}
