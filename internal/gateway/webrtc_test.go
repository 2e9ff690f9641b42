package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/lumora-ai/chorus/internal/fault"
)

// clientOffer builds a client-side peer connection with a sendonly audio
// transceiver and returns its offer.
func clientOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("candidate gathering never completed")
	}
	return pc, pc.LocalDescription().SDP
}

func TestWebRTCNegotiate(t *testing.T) {
	tr := NewWebRTC()
	client, offer := clientOffer(t)

	answer, err := tr.Negotiate(context.Background(), "s1", offer)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if !strings.Contains(answer, "m=audio") {
		t.Errorf("answer has no audio section: %q", answer)
	}
	if err := client.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: answer,
	}); err != nil {
		t.Errorf("client rejected the answer: %v", err)
	}
	if tr.Len() != 1 {
		t.Errorf("peer connections = %d, want 1", tr.Len())
	}

	tr.Release("s1")
	if tr.Len() != 0 {
		t.Errorf("peer connections after release = %d, want 0", tr.Len())
	}
}

func TestWebRTCRenegotiateReplacesPeer(t *testing.T) {
	tr := NewWebRTC()
	_, offer1 := clientOffer(t)
	_, offer2 := clientOffer(t)

	if _, err := tr.Negotiate(context.Background(), "s1", offer1); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Negotiate(context.Background(), "s1", offer2); err != nil {
		t.Fatal(err)
	}
	if tr.Len() != 1 {
		t.Errorf("peer connections = %d, want 1 after renegotiation", tr.Len())
	}
	tr.Release("s1")
}

func TestWebRTCRejectsGarbageOffer(t *testing.T) {
	tr := NewWebRTC()
	_, err := tr.Negotiate(context.Background(), "s1", "not an sdp")
	var te *fault.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *fault.TransportError", err)
	}
	if tr.Len() != 0 {
		t.Error("failed negotiation left a peer connection")
	}
}
