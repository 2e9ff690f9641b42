package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lumora-ai/chorus/internal/fault"
)

const validOffer = "v=0\r\n" +
	"o=- 42 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 RTP/AVP 0\r\n" +
	"a=sendonly\r\n"

func TestLoopbackNegotiate(t *testing.T) {
	l := NewLoopback()
	answer, err := l.Negotiate(context.Background(), "s1", validOffer)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if !strings.HasPrefix(answer, "v=0") {
		t.Errorf("answer is not an SDP description: %q", answer)
	}
	if !strings.Contains(answer, "m=audio") || !strings.Contains(answer, "a=recvonly") {
		t.Errorf("answer does not accept audio receive-only: %q", answer)
	}
	if l.Len() != 1 {
		t.Errorf("peerings = %d, want 1", l.Len())
	}

	l.Release("s1")
	if l.Len() != 0 {
		t.Errorf("peerings after release = %d, want 0", l.Len())
	}
}

func TestLoopbackRejectsBadOffers(t *testing.T) {
	l := NewLoopback()
	tests := []struct {
		name  string
		offer string
	}{
		{"empty", ""},
		{"not sdp", "hello"},
		{"no audio", "v=0\r\nm=video 9 RTP/AVP 96\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Negotiate(context.Background(), "s1", tt.offer)
			var te *fault.TransportError
			if !errors.As(err, &te) {
				t.Errorf("err = %v, want *fault.TransportError", err)
			}
		})
	}
	if l.Len() != 0 {
		t.Errorf("rejected offers left %d peerings", l.Len())
	}
}
