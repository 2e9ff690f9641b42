// Package asr defines the Provider interface for streaming speech
// recognition backends.
//
// An ASR provider wraps a streaming transcription service and exposes a
// uniform session contract: audio bytes in, partial and final transcripts
// out. Implementors must be safe for concurrent use. Channels returned by a
// session must be closed by the implementation when the stream ends or the
// supplied context is cancelled.
package asr

import (
	"context"
	"time"

	"github.com/lumora-ai/chorus/pkg/provider"
)

// Transcript is one recognition result. Partial transcripts are replaced by
// later ones; a final transcript closes the utterance.
type Transcript struct {
	// Text is the recognised text.
	Text string

	// IsFinal marks the end-of-utterance result.
	IsFinal bool

	// Confidence is the engine's confidence in [0, 1], when reported.
	Confidence float64

	// ObservedAt is the server-monotonic time the triggering audio was
	// observed, used for latency accounting.
	ObservedAt time.Time
}

// StreamConfig carries per-session recognition parameters.
type StreamConfig struct {
	// SampleRate of the inbound PCM16 audio in Hz.
	SampleRate int

	// Language is a BCP-47 code (e.g. "en"). Empty uses the provider default.
	Language string
}

// SessionHandle is one live recognition stream.
type SessionHandle interface {
	// SendAudio queues a PCM16 chunk. Returns an error once closed.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts.
	Partials() <-chan Transcript

	// Finals emits end-of-utterance transcripts.
	Finals() <-chan Transcript

	// Close terminates the stream, flushing pending audio. Idempotent.
	Close() error
}

// Provider is the abstraction over any streaming ASR backend.
type Provider interface {
	provider.HealthChecker

	// StartStream opens a recognition session. The session terminates when
	// ctx is cancelled or Close is called.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
