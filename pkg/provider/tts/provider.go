// Package tts defines the Provider interface for streaming text-to-speech
// backends.
//
// The entry point is SynthesizeStream, which consumes a channel of text
// fragments and returns a channel of raw PCM16 audio bytes as they become
// available. This lets the pipeline pipe LLM output straight into synthesis
// without waiting for the full reply.
//
// Implementations must be safe for concurrent use and must close the audio
// channel promptly when the supplied context is cancelled.
package tts

import (
	"context"

	"github.com/lumora-ai/chorus/pkg/provider"
)

// Voice identifies a synthesis voice.
type Voice struct {
	// ID is the provider-assigned voice identifier.
	ID string

	// Name is a human-readable label.
	Name string
}

// SynthesisConfig carries per-stream synthesis parameters.
type SynthesisConfig struct {
	// Voice to synthesize with. Providers reject an empty ID.
	Voice Voice

	// SampleRate of the produced PCM16 audio in Hz. Zero uses the provider
	// default.
	SampleRate int
}

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	provider.HealthChecker

	// SynthesizeStream consumes text fragments from text and returns a
	// channel emitting raw PCM16 chunks. The audio channel is closed when
	// all text has been synthesized (after text closes) or when ctx is
	// cancelled. Callers must drain the channel.
	//
	// A non-nil error is returned only when the stream cannot start.
	// Mid-stream errors close the audio channel early; callers check
	// ctx.Err() to distinguish cancellation.
	SynthesizeStream(ctx context.Context, text <-chan string, cfg SynthesisConfig) (<-chan []byte, error)
}
