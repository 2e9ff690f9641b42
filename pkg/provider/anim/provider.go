// Package anim defines the Provider interface for audio-to-blendshape
// animation backends.
//
// An animation provider consumes the same PCM the packetizer emits (via a
// time-aligned tee) and produces ARKit-52 blendshape frames. The animation
// stage is always best-effort: a provider failure must never delay or stop
// audio emission.
package anim

import (
	"context"

	"github.com/lumora-ai/chorus/pkg/animation"
	"github.com/lumora-ai/chorus/pkg/provider"
)

// StreamConfig carries per-stream animation parameters.
type StreamConfig struct {
	// SessionID is stamped into produced frames.
	SessionID string

	// SampleRate of the inbound PCM16 audio in Hz.
	SampleRate int

	// FPS is the requested frame cadence (30–60).
	FPS int

	// Clock is the session audio clock; frames are stamped with it so the
	// client can align the face with audio playback.
	Clock animation.AudioClock
}

// SessionHandle is one live animation stream.
type SessionHandle interface {
	// SendAudio queues a PCM16 chunk for inference. Returns an error once
	// closed. Implementations must not block on a slow engine; dropping is
	// acceptable.
	SendAudio(chunk []byte) error

	// Frames emits blendshape frames. Closed on stream end or failure.
	Frames() <-chan animation.Frame

	// Close terminates the stream. Idempotent.
	Close() error
}

// Provider is the abstraction over any audio-to-blendshape backend.
type Provider interface {
	provider.HealthChecker

	// StartStream opens an animation session. The session terminates when
	// ctx is cancelled or Close is called.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
