// Package vad defines the voice-activity detection contract and ships an
// energy-based endpointer.
//
// A detector runs on the inbound audio stream throughout LISTENING and
// SPEAKING. It emits two event kinds: the end of a user utterance
// (triggering the turn) and the start of user speech (a barge-in when the
// agent is speaking). Events carry the server-monotonic time at which the
// triggering audio was observed, not the time the event was processed; that
// timestamp anchors all cancel-latency accounting.
package vad

import "time"

// EventKind discriminates detector events.
type EventKind int

const (
	// SpeechStart fires when user speech is confirmed after silence.
	// During agent speech this is a barge-in.
	SpeechStart EventKind = iota

	// Endpoint fires when a user utterance ends.
	Endpoint
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case Endpoint:
		return "endpoint"
	default:
		return "unknown"
	}
}

// Event is one detector observation.
type Event struct {
	// Kind of event.
	Kind EventKind

	// At is the server-monotonic time the triggering audio was observed.
	At time.Time

	// Energy is the RMS level that triggered the event, in [0, 1].
	Energy float64
}

// Detector is the voice-activity detection abstraction. Implementations are
// not required to be safe for concurrent use; the session loop is the single
// caller.
type Detector interface {
	// Feed processes one PCM16 chunk observed at the given time and returns
	// any events it completes. The returned slice is usually empty.
	Feed(pcm []byte, at time.Time) []Event

	// Reset clears detector state, e.g. when a session returns to IDLE.
	Reset()
}
