package vad

import (
	"time"

	"github.com/lumora-ai/chorus/pkg/audio"
)

// Energy-detector defaults, tuned for 16 kHz mono speech.
const (
	DefaultThreshold  = 0.015
	DefaultStartMS    = 60
	DefaultHangoverMS = 500
)

// EnergyConfig configures an [Energy] detector.
type EnergyConfig struct {
	// SampleRate of the inbound PCM16 audio in Hz.
	SampleRate int

	// Threshold is the RMS level in [0, 1] above which a chunk counts as
	// speech. Defaults to [DefaultThreshold].
	Threshold float64

	// StartMS is how much consecutive speech confirms a SpeechStart.
	// Defaults to [DefaultStartMS]. Short bursts below this are ignored.
	StartMS int

	// HangoverMS is how much consecutive silence after speech confirms an
	// Endpoint. Defaults to [DefaultHangoverMS].
	HangoverMS int
}

// Energy is an RMS-threshold endpointer implementing [Detector]. It is
// deliberately simple: a speech run must persist for StartMS before
// SpeechStart fires, and an utterance ends after HangoverMS of silence.
// The Endpoint event is stamped with the time the silence began, so the
// hangover never inflates latency accounting.
type Energy struct {
	cfg EnergyConfig

	inSpeech     bool
	speechRunMS  int
	speechRunAt  time.Time
	silenceRunMS int
	silenceRunAt time.Time
	started      bool
	lastEnergy   float64
}

var _ Detector = (*Energy)(nil)

// NewEnergy creates an energy endpointer.
func NewEnergy(cfg EnergyConfig) *Energy {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.StartMS <= 0 {
		cfg.StartMS = DefaultStartMS
	}
	if cfg.HangoverMS <= 0 {
		cfg.HangoverMS = DefaultHangoverMS
	}
	return &Energy{cfg: cfg}
}

// Feed implements [Detector].
func (e *Energy) Feed(pcm []byte, at time.Time) []Event {
	durMS := int(audio.DurationMS(pcm, e.cfg.SampleRate))
	if durMS == 0 {
		return nil
	}
	rms := audio.RMS(pcm)
	e.lastEnergy = rms
	loud := rms >= e.cfg.Threshold

	var events []Event

	if loud {
		if e.speechRunMS == 0 {
			e.speechRunAt = at
		}
		e.speechRunMS += durMS
		e.silenceRunMS = 0

		if !e.started && e.speechRunMS >= e.cfg.StartMS {
			e.started = true
			e.inSpeech = true
			events = append(events, Event{Kind: SpeechStart, At: e.speechRunAt, Energy: rms})
		}
		return events
	}

	// Silence.
	e.speechRunMS = 0
	if e.inSpeech {
		if e.silenceRunMS == 0 {
			e.silenceRunAt = at
		}
		e.silenceRunMS += durMS
		if e.silenceRunMS >= e.cfg.HangoverMS {
			e.inSpeech = false
			e.started = false
			e.silenceRunMS = 0
			events = append(events, Event{Kind: Endpoint, At: e.silenceRunAt, Energy: rms})
		}
	}
	return events
}

// Reset implements [Detector].
func (e *Energy) Reset() {
	*e = Energy{cfg: e.cfg}
}
