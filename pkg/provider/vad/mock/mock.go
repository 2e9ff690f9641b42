// Package mock provides a scriptable vad.Detector for tests.
package mock

import (
	"time"

	"github.com/lumora-ai/chorus/pkg/provider/vad"
)

// Detector replays scripted events keyed by Feed call index (0-based).
type Detector struct {
	// Script maps the nth Feed call to the events it returns.
	Script map[int][]vad.Event

	calls  int
	resets int
}

var _ vad.Detector = (*Detector)(nil)

// Feed returns the scripted events for this call index, stamping the
// observation time when the script left it zero.
func (d *Detector) Feed(_ []byte, at time.Time) []vad.Event {
	events := d.Script[d.calls]
	d.calls++
	out := make([]vad.Event, len(events))
	for i, ev := range events {
		if ev.At.IsZero() {
			ev.At = at
		}
		out[i] = ev
	}
	return out
}

// Reset counts resets.
func (d *Detector) Reset() { d.resets++ }

// Calls returns how many times Feed ran.
func (d *Detector) Calls() int { return d.calls }

// Resets returns how many times Reset ran.
func (d *Detector) Resets() int { return d.resets }
