package observe

import (
	"sort"
	"sync"
	"time"
)

// Window is a time-bounded sample buffer with percentile estimation. The
// backpressure sampler keeps one per signal (TTFA, animation lag) and reads
// a percentile once per second; recording is cheap and lock-short.
type Window struct {
	span time.Duration

	mu      sync.Mutex
	samples []windowSample
}

type windowSample struct {
	at time.Time
	v  float64
}

// NewWindow creates a window keeping samples for the given span.
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = 30 * time.Second
	}
	return &Window{span: span}
}

// Add records a sample at the current time.
func (w *Window) Add(v float64) {
	w.AddAt(v, time.Now())
}

// AddAt records a sample observed at the given time.
func (w *Window) AddAt(v float64, at time.Time) {
	w.mu.Lock()
	w.samples = append(w.samples, windowSample{at: at, v: v})
	w.pruneLocked(at)
	w.mu.Unlock()
}

// P95 returns the 95th percentile of samples within the span, or 0 when the
// window is empty.
func (w *Window) P95() float64 {
	return w.PercentileAt(0.95, time.Now())
}

// PercentileAt returns the given percentile of samples still within the
// span as of now.
func (w *Window) PercentileAt(p float64, now time.Time) float64 {
	w.mu.Lock()
	w.pruneLocked(now)
	values := make([]float64, len(w.samples))
	for i, s := range w.samples {
		values[i] = s.v
	}
	w.mu.Unlock()

	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	idx := int(float64(len(values))*p+0.9999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

// Len returns the number of samples currently in the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// pruneLocked drops samples older than the span. Caller holds w.mu.
func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// RateWindow tracks a success/failure ratio over a time span, used for the
// error-rate backpressure trigger.
type RateWindow struct {
	span time.Duration

	mu     sync.Mutex
	events []rateEvent
}

type rateEvent struct {
	at time.Time
	ok bool
}

// NewRateWindow creates a rate window over the given span.
func NewRateWindow(span time.Duration) *RateWindow {
	if span <= 0 {
		span = 30 * time.Second
	}
	return &RateWindow{span: span}
}

// Observe records one outcome.
func (r *RateWindow) Observe(ok bool) {
	r.ObserveAt(ok, time.Now())
}

// ObserveAt records one outcome at the given time.
func (r *RateWindow) ObserveAt(ok bool, at time.Time) {
	r.mu.Lock()
	r.events = append(r.events, rateEvent{at: at, ok: ok})
	r.pruneLocked(at)
	r.mu.Unlock()
}

// FailureRate returns the fraction of failures in the span, or 0 when no
// outcomes were observed.
func (r *RateWindow) FailureRate() float64 {
	return r.FailureRateAt(time.Now())
}

// FailureRateAt returns the failure fraction as of now.
func (r *RateWindow) FailureRateAt(now time.Time) float64 {
	r.mu.Lock()
	r.pruneLocked(now)
	total := len(r.events)
	failures := 0
	for _, e := range r.events {
		if !e.ok {
			failures++
		}
	}
	r.mu.Unlock()

	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total)
}

func (r *RateWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.span)
	i := 0
	for i < len(r.events) && r.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.events = append(r.events[:0], r.events[i:]...)
	}
}
