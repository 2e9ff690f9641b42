package observe

import (
	"testing"
	"time"
)

func TestWindowP95(t *testing.T) {
	w := NewWindow(time.Minute)
	now := time.Now()
	for i := 1; i <= 100; i++ {
		w.AddAt(float64(i), now)
	}
	if got := w.PercentileAt(0.95, now); got != 95 {
		t.Errorf("p95 of 1..100 = %v, want 95", got)
	}
	if got := w.PercentileAt(0.5, now); got != 50 {
		t.Errorf("p50 of 1..100 = %v, want 50", got)
	}
}

func TestWindowEmptyAndSingle(t *testing.T) {
	w := NewWindow(time.Minute)
	if got := w.P95(); got != 0 {
		t.Errorf("empty window p95 = %v", got)
	}
	w.Add(42)
	if got := w.P95(); got != 42 {
		t.Errorf("single-sample p95 = %v", got)
	}
}

func TestWindowPrunesOldSamples(t *testing.T) {
	w := NewWindow(10 * time.Second)
	base := time.Now()
	w.AddAt(1000, base)
	w.AddAt(5, base.Add(11*time.Second))
	if got := w.PercentileAt(0.95, base.Add(11*time.Second)); got != 5 {
		t.Errorf("p95 after prune = %v, want 5", got)
	}
	if w.Len() != 1 {
		t.Errorf("window kept %d samples, want 1", w.Len())
	}
}

func TestRateWindowFailureRate(t *testing.T) {
	r := NewRateWindow(time.Minute)
	now := time.Now()
	for i := 0; i < 19; i++ {
		r.ObserveAt(true, now)
	}
	r.ObserveAt(false, now)
	if got := r.FailureRateAt(now); got != 0.05 {
		t.Errorf("failure rate = %v, want 0.05", got)
	}
}

func TestRateWindowEmpty(t *testing.T) {
	r := NewRateWindow(time.Minute)
	if got := r.FailureRate(); got != 0 {
		t.Errorf("empty rate window = %v", got)
	}
}
