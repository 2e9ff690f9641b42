package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lumora-ai/chorus/internal/fault"
	"github.com/lumora-ai/chorus/internal/observe"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

func testManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	return NewManager(cfg, nil, testMetrics(t))
}

func buildSession(t *testing.T) func() (*Session, error) {
	t.Helper()
	return func() (*Session, error) {
		return New(Options{
			Counter:        lenCounter{},
			MaxTokens:      8192,
			RolloverTokens: 7500,
			Metrics:        testMetrics(t),
		})
	}
}

func TestManagerCapEnforced(t *testing.T) {
	m := testManager(t, ManagerConfig{MaxConcurrent: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Admit(ctx, GateOpen, buildSession(t)); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	_, err := m.Admit(ctx, GateOpen, buildSession(t))
	var ae *fault.AdmissionError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *fault.AdmissionError", err)
	}
	if ae.Reason != "capacity" {
		t.Errorf("reason = %q, want capacity", ae.Reason)
	}
	if ae.RetryAfter <= 0 {
		t.Error("rejection carries no retry hint")
	}
}

func TestManagerConcurrentAdmitNeverOversubscribes(t *testing.T) {
	const limit = 4
	m := testManager(t, ManagerConfig{MaxConcurrent: limit})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Admit(ctx, GateOpen, buildSession(t))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else {
				rejected++
			}
		}()
	}
	wg.Wait()
	if admitted != limit || rejected != 16-limit {
		t.Errorf("admitted %d rejected %d, want %d/%d", admitted, rejected, limit, 16-limit)
	}
	if m.Len() != limit {
		t.Errorf("live sessions = %d, want %d", m.Len(), limit)
	}
}

func TestManagerQueueAdmitsWhenSlotFrees(t *testing.T) {
	m := testManager(t, ManagerConfig{MaxConcurrent: 1, QueueDeadline: time.Second})
	ctx := context.Background()

	first, err := m.Admit(ctx, GateOpen, buildSession(t))
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := m.Admit(ctx, GateOpen, buildSession(t))
		got <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter queue
	if !m.Close(ctx, first.ID()) {
		t.Fatal("close failed")
	}

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("queued admit failed after slot freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued admit never completed")
	}
	if m.Len() != 1 {
		t.Errorf("live sessions = %d, want 1", m.Len())
	}
}

func TestManagerQueueDeadline(t *testing.T) {
	m := testManager(t, ManagerConfig{MaxConcurrent: 1, QueueDeadline: 50 * time.Millisecond})
	ctx := context.Background()
	if _, err := m.Admit(ctx, GateOpen, buildSession(t)); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := m.Admit(ctx, GateOpen, buildSession(t))
	var ae *fault.AdmissionError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *fault.AdmissionError", err)
	}
	if ae.Reason != "queue_timeout" {
		t.Errorf("reason = %q, want queue_timeout", ae.Reason)
	}
	if waited := time.Since(start); waited < 50*time.Millisecond {
		t.Errorf("rejected after %v, before the queue deadline", waited)
	}
}

func TestManagerGateReject(t *testing.T) {
	m := testManager(t, ManagerConfig{MaxConcurrent: 8, QueueDeadline: time.Second})
	_, err := m.Admit(context.Background(), GateReject, buildSession(t))
	var ae *fault.AdmissionError
	if !errors.As(err, &ae) || ae.Reason != "backpressure" {
		t.Fatalf("err = %v, want backpressure rejection", err)
	}
	if m.Len() != 0 {
		t.Error("rejected admit created a session")
	}
}

func TestManagerCloseIdempotent(t *testing.T) {
	m := testManager(t, ManagerConfig{MaxConcurrent: 1})
	ctx := context.Background()
	s, err := m.Admit(ctx, GateOpen, buildSession(t))
	if err != nil {
		t.Fatal(err)
	}
	if !m.Close(ctx, s.ID()) {
		t.Fatal("first close reported missing session")
	}
	if m.Close(ctx, s.ID()) {
		t.Error("second close reported success")
	}
	if m.Get(s.ID()) != nil {
		t.Error("closed session still retrievable")
	}
	select {
	case <-s.Done():
	default:
		t.Error("session Done channel not closed")
	}
}

func TestManagerSweepIdle(t *testing.T) {
	m := testManager(t, ManagerConfig{MaxConcurrent: 4, IdleTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	s, err := m.Admit(ctx, GateOpen, buildSession(t))
	if err != nil {
		t.Fatal(err)
	}
	if n := m.SweepIdle(ctx, time.Now()); n != 0 {
		t.Errorf("fresh session swept: %d", n)
	}
	if n := m.SweepIdle(ctx, time.Now().Add(time.Second)); n != 1 {
		t.Errorf("idle sweep closed %d sessions, want 1", n)
	}
	if m.Get(s.ID()) != nil {
		t.Error("swept session still live")
	}
}
