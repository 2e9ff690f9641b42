package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumora-ai/chorus/internal/fault"
	"github.com/lumora-ai/chorus/internal/observe"
)

// Gate is the admission posture dictated by the backpressure ladder.
type Gate int

const (
	// GateOpen admits up to the session cap.
	GateOpen Gate = iota

	// GateQueue holds new sessions in the FIFO queue until a slot frees or
	// the queue deadline passes.
	GateQueue

	// GateReject refuses new sessions outright with a retry hint.
	GateReject
)

// ManagerConfig configures admission control.
type ManagerConfig struct {
	// MaxConcurrent is the hard session cap.
	MaxConcurrent int

	// IdleTimeout closes sessions without client activity for this long.
	IdleTimeout time.Duration

	// QueueDeadline bounds the FIFO wait. Zero disables queueing; a full
	// server rejects immediately.
	QueueDeadline time.Duration

	// RejectRetryAfter is the retry hint attached to rejections.
	RejectRetryAfter time.Duration
}

// Manager owns the live session set. Admission is an atomic check-and-insert
// under one lock: the cap can never be oversubscribed by concurrent creates.
type Manager struct {
	cfg     ManagerConfig
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	waiters  *list.List // FIFO of chan struct{}, cap 1 each
	reserved int        // slots promised to signalled waiters
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig, log *slog.Logger, metrics *observe.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if cfg.RejectRetryAfter <= 0 {
		cfg.RejectRetryAfter = 5 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]*Session),
		waiters:  list.New(),
	}
}

// Admit creates and registers a session built by build, honouring the gate
// and the session cap. Under load the caller may wait up to the queue
// deadline; rejections are *fault.AdmissionError.
func (m *Manager) Admit(ctx context.Context, gate Gate, build func() (*Session, error)) (*Session, error) {
	if gate == GateReject {
		m.rejectMetric(ctx, "backpressure")
		return nil, &fault.AdmissionError{Reason: "backpressure", RetryAfter: m.cfg.RejectRetryAfter}
	}

	m.mu.Lock()
	if gate == GateOpen && m.waiters.Len() == 0 && m.hasSlotLocked() {
		s, err := m.insertLocked(build)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.metrics.ActiveSessions.Add(ctx, 1)
		return s, nil
	}
	if m.cfg.QueueDeadline <= 0 {
		m.mu.Unlock()
		m.rejectMetric(ctx, "capacity")
		return nil, &fault.AdmissionError{Reason: "capacity", RetryAfter: m.cfg.RejectRetryAfter}
	}

	w := make(chan struct{}, 1)
	el := m.waiters.PushBack(w)
	m.nudgeLocked()
	m.mu.Unlock()

	m.metrics.QueuedSessions.Add(ctx, 1)
	defer m.metrics.QueuedSessions.Add(ctx, -1)

	timer := time.NewTimer(m.cfg.QueueDeadline)
	defer timer.Stop()
	select {
	case <-w:
		m.mu.Lock()
		m.reserved--
		if !m.hasSlotLocked() {
			// The promised slot was lost to an idle-sweep race; treat as a
			// timeout rather than oversubscribe.
			m.nudgeLocked()
			m.mu.Unlock()
			m.rejectMetric(ctx, "queue_timeout")
			return nil, &fault.AdmissionError{Reason: "queue_timeout", RetryAfter: m.cfg.RejectRetryAfter}
		}
		s, err := m.insertLocked(build)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.metrics.ActiveSessions.Add(ctx, 1)
		return s, nil
	case <-timer.C:
		m.abandonWait(ctx, el, w)
		m.rejectMetric(ctx, "queue_timeout")
		return nil, &fault.AdmissionError{Reason: "queue_timeout", RetryAfter: m.cfg.RejectRetryAfter}
	case <-ctx.Done():
		m.abandonWait(ctx, el, w)
		return nil, ctx.Err()
	}
}

func (m *Manager) hasSlotLocked() bool {
	return len(m.sessions)+m.reserved < m.cfg.MaxConcurrent
}

func (m *Manager) insertLocked(build func() (*Session, error)) (*Session, error) {
	s, err := build()
	if err != nil {
		return nil, err
	}
	m.sessions[s.ID()] = s
	return s, nil
}

// nudgeLocked promises free slots to queued waiters, oldest first.
func (m *Manager) nudgeLocked() {
	for m.waiters.Len() > 0 && m.hasSlotLocked() {
		el := m.waiters.Front()
		m.waiters.Remove(el)
		m.reserved++
		el.Value.(chan struct{}) <- struct{}{}
	}
}

// abandonWait removes a waiter that gave up, returning any slot it was
// promised in the meantime.
func (m *Manager) abandonWait(_ context.Context, el *list.Element, w chan struct{}) {
	m.mu.Lock()
	removed := false
	for e := m.waiters.Front(); e != nil; e = e.Next() {
		if e == el {
			m.waiters.Remove(e)
			removed = true
			break
		}
	}
	if !removed {
		// Already signalled; the promise raced the timeout.
		select {
		case <-w:
			m.reserved--
			m.nudgeLocked()
		default:
		}
	}
	m.mu.Unlock()
}

// Get returns the session, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Close terminates and removes a session. Reports whether it existed.
func (m *Manager) Close(ctx context.Context, id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.nudgeLocked()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	m.metrics.ActiveSessions.Add(ctx, -1)
	return true
}

// Len returns the live session count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns stats for every live session.
func (m *Manager) Snapshot() []Stats {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	return out
}

// SweepIdle closes sessions idle past the timeout and returns how many.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.IdleFor(now) >= m.cfg.IdleTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if m.Close(ctx, id) {
			m.log.Info("idle session swept", "session", id)
		}
	}
	return len(stale)
}

// Run sweeps idle sessions until ctx is cancelled, then closes everything.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll(context.WithoutCancel(ctx))
			return
		case now := <-ticker.C:
			m.SweepIdle(ctx, now)
		}
	}
}

func (m *Manager) closeAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(ctx, id)
	}
}

func (m *Manager) rejectMetric(ctx context.Context, reason string) {
	m.metrics.AdmissionRejects.Add(ctx, 1, metricAttr("reason", reason))
}
