package turn

import (
	"sync"
	"time"

	"github.com/lumora-ai/chorus/internal/fault"
)

// CancelReason explains why a turn was cancelled. Write-once per token.
type CancelReason string

const (
	// ReasonUserBargeIn is user speech detected while the agent speaks.
	ReasonUserBargeIn CancelReason = "USER_BARGE_IN"

	// ReasonUserStop is an explicit stop request from the client.
	ReasonUserStop CancelReason = "USER_STOP"

	// ReasonSystemOverload is load shedding abandoning the turn.
	ReasonSystemOverload CancelReason = "SYSTEM_OVERLOAD"

	// ReasonTimeout is a missed latency budget.
	ReasonTimeout CancelReason = "TIMEOUT"
)

// Token carries one turn's cancellation signal to every pipeline stage.
//
// A token is cancelled at most once; later calls are no-ops and report
// false. Stages register as observers before the turn starts streaming and
// acknowledge after they have stopped producing output. The token holds
// only the turn identifier, never stage state, so a late acknowledgement
// from a dead stage cannot corrupt a newer turn.
type Token struct {
	turnID uint64

	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	reason    CancelReason
	eventAt   time.Time
	cancelAt  time.Time
	observers map[fault.Stage]*observer
}

type observer struct {
	ackCh   chan struct{}
	ackOnce sync.Once
	ackedAt time.Time
}

// NewToken creates a token for the given turn.
func NewToken(turnID uint64) *Token {
	return &Token{
		turnID:    turnID,
		done:      make(chan struct{}),
		observers: make(map[fault.Stage]*observer),
	}
}

// TurnID returns the turn this token belongs to.
func (t *Token) TurnID() uint64 { return t.turnID }

// Observe registers a stage as a cancellation observer. Must be called
// before the stage starts producing output. Registering the same stage
// twice is a no-op.
func (t *Token) Observe(stage fault.Stage) {
	t.mu.Lock()
	if _, ok := t.observers[stage]; !ok {
		t.observers[stage] = &observer{ackCh: make(chan struct{})}
	}
	t.mu.Unlock()
}

// Cancel fires the token with the given reason and the wall time of the
// triggering event. Only the first call takes effect; it reports whether
// this call was the one that fired.
func (t *Token) Cancel(reason CancelReason, eventAt time.Time) bool {
	fired := false
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.eventAt = eventAt
		t.cancelAt = time.Now()
		t.mu.Unlock()
		close(t.done)
		fired = true
	})
	return fired
}

// Done returns a channel closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.done }

// Cancelled reports whether the token has fired.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, or "" if the token has not fired.
func (t *Token) Reason() CancelReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// EventAt returns the wall time of the triggering event.
func (t *Token) EventAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eventAt
}

// Ack records that a stage has stopped producing output. Idempotent.
// Acknowledging an unregistered stage is a no-op.
func (t *Token) Ack(stage fault.Stage) {
	t.mu.Lock()
	obs := t.observers[stage]
	t.mu.Unlock()
	if obs == nil {
		return
	}
	obs.ackOnce.Do(func() {
		t.mu.Lock()
		obs.ackedAt = time.Now()
		t.mu.Unlock()
		close(obs.ackCh)
	})
}

// AckChan returns a channel closed when the stage acknowledges, or nil if
// the stage never registered.
func (t *Token) AckChan(stage fault.Stage) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obs := t.observers[stage]; obs != nil {
		return obs.ackCh
	}
	return nil
}

// AckLatency returns how long after Cancel the stage acknowledged. Zero if
// the stage has not acknowledged or the token has not fired.
func (t *Token) AckLatency(stage fault.Stage) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	obs := t.observers[stage]
	if obs == nil || obs.ackedAt.IsZero() || t.cancelAt.IsZero() {
		return 0
	}
	return obs.ackedAt.Sub(t.cancelAt)
}

// Observers returns the registered stages.
func (t *Token) Observers() []fault.Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]fault.Stage, 0, len(t.observers))
	for s := range t.observers {
		out = append(out, s)
	}
	return out
}
