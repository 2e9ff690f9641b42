// Package turn implements the per-session turn lifecycle: the conversation
// state machine, the cancellation token with observer acknowledgement, the
// cancel fan-out controller, and the streaming pipeline that runs one
// response through LLM, TTS, packetizer and animation.
package turn

import (
	"fmt"
	"sync"
	"time"
)

// State is a conversation state.
type State string

const (
	// StateIdle means no active conversation.
	StateIdle State = "IDLE"

	// StateListening means user audio is being ingested.
	StateListening State = "LISTENING"

	// StateThinking means an endpoint was detected and a response is being
	// generated, but no audio has been emitted yet.
	StateThinking State = "THINKING"

	// StateSpeaking means response audio is streaming to the client.
	StateSpeaking State = "SPEAKING"

	// StateInterrupted means a barge-in was detected and cancellation is in
	// flight.
	StateInterrupted State = "INTERRUPTED"
)

// historyLimit bounds the transition history kept per machine.
const historyLimit = 100

// transitions is the set of legal state changes.
var transitions = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateThinking, StateIdle},
	StateThinking:    {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:    {StateListening, StateInterrupted, StateIdle},
	StateInterrupted: {StateListening, StateIdle},
}

// Transition is one recorded state change.
type Transition struct {
	From  State
	To    State
	Cause string
	At    time.Time
}

// InvalidTransitionError reports an attempted illegal state change.
type InvalidTransitionError struct {
	From State
	To   State
}

// Error implements error.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("turn: invalid transition %s -> %s", e.From, e.To)
}

// Machine is the conversation state machine. It starts in IDLE and keeps a
// bounded history of transitions for diagnostics. Safe for concurrent use.
type Machine struct {
	// OnTransition, when set, is called after each successful transition,
	// outside the machine's lock. Set before first use.
	OnTransition func(tr Transition)

	mu      sync.Mutex
	state   State
	history []Transition
	now     func() time.Time
}

// NewMachine creates a Machine in IDLE.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to the given state, recording the cause.
// Returns *InvalidTransitionError when the change is not legal; the state
// is unchanged in that case.
func (m *Machine) Transition(to State, cause string) error {
	m.mu.Lock()
	from := m.state
	if !legal(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	tr := Transition{From: from, To: to, Cause: cause, At: m.now()}
	m.state = to
	m.history = append(m.history, tr)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	cb := m.OnTransition
	m.mu.Unlock()

	if cb != nil {
		cb(tr)
	}
	return nil
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
