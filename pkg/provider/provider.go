// Package provider holds types shared by every engine adapter role (ASR,
// LLM, TTS, animation, VAD).
//
// Adapters are narrow interfaces over external engines: start a stream,
// cancel it, report health. They must not depend on each other — a failure
// in one adapter never blocks another.
package provider

import "context"

// Health is the coarse availability state an adapter reports.
type Health int

const (
	// Ready means the engine is reachable and serving within budget.
	Ready Health = iota

	// Degraded means the engine is serving but slow or partially failing.
	Degraded

	// Down means the engine is unreachable or failing outright.
	Down
)

// String returns the lowercase health name.
func (h Health) String() string {
	switch h {
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// HealthChecker is implemented by every adapter.
type HealthChecker interface {
	// Health probes the engine. Implementations should be cheap; callers
	// may poll once per second.
	Health(ctx context.Context) Health
}
