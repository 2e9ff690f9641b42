// Package backpressure implements the graceful degradation ladder. A
// controller samples live load signals once per second and derives a level;
// each level sheds a specific slice of functionality while audio continuity
// of existing turns is never degraded.
//
// The ladder may skip levels upward under a load spike but steps down one
// level per observation window, and only after the triggers have stayed
// clear (with hysteresis margins) for two consecutive samples, so the
// controller cannot oscillate.
package backpressure

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumora-ai/chorus/internal/observe"
	"github.com/lumora-ai/chorus/internal/session"
)

// Level is a rung of the degradation ladder.
type Level int

const (
	// Normal is full functionality.
	Normal Level = iota

	// AnimationYield drops blendshape frames; audio is untouched.
	AnimationYield

	// VerbosityReduce caps reply length and asks for brevity.
	VerbosityReduce

	// ToolRefuse additionally withholds non-essential tools.
	ToolRefuse

	// SessionQueue makes new sessions wait in the admission queue.
	SessionQueue

	// SessionReject refuses new sessions with a retry hint.
	SessionReject
)

// String returns the level name used in logs and metrics.
func (l Level) String() string {
	switch l {
	case Normal:
		return "NORMAL"
	case AnimationYield:
		return "ANIMATION_YIELD"
	case VerbosityReduce:
		return "VERBOSITY_REDUCE"
	case ToolRefuse:
		return "TOOL_REFUSE"
	case SessionQueue:
		return "SESSION_QUEUE"
	case SessionReject:
		return "SESSION_REJECT"
	default:
		return "UNKNOWN"
	}
}

// Reply caps applied by the ladder.
const (
	VerbosityMaxTokens  = 384
	ToolRefuseMaxTokens = 256
)

// Hysteresis margins for step-down evaluation: a level's triggers must be
// clear by this much before the sample counts toward stepping down. Keeps
// the controller from flapping around a threshold.
const (
	ttfaHysteresisMS = 20.0
	vramHysteresis   = 2.0
)

// stepDownStreak is how many consecutive clear samples a step down needs.
const stepDownStreak = 2

// Sample is one observation of the load signals.
type Sample struct {
	// TTFAP95MS is the p95 time-to-first-audio over the window, in ms.
	TTFAP95MS float64

	// AnimLagMS is the p95 animation lag behind the audio clock, in ms.
	AnimLagMS float64

	// VRAMPercent is GPU memory utilisation, 0–100. Zero when no probe is
	// configured.
	VRAMPercent float64

	// ActiveSessions and MaxSessions describe admission pressure.
	ActiveSessions int
	MaxSessions    int

	// ErrorRate is the turn failure fraction over the window, 0–1.
	ErrorRate float64
}

// levelFor derives the ladder level a sample demands, highest rung first.
// The slack parameters shift the thresholds; step-down evaluation passes
// negative slack so a sample must clear a rung by the hysteresis margin.
func levelFor(s Sample, ttfaSlack, vramSlack float64) Level {
	headroom := func(n int) bool {
		return s.MaxSessions > 0 && s.ActiveSessions >= s.MaxSessions-n
	}
	switch {
	case s.TTFAP95MS >= 250+ttfaSlack || s.VRAMPercent > 98+vramSlack ||
		headroom(0) || s.ErrorRate > 0.05:
		return SessionReject
	case s.TTFAP95MS > 240+ttfaSlack || s.VRAMPercent > 95+vramSlack || headroom(1):
		return SessionQueue
	case s.TTFAP95MS > 225+ttfaSlack || s.VRAMPercent > 93+vramSlack:
		return ToolRefuse
	case s.TTFAP95MS > 200+ttfaSlack || s.VRAMPercent > 90+vramSlack || headroom(2):
		return VerbosityReduce
	case s.AnimLagMS > 120 || s.VRAMPercent > 85+vramSlack:
		return AnimationYield
	default:
		return Normal
	}
}

// Config wires a Controller.
type Config struct {
	// MaxSessions is the admission cap the headroom triggers compare
	// against.
	MaxSessions int

	// ActiveSessions reports the live session count.
	ActiveSessions func() int

	// VRAMPercent probes GPU memory utilisation, 0–100. Nil disables the
	// VRAM triggers.
	VRAMPercent func() float64

	// Window is the sample retention span for the latency and error
	// windows. Zero means 30 s.
	Window time.Duration

	// Interval is the evaluation cadence. Zero means 1 s.
	Interval time.Duration

	// OnChange, when set, is called after each level change.
	OnChange func(from, to Level)

	Log     *slog.Logger
	Metrics *observe.Metrics
}

// Controller owns the ladder state. Signal recording is cheap and safe from
// any goroutine; evaluation runs on one goroutine via Run or Evaluate.
type Controller struct {
	cfg Config

	ttfa    *observe.Window
	animLag *observe.Window
	errors  *observe.RateWindow

	mu          sync.Mutex
	level       Level
	clearStreak int
}

// NewController creates a Controller at NORMAL.
func NewController(cfg Config) *Controller {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Controller{
		cfg:     cfg,
		ttfa:    observe.NewWindow(cfg.Window),
		animLag: observe.NewWindow(cfg.Window),
		errors:  observe.NewRateWindow(cfg.Window),
	}
}

// RecordTTFA adds one time-to-first-audio sample. Callers exclude sessions
// still in warmup; their first turns pay one-time costs that would trip the
// ladder spuriously.
func (c *Controller) RecordTTFA(ms float64) { c.ttfa.Add(ms) }

// RecordAnimLag adds one animation-lag sample in ms.
func (c *Controller) RecordAnimLag(ms float64) { c.animLag.Add(ms) }

// RecordTurnOutcome adds one turn outcome to the error-rate window.
func (c *Controller) RecordTurnOutcome(ok bool) { c.errors.Observe(ok) }

// Level returns the current ladder level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Gate maps the level to an admission posture.
func (c *Controller) Gate() session.Gate {
	switch c.Level() {
	case SessionReject:
		return session.GateReject
	case SessionQueue:
		return session.GateQueue
	default:
		return session.GateOpen
	}
}

// Effects returns the per-turn shedding for the current level.
func (c *Controller) Effects() session.ShedEffects {
	l := c.Level()
	eff := session.ShedEffects{
		AnimationEnabled: l < AnimationYield,
		ToolsEnabled:     l < ToolRefuse,
	}
	switch {
	case l >= ToolRefuse:
		eff.MaxTokens = ToolRefuseMaxTokens
	case l >= VerbosityReduce:
		eff.MaxTokens = VerbosityMaxTokens
	}
	return eff
}

// sample builds the current Sample from the windows and probes.
func (c *Controller) sample(now time.Time) Sample {
	s := Sample{
		TTFAP95MS:   c.ttfa.PercentileAt(0.95, now),
		AnimLagMS:   c.animLag.PercentileAt(0.95, now),
		MaxSessions: c.cfg.MaxSessions,
		ErrorRate:   c.errors.FailureRateAt(now),
	}
	if c.cfg.ActiveSessions != nil {
		s.ActiveSessions = c.cfg.ActiveSessions()
	}
	if c.cfg.VRAMPercent != nil {
		s.VRAMPercent = c.cfg.VRAMPercent()
	}
	return s
}

// Evaluate observes one sample and moves the ladder. Upward moves may skip
// levels; downward moves happen one level per window after two consecutive
// clear samples. Returns the level after evaluation.
func (c *Controller) Evaluate(ctx context.Context, now time.Time) Level {
	s := c.sample(now)
	demanded := levelFor(s, 0, 0)

	c.mu.Lock()
	from := c.level
	switch {
	case demanded > c.level:
		c.level = demanded
		c.clearStreak = 0
	case demanded < c.level:
		// Step-down candidate: the sample must clear the current rung by
		// the hysteresis margins, not merely dip under the threshold.
		if levelFor(s, -ttfaHysteresisMS, -vramHysteresis) < c.level {
			c.clearStreak++
			if c.clearStreak >= stepDownStreak {
				c.level--
				c.clearStreak = 0
			}
		} else {
			c.clearStreak = 0
		}
	default:
		c.clearStreak = 0
	}
	to := c.level
	c.mu.Unlock()

	if to != from {
		c.cfg.Log.Info("backpressure level changed",
			"from", from, "to", to,
			"ttfa_p95_ms", s.TTFAP95MS, "vram_pct", s.VRAMPercent,
			"active", s.ActiveSessions, "error_rate", s.ErrorRate)
		c.cfg.Metrics.BackpressureTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
		if c.cfg.OnChange != nil {
			c.cfg.OnChange(from, to)
		}
	}
	c.cfg.Metrics.BackpressureLevel.Record(ctx, int64(to))
	return to
}

// Run evaluates on the configured cadence until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Evaluate(ctx, now)
		}
	}
}
