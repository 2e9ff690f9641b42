package animation

import (
	"context"
	"time"
)

// Heartbeat defaults, in line with the animation contract: a missed cadence
// slot is held for up to 100 ms, after which the pose eases to neutral over
// 150 ms. Easing is gradual; the face never snaps.
const (
	DefaultFPS         = 30
	DefaultFreezeAfter = 100 * time.Millisecond
	DefaultFreezeOver  = 150 * time.Millisecond
)

// AudioClock is the read side of the session audio clock, used to stamp
// heartbeat frames against the audio timeline.
type AudioClock interface {
	NowMS() int64
}

// EmitterConfig configures an [Emitter].
type EmitterConfig struct {
	// SessionID is stamped into emitted frames.
	SessionID string

	// FPS is the output cadence. Defaults to [DefaultFPS]; clamped to 30–60.
	FPS int

	// FreezeAfter is the frame gap beyond which the pose begins easing to
	// neutral. Gaps up to this hold the last valid pose. Defaults to
	// [DefaultFreezeAfter].
	FreezeAfter time.Duration

	// FreezeOver is the duration of the ease to neutral once it begins.
	// Defaults to [DefaultFreezeOver].
	FreezeOver time.Duration

	// Clock stamps heartbeat frames with the current audio clock value.
	// When nil, heartbeats reuse the last real frame's timestamp.
	Clock AudioClock

	// DropIfLag drops a real frame whose timestamp trails the audio clock
	// by more than this instead of showing a stale pose; heartbeats cover
	// the slot. Zero disables dropping. Requires Clock.
	DropIfLag time.Duration

	// OnLag, when set, receives each real frame's lag behind the audio
	// clock in ms, including frames that were dropped. Requires Clock.
	OnLag func(lagMS float64)

	// Now is swappable in tests. Defaults to [time.Now].
	Now func() time.Time
}

// Emitter forwards real blendshape frames and fills engine stalls with
// heartbeat frames so the client-facing cadence stays stable. Real frames
// pass through sanitized (articulation-only, clamped); stalls first hold the
// last valid pose, then slow-freeze toward neutral.
type Emitter struct {
	cfg EmitterConfig
	in  <-chan Frame
	out chan Frame

	last     Weights
	lastT    int64
	lastAt   time.Time
	haveLast bool
	seq      uint32
}

// NewEmitter creates an emitter reading engine frames from in.
func NewEmitter(cfg EmitterConfig, in <-chan Frame) *Emitter {
	if cfg.FPS < 30 || cfg.FPS > 60 {
		cfg.FPS = DefaultFPS
	}
	if cfg.FreezeAfter <= 0 {
		cfg.FreezeAfter = DefaultFreezeAfter
	}
	if cfg.FreezeOver <= 0 {
		cfg.FreezeOver = DefaultFreezeOver
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Emitter{
		cfg: cfg,
		in:  in,
		out: make(chan Frame, 8),
	}
}

// Frames returns the stabilised output stream. Closed when the input stream
// ends or the context is cancelled.
func (e *Emitter) Frames() <-chan Frame { return e.out }

// Run pumps frames until the input closes or ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) error {
	defer close(e.out)

	slot := time.Second / time.Duration(e.cfg.FPS)
	ticker := time.NewTicker(slot)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-e.in:
			if !ok {
				return nil
			}
			if e.cfg.Clock != nil {
				lagMS := float64(e.cfg.Clock.NowMS() - f.TAudioMS)
				if lagMS < 0 {
					lagMS = 0
				}
				if e.cfg.OnLag != nil {
					e.cfg.OnLag(lagMS)
				}
				if e.cfg.DropIfLag > 0 && lagMS > float64(e.cfg.DropIfLag.Milliseconds()) {
					continue
				}
			}
			e.last = f.Weights.Sanitize()
			e.lastT = f.TAudioMS
			e.lastAt = e.cfg.Now()
			e.haveLast = true
			if !e.send(ctx, Frame{
				SessionID: e.cfg.SessionID,
				TAudioMS:  f.TAudioMS,
				FPS:       e.cfg.FPS,
				Weights:   e.last,
			}) {
				return ctx.Err()
			}
		case <-ticker.C:
			if !e.haveLast {
				continue
			}
			gap := e.cfg.Now().Sub(e.lastAt)
			if gap <= slot {
				continue // a real frame covered this slot
			}
			t := e.lastT
			if e.cfg.Clock != nil {
				t = e.cfg.Clock.NowMS()
			}
			if !e.send(ctx, Frame{
				SessionID: e.cfg.SessionID,
				TAudioMS:  t,
				FPS:       e.cfg.FPS,
				Heartbeat: true,
				Weights:   e.poseAt(gap),
			}) {
				return ctx.Err()
			}
		}
	}
}

// poseAt returns the pose for a heartbeat frame given the time since the
// last real frame: the held pose up to FreezeAfter, then an ease toward
// neutral completing FreezeOver later.
func (e *Emitter) poseAt(gap time.Duration) Weights {
	if gap <= e.cfg.FreezeAfter {
		return e.last
	}
	t := float32(gap-e.cfg.FreezeAfter) / float32(e.cfg.FreezeOver)
	return e.last.Lerp(Neutral(), t)
}

func (e *Emitter) send(ctx context.Context, f Frame) bool {
	f.Seq = e.seq
	select {
	case e.out <- f:
		e.seq++
		return true
	case <-ctx.Done():
		return false
	}
}
