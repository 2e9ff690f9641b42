package audio

import (
	"context"
	"sync"
	"time"
)

// Packetizer defaults. The 20 ms frame and 5 ms overlap are part of the
// media-channel contract and are not expected to change at runtime.
const (
	DefaultFrameMS    = 20
	DefaultOverlapMS  = 5
	DefaultSampleRate = 24000

	// padLimitMS is the largest zero-pad tolerated on the final frame of a
	// stream. A final chunk missing more than this is dropped instead.
	padLimitMS = 10
)

// PacketizerConfig configures a [Packetizer].
type PacketizerConfig struct {
	// SessionID is stamped into every emitted packet.
	SessionID [16]byte

	// SampleRate is the inbound PCM sample rate in Hz (mono PCM16).
	// Defaults to [DefaultSampleRate].
	SampleRate int

	// FrameMS is the emitted frame duration. Defaults to [DefaultFrameMS].
	FrameMS int

	// OverlapMS is the cross-fade overlap duplicated at the head of each
	// frame. Defaults to [DefaultOverlapMS]. Must be < FrameMS.
	OverlapMS int

	// DropFinal drops an incomplete final chunk at stream end instead of
	// zero-padding it. Padding only ever applies when the missing tail is
	// at most 10 ms; shorter remainders are always dropped.
	DropFinal bool

	// Clock is the session audio timeline. Every packetizer the session
	// runs must share one so seq and t_audio_ms continue across turns.
	// Nil creates a fresh clock starting at zero.
	Clock *Clock

	// Buffer is the capacity of the outbound packet channel. Defaults to 8.
	Buffer int
}

// Packetizer rechunks a PCM stream into fixed 20 ms packets stamped with the
// session audio clock.
//
// Every emitted packet advances the clock by exactly FrameMS. The last
// OverlapMS of each frame is duplicated as the head of the next frame's
// payload; those duplicated bytes do not advance the clock. On Cancel the
// in-flight partial frame is discarded and emission stops before the next
// packet boundary.
type Packetizer struct {
	cfg   PacketizerConfig
	clock *Clock
	in    <-chan []byte
	out   chan Packet

	cancelOnce sync.Once
	cancelled  chan struct{}

	stopMu    sync.Mutex
	stoppedAt time.Time

	// now is swappable in tests.
	now func() time.Time
}

// NewPacketizer creates a packetizer reading PCM chunks from in. The caller
// runs it with [Packetizer.Run] and consumes [Packetizer.Packets].
func NewPacketizer(cfg PacketizerConfig, in <-chan []byte) *Packetizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = DefaultFrameMS
	}
	if cfg.OverlapMS <= 0 {
		cfg.OverlapMS = DefaultOverlapMS
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 8
	}
	clock := cfg.Clock
	if clock == nil {
		clock = &Clock{}
	}
	return &Packetizer{
		cfg:       cfg,
		clock:     clock,
		in:        in,
		out:       make(chan Packet, cfg.Buffer),
		cancelled: make(chan struct{}),
		now:       time.Now,
	}
}

// Packets returns the outbound packet channel. It is closed when the input
// stream ends, the context is cancelled, or Cancel is called.
func (p *Packetizer) Packets() <-chan Packet { return p.out }

// Clock returns the session audio clock. Animation consumers read it to
// stamp blendshape frames against the same timeline.
func (p *Packetizer) Clock() *Clock { return p.clock }

// Cancel stops emission immediately. The in-flight partial frame is dropped
// and no flush tail is emitted. Safe to call more than once.
func (p *Packetizer) Cancel() {
	p.cancelOnce.Do(func() { close(p.cancelled) })
}

// StoppedAt returns the wall time at which emission halted, or the zero time
// while the packetizer is still running. This is the server-side audible-stop
// marker used for barge-in latency accounting.
func (p *Packetizer) StoppedAt() time.Time {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	return p.stoppedAt
}

// Run consumes the input stream until it ends or the packetizer is
// cancelled. It closes the packet channel before returning.
func (p *Packetizer) Run(ctx context.Context) error {
	defer close(p.out)
	defer p.markStopped()

	bytesPerMS := p.cfg.SampleRate * 2 / 1000
	frameBytes := bytesPerMS * p.cfg.FrameMS
	overlapBytes := bytesPerMS * p.cfg.OverlapMS
	padLimitBytes := bytesPerMS * padLimitMS

	var (
		pending []byte
		overlap []byte
	)

	emit := func(frame []byte) bool {
		payload := make([]byte, 0, len(overlap)+len(frame))
		payload = append(payload, overlap...)
		payload = append(payload, frame...)

		// The clock commits only after the send succeeds: a packet dropped
		// by cancellation must not consume timeline.
		pkt := Packet{
			SessionID:  p.cfg.SessionID,
			Seq:        p.clock.NextSeq(),
			TAudioMS:   p.clock.NowMS(),
			DurationMS: uint16(p.cfg.FrameMS),
			OverlapMS:  uint16(p.cfg.OverlapMS),
			Codec:      CodecPCM16,
			Payload:    payload,
		}
		select {
		case p.out <- pkt:
		case <-p.cancelled:
			return false
		case <-ctx.Done():
			return false
		}
		p.clock.commit(int64(p.cfg.FrameMS))
		overlap = append(overlap[:0], frame[len(frame)-overlapBytes:]...)
		return true
	}

	for {
		select {
		case <-p.cancelled:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-p.in:
			if !ok {
				// Stream end: pad a near-complete tail, drop the rest.
				tail := len(pending)
				if tail > 0 && !p.cfg.DropFinal && frameBytes-tail <= padLimitBytes {
					frame := make([]byte, frameBytes)
					copy(frame, pending)
					emit(frame)
				}
				return nil
			}
			pending = append(pending, chunk...)
			for len(pending) >= frameBytes {
				select {
				case <-p.cancelled:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if !emit(pending[:frameBytes]) {
					return nil
				}
				pending = pending[frameBytes:]
			}
		}
	}
}

func (p *Packetizer) markStopped() {
	p.stopMu.Lock()
	p.stoppedAt = p.now()
	p.stopMu.Unlock()
}
