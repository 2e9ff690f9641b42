// Package mock provides a scriptable in-memory anim.Provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/lumora-ai/chorus/pkg/animation"
	"github.com/lumora-ai/chorus/pkg/provider"
	"github.com/lumora-ai/chorus/pkg/provider/anim"
)

// Provider is a mock anim.Provider emitting one frame per audio chunk.
type Provider struct {
	// Pose is the weight set emitted on every frame.
	Pose animation.Weights

	// StartErr, when non-nil, is returned by StartStream.
	StartErr error

	// DieAfter kills the session after this many chunks (0 = never),
	// simulating an engine crash mid-turn.
	DieAfter int

	// Healthy controls the Health result.
	Healthy bool

	mu       sync.Mutex
	sessions []*Session
}

var _ anim.Provider = (*Provider)(nil)

// StartStream opens a mock session.
func (p *Provider) StartStream(_ context.Context, cfg anim.StreamConfig) (anim.SessionHandle, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		sessionID: cfg.SessionID,
		fps:       cfg.FPS,
		clock:     cfg.Clock,
		pose:      p.Pose,
		dieAfter:  p.DieAfter,
		frames:    make(chan animation.Frame, 64),
		done:      make(chan struct{}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Health reports Ready when Healthy is set, Down otherwise.
func (p *Provider) Health(context.Context) provider.Health {
	if p.Healthy {
		return provider.Ready
	}
	return provider.Down
}

// Sessions returns every session opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Session is a mock anim.SessionHandle.
type Session struct {
	sessionID string
	fps       int
	clock     animation.AudioClock
	pose      animation.Weights
	dieAfter  int

	frames chan animation.Frame
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	chunks int
	seq    uint32
}

var _ anim.SessionHandle = (*Session)(nil)

// SendAudio emits one frame per chunk, then "crashes" after DieAfter chunks.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("mock anim: session is closed")
	default:
	}
	s.mu.Lock()
	s.chunks++
	n := s.chunks
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	if s.dieAfter > 0 && n > s.dieAfter {
		s.Close()
		return errors.New("mock anim: engine died")
	}

	var t int64
	if s.clock != nil {
		t = s.clock.NowMS()
	}
	f := animation.Frame{
		SessionID: s.sessionID,
		Seq:       seq,
		TAudioMS:  t,
		FPS:       s.fps,
		Weights:   s.pose,
	}
	select {
	case s.frames <- f:
	default:
	}
	return nil
}

// Frames returns the frame channel.
func (s *Session) Frames() <-chan animation.Frame { return s.frames }

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.frames)
	})
	return nil
}

// Chunks returns how many audio chunks were received.
func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}
