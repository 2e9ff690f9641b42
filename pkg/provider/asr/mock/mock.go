// Package mock provides a scriptable in-memory asr.Provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lumora-ai/chorus/pkg/provider"
	"github.com/lumora-ai/chorus/pkg/provider/asr"
)

// Provider is a mock asr.Provider. Scripted transcripts are emitted on a
// fixed schedule after the session opens, independent of audio input.
type Provider struct {
	// Script is the sequence of transcripts each session emits.
	Script []asr.Transcript

	// Interval is the delay between scripted transcripts. Defaults to 1 ms.
	Interval time.Duration

	// StartErr, when non-nil, is returned by StartStream.
	StartErr error

	// Healthy controls the Health result.
	Healthy bool

	mu       sync.Mutex
	sessions []*Session
}

var _ asr.Provider = (*Provider)(nil)

// StartStream opens a mock session that replays the script.
func (p *Provider) StartStream(ctx context.Context, _ asr.StreamConfig) (asr.SessionHandle, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		partials: make(chan asr.Transcript, 64),
		finals:   make(chan asr.Transcript, 16),
		done:     make(chan struct{}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	interval := p.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	go s.replay(ctx, p.Script, interval)
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

// Session is a mock asr.SessionHandle recording received audio.
type Session struct {
	partials chan asr.Transcript
	finals   chan asr.Transcript
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	audio [][]byte
}

var _ asr.SessionHandle = (*Session)(nil)

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("mock asr: session is closed")
	default:
	}
	s.mu.Lock()
	s.audio = append(s.audio, chunk)
	s.mu.Unlock()
	return nil
}

// AudioChunks returns every chunk received so far.
func (s *Session) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Partials returns the interim transcript channel.
func (s *Session) Partials() <-chan asr.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan asr.Transcript { return s.finals }

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *Session) replay(ctx context.Context, script []asr.Transcript, interval time.Duration) {
	defer close(s.partials)
	defer close(s.finals)
	for _, t := range script {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(interval):
		}
		if t.ObservedAt.IsZero() {
			t.ObservedAt = time.Now()
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
