// Package a2f provides an animation provider backed by an Audio2Face-style
// streaming inference server. The server speaks a small WebSocket protocol:
// a JSON configuration message, binary PCM16 audio in, JSON blendshape
// frames out. It implements the anim.Provider interface.
package a2f

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lumora-ai/chorus/pkg/animation"
	"github.com/lumora-ai/chorus/pkg/provider"
	"github.com/lumora-ai/chorus/pkg/provider/anim"
)

const healthTimeout = 2 * time.Second

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithAPIKey sets a bearer token sent on the WebSocket handshake.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// Provider implements anim.Provider against an Audio2Face-style server.
type Provider struct {
	baseURL string
	apiKey  string
}

var _ anim.Provider = (*Provider)(nil)

// New creates a Provider for the inference server at baseURL
// (e.g. "ws://a2f.internal:8021").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("a2f: baseURL must not be empty")
	}
	p := &Provider{baseURL: strings.TrimRight(baseURL, "/")}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// configMessage is the first message on a new stream.
type configMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	FPS        int    `json:"fps"`
}

// frameMessage is a server message carrying one inferred frame.
type frameMessage struct {
	Type        string             `json:"type"`
	Blendshapes map[string]float64 `json:"blendshapes"`
}

// StartStream opens an animation inference session.
func (p *Provider) StartStream(ctx context.Context, cfg anim.StreamConfig) (anim.SessionHandle, error) {
	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Bearer "+p.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, p.baseURL+"/v1/stream", &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("a2f: dial: %w", err)
	}

	fps := cfg.FPS
	if fps == 0 {
		fps = animation.DefaultFPS
	}
	confBytes, _ := json.Marshal(configMessage{
		Type:       "config",
		SampleRate: cfg.SampleRate,
		FPS:        fps,
	})
	if err := conn.Write(ctx, websocket.MessageText, confBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "config failed")
		return nil, fmt.Errorf("a2f: send config: %w", err)
	}

	sess := &session{
		conn:      conn,
		sessionID: cfg.SessionID,
		fps:       fps,
		clock:     cfg.Clock,
		frames:    make(chan animation.Frame, 16),
		audio:     make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

// Health probes the server's HTTP health endpoint.
func (p *Provider) Health(ctx context.Context) provider.Health {
	httpURL := p.baseURL
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	if _, err := url.Parse(httpURL); err != nil {
		return provider.Down
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL+"/healthz", nil)
	if err != nil {
		return provider.Down
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return provider.Down
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.Degraded
	}
	return provider.Ready
}

// ---- session ----

// session is one live inference stream implementing anim.SessionHandle.
type session struct {
	conn      *websocket.Conn
	sessionID string
	fps       int
	clock     animation.AudioClock
	frames    chan animation.Frame
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	seq  uint32
}

// SendAudio queues a PCM16 chunk for inference. The queue drops on overflow
// rather than blocking the audio path.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("a2f: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
	default:
		// Engine is behind; dropping is preferable to backpressuring audio.
	}
	return nil
}

// Frames returns the inferred blendshape frame channel.
func (s *session) Frames() <-chan animation.Frame { return s.frames }

// Close terminates the stream. Idempotent.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var fm frameMessage
		if err := json.Unmarshal(msg, &fm); err != nil || fm.Type != "frame" {
			continue
		}

		var w animation.Weights
		for name, v := range fm.Blendshapes {
			if i := animation.ChannelIndex(name); i >= 0 {
				w[i] = float32(v)
			}
		}
		var t int64
		if s.clock != nil {
			t = s.clock.NowMS()
		}
		f := animation.Frame{
			SessionID: s.sessionID,
			Seq:       s.seq,
			TAudioMS:  t,
			FPS:       s.fps,
			Weights:   w.Sanitize(),
		}
		select {
		case s.frames <- f:
			s.seq++
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
