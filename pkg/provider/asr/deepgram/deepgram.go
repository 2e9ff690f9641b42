// Package deepgram provides a Deepgram-backed ASR provider using the
// Deepgram streaming WebSocket API. It implements the asr.Provider
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lumora-ai/chorus/pkg/provider"
	"github.com/lumora-ai/chorus/pkg/provider/asr"
)

const (
	listenEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"
	healthTimeout   = 2 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language code.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
}

var _ asr.Provider = (*Provider)(nil)

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming recognition session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan asr.Transcript, 64),
		finals:   make(chan asr.Transcript, 16),
		audio:    make(chan timedChunk, 256),
		done:     make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

// Health probes the Deepgram HTTP endpoint. Ready on any HTTP answer,
// Down when the service is unreachable.
func (p *Provider) Health(ctx context.Context) provider.Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.deepgram.com/v1/projects", nil)
	if err != nil {
		return provider.Down
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return provider.Down
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return provider.Degraded
	}
	return provider.Ready
}

func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(listenEndpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

type timedChunk struct {
	data []byte
	at   time.Time
}

// resultsMessage is the JSON structure of a Deepgram Results event.
type resultsMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session implementing asr.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan asr.Transcript
	finals   chan asr.Transcript
	audio    chan timedChunk

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// lastAudioAt tracks when the most recent audio was observed so that
	// transcripts can be stamped with the triggering time, not the parse time.
	mu          sync.Mutex
	lastAudioAt time.Time
}

// SendAudio queues a PCM16 chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	now := time.Now()
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- timedChunk{data: chunk, at: now}:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan asr.Transcript { return s.partials }

// Finals returns the channel of end-of-utterance transcripts.
func (s *session) Finals() <-chan asr.Transcript { return s.finals }

// Close terminates the session cleanly, asking Deepgram to flush first.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case c, ok := <-s.audio:
			if !ok {
				return
			}
			s.mu.Lock()
			s.lastAudioAt = c.at
			s.mu.Unlock()
			if err := s.conn.Write(ctx, websocket.MessageBinary, c.data); err != nil {
				return
			}
		case <-s.done:
			// Drain queued audio so Deepgram can finalise the utterance.
			for {
				select {
				case c, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, c.data)
				default:
					return
				}
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := s.parseResults(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
		}
	}
}

func (s *session) parseResults(data []byte) (asr.Transcript, bool) {
	var msg resultsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return asr.Transcript{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return asr.Transcript{}, false
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" && !msg.IsFinal {
		return asr.Transcript{}, false
	}
	s.mu.Lock()
	at := s.lastAudioAt
	s.mu.Unlock()
	return asr.Transcript{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
		ObservedAt: at,
	}, true
}
