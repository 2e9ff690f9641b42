package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumora-ai/chorus/internal/observe"
	"github.com/lumora-ai/chorus/internal/turn"
	"github.com/lumora-ai/chorus/pkg/animation"
	"github.com/lumora-ai/chorus/pkg/audio"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
)

// Warmup thresholds. A session's first turns pay one-time costs (prefix
// cache misses, connection warmup), so its latency samples are excluded
// from load-shedding decisions until it has warmed.
const (
	warmupTurns = 3
	warmupAge   = 60 * time.Second
)

// ShedEffects is the per-turn slice of the backpressure ladder the session
// applies when building a turn.
type ShedEffects struct {
	// MaxTokens caps the reply length; zero means no cap.
	MaxTokens int

	// AnimationEnabled gates the animation stage.
	AnimationEnabled bool

	// ToolsEnabled gates non-essential tools.
	ToolsEnabled bool
}

// NoShed applies no load shedding.
var NoShed = ShedEffects{AnimationEnabled: true, ToolsEnabled: true}

// Options wires a new session.
type Options struct {
	// Pinned is the immutable prompt prefix (persona, instructions).
	Pinned []llm.Message

	// Tools offered to the model. Non-essential tools are withheld when
	// tool refusal is active.
	Tools []llm.ToolDefinition

	// Counter estimates token cost; usually the LLM provider itself.
	Counter TokenCounter

	// MaxTokens and RolloverTokens bound the context buffer.
	MaxTokens      int
	RolloverTokens int

	// Summarizer condenses history on rollover.
	Summarizer Summarizer

	// PrefixCache assigns the shared prefix key. Nil disables prefix
	// caching.
	PrefixCache *PrefixCache

	// PipelineCfg is the turn pipeline wiring. SessionID, BinSessionID and
	// Sink are filled in by the session.
	PipelineCfg turn.PipelineConfig

	Log     *slog.Logger
	Metrics *observe.Metrics
}

// Stats is a point-in-time session snapshot for the control plane.
type Stats struct {
	ID            string        `json:"id"`
	State         turn.State    `json:"state"`
	CreatedAt     time.Time     `json:"created_at"`
	Turns         uint64        `json:"turns"`
	BargeIns      uint64        `json:"barge_ins"`
	LastTTFAMS    int64         `json:"last_ttfa_ms"`
	AvgTTFAMS     int64         `json:"avg_ttfa_ms"`
	MinTTFAMS     int64         `json:"min_ttfa_ms"`
	MaxTTFAMS     int64         `json:"max_ttfa_ms"`
	ContextTokens int           `json:"context_tokens"`
	Generation    uint64        `json:"context_generation"`
	Warm          bool          `json:"warm"`
	IdleFor       time.Duration `json:"-"`
}

// Session is one live conversation. It owns the state machine, the context
// buffer and the turn pipeline, and implements turn.Sink by forwarding to
// whatever media transport is currently attached.
type Session struct {
	id        string
	binID     [16]byte
	createdAt time.Time

	fsm       *turn.Machine
	buffer    *ContextBuffer
	signals   *turn.Signals
	clock     *audio.Clock
	pipeline  *turn.Pipeline
	summarize Summarizer
	prefixKey string
	tools     []llm.ToolDefinition

	log     *slog.Logger
	metrics *observe.Metrics

	sink atomic.Pointer[sinkBox]

	turnSeq atomic.Uint64
	turns   atomic.Uint64
	barges  atomic.Uint64
	ttfaMS  atomic.Int64

	mu           sync.Mutex
	lastActivity time.Time
	current      *turn.Token
	ttfa         ttfaAggregate

	closeOnce sync.Once
	done      chan struct{}
}

type sinkBox struct{ s turn.Sink }

// ttfaAggregate keeps running TTFA stats for the session snapshot. Only
// turns that produced audio contribute.
type ttfaAggregate struct {
	count int64
	sumMS int64
	minMS int64
	maxMS int64
}

func (a *ttfaAggregate) observe(ms int64) {
	if a.count == 0 || ms < a.minMS {
		a.minMS = ms
	}
	if ms > a.maxMS {
		a.maxMS = ms
	}
	a.count++
	a.sumMS += ms
}

func (a *ttfaAggregate) avg() int64 {
	if a.count == 0 {
		return 0
	}
	return a.sumMS / a.count
}

// New creates a session with a fresh identifier.
func New(opts Options) (*Session, error) {
	id := uuid.New()
	s := &Session{
		id:        id.String(),
		binID:     id,
		createdAt: time.Now(),
		fsm:       turn.NewMachine(),
		signals:   &turn.Signals{},
		clock:     &audio.Clock{},
		summarize: opts.Summarizer,
		tools:     opts.Tools,
		log:       opts.Log,
		metrics:   opts.Metrics,
		done:      make(chan struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("session", s.id)
	s.lastActivity = s.createdAt

	s.buffer = NewContextBuffer(ContextBufferConfig{
		MaxTokens:      opts.MaxTokens,
		RolloverTokens: opts.RolloverTokens,
		Counter:        opts.Counter,
	})
	if len(opts.Pinned) > 0 {
		if err := s.buffer.SetPinned(opts.Pinned); err != nil {
			return nil, err
		}
	}
	if opts.PrefixCache != nil && len(opts.Pinned) > 0 {
		s.prefixKey = opts.PrefixCache.Key(opts.Pinned)
	}

	pcfg := opts.PipelineCfg
	pcfg.SessionID = s.id
	pcfg.BinSessionID = s.binID
	pcfg.Clock = s.clock
	pcfg.Sink = s
	pcfg.Log = s.log
	pcfg.Metrics = s.metrics
	s.pipeline = turn.NewPipeline(pcfg, s.fsm)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Clock returns the session audio timeline. It starts at 0 at session open
// and advances only on packet emission, across every turn the session runs.
func (s *Session) Clock() *audio.Clock { return s.clock }

// Machine returns the state machine (for event subscriptions).
func (s *Session) Machine() *turn.Machine { return s.fsm }

// State returns the current conversation state.
func (s *Session) State() turn.State { return s.fsm.State() }

// Done returns a channel closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// AttachSink installs the media transport. Output produced while no sink is
// attached is dropped.
func (s *Session) AttachSink(sink turn.Sink) {
	if sink == nil {
		s.sink.Store(nil)
		return
	}
	s.sink.Store(&sinkBox{s: sink})
}

// SendPacket implements turn.Sink.
func (s *Session) SendPacket(pkt audio.Packet) error {
	if box := s.sink.Load(); box != nil {
		return box.s.SendPacket(pkt)
	}
	return nil
}

// SendFrame implements turn.Sink.
func (s *Session) SendFrame(f animation.Frame) error {
	if box := s.sink.Load(); box != nil {
		return box.s.SendFrame(f)
	}
	return nil
}

// Touch records client activity for idle sweeping.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor returns how long the session has been without client activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Warm reports whether the session's latency samples should count toward
// load-shedding decisions.
func (s *Session) Warm() bool {
	return s.turns.Load() >= warmupTurns || time.Since(s.createdAt) >= warmupAge
}

// StartListening moves an idle session into the conversation.
func (s *Session) StartListening() error {
	if s.fsm.State() != turn.StateIdle {
		return nil
	}
	return s.fsm.Transition(turn.StateListening, "audio_started")
}

// Cancel fires the current turn's token. Reports whether a turn was
// actually cancelled.
func (s *Session) Cancel(reason turn.CancelReason, at time.Time) bool {
	s.mu.Lock()
	tok := s.current
	s.mu.Unlock()
	if tok == nil {
		return false
	}
	if tok.Cancel(reason, at) {
		if reason == turn.ReasonUserBargeIn {
			s.barges.Add(1)
		}
		return true
	}
	return false
}

// BargeIn cancels the current turn if the agent is speaking. The event time
// is when the triggering audio was observed.
func (s *Session) BargeIn(at time.Time) bool {
	if s.fsm.State() != turn.StateSpeaking {
		return false
	}
	return s.Cancel(turn.ReasonUserBargeIn, at)
}

// RunTurn executes one conversational turn for the given final user text.
// It blocks until the turn finishes. A turn that fails before any audio
// plays the spoken fallback and returns the underlying error.
func (s *Session) RunTurn(ctx context.Context, userText string, endpointAt time.Time, shed ShedEffects) (turn.Result, error) {
	select {
	case <-s.done:
		return turn.Result{Outcome: turn.OutcomeError}, fmt.Errorf("session: %s is closed", s.id)
	default:
	}
	s.Touch()
	s.signals.RecordUserText(userText)

	if s.buffer.NeedsRollover() {
		if err := s.rollover(ctx); err != nil {
			s.metrics.RecordTurn(ctx, string(turn.OutcomeError))
			s.playFallback(ctx)
			return turn.Result{Outcome: turn.OutcomeError}, err
		}
	}
	if err := s.buffer.Append(llm.Message{Role: "user", Content: userText}); err != nil {
		s.metrics.RecordTurn(ctx, string(turn.OutcomeError))
		s.playFallback(ctx)
		return turn.Result{Outcome: turn.OutcomeError}, err
	}

	messages := s.buffer.Messages()
	if suffix := s.signals.Hint().SystemSuffix(); suffix != "" {
		messages = append(messages, llm.Message{Role: "system", Content: suffix})
	}

	tok := turn.NewToken(s.turnSeq.Add(1))
	s.mu.Lock()
	s.current = tok
	s.mu.Unlock()

	start := time.Now()
	res, err := s.pipeline.Run(ctx, turn.Input{
		TurnID:           tok.TurnID(),
		EndpointAt:       endpointAt,
		Token:            tok,
		Messages:         messages,
		Tools:            s.turnTools(shed),
		MaxTokens:        shed.MaxTokens,
		AnimationEnabled: shed.AnimationEnabled,
		PrefixCacheKey:   s.prefixKey,
	})

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if err != nil {
		s.playFallback(ctx)
		return res, err
	}

	if res.AssistantText != "" {
		if aerr := s.buffer.Append(llm.Message{Role: "assistant", Content: res.AssistantText}); aerr != nil {
			s.log.Warn("assistant reply did not fit the context window", "err", aerr)
		}
	}
	s.turns.Add(1)
	s.ttfaMS.Store(res.TTFA.Milliseconds())
	if res.TTFA > 0 {
		s.mu.Lock()
		s.ttfa.observe(res.TTFA.Milliseconds())
		s.mu.Unlock()
	}
	s.signals.RecordTurn(res.Outcome == turn.OutcomeBargeIn, time.Since(start).Milliseconds())
	return res, nil
}

// rollover runs the context summarization with metrics.
func (s *Session) rollover(ctx context.Context) error {
	start := time.Now()
	err := s.buffer.Rollover(ctx, s.summarize)
	s.metrics.SummarizationDuration.Record(ctx,
		float64(time.Since(start).Microseconds())/1000)
	status := "ok"
	if err != nil {
		status = "failed"
	}
	s.metrics.ContextRollovers.Add(ctx, 1, metricAttr("status", status))
	if err != nil {
		s.log.Error("context rollover failed, turn rejected", "err", err,
			"tokens", s.buffer.TotalTokens())
		return err
	}
	s.log.Info("context rolled over", "tokens", s.buffer.TotalTokens(),
		"generation", s.buffer.Generation())
	return nil
}

func (s *Session) playFallback(ctx context.Context) {
	if err := s.pipeline.PlayFallback(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("fallback clip failed", "err", err)
	}
}

// turnTools returns the tool set for one turn under the given shedding.
func (s *Session) turnTools(shed ShedEffects) []llm.ToolDefinition {
	if shed.ToolsEnabled {
		return s.tools
	}
	var essential []llm.ToolDefinition
	for _, t := range s.tools {
		if t.Essential {
			essential = append(essential, t)
		}
	}
	return essential
}

// Stats returns a snapshot.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	agg := s.ttfa
	s.mu.Unlock()
	return Stats{
		ID:            s.id,
		State:         s.fsm.State(),
		CreatedAt:     s.createdAt,
		Turns:         s.turns.Load(),
		BargeIns:      s.barges.Load(),
		LastTTFAMS:    s.ttfaMS.Load(),
		AvgTTFAMS:     agg.avg(),
		MinTTFAMS:     agg.minMS,
		MaxTTFAMS:     agg.maxMS,
		ContextTokens: s.buffer.TotalTokens(),
		Generation:    s.buffer.Generation(),
		Warm:          s.Warm(),
		IdleFor:       s.IdleFor(time.Now()),
	}
}

// Close terminates the session. Idempotent. A speaking turn is cancelled
// with USER_STOP before the machine returns to IDLE.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Cancel(turn.ReasonUserStop, time.Now())
		close(s.done)
		if s.fsm.State() != turn.StateIdle {
			if err := s.fsm.Transition(turn.StateIdle, "session_closed"); err != nil {
				s.log.Warn("close transition refused", "err", err)
			}
		}
		s.log.Info("session closed", "turns", s.turns.Load())
	})
}

func metricAttr(k, v string) metric.AddOption {
	return metric.WithAttributes(attribute.String(k, v))
}
