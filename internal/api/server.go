// Package api serves the control plane and the realtime channels: session
// lifecycle over REST, SDP negotiation, an event stream, the binary audio
// media channel and the blendshape side channel over websockets, plus the
// Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumora-ai/chorus/internal/analytics"
	"github.com/lumora-ai/chorus/internal/backpressure"
	"github.com/lumora-ai/chorus/internal/config"
	"github.com/lumora-ai/chorus/internal/fault"
	"github.com/lumora-ai/chorus/internal/gateway"
	"github.com/lumora-ai/chorus/internal/health"
	"github.com/lumora-ai/chorus/internal/observe"
	"github.com/lumora-ai/chorus/internal/session"
	"github.com/lumora-ai/chorus/internal/turn"
	"github.com/lumora-ai/chorus/pkg/provider/anim"
	"github.com/lumora-ai/chorus/pkg/provider/asr"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
	"github.com/lumora-ai/chorus/pkg/provider/tts"
	"github.com/lumora-ai/chorus/pkg/provider/vad"
)

// Providers bundles the engine adapters the server wires into sessions.
type Providers struct {
	ASR        asr.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Anim       anim.Provider // nil disables animation
	Summarizer session.Summarizer

	// NewDetector builds a per-session endpoint detector. Nil uses the
	// energy detector with defaults.
	NewDetector func() vad.Detector
}

// Options wires a Server.
type Options struct {
	Config    config.Config
	Providers Providers

	Manager   *session.Manager
	Shed      *backpressure.Controller
	Transport gateway.PeerTransport
	Analytics analytics.Sink
	Health    *health.Handler

	// Pinned is the immutable prompt prefix given to every session.
	Pinned []llm.Message

	// Tools offered to the model.
	Tools []llm.ToolDefinition

	// Voice for synthesis.
	Voice tts.Voice

	Log     *slog.Logger
	Metrics *observe.Metrics
}

// Server is the HTTP surface of the orchestrator.
type Server struct {
	cfg       config.Config
	providers Providers
	manager   *session.Manager
	shed      *backpressure.Controller
	transport gateway.PeerTransport
	analytics analytics.Sink
	health    *health.Handler
	prefix    *session.PrefixCache

	events *EventHub
	frames *FrameHub

	pinned []llm.Message
	tools  []llm.ToolDefinition
	voice  tts.Voice

	log     *slog.Logger
	metrics *observe.Metrics
}

// NewServer creates a Server from the given wiring.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		providers: opts.Providers,
		manager:   opts.Manager,
		shed:      opts.Shed,
		transport: opts.Transport,
		analytics: opts.Analytics,
		health:    opts.Health,
		events:    NewEventHub(),
		frames:    NewFrameHub(),
		pinned:    opts.Pinned,
		tools:     opts.Tools,
		voice:     opts.Voice,
		log:       opts.Log,
		metrics:   opts.Metrics,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.transport == nil {
		s.transport = gateway.NewLoopback()
	}
	if s.analytics == nil {
		s.analytics = analytics.NewMemorySink()
	}
	if s.providers.NewDetector == nil {
		rate := s.cfg.Audio.SampleRate
		s.providers.NewDetector = func() vad.Detector {
			return vad.NewEnergy(vad.EnergyConfig{SampleRate: rate})
		}
	}
	if s.cfg.Context.PrefixCaching {
		s.prefix = session.NewPrefixCache(session.DefaultPrefixCacheSize)
	}
	return s
}

// Events returns the event hub, for publishing server-wide events
// (backpressure level changes).
func (s *Server) Events() *EventHub { return s.events }

// Handler builds the routed HTTP handler with request instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /sessions/{id}/sdp", s.handleSDP)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /sessions/{id}/media", s.handleMedia)
	mux.HandleFunc("GET /sessions/{id}/blendshapes", s.handleBlendshapes)

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return s.instrument(mux)
}

// instrument records request latency per method and route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", pattern),
			))
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Admit(r.Context(), s.shed.Gate(), s.buildSession)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("session created", "session", sess.ID())
	writeJSON(w, http.StatusCreated, sess.Stats())
}

// buildSession assembles a session from the configured providers. Runs
// under the manager's admission lock, so it must stay cheap.
func (s *Server) buildSession() (*session.Session, error) {
	pcfg := turn.PipelineConfig{
		LLM:                  s.providers.LLM,
		TTS:                  s.providers.TTS,
		Voice:                s.voice,
		SampleRate:           s.cfg.Audio.SampleRate,
		DropFinal:            s.cfg.Audio.DropFinal,
		AnimationFPS:         s.cfg.Animation.FPS,
		AnimationHold:        time.Duration(s.cfg.Animation.HoldMS) * time.Millisecond,
		AnimationFreeze:      time.Duration(s.cfg.Animation.SlowFreezeMS) * time.Millisecond,
		AnimationDropLag:     time.Duration(s.cfg.Animation.DropIfLagMS) * time.Millisecond,
		OnAnimLag:            s.shed.RecordAnimLag,
		PreFirstAudioTimeout: time.Duration(s.cfg.Latency.TurnPreFirstAudioTimeoutMS) * time.Millisecond,
	}
	if s.cfg.Animation.Enabled {
		pcfg.Anim = s.providers.Anim
	}

	sess, err := session.New(session.Options{
		Pinned:         s.pinned,
		Tools:          s.tools,
		Counter:        s.providers.LLM,
		MaxTokens:      s.cfg.Context.MaxTokens,
		RolloverTokens: s.cfg.Context.RolloverTokens,
		Summarizer:     s.providers.Summarizer,
		PrefixCache:    s.prefix,
		PipelineCfg:    pcfg,
		Log:            s.log,
		Metrics:        s.metrics,
	})
	if err != nil {
		return nil, err
	}
	id := sess.ID()
	sess.Machine().OnTransition = func(tr turn.Transition) {
		s.events.Publish(id, Event{
			Type:      EventStateChange,
			SessionID: id,
			At:        tr.At,
			Data: map[string]any{
				"from":  string(tr.From),
				"to":    string(tr.To),
				"cause": tr.Cause,
			},
		})
	}
	return sess, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.manager.Snapshot(),
	})
}

// sessionDetail is the GET /sessions/{id} body: live stats plus the turn
// state machine's transition history.
type sessionDetail struct {
	session.Stats
	History []transitionJSON `json:"history"`
}

type transitionJSON struct {
	From  turn.State `json:"from"`
	To    turn.State `json:"to"`
	Cause string     `json:"cause"`
	At    time.Time  `json:"at"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.Get(r.PathValue("id"))
	if sess == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	detail := sessionDetail{Stats: sess.Stats()}
	for _, tr := range sess.Machine().History() {
		detail.History = append(detail.History, transitionJSON{
			From:  tr.From,
			To:    tr.To,
			Cause: tr.Cause,
			At:    tr.At,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess := s.manager.Get(id)
	if sess == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	stats := sess.Stats()
	createdAt := sess.CreatedAt()
	s.manager.Close(r.Context(), id)
	s.transport.Release(id)

	rec := analytics.SessionRecord{
		SessionID: id,
		StartedAt: createdAt,
		EndedAt:   time.Now(),
		Turns:     int(stats.Turns),
		BargeIns:  int(stats.BargeIns),
		AvgTTFAMS: stats.AvgTTFAMS,
		MinTTFAMS: stats.MinTTFAMS,
		MaxTTFAMS: stats.MaxTTFAMS,
		Rollovers: stats.Generation,
	}
	if err := s.analytics.RecordSession(r.Context(), rec); err != nil {
		s.log.Warn("analytics session record failed", "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancelRequest is the optional body for the cancel endpoint.
type cancelRequest struct {
	// Reason is "user_stop" (default) or "barge_in".
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.Get(r.PathValue("id"))
	if sess == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body keeps the default
	}
	reason := turn.ReasonUserStop
	if req.Reason == "barge_in" {
		reason = turn.ReasonUserBargeIn
	}
	cancelled := sess.Cancel(reason, time.Now())
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

// sdpRequest carries the client's SDP offer.
type sdpRequest struct {
	Offer string `json:"offer"`
}

func (s *Server) handleSDP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.manager.Get(id) == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	var req sdpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	answer, err := s.transport.Negotiate(r.Context(), id, req.Offer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answer": answer})
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_s,omitempty"`
}

// writeError maps the fault taxonomy to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ae *fault.AdmissionError
	if errors.As(err, &ae) {
		retry := int(math.Ceil(ae.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:      ae.Reason,
			RetryAfter: retry,
		})
		return
	}
	var te *fault.TransportError
	if errors.As(err, &te) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: te.Error()})
		return
	}
	s.log.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
