// Command chorusd runs the chorus realtime conversation server: session
// admission, the turn pipeline, the media and blendshape channels, and the
// control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumora-ai/chorus/internal/analytics"
	"github.com/lumora-ai/chorus/internal/api"
	"github.com/lumora-ai/chorus/internal/backpressure"
	"github.com/lumora-ai/chorus/internal/config"
	"github.com/lumora-ai/chorus/internal/gateway"
	"github.com/lumora-ai/chorus/internal/health"
	"github.com/lumora-ai/chorus/internal/observe"
	"github.com/lumora-ai/chorus/internal/session"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
	"github.com/lumora-ai/chorus/pkg/provider/tts"
)

// defaultSystemPrompt is the pinned prefix used when the config does not
// supply one.
const defaultSystemPrompt = "You are a helpful realtime voice assistant. " +
	"Answer in short, natural sentences that sound good spoken aloud."

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chorusd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chorusd: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("chorusd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "chorus",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	engines, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	var sink analytics.Sink
	if cfg.Analytics.PostgresDSN != "" {
		sink, err = analytics.NewPostgresSink(ctx, cfg.Analytics.PostgresDSN)
		if err != nil {
			slog.Error("analytics database unavailable", "err", err)
			return 1
		}
		slog.Info("analytics recording to postgres")
	} else {
		sink = analytics.NewMemorySink()
	}
	defer sink.Close(context.Background())

	manager := session.NewManager(session.ManagerConfig{
		MaxConcurrent: cfg.Session.MaxConcurrent,
		IdleTimeout:   time.Duration(cfg.Session.IdleTimeoutS) * time.Second,
		QueueDeadline: time.Duration(cfg.Session.QueueDeadlineMS) * time.Millisecond,
	}, logger, metrics)

	// The server is created after the controller but the degraded-event
	// broadcast needs it; the variable is bound before Run starts.
	var srv *api.Server
	shed := backpressure.NewController(backpressure.Config{
		MaxSessions:    cfg.Session.MaxConcurrent,
		ActiveSessions: manager.Len,
		OnChange: func(from, to backpressure.Level) {
			if srv != nil {
				srv.Events().Broadcast(api.Event{
					Type: api.EventDegraded,
					At:   time.Now(),
					Data: map[string]any{"from": from.String(), "level": to.String()},
				})
			}
			rec := analytics.EventRecord{At: time.Now(), Kind: "degraded", Detail: to.String()}
			if err := sink.RecordEvent(context.WithoutCancel(ctx), rec); err != nil {
				slog.Warn("analytics event record failed", "err", err)
			}
		},
		Log:     logger,
		Metrics: metrics,
	})

	srv = api.NewServer(api.Options{
		Config: cfg,
		Providers: api.Providers{
			ASR:         engines.asr,
			LLM:         engines.llm,
			TTS:         engines.tts,
			Anim:        engines.anim,
			Summarizer:  engines.summarizer,
			NewDetector: engines.newDetector,
		},
		Manager:   manager,
		Shed:      shed,
		Transport: gateway.NewWebRTC(),
		Analytics: sink,
		Health:    health.New(engines.checks...),
		Pinned:    pinnedPrompt(cfg),
		Tools:     builtinTools(),
		Voice:     voiceFrom(cfg),
		Log:       logger,
		Metrics:   metrics,
	})

	go manager.Run(ctx)
	go shed.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// pinnedPrompt builds the immutable prompt prefix for every session.
func pinnedPrompt(cfg config.Config) []llm.Message {
	prompt := defaultSystemPrompt
	if p := optString(cfg.Providers.LLM.Options, "system_prompt"); p != "" {
		prompt = p
	}
	return []llm.Message{{Role: "system", Content: prompt}}
}

// builtinTools returns the tools every session offers. end_call is
// essential: it survives every load-shedding level.
func builtinTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "end_call",
			Description: "End the conversation politely when the user is done.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Essential:   true,
		},
	}
}

// voiceFrom reads the synthesis voice from the TTS provider options.
func voiceFrom(cfg config.Config) tts.Voice {
	return tts.Voice{
		ID:   optString(cfg.Providers.TTS.Options, "voice_id"),
		Name: optString(cfg.Providers.TTS.Options, "voice_name"),
	}
}
