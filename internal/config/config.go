// Package config loads and validates the chorus configuration from a YAML
// file. All durations and sizes use explicit-unit field names (…MS, …S,
// …Tokens) so the file is unambiguous without comments.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lumora-ai/chorus/internal/fault"
)

// Hard protocol constants. The packet framing is fixed; configuration may
// not change it.
const (
	// PacketMS is the audio packet duration.
	PacketMS = 20

	// OverlapMS is the cross-fade overlap carried by each packet.
	OverlapMS = 5

	// MaxContextTokens is the upper bound for the LLM context window cap.
	MaxContextTokens = 8192
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Context   ContextConfig   `yaml:"context"`
	Audio     AudioConfig     `yaml:"audio"`
	Animation AnimationConfig `yaml:"animation"`
	Latency   LatencyConfig   `yaml:"latency"`
	Providers ProvidersConfig `yaml:"providers"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// ServerConfig configures the HTTP listener and logging.
type ServerConfig struct {
	// ListenAddr is the address for the control-plane and media server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// SessionConfig configures admission control.
type SessionConfig struct {
	// MaxConcurrent is the hard cap on live sessions.
	MaxConcurrent int `yaml:"max_concurrent"`

	// IdleTimeoutS closes sessions with no client activity for this long.
	IdleTimeoutS int `yaml:"idle_timeout_s"`

	// QueueDeadlineMS bounds how long a session create may wait in the
	// admission queue under load before being rejected.
	QueueDeadlineMS int `yaml:"queue_deadline_ms"`
}

// ContextConfig configures the LLM conversation buffer.
type ContextConfig struct {
	// MaxTokens caps the context window. At most 8192.
	MaxTokens int `yaml:"max_tokens"`

	// RolloverTokens triggers summarization when the buffer reaches this
	// size. Must be below MaxTokens.
	RolloverTokens int `yaml:"rollover_tokens"`

	// PrefixCaching enables the shared system-prompt prefix cache.
	PrefixCaching bool `yaml:"prefix_caching"`

	// SummaryDeadlineMS bounds a single summarization call.
	SummaryDeadlineMS int `yaml:"summary_deadline_ms"`
}

// AudioConfig configures the packetizer.
type AudioConfig struct {
	// PacketMS must be 20. Present in the file so the framing is visible;
	// any other value is rejected.
	PacketMS int `yaml:"packet_ms"`

	// OverlapMS must be 5.
	OverlapMS int `yaml:"overlap_ms"`

	// SampleRate is the PCM sample rate for synthesis output.
	SampleRate int `yaml:"sample_rate"`

	// DropFinal drops a stream-final partial frame instead of padding it.
	DropFinal bool `yaml:"drop_final"`
}

// AnimationConfig configures the blendshape stream.
type AnimationConfig struct {
	// Enabled turns the animation stage on.
	Enabled bool `yaml:"enabled"`

	// FPS is the frame cadence, 30 to 60.
	FPS int `yaml:"fps"`

	// DropIfLagMS drops animation frames older than this behind the audio
	// clock instead of delaying audio.
	DropIfLagMS int `yaml:"drop_if_lag_ms"`

	// HoldMS is how long the last pose is held before the slow freeze.
	HoldMS int `yaml:"hold_ms"`

	// SlowFreezeMS is the ease-to-neutral duration after the hold.
	SlowFreezeMS int `yaml:"slow_freeze_ms"`
}

// LatencyConfig holds the latency contracts the runtime enforces or reports
// against.
type LatencyConfig struct {
	// TTFATargetMS is the time-to-first-audio target.
	TTFATargetMS int `yaml:"ttfa_target_ms"`

	// BargeInCancelMS is the total barge-in cancellation budget.
	BargeInCancelMS int `yaml:"barge_in_cancel_ms"`

	// TurnPreFirstAudioTimeoutMS abandons a turn that produced no audio
	// after endpoint detection within this budget.
	TurnPreFirstAudioTimeoutMS int `yaml:"turn_pre_first_audio_timeout_ms"`
}

// ProviderEntry configures one engine adapter.
type ProviderEntry struct {
	// Name selects the adapter ("deepgram", "openai", "elevenlabs",
	// "a2f", "energy", or an any-llm backend name for the summarizer).
	Name string `yaml:"name"`

	// APIKey authenticates against the engine. May come from the
	// environment via ${VAR} expansion.
	APIKey string `yaml:"api_key"`

	// Model selects the engine model where applicable.
	Model string `yaml:"model"`

	// BaseURL overrides the engine endpoint.
	BaseURL string `yaml:"base_url"`

	// Options carries adapter-specific settings.
	Options map[string]string `yaml:"options"`
}

// ProvidersConfig selects the engine adapters for each pipeline stage.
type ProvidersConfig struct {
	ASR        ProviderEntry `yaml:"asr"`
	LLM        ProviderEntry `yaml:"llm"`
	Summarizer ProviderEntry `yaml:"summarizer"`
	TTS        ProviderEntry `yaml:"tts"`
	Animation  ProviderEntry `yaml:"animation"`
}

// AnalyticsConfig configures the session analytics sink.
type AnalyticsConfig struct {
	// PostgresDSN enables the Postgres sink when non-empty. Empty keeps
	// analytics in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns a Config with production defaults. Load applies these
// before unmarshalling, so absent keys keep their default.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   "info",
		},
		Session: SessionConfig{
			MaxConcurrent:   32,
			IdleTimeoutS:    300,
			QueueDeadlineMS: 2000,
		},
		Context: ContextConfig{
			MaxTokens:         8192,
			RolloverTokens:    7500,
			PrefixCaching:     true,
			SummaryDeadlineMS: 5000,
		},
		Audio: AudioConfig{
			PacketMS:   PacketMS,
			OverlapMS:  OverlapMS,
			SampleRate: 24000,
		},
		Animation: AnimationConfig{
			Enabled:      true,
			FPS:          30,
			DropIfLagMS:  120,
			HoldMS:       100,
			SlowFreezeMS: 150,
		},
		Latency: LatencyConfig{
			TTFATargetMS:               250,
			BargeInCancelMS:            150,
			TurnPreFirstAudioTimeoutMS: 500,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses and validates YAML configuration from r.
func LoadFromReader(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} references in API keys and the analytics DSN.
func (c *Config) expandEnv() {
	for _, e := range []*ProviderEntry{
		&c.Providers.ASR, &c.Providers.LLM, &c.Providers.Summarizer,
		&c.Providers.TTS, &c.Providers.Animation,
	} {
		e.APIKey = os.ExpandEnv(e.APIKey)
	}
	c.Analytics.PostgresDSN = os.ExpandEnv(c.Analytics.PostgresDSN)
}

// Validate checks cross-field constraints. Returns a *fault.ConfigError
// naming the first offending field.
func (c *Config) Validate() error {
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fault.NewConfigError("server.log_level", "must be one of debug, info, warn, error")
	}
	if c.Session.MaxConcurrent < 1 {
		return fault.NewConfigError("session.max_concurrent", "must be at least 1")
	}
	if c.Session.IdleTimeoutS < 1 {
		return fault.NewConfigError("session.idle_timeout_s", "must be at least 1")
	}
	if c.Session.QueueDeadlineMS < 0 {
		return fault.NewConfigError("session.queue_deadline_ms", "must not be negative")
	}
	if c.Context.MaxTokens < 1 || c.Context.MaxTokens > MaxContextTokens {
		return fault.NewConfigError("context.max_tokens",
			fmt.Sprintf("must be between 1 and %d", MaxContextTokens))
	}
	if c.Context.RolloverTokens < 1 || c.Context.RolloverTokens >= c.Context.MaxTokens {
		return fault.NewConfigError("context.rollover_tokens", "must be below context.max_tokens")
	}
	if c.Context.SummaryDeadlineMS < 1 {
		return fault.NewConfigError("context.summary_deadline_ms", "must be positive")
	}
	if c.Audio.PacketMS != PacketMS {
		return fault.NewConfigError("audio.packet_ms",
			fmt.Sprintf("packet framing is fixed at %d ms", PacketMS))
	}
	if c.Audio.OverlapMS != OverlapMS {
		return fault.NewConfigError("audio.overlap_ms",
			fmt.Sprintf("packet overlap is fixed at %d ms", OverlapMS))
	}
	switch c.Audio.SampleRate {
	case 8000, 16000, 24000, 44100, 48000:
	default:
		return fault.NewConfigError("audio.sample_rate", "unsupported sample rate")
	}
	if c.Animation.FPS < 30 || c.Animation.FPS > 60 {
		return fault.NewConfigError("animation.fps", "must be between 30 and 60")
	}
	if c.Animation.DropIfLagMS < 0 {
		return fault.NewConfigError("animation.drop_if_lag_ms", "must not be negative")
	}
	if c.Animation.HoldMS < 0 {
		return fault.NewConfigError("animation.hold_ms", "must not be negative")
	}
	if c.Animation.SlowFreezeMS < 1 {
		return fault.NewConfigError("animation.slow_freeze_ms", "must be positive")
	}
	if c.Latency.TTFATargetMS < 1 {
		return fault.NewConfigError("latency.ttfa_target_ms", "must be positive")
	}
	if c.Latency.BargeInCancelMS < 1 {
		return fault.NewConfigError("latency.barge_in_cancel_ms", "must be positive")
	}
	if c.Latency.TurnPreFirstAudioTimeoutMS < 1 {
		return fault.NewConfigError("latency.turn_pre_first_audio_timeout_ms", "must be positive")
	}
	return nil
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *ServerConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
