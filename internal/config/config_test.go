package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/lumora-ai/chorus/internal/fault"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should load defaults: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Context.MaxTokens != 8192 || cfg.Context.RolloverTokens != 7500 {
		t.Errorf("default context = %+v", cfg.Context)
	}
	if cfg.Audio.PacketMS != 20 || cfg.Audio.OverlapMS != 5 {
		t.Errorf("default audio framing = %+v", cfg.Audio)
	}
	if cfg.Latency.TurnPreFirstAudioTimeoutMS != 500 {
		t.Errorf("default pre-first-audio timeout = %d", cfg.Latency.TurnPreFirstAudioTimeoutMS)
	}
}

func TestLoadOverrides(t *testing.T) {
	doc := `
server:
  listen_addr: ":9000"
  log_level: debug
session:
  max_concurrent: 4
providers:
  llm:
    name: openai
    model: gpt-4o-mini
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != "debug" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Session.MaxConcurrent != 4 {
		t.Errorf("max_concurrent = %d, want 4", cfg.Session.MaxConcurrent)
	}
	// Unset keys keep their defaults.
	if cfg.Session.IdleTimeoutS != 300 {
		t.Errorf("idle_timeout_s = %d, want default 300", cfg.Session.IdleTimeoutS)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm model = %q", cfg.Providers.LLM.Model)
	}
}

func TestLoadAPIKeyFromEnv(t *testing.T) {
	t.Setenv("CHORUS_TEST_KEY", "sk-test-123")
	doc := `
providers:
  tts:
    name: elevenlabs
    api_key: ${CHORUS_TEST_KEY}
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.TTS.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want expanded value", cfg.Providers.TTS.APIKey)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("serverr:\n  listen_addr: ':1'\n")); err == nil {
		t.Fatal("misspelled key should be rejected")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "server.log_level"},
		{"zero sessions", func(c *Config) { c.Session.MaxConcurrent = 0 }, "session.max_concurrent"},
		{"context over cap", func(c *Config) { c.Context.MaxTokens = 9000 }, "context.max_tokens"},
		{"rollover above cap", func(c *Config) { c.Context.RolloverTokens = 8192 }, "context.rollover_tokens"},
		{"packet duration pinned", func(c *Config) { c.Audio.PacketMS = 40 }, "audio.packet_ms"},
		{"overlap pinned", func(c *Config) { c.Audio.OverlapMS = 10 }, "audio.overlap_ms"},
		{"odd sample rate", func(c *Config) { c.Audio.SampleRate = 11025 }, "audio.sample_rate"},
		{"fps too low", func(c *Config) { c.Animation.FPS = 24 }, "animation.fps"},
		{"fps too high", func(c *Config) { c.Animation.FPS = 120 }, "animation.fps"},
		{"zero ttfa", func(c *Config) { c.Latency.TTFATargetMS = 0 }, "latency.ttfa_target_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ce *fault.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error type = %T, want *fault.ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	for lvl, want := range map[string]string{
		"debug": "DEBUG", "info": "INFO", "warn": "WARN", "error": "ERROR",
	} {
		sc := ServerConfig{LogLevel: lvl}
		if got := sc.SlogLevel().String(); got != want {
			t.Errorf("SlogLevel(%q) = %s, want %s", lvl, got, want)
		}
	}
}
