package main

import (
	"fmt"
	"strconv"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/lumora-ai/chorus/internal/config"
	"github.com/lumora-ai/chorus/internal/health"
	"github.com/lumora-ai/chorus/internal/session"
	"github.com/lumora-ai/chorus/pkg/provider/anim"
	"github.com/lumora-ai/chorus/pkg/provider/anim/a2f"
	"github.com/lumora-ai/chorus/pkg/provider/asr"
	"github.com/lumora-ai/chorus/pkg/provider/asr/deepgram"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
	"github.com/lumora-ai/chorus/pkg/provider/llm/anyllm"
	"github.com/lumora-ai/chorus/pkg/provider/llm/openai"
	"github.com/lumora-ai/chorus/pkg/provider/tts"
	"github.com/lumora-ai/chorus/pkg/provider/tts/elevenlabs"
	"github.com/lumora-ai/chorus/pkg/provider/vad"
)

// engineSet bundles the constructed engine adapters plus their readiness
// checks.
type engineSet struct {
	asr         asr.Provider
	llm         llm.Provider
	summarizer  session.Summarizer
	tts         tts.Provider
	anim        anim.Provider
	newDetector func() vad.Detector
	checks      []health.Check
}

// buildProviders constructs every engine adapter named in the config.
func buildProviders(cfg config.Config) (*engineSet, error) {
	set := &engineSet{}

	switch entry := cfg.Providers.ASR; entry.Name {
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		set.asr = p
		set.checks = append(set.checks, health.ProviderCheck("asr", p))
	case "":
		return nil, fmt.Errorf("providers.asr.name is required")
	default:
		return nil, fmt.Errorf("unknown ASR provider %q", entry.Name)
	}

	primary, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	set.llm = primary
	set.checks = append(set.checks, health.ProviderCheck("llm", primary))

	// The summarizer runs on its own channel so rollover never competes
	// with live turns; unset, it shares the primary model.
	summaryBackend := primary
	if cfg.Providers.Summarizer.Name != "" {
		summaryBackend, err = buildLLM(cfg.Providers.Summarizer)
		if err != nil {
			return nil, fmt.Errorf("summarizer: %w", err)
		}
	}
	set.summarizer = &session.LLMSummarizer{
		Provider: summaryBackend,
		Deadline: time.Duration(cfg.Context.SummaryDeadlineMS) * time.Millisecond,
	}

	switch entry := cfg.Providers.TTS; entry.Name {
	case "elevenlabs":
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		p, err := elevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		set.tts = p
		set.checks = append(set.checks, health.ProviderCheck("tts", p))
	case "":
		return nil, fmt.Errorf("providers.tts.name is required")
	default:
		return nil, fmt.Errorf("unknown TTS provider %q", entry.Name)
	}

	if cfg.Animation.Enabled {
		switch entry := cfg.Providers.Animation; entry.Name {
		case "a2f":
			var opts []a2f.Option
			if entry.APIKey != "" {
				opts = append(opts, a2f.WithAPIKey(entry.APIKey))
			}
			p, err := a2f.New(entry.BaseURL, opts...)
			if err != nil {
				return nil, err
			}
			set.anim = p
			set.checks = append(set.checks, health.ProviderCheck("animation", p))
		case "":
			// Animation enabled with no engine configured: sessions run
			// audio-only.
		default:
			return nil, fmt.Errorf("unknown animation provider %q", entry.Name)
		}
	}

	set.newDetector, err = detectorFactory(cfg)
	if err != nil {
		return nil, err
	}
	return set, nil
}

// buildLLM constructs a language model adapter. "openai" uses the native
// SDK; every other name goes through the any-llm multi-provider bridge.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "":
		return nil, fmt.Errorf("providers.llm.name is required")
	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// detectorFactory returns a per-session endpoint detector builder.
func detectorFactory(cfg config.Config) (func() vad.Detector, error) {
	entry := cfg.Providers.ASR // VAD options ride on the ASR entry
	ecfg := vad.EnergyConfig{SampleRate: cfg.Audio.SampleRate}
	if v := optString(entry.Options, "vad_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("providers.asr.options.vad_threshold: %w", err)
		}
		ecfg.Threshold = f
	}
	if v := optString(entry.Options, "vad_start_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("providers.asr.options.vad_start_ms: %w", err)
		}
		ecfg.StartMS = n
	}
	if v := optString(entry.Options, "vad_hangover_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("providers.asr.options.vad_hangover_ms: %w", err)
		}
		ecfg.HangoverMS = n
	}
	return func() vad.Detector { return vad.NewEnergy(ecfg) }, nil
}

func optString(m map[string]string, key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}
