package banter

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/banter/pkg/answer"
	"github.com/harunnryd/banter/pkg/configutil"
	"github.com/harunnryd/banter/pkg/providers/deepgram"
	"github.com/harunnryd/banter/pkg/providers/elevenlabs"
	"github.com/harunnryd/banter/pkg/providers/gemini"
	"github.com/harunnryd/banter/pkg/providers/mock"
	"github.com/harunnryd/banter/pkg/providers/openai"
	"github.com/harunnryd/banter/pkg/synth"
)

type SynthesizerBuilder func(cfg Config, log *slog.Logger) (synth.Synthesizer, error)
type GeneratorBuilder func(cfg Config, log *slog.Logger) (answer.Generator, error)

// ProviderRegistry maps provider names to builders. Registration happens at
// boot, before any call exists, so there is no locking.
type ProviderRegistry struct {
	synth map[string]SynthesizerBuilder
	gen   map[string]GeneratorBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		synth: make(map[string]SynthesizerBuilder),
		gen:   make(map[string]GeneratorBuilder),
	}
}

func (r *ProviderRegistry) RegisterSynthesizer(name string, builder SynthesizerBuilder) {
	r.synth[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) RegisterGenerator(name string, builder GeneratorBuilder) {
	r.gen[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) BuildSynthesizer(provider string, cfg Config, log *slog.Logger) (synth.Synthesizer, error) {
	fn := r.synth[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("synthesis provider not registered: %s", provider)
	}
	return fn(cfg, log)
}

func (r *ProviderRegistry) BuildGenerator(provider string, cfg Config, log *slog.Logger) (answer.Generator, error) {
	fn := r.gen[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("generation provider not registered: %s", provider)
	}
	return fn(cfg, log)
}

type mockSynthSettings struct {
	SampleRate     int `mapstructure:"sample_rate"`
	Channels       int `mapstructure:"channels"`
	FrameBytes     int `mapstructure:"frame_bytes"`
	FrameGapMS     int `mapstructure:"frame_gap_ms"`
	ConnectDelayMS int `mapstructure:"connect_delay_ms"`
}

type elevenLabsSettings struct {
	APIKey          string   `mapstructure:"api_key"`
	VoiceID         string   `mapstructure:"voice_id"`
	ModelID         string   `mapstructure:"model_id"`
	OutputFormat    string   `mapstructure:"output_format"`
	SampleRate      int      `mapstructure:"sample_rate"`
	Channels        int      `mapstructure:"channels"`
	Stability       *float64 `mapstructure:"stability"`
	SimilarityBoost *float64 `mapstructure:"similarity_boost"`
}

type deepgramSettings struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
}

type mockGenSettings struct {
	ResponseText string `mapstructure:"response_text"`
	DelayMS      int    `mapstructure:"delay_ms"`
}

type openAISettings struct {
	APIKey       string   `mapstructure:"api_key"`
	Model        string   `mapstructure:"model"`
	BaseURL      string   `mapstructure:"base_url"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	MaxTokens    int      `mapstructure:"max_tokens"`
	Temperature  *float64 `mapstructure:"temperature"`
	TimeoutMS    int      `mapstructure:"timeout_ms"`
}

type geminiSettings struct {
	APIKey       string   `mapstructure:"api_key"`
	Model        string   `mapstructure:"model"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	MaxTokens    int      `mapstructure:"max_tokens"`
	Temperature  *float64 `mapstructure:"temperature"`
}

// DefaultProviders returns a registry with every provider this module ships:
// mock, elevenlabs and deepgram synthesis; mock, openai and gemini generation.
// Hosts with custom providers start from this and register their own.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()

	reg.RegisterSynthesizer("mock", func(cfg Config, _ *slog.Logger) (synth.Synthesizer, error) {
		if err := configutil.ValidateSettingsFor("mock", cfg.Synthesis.Settings, configutil.Schema{
			Optional: []string{"sample_rate", "channels", "frame_bytes", "frame_gap_ms", "connect_delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockSynthSettings
		if err := configutil.DecodeSettings(cfg.Synthesis.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewSynthesizer(mock.SynthConfig{
			SampleRate:   settings.SampleRate,
			Channels:     settings.Channels,
			FrameBytes:   settings.FrameBytes,
			FrameGap:     configutil.DurationMs(settings.FrameGapMS, 0),
			ConnectDelay: configutil.DurationMs(settings.ConnectDelayMS, 0),
		}), nil
	})

	reg.RegisterSynthesizer("elevenlabs", func(cfg Config, log *slog.Logger) (synth.Synthesizer, error) {
		if err := configutil.ValidateSettingsFor("elevenlabs", cfg.Synthesis.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "sample_rate", "channels", "stability", "similarity_boost"},
		}); err != nil {
			return nil, err
		}
		var settings elevenLabsSettings
		if err := configutil.DecodeSettings(cfg.Synthesis.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "synthesis.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "synthesis.settings.voice_id"); err != nil {
			return nil, err
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:          settings.APIKey,
			VoiceID:         settings.VoiceID,
			ModelID:         settings.ModelID,
			OutputFormat:    settings.OutputFormat,
			SampleRate:      settings.SampleRate,
			Channels:        settings.Channels,
			Stability:       configutil.FloatValue(settings.Stability, 0),
			SimilarityBoost: configutil.FloatValue(settings.SimilarityBoost, 0),
		}, log)
	})

	reg.RegisterSynthesizer("deepgram", func(cfg Config, log *slog.Logger) (synth.Synthesizer, error) {
		if err := configutil.ValidateSettingsFor("deepgram", cfg.Synthesis.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "encoding", "sample_rate", "channels"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Synthesis.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "synthesis.settings.api_key"); err != nil {
			return nil, err
		}
		return deepgram.New(deepgram.Config{
			APIKey:     settings.APIKey,
			Model:      settings.Model,
			Encoding:   settings.Encoding,
			SampleRate: settings.SampleRate,
			Channels:   settings.Channels,
		}, log)
	})

	reg.RegisterGenerator("mock", func(cfg Config, _ *slog.Logger) (answer.Generator, error) {
		if err := configutil.ValidateSettingsFor("mock", cfg.Generation.Settings, configutil.Schema{
			Optional: []string{"response_text", "delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockGenSettings
		if err := configutil.DecodeSettings(cfg.Generation.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewGenerator(mock.GenConfig{
			ResponseText: settings.ResponseText,
			Delay:        configutil.DurationMs(settings.DelayMS, 0),
		}), nil
	})

	reg.RegisterGenerator("openai", func(cfg Config, log *slog.Logger) (answer.Generator, error) {
		if err := configutil.ValidateSettingsFor("openai", cfg.Generation.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url", "system_prompt", "max_tokens", "temperature", "timeout_ms"},
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Generation.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "generation.settings.api_key"); err != nil {
			return nil, err
		}
		return openai.New(openai.Config{
			APIKey:       settings.APIKey,
			Model:        settings.Model,
			BaseURL:      settings.BaseURL,
			SystemPrompt: settings.SystemPrompt,
			MaxTokens:    settings.MaxTokens,
			Temperature:  configutil.FloatValue(settings.Temperature, 0),
			Timeout:      configutil.DurationMs(settings.TimeoutMS, 0),
		}, log)
	})

	reg.RegisterGenerator("gemini", func(cfg Config, log *slog.Logger) (answer.Generator, error) {
		if err := configutil.ValidateSettingsFor("gemini", cfg.Generation.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "system_prompt", "max_tokens", "temperature"},
		}); err != nil {
			return nil, err
		}
		var settings geminiSettings
		if err := configutil.DecodeSettings(cfg.Generation.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "generation.settings.api_key"); err != nil {
			return nil, err
		}
		return gemini.New(gemini.Config{
			APIKey:       settings.APIKey,
			Model:        settings.Model,
			SystemPrompt: settings.SystemPrompt,
			MaxTokens:    settings.MaxTokens,
			Temperature:  configutil.FloatValue(settings.Temperature, 0),
		}, log)
	})

	return reg
}
