// Package banter wires the call-turn machinery into one embeddable engine:
// config loading, provider construction, the observer stack, the session
// registry and the process lifecycle.
package banter

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/banter/pkg/orchestrator"
	"github.com/harunnryd/banter/pkg/phrases"
	"github.com/harunnryd/banter/pkg/synth"
)

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Turn       TurnConfig       `mapstructure:"turn"`
	Filler     FillerConfig     `mapstructure:"filler"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	Assistant  AssistantConfig  `mapstructure:"assistant"`
	Synthesis  SynthesisConfig  `mapstructure:"synthesis"`
	Generation GenerationConfig `mapstructure:"generation"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Timeline   TimelineConfig   `mapstructure:"timeline"`
	Redact     RedactConfig     `mapstructure:"redact"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TurnConfig carries the per-turn timing knobs, all in milliseconds.
type TurnConfig struct {
	MinDelayMS          int `mapstructure:"min_delay_ms"`
	MaxDelayMS          int `mapstructure:"max_delay_ms"`
	FillerStartTargetMS int `mapstructure:"filler_start_target_ms"`
	FillerStartMaxMS    int `mapstructure:"filler_start_max_ms"`
	HardTimeoutMS       int `mapstructure:"hard_timeout_ms"`
}

type FillerConfig struct {
	Inventory []string `mapstructure:"inventory"`
}

type FallbackConfig struct {
	Text string `mapstructure:"text"`
}

type AssistantConfig struct {
	DisplayName string `mapstructure:"display_name"`
	Voice       string `mapstructure:"voice"`
}

// SynthesisConfig picks the synthesis provider and its resilience envelope.
// Settings is opaque here; the provider's builder owns its schema.
type SynthesisConfig struct {
	Provider          string         `mapstructure:"provider"`
	Settings          map[string]any `mapstructure:"settings"`
	CircuitThreshold  int            `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int            `mapstructure:"circuit_cooldown_ms"`
	MaxRetries        int            `mapstructure:"max_retries"`
	RetryBackoffMS    int            `mapstructure:"retry_backoff_ms"`
}

type GenerationConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type MetricsConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Buffer     int     `mapstructure:"buffer"`
	JSONLPath  string  `mapstructure:"jsonl_path"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type TimelineConfig struct {
	Dir           string `mapstructure:"dir"`
	MaxFiles      int    `mapstructure:"max_files"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type RedactConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig builds a Config from defaults, an optional config file and
// ${ENV} expansion, in that order. An empty path skips the file entirely.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("turn.min_delay_ms", 300)
	v.SetDefault("turn.max_delay_ms", 700)
	v.SetDefault("turn.filler_start_target_ms", 250)
	v.SetDefault("turn.filler_start_max_ms", 400)
	v.SetDefault("turn.hard_timeout_ms", 5000)
	v.SetDefault("filler.inventory", phrases.Default())
	v.SetDefault("fallback.text", "Sorry, I need another moment on that one.")
	v.SetDefault("assistant.display_name", "")
	v.SetDefault("assistant.voice", "")
	v.SetDefault("synthesis.provider", "mock")
	v.SetDefault("synthesis.circuit_threshold", 3)
	v.SetDefault("synthesis.circuit_cooldown_ms", 15000)
	v.SetDefault("synthesis.max_retries", 1)
	v.SetDefault("synthesis.retry_backoff_ms", 50)
	v.SetDefault("generation.provider", "mock")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.buffer", 2048)
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("timeline.dir", "")
	v.SetDefault("timeline.max_files", 0)
	v.SetDefault("timeline.retention_days", 0)
	v.SetDefault("redact.enabled", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Turn.MinDelayMS <= 0 {
		return fmt.Errorf("turn.min_delay_ms must be positive, got %d", c.Turn.MinDelayMS)
	}
	if c.Turn.MaxDelayMS < c.Turn.MinDelayMS {
		return fmt.Errorf("turn.max_delay_ms (%d) must be >= turn.min_delay_ms (%d)",
			c.Turn.MaxDelayMS, c.Turn.MinDelayMS)
	}
	if c.Turn.HardTimeoutMS <= c.Turn.MaxDelayMS {
		return fmt.Errorf("turn.hard_timeout_ms (%d) must be > turn.max_delay_ms (%d)",
			c.Turn.HardTimeoutMS, c.Turn.MaxDelayMS)
	}
	if c.Turn.FillerStartTargetMS <= 0 {
		return fmt.Errorf("turn.filler_start_target_ms must be positive, got %d", c.Turn.FillerStartTargetMS)
	}
	if c.Turn.FillerStartMaxMS < c.Turn.FillerStartTargetMS {
		return fmt.Errorf("turn.filler_start_max_ms (%d) must be >= turn.filler_start_target_ms (%d)",
			c.Turn.FillerStartMaxMS, c.Turn.FillerStartTargetMS)
	}
	if len(nonBlank(c.Filler.Inventory)) == 0 {
		return fmt.Errorf("filler.inventory must not be empty")
	}
	if strings.TrimSpace(c.Fallback.Text) == "" {
		return fmt.Errorf("fallback.text is required")
	}
	if strings.TrimSpace(c.Synthesis.Provider) == "" {
		return fmt.Errorf("synthesis.provider is required")
	}
	if strings.TrimSpace(c.Generation.Provider) == "" {
		return fmt.Errorf("generation.provider is required")
	}
	if c.Metrics.SampleRate < 0 || c.Metrics.SampleRate > 1 {
		return fmt.Errorf("metrics.sample_rate must be within [0, 1], got %v", c.Metrics.SampleRate)
	}
	return nil
}

// TurnOptions converts the millisecond knobs into the orchestrator's form.
func (c Config) TurnOptions() orchestrator.Config {
	return orchestrator.Config{
		MinDelay:          time.Duration(c.Turn.MinDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(c.Turn.MaxDelayMS) * time.Millisecond,
		FillerStartTarget: time.Duration(c.Turn.FillerStartTargetMS) * time.Millisecond,
		FillerStartMax:    time.Duration(c.Turn.FillerStartMaxMS) * time.Millisecond,
		HardTimeout:       time.Duration(c.Turn.HardTimeoutMS) * time.Millisecond,
		FallbackText:      c.Fallback.Text,
	}
}

// ServiceOptions converts the synthesis resilience knobs.
func (c Config) ServiceOptions() synth.ServiceOptions {
	return synth.ServiceOptions{
		FailureThreshold: c.Synthesis.CircuitThreshold,
		Cooldown:         time.Duration(c.Synthesis.CircuitCooldownMS) * time.Millisecond,
		MaxRetries:       c.Synthesis.MaxRetries,
		RetryBackoff:     time.Duration(c.Synthesis.RetryBackoffMS) * time.Millisecond,
	}
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// expandEnvStrings rewrites ${VAR} references across every string field,
// including the opaque provider settings maps.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Synthesis.Settings = expandSettings(cfg.Synthesis.Settings)
	cfg.Generation.Settings = expandSettings(cfg.Generation.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
