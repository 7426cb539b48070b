package banter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/banter/pkg/phrases"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Turn.MinDelayMS != 300 || cfg.Turn.MaxDelayMS != 700 {
		t.Fatalf("turn delays = %d/%d, want 300/700", cfg.Turn.MinDelayMS, cfg.Turn.MaxDelayMS)
	}
	if cfg.Turn.FillerStartTargetMS != 250 || cfg.Turn.FillerStartMaxMS != 400 {
		t.Fatalf("filler start budget = %d/%d, want 250/400",
			cfg.Turn.FillerStartTargetMS, cfg.Turn.FillerStartMaxMS)
	}
	if cfg.Turn.HardTimeoutMS != 5000 {
		t.Fatalf("hard timeout = %d, want 5000", cfg.Turn.HardTimeoutMS)
	}
	if got, want := len(cfg.Filler.Inventory), len(phrases.Default()); got != want {
		t.Fatalf("inventory size = %d, want %d", got, want)
	}
	if cfg.Fallback.Text == "" {
		t.Fatal("fallback text empty by default")
	}
	if cfg.Synthesis.Provider != "mock" || cfg.Generation.Provider != "mock" {
		t.Fatalf("providers = %q/%q, want mock/mock", cfg.Synthesis.Provider, cfg.Generation.Provider)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Buffer != 2048 || cfg.Metrics.SampleRate != 1 {
		t.Fatalf("metrics defaults = %+v", cfg.Metrics)
	}
	if !cfg.Redact.Enabled {
		t.Fatal("redaction disabled by default")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
log:
  level: debug
turn:
  min_delay_ms: 150
  max_delay_ms: 500
fallback:
  text: "One second please."
assistant:
  display_name: Robin
  voice: bright
synthesis:
  provider: Mock
  settings:
    frame_gap_ms: 5
generation:
  provider: mock
  settings:
    response_text: "All set."
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.Turn.MinDelayMS != 150 || cfg.Turn.MaxDelayMS != 500 {
		t.Fatalf("turn delays = %d/%d, want 150/500", cfg.Turn.MinDelayMS, cfg.Turn.MaxDelayMS)
	}
	// Untouched keys keep their defaults.
	if cfg.Turn.HardTimeoutMS != 5000 {
		t.Fatalf("hard timeout = %d, want default 5000", cfg.Turn.HardTimeoutMS)
	}
	if cfg.Fallback.Text != "One second please." {
		t.Fatalf("fallback = %q", cfg.Fallback.Text)
	}
	if cfg.Assistant.DisplayName != "Robin" || cfg.Assistant.Voice != "bright" {
		t.Fatalf("assistant = %+v", cfg.Assistant)
	}
	if cfg.Generation.Settings["response_text"] != "All set." {
		t.Fatalf("generation settings = %v", cfg.Generation.Settings)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("BANTER_TEST_API_KEY", "sk-test-123")
	t.Setenv("BANTER_TEST_NAME", "Robin")
	path := writeConfigFile(t, `
assistant:
  display_name: ${BANTER_TEST_NAME}
synthesis:
  provider: elevenlabs
  settings:
    api_key: ${BANTER_TEST_API_KEY}
    voice_id: v1
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Assistant.DisplayName != "Robin" {
		t.Fatalf("display name = %q, want env-expanded Robin", cfg.Assistant.DisplayName)
	}
	if got := cfg.Synthesis.Settings["api_key"]; got != "sk-test-123" {
		t.Fatalf("settings api_key = %v, want env-expanded secret", got)
	}
}

func TestValidateRejectsBadTimings(t *testing.T) {
	base, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{"zero min delay", func(c *Config) { c.Turn.MinDelayMS = 0 }, "min_delay_ms"},
		{"max below min", func(c *Config) { c.Turn.MaxDelayMS = c.Turn.MinDelayMS - 1 }, "max_delay_ms"},
		{"hard timeout inside window", func(c *Config) { c.Turn.HardTimeoutMS = c.Turn.MaxDelayMS }, "hard_timeout_ms"},
		{"zero filler target", func(c *Config) { c.Turn.FillerStartTargetMS = 0 }, "filler_start_target_ms"},
		{"filler max below target", func(c *Config) { c.Turn.FillerStartMaxMS = c.Turn.FillerStartTargetMS - 1 }, "filler_start_max_ms"},
		{"blank inventory", func(c *Config) { c.Filler.Inventory = []string{"  ", ""} }, "filler.inventory"},
		{"empty fallback", func(c *Config) { c.Fallback.Text = " " }, "fallback.text"},
		{"empty synthesis provider", func(c *Config) { c.Synthesis.Provider = "" }, "synthesis.provider"},
		{"empty generation provider", func(c *Config) { c.Generation.Provider = "" }, "generation.provider"},
		{"sample rate above one", func(c *Config) { c.Metrics.SampleRate = 1.5 }, "sample_rate"},
		{"negative sample rate", func(c *Config) { c.Metrics.SampleRate = -0.1 }, "sample_rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestTurnOptionsConversion(t *testing.T) {
	cfg := Config{
		Turn: TurnConfig{
			MinDelayMS:          150,
			MaxDelayMS:          400,
			FillerStartTargetMS: 100,
			FillerStartMaxMS:    200,
			HardTimeoutMS:       3000,
		},
		Fallback: FallbackConfig{Text: "hold on"},
	}
	opts := cfg.TurnOptions()
	if opts.MinDelay != 150*time.Millisecond || opts.MaxDelay != 400*time.Millisecond {
		t.Fatalf("delays = %v/%v", opts.MinDelay, opts.MaxDelay)
	}
	if opts.HardTimeout != 3*time.Second {
		t.Fatalf("hard timeout = %v", opts.HardTimeout)
	}
	if opts.FallbackText != "hold on" {
		t.Fatalf("fallback = %q", opts.FallbackText)
	}
}

func TestServiceOptionsConversion(t *testing.T) {
	cfg := Config{
		Synthesis: SynthesisConfig{
			CircuitThreshold:  5,
			CircuitCooldownMS: 2000,
			MaxRetries:        2,
			RetryBackoffMS:    40,
		},
	}
	opts := cfg.ServiceOptions()
	if opts.FailureThreshold != 5 || opts.Cooldown != 2*time.Second {
		t.Fatalf("breaker opts = %d/%v", opts.FailureThreshold, opts.Cooldown)
	}
	if opts.MaxRetries != 2 || opts.RetryBackoff != 40*time.Millisecond {
		t.Fatalf("retry opts = %d/%v", opts.MaxRetries, opts.RetryBackoff)
	}
}
