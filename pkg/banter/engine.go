package banter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/banter/pkg/answer"
	"github.com/harunnryd/banter/pkg/audio"
	"github.com/harunnryd/banter/pkg/logging"
	"github.com/harunnryd/banter/pkg/metrics"
	"github.com/harunnryd/banter/pkg/observers"
	"github.com/harunnryd/banter/pkg/orchestrator"
	"github.com/harunnryd/banter/pkg/redact"
	"github.com/harunnryd/banter/pkg/registry"
	"github.com/harunnryd/banter/pkg/runner"
	"github.com/harunnryd/banter/pkg/synth"
)

// ErrUnknownCall is returned for turn operations on a call that was never
// started or has already ended.
var ErrUnknownCall = errors.New("banter: unknown call id")

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry

	// Sink receives every outbound audio frame. SinkFor, when set, resolves
	// a sink per call and takes precedence.
	Sink    audio.Sink
	SinkFor func(callID string) audio.Sink

	// Logger overrides the logger built from cfg.Log.
	Logger *slog.Logger

	// ExtraObservers join the built-in observer stack.
	ExtraObservers []metrics.Observer
}

// Engine is the embeddable facade: one synthesizer and one generator built
// up front and shared by every call (so breaker state is process-wide), a
// session registry handing out per-call orchestrators, and a lifecycle
// runner that drains calls on stop.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	providers *ProviderRegistry
	reg       *registry.Registry
	runner    *runner.LifecycleRunner
	obs       metrics.Observer
	syn       synth.Synthesizer
	gen       answer.Generator
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
		slog.SetDefault(log)
	}
	redact.SetEnabled(cfg.Redact.Enabled)

	log.Info("banter_init",
		slog.String("synthesis_provider", cfg.Synthesis.Provider),
		slog.String("generation_provider", cfg.Generation.Provider))

	// Fail on the cheap checks before anything that opens files or spawns
	// goroutines, so error returns never leave half a stack behind.
	sinkFor := opts.SinkFor
	if sinkFor == nil {
		if opts.Sink == nil {
			return nil, errors.New("banter: an audio sink is required (Sink or SinkFor)")
		}
		sink := opts.Sink
		sinkFor = func(string) audio.Sink { return sink }
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	synthLog := logging.NewComponentLogger(log, "synth")
	rawSynth, err := providers.BuildSynthesizer(cfg.Synthesis.Provider, cfg, synthLog)
	if err != nil {
		return nil, err
	}
	gen, err := providers.BuildGenerator(cfg.Generation.Provider, cfg, logging.NewComponentLogger(log, "generation"))
	if err != nil {
		return nil, err
	}

	var (
		obs         metrics.Observer
		asyncObs    *metrics.AsyncObserver
		timelineObs *observers.TimelineObserver
		costObs     *observers.CostObserver
		jsonlObs    *metrics.JSONLObserver
	)
	if cfg.Metrics.Enabled {
		obsList := []metrics.Observer{
			observers.NewLatencyObserver(log),
			observers.NewLoggerObserver(log),
		}
		if dir := strings.TrimSpace(cfg.Timeline.Dir); dir != "" {
			if cfg.Timeline.RetentionDays > 0 {
				_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Timeline.RetentionDays)*24*time.Hour)
			}
			if cfg.Timeline.MaxFiles > 0 {
				_, _ = observers.CapArtifacts(dir, cfg.Timeline.MaxFiles)
			}
			timelineObs = observers.NewTimelineObserver(dir)
			costObs = observers.NewCostObserver(dir)
			obsList = append(obsList, timelineObs, costObs)
		}
		if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
			jsonlObs, err = metrics.NewJSONLFileObserver(path)
			if err != nil {
				return nil, fmt.Errorf("open metrics jsonl: %w", err)
			}
			obsList = append(obsList, jsonlObs)
		}
		obsList = append(obsList, opts.ExtraObservers...)

		var tail metrics.Observer = observers.NewMultiObserver(obsList...)
		if cfg.Metrics.SampleRate < 1 {
			// Failure and lifecycle events always pass; only the steady
			// per-turn chatter is sampled.
			tail = metrics.NewSamplingObserver(tail, cfg.Metrics.SampleRate,
				metrics.EventCallStarted, metrics.EventCallEnded,
				metrics.EventTurnFailed, metrics.EventAnswerFallback,
				metrics.EventFillerSynthFail,
				metrics.EventBreakerOpen, metrics.EventBreakerClose)
		}
		asyncObs = metrics.NewAsyncObserver(tail, cfg.Metrics.Buffer)
		obs = asyncObs
	}

	svcOpts := cfg.ServiceOptions()
	svcOpts.Observer = obs
	svcOpts.Logger = synthLog
	syn := synth.NewService(rawSynth, svcOpts)

	reg := registry.New(func(_ context.Context, callID string, dir orchestrator.Direction, voice, displayName string) (*orchestrator.Orchestrator, error) {
		sink := sinkFor(callID)
		if sink == nil {
			return nil, fmt.Errorf("banter: no audio sink for call %s", callID)
		}
		return orchestrator.New(callID, dir, voice, displayName, orchestrator.Options{
			Config:      cfg.TurnOptions(),
			Inventory:   cfg.Filler.Inventory,
			Generator:   gen,
			Synthesizer: syn,
			Sink:        sink,
			Observer:    obs,
			Logger:      log,
		})
	}, obs, logging.NewComponentLogger(log, "registry"))

	hooks := runner.Hooks{
		OnStart: func() {
			log.Info("engine_ready",
				slog.String("synthesis_provider", cfg.Synthesis.Provider),
				slog.String("generation_provider", cfg.Generation.Provider))
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if costObs != nil {
				_ = costObs.Close()
			}
			if jsonlObs != nil {
				_ = jsonlObs.Close()
			}
			log.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int64("active_calls", reg.Count()))
		},
	}

	drainer := runner.DrainerFunc(func() error {
		reg.SetDraining(true)
		reg.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = reg.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	return &Engine{
		cfg:       cfg,
		log:       log,
		providers: providers,
		reg:       reg,
		runner:    runner.NewLifecycleRunner(drainer, hooks, 30*time.Second),
		obs:       obs,
		syn:       syn,
		gen:       gen,
	}, nil
}

// Start runs the engine lifecycle until ctx is cancelled or Stop is called.
// The call surface (StartCall, ProcessTurn, ...) works as soon as the engine
// is constructed; Start adds the banner, the ready hook and the drain on
// shutdown.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

// Stop drains active calls and shuts the observer stack down. Idempotent.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// StartCall registers a call session. Starting an already-live call returns
// the existing session.
func (e *Engine) StartCall(callID string, dir orchestrator.Direction) (*registry.Session, error) {
	sess, _, err := e.reg.Start(callID, dir, e.cfg.Assistant.Voice, e.cfg.Assistant.DisplayName)
	return sess, err
}

// EndCall tears a call session down, interrupting any in-flight turn.
func (e *Engine) EndCall(callID string) bool {
	return e.reg.End(callID)
}

// ProcessTurn runs one utterance through the call's orchestrator.
func (e *Engine) ProcessTurn(ctx context.Context, callID, utterance string) (*orchestrator.TurnOutcome, error) {
	sess, ok := e.reg.Get(callID)
	if !ok {
		return nil, ErrUnknownCall
	}
	return sess.Orch.ProcessTurn(ctx, utterance)
}

// Interrupt abandons the call's in-flight turn, if any. Reports whether the
// call exists.
func (e *Engine) Interrupt(callID string) bool {
	sess, ok := e.reg.Get(callID)
	if !ok {
		return false
	}
	sess.Orch.Interrupt()
	return true
}

func (e *Engine) Registry() *registry.Registry { return e.reg }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Config() Config { return e.cfg }

// Synthesizer is the shared resilience-wrapped synthesizer, for hosts that
// drive synthesis outside a turn (greetings, hold messages).
func (e *Engine) Synthesizer() synth.Synthesizer { return e.syn }

// Generator is the shared answer generator.
func (e *Engine) Generator() answer.Generator { return e.gen }
