// Package orchestrator drives one call's conversational loop: for every
// caller utterance it races the real answer against the clock, injects a
// short "thinking" filler phrase when the answer is slow, guarantees the
// filler is cut off the instant the answer is ready, and never lets two
// audio streams overlap.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/banter/pkg/answer"
	"github.com/harunnryd/banter/pkg/audio"
	"github.com/harunnryd/banter/pkg/errorsx"
	"github.com/harunnryd/banter/pkg/frames"
	"github.com/harunnryd/banter/pkg/logging"
	"github.com/harunnryd/banter/pkg/metrics"
	"github.com/harunnryd/banter/pkg/phrases"
	"github.com/harunnryd/banter/pkg/redact"
	"github.com/harunnryd/banter/pkg/synth"
	"github.com/harunnryd/banter/pkg/turnclock"
)

var (
	// ErrTurnInFlight is returned when ProcessTurn is called before the
	// previous turn on the same call reached Idle.
	ErrTurnInFlight = errors.New("orchestrator: turn already in flight")

	// ErrTurnInterrupted is returned for turns abandoned by a barge-in.
	// Interrupted turns produce no TurnOutcome.
	ErrTurnInterrupted = errors.New("orchestrator: turn interrupted")
)

// Options wires one call's collaborators.
type Options struct {
	Config Config

	// Inventory overrides the built-in filler phrases. Empty uses defaults.
	Inventory []string

	Generator   answer.Generator
	Synthesizer synth.Synthesizer
	Sink        audio.Sink

	Observer metrics.Observer
	Logger   *slog.Logger
}

// Orchestrator runs turns for exactly one call. Instances share no state;
// calls scale by running one orchestrator each.
type Orchestrator struct {
	callID  string
	dir     Direction
	voice   string
	display string

	cfg  Config
	fsm  *stateMachine
	phr  *phrases.Source
	gen  answer.Generator
	syn  synth.Synthesizer
	sink audio.Sink
	obs  metrics.Observer
	log  *slog.Logger

	mu         sync.Mutex
	inFlight   bool
	turnCancel context.CancelFunc
}

func New(callID string, dir Direction, voice, displayName string, opts Options) (*Orchestrator, error) {
	if opts.Generator == nil {
		return nil, errors.New("orchestrator: nil answer generator")
	}
	if opts.Synthesizer == nil {
		return nil, errors.New("orchestrator: nil synthesizer")
	}
	if opts.Sink == nil {
		return nil, errors.New("orchestrator: nil audio sink")
	}
	inventory := opts.Inventory
	if len(inventory) == 0 {
		inventory = phrases.Default()
	}
	phr, err := phrases.New(inventory)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		callID:  callID,
		dir:     dir,
		voice:   voice,
		display: displayName,
		cfg:     opts.Config.withDefaults(),
		fsm:     newStateMachine(callID),
		phr:     phr,
		gen:     opts.Generator,
		syn:     opts.Synthesizer,
		sink:    opts.Sink,
		obs:     opts.Observer,
		log:     logging.WithCall(log, callID),
	}, nil
}

// State returns the current turn state.
func (o *Orchestrator) State() State {
	return o.fsm.State()
}

// AddStateListener registers a listener for turn state changes.
func (o *Orchestrator) AddStateListener(l StateListener) {
	o.fsm.AddListener(l)
}

// Interrupt abandons the in-flight turn, if any: active audio stops, the
// pending answer is cancelled and its eventual result discarded, and the
// orchestrator returns to Idle without producing an outcome. Safe to call
// from any goroutine, in any state; a no-op when no turn is running.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	cancel := o.turnCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ProcessTurn runs one full utterance-to-answer turn and blocks until the
// turn reaches Idle again. Turns on one call are strictly sequential; a
// second concurrent call fails with ErrTurnInFlight.
//
// An interrupted turn returns (nil, ErrTurnInterrupted). A final-answer
// synthesis failure returns the partial outcome together with the error so
// the host can decide what the caller hears next. Generation failures and
// hard timeouts are absorbed into the configured fallback text and are not
// errors.
func (o *Orchestrator) ProcessTurn(ctx context.Context, utterance string) (*TurnOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.inFlight = true
	o.turnCancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.turnCancel = nil
		o.mu.Unlock()
		cancel()
	}()

	turn := newTurnContext(o.callID, o.dir, utterance, o.voice, o.display)
	o.fsm.SetTurn(turn.TurnID)

	run := &turnRun{
		o:          o,
		ctx:        turnCtx,
		turn:       turn,
		clock:      turn.StartedAt,
		log:        logging.WithTurn(o.log, turn.TurnID),
		firstAudio: -1,
		answerAt:   -1,
	}
	return run.execute()
}

// turnRun is the mutable state of a single ProcessTurn invocation.
type turnRun struct {
	o     *Orchestrator
	ctx   context.Context
	turn  TurnContext
	clock turnclock.Handle
	task  *answer.Task
	log   *slog.Logger

	fillerAudible bool
	answerAudible bool
	fillerText    string
	firstAudio    int64
	answerAt      int64
}

func (r *turnRun) execute() (*TurnOutcome, error) {
	if err := r.o.fsm.Transition(StateAwaitingAnswer, "utterance received"); err != nil {
		return nil, err
	}
	r.record(metrics.EventTurnStarted, map[string]any{
		"direction":     string(r.turn.Direction),
		"utterance_len": len(r.turn.Utterance),
	})
	r.log.Info("turn started",
		slog.String("utterance", redact.Snippet(r.turn.Utterance, 80)))

	r.task = answer.Spawn(r.ctx, r.o.gen, answer.Request{
		CallID:      r.turn.CallID,
		TurnID:      r.turn.TurnID,
		Utterance:   r.turn.Utterance,
		DisplayName: r.turn.DisplayName,
	}, r.log)

	hardTimer := time.NewTimer(r.clock.Until(r.o.cfg.HardTimeout))
	defer hardTimer.Stop()
	minTimer := time.NewTimer(r.clock.Until(r.o.cfg.MinDelay))
	defer minTimer.Stop()

	var timedOut, wantFiller bool
	select {
	case <-r.task.Done():
		// Answer beat the min delay; no filler for this turn.
	case <-r.ctx.Done():
		return r.interrupted()
	case <-hardTimer.C:
		timedOut = true
	case <-minTimer.C:
		// Ready wins a dead heat with the threshold: a borderline-fast
		// answer is not worth the audio churn of starting filler.
		wantFiller = !r.task.Ready()
	}

	if wantFiller {
		var err error
		timedOut, err = r.fillerPhase(hardTimer)
		if errors.Is(err, ErrTurnInterrupted) {
			return r.interrupted()
		}
		if err != nil {
			return nil, err
		}
	}

	// A barge-in can land in the same instant the answer does; it wins.
	if r.ctx.Err() != nil {
		return r.interrupted()
	}

	finalText, err := r.resolveAnswer(timedOut)
	if errors.Is(err, ErrTurnInterrupted) {
		return r.interrupted()
	}
	if err != nil {
		return nil, err
	}
	return r.speak(finalText)
}

// fillerPhase plays a filler phrase until the answer shows up, the hard
// timeout fires, or a barge-in lands. The returned bool reports a hard
// timeout; ErrTurnInterrupted reports a barge-in, with the filler already
// stopped but the turn not yet unwound.
func (r *turnRun) fillerPhase(hardTimer *time.Timer) (bool, error) {
	if err := r.o.fsm.Transition(StateFillerActive, "answer pending past min delay"); err != nil {
		return false, err
	}
	phrase := r.o.phr.Peek()
	r.record(metrics.EventFillerStarted, map[string]any{
		"elapsed_ms": r.clock.ElapsedMs(),
	})
	r.log.Debug("starting filler", slog.String("phrase", phrase.Text))

	// Watchdog only: crossing MaxDelay silent is reported, never acted on.
	maxTimer := time.NewTimer(r.clock.Until(r.o.cfg.MaxDelay))
	defer maxTimer.Stop()

	type opened struct {
		ch  *synth.Channel
		err error
	}
	// The connect runs off the race so a slow synthesis handshake cannot
	// delay noticing the answer.
	openWait := make(chan opened, 1)
	go func() {
		ch, err := synth.Open(r.ctx, r.o.syn, synth.Request{
			CallID: r.turn.CallID,
			TurnID: r.turn.TurnID,
			Text:   phrase.Text,
			Voice:  r.turn.Voice,
			Source: frames.SourceFiller,
		}, r.log)
		openWait <- opened{ch: ch, err: err}
	}()

	var (
		flr      *synth.Channel
		frameSrc <-chan frames.AudioFrame
		timedOut bool
	)
	stopFiller := func() {
		if flr != nil {
			flr.Stop()
			return
		}
		if openWait != nil {
			// The connect is still pending; reap whatever it produces.
			// Nothing was ever forwarded from it, so no commit either way.
			reap := openWait
			go func() {
				if res := <-reap; res.ch != nil {
					res.ch.Stop()
				}
			}()
		}
	}

racing:
	for {
		select {
		case res := <-openWait:
			openWait = nil
			if res.err != nil {
				// Filler synthesis failure is absorbed: the caller gets
				// silence until the answer, never an error.
				r.absorbFillerFailure(res.err)
				continue
			}
			flr = res.ch
			frameSrc = flr.Frames()

		case f, ok := <-frameSrc:
			if !ok {
				// The phrase ran out (or its stream died) with the answer
				// still pending. Keep waiting, in silence.
				frameSrc = nil
				if err := flr.Err(); err != nil {
					r.absorbFillerFailure(err)
				}
				continue
			}
			if werr := r.forwardFrame(f); werr != nil {
				if r.ctx.Err() != nil {
					stopFiller()
					return false, ErrTurnInterrupted
				}
				flr.Stop()
				frameSrc = nil
				r.absorbFillerFailure(werr)
			}

		case <-r.task.Done():
			break racing

		case <-maxTimer.C:
			if !r.fillerAudible {
				r.record(metrics.EventFillerLate, map[string]any{
					"cause":      "max_delay",
					"elapsed_ms": r.clock.ElapsedMs(),
				})
				r.log.Warn("still silent past max delay",
					slog.Duration("max_delay", r.o.cfg.MaxDelay))
			}

		case <-hardTimer.C:
			timedOut = true
			break racing

		case <-r.ctx.Done():
			stopFiller()
			return false, ErrTurnInterrupted
		}
	}

	// Cut off immediately; a hard audio stop beats perceptible delay. Once
	// stopFiller returns no further filler frame can reach the sink.
	stopFiller()
	if r.fillerAudible {
		r.o.phr.Commit(phrase)
		r.fillerText = phrase.Text
	}
	r.record(metrics.EventFillerStopped, map[string]any{
		"elapsed_ms": r.clock.ElapsedMs(),
		"audible":    r.fillerAudible,
	})
	return timedOut, nil
}

func (r *turnRun) absorbFillerFailure(err error) {
	err = errorsx.Wrap(err, errorsx.ReasonSynthFiller)
	r.record(metrics.EventFillerSynthFail, map[string]any{
		"reason":     string(errorsx.Reason(err)),
		"error":      err.Error(),
		"elapsed_ms": r.clock.ElapsedMs(),
	})
	r.log.Warn("filler dropped; waiting for answer in silence",
		slog.String("error", err.Error()))
}

// resolveAnswer turns the generation result (or its absence) into the text
// to speak. Upstream failures and hard timeouts become the fallback text.
func (r *turnRun) resolveAnswer(timedOut bool) (string, error) {
	var finalText string
	if timedOut {
		// The generator may still be running somewhere; stop waiting and
		// never act on its eventual result.
		r.task.Cancel()
		finalText = r.o.cfg.FallbackText
		r.record(metrics.EventAnswerFallback, map[string]any{
			"cause":      "hard_timeout",
			"elapsed_ms": r.clock.ElapsedMs(),
		})
		r.log.Warn("answer hard timeout, speaking fallback",
			slog.Duration("hard_timeout", r.o.cfg.HardTimeout))
	} else {
		text, err := r.task.Result()
		switch {
		case err == nil:
			finalText = text
		case errors.Is(err, answer.ErrCancelled):
			return "", ErrTurnInterrupted
		default:
			finalText = r.o.cfg.FallbackText
			r.record(metrics.EventAnswerFallback, map[string]any{
				"cause":      string(errorsx.Reason(err)),
				"elapsed_ms": r.clock.ElapsedMs(),
			})
			r.log.Warn("answer generation failed, speaking fallback",
				slog.String("error", err.Error()))
		}
	}

	r.answerAt = r.clock.ElapsedMs()
	r.record(metrics.EventAnswerReady, map[string]any{
		"answer_ms":   r.answerAt,
		"used_filler": r.fillerAudible,
	})
	if err := r.o.fsm.Transition(StateAnswerReady, "answer text resolved"); err != nil {
		return "", err
	}
	return finalText, nil
}

// speak streams the final answer to the sink. Failures here are the one
// unrecoverable condition: the partial outcome and the error are both
// surfaced so the host can decide how the call ends.
func (r *turnRun) speak(finalText string) (*TurnOutcome, error) {
	// A barge-in in the gap between the answer arriving and synthesis
	// starting aborts the turn like any other interruption.
	if r.ctx.Err() != nil {
		return r.interrupted()
	}
	if err := r.o.fsm.Transition(StateSpeaking, "speaking final answer"); err != nil {
		return nil, err
	}

	fin, err := synth.Open(r.ctx, r.o.syn, synth.Request{
		CallID: r.turn.CallID,
		TurnID: r.turn.TurnID,
		Text:   finalText,
		Voice:  r.turn.Voice,
		Source: frames.SourceAnswer,
	}, r.log)
	if err != nil {
		if r.ctx.Err() != nil {
			return r.interrupted()
		}
		return r.failTurn(finalText, errorsx.Wrap(err, errorsx.ReasonSynthFinal))
	}

	for frameSrc := fin.Frames(); frameSrc != nil; {
		select {
		case f, ok := <-frameSrc:
			if !ok {
				frameSrc = nil
				continue
			}
			if werr := r.forwardFrame(f); werr != nil {
				fin.Stop()
				if r.ctx.Err() != nil {
					return r.interrupted()
				}
				return r.failTurn(finalText, errorsx.Wrap(werr, errorsx.ReasonSynthFinal))
			}
		case <-r.ctx.Done():
			fin.Stop()
			return r.interrupted()
		}
	}
	if err := fin.Err(); err != nil {
		return r.failTurn(finalText, errorsx.Wrap(err, errorsx.ReasonSynthFinal))
	}

	outcome := r.outcome(finalText)
	r.o.transition(StateIdle, "turn complete")
	r.record(metrics.EventTurnCompleted, map[string]any{
		"used_filler":    outcome.UsedFiller,
		"first_audio_ms": outcome.TimeToFirstAudioMs,
		"answer_ms":      outcome.TimeToFinalAnswerMs,
		"total_ms":       r.clock.ElapsedMs(),
	})
	r.log.Info("turn completed",
		slog.Bool("used_filler", outcome.UsedFiller),
		slog.Int64("first_audio_ms", outcome.TimeToFirstAudioMs),
		slog.Int64("answer_ms", outcome.TimeToFinalAnswerMs))
	return outcome, nil
}

// forwardFrame writes one frame to the sink and keeps the first-audio
// bookkeeping. The filler budget check lives here because "filler started"
// only counts once a frame is actually audible.
func (r *turnRun) forwardFrame(f frames.AudioFrame) error {
	if err := r.o.sink.Write(r.ctx, f); err != nil {
		return err
	}
	ms := r.clock.ElapsedMs()
	if f.Source() == frames.SourceFiller && !r.fillerAudible {
		r.fillerAudible = true
		r.record(metrics.EventFillerFirstAudio, map[string]any{"first_audio_ms": ms})
		if r.clock.Crossed(r.o.cfg.FillerStartMax) {
			r.record(metrics.EventFillerLate, map[string]any{
				"cause":          "filler_start_max",
				"first_audio_ms": ms,
			})
			r.log.Warn("filler first audio past budget",
				slog.Int64("first_audio_ms", ms),
				slog.Duration("budget", r.o.cfg.FillerStartMax))
		}
	}
	if f.Source() == frames.SourceAnswer && !r.answerAudible {
		r.answerAudible = true
		r.record(metrics.EventSpeakFirstAudio, map[string]any{"first_audio_ms": ms})
	}
	if r.firstAudio < 0 {
		r.firstAudio = ms
	}
	return nil
}

// interrupted unwinds an abandoned turn: the answer is cancelled (its late
// result, if any, is discarded by the task) and the machine returns to
// Idle with no outcome. Audio was already stopped by the caller.
func (r *turnRun) interrupted() (*TurnOutcome, error) {
	if r.task != nil {
		r.task.Cancel()
	}
	r.o.transition(StateInterrupted, "barge-in")
	r.o.transition(StateIdle, "interrupted turn discarded")
	r.record(metrics.EventTurnInterrupted, map[string]any{
		"elapsed_ms":  r.clock.ElapsedMs(),
		"used_filler": r.fillerAudible,
	})
	r.log.Info("turn interrupted",
		slog.Int64("elapsed_ms", r.clock.ElapsedMs()))
	return nil, ErrTurnInterrupted
}

func (r *turnRun) failTurn(finalText string, err error) (*TurnOutcome, error) {
	outcome := r.outcome(finalText)
	r.o.transition(StateIdle, "final synthesis failed")
	r.record(metrics.EventTurnFailed, map[string]any{
		"reason":     string(errorsx.Reason(err)),
		"error":      err.Error(),
		"elapsed_ms": r.clock.ElapsedMs(),
	})
	r.log.Error("final answer synthesis failed",
		slog.String("error", err.Error()))
	return outcome, err
}

func (r *turnRun) outcome(finalText string) *TurnOutcome {
	return &TurnOutcome{
		FinalText:           finalText,
		UsedFiller:          r.fillerAudible,
		FillerText:          r.fillerText,
		TimeToFirstAudioMs:  r.firstAudio,
		TimeToFinalAnswerMs: r.answerAt,
	}
}

func (r *turnRun) record(name string, fields map[string]any) {
	if r.o.obs == nil {
		return
	}
	r.o.obs.RecordEvent(metrics.TurnEvent(name, r.turn.CallID, r.turn.TurnID, fields))
}

func (o *Orchestrator) transition(to State, reason string) {
	if err := o.fsm.Transition(to, reason); err != nil {
		o.log.Error("state transition rejected",
			slog.String("to", to.String()),
			slog.String("error", err.Error()))
	}
}
