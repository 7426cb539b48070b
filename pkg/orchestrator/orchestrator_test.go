package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/banter/pkg/answer"
	"github.com/harunnryd/banter/pkg/audio"
	"github.com/harunnryd/banter/pkg/errorsx"
	"github.com/harunnryd/banter/pkg/frames"
	"github.com/harunnryd/banter/pkg/metrics"
	"github.com/harunnryd/banter/pkg/synth"
)

type stubGen struct {
	delay time.Duration
	text  string
	err   error
}

func (g stubGen) Name() string { return "stub" }

func (g stubGen) Generate(ctx context.Context, req answer.Request) (answer.Response, error) {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return answer.Response{}, ctx.Err()
	}
	if g.err != nil {
		return answer.Response{}, g.err
	}
	return answer.Response{Text: g.text}, nil
}

type stubStream struct {
	src      frames.Source
	total    int
	gap      time.Duration
	finalErr error

	once   sync.Once
	closed chan struct{}

	mu   sync.Mutex
	sent int
}

func newStubStream(src frames.Source, total int, gap time.Duration, finalErr error) *stubStream {
	return &stubStream{src: src, total: total, gap: gap, finalErr: finalErr, closed: make(chan struct{})}
}

func (s *stubStream) Recv() (frames.AudioFrame, error) {
	select {
	case <-s.closed:
		return frames.AudioFrame{}, errors.New("stream torn down")
	default:
	}
	if s.gap > 0 {
		select {
		case <-time.After(s.gap):
		case <-s.closed:
			return frames.AudioFrame{}, errors.New("stream torn down")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent >= s.total {
		if s.finalErr != nil {
			return frames.AudioFrame{}, s.finalErr
		}
		return frames.AudioFrame{}, io.EOF
	}
	s.sent++
	return frames.NewAudioFrame(s.src, int64(s.sent), make([]byte, 160), 8000, 1), nil
}

func (s *stubStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type stubSynth struct {
	frameGap     time.Duration
	connectDelay time.Duration
	fillerLen    int
	answerLen    int

	failFiller      error
	failAnswer      error
	answerStreamErr error

	mu       sync.Mutex
	requests []synth.Request
}

func (s *stubSynth) Name() string { return "stub" }

func (s *stubSynth) Synthesize(ctx context.Context, req synth.Request) (synth.Stream, error) {
	if s.connectDelay > 0 {
		select {
		case <-time.After(s.connectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if req.Source == frames.SourceFiller {
		if s.failFiller != nil {
			return nil, s.failFiller
		}
		return newStubStream(req.Source, s.fillerLen, s.frameGap, nil), nil
	}
	if s.failAnswer != nil {
		return nil, s.failAnswer
	}
	return newStubStream(req.Source, s.answerLen, s.frameGap, s.answerStreamErr), nil
}

func (s *stubSynth) requestsBySource(src frames.Source) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Source == src {
			n++
		}
	}
	return n
}

type stateRecorder struct {
	mu  sync.Mutex
	seq []State
}

func (r *stateRecorder) OnStateChange(ev StateChange) {
	r.mu.Lock()
	r.seq = append(r.seq, ev.ToState)
	r.mu.Unlock()
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.seq...)
}

func testConfig() Config {
	return Config{
		MinDelay:          40 * time.Millisecond,
		MaxDelay:          90 * time.Millisecond,
		FillerStartTarget: 30 * time.Millisecond,
		FillerStartMax:    55 * time.Millisecond,
		HardTimeout:       400 * time.Millisecond,
		FallbackText:      "Give me one more moment.",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrch(t *testing.T, gen answer.Generator, syn synth.Synthesizer, sink audio.Sink, cfg Config, inventory []string, obs metrics.Observer) *Orchestrator {
	t.Helper()
	o, err := New("call-1", DirectionInbound, "voice-a", "Robin", Options{
		Config:      cfg,
		Inventory:   inventory,
		Generator:   gen,
		Synthesizer: syn,
		Sink:        sink,
		Observer:    obs,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func countBySource(sink *audio.MemorySink, src frames.Source) int {
	n := 0
	for _, s := range sink.Sources() {
		if s == src {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFastAnswerSkipsFiller(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: time.Millisecond, fillerLen: 500, answerLen: 4}
	o := newOrch(t, stubGen{delay: 10 * time.Millisecond, text: "the real answer"}, syn, sink, testConfig(), nil, nil)

	out, err := o.ProcessTurn(context.Background(), "what time do you open")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.UsedFiller {
		t.Fatal("UsedFiller = true for an answer faster than the min delay")
	}
	if out.FillerText != "" {
		t.Fatalf("FillerText = %q, want empty", out.FillerText)
	}
	if out.FinalText != "the real answer" {
		t.Fatalf("FinalText = %q", out.FinalText)
	}
	if got := countBySource(sink, frames.SourceFiller); got != 0 {
		t.Fatalf("%d filler frames reached the sink", got)
	}
	if got := countBySource(sink, frames.SourceAnswer); got != 4 {
		t.Fatalf("answer frames = %d, want 4", got)
	}
	if n := syn.requestsBySource(frames.SourceFiller); n != 0 {
		t.Fatalf("filler synthesis was requested %d times", n)
	}
	if out.TimeToFirstAudioMs < 0 || out.TimeToFinalAnswerMs < 0 {
		t.Fatalf("timings not recorded: first=%d final=%d", out.TimeToFirstAudioMs, out.TimeToFinalAnswerMs)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", o.State())
	}
}

func TestSlowAnswerPlaysFillerThenCutsOff(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: 3 * time.Millisecond, fillerLen: 1000, answerLen: 5}
	mem := metrics.NewMemoryObserver()
	rec := &stateRecorder{}
	o := newOrch(t, stubGen{delay: 180 * time.Millisecond, text: "we open at nine"}, syn, sink, testConfig(), nil, mem)
	o.AddStateListener(rec)

	out, err := o.ProcessTurn(context.Background(), "what time do you open")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !out.UsedFiller {
		t.Fatal("UsedFiller = false for a slow answer")
	}
	if out.FillerText == "" {
		t.Fatal("FillerText empty despite audible filler")
	}
	if out.FinalText != "we open at nine" {
		t.Fatalf("FinalText = %q", out.FinalText)
	}
	if out.TimeToFirstAudioMs > out.TimeToFinalAnswerMs {
		t.Fatalf("filler audio (%dms) should precede the answer (%dms)",
			out.TimeToFirstAudioMs, out.TimeToFinalAnswerMs)
	}
	if min := int64(40); out.TimeToFirstAudioMs < min {
		t.Fatalf("filler audible at %dms, before the %dms min delay", out.TimeToFirstAudioMs, min)
	}
	// Filler starts right after the min delay; 120ms leaves room for a busy
	// scheduler while still proving the caller was not left in silence.
	if max := int64(120); out.TimeToFirstAudioMs > max {
		t.Fatalf("filler audible at %dms, past the %dms bound", out.TimeToFirstAudioMs, max)
	}

	// No filler frame may follow the first answer frame.
	sources := sink.Sources()
	firstAnswer := -1
	for i, s := range sources {
		if s == frames.SourceAnswer {
			firstAnswer = i
			break
		}
	}
	if firstAnswer < 1 {
		t.Fatalf("expected filler frames before the answer, sources = %v", sources)
	}
	for i := firstAnswer; i < len(sources); i++ {
		if sources[i] == frames.SourceFiller {
			t.Fatalf("filler frame at %d after answer began at %d", i, firstAnswer)
		}
	}

	if len(mem.ByName(metrics.EventFillerFirstAudio)) != 1 {
		t.Fatal("missing filler_first_audio event")
	}
	if len(mem.ByName(metrics.EventFillerStopped)) != 1 {
		t.Fatal("missing filler_stopped event")
	}

	want := []State{StateAwaitingAnswer, StateFillerActive, StateAnswerReady, StateSpeaking, StateIdle}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("state sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConsecutiveFillersNeverRepeat(t *testing.T) {
	inventory := []string{"One sec.", "Let me check."}
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: 3 * time.Millisecond, fillerLen: 1000, answerLen: 2}
	o := newOrch(t, stubGen{delay: 150 * time.Millisecond, text: "answer"}, syn, sink, testConfig(), inventory, nil)

	first, err := o.ProcessTurn(context.Background(), "first question")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	second, err := o.ProcessTurn(context.Background(), "second question")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !first.UsedFiller || !second.UsedFiller {
		t.Fatalf("both turns should use filler: %v %v", first.UsedFiller, second.UsedFiller)
	}
	if first.FillerText == second.FillerText {
		t.Fatalf("consecutive filler %q repeated", first.FillerText)
	}
}

func TestInterruptDuringFillerAbandonsTurn(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: 3 * time.Millisecond, fillerLen: 1000, answerLen: 5}
	o := newOrch(t, stubGen{delay: 2 * time.Second, text: "never spoken"}, syn, sink, testConfig(), nil, nil)

	type result struct {
		out *TurnOutcome
		err error
	}
	res := make(chan result, 1)
	go func() {
		out, err := o.ProcessTurn(context.Background(), "long question")
		res <- result{out, err}
	}()

	waitFor(t, time.Second, "first filler frame", func() bool {
		return countBySource(sink, frames.SourceFiller) > 0
	})
	o.Interrupt()

	select {
	case r := <-res:
		if !errors.Is(r.err, ErrTurnInterrupted) {
			t.Fatalf("err = %v, want ErrTurnInterrupted", r.err)
		}
		if r.out != nil {
			t.Fatalf("interrupted turn produced outcome %+v", r.out)
		}
	case <-time.After(time.Second):
		t.Fatal("ProcessTurn did not return after interrupt")
	}

	if o.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", o.State())
	}
	if got := countBySource(sink, frames.SourceAnswer); got != 0 {
		t.Fatalf("%d answer frames after an interrupted turn", got)
	}
	if n := syn.requestsBySource(frames.SourceAnswer); n != 0 {
		t.Fatalf("answer synthesis was requested %d times", n)
	}
}

func TestInterruptDuringSpeaking(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: 3 * time.Millisecond, fillerLen: 0, answerLen: 10000}
	o := newOrch(t, stubGen{delay: 5 * time.Millisecond, text: "a very long answer"}, syn, sink, testConfig(), nil, nil)

	res := make(chan error, 1)
	go func() {
		_, err := o.ProcessTurn(context.Background(), "question")
		res <- err
	}()

	waitFor(t, time.Second, "first answer frame", func() bool {
		return countBySource(sink, frames.SourceAnswer) > 0
	})
	o.Interrupt()

	select {
	case err := <-res:
		if !errors.Is(err, ErrTurnInterrupted) {
			t.Fatalf("err = %v, want ErrTurnInterrupted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ProcessTurn did not return after interrupt")
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", o.State())
	}
}

func TestInterruptWhenIdleIsNoop(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: time.Millisecond, answerLen: 2}
	o := newOrch(t, stubGen{delay: time.Millisecond, text: "hi"}, syn, sink, testConfig(), nil, nil)

	o.Interrupt()
	o.Interrupt()
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", o.State())
	}

	// The orchestrator still runs turns normally afterwards.
	out, err := o.ProcessTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("ProcessTurn after idle interrupts: %v", err)
	}
	if out.FinalText != "hi" {
		t.Fatalf("FinalText = %q", out.FinalText)
	}
}

func TestUpstreamFailureSpeaksFallback(t *testing.T) {
	cfg := testConfig()
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: time.Millisecond, answerLen: 3}
	mem := metrics.NewMemoryObserver()
	o := newOrch(t, stubGen{delay: 5 * time.Millisecond, err: errors.New("model unavailable")}, syn, sink, cfg, nil, mem)

	out, err := o.ProcessTurn(context.Background(), "question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.FinalText != cfg.FallbackText {
		t.Fatalf("FinalText = %q, want fallback %q", out.FinalText, cfg.FallbackText)
	}
	if out.UsedFiller {
		t.Fatal("UsedFiller = true; the failure was known before the min delay")
	}
	if got := countBySource(sink, frames.SourceAnswer); got != 3 {
		t.Fatalf("fallback frames = %d, want 3", got)
	}
	if len(mem.ByName(metrics.EventAnswerFallback)) != 1 {
		t.Fatal("missing answer_fallback event")
	}
}

func TestUpstreamFailureAfterFillerKeepsFillerFlag(t *testing.T) {
	cfg := testConfig()
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: 3 * time.Millisecond, fillerLen: 1000, answerLen: 2}
	o := newOrch(t, stubGen{delay: 150 * time.Millisecond, err: errors.New("model unavailable")}, syn, sink, cfg, nil, nil)

	out, err := o.ProcessTurn(context.Background(), "question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.FinalText != cfg.FallbackText {
		t.Fatalf("FinalText = %q, want fallback", out.FinalText)
	}
	if !out.UsedFiller {
		t.Fatal("UsedFiller = false; filler was audible before the failure")
	}
}

func TestHardTimeoutSpeaksFallback(t *testing.T) {
	cfg := testConfig()
	cfg.HardTimeout = 150 * time.Millisecond
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: 3 * time.Millisecond, fillerLen: 1000, answerLen: 2}
	mem := metrics.NewMemoryObserver()
	o := newOrch(t, stubGen{delay: 10 * time.Second, text: "too late"}, syn, sink, cfg, nil, mem)

	start := time.Now()
	out, err := o.ProcessTurn(context.Background(), "question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.FinalText != cfg.FallbackText {
		t.Fatalf("FinalText = %q, want fallback", out.FinalText)
	}
	if !out.UsedFiller {
		t.Fatal("UsedFiller = false; filler should have run while waiting")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("turn took %v; hard timeout did not fire", elapsed)
	}
	events := mem.ByName(metrics.EventAnswerFallback)
	if len(events) != 1 {
		t.Fatalf("answer_fallback events = %d, want 1", len(events))
	}
	if cause := events[0].Fields["cause"]; cause != "hard_timeout" {
		t.Fatalf("fallback cause = %v, want hard_timeout", cause)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", o.State())
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{frameGap: 3 * time.Millisecond, fillerLen: 1000, answerLen: 2}
	o := newOrch(t, stubGen{delay: 200 * time.Millisecond, text: "answer"}, syn, sink, testConfig(), nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := o.ProcessTurn(context.Background(), "first"); err != nil {
			t.Errorf("first turn: %v", err)
		}
	}()

	waitFor(t, time.Second, "first turn to start", func() bool {
		return o.State() != StateIdle
	})
	if _, err := o.ProcessTurn(context.Background(), "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("err = %v, want ErrTurnInFlight", err)
	}
	<-done
}

func TestFillerSynthFailureIsAbsorbed(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{
		frameGap:   time.Millisecond,
		answerLen:  3,
		failFiller: errors.New("tts down"),
	}
	mem := metrics.NewMemoryObserver()
	o := newOrch(t, stubGen{delay: 120 * time.Millisecond, text: "still fine"}, syn, sink, testConfig(), nil, mem)

	out, err := o.ProcessTurn(context.Background(), "question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.UsedFiller {
		t.Fatal("UsedFiller = true but filler synthesis failed")
	}
	if out.FinalText != "still fine" {
		t.Fatalf("FinalText = %q", out.FinalText)
	}
	if got := countBySource(sink, frames.SourceFiller); got != 0 {
		t.Fatalf("%d filler frames despite synthesis failure", got)
	}
	if len(mem.ByName(metrics.EventFillerSynthFail)) != 1 {
		t.Fatal("missing filler_synth_failed event")
	}
}

func TestLateFillerReportsLateness(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{
		frameGap:     3 * time.Millisecond,
		connectDelay: 120 * time.Millisecond,
		fillerLen:    1000,
		answerLen:    3,
	}
	mem := metrics.NewMemoryObserver()
	o := newOrch(t, stubGen{delay: 250 * time.Millisecond, text: "late but fine"}, syn, sink, testConfig(), nil, mem)

	out, err := o.ProcessTurn(context.Background(), "question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !out.UsedFiller {
		t.Fatal("UsedFiller = false, filler should still become audible before the answer")
	}

	causes := map[string]bool{}
	for _, ev := range mem.ByName(metrics.EventFillerLate) {
		if c, ok := ev.Fields["cause"].(string); ok {
			causes[c] = true
		}
	}
	if !causes["max_delay"] {
		t.Fatal("no filler_late event for silence past the max delay")
	}
	if !causes["filler_start_max"] {
		t.Fatal("no filler_late event for first audio past the start budget")
	}
}

func TestFinalSynthFailureSurfacesOutcomeAndError(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{
		frameGap:   time.Millisecond,
		fillerLen:  1000,
		answerLen:  3,
		failAnswer: errors.New("tts down"),
	}
	o := newOrch(t, stubGen{delay: 5 * time.Millisecond, text: "the answer"}, syn, sink, testConfig(), nil, nil)

	out, err := o.ProcessTurn(context.Background(), "question")
	if err == nil {
		t.Fatal("final synthesis failure was swallowed")
	}
	if !errorsx.HasReason(err, errorsx.ReasonSynthFinal) {
		t.Fatalf("reason = %q, want %q", errorsx.Reason(err), errorsx.ReasonSynthFinal)
	}
	if out == nil {
		t.Fatal("no outcome alongside the failure")
	}
	if out.FinalText != "the answer" {
		t.Fatalf("FinalText = %q", out.FinalText)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", o.State())
	}
}

func TestFinalStreamFailureSurfaces(t *testing.T) {
	sink := audio.NewMemorySink()
	syn := &stubSynth{
		frameGap:        time.Millisecond,
		answerLen:       2,
		answerStreamErr: errors.New("connection reset"),
	}
	o := newOrch(t, stubGen{delay: 5 * time.Millisecond, text: "the answer"}, syn, sink, testConfig(), nil, nil)

	out, err := o.ProcessTurn(context.Background(), "question")
	if err == nil {
		t.Fatal("mid-stream failure was swallowed")
	}
	if out == nil || out.FinalText != "the answer" {
		t.Fatalf("outcome = %+v", out)
	}
	// The frames that made it out before the failure are still accounted.
	if got := countBySource(sink, frames.SourceAnswer); got != 2 {
		t.Fatalf("answer frames before failure = %d, want 2", got)
	}
}
