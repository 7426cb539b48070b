package answer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/banter/pkg/errorsx"
	"github.com/harunnryd/banter/pkg/resilience"
)

// ErrCancelled reports that the task was cancelled before its result was
// taken. It is the only error a cancelled task ever surfaces.
var ErrCancelled = errors.New("answer: generation cancelled")

// ErrNotReady reports a Result call before the task finished.
var ErrNotReady = errors.New("answer: result not ready")

// Task runs one generation in the background. Cancellation is advisory but
// final: the generator may keep running if it ignores its context, but a
// cancelled task never delivers a result. Late arrivals are dropped with a
// debug log and nothing else.
type Task struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
	once      sync.Once

	mu   sync.Mutex
	text string
	err  error

	log *slog.Logger
}

// Spawn starts gen in its own goroutine and returns immediately.
func Spawn(ctx context.Context, gen Generator, req Request, log *slog.Logger) *Task {
	if log == nil {
		log = slog.Default()
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log,
	}
	go t.run(tctx, gen, req)
	return t
}

func (t *Task) run(ctx context.Context, gen Generator, req Request) {
	defer close(t.done)
	defer t.cancel()

	resp, err := gen.Generate(ctx, req)
	if t.cancelled.Load() {
		if err == nil {
			t.log.Debug("late answer discarded",
				slog.String("generator", gen.Name()),
				slog.String("turn_id", req.TurnID))
		}
		t.store("", ErrCancelled)
		return
	}
	if err != nil {
		reason := errorsx.ReasonAnswerUpstream
		switch {
		case resilience.IsRateLimit(err):
			reason = errorsx.ReasonAnswerRateLimit
		case errors.Is(err, context.DeadlineExceeded):
			reason = errorsx.ReasonAnswerTimeout
		}
		t.store("", errorsx.Wrap(err, reason))
		return
	}
	t.store(resp.Text, nil)
}

func (t *Task) store(text string, err error) {
	t.mu.Lock()
	t.text = text
	t.err = err
	t.mu.Unlock()
}

// Done is closed when the generator has returned (or its result was
// discarded). Race it in a select.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Ready reports whether a result (or error) is available without blocking.
func (t *Task) Ready() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result returns the answer once Done. Calling it early is an ErrNotReady;
// calling it on a cancelled task is always ErrCancelled, regardless of what
// the generator eventually produced.
func (t *Task) Result() (string, error) {
	if !t.Ready() {
		return "", ErrNotReady
	}
	if t.cancelled.Load() {
		return "", ErrCancelled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text, t.err
}

// Await blocks until the task finishes or ctx is done.
func (t *Task) Await(ctx context.Context) (string, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel stops waiting on the generator. Idempotent, never blocks.
func (t *Task) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		t.cancel()
	})
}

// Cancelled reports whether Cancel has been invoked.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}
