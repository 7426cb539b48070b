package answer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/banter/pkg/errorsx"
)

func slowGen(delay time.Duration, text string, err error) Generator {
	return GeneratorFunc(func(ctx context.Context, req Request) (Response, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
		return Response{Text: text}, err
	})
}

func TestTaskDeliversResult(t *testing.T) {
	task := Spawn(context.Background(), slowGen(5*time.Millisecond, "hello", nil), Request{TurnID: "t1"}, nil)
	if task.Ready() {
		t.Fatalf("task ready before generator returned")
	}
	text, err := task.Await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if text != "hello" {
		t.Fatalf("unexpected text %q", text)
	}
	if !task.Ready() {
		t.Fatalf("task not ready after await")
	}
}

func TestTaskWrapsUpstreamError(t *testing.T) {
	boom := errors.New("upstream exploded")
	task := Spawn(context.Background(), slowGen(0, "", boom), Request{}, nil)
	_, err := task.Await(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonAnswerUpstream) {
		t.Fatalf("expected answer_upstream reason, got %s", errorsx.Reason(err))
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error in chain")
	}
}

func TestCancelIsFinal(t *testing.T) {
	// Generator that ignores ctx and succeeds after cancel.
	task := Spawn(context.Background(), GeneratorFunc(func(ctx context.Context, req Request) (Response, error) {
		time.Sleep(20 * time.Millisecond)
		return Response{Text: "late"}, nil
	}), Request{}, nil)

	task.Cancel()
	task.Cancel() // idempotent

	_, err := task.Await(context.Background())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	// Late result must stay discarded on repeat reads.
	if _, err := task.Result(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("late result surfaced: %v", err)
	}
}

func TestCancelPropagatesContext(t *testing.T) {
	started := make(chan struct{})
	task := Spawn(context.Background(), GeneratorFunc(func(ctx context.Context, req Request) (Response, error) {
		close(started)
		<-ctx.Done()
		return Response{}, ctx.Err()
	}), Request{}, nil)
	<-started
	task.Cancel()
	_, err := task.Await(context.Background())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestResultBeforeDone(t *testing.T) {
	task := Spawn(context.Background(), slowGen(30*time.Millisecond, "x", nil), Request{}, nil)
	if _, err := task.Result(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := task.Await(context.Background()); err != nil {
		t.Fatalf("await: %v", err)
	}
}

func TestAwaitHonorsCallerContext(t *testing.T) {
	task := Spawn(context.Background(), slowGen(time.Second, "x", nil), Request{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := task.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	task.Cancel()
}
