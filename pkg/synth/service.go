package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/harunnryd/banter/pkg/errorsx"
	"github.com/harunnryd/banter/pkg/frames"
	"github.com/harunnryd/banter/pkg/metrics"
	"github.com/harunnryd/banter/pkg/resilience"
)

// ServiceOptions tunes the resilience wrapper around a provider.
type ServiceOptions struct {
	// FailureThreshold consecutive failures open the circuit for Cooldown.
	FailureThreshold int
	Cooldown         time.Duration

	// MaxRetries applies to answer synthesis connects only. Filler synthesis
	// gets a single attempt: a filler that starts late is worse than none.
	MaxRetries   int
	RetryBackoff time.Duration

	Observer metrics.Observer
	Logger   *slog.Logger
}

// Service wraps a Synthesizer with a circuit breaker, connect retries and
// metrics events. Deliberate stream cutoffs stay invisible to the breaker;
// only real provider failures count.
type Service struct {
	inner   Synthesizer
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
	obs     metrics.Observer
	log     *slog.Logger

	tripped atomic.Bool
}

var _ Synthesizer = (*Service)(nil)

func NewService(inner Synthesizer, opts ServiceOptions) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(opts.FailureThreshold, opts.Cooldown),
		retry:   resilience.NewRetryPolicy(opts.MaxRetries, opts.RetryBackoff),
		obs:     opts.Observer,
		log:     log,
	}
}

func (s *Service) Name() string { return s.inner.Name() }

func (s *Service) Synthesize(ctx context.Context, req Request) (Stream, error) {
	if !s.breaker.Allow() {
		s.record(metrics.EventBreakerDenied, req)
		s.setTripped(true, req)
		s.log.Warn("synthesis circuit breaker open",
			slog.String("provider", s.inner.Name()),
			slog.String("turn_id", req.TurnID))
		return nil, errorsx.Reasonf(errorsx.ReasonSynthCircuitOpen,
			"synthesizer %s: circuit open", s.inner.Name())
	}
	s.setTripped(false, req)

	var stream Stream
	connect := func() error {
		st, err := s.inner.Synthesize(ctx, req)
		if err != nil {
			return err
		}
		stream = st
		return nil
	}

	var err error
	if req.Source == frames.SourceAnswer && s.retry.MaxRetries > 0 {
		err = s.retry.Do(ctx, connect)
	} else {
		err = connect()
	}
	if err != nil {
		s.recordRateLimit(err, req)
		s.breaker.OnError(err)
		s.log.Error("synthesis connect failed",
			slog.String("provider", s.inner.Name()),
			slog.String("turn_id", req.TurnID),
			slog.String("source", string(req.Source)),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonSynthConnect)
	}
	if s.obs != nil {
		s.obs.RecordEvent(metrics.TurnEvent(metrics.EventSynthStarted, req.CallID, req.TurnID, map[string]any{
			"provider": s.inner.Name(),
			"source":   string(req.Source),
			"text_len": len(req.Text),
		}))
	}
	return &watchedStream{Stream: stream, svc: s, req: req}, nil
}

func (s *Service) record(name string, req Request) {
	if s.obs == nil {
		return
	}
	s.obs.RecordEvent(metrics.TurnEvent(name, req.CallID, req.TurnID, map[string]any{
		"provider": s.inner.Name(),
		"source":   string(req.Source),
	}))
}

func (s *Service) recordRateLimit(err error, req Request) {
	if resilience.IsRateLimit(err) {
		s.record(metrics.EventRateLimit, req)
	}
}

func (s *Service) setTripped(open bool, req Request) {
	if s.tripped.Swap(open) == open {
		return
	}
	if open {
		s.record(metrics.EventBreakerOpen, req)
		return
	}
	s.record(metrics.EventBreakerClose, req)
}

// watchedStream reports stream outcomes back to the breaker. A stream that
// was closed by its consumer settles as neither success nor failure.
type watchedStream struct {
	Stream
	svc     *Service
	req     Request
	closed  atomic.Bool
	settled atomic.Bool
}

func (w *watchedStream) Recv() (frames.AudioFrame, error) {
	f, err := w.Stream.Recv()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if w.settled.CompareAndSwap(false, true) {
			w.svc.breaker.OnSuccess()
		}
	case w.closed.Load():
	default:
		if w.settled.CompareAndSwap(false, true) {
			w.svc.recordRateLimit(err, w.req)
			w.svc.breaker.OnError(err)
		}
	}
	return f, err
}

func (w *watchedStream) Close() error {
	w.closed.Store(true)
	return w.Stream.Close()
}
