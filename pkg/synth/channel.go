package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/banter/pkg/errorsx"
	"github.com/harunnryd/banter/pkg/frames"
)

// Channel adapts one provider stream to the turn loop's contract: an
// unbuffered frame feed, an idempotent Stop with a no-frames-after-return
// guarantee, and did-any-audio-play bookkeeping.
//
// Frames are handed over unbuffered, so FramesEmitted is true exactly when
// the consumer actually received audio, which is the fact the
// commit-iff-audible rule for filler phrases needs.
type Channel struct {
	req    Request
	stream Stream

	out      chan frames.AudioFrame
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	emitted  atomic.Bool

	mu  sync.Mutex
	err error

	log *slog.Logger
}

// Open starts synthesis for req and wraps the provider stream. The error is
// the provider's own (connect/send class); callers decide whether it is
// absorbed (filler) or escalated (final answer).
func Open(ctx context.Context, syn Synthesizer, req Request, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	stream, err := syn.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		req:    req,
		stream: stream,
		out:    make(chan frames.AudioFrame),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    log,
	}
	go c.pump()
	return c, nil
}

func (c *Channel) pump() {
	defer close(c.done)
	defer close(c.out)
	for {
		f, err := c.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.stopping() {
				c.setErr(errorsx.Wrap(err, errorsx.ReasonSynthStream))
				c.log.Debug("synthesis stream failed",
					slog.String("turn_id", c.req.TurnID),
					slog.String("source", string(c.req.Source)),
					slog.String("error", err.Error()))
			}
			return
		}
		select {
		case <-c.stop:
			return
		default:
		}
		select {
		case c.out <- f:
			c.emitted.Store(true)
		case <-c.stop:
			return
		}
	}
}

// Frames is the unbuffered feed of synthesized audio. Closed when the
// stream ends, fails, or is stopped.
func (c *Channel) Frames() <-chan frames.AudioFrame {
	return c.out
}

// Stop cuts the stream off. Idempotent and safe from any goroutine. When
// Stop returns the pump has exited: no further frame will ever be
// delivered, and upstream consumption has been closed. The wait is short;
// the pump only ever blocks on a frame hand-off (released by the stop gate)
// or on Recv (released by closing the provider stream).
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if err := c.stream.Close(); err != nil {
			c.log.Debug("synthesis stream close",
				slog.String("turn_id", c.req.TurnID),
				slog.String("error", err.Error()))
		}
	})
	<-c.done
}

// FramesEmitted reports whether any frame reached the consumer.
func (c *Channel) FramesEmitted() bool {
	return c.emitted.Load()
}

// Err is the terminal stream error. Nil after a clean end or a stop.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the pump has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Channel) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}
