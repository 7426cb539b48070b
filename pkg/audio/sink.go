// Package audio defines where synthesized frames go: the host attaches a
// Sink per call and the engine writes playout-ordered frames into it.
package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/banter/pkg/frames"
)

// ErrSinkClosed is returned by sinks that no longer accept frames.
var ErrSinkClosed = errors.New("audio: sink closed")

// Sink receives synthesized audio frames in playout order. Write may block
// for pacing; it must respect ctx so a barge-in can abandon a slow write.
type Sink interface {
	Write(ctx context.Context, f frames.AudioFrame) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, f frames.AudioFrame) error

func (fn SinkFunc) Write(ctx context.Context, f frames.AudioFrame) error {
	return fn(ctx, f)
}

// MemorySink records every frame it receives, in order. It backs local
// simulations and tests that assert on playout sequencing.
type MemorySink struct {
	mu     sync.Mutex
	frames []frames.AudioFrame
	closed atomic.Bool
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(ctx context.Context, f frames.AudioFrame) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

// Close rejects all further writes. Recorded frames stay readable.
func (s *MemorySink) Close() error {
	s.closed.CompareAndSwap(false, true)
	return nil
}

// Frames returns a snapshot of everything written so far.
func (s *MemorySink) Frames() []frames.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frames.AudioFrame(nil), s.frames...)
}

// Sources returns the per-frame source sequence, in write order.
func (s *MemorySink) Sources() []frames.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frames.Source, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Source()
	}
	return out
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
