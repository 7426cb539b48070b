// Package synth wraps pluggable text-to-speech providers as cancellable,
// streamable synthesis channels.
package synth

import (
	"context"

	"github.com/harunnryd/banter/pkg/frames"
)

// Request describes one single-use synthesis stream.
type Request struct {
	CallID string
	TurnID string
	Text   string
	Voice  string
	Source frames.Source
}

// Stream is a provider-side lazy, finite, non-restartable audio sequence.
// Recv blocks for the next frame and returns io.EOF at the natural end.
// Close is idempotent and stops upstream consumption; after Close returns,
// Recv must unblock promptly.
type Stream interface {
	Recv() (frames.AudioFrame, error)
	Close() error
}

// Synthesizer turns text into a frame stream. One call, one stream; a
// stopped stream is discarded, never revived.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (Stream, error)
}
