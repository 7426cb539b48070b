// Package answer wraps the pluggable "generate the real answer" call as a
// cancellable, awaitable unit of work.
package answer

import "context"

// Request carries one caller utterance to the generator.
type Request struct {
	CallID      string
	TurnID      string
	Utterance   string
	DisplayName string
}

// Response is the generator's complete answer text.
type Response struct {
	Text string
}

// Generator produces the real answer for one utterance. Implementations may
// be slow (hundreds of milliseconds to seconds) and must be safe to call
// from a background goroutine. Honoring ctx cancellation is encouraged but
// not required; the Task discards late results either way.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (Response, error)

func (f GeneratorFunc) Name() string { return "func" }

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
