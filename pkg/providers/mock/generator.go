package mock

import (
	"context"
	"time"

	"github.com/harunnryd/banter/pkg/answer"
)

// GenConfig shapes the fake answers.
type GenConfig struct {
	ResponseText string        // default "mock response"
	Delay        time.Duration // simulated thinking time
	Err          error         // returned instead of a response

	// Answer, when set, overrides everything else.
	Answer func(req answer.Request) (string, error)
}

type Generator struct {
	cfg GenConfig
}

func NewGenerator(cfg GenConfig) *Generator {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &Generator{cfg: cfg}
}

func (g *Generator) Name() string { return "mock" }

func (g *Generator) Generate(ctx context.Context, req answer.Request) (answer.Response, error) {
	if g.cfg.Delay > 0 {
		select {
		case <-time.After(g.cfg.Delay):
		case <-ctx.Done():
			return answer.Response{}, ctx.Err()
		}
	}
	if g.cfg.Answer != nil {
		text, err := g.cfg.Answer(req)
		if err != nil {
			return answer.Response{}, err
		}
		return answer.Response{Text: text}, nil
	}
	if g.cfg.Err != nil {
		return answer.Response{}, g.cfg.Err
	}
	return answer.Response{Text: g.cfg.ResponseText}, nil
}

var _ answer.Generator = (*Generator)(nil)
