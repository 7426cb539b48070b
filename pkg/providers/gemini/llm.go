// Package gemini generates answers with the Google Gemini API.
package gemini

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/harunnryd/banter/pkg/answer"
	"github.com/harunnryd/banter/pkg/logging"
	"github.com/harunnryd/banter/pkg/resilience"
)

const defaultSystemPrompt = "You are a concise voice assistant on a phone call. " +
	"Answer in one or two short sentences a person can comfortably listen to."

type Config struct {
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

type Generator struct {
	cfg    Config
	client *genai.Client
	log    *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: missing api key")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if log == nil {
		log = slog.Default()
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Generator{
		cfg:    cfg,
		client: client,
		log:    logging.NewComponentLogger(log, "gemini"),
	}, nil
}

func (g *Generator) Name() string { return "gemini" }

func (g *Generator) Generate(ctx context.Context, req answer.Request) (answer.Response, error) {
	system := g.cfg.SystemPrompt
	if req.DisplayName != "" {
		system += " Your name is " + req.DisplayName + "."
	}
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(g.cfg.Temperature)),
		MaxOutputTokens:   int32(g.cfg.MaxTokens),
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(req.Utterance), config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
			return answer.Response{}, resilience.RateLimitError{Provider: "gemini", Message: apiErr.Message}
		}
		return answer.Response{}, err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return answer.Response{}, errors.New("gemini: empty completion")
	}
	g.log.Debug("completion received",
		slog.String("turn_id", req.TurnID),
		slog.Int("text_len", len(text)))
	return answer.Response{Text: text}, nil
}

var _ answer.Generator = (*Generator)(nil)
