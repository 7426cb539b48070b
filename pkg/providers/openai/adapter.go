// Package openai generates answers with the OpenAI chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/banter/pkg/answer"
	"github.com/harunnryd/banter/pkg/logging"
	"github.com/harunnryd/banter/pkg/resilience"
)

const defaultSystemPrompt = "You are a concise voice assistant on a phone call. " +
	"Answer in one or two short sentences a person can comfortably listen to."

type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
}

type Generator struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: missing api key")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
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
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logging.NewComponentLogger(log, "openai"),
	}, nil
}

func (g *Generator) Name() string { return "openai" }

func (g *Generator) Generate(ctx context.Context, req answer.Request) (answer.Response, error) {
	body, err := g.buildRequest(req)
	if err != nil {
		return answer.Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", body)
	if err != nil {
		return answer.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return answer.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		return answer.Response{}, resilience.RateLimitError{Provider: "openai", Message: string(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return answer.Response{}, errors.New(string(raw))
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return answer.Response{}, err
	}
	text, err := extractText(payload)
	if err != nil {
		return answer.Response{}, err
	}
	g.log.Debug("completion received",
		slog.String("turn_id", req.TurnID),
		slog.Int("text_len", len(text)))
	return answer.Response{Text: text}, nil
}

func (g *Generator) buildRequest(req answer.Request) (*bytes.Buffer, error) {
	system := g.cfg.SystemPrompt
	if req.DisplayName != "" {
		system += " Your name is " + req.DisplayName + "."
	}
	payload := map[string]any{
		"model": g.cfg.Model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": req.Utterance},
		},
		"max_tokens":  g.cfg.MaxTokens,
		"temperature": g.cfg.Temperature,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func extractText(payload map[string]any) (string, error) {
	choices, _ := payload["choices"].([]any)
	if len(choices) == 0 {
		return "", errors.New("openai: no choices")
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)
	content, _ := msg["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("openai: empty completion")
	}
	return content, nil
}

var _ answer.Generator = (*Generator)(nil)
