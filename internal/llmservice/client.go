// Package llmservice wraps chat completion against an OpenAI-compatible
// endpoint for analysis generation.
package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"documint/internal/config"
)

// ErrUnavailable is returned when no generation model is configured.
var ErrUnavailable = errors.New("no generation model configured")

// GenerationService produces completions for analysis prompts.
type GenerationService interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Client talks to one configured chat model.
type Client struct {
	model llms.Model
	name  string
}

// NewClient builds a client from config, or nil when no model is set.
// Callers treat a nil client as generation being unavailable.
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	if cfg == nil || cfg.Model == "" {
		return nil, nil
	}
	var model llms.Model
	var err error
	switch cfg.Provider {
	case "ollama":
		model, err = ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
	default:
		model, err = openai.New(
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing generation LLM: %w", err)
	}
	return &Client{model: model, name: cfg.Model}, nil
}

// ModelName reports the configured model.
func (c *Client) ModelName() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Complete sends a system and user message pair and returns the first
// choice's text.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	if c == nil {
		return "", ErrUnavailable
	}
	log.Debug().Str("model", c.name).Int("prompt_len", len(prompt)).Msg("Generating content")

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := c.model.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}
