// Package llm calls OpenAI-compatible chat models and implements the fix
// pipeline's analysis and generation capabilities on top of them.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/3cpo-dev/testfleet/internal/core"
)

type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
	// JSON asks the model for a single JSON object.
	JSON bool
}

type Response struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Engine is a model-calling capability. Failures are returned, never
// panicked.
type Engine interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Client is an Engine backed by an OpenAI-compatible chat completions API.
type Client struct {
	api   *openai.Client
	model string
}

// NewClient builds a client from configuration. An API key is required
// unless BaseURL points at a self-hosted server.
func NewClient(cfg core.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("llm: OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		return nil, core.NewConfigError("llm.model", "", "must not be empty")
	}
	retry := DefaultRetryConfig()
	if cfg.MaxRetries >= 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Transport: &RetryingTransport{
			Retry:   retry,
			Limiter: NewRateLimiter(cfg.RequestsPerSecond),
		},
	}
	log.Debug().Str("model", cfg.Model).Str("base_url", oc.BaseURL).Msg("initializing model client")
	return &Client{api: openai.NewClientWithConfig(oc), model: cfg.Model}, nil
}

func (c *Client) Model() string { return c.model }

func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, creq)
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("chat completion: no choices returned")
	}
	choice := resp.Choices[0]
	log.Debug().Str("model", c.model).Str("finish_reason", string(choice.FinishReason)).
		Int("completion_tokens", resp.Usage.CompletionTokens).Dur("elapsed", time.Since(start)).Msg("model replied")
	return Response{
		Content:          choice.Message.Content,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
