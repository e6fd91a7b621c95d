// Package llm talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter by default) for replies and conversation digests.
package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	openai "github.com/sashabaranov/go-openai"

	"github.com/stellarlinkco/yuno/internal/memory"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "mistralai/mistral-medium-3.1"
	DefaultTimeout = 30 * time.Second
)

// Config configures a Client. Empty fields take the package defaults.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Settings are the per-call generation parameters.
type Settings struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// Generator produces a reply for a role-tagged message list.
type Generator interface {
	Generate(ctx context.Context, entries []memory.Entry, settings Settings) (string, error)
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Client struct {
	api     chatCompleter
	timeout time.Duration
}

var _ Generator = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, goerr.Wrap(ErrMissingAPIKey, "create completion client")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = baseURL
	oc.HTTPClient = httpClient

	return &Client{
		api:     openai.NewClientWithConfig(oc),
		timeout: timeout,
	}, nil
}

// Generate sends entries as one chat completion request and returns the
// first choice's content.
func (c *Client) Generate(ctx context.Context, entries []memory.Entry, settings Settings) (string, error) {
	model := settings.Model
	if model == "" {
		model = DefaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toMessages(entries),
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
	})
	if err != nil {
		return "", classify(err, model)
	}
	if len(resp.Choices) == 0 {
		return "", goerr.Wrap(ErrMalformed, "response has no choices", goerr.V("model", model))
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", goerr.Wrap(ErrMalformed, "response content is empty", goerr.V("model", model))
	}
	return content, nil
}

func toMessages(entries []memory.Entry) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(e.Role),
			Content: e.Content,
		})
	}
	return out
}

func classify(err error, model string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return goerr.Wrap(ErrTimeout, "completion request timed out",
			goerr.V("model", model), goerr.V("cause", err.Error()))
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return goerr.Wrap(ErrRemote, "completion request failed",
		goerr.V("model", model), goerr.V("status", status), goerr.V("cause", err.Error()))
}
