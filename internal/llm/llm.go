// Package llm wraps the OpenAI API for the three model-backed operations
// the core needs: parsing a user utterance into intent JSON, decomposing a
// goal into a step list, and summarizing a dispatch result for the user.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the model used for chat completions unless overridden.
var DefaultModel = string(openai.ChatModelGPT4oMini)

const (
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 1000
	DefaultTimeout     = 20 * time.Second
)

var (
	ErrAPIKeyNotSet      = fmt.Errorf("llm: API key not set")
	ErrNoChoicesReturned = fmt.Errorf("llm: no choices returned from model")
	// ErrTimeout is returned when a call exceeds its deadline. The intent
	// package maps this to IntentTimeout.
	ErrTimeout = fmt.Errorf("llm: call timed out")
)

// ChatService is the minimal surface of the OpenAI client this package
// calls, narrowed for substitutability in tests.
type ChatService interface {
	Create(ctx context.Context, body openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type chatServiceWrapper struct {
	newFunc func(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

func (w *chatServiceWrapper) Create(ctx context.Context, body openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := w.newFunc(ctx, body)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts configures a Client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Option mutates Opts.
type Option func(*Opts)

func WithAPIKey(key string) Option      { return func(o *Opts) { o.APIKey = key } }
func WithModel(model string) Option     { return func(o *Opts) { o.Model = model } }
func WithTemperature(t float64) Option  { return func(o *Opts) { o.Temperature = t } }
func WithMaxTokens(n int) Option        { return func(o *Opts) { o.MaxTokens = n } }
func WithTimeout(d time.Duration) Option { return func(o *Opts) { o.Timeout = d } }

// Client wraps the OpenAI API for the core's three model-backed calls.
type Client struct {
	chat        ChatService
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// NewClient builds a Client from the provided options, defaulting
// anything unset per spec.md §6.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		chat:        &chatServiceWrapper{newFunc: cli.Chat.Completions.New},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(int64(c.maxTokens)),
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			slog.Warn("Client.complete: context deadline exceeded", "model", c.model)
			return "", ErrTimeout
		}
		slog.Error("Client.complete: chat.Create failed", "error", err, "model", c.model)
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("Client.complete: no choices returned", "model", c.model)
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON calls the model and returns raw text expected to be a JSON
// object. On a first parse failure by the caller, RetryJSON should be
// called once with a stricter reminder before giving up (spec.md §4.2
// step 3).
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	slog.Debug("Client.CompleteJSON invoked", "model", c.model)
	return c.complete(ctx, system, user)
}

// RetryJSON re-issues the same call with an appended "reply JSON only"
// reminder, used exactly once after a parse failure.
func (c *Client) RetryJSON(ctx context.Context, system, user string) (string, error) {
	slog.Debug("Client.RetryJSON invoked", "model", c.model)
	strictSystem := system + "\n\nReply with a single JSON object and nothing else. No markdown fences, no commentary."
	return c.complete(ctx, strictSystem, user)
}

// CompleteText calls the model for a plain-text reply, used by the
// Summarizer.
func (c *Client) CompleteText(ctx context.Context, system, user string) (string, error) {
	slog.Debug("Client.CompleteText invoked", "model", c.model)
	return c.complete(ctx, system, user)
}

// DecodeJSON is a small helper so callers don't each reimplement the
// unmarshal-with-context-error pattern.
func DecodeJSON(raw string, v interface{}) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("llm: decode JSON response: %w", err)
	}
	return nil
}
