// Package llm implements a synchronous LLM client interface: request
// {prompt, max_tokens, model_id}, response {text, stop_reason}. The
// concrete provider wraps github.com/openai/openai-go/v3 behind
// functional options (API key, base URL, timeout) and a single Complete
// method.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"fpai/internal/errkind"
)

// StopReason mirrors the response shape LLM contract.
type StopReason string

const (
	StopReasonComplete StopReason = "complete"
	StopReasonLength   StopReason = "length"
	StopReasonRefusal  StopReason = "refusal"
)

// Request is the generic LLM call shape.
type Request struct {
	Prompt    string
	MaxTokens int
	ModelID   string
}

// Response is the generic LLM call result shape.
type Response struct {
	Text       string
	StopReason StopReason
}

// Client is the interface the Analysis Orchestrator (C8) depends on.
// Never reference a concrete provider outside this package, so fakes can
// be substituted in tests without a real API key.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// DefaultTimeout is the per-call budget (90s).
const DefaultTimeout = 90 * time.Second

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	apiKey  string
	baseURL string
	timeout time.Duration
}

// WithAPIKey sets the API key. If empty, the SDK falls back to the
// OPENAI_API_KEY environment variable.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openaiConfig) { c.apiKey = key }
}

// WithBaseURL points at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = url }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) { c.timeout = d }
}

// OpenAIClient implements Client against the OpenAI chat completions API.
type OpenAIClient struct {
	client  openai.Client
	timeout time.Duration
}

// NewOpenAIClient builds an OpenAIClient from opts.
func NewOpenAIClient(opts ...OpenAIOption) *OpenAIClient {
	cfg := openaiConfig{timeout: DefaultTimeout}
	for _, o := range opts {
		o(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIClient{
		client:  openai.NewClient(clientOpts...),
		timeout: cfg.timeout,
	}
}

// Complete issues one chat completion call and maps the result (or
// failure) onto the/ response and error-kind contract: timeout or
// any 5xx is LLMTimeout/LLMUpstream5xx (transient); a content-policy
// refusal or an unparseable response is LLMRefused/LLMMalformed (fatal).
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:     req.ModelID,
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(req.Prompt)},
		MaxTokens: openai.Int(int64(req.MaxTokens)),
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, errkind.Wrap(errkind.LLMTimeout, err)
		}
		if isUpstream5xx(err) {
			return Response{}, errkind.Wrap(errkind.LLMUpstream5xx, err)
		}
		return Response{}, errkind.Wrap(errkind.LLMUpstream5xx, err)
	}

	if len(completion.Choices) == 0 {
		return Response{}, errkind.Wrap(errkind.LLMMalformed, fmt.Errorf("openai returned no choices"))
	}

	choice := completion.Choices[0]
	if choice.FinishReason == "content_filter" {
		return Response{}, errkind.Wrap(errkind.LLMRefused, fmt.Errorf("content policy refusal"))
	}

	return Response{Text: choice.Message.Content, StopReason: mapStopReason(choice.FinishReason)}, nil
}

func mapStopReason(finish string) StopReason {
	switch finish {
	case "length":
		return StopReasonLength
	case "content_filter":
		return StopReasonRefusal
	default:
		return StopReasonComplete
	}
}

// isUpstream5xx reports whether err carries an OpenAI SDK error with a
// server-side status code.
func isUpstream5xx(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}
