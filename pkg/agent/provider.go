package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/reinholt/loom/pkg/session"
)

// ToolSpec is a provider-neutral tool declaration sent with a request.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request describes one streaming completion call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []session.Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
}

// Response is the complete result of a finished stream.
type Response struct {
	Content      string
	ToolCalls    []session.ToolCall
	Usage        session.Usage
	FinishReason string
}

// StreamEvent is one element of a provider stream: a text delta, an
// error, or the final accumulated response.
type StreamEvent struct {
	Delta    string
	Err      error
	Done     bool
	Response *Response
}

// Provider starts streaming completions. Cancelling the context cancels
// the stream; the returned channel is closed when the stream ends.
type Provider interface {
	Name() string
	StartStream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// ProviderError wraps a model-provider failure. The loop retries only
// when Retryable is set.
type ProviderError struct {
	Provider  string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// isRetryable classifies raw SDK errors: rate limits, transient network
// failures and 5xx responses are worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"429", "rate limit",
		"500", "502", "503", "504",
		"connection reset", "timeout", "temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// wrapProviderErr normalizes an SDK error into a ProviderError.
func wrapProviderErr(name string, err error) *ProviderError {
	return &ProviderError{Provider: name, Err: err, Retryable: isRetryable(err)}
}

// Factory creates providers by name from an API key.
type Factory struct{}

// NewProvider resolves a provider implementation by name.
func (f *Factory) NewProvider(name, apiKey, model string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey, model), nil
	case "openai":
		return NewOpenAIProvider(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// ProviderJudge adapts a Provider to the verify package's Judge contract:
// one non-tool completion, returned as plain text.
type ProviderJudge struct {
	Provider  Provider
	Model     string
	MaxTokens int
}

// Complete implements verify.Judge.
func (j *ProviderJudge) Complete(ctx context.Context, system, prompt string) (string, error) {
	maxTokens := j.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	ch, err := j.Provider.StartStream(ctx, Request{
		Model:        j.Model,
		SystemPrompt: system,
		Messages:     []session.Message{{Role: "user", Content: prompt}},
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return "", err
	}
	for ev := range ch {
		if ev.Err != nil {
			return "", ev.Err
		}
		if ev.Done && ev.Response != nil {
			return ev.Response.Content, nil
		}
	}
	return "", fmt.Errorf("stream ended without a final response")
}
