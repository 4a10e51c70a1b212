// Package llm provides clients for the hosted completion service. Model
// output is untrusted: clients return raw text and typed errors, nothing
// in this package parses or acts on completions.
package llm

import (
	"context"
	"errors"
	"fmt"

	"curator/internal/config"
	"curator/internal/types"
)

// Client is the minimal interface the engine uses to call a model.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// retryableError marks transport-level failures (429, 5xx, connection
// resets) that may be retried before any output was produced.
type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether the error is a transient transport failure.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// NewFromConfig builds the configured provider client wrapped with bounded
// retry. Unknown providers are a startup error, not a fallback.
func NewFromConfig(cfg *config.Config) (Client, error) {
	var base Client
	switch cfg.LLM.Provider {
	case "anthropic":
		base = NewAnthropicClient(AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLMTimeout(),
		})
	case "gemini":
		c, err := NewGeminiClient(cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		base = c
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", cfg.LLM.Provider)
	}
	return NewRetryingClient(base, cfg.LLM.MaxRetries), nil
}

// asUpstream converts any residual client error into the engine's typed
// upstream failure so timeouts never escape as naked context errors.
func asUpstream(err error) error {
	if err == nil {
		return nil
	}
	return types.WrapE(types.KindUpstreamUnavailable, err, "completion service unavailable")
}
