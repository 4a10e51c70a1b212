package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryingClient retries transient transport failures with capped
// exponential backoff. Only errors the underlying client marked retryable
// are retried; everything else (malformed response, auth failure) is
// permanent. A retried call still counts as one logical model call: no
// output has been produced when a transport error occurs.
type RetryingClient struct {
	inner      Client
	maxRetries uint64
}

// NewRetryingClient wraps inner with up to maxRetries retries.
func NewRetryingClient(inner Client, maxRetries int) *RetryingClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingClient{inner: inner, maxRetries: uint64(maxRetries)}
}

// Complete sends a prompt and returns the completion.
func (c *RetryingClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *RetryingClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var out string

	op := func() error {
		resp, err := c.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = resp
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // bounded by retry count and ctx, not wall clock

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	if err != nil {
		if IsRetryable(err) || ctx.Err() != nil {
			return "", asUpstream(err)
		}
		return "", err
	}
	return out, nil
}
