package llm

import (
	"context"
	"time"

	llmclient "orchestra/internal/llmClient"
)

const (
	defaultRetryBase = 300 * time.Millisecond
	maxRetryDelay    = 10 * time.Second
)

// Retry re-issues transient failures up to attempts calls in total, doubling
// the wait from base each time (capped at maxRetryDelay).
func Retry(attempts int, base time.Duration) Middleware {
	attempts = max(attempts, 1)
	if base <= 0 {
		base = defaultRetryBase
	}
	return func(next llmclient.LLMClient) llmclient.LLMClient {
		return &retrying{LLMClient: next, attempts: attempts, base: base}
	}
}

type retrying struct {
	llmclient.LLMClient
	attempts int
	base     time.Duration
}

func (r *retrying) Generate(ctx context.Context, req llmclient.Request) (string, error) {
	delay := r.base
	for attempt := 1; ; attempt++ {
		out, err := r.LLMClient.Generate(ctx, req)
		if err == nil || !llmclient.IsTransient(err) || attempt == r.attempts {
			return out, err
		}
		if werr := wait(ctx, delay); werr != nil {
			return "", werr
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
