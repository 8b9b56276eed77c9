// Package llm provides the text-completion clients used for ICRL
// disambiguation when case retrieval is inconclusive.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"trustgate/internal/config"
	"trustgate/internal/logging"
	"trustgate/internal/types"
)

const maxRetries = 3

// errRateLimited marks a response worth retrying.
var errRateLimited = errors.New("rate limit exceeded (429)")

// New builds the configured client. Provider "none" returns a nil client,
// which disables the ICRL fallback.
func New(cfg config.LLMConfig, timeout time.Duration) (types.LLMClient, error) {
	switch cfg.Provider {
	case "none", "":
		logging.LLMDebug("no LLM configured, ICRL fallback disabled")
		return nil, nil
	case "genai":
		c, err := NewGenAIClient(cfg.APIKey, cfg.Model, timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Model, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'none', 'genai' or 'ollama')", cfg.Provider)
	}
}

// withRetry runs call with exponential backoff, retrying only errors wrapped
// by retryable. The first attempt is immediate.
func withRetry(ctx context.Context, base time.Duration, call func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(maxRetries, retry.NewExponential(base))
	return retry.Do(ctx, b, call)
}

// retryable marks transient failures (transport errors, 429, 5xx).
func retryable(err error) error {
	return retry.RetryableError(err)
}

// withTimeout applies timeout if ctx carries no deadline of its own.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
