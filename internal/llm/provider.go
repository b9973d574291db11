package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	llmclient "orchestra/internal/llmClient"
)

const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderFake      = "fake"
)

// ProviderConfig selects and tunes the generative backend.
type ProviderConfig struct {
	Provider        string
	Model           string
	GeminiAPIKey    string
	AnthropicAPIKey string
	RPS             float64
	Burst           int
	Retries         int
	RetryBase       time.Duration
	Timeout         time.Duration
}

// NewFromConfig builds the configured provider and wraps it with the standard
// middleware chain: hooks, logging, retry, rate limit, per-call timeout.
func NewFromConfig(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (llmclient.LLMClient, error) {
	base, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return Wrap(base, Standard(cfg, logger)...), nil
}

// Standard returns the middleware chain applied by NewFromConfig.
func Standard(cfg ProviderConfig, logger *zap.Logger) []Middleware {
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return []Middleware{
		WithHooks(),
		WithLogging(logger),
		Retry(retries, cfg.RetryBase),
		RateLimit(cfg.RPS, cfg.Burst),
		Timeout(timeout),
	}
}

func newProvider(ctx context.Context, cfg ProviderConfig) (llmclient.LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGemini, "":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, fmt.Errorf("gemini provider requires GEMINI_API_KEY")
		}
		return llmclient.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.Model)
	case ProviderAnthropic:
		model := cfg.Model
		if strings.TrimSpace(model) == "" {
			model = "claude-sonnet-4-5"
		}
		return llmclient.NewAnthropicFromAPIKey(cfg.AnthropicAPIKey, model)
	case ProviderFake:
		return NewFakeClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
