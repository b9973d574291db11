package llm

import (
	"context"

	llmclient "orchestra/internal/llmClient"
)

// Phases name the kind of backend call in flight. They key logging, hooks
// and the offline FakeClient.
const (
	PhaseBid        = "bid"
	PhaseGenerate   = "generate"
	PhaseEvaluate   = "evaluate"
	PhaseSynthesize = "synthesize"
	PhaseRootCause  = "root_cause"
	PhaseRisk       = "risk"
	PhaseIntent     = "intent"

	phaseUnknown = "unknown"
)

// PromptHook observes every call that passes through the Hooks middleware.
type PromptHook interface {
	Before(ctx context.Context, phase string, req llmclient.Request)
	After(ctx context.Context, phase string, out string, err error)
}

type (
	hookKey  struct{}
	phaseKey struct{}
)

func WithPromptHook(ctx context.Context, hook PromptHook) context.Context {
	return context.WithValue(ctx, hookKey{}, hook)
}

// WithPhase tags the calls made with ctx.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}

func HookFrom(ctx context.Context) PromptHook {
	h, _ := ctx.Value(hookKey{}).(PromptHook)
	return h
}

// PhaseFrom returns the tagged phase or "unknown".
func PhaseFrom(ctx context.Context) string {
	if p, ok := ctx.Value(phaseKey{}).(string); ok && p != "" {
		return p
	}
	return phaseUnknown
}
