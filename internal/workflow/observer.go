package workflow

import (
	"context"
	"time"
)

// Event is one phase transition of a running workflow.
type Event struct {
	RequestID  string    `json:"request_id"`
	AgentID    string    `json:"agent_id"`
	Phase      Phase     `json:"phase"`
	Iteration  int       `json:"iteration"`
	Confidence float64   `json:"confidence"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Observer receives events synchronously on the workflow goroutine; it must
// not block.
type Observer func(Event)

type ctxKeyObserver struct{}

// WithObserver attaches an observer that sees every phase transition.
func WithObserver(ctx context.Context, fn Observer) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyObserver{}, fn)
}

// ObserverFrom returns the attached observer, or nil.
func ObserverFrom(ctx context.Context) Observer {
	if ctx == nil {
		return nil
	}
	fn, _ := ctx.Value(ctxKeyObserver{}).(Observer)
	return fn
}
