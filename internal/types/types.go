package types

import (
	"strings"
	"time"
)

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role    string    `json:"role"` // "user" or "assistant"
	Content string    `json:"content"`
	At      time.Time `json:"at,omitempty"`
}

// Request is the immutable input of one orchestration run. It is created at
// ingress and only read afterwards.
type Request struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	History   []Turn `json:"history,omitempty"`
	SessionID string `json:"session_id"`
}

// Identity returns the caller key used by the trust store.
func (r Request) Identity() string {
	if id := strings.TrimSpace(r.SessionID); id != "" {
		return id
	}
	return "anonymous"
}

// RecentHistory returns at most n of the latest turns.
func (r Request) RecentHistory(n int) []Turn {
	if n <= 0 || len(r.History) == 0 {
		return nil
	}
	if len(r.History) <= n {
		out := make([]Turn, len(r.History))
		copy(out, r.History)
		return out
	}
	out := make([]Turn, n)
	copy(out, r.History[len(r.History)-n:])
	return out
}
