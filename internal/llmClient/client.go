package llmclient

import (
	"context"
	"encoding/json"
	"strings"
)

// Role identifies the speaker of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn sent to the backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Sampling carries the sampling parameters of a single call.
type Sampling struct {
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for an application/json response when supported.
	JSON bool
}

// Request is the provider-neutral input of one backend call.
type Request struct {
	System   string
	Messages []Message
	// Input is an optional structured payload appended to the last user
	// message as an [INPUT JSON] block.
	Input    any
	Sampling Sampling
}

// LLMClient is the generative backend: given messages and instructions it
// returns generated text or fails.
type LLMClient interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
	Close() error
}

// RenderMessages returns the request messages with Input folded into the last
// user message. A request without messages yields a single user message.
func RenderMessages(req Request) []Message {
	out := make([]Message, 0, len(req.Messages)+1)
	out = append(out, req.Messages...)
	if req.Input == nil {
		if len(out) == 0 {
			out = append(out, Message{Role: RoleUser, Content: ""})
		}
		return out
	}
	in, _ := json.MarshalIndent(req.Input, "", "  ")
	block := "[INPUT JSON]\n" + string(in)
	last := len(out) - 1
	if last >= 0 && out[last].Role == RoleUser {
		out[last].Content = strings.TrimRight(out[last].Content, "\n") + "\n\n" + block
		return out
	}
	return append(out, Message{Role: RoleUser, Content: block})
}

// CountTokens approximates the token count of text by whitespace-separated words.
func CountTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	words := strings.Fields(text)
	if len(words) > 0 {
		return len(words)
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
