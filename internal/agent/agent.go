package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"orchestra/internal/llm"
	llmclient "orchestra/internal/llmClient"
	"orchestra/internal/llmtool"
	"orchestra/internal/router"
)

var bidSchema = llmtool.MustSchema("bid", `{
  "type": "object",
  "required": ["confidence", "reasoning"],
  "properties": {
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"}
  }
}`)

var bidPrompt = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose: "Decide how well YOU are suited to handle the user request in [INPUT JSON].",
	Background: "You are one of several independent agents. Judge only from your own description " +
		"and capabilities; nobody else decides for you.",
	OutputFields: []llmtool.PromptField{
		{Name: "confidence", Type: "number 0..1", Required: true, Description: "how well the request matches your capabilities"},
		{Name: "reasoning", Type: "string", Required: true, Description: "one sentence"},
	},
	Rules: []string{
		"Above 0.8 only when the request is squarely in your specialty.",
		"Around 0.3 when the request is outside your specialty.",
	},
}, llmtool.PresetStrictJSON(), llmtool.PresetUntrustedInput()).MustRender()

// Agent is a capability profile plus its bidding function.
type Agent struct {
	profile Profile
	llm     llmclient.LLMClient
	log     *zap.Logger
}

func New(p Profile, client llmclient.LLMClient, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{profile: p, llm: client, log: logger.With(zap.String("agent", p.ID))}
}

// FromProfiles builds one agent per profile, preserving order.
func FromProfiles(ps []Profile, client llmclient.LLMClient, logger *zap.Logger) []*Agent {
	out := make([]*Agent, 0, len(ps))
	for _, p := range ps {
		out = append(out, New(p, client, logger))
	}
	return out
}

func (a *Agent) ID() string       { return a.profile.ID }
func (a *Agent) Profile() Profile { return a.profile }

// EvaluateRequest asks the backend, prompted only with this agent's own
// capability description, how confident the agent is about the request.
func (a *Agent) EvaluateRequest(ctx context.Context, content string) (router.Bid, error) {
	ctx = llm.WithPhase(ctx, llm.PhaseBid)
	req := llmclient.Request{
		System: bidPrompt,
		Messages: []llmclient.Message{{
			Role:    llmclient.RoleUser,
			Content: fmt.Sprintf("You are %s. %s", a.profile.Name, strings.TrimSpace(a.profile.Description)),
		}},
		Input: map[string]any{
			"agent_id":     a.profile.ID,
			"description":  a.profile.Description,
			"capabilities": a.profile.Capabilities,
			"request":      content,
		},
		Sampling: llmclient.Sampling{Temperature: 0.1, MaxTokens: 256},
	}
	var out struct {
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := llmtool.Call(ctx, a.llm, req, bidSchema, &out); err != nil {
		return router.Bid{}, err
	}
	return router.Bid{AgentID: a.profile.ID, Confidence: out.Confidence, Reasoning: out.Reasoning}, nil
}

// Candidates adapts agents to the router interface.
func Candidates(as []*Agent) []router.Candidate {
	out := make([]router.Candidate, len(as))
	for i, a := range as {
		out[i] = a
	}
	return out
}
