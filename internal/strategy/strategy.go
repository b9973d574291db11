package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"orchestra/internal/llm"
	llmclient "orchestra/internal/llmClient"
	"orchestra/internal/llmtool"
)

// Strategy is the revision strategy chosen by root-cause analysis.
type Strategy string

const (
	TargetedRevision Strategy = "TARGETED_REVISION"
	ChangeApproach   Strategy = "CHANGE_APPROACH"
	Abort            Strategy = "ABORT"
)

// Action is the trend-based recommendation.
type Action string

const (
	ActionContinue       Action = "CONTINUE"
	ActionChangeApproach Action = "CHANGE_APPROACH"
	ActionAbort          Action = "ABORT"
)

// CriticalTimeFraction of the budget below which the recommender aborts.
const CriticalTimeFraction = 0.1

// trendWindow is the number of latest confidences compared by the recommender.
const trendWindow = 3

// RootCause is the diagnosis of why an artifact scored low.
type RootCause struct {
	RootCause              string   `json:"root_cause"`
	WillRevisionHelp       bool     `json:"will_revision_help"`
	Strategy               Strategy `json:"strategy"`
	ActionPlan             []string `json:"action_plan"`
	PatternRecommendations []string `json:"pattern_recommendations"`
	Fallback               bool     `json:"fallback,omitempty"`
}

// TrendInput describes the iterations so far.
type TrendInput struct {
	PreviousAttempts int
	ConfidenceTrend  []float64
	TimeRemaining    time.Duration
	TimeBudget       time.Duration
	IterationLimit   int
}

type Recommendation struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Service diagnoses low quality and chooses how to revise.
type Service struct {
	llm llmclient.LLMClient
	log *zap.Logger
}

func New(client llmclient.LLMClient, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{llm: client, log: logger}
}

var rootCauseSchema = llmtool.MustSchema("root_cause", `{
  "type": "object",
  "required": ["root_cause", "will_revision_help", "strategy", "action_plan"],
  "properties": {
    "root_cause": {"type": "string", "minLength": 1},
    "will_revision_help": {"type": "boolean"},
    "strategy": {"enum": ["TARGETED_REVISION", "CHANGE_APPROACH", "ABORT"]},
    "action_plan": {"type": "array", "items": {"type": "string"}},
    "pattern_recommendations": {"type": "array", "items": {"type": "string"}}
  }
}`)

var rootCausePrompt = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose:    "Diagnose WHY the artifact in [INPUT JSON] scored low and choose how to revise it.",
	Background: "Scores are per quality criterion in [0,1]. Mechanical retries with the same instruction tend to make quality worse.",
	OutputFields: []llmtool.PromptField{
		{Name: "root_cause", Type: "string", Required: true, Description: "the underlying cause, not the symptom"},
		{Name: "will_revision_help", Type: "boolean", Required: true},
		{Name: "strategy", Type: "TARGETED_REVISION | CHANGE_APPROACH | ABORT", Required: true},
		{Name: "action_plan", Type: "[]string", Required: true, Description: "ordered, concrete edits"},
		{Name: "pattern_recommendations", Type: "[]string", Description: "implementation patterns worth applying"},
	},
	Rules: []string{
		"TARGETED_REVISION when specific parts can be fixed in place.",
		"CHANGE_APPROACH when the overall design is the problem.",
		"ABORT only when further revision cannot help.",
	},
}, llmtool.PresetStrictJSON(), llmtool.PresetUntrustedInput()).MustRender()

// AnalyzeRootCause asks the backend for a diagnosis. On failure it returns a
// targeted revision aimed at the weakest scores, with Fallback set.
func (s *Service) AnalyzeRootCause(ctx context.Context, artifact string, scores map[string]float64, request string) (RootCause, error) {
	req := llmclient.Request{
		System:   rootCausePrompt,
		Messages: []llmclient.Message{{Role: llmclient.RoleUser, Content: "Diagnose the latest draft."}},
		Input: map[string]any{
			"artifact": artifact,
			"scores":   scores,
			"request":  request,
		},
		Sampling: llmclient.Sampling{Temperature: 0.2, MaxTokens: 1024},
	}
	var rc RootCause
	if err := llmtool.Call(llm.WithPhase(ctx, llm.PhaseRootCause), s.llm, req, rootCauseSchema, &rc); err != nil {
		fb := fallbackRootCause(scores)
		s.log.Warn("root cause analysis fell back", zap.Error(err))
		return fb, fmt.Errorf("analyze root cause: %w", err)
	}
	rc.ActionPlan = compact(rc.ActionPlan)
	rc.PatternRecommendations = compact(rc.PatternRecommendations)
	if len(rc.ActionPlan) == 0 && rc.Strategy != Abort {
		rc.ActionPlan = fallbackRootCause(scores).ActionPlan
	}
	return rc, nil
}

func fallbackRootCause(scores map[string]float64) RootCause {
	names := make([]string, 0, len(scores))
	for k := range scores {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if scores[names[i]] != scores[names[j]] {
			return scores[names[i]] < scores[names[j]]
		}
		return names[i] < names[j]
	})
	plan := []string{}
	for i := 0; i < len(names) && i < 2; i++ {
		plan = append(plan, fmt.Sprintf("Raise %s (currently %.2f)", names[i], scores[names[i]]))
	}
	if len(plan) == 0 {
		plan = append(plan, "Address the evaluator feedback point by point")
	}
	return RootCause{
		RootCause:        "diagnosis unavailable; targeting the weakest criteria",
		WillRevisionHelp: true,
		Strategy:         TargetedRevision,
		ActionPlan:       plan,
		Fallback:         true,
	}
}

// RecommendStrategy applies the trend rules: abort when time is critically low
// or the attempt budget is spent, continue while confidence strictly improves,
// change approach once it is flat or degrading.
func RecommendStrategy(in TrendInput) Recommendation {
	if in.TimeBudget > 0 && float64(in.TimeRemaining) < CriticalTimeFraction*float64(in.TimeBudget) {
		return Recommendation{Action: ActionAbort, Reason: fmt.Sprintf("time budget critically low (%s left)", in.TimeRemaining.Round(time.Millisecond))}
	}
	if in.IterationLimit > 0 && in.PreviousAttempts >= in.IterationLimit {
		return Recommendation{Action: ActionAbort, Reason: fmt.Sprintf("%d of %d attempts used", in.PreviousAttempts, in.IterationLimit)}
	}
	trend := in.ConfidenceTrend
	if len(trend) < 2 {
		return Recommendation{Action: ActionContinue, Reason: "not enough history for a trend"}
	}
	if len(trend) > trendWindow {
		trend = trend[len(trend)-trendWindow:]
	}
	for i := 1; i < len(trend); i++ {
		if trend[i] <= trend[i-1] {
			return Recommendation{Action: ActionChangeApproach, Reason: "confidence " + formatTrend(trend) + " is flat or degrading"}
		}
	}
	return Recommendation{Action: ActionContinue, Reason: "confidence " + formatTrend(trend) + " is improving"}
}

func formatTrend(trend []float64) string {
	parts := make([]string, len(trend))
	for i, v := range trend {
		parts[i] = fmt.Sprintf("%.2f", v)
	}
	return strings.Join(parts, "→")
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
