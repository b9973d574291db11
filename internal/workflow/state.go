package workflow

import (
	"fmt"
	"strings"
	"time"

	"orchestra/internal/eval"
	"orchestra/internal/learning"
	"orchestra/internal/patterns"
	"orchestra/internal/strategy"
)

// Phase is a state of the build loop.
type Phase string

const (
	Reasoning          Phase = "REASONING"
	KnowledgeRetrieval Phase = "KNOWLEDGE_RETRIEVAL"
	Synthesis          Phase = "SYNTHESIS"
	Generation         Phase = "GENERATION"
	Evaluation         Phase = "EVALUATION"
	Revision           Phase = "REVISION"
	Complete           Phase = "COMPLETE"
)

// CompletionReason records why the loop reached COMPLETE.
type CompletionReason string

const (
	ReasonEvaluatorSatisfied CompletionReason = "evaluator_satisfied"
	// ReasonMaxIterations is forced completion at the iteration bound.
	ReasonMaxIterations      CompletionReason = "max_iterations"
	ReasonStrategyAbort      CompletionReason = "strategy_abort"
	ReasonEvaluationFailures CompletionReason = "evaluation_failures"
	ReasonTimeBudget         CompletionReason = "time_budget"
	ReasonCancelled          CompletionReason = "cancelled"
)

// SynthesisPlan combines retrieved patterns with an original addition.
type SynthesisPlan struct {
	BasePattern      string   `json:"base_pattern"`
	Borrowed         []string `json:"borrowed"`
	OriginalAddition string   `json:"original_addition"`
}

func (p *SynthesisPlan) String() string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Base: %s.", p.BasePattern)
	if len(p.Borrowed) > 0 {
		fmt.Fprintf(&sb, " Borrow: %s.", strings.Join(p.Borrowed, "; "))
	}
	fmt.Fprintf(&sb, " Original addition: %s.", p.OriginalAddition)
	return sb.String()
}

// State is owned by exactly one in-flight workflow.
type State struct {
	Phase           Phase   `json:"phase"`
	IterationCount  int     `json:"iteration_count"`
	MaxIterations   int     `json:"max_iterations"`
	ConfidenceFloor float64 `json:"confidence_floor"`

	GeneratedArtifact string `json:"generated_artifact"`
	PreviousArtifact  string `json:"previous_artifact,omitempty"`

	QualityScores    map[string]float64 `json:"quality_scores"`
	Confidence       float64            `json:"confidence"`
	NeedsRevision    bool               `json:"needs_revision"`
	RevisionFeedback string             `json:"revision_feedback,omitempty"`
	LastAssessment   *eval.Assessment   `json:"last_assessment,omitempty"`

	KnowledgeContext []string                `json:"knowledge_context,omitempty"`
	Patterns         []patterns.Match        `json:"patterns,omitempty"`
	BestPractices    []learning.MemoryRecord `json:"best_practices,omitempty"`
	Pitfalls         []string                `json:"pitfalls,omitempty"`
	Prediction       *learning.Prediction    `json:"prediction,omitempty"`
	SynthesisPlan    *SynthesisPlan          `json:"synthesis_plan,omitempty"`

	ConfidenceTrend []float64           `json:"confidence_trend"`
	Strategies      []strategy.Strategy `json:"strategies,omitempty"`
	RootCauses      []string            `json:"root_causes,omitempty"`
	Notes           []string            `json:"notes,omitempty"`

	ConsecutiveEvalFailures int `json:"consecutive_eval_failures"`
	GenerationFailures      int `json:"generation_failures"`

	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	StartedAt        time.Time        `json:"started_at"`
	Duration         time.Duration    `json:"duration"`
}

func NewState(maxIterations int, floor float64) *State {
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &State{
		Phase:           Reasoning,
		MaxIterations:   maxIterations,
		ConfidenceFloor: floor,
		QualityScores:   map[string]float64{},
		StartedAt:       time.Now(),
	}
}

// setArtifact captures the current artifact as previous before replacing it.
func (s *State) setArtifact(a string) {
	if s.GeneratedArtifact != "" {
		s.PreviousArtifact = s.GeneratedArtifact
	}
	s.GeneratedArtifact = a
}

// Forced reports whether the loop ended at the iteration bound with the
// evaluator still unsatisfied.
func (s *State) Forced() bool {
	return s.CompletionReason == ReasonMaxIterations
}

// PatternIDs returns the identifiers of the retrieved patterns.
func (s *State) PatternIDs() []string {
	out := make([]string, 0, len(s.Patterns))
	for _, p := range s.Patterns {
		out = append(out, p.ID)
	}
	return out
}

// Approach summarises what the workflow did, for the learning cache.
func (s *State) Approach(agentID string) string {
	parts := []string{"agent " + agentID}
	if s.SynthesisPlan != nil && s.SynthesisPlan.BasePattern != "" {
		parts = append(parts, "base pattern "+s.SynthesisPlan.BasePattern)
	} else if ids := s.PatternIDs(); len(ids) > 0 {
		parts = append(parts, "patterns "+strings.Join(ids, ", "))
	}
	if len(s.Strategies) > 0 {
		strs := make([]string, len(s.Strategies))
		for i, st := range s.Strategies {
			strs[i] = string(st)
		}
		parts = append(parts, "revisions "+strings.Join(strs, " then "))
	}
	parts = append(parts, fmt.Sprintf("%d iteration(s)", s.IterationCount))
	return strings.Join(parts, "; ")
}

// ShouldRevise is the transition rule after EVALUATION: COMPLETE at the
// iteration bound, REVISION while the evaluator asks for it or confidence is
// below the floor, COMPLETE otherwise.
func ShouldRevise(s *State) Phase {
	if s.IterationCount >= s.MaxIterations {
		return Complete
	}
	if s.NeedsRevision || s.Confidence < s.ConfidenceFloor {
		return Revision
	}
	return Complete
}
