package eval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"orchestra/internal/llm"
	llmclient "orchestra/internal/llmClient"
	"orchestra/internal/llmtool"
)

const (
	DefaultFloor              = 0.8
	CompleteConfidenceFloor   = 0.6
	DefaultFallbackConfidence = 0.5
)

// Dimension is one named quality criterion with its weight in the aggregate.
type Dimension struct {
	Name        string  `yaml:"name" json:"name"`
	Weight      float64 `yaml:"weight" json:"weight"`
	Description string  `yaml:"description" json:"description,omitempty"`
}

// Assessment is the result of evaluating one artifact. It is never mutated
// after Evaluate returns.
type Assessment struct {
	Scores          map[string]float64 `json:"scores"`
	RawScores       map[string]float64 `json:"raw_scores"`
	Confidence      float64            `json:"confidence"`
	NeedsRevision   bool               `json:"needs_revision"`
	Actions         []string           `json:"actions"`
	Regressions     []string           `json:"regressions,omitempty"`
	Summary         string             `json:"summary,omitempty"`
	ClearlyComplete bool               `json:"clearly_complete"`
	// Fallback is set when the backend could not produce a usable assessment.
	Fallback bool `json:"fallback"`
}

type Options struct {
	Floor       float64
	Calibration Calibration
}

// Evaluator scores artifacts with one structured backend call.
type Evaluator struct {
	llm  llmclient.LLMClient
	opts Options
	log  *zap.Logger
}

func New(client llmclient.LLMClient, opts Options, logger *zap.Logger) *Evaluator {
	if opts.Floor <= 0 || opts.Floor > 1 {
		opts.Floor = DefaultFloor
	}
	if opts.Calibration == (Calibration{}) {
		opts.Calibration = DefaultCalibration()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{llm: client, opts: opts, log: logger}
}

var scoreSchema = llmtool.MustSchema("evaluation", `{
  "type": "object",
  "required": ["scores"],
  "properties": {
    "scores": {"type": "object", "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}},
    "actions": {"type": "array", "items": {"type": "string"}},
    "summary": {"type": "string"}
  }
}`)

var evalPrompt = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose:    "Score the artifact in [INPUT JSON] against each named criterion.",
	Background: "The artifact was produced for the request given as context. Previous scores, when present, belong to the prior draft.",
	Rubric: []string{
		"A complete, working implementation should score 0.7-0.9; only score below 0.5 if genuinely broken or incomplete.",
		"Score each criterion independently between 0 and 1.",
		"Long, substantially complete output is not a defect.",
	},
	OutputFields: []llmtool.PromptField{
		{Name: "scores", Type: "object", Required: true, Description: "criterion name to score in [0,1], one entry per criterion"},
		{Name: "actions", Type: "[]string", Description: "concrete improvements, most important first"},
		{Name: "summary", Type: "string", Description: "one or two sentences"},
	},
}, llmtool.PresetStrictJSON(), llmtool.PresetUntrustedInput()).MustRender()

// Evaluate scores artifact. On backend or parse failure it returns a fallback
// assessment (Fallback set) together with the cause; the assessment is always
// usable.
func (e *Evaluator) Evaluate(ctx context.Context, artifact string, criteria []Dimension, contextText string, previous map[string]float64) (Assessment, error) {
	criteria = normalizeCriteria(criteria)
	complete := ClearlyComplete(artifact)

	names := make([]string, 0, len(criteria))
	for _, c := range criteria {
		names = append(names, c.Name)
	}
	input := map[string]any{
		"artifact": artifact,
		"criteria": criteria,
		"context":  contextText,
	}
	if len(previous) > 0 {
		input["previous_scores"] = previous
	}
	req := llmclient.Request{
		System:   evalPrompt,
		Messages: []llmclient.Message{{Role: llmclient.RoleUser, Content: "Criteria: " + strings.Join(names, ", ")}},
		Input:    input,
		Sampling: llmclient.Sampling{Temperature: 0.1, MaxTokens: 1024},
	}
	var out struct {
		Scores  map[string]float64 `json:"scores"`
		Actions []string           `json:"actions"`
		Summary string             `json:"summary"`
	}
	err := llmtool.Call(llm.WithPhase(ctx, llm.PhaseEvaluate), e.llm, req, scoreSchema, &out)
	if err != nil {
		a := e.fallback(criteria, complete)
		e.log.Warn("evaluation fell back", zap.Float64("confidence", a.Confidence), zap.Error(err))
		return a, fmt.Errorf("evaluate: %w", err)
	}
	return e.assess(criteria, out.Scores, out.Actions, out.Summary, previous, complete), nil
}

func (e *Evaluator) assess(criteria []Dimension, raw map[string]float64, actions []string, summary string, previous map[string]float64, complete bool) Assessment {
	a := Assessment{
		Scores:          make(map[string]float64, len(criteria)),
		RawScores:       make(map[string]float64, len(criteria)),
		Summary:         strings.TrimSpace(summary),
		ClearlyComplete: complete,
	}
	var num, den float64
	for _, c := range criteria {
		r, ok := lookupScore(raw, c.Name)
		if !ok {
			r = DefaultFallbackConfidence
		}
		r = clamp01(r)
		s := e.opts.Calibration.Apply(r)
		a.RawScores[c.Name] = r
		a.Scores[c.Name] = s
		num += c.Weight * s
		den += c.Weight
	}
	a.Confidence = num / den
	if complete {
		a.Confidence = math.Max(a.Confidence, CompleteConfidenceFloor)
	}
	a.NeedsRevision = a.Confidence < e.opts.Floor
	for _, c := range criteria {
		if p, ok := previous[c.Name]; ok && a.Scores[c.Name] < p-0.05 {
			a.Regressions = append(a.Regressions, c.Name)
		}
	}
	for _, act := range actions {
		if act = strings.TrimSpace(act); act != "" {
			a.Actions = append(a.Actions, act)
		}
	}
	if len(a.Actions) == 0 && a.NeedsRevision {
		a.Actions = derivedActions(criteria, a.Scores, e.opts.Floor)
	}
	return a
}

func (e *Evaluator) fallback(criteria []Dimension, complete bool) Assessment {
	conf := DefaultFallbackConfidence
	if complete {
		conf = CompleteConfidenceFloor
	}
	a := Assessment{
		Scores:          make(map[string]float64, len(criteria)),
		RawScores:       map[string]float64{},
		Confidence:      conf,
		NeedsRevision:   conf < e.opts.Floor,
		ClearlyComplete: complete,
		Fallback:        true,
		Summary:         "evaluation unavailable; conservative score applied",
	}
	for _, c := range criteria {
		a.Scores[c.Name] = conf
	}
	if a.NeedsRevision {
		a.Actions = derivedActions(criteria, a.Scores, e.opts.Floor)
	}
	return a
}

// derivedActions turns the weakest criteria below floor into instructions.
func derivedActions(criteria []Dimension, scores map[string]float64, floor float64) []string {
	weak := make([]Dimension, 0, len(criteria))
	for _, c := range criteria {
		if scores[c.Name] < floor {
			weak = append(weak, c)
		}
	}
	sort.SliceStable(weak, func(i, j int) bool { return scores[weak[i].Name] < scores[weak[j].Name] })
	out := make([]string, 0, len(weak))
	for _, c := range weak {
		msg := "Improve " + c.Name
		if c.Description != "" {
			msg += ": " + c.Description
		}
		out = append(out, msg)
	}
	return out
}

func normalizeCriteria(cs []Dimension) []Dimension {
	out := make([]Dimension, 0, len(cs))
	for _, c := range cs {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		if c.Weight <= 0 {
			c.Weight = 1
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		out = append(out, Dimension{Name: "overall", Weight: 1})
	}
	return out
}

// lookupScore tolerates case and separator differences in returned keys.
func lookupScore(scores map[string]float64, name string) (float64, bool) {
	if v, ok := scores[name]; ok {
		return v, true
	}
	norm := func(s string) string {
		return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(s))
	}
	want := norm(name)
	for k, v := range scores {
		if norm(k) == want {
			return v, true
		}
	}
	return 0, false
}
