package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"orchestra/internal/agent"
	"orchestra/internal/eval"
	"orchestra/internal/learning"
	"orchestra/internal/llm"
	llmclient "orchestra/internal/llmClient"
	"orchestra/internal/llmtool"
	"orchestra/internal/patterns"
	"orchestra/internal/strategy"
	"orchestra/internal/types"
)

// ErrBackendUnavailable is returned when no artifact could be generated at all.
var ErrBackendUnavailable = errors.New("workflow: backend unavailable")

const (
	DefaultTimeBudget      = 3 * time.Minute
	DefaultMaxEvalFailures = 3
	DefaultPatternLimit    = 3
	historyTurns           = 6
)

type Options struct {
	// TimeBudget bounds one Run; the strategy service aborts when little of it remains.
	TimeBudget time.Duration
	// MaxEvalFailures consecutive fallback assessments force completion.
	MaxEvalFailures int
	PatternLimit    int
	// DisableMetacognition replays evaluator actions as feedback without
	// root-cause analysis or trend checks. Used as a baseline.
	DisableMetacognition bool
}

func (o Options) withDefaults() Options {
	if o.TimeBudget <= 0 {
		o.TimeBudget = DefaultTimeBudget
	}
	if o.MaxEvalFailures <= 0 {
		o.MaxEvalFailures = DefaultMaxEvalFailures
	}
	if o.PatternLimit <= 0 {
		o.PatternLimit = DefaultPatternLimit
	}
	return o
}

// Builder runs the bounded generate, evaluate and revise loop. A Builder is
// shared; each Run owns its own State.
type Builder struct {
	llm       llmclient.LLMClient
	evaluator *eval.Evaluator
	strategy  *strategy.Service
	memory    *learning.Cache
	library   *patterns.Library
	opts      Options
	log       *zap.Logger
}

// Deps are the collaborators of a Builder. Memory and Library are optional.
type Deps struct {
	LLM       llmclient.LLMClient
	Evaluator *eval.Evaluator
	Strategy  *strategy.Service
	Memory    *learning.Cache
	Library   *patterns.Library
}

func NewBuilder(d Deps, opts Options, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Evaluator == nil {
		d.Evaluator = eval.New(d.LLM, eval.Options{}, logger)
	}
	if d.Strategy == nil {
		d.Strategy = strategy.New(d.LLM, logger)
	}
	return &Builder{
		llm:       d.LLM,
		evaluator: d.Evaluator,
		strategy:  d.Strategy,
		memory:    d.Memory,
		library:   d.Library,
		opts:      opts.withDefaults(),
		log:       logger,
	}
}

// run is the per-call context of one workflow.
type run struct {
	*Builder
	req      types.Request
	profile  agent.Profile
	state    *State
	deadline time.Time
	observe  Observer
	log      *zap.Logger
	mode     string
}

// Run drives one request through the state machine until COMPLETE. The
// returned State is always non-nil. The error is the parent context's error
// on cancellation, ErrBackendUnavailable when nothing was generated, nil
// otherwise.
func (b *Builder) Run(ctx context.Context, req types.Request, p agent.Profile) (*State, error) {
	maxIter := p.Workflow.MaxIterations
	floor := p.Workflow.ConfidenceFloor
	if floor <= 0 || floor > 1 {
		floor = eval.DefaultFloor
	}
	st := NewState(maxIter, floor)

	bctx, cancel := context.WithTimeout(ctx, b.opts.TimeBudget)
	defer cancel()

	r := &run{
		Builder:  b,
		req:      req,
		profile:  p,
		state:    st,
		deadline: st.StartedAt.Add(b.opts.TimeBudget),
		observe:  ObserverFrom(ctx),
		log:      b.log.With(zap.String("request_id", req.ID), zap.String("agent", p.ID)),
	}

	for st.Phase != Complete {
		if err := ctx.Err(); err != nil {
			st.CompletionReason = ReasonCancelled
			st.Duration = time.Since(st.StartedAt)
			r.log.Info("workflow cancelled", zap.String("phase", string(st.Phase)), zap.Error(err))
			return st, err
		}
		if bctx.Err() != nil {
			r.finish(ReasonTimeBudget)
			break
		}
		r.emit("")
		next := r.step(bctx)
		if next != st.Phase {
			r.log.Debug("workflow transition",
				zap.String("from", string(st.Phase)),
				zap.String("to", string(next)),
				zap.Int("iteration", st.IterationCount))
		}
		st.Phase = next
	}
	st.Duration = time.Since(st.StartedAt)
	r.emit(string(st.CompletionReason))

	r.log.Info("workflow complete",
		zap.String("reason", string(st.CompletionReason)),
		zap.Int("iterations", st.IterationCount),
		zap.Float64("confidence", st.Confidence),
		zap.Duration("duration", st.Duration))

	if strings.TrimSpace(st.GeneratedArtifact) == "" {
		return st, ErrBackendUnavailable
	}
	return st, nil
}

func (r *run) step(ctx context.Context) Phase {
	switch r.state.Phase {
	case Reasoning:
		return r.reason()
	case KnowledgeRetrieval:
		return r.retrieve()
	case Synthesis:
		return r.synthesize(ctx)
	case Generation:
		return r.generate(ctx)
	case Evaluation:
		return r.evaluate(ctx)
	case Revision:
		return r.revise(ctx)
	default:
		r.log.Error("unknown workflow phase", zap.String("phase", string(r.state.Phase)))
		r.finish(ReasonEvaluatorSatisfied)
		return Complete
	}
}

func (r *run) emit(detail string) {
	if r.observe == nil {
		return
	}
	r.observe(Event{
		RequestID:  r.req.ID,
		AgentID:    r.profile.ID,
		Phase:      r.state.Phase,
		Iteration:  r.state.IterationCount,
		Confidence: r.state.Confidence,
		Detail:     detail,
		At:         time.Now(),
	})
}

func (r *run) finish(reason CompletionReason) {
	r.state.CompletionReason = reason
	r.state.Phase = Complete
}

func (r *run) reason() Phase {
	st := r.state
	st.Notes = append(st.Notes, fmt.Sprintf("%s request for %s agent, at most %d iteration(s)",
		r.profile.Kind, r.profile.ID, st.MaxIterations))
	return KnowledgeRetrieval
}

// retrieve gathers patterns, best practices and pitfalls. Failures only cost
// the knowledge context.
func (r *run) retrieve() (next Phase) {
	st := r.state
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("knowledge retrieval failed", zap.Any("panic", rec))
			next = Generation
		}
	}()

	domain := r.profile.Domain
	text := r.req.Content
	if r.library != nil {
		st.Patterns = r.library.Search(domain, text, r.opts.PatternLimit)
		for _, m := range st.Patterns {
			st.KnowledgeContext = append(st.KnowledgeContext, fmt.Sprintf("pattern %s: %s", m.Name, m.Summary))
		}
	}
	if r.memory != nil {
		st.BestPractices = r.memory.GetBestPractices(domain, text)
		for _, rec := range st.BestPractices {
			line := fmt.Sprintf("worked before (confidence %.2f): %s", rec.Outcome.Confidence, rec.Approach)
			if len(rec.WhatWorked) > 0 {
				line += "; " + strings.Join(rec.WhatWorked, "; ")
			}
			st.KnowledgeContext = append(st.KnowledgeContext, line)
		}
		st.Pitfalls = r.memory.GetKnownPitfalls(domain)
		pred := r.memory.PredictOutcome(domain, "agent "+r.profile.ID, text)
		st.Prediction = &pred
	}
	r.log.Debug("knowledge retrieved",
		zap.Int("patterns", len(st.Patterns)),
		zap.Int("best_practices", len(st.BestPractices)),
		zap.Int("pitfalls", len(st.Pitfalls)))

	if len(st.Patterns) >= 2 {
		return Synthesis
	}
	return Generation
}

func (r *run) synthesize(ctx context.Context) Phase {
	in := map[string]any{
		"request":  r.req.Content,
		"patterns": r.state.Patterns,
	}
	req := llmclient.Request{
		System:   synthesisPrompt,
		Messages: []llmclient.Message{{Role: llmclient.RoleUser, Content: "Plan the solution."}},
		Input:    in,
		Sampling: llmclient.Sampling{Temperature: 0.4, MaxTokens: 768},
	}
	var plan SynthesisPlan
	if err := llmtool.Call(llm.WithPhase(ctx, llm.PhaseSynthesize), r.llm, req, synthesisSchema, &plan); err != nil {
		r.log.Warn("synthesis skipped", zap.Error(err))
		return Generation
	}
	r.state.SynthesisPlan = &plan
	return Generation
}

func (r *run) generate(ctx context.Context) Phase {
	st := r.state
	st.IterationCount++

	in := map[string]any{
		"request":   r.req.Content,
		"kind":      string(r.profile.Kind),
		"iteration": st.IterationCount,
	}
	if len(st.KnowledgeContext) > 0 {
		in["knowledge"] = st.KnowledgeContext
	}
	if len(st.Pitfalls) > 0 {
		in["pitfalls"] = st.Pitfalls
	}
	if st.SynthesisPlan != nil {
		in["plan"] = st.SynthesisPlan.String()
	}
	if st.RevisionFeedback != "" {
		st.Notes = append(st.Notes, fmt.Sprintf("iteration %d incorporates %s feedback", st.IterationCount, r.mode))
		in["feedback"] = st.RevisionFeedback
		in["revision_mode"] = r.mode
		in["previous_artifact"] = st.GeneratedArtifact
	}

	msgs := make([]llmclient.Message, 0, historyTurns+1)
	for _, t := range r.req.RecentHistory(historyTurns) {
		role := llmclient.RoleUser
		if t.Role == string(llmclient.RoleAssistant) {
			role = llmclient.RoleAssistant
		}
		msgs = append(msgs, llmclient.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, llmclient.Message{Role: llmclient.RoleUser, Content: r.req.Content})

	out, err := r.llm.Generate(llm.WithPhase(ctx, llm.PhaseGenerate), llmclient.Request{
		System:   generationPrompt(r.profile),
		Messages: msgs,
		Input:    in,
		Sampling: llmclient.Sampling{Temperature: 0.7, MaxTokens: 8192},
	})
	if err == nil && strings.TrimSpace(out) == "" {
		err = llmclient.ErrEmptyResponse
	}
	if err != nil {
		st.GenerationFailures++
		st.NeedsRevision = true
		if st.GeneratedArtifact == "" {
			st.Confidence = 0
		} else if st.Confidence > eval.DefaultFallbackConfidence {
			st.Confidence = eval.DefaultFallbackConfidence
		}
		r.log.Warn("generation failed", zap.Int("iteration", st.IterationCount), zap.Error(err))
		if ShouldRevise(st) == Complete {
			r.finish(ReasonMaxIterations)
			return Complete
		}
		return Revision
	}
	st.setArtifact(out)
	return Evaluation
}

func (r *run) evaluate(ctx context.Context) Phase {
	st := r.state
	a, err := r.evaluator.Evaluate(ctx, st.GeneratedArtifact, r.profile.Criteria, r.req.Content, st.QualityScores)
	if err != nil {
		r.log.Warn("evaluation fell back", zap.Int("iteration", st.IterationCount), zap.Error(err))
	}
	st.LastAssessment = &a
	st.QualityScores = a.Scores
	st.Confidence = a.Confidence
	// The agent's own floor decides revision, not the evaluator default.
	st.NeedsRevision = a.Confidence < st.ConfidenceFloor
	st.ConfidenceTrend = append(st.ConfidenceTrend, a.Confidence)

	if a.Fallback {
		st.ConsecutiveEvalFailures++
	} else {
		st.ConsecutiveEvalFailures = 0
	}
	if st.ConsecutiveEvalFailures >= r.opts.MaxEvalFailures {
		r.log.Warn("forced completion after evaluation failures", zap.Int("failures", st.ConsecutiveEvalFailures))
		r.finish(ReasonEvaluationFailures)
		return Complete
	}

	next := ShouldRevise(st)
	if next == Complete {
		if st.NeedsRevision || st.Confidence < st.ConfidenceFloor {
			r.log.Info("forced completion at iteration bound",
				zap.Int("iterations", st.IterationCount),
				zap.Float64("confidence", st.Confidence))
			r.finish(ReasonMaxIterations)
		} else {
			r.finish(ReasonEvaluatorSatisfied)
		}
	}
	return next
}

func (r *run) revise(ctx context.Context) Phase {
	st := r.state
	if st.GeneratedArtifact == "" {
		r.mode = "retry"
		st.RevisionFeedback = "The previous attempt produced no output. Produce the complete deliverable."
		return Generation
	}
	if r.opts.DisableMetacognition {
		r.mode = "naive"
		st.RevisionFeedback = naiveFeedback(st.LastAssessment)
		return Generation
	}

	rec := strategy.RecommendStrategy(strategy.TrendInput{
		PreviousAttempts: st.IterationCount,
		ConfidenceTrend:  st.ConfidenceTrend,
		TimeRemaining:    time.Until(r.deadline),
		TimeBudget:       r.opts.TimeBudget,
		IterationLimit:   st.MaxIterations,
	})
	if rec.Action == strategy.ActionAbort {
		r.log.Info("strategy abort", zap.String("reason", rec.Reason))
		st.Strategies = append(st.Strategies, strategy.Abort)
		r.finish(ReasonStrategyAbort)
		return Complete
	}

	rc, err := r.strategy.AnalyzeRootCause(ctx, st.GeneratedArtifact, st.QualityScores, r.req.Content)
	if err != nil {
		r.log.Debug("root cause fallback", zap.Error(err))
	}
	chosen := rc.Strategy
	if rec.Action == strategy.ActionChangeApproach && chosen == strategy.TargetedRevision {
		chosen = strategy.ChangeApproach
	}
	st.Strategies = append(st.Strategies, chosen)
	st.RootCauses = append(st.RootCauses, rc.RootCause)
	r.log.Info("revision strategy",
		zap.String("strategy", string(chosen)),
		zap.String("trend", string(rec.Action)),
		zap.String("root_cause", rc.RootCause))

	switch chosen {
	case strategy.Abort:
		r.finish(ReasonStrategyAbort)
		return Complete
	case strategy.ChangeApproach:
		r.mode = "change_approach"
		st.RevisionFeedback = changeApproachFeedback(rc, rec)
	default:
		r.mode = "targeted"
		st.RevisionFeedback = targetedFeedback(rc, st.LastAssessment)
	}
	return Generation
}

func targetedFeedback(rc strategy.RootCause, a *eval.Assessment) string {
	var sb strings.Builder
	for _, step := range rc.ActionPlan {
		fmt.Fprintf(&sb, "- %s\n", step)
	}
	if a != nil {
		for _, reg := range a.Regressions {
			fmt.Fprintf(&sb, "- Restore %s, which regressed from the previous draft\n", reg)
		}
	}
	if rc.RootCause != "" {
		fmt.Fprintf(&sb, "- Root cause to fix: %s\n", rc.RootCause)
	}
	return strings.TrimSpace(sb.String())
}

func changeApproachFeedback(rc strategy.RootCause, rec strategy.Recommendation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- Take a different approach: %s\n", rec.Reason)
	if rc.RootCause != "" {
		fmt.Fprintf(&sb, "- The previous design failed because: %s\n", rc.RootCause)
	}
	for _, p := range rc.PatternRecommendations {
		fmt.Fprintf(&sb, "- Consider the %s pattern\n", p)
	}
	return strings.TrimSpace(sb.String())
}

// naiveFeedback replays the evaluator's actions verbatim.
func naiveFeedback(a *eval.Assessment) string {
	if a == nil || len(a.Actions) == 0 {
		return "- Improve the response"
	}
	lines := make([]string, len(a.Actions))
	for i, act := range a.Actions {
		lines[i] = "- " + act
	}
	return strings.Join(lines, "\n")
}
