package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orchestra/internal/agent"
	"orchestra/internal/artifactstore"
	"orchestra/internal/learning"
	"orchestra/internal/router"
	"orchestra/internal/security"
	"orchestra/internal/security/trust"
	"orchestra/internal/strategy"
	"orchestra/internal/telemetry"
	"orchestra/internal/types"
	"orchestra/internal/workflow"
)

// UnavailableMessage is the only failure text shown to users.
const UnavailableMessage = "The assistant is temporarily unavailable. Please try again."

// BlockedMessage is returned for requests refused by the security pipeline.
const BlockedMessage = "This request cannot be processed because it appears to try to override the assistant's instructions."

var (
	// ErrTryAgain means the backend was unavailable across all retries.
	ErrTryAgain     = errors.New("core: backend unavailable")
	ErrEmptyRequest = errors.New("core: request content is empty")
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
)

// Metadata explains how a result was produced.
type Metadata struct {
	Bids             []router.Bid              `json:"bids,omitempty"`
	ClearWinner      bool                      `json:"clear_winner"`
	Iterations       int                       `json:"iterations"`
	MaxIterations    int                       `json:"max_iterations"`
	CompletionReason workflow.CompletionReason `json:"completion_reason,omitempty"`
	Scores           map[string]float64        `json:"scores,omitempty"`
	ConfidenceTrend  []float64                 `json:"confidence_trend,omitempty"`
	Strategies       []strategy.Strategy       `json:"strategies,omitempty"`
	Patterns         []string                  `json:"patterns,omitempty"`
	Prediction       *learning.Prediction      `json:"prediction,omitempty"`
	Security         security.Assessment       `json:"security"`
	Trust            float64                   `json:"trust"`
	Learned          bool                      `json:"learned"`
	Duration         time.Duration             `json:"duration"`
}

// Result is what Handle returns to the transport layer.
type Result struct {
	RequestID  string   `json:"request_id"`
	Outcome    Outcome  `json:"outcome"`
	Artifact   string   `json:"artifact,omitempty"`
	Confidence float64  `json:"confidence"`
	Agent      string   `json:"agent,omitempty"`
	Message    string   `json:"message,omitempty"`
	Metadata   Metadata `json:"metadata"`
}

// Profiled is implemented by candidates that run the build workflow.
type Profiled interface {
	Profile() agent.Profile
}

type Deps struct {
	Router   *router.Router
	Builder  *workflow.Builder
	Security *security.Validator
	Trust    *trust.Store
	Memory   *learning.Cache
	Archiver *artifactstore.Archiver
	Sink     telemetry.Sink
	// MaxIterations caps every agent's own bound when positive.
	MaxIterations int
	// ConfidenceFloor replaces every agent's floor when in (0, 1].
	ConfidenceFloor float64
}

// Orchestrator runs security, routing, the build loop and learning for one
// request at a time; it is safe for concurrent use.
type Orchestrator struct {
	d   Deps
	log *zap.Logger
}

func New(d Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Sink == nil {
		d.Sink = telemetry.Nop{}
	}
	if d.Trust == nil {
		d.Trust = trust.NewStore(0, logger)
	}
	if d.Security == nil {
		d.Security = security.New(nil, security.Options{}, logger)
	}
	return &Orchestrator{d: d, log: logger}
}

func (o *Orchestrator) Router() *router.Router { return o.d.Router }

// WithProgress attaches fn to receive workflow phase transitions of Handle.
func WithProgress(ctx context.Context, fn func(workflow.Event)) context.Context {
	if fn == nil {
		return ctx
	}
	return workflow.WithObserver(ctx, workflow.Observer(fn))
}

// Handle turns one request into a result. A blocked request is a result, not
// an error. The returned error is ErrTryAgain when the backend is unavailable,
// ErrEmptyRequest for blank content, or the context error on cancellation.
func (o *Orchestrator) Handle(ctx context.Context, req types.Request) (Result, error) {
	start := time.Now()
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	res := Result{RequestID: req.ID}
	if strings.TrimSpace(req.Content) == "" {
		res.Outcome = OutcomeFailed
		return res, ErrEmptyRequest
	}
	log := o.log.With(zap.String("request_id", req.ID), zap.String("identity", req.Identity()))

	identity := req.Identity()
	tc := o.d.Trust.Get(ctx, identity)
	sec := o.d.Security.DeepValidation(ctx, req.Content, req.RecentHistory(6), tc.TrustLevel)
	violation := sec.Violation()
	tc = o.d.Trust.UpdateTrustScore(ctx, identity, violation, !violation && trust.Substantive(req.Content))
	res.Metadata.Security = sec
	res.Metadata.Trust = tc.TrustLevel

	if sec.RecommendedAction == security.ActionBlock {
		res.Outcome = OutcomeBlocked
		res.Message = BlockedMessage
		res.Metadata.Duration = time.Since(start)
		log.Info("request blocked", zap.Float64("score", sec.Score), zap.Float64("trust", tc.TrustLevel))
		o.emit(ctx, res)
		return res, nil
	}

	sel, err := o.d.Router.Route(ctx, req)
	if err != nil {
		return o.fail(ctx, res, start, fmt.Errorf("route: %w", err))
	}
	res.Agent = sel.Winner.AgentID
	res.Metadata.Bids = sel.Bids
	res.Metadata.ClearWinner = sel.ClearWinner

	p, ok := sel.Agent.(Profiled)
	if !ok {
		return o.fail(ctx, res, start, fmt.Errorf("agent %s has no workflow profile", sel.Winner.AgentID))
	}
	profile := p.Profile()
	if o.d.MaxIterations > 0 && profile.Workflow.MaxIterations > o.d.MaxIterations {
		profile.Workflow.MaxIterations = o.d.MaxIterations
	}
	if f := o.d.ConfidenceFloor; f > 0 && f <= 1 {
		profile.Workflow.ConfidenceFloor = f
	}

	st, err := o.d.Builder.Run(ctx, req, profile)
	if st != nil {
		res.Metadata.Iterations = st.IterationCount
		res.Metadata.MaxIterations = st.MaxIterations
		res.Metadata.CompletionReason = st.CompletionReason
		res.Metadata.Scores = st.QualityScores
		res.Metadata.ConfidenceTrend = st.ConfidenceTrend
		res.Metadata.Strategies = st.Strategies
		res.Metadata.Patterns = st.PatternIDs()
		res.Metadata.Prediction = st.Prediction
	}
	if err != nil {
		if errors.Is(err, workflow.ErrBackendUnavailable) {
			err = ErrTryAgain
		}
		return o.fail(ctx, res, start, err)
	}

	res.Outcome = OutcomeCompleted
	res.Artifact = st.GeneratedArtifact
	res.Confidence = st.Confidence
	res.Metadata.Learned = o.learn(ctx, req, profile, st)
	res.Metadata.Duration = time.Since(start)

	o.d.Archiver.Archive(req.ID, res.Artifact, res.Metadata)
	o.emit(ctx, res)
	return res, nil
}

// learn records the outcome. Successes below the learning threshold are
// dropped by the cache; aborted or forced runs that were not learned from
// are remembered as pitfalls.
func (o *Orchestrator) learn(ctx context.Context, req types.Request, p agent.Profile, st *workflow.State) bool {
	if o.d.Memory == nil {
		return false
	}
	rec := learning.MemoryRecord{
		Domain:       p.Domain,
		Context:      req.Content,
		Approach:     st.Approach(p.ID),
		PatternsUsed: st.PatternIDs(),
		Outcome: learning.Outcome{
			Confidence: st.Confidence,
			Duration:   st.Duration,
			Iterations: st.IterationCount,
		},
	}
	if st.SynthesisPlan != nil {
		rec.WhatWorked = append(rec.WhatWorked, st.SynthesisPlan.String())
	}
	if len(st.Strategies) > 0 {
		rec.WhatWorked = append(rec.WhatWorked, fmt.Sprintf("revised with %s", st.Strategies[len(st.Strategies)-1]))
	}
	if o.d.Memory.RecordSuccess(ctx, rec) {
		return true
	}
	if st.CompletionReason != workflow.ReasonStrategyAbort && st.CompletionReason != workflow.ReasonMaxIterations {
		return false
	}
	rec.WhatWorked = nil
	rec.WhatDidNotWork = append(append([]string(nil), st.RootCauses...),
		fmt.Sprintf("%s ended at confidence %.2f (%s)", st.Approach(p.ID), st.Confidence, st.CompletionReason))
	o.d.Memory.AddFailure(ctx, rec)
	return false
}

func (o *Orchestrator) fail(ctx context.Context, res Result, start time.Time, err error) (Result, error) {
	res.Metadata.Duration = time.Since(start)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		res.Outcome = OutcomeFailed
		return res, ctxErr
	}
	res.Outcome = OutcomeFailed
	res.Message = UnavailableMessage
	o.log.Error("request failed", zap.String("request_id", res.RequestID), zap.Error(err))
	o.emit(ctx, res)
	if errors.Is(err, ErrTryAgain) {
		return res, ErrTryAgain
	}
	return res, fmt.Errorf("%w: %v", ErrTryAgain, err)
}

func (o *Orchestrator) emit(ctx context.Context, res Result) {
	e := telemetry.Event{
		RequestID:        res.RequestID,
		Agent:            res.Agent,
		ClearWinner:      res.Metadata.ClearWinner,
		Iterations:       res.Metadata.Iterations,
		Confidence:       res.Confidence,
		SecurityAction:   string(res.Metadata.Security.RecommendedAction),
		Outcome:          string(res.Outcome),
		CompletionReason: string(res.Metadata.CompletionReason),
		Duration:         res.Metadata.Duration,
	}
	if len(res.Metadata.Bids) > 0 {
		e.Bids = make(map[string]float64, len(res.Metadata.Bids))
		for _, b := range res.Metadata.Bids {
			e.Bids[b.AgentID] = b.Confidence
		}
	}
	o.d.Sink.Emit(context.WithoutCancel(ctx), e)
}
