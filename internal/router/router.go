package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orchestra/internal/types"
)

var (
	ErrNoAgents    = errors.New("router: no agents registered")
	ErrDuplicateID = errors.New("router: duplicate agent id")
)

const (
	DefaultClearWinner        = 0.8
	DefaultBidTimeout         = 20 * time.Second
	DefaultFallbackConfidence = 0.3
)

// Bid is an agent's self-reported confidence that it should handle a request.
type Bid struct {
	AgentID    string        `json:"agent_id"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
	Failed     bool          `json:"failed,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// Candidate is anything that can bid for a request. A bid is computed only
// from the candidate's own capabilities and the request content.
type Candidate interface {
	ID() string
	EvaluateRequest(ctx context.Context, content string) (Bid, error)
}

// Selection is the outcome of one routing round. Bids are in registration order.
type Selection struct {
	Agent       Candidate
	Winner      Bid
	Bids        []Bid
	ClearWinner bool
}

type Options struct {
	ClearWinner        float64
	BidTimeout         time.Duration
	FallbackConfidence float64
}

func (o Options) withDefaults() Options {
	if o.ClearWinner <= 0 || o.ClearWinner > 1 {
		o.ClearWinner = DefaultClearWinner
	}
	if o.BidTimeout <= 0 {
		o.BidTimeout = DefaultBidTimeout
	}
	if o.FallbackConfidence <= 0 || o.FallbackConfidence > 1 {
		o.FallbackConfidence = DefaultFallbackConfidence
	}
	return o
}

// Router broadcasts requests to every registered candidate and picks a winner.
// Registration order is the tie-break priority: register the default agent first.
type Router struct {
	mu         sync.RWMutex
	candidates []Candidate
	opts       Options
	log        *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{opts: opts.withDefaults(), log: logger}
}

// Register appends candidates in priority order.
func (r *Router) Register(cs ...Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		for _, existing := range r.candidates {
			if existing.ID() == c.ID() {
				return fmt.Errorf("%w: %s", ErrDuplicateID, c.ID())
			}
		}
		r.candidates = append(r.candidates, c)
	}
	return nil
}

// Candidates returns the registered candidates in priority order.
func (r *Router) Candidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Candidate, len(r.candidates))
	copy(out, r.candidates)
	return out
}

// Route collects bids in parallel and selects the winner. It only fails when
// no candidate is registered or ctx is done.
func (r *Router) Route(ctx context.Context, req types.Request) (Selection, error) {
	cands := r.Candidates()
	if len(cands) == 0 {
		return Selection{}, ErrNoAgents
	}
	bids := r.collect(ctx, cands, req.Content)
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}
	idx := Select(bids)
	sel := Selection{
		Agent:       cands[idx],
		Winner:      bids[idx],
		Bids:        bids,
		ClearWinner: bids[idx].Confidence > r.opts.ClearWinner,
	}
	fields := []zap.Field{
		zap.String("request_id", req.ID),
		zap.String("agent", sel.Winner.AgentID),
		zap.Float64("confidence", sel.Winner.Confidence),
		zap.Bool("clear_winner", sel.ClearWinner),
	}
	for _, b := range bids {
		fields = append(fields, zap.Float64("bid."+b.AgentID, b.Confidence))
	}
	r.log.Info("route selected", fields...)
	return sel, nil
}

// Bids runs one bidding round without selecting.
func (r *Router) Bids(ctx context.Context, content string) []Bid {
	return r.collect(ctx, r.Candidates(), content)
}

func (r *Router) collect(ctx context.Context, cands []Candidate, content string) []Bid {
	bids := make([]Bid, len(cands))
	var g errgroup.Group
	for i, c := range cands {
		g.Go(func() error {
			bids[i] = r.bidOne(ctx, c, content)
			return nil
		})
	}
	_ = g.Wait()
	return bids
}

func (r *Router) bidOne(ctx context.Context, c Candidate, content string) Bid {
	bctx, cancel := context.WithTimeout(ctx, r.opts.BidTimeout)
	defer cancel()
	start := time.Now()
	bid, err := c.EvaluateRequest(bctx, content)
	bid.AgentID = c.ID()
	bid.Latency = time.Since(start)
	if err != nil {
		r.log.Warn("bid failed, using fallback confidence",
			zap.String("agent", c.ID()), zap.Error(err))
		bid.Confidence = r.opts.FallbackConfidence
		bid.Reasoning = "bid unavailable"
		bid.Failed = true
		return bid
	}
	bid.Confidence = clamp01(bid.Confidence)
	return bid
}

// Select returns the index of the winning bid: highest confidence, ties going
// to the earliest (highest priority) bid. bids must be non-empty.
func Select(bids []Bid) int {
	best := 0
	for i := 1; i < len(bids); i++ {
		if bids[i].Confidence > bids[best].Confidence {
			best = i
		}
	}
	return best
}

func clamp01(x float64) float64 {
	if x != x || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
