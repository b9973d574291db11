package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"orchestra/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubCandidate struct {
	id    string
	conf  float64
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *stubCandidate) ID() string { return s.id }
func (s *stubCandidate) EvaluateRequest(ctx context.Context, _ string) (Bid, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Bid{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return Bid{}, s.err
	}
	return Bid{Confidence: s.conf, Reasoning: "stub"}, nil
}

func newRouter(t *testing.T, opts Options, cs ...Candidate) *Router {
	t.Helper()
	r := New(opts, nil)
	require.NoError(t, r.Register(cs...))
	return r
}

func TestRoute_ClearWinner(t *testing.T) {
	r := newRouter(t, Options{},
		&stubCandidate{id: "assistant", conf: 0.3},
		&stubCandidate{id: "builder", conf: 0.9},
		&stubCandidate{id: "researcher", conf: 0.4},
	)
	sel, err := r.Route(context.Background(), types.Request{Content: "build it"})
	require.NoError(t, err)
	assert.Equal(t, "builder", sel.Agent.ID())
	assert.True(t, sel.ClearWinner)
	require.Len(t, sel.Bids, 3)
	assert.Equal(t, []string{"assistant", "builder", "researcher"}, []string{sel.Bids[0].AgentID, sel.Bids[1].AgentID, sel.Bids[2].AgentID})
}

func TestRoute_TieGoesToPriority(t *testing.T) {
	r := newRouter(t, Options{},
		&stubCandidate{id: "assistant", conf: 0.6},
		&stubCandidate{id: "builder", conf: 0.6},
	)
	sel, err := r.Route(context.Background(), types.Request{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "assistant", sel.Agent.ID())
	assert.False(t, sel.ClearWinner)
}

func TestRoute_FailedBidIsLowConfidenceNotExcluded(t *testing.T) {
	r := newRouter(t, Options{},
		&stubCandidate{id: "assistant", err: errors.New("backend down")},
		&stubCandidate{id: "builder", err: errors.New("unparsable")},
	)
	sel, err := r.Route(context.Background(), types.Request{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "assistant", sel.Agent.ID())
	for _, b := range sel.Bids {
		assert.True(t, b.Failed)
		assert.InDelta(t, DefaultFallbackConfidence, b.Confidence, 1e-9)
	}
}

func TestRoute_SlowBidTimesOut(t *testing.T) {
	slow := &stubCandidate{id: "builder", conf: 0.95, delay: time.Second}
	r := newRouter(t, Options{BidTimeout: 20 * time.Millisecond},
		&stubCandidate{id: "assistant", conf: 0.5},
		slow,
	)
	start := time.Now()
	sel, err := r.Route(context.Background(), types.Request{Content: "x"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "assistant", sel.Agent.ID())
	assert.True(t, sel.Bids[1].Failed)
}

func TestRoute_BidsRunInParallel(t *testing.T) {
	var cs []Candidate
	for _, id := range []string{"a", "b", "c", "d"} {
		cs = append(cs, &stubCandidate{id: id, conf: 0.5, delay: 50 * time.Millisecond})
	}
	r := newRouter(t, Options{}, cs...)
	start := time.Now()
	_, err := r.Route(context.Background(), types.Request{Content: "x"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestRoute_ClampsConfidence(t *testing.T) {
	r := newRouter(t, Options{}, &stubCandidate{id: "a", conf: 7})
	sel, err := r.Route(context.Background(), types.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, sel.Winner.Confidence)
}

func TestRoute_Errors(t *testing.T) {
	_, err := New(Options{}, nil).Route(context.Background(), types.Request{})
	assert.ErrorIs(t, err, ErrNoAgents)

	r := newRouter(t, Options{}, &stubCandidate{id: "a", conf: 0.5, delay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Route(ctx, types.Request{})
	assert.ErrorIs(t, err, context.Canceled)

	assert.ErrorIs(t, r.Register(&stubCandidate{id: "a"}), ErrDuplicateID)
}

func TestRoute_RepeatedRoundsAreStable(t *testing.T) {
	r := newRouter(t, Options{},
		&stubCandidate{id: "assistant", conf: 0.5},
		&stubCandidate{id: "builder", conf: 0.85},
	)
	wins := 0
	const rounds = 20
	for i := 0; i < rounds; i++ {
		sel, err := r.Route(context.Background(), types.Request{Content: "Build a React dashboard with charts"})
		require.NoError(t, err)
		if sel.Agent.ID() == "builder" {
			wins++
		}
	}
	assert.GreaterOrEqual(t, float64(wins)/rounds, 0.9)
}

func TestSelect_AlwaysPicksMaximum(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	properties.Property("winner has the maximal confidence and earliest index among ties", prop.ForAll(
		func(confs []float64) bool {
			if len(confs) == 0 {
				return true
			}
			bids := make([]Bid, len(confs))
			for i, c := range confs {
				bids[i] = Bid{Confidence: c}
			}
			w := Select(bids)
			for i, b := range bids {
				if b.Confidence > bids[w].Confidence {
					return false
				}
				if i < w && b.Confidence == bids[w].Confidence {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
	))
	properties.TestingRun(t)
}
