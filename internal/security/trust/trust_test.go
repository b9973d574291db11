package trust

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTrustRecoversAfterViolations(t *testing.T) {
	s := NewStore(0, zap.NewNop())
	ctx := context.Background()

	var third Context
	for i := 0; i < 3; i++ {
		third = s.UpdateTrustScore(ctx, "mallory", true, true)
	}
	assert.InDelta(t, 0.4, third.TrustLevel, 1e-9)
	assert.Equal(t, 3, third.ViolationCount)

	fourth := s.UpdateTrustScore(ctx, "mallory", false, true)
	assert.Greater(t, fourth.TrustLevel, third.TrustLevel)
	assert.InDelta(t, 0.45, fourth.TrustLevel, 1e-9)
	assert.Equal(t, 4, fourth.Interactions)
}

func TestNewIdentityStartsFullyTrusted(t *testing.T) {
	s := NewStore(0, zap.NewNop())
	c := s.Get(context.Background(), "alice")
	assert.Equal(t, InitialTrust, c.TrustLevel)
	assert.Equal(t, "alice", c.Identity)
	assert.False(t, c.SessionStart.IsZero())
}

func TestTrivialCleanMessageEarnsNothing(t *testing.T) {
	s := NewStore(0, zap.NewNop())
	ctx := context.Background()
	s.UpdateTrustScore(ctx, "bob", true, false)
	c := s.UpdateTrustScore(ctx, "bob", false, Substantive("hi"))
	assert.InDelta(t, 0.8, c.TrustLevel, 1e-9)
	assert.True(t, Substantive("How do I write a unit test in Go?"))
}

func TestTrustClampedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("trust stays within [0,1]", prop.ForAll(
		func(events []bool) bool {
			s := NewStore(4, zap.NewNop())
			for _, violation := range events {
				c := s.UpdateTrustScore(context.Background(), "id", violation, true)
				if c.TrustLevel < 0 || c.TrustLevel > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("adjust clamps any level", prop.ForAll(
		func(level float64, violation, substantive bool) bool {
			got := Adjust(level, violation, substantive)
			return got >= 0 && got <= 1
		},
		gen.Float64Range(-2, 2),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestConcurrentUpdatesAreSerializedPerIdentity(t *testing.T) {
	s := NewStore(0, zap.NewNop())
	ctx := context.Background()
	s.UpdateTrustScore(ctx, "carol", true, false)
	s.UpdateTrustScore(ctx, "carol", true, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.UpdateTrustScore(ctx, "carol", false, true)
			s.UpdateTrustScore(ctx, fmt.Sprintf("other-%d", i), false, true)
		}(i)
	}
	wg.Wait()

	c := s.Get(ctx, "carol")
	assert.Equal(t, 22, c.Interactions)
	assert.InDelta(t, 1.0, c.TrustLevel, 1e-9)
}

func TestPersisterRoundTrip(t *testing.T) {
	p := NewMemoryPersister()
	ctx := context.Background()

	s := NewStore(0, zap.NewNop())
	s.AttachPersister(p, 8)
	s.UpdateTrustScore(ctx, "dave", true, true)
	s.Close()

	restarted := NewStore(0, zap.NewNop())
	restarted.AttachPersister(p, 8)
	defer restarted.Close()
	c := restarted.Get(ctx, "dave")
	require.Equal(t, 1, c.ViolationCount)
	assert.InDelta(t, 0.8, c.TrustLevel, 1e-9)
}

func TestStoreIsBounded(t *testing.T) {
	s := NewStore(2, zap.NewNop())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		s.UpdateTrustScore(ctx, id, true, false)
	}
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, InitialTrust, s.Get(ctx, "a").TrustLevel)
}
