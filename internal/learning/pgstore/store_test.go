package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestra/internal/learning"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestSaveRequiresID(t *testing.T) {
	assert.Error(t, New(nil).Save(context.Background(), learning.MemoryRecord{}))
}

// Runs against a real database when LEARNING_PG_DSN is set.
func TestRoundTrip(t *testing.T) {
	dsn := os.Getenv("LEARNING_PG_DSN")
	if dsn == "" {
		t.Skip("LEARNING_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	rec := learning.MemoryRecord{
		ID:        uuid.NewString(),
		Domain:    "web_app",
		Context:   "react dashboard",
		Approach:  "grid of chart cards",
		Outcome:   learning.Outcome{Confidence: 0.82, Iterations: 2},
		Success:   true,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, s.Save(ctx, rec))
	require.NoError(t, s.Save(ctx, rec))

	recs, err := s.LoadRecent(ctx, 1000)
	require.NoError(t, err)
	found := false
	for _, r := range recs {
		if r.ID == rec.ID {
			found = true
			assert.Equal(t, rec.Approach, r.Approach)
		}
	}
	assert.True(t, found)
}
