package mongostore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestra/internal/security/trust"
)

func TestSaveLoad(t *testing.T) {
	uri := os.Getenv("TRUST_MONGO_URI")
	if uri == "" {
		t.Skip("TRUST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, uri, "orchestra_test", "trust_contexts")
	require.NoError(t, err)
	defer s.Close(ctx)

	_, ok, err := s.Load(ctx, "nobody-"+t.Name())
	require.NoError(t, err)
	assert.False(t, ok)

	c := trust.Context{Identity: "erin-" + t.Name(), TrustLevel: 0.6, ViolationCount: 2}
	require.NoError(t, s.Save(ctx, c))
	c.TrustLevel = 0.65
	require.NoError(t, s.Save(ctx, c))

	got, ok, err := s.Load(ctx, c.Identity)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.65, got.TrustLevel, 1e-9)
	assert.Equal(t, 2, got.ViolationCount)
}
