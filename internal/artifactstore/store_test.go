package artifactstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "r1", "/artifact.md", []byte("# hi"), "text/markdown"))
	require.NoError(t, s.Put(ctx, "r1", "assessment.json", []byte("{}"), "application/json"))
	require.NoError(t, s.Put(ctx, "r2", "artifact.md", []byte("other"), ""))

	got, err := s.Get(ctx, "r1", "artifact.md")
	require.NoError(t, err)
	assert.Equal(t, "# hi", string(got))

	names, err := s.List(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"artifact.md", "assessment.json"}, names)

	_, err = s.Get(ctx, "r1", "missing.md")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestObjectKeyRejectsBadNames(t *testing.T) {
	for _, tc := range []struct{ id, name string }{
		{"", "a.md"},
		{"r1", ""},
		{"r1", "../escape.md"},
		{"a/b", "x.md"},
	} {
		_, err := objectKey(tc.id, tc.name)
		assert.Error(t, err, "%q %q", tc.id, tc.name)
	}
	key, err := objectKey(" r1 ", "sub/./file.md")
	require.NoError(t, err)
	assert.Equal(t, "r1/sub/file.md", key)
}

func TestArchiver(t *testing.T) {
	s := NewMemoryStore()
	a := NewArchiver(s, zap.NewNop())

	a.Archive("req-9", "# Deliverable", map[string]any{"confidence": 0.86})
	a.Archive("req-10", "", nil)
	a.Wait()

	names, err := s.List(context.Background(), "req-9")
	require.NoError(t, err)
	assert.Equal(t, []string{ArtifactName, AssessmentName}, names)

	names, err = s.List(context.Background(), "req-10")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestS3StoreRoundTrip(t *testing.T) {
	endpoint := os.Getenv("ARTIFACT_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("ARTIFACT_S3_ENDPOINT not set")
	}
	s, err := NewS3Store(S3Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("ARTIFACT_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("ARTIFACT_S3_SECRET_KEY"),
		Bucket:    "orchestra-test",
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "rt", "artifact.md", []byte("body"), "text/markdown"))
	got, err := s.Get(ctx, "rt", "artifact.md")
	require.NoError(t, err)
	assert.Equal(t, "body", string(got))
}

func TestNewS3StoreValidates(t *testing.T) {
	_, err := NewS3Store(S3Config{Endpoint: "localhost:9000", Bucket: "b"})
	assert.Error(t, err)
	assert.False(t, S3Config{}.Enabled())
}
