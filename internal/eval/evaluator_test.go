package eval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestra/internal/llm"
	llmclient "orchestra/internal/llmClient"
)

var buildCriteria = []Dimension{
	{Name: "functionality", Weight: 0.35, Description: "does what was asked"},
	{Name: "structural_quality", Weight: 0.25},
	{Name: "completeness", Weight: 0.25},
	{Name: "usability", Weight: 0.15},
}

func completeArtifact() string {
	var sb strings.Builder
	sb.WriteString("# Sales dashboard\n\n## Overview\n\nA React dashboard that renders revenue and signups as charts.\n\n")
	sb.WriteString("Each chart card fetches its own series, shows a loading skeleton while waiting and an inline error with a retry button when the request fails.\n\n")
	sb.WriteString("## Implementation\n\n```jsx\nexport function Dashboard({ data }) {\n  return <Grid>{data.map((d) => <ChartCard key={d.id} series={d} />)}</Grid>;\n}\n```\n\n")
	sb.WriteString("## Usage\n\n1. npm install\n2. npm start\n3. Open http://localhost:3000 and point the API_URL at your backend service.\n")
	return sb.String()
}

func respond(out string) *llm.FakeClient {
	return llm.NewFakeClient().On(llm.PhaseEvaluate, func(context.Context, llmclient.Request) (string, error) {
		return out, nil
	})
}

func TestCalibration(t *testing.T) {
	c := DefaultCalibration()
	assert.Equal(t, 0.2, c.Apply(0.2))
	assert.InDelta(t, 0.55, c.Apply(0.4), 1e-9)
	assert.InDelta(t, 0.75, c.Apply(0.7), 1e-9)
	assert.Equal(t, 0.75, c.Apply(0.75))
	assert.Equal(t, 0.9, c.Apply(0.9))
	assert.Equal(t, 1.0, c.Apply(3))
}

func TestCalibration_MonotonicAndNeverLowers(t *testing.T) {
	c := DefaultCalibration()
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)
	properties.Property("calibration is monotonic and never lowers a score", prop.ForAll(
		func(a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			return c.Apply(a) <= c.Apply(b) && c.Apply(a) >= a
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))
	properties.TestingRun(t)
}

func TestClearlyComplete(t *testing.T) {
	assert.True(t, ClearlyComplete(completeArtifact()))
	assert.False(t, ClearlyComplete("# short"))
	assert.False(t, ClearlyComplete(completeArtifact()+"\n// TODO: wire the API\n"))
	assert.False(t, ClearlyComplete(completeArtifact()+"\nfunction render() { /* ... */ }\n"))
	assert.True(t, ClearlyComplete(completeArtifact()+"\nThis todo app stores items locally.\n"))
	assert.False(t, ClearlyComplete(strings.Repeat("plain prose without structure ", 30)))
}

func TestEvaluate_WeightedCalibratedMean(t *testing.T) {
	e := New(respond(`{"scores":{"functionality":0.9,"structural_quality":0.8,"completeness":0.4,"usability":0.2},"actions":["add tests"]}`), Options{}, nil)
	a, err := e.Evaluate(context.Background(), "short", buildCriteria, "build", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, a.Scores["completeness"], 1e-9)
	assert.InDelta(t, 0.4, a.RawScores["completeness"], 1e-9)
	assert.InDelta(t, 0.2, a.Scores["usability"], 1e-9)
	want := 0.35*0.9 + 0.25*0.8 + 0.25*0.55 + 0.15*0.2
	assert.InDelta(t, want, a.Confidence, 1e-9)
	assert.True(t, a.NeedsRevision)
	assert.Equal(t, []string{"add tests"}, a.Actions)
	assert.False(t, a.Fallback)
}

func TestEvaluate_HarshScoresOnCompleteArtifactStayAboveFloor(t *testing.T) {
	e := New(respond(`{"scores":{"functionality":0.3,"structural_quality":0.3,"completeness":0.2,"usability":0.3}}`), Options{}, nil)
	a, err := e.Evaluate(context.Background(), completeArtifact(), buildCriteria, "build", nil)
	require.NoError(t, err)
	assert.True(t, a.ClearlyComplete)
	assert.GreaterOrEqual(t, a.Confidence, CompleteConfidenceFloor)
	assert.NotEmpty(t, a.Actions)
	assert.Equal(t, "Improve completeness", a.Actions[0])
}

func TestEvaluate_GoodScoresNoRevision(t *testing.T) {
	e := New(respond("```json\n{\"scores\":{\"Functionality\":0.9,\"structural quality\":0.85,\"completeness\":0.9,\"usability\":0.8}}\n```"), Options{}, nil)
	a, err := e.Evaluate(context.Background(), completeArtifact(), buildCriteria, "build", nil)
	require.NoError(t, err)
	assert.False(t, a.NeedsRevision)
	assert.Empty(t, a.Actions)
	assert.InDelta(t, 0.85, a.Scores["structural_quality"], 1e-9)
}

func TestEvaluate_MissingDimensionUsesNeutralScore(t *testing.T) {
	e := New(respond(`{"scores":{"functionality":0.9}}`), Options{}, nil)
	a, err := e.Evaluate(context.Background(), "x", buildCriteria, "", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, a.Scores["usability"], 1e-9)
}

func TestEvaluate_RegressionsAgainstPrevious(t *testing.T) {
	e := New(respond(`{"scores":{"functionality":0.9,"structural_quality":0.5,"completeness":0.9,"usability":0.9}}`), Options{}, nil)
	a, err := e.Evaluate(context.Background(), "x", buildCriteria, "", map[string]float64{"structural_quality": 0.8, "functionality": 0.9})
	require.NoError(t, err)
	assert.Equal(t, []string{"structural_quality"}, a.Regressions)
}

func TestEvaluate_FallbackOnParseAndBackendFailure(t *testing.T) {
	for name, fn := range map[string]llm.Responder{
		"parse":   func(context.Context, llmclient.Request) (string, error) { return "looks great!", nil },
		"backend": func(context.Context, llmclient.Request) (string, error) { return "", errors.New("503") },
		"schema":  func(context.Context, llmclient.Request) (string, error) { return `{"scores":{"functionality":7}}`, nil },
	} {
		t.Run(name, func(t *testing.T) {
			e := New(llm.NewFakeClient().On(llm.PhaseEvaluate, fn), Options{}, nil)
			a, err := e.Evaluate(context.Background(), "short", buildCriteria, "", nil)
			assert.Error(t, err)
			assert.True(t, a.Fallback)
			assert.Equal(t, DefaultFallbackConfidence, a.Confidence)
			assert.True(t, a.NeedsRevision)

			a, _ = e.Evaluate(context.Background(), completeArtifact(), buildCriteria, "", nil)
			assert.Equal(t, CompleteConfidenceFloor, a.Confidence)
		})
	}
}

func TestEvaluate_EmptyCriteriaUsesOverall(t *testing.T) {
	e := New(respond(`{"scores":{"overall":0.9}}`), Options{Floor: 0.85}, nil)
	a, err := e.Evaluate(context.Background(), "x", nil, "", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, a.Confidence, 1e-9)
	assert.False(t, a.NeedsRevision)
}
