package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	llmclient "orchestra/internal/llmClient"
	"orchestra/internal/wordidx"
)

// Responder produces a scripted response for one phase.
type Responder func(ctx context.Context, req llmclient.Request) (string, error)

// FakeClient returns deterministic payloads per phase for offline runs and tests.
// Structured phases answer with JSON; generation answers with markdown.
type FakeClient struct {
	mu        sync.Mutex
	overrides map[string]Responder
	calls     map[string]int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{overrides: map[string]Responder{}, calls: map[string]int{}}
}

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

// On replaces the built-in behaviour of a phase.
func (f *FakeClient) On(phase string, fn Responder) *FakeClient {
	f.mu.Lock()
	f.overrides[phase] = fn
	f.mu.Unlock()
	return f
}

// Calls returns how many times a phase was requested.
func (f *FakeClient) Calls(phase string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[phase]
}

func (f *FakeClient) Generate(ctx context.Context, req llmclient.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	phase := PhaseFrom(ctx)
	f.mu.Lock()
	f.calls[phase]++
	fn := f.overrides[phase]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}

	in := inputMap(req.Input)
	var obj any
	switch phase {
	case PhaseBid:
		obj = fakeBid(in)
	case PhaseGenerate:
		return fakeArtifact(in), nil
	case PhaseEvaluate:
		obj = fakeEvaluation(in)
	case PhaseSynthesize:
		obj = fakeSynthesis(in)
	case PhaseRootCause:
		obj = fakeRootCause(in)
	case PhaseRisk:
		obj = fakeRisk(in)
	case PhaseIntent:
		obj = fakeIntent(in)
	default:
		return "ok", nil
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func inputMap(input any) map[string]any {
	out := map[string]any{}
	if input == nil {
		return out
	}
	b, err := json.Marshal(input)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func str(in map[string]any, key string) string {
	s, _ := in[key].(string)
	return s
}

func strs(in map[string]any, key string) []string {
	raw, _ := in[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case map[string]any:
			if n, ok := x["name"].(string); ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// fakeBid scores 0.3 plus 0.3 per matched capability keyword, capped at 0.9.
func fakeBid(in map[string]any) map[string]any {
	caps := strs(in, "capabilities")
	hits := wordidx.Hits(wordidx.Tokens(str(in, "request")), caps)
	conf := 0.3 + 0.6*math.Min(1, float64(hits)/2)
	return map[string]any{
		"confidence": math.Round(conf*100) / 100,
		"reasoning":  fmt.Sprintf("%d of my capability keywords appear in the request", hits),
	}
}

func fakeArtifact(in map[string]any) string {
	request := strings.TrimSpace(str(in, "request"))
	if str(in, "kind") == "chat" {
		return "Here is a short answer to your question about " + strings.TrimSuffix(request, "?") + ".\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", titleOf(request))
	sb.WriteString("## Overview\n\n")
	fmt.Fprintf(&sb, "This deliverable addresses the request: %q. It is organised into setup, core implementation and usage sections.\n\n", request)
	sb.WriteString("## Setup\n\n")
	sb.WriteString("- Install the dependencies with the package manager of your choice.\n")
	sb.WriteString("- Copy the files below into a fresh project directory.\n\n")
	sb.WriteString("## Implementation\n\n```js\n")
	sb.WriteString("export function Dashboard({ series }) {\n  const totals = series.map((s) => s.values.reduce((a, b) => a + b, 0));\n  return render(series, totals);\n}\n")
	sb.WriteString("```\n\n")
	if plan := str(in, "plan"); plan != "" {
		fmt.Fprintf(&sb, "## Design\n\n%s\n\n", plan)
	}
	sb.WriteString("## Usage\n\n")
	sb.WriteString("1. Start the development server.\n2. Open the page in a browser.\n3. Adjust the data source to point at your own API.\n")
	if fb := strings.TrimSpace(str(in, "feedback")); fb != "" {
		sb.WriteString("\n## Revision notes\n\n")
		for _, line := range strings.Split(fb, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				fmt.Fprintf(&sb, "- Addressed: %s\n", strings.TrimLeft(line, "- "))
			}
		}
	}
	return sb.String()
}

func titleOf(request string) string {
	if request == "" {
		return "Deliverable"
	}
	runes := []rune(request)
	if len(runes) > 60 {
		runes = runes[:60]
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// fakeEvaluation scores a first draft at 0.7 on every dimension and a revised
// draft at 0.86, so the offline loop converges within two generations.
func fakeEvaluation(in map[string]any) map[string]any {
	artifact := str(in, "artifact")
	score := 0.7
	if strings.Contains(artifact, "## Revision notes") {
		score = 0.86
	}
	if strings.TrimSpace(artifact) == "" {
		score = 0.1
	}
	dims := strs(in, "criteria")
	if len(dims) == 0 {
		dims = []string{"overall"}
	}
	scores := map[string]any{}
	for _, d := range dims {
		scores[d] = score
	}
	actions := []string{}
	if score < 0.8 {
		sort.Strings(dims)
		for _, d := range dims {
			actions = append(actions, "strengthen "+d)
		}
	}
	return map[string]any{
		"scores":  scores,
		"actions": actions,
		"summary": fmt.Sprintf("uniform score %.2f", score),
	}
}

func fakeSynthesis(in map[string]any) map[string]any {
	names := strs(in, "patterns")
	base, borrowed := "", []string{}
	if len(names) > 0 {
		base, borrowed = names[0], names[1:]
	}
	return map[string]any{
		"base_pattern":      base,
		"borrowed":          borrowed,
		"original_addition": "a request-specific summary panel not present in any retrieved pattern",
	}
}

func fakeRootCause(in map[string]any) map[string]any {
	scores, _ := in["scores"].(map[string]any)
	type kv struct {
		k string
		v float64
	}
	var low []kv
	for k, v := range scores {
		f, _ := v.(float64)
		low = append(low, kv{k, f})
	}
	sort.Slice(low, func(i, j int) bool {
		if low[i].v != low[j].v {
			return low[i].v < low[j].v
		}
		return low[i].k < low[j].k
	})
	plan := []string{}
	for i := 0; i < len(low) && i < 2; i++ {
		plan = append(plan, "improve "+low[i].k)
	}
	if len(plan) == 0 {
		plan = append(plan, "address evaluator feedback")
	}
	return map[string]any{
		"root_cause":              "the weakest dimensions lack detail",
		"will_revision_help":      true,
		"strategy":                "TARGETED_REVISION",
		"action_plan":             plan,
		"pattern_recommendations": []string{},
	}
}

var fakeRiskSignals = []struct {
	phrase, category, severity string
}{
	{"ignore previous instructions", "jailbreak", "critical"},
	{"ignore all previous instructions", "jailbreak", "critical"},
	{"system prompt", "data_exfiltration", "high"},
	{"developer mode", "jailbreak", "high"},
	{"admin access", "privilege_escalation", "high"},
	{"disable your safety", "jailbreak", "high"},
	{"pretend you are my grandmother", "social_engineering", "medium"},
}

// fakeQuestionOpeners mark a message as asking about a topic rather than
// instructing the assistant.
var fakeQuestionOpeners = []string{"what ", "how ", "why ", "when ", "where ", "which ", "is ", "are ", "explain ", "describe "}

func asksAbout(content string) bool {
	for _, p := range fakeQuestionOpeners {
		if strings.HasPrefix(content, p) {
			return true
		}
	}
	return false
}

func fakeRisk(in map[string]any) map[string]any {
	content := strings.ToLower(strings.TrimSpace(str(in, "content")))
	risks := []map[string]any{}
	if asksAbout(content) {
		return map[string]any{"risks": risks}
	}
	for _, s := range fakeRiskSignals {
		if strings.Contains(content, s.phrase) {
			risks = append(risks, map[string]any{
				"category":   s.category,
				"severity":   s.severity,
				"evidence":   s.phrase,
				"confidence": 0.9,
			})
		}
	}
	return map[string]any{"risks": risks}
}

func fakeIntent(in map[string]any) map[string]any {
	content := strings.ToLower(strings.TrimSpace(str(in, "content")))
	for _, s := range fakeRiskSignals {
		if !asksAbout(content) && strings.Contains(content, s.phrase) {
			return map[string]any{"intent": "TRICKY", "confidence": 0.85, "reasoning": "asks to bypass the assistant's rules"}
		}
	}
	return map[string]any{"intent": "GENUINE", "confidence": 0.9, "reasoning": "ordinary request"}
}
