package workflow

import (
	"fmt"
	"strings"

	"orchestra/internal/agent"
	"orchestra/internal/llmtool"
)

var synthesisSchema = llmtool.MustSchema("synthesis", `{
  "type": "object",
  "required": ["base_pattern", "original_addition"],
  "properties": {
    "base_pattern": {"type": "string", "minLength": 1},
    "borrowed": {"type": "array", "items": {"type": "string"}},
    "original_addition": {"type": "string", "minLength": 1}
  }
}`)

var synthesisPrompt = llmtool.ApplyPresets(llmtool.StructuredPromptSpec{
	Purpose:    "Combine the retrieved patterns in [INPUT JSON] into a short plan for the request.",
	Background: "Patterns are prior approaches that worked for similar requests.",
	OutputFields: []llmtool.PromptField{
		{Name: "base_pattern", Type: "string", Required: true, Description: "the pattern to build on"},
		{Name: "borrowed", Type: "[]string", Description: "elements taken from the other patterns"},
		{Name: "original_addition", Type: "string", Required: true, Description: "something none of the patterns contain"},
	},
	Rules: []string{
		"base_pattern must name one of the given patterns.",
		"original_addition must not restate a pattern.",
	},
}, llmtool.PresetStrictJSON(), llmtool.PresetUntrustedInput()).MustRender()

// generationOutput is the deliverable format per agent kind.
var generationOutput = map[agent.Kind]string{
	agent.KindBuild: "A markdown document with an overview, setup steps, the complete implementation in fenced code blocks and usage instructions. " +
		"No placeholders or elided code.",
	agent.KindResearch: "A markdown report with a summary, key findings as a list, supporting detail per finding and open questions.",
	agent.KindChat:     "A direct conversational reply in plain prose.",
}

func generationPrompt(p agent.Profile) string {
	format, ok := generationOutput[p.Kind]
	if !ok {
		format = generationOutput[agent.KindChat]
	}
	spec := llmtool.StructuredPromptSpec{
		Purpose:      fmt.Sprintf("You are %s. %s Fulfil the user's request.", p.Name, strings.TrimSpace(p.Description)),
		Background:   "[INPUT JSON] may carry retrieved knowledge, known pitfalls, a synthesis plan and revision feedback with the previous draft.",
		OutputFormat: format,
		Rules: []string{
			"When feedback is present, revise the previous draft according to it instead of starting over, unless revision_mode is change_approach.",
			"When revision_mode is change_approach, design a different solution; do not reuse the previous structure.",
			"Avoid every known pitfall.",
		},
	}
	for _, d := range p.Criteria {
		spec.Rubric = append(spec.Rubric, fmt.Sprintf("%s: %s", d.Name, d.Description))
	}
	return spec.MustRender()
}
