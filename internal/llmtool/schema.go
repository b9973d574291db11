package llmtool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	llmclient "orchestra/internal/llmClient"
)

// ErrParse is returned when a backend response is not a JSON object that
// satisfies the expected schema. It wraps llmclient.ErrInvalidJSON.
var ErrParse = fmt.Errorf("llmtool: unparsable structured output: %w", llmclient.ErrInvalidJSON)

// Schema is a compiled JSON Schema for one structured decision.
type Schema struct {
	name string
	sch  *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, sch: sch}, nil
}

// MustSchema is CompileSchema for package-level schema variables.
func MustSchema(name, doc string) *Schema {
	s, err := CompileSchema(name, []byte(doc))
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string { return s.name }

// ExtractJSON strips markdown fences and returns the outermost {...} object.
func ExtractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// Decode validates raw against schema (when non-nil) and unmarshals it into out.
// Every failure is reported as ErrParse.
func Decode(raw string, schema *Schema, out any) error {
	obj, ok := ExtractJSON(raw)
	if !ok {
		return fmt.Errorf("%w: no json object in response", ErrParse)
	}
	if schema != nil {
		var inst any
		if err := json.Unmarshal([]byte(obj), &inst); err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		if err := schema.sch.Validate(inst); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrParse, schema.name, err)
		}
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// Call performs one backend call and decodes the structured response.
// Backend errors are returned unchanged; decoding errors wrap ErrParse.
func Call(ctx context.Context, client llmclient.LLMClient, req llmclient.Request, schema *Schema, out any) error {
	req.Sampling.JSON = true
	raw, err := client.Generate(ctx, req)
	if err != nil {
		return err
	}
	return Decode(raw, schema, out)
}
