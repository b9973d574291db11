package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"orchestra/internal/eval"
)

//go:embed agents.yaml
var builtinYAML []byte

// Kind selects the generation style of an agent.
type Kind string

const (
	KindChat     Kind = "chat"
	KindBuild    Kind = "build"
	KindResearch Kind = "research"
)

type Dimension = eval.Dimension

// WorkflowSpec bounds the build loop of an agent.
type WorkflowSpec struct {
	MaxIterations   int     `yaml:"max_iterations" json:"max_iterations"`
	ConfidenceFloor float64 `yaml:"confidence_floor" json:"confidence_floor"`
}

// Profile is an agent's capability description.
type Profile struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name" json:"name"`
	Kind         Kind         `yaml:"kind" json:"kind"`
	Domain       string       `yaml:"domain" json:"domain"`
	Description  string       `yaml:"description" json:"description"`
	Capabilities []string     `yaml:"capabilities" json:"capabilities"`
	Workflow     WorkflowSpec `yaml:"workflow" json:"workflow"`
	Criteria     []Dimension  `yaml:"criteria" json:"criteria"`
}

type profileFile struct {
	Agents []Profile `yaml:"agents"`
}

// ParseProfiles decodes and validates a YAML profile list.
func ParseProfiles(data []byte) ([]Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent profiles: %w", err)
	}
	seen := map[string]bool{}
	for i := range f.Agents {
		p := &f.Agents[i]
		p.ID = strings.TrimSpace(p.ID)
		if err := p.validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("agent %q defined twice", p.ID)
		}
		seen[p.ID] = true
	}
	return f.Agents, nil
}

// BuiltinProfiles returns the embedded profiles in priority order.
func BuiltinProfiles() []Profile {
	ps, err := ParseProfiles(builtinYAML)
	if err != nil {
		panic(err)
	}
	return ps
}

// LoadProfiles returns the built-in profiles overridden by the YAML file at
// path. Entries with a known id replace the built-in one in place; new ids are
// appended. An empty path returns the built-ins.
func LoadProfiles(path string) ([]Profile, error) {
	base := BuiltinProfiles()
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	extra, err := ParseProfiles(data)
	if err != nil {
		return nil, err
	}
	return Merge(base, extra), nil
}

// Merge overlays override onto base keeping base order.
func Merge(base, override []Profile) []Profile {
	out := append([]Profile(nil), base...)
	idx := map[string]int{}
	for i, p := range out {
		idx[p.ID] = i
	}
	for _, p := range override {
		if i, ok := idx[p.ID]; ok {
			out[i] = p
			continue
		}
		idx[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

func (p *Profile) validate() error {
	if p.ID == "" {
		return errors.New("agent profile without id")
	}
	if p.Kind == "" {
		p.Kind = KindChat
	}
	if p.Domain == "" {
		p.Domain = p.ID
	}
	if p.Workflow.MaxIterations < 1 {
		return fmt.Errorf("agent %q: max_iterations must be >= 1", p.ID)
	}
	if p.Workflow.ConfidenceFloor <= 0 || p.Workflow.ConfidenceFloor > 1 {
		return fmt.Errorf("agent %q: confidence_floor must be in (0,1]", p.ID)
	}
	if len(p.Criteria) == 0 {
		return fmt.Errorf("agent %q: at least one criterion is required", p.ID)
	}
	for _, d := range p.Criteria {
		if strings.TrimSpace(d.Name) == "" || d.Weight <= 0 {
			return fmt.Errorf("agent %q: criterion needs a name and a positive weight", p.ID)
		}
	}
	return nil
}
