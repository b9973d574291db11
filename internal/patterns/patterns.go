package patterns

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"orchestra/internal/wordidx"
)

//go:embed patterns.yaml
var builtinYAML []byte

// MinSimilarity is the cutoff below which a pattern is not considered relevant.
const MinSimilarity = 0.05

// Pattern is a named, reusable implementation approach.
type Pattern struct {
	ID       string   `yaml:"id" json:"id"`
	Domain   string   `yaml:"domain" json:"domain"`
	Name     string   `yaml:"name" json:"name"`
	Summary  string   `yaml:"summary" json:"summary"`
	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`

	tokens wordidx.Set
}

// Match is a pattern with its similarity to the query.
type Match struct {
	Pattern
	Similarity float64 `json:"similarity"`
}

// Library is an immutable pattern collection; safe for concurrent use.
type Library struct {
	patterns []Pattern
}

type libraryFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// Parse decodes a YAML pattern list.
func Parse(data []byte) (*Library, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse patterns: %w", err)
	}
	lib := &Library{}
	for _, p := range f.Patterns {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("pattern without id")
		}
		p.tokens = wordidx.Tokens(p.Name + " " + p.Summary + " " + strings.Join(p.Keywords, " "))
		lib.patterns = append(lib.patterns, p)
	}
	return lib, nil
}

// Builtin returns the embedded library.
func Builtin() *Library {
	lib, err := Parse(builtinYAML)
	if err != nil {
		panic(err)
	}
	return lib
}

// Load returns the YAML library at path, or the embedded one when path is empty.
func Load(path string) (*Library, error) {
	if strings.TrimSpace(path) == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (l *Library) Len() int { return len(l.patterns) }

// Search returns up to n patterns of domain (or the general domain) ranked by
// token-set similarity to text.
func (l *Library) Search(domain, text string, n int) []Match {
	if l == nil || n <= 0 {
		return nil
	}
	q := wordidx.Tokens(text)
	var out []Match
	for _, p := range l.patterns {
		if p.Domain != domain && p.Domain != "general" {
			continue
		}
		sim := wordidx.Jaccard(q, p.tokens)
		if sim < MinSimilarity {
			continue
		}
		out = append(out, Match{Pattern: p, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
