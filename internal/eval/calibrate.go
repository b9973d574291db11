package eval

import (
	"strings"
	"unicode/utf8"
)

// Calibration counters systematic under-scoring by the backend. Raw scores in
// [BandLow, ClearlyGood) are raised by Boost but never past ClearlyGood, so the
// transform stays monotonic; scores at or above ClearlyGood are untouched.
type Calibration struct {
	BandLow     float64
	ClearlyGood float64
	Boost       float64
}

func DefaultCalibration() Calibration {
	return Calibration{BandLow: 0.35, ClearlyGood: 0.75, Boost: 0.15}
}

func (c Calibration) Apply(raw float64) float64 {
	raw = clamp01(raw)
	if raw < c.BandLow || raw >= c.ClearlyGood {
		return raw
	}
	return min(raw+c.Boost, c.ClearlyGood)
}

// Completeness heuristics for "clearly complete" artifacts.
const (
	CompleteMinRunes      = 400
	CompleteMinStructures = 3
)

var (
	placeholderMarkers = []string{
		"lorem ipsum", "placeholder", "not implemented", "// ...", "/* ... */", "[insert",
	}
	// Matched case-sensitively so "todo app" is not a placeholder.
	placeholderTags = []string{"TODO", "FIXME", "TBD"}
)

// ClearlyComplete reports whether artifact is long, structured and free of
// placeholder markers.
func ClearlyComplete(artifact string) bool {
	text := strings.TrimSpace(artifact)
	if utf8.RuneCountInString(text) < CompleteMinRunes {
		return false
	}
	lower := strings.ToLower(text)
	for _, m := range placeholderMarkers {
		if containsWord(lower, m) {
			return false
		}
	}
	for _, m := range placeholderTags {
		if containsWord(text, m) {
			return false
		}
	}
	structures := 0
	for _, line := range strings.Split(text, "\n") {
		l := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(l, "#"), strings.HasPrefix(l, "```"),
			strings.HasPrefix(l, "- "), strings.HasPrefix(l, "* "),
			len(l) > 2 && l[0] >= '0' && l[0] <= '9' && l[1] == '.':
			structures++
		}
	}
	return structures >= CompleteMinStructures
}

// containsWord matches m at word boundaries when m is alphabetic.
func containsWord(s, m string) bool {
	from := 0
	for {
		i := strings.Index(s[from:], m)
		if i < 0 {
			return false
		}
		i += from
		end := i + len(m)
		before := i == 0 || !isWordByte(s[i-1])
		after := end >= len(s) || !isWordByte(s[end]) || !isWordByte(m[len(m)-1])
		if (before || !isWordByte(m[0])) && after {
			return true
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func clamp01(x float64) float64 {
	if x != x || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
