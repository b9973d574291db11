package learning

import (
	"time"
)

// Outcome summarises how a workflow ended.
type Outcome struct {
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
	Iterations int           `json:"iterations"`
}

// MemoryRecord is one remembered workflow outcome. Records are immutable once
// stored; only eviction removes them.
type MemoryRecord struct {
	ID             string    `json:"id"`
	Domain         string    `json:"domain"`
	Context        string    `json:"context"`
	Approach       string    `json:"approach"`
	PatternsUsed   []string  `json:"patterns_used,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	WhatWorked     []string  `json:"what_worked,omitempty"`
	WhatDidNotWork []string  `json:"what_did_not_work,omitempty"`
	Success        bool      `json:"success"`
	Timestamp      time.Time `json:"timestamp"`
}

func (r MemoryRecord) clone() MemoryRecord {
	r.PatternsUsed = append([]string(nil), r.PatternsUsed...)
	r.WhatWorked = append([]string(nil), r.WhatWorked...)
	r.WhatDidNotWork = append([]string(nil), r.WhatDidNotWork...)
	return r
}

// Prediction is the expected outcome of an approach in a domain.
type Prediction struct {
	ExpectedConfidence float64 `json:"expected_confidence"`
	Reasoning          string  `json:"reasoning"`
	Samples            int     `json:"samples"`
}
