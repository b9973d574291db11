package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"orchestra/internal/wordidx"
)

const (
	DefaultMinConfidence   = 0.7
	DefaultSuccessCapacity = 100
	DefaultFailureCapacity = 50
	DefaultMinSimilarity   = 0.1
	DefaultTopK            = 3
	maxPitfalls            = 10
)

type Config struct {
	MinConfidence   float64
	SuccessCapacity int
	FailureCapacity int
	MinSimilarity   float64
	TopK            int
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.SuccessCapacity <= 0 {
		c.SuccessCapacity = DefaultSuccessCapacity
	}
	if c.FailureCapacity <= 0 {
		c.FailureCapacity = DefaultFailureCapacity
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	return c
}

// entry pairs a record with its precomputed token set.
type entry struct {
	rec    MemoryRecord
	tokens wordidx.Set
}

// shard holds the bounded rings of one domain. The lru caches are used as
// insertion-ordered rings: keys are a monotonically increasing sequence and
// entries are never promoted, so eviction is oldest-first.
type shard struct {
	mu      sync.RWMutex
	seq     uint64
	success *lru.Cache[uint64, entry]
	failure *lru.Cache[uint64, entry]
}

// Cache is the in-memory learning cache. It is safe for concurrent use;
// writers serialize per domain only.
type Cache struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	shards map[string]*shard

	wb *WriteBehind
}

func NewCache(cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{cfg: cfg.withDefaults(), log: logger, shards: map[string]*shard{}}
}

// Config returns the effective configuration.
func (c *Cache) Config() Config { return c.cfg }

// AttachWriteBehind mirrors every stored record to wb.
func (c *Cache) AttachWriteBehind(wb *WriteBehind) { c.wb = wb }

func (c *Cache) shard(domain string) *shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shards[domain]
	if !ok {
		succ, err := lru.New[uint64, entry](c.cfg.SuccessCapacity)
		if err != nil {
			panic(fmt.Sprintf("learning: success ring: %v", err))
		}
		fail, err := lru.New[uint64, entry](c.cfg.FailureCapacity)
		if err != nil {
			panic(fmt.Sprintf("learning: failure ring: %v", err))
		}
		s = &shard{success: succ, failure: fail}
		c.shards[domain] = s
	}
	return s
}

func (c *Cache) peekShard(domain string) *shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shards[domain]
}

// RecordSuccess stores rec when its confidence reaches the learning threshold.
// It reports whether the record was stored. Nothing is stored once ctx is done.
func (c *Cache) RecordSuccess(ctx context.Context, rec MemoryRecord) bool {
	if rec.Outcome.Confidence < c.cfg.MinConfidence {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	rec.Success = true
	c.insert(rec, true)
	return true
}

// RecordFailure stores a failed approach with the reason it failed.
func (c *Cache) RecordFailure(ctx context.Context, domain, approach, reason string) bool {
	return c.AddFailure(ctx, MemoryRecord{
		Domain:         domain,
		Approach:       approach,
		WhatDidNotWork: []string{reason},
	})
}

// AddFailure stores a fully built failure record. Failures are stored
// regardless of confidence.
func (c *Cache) AddFailure(ctx context.Context, rec MemoryRecord) bool {
	if ctx.Err() != nil {
		return false
	}
	rec.Success = false
	c.insert(rec, false)
	return true
}

func (c *Cache) insert(rec MemoryRecord, success bool) {
	stored := c.store(rec, success)
	if c.wb != nil {
		c.wb.Enqueue(stored)
	}
}

func (c *Cache) store(rec MemoryRecord, success bool) MemoryRecord {
	rec = rec.clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	e := entry{rec: rec, tokens: wordidx.Tokens(rec.Context)}
	s := c.shard(rec.Domain)
	s.mu.Lock()
	s.seq++
	ring := s.failure
	if success {
		ring = s.success
	}
	if ring.Add(s.seq, e) {
		c.log.Debug("learning record evicted", zap.String("domain", rec.Domain), zap.Bool("success", success))
	}
	s.mu.Unlock()
	return rec
}

// Len returns the number of success and failure records held for domain.
func (c *Cache) Len(domain string) (success, failure int) {
	s := c.peekShard(domain)
	if s == nil {
		return 0, 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.success.Len(), s.failure.Len()
}

// snapshot returns the entries of one ring, oldest first.
func (s *shard) snapshot(success bool) []entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if success {
		return s.success.Values()
	}
	return s.failure.Values()
}

type scored struct {
	rec MemoryRecord
	sim float64
}

func (c *Cache) similar(domain string, query wordidx.Set, success bool) []scored {
	s := c.peekShard(domain)
	if s == nil {
		return nil
	}
	var out []scored
	for _, e := range s.snapshot(success) {
		sim := wordidx.Jaccard(query, e.tokens)
		if sim < c.cfg.MinSimilarity {
			continue
		}
		out = append(out, scored{rec: e.rec, sim: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].sim != out[j].sim {
			return out[i].sim > out[j].sim
		}
		return out[i].rec.Outcome.Confidence > out[j].rec.Outcome.Confidence
	})
	return out
}

// GetBestPractices returns at most TopK successful records of domain whose
// context resembles contextText, most similar first and then most confident.
func (c *Cache) GetBestPractices(domain, contextText string) []MemoryRecord {
	hits := c.similar(domain, wordidx.Tokens(contextText), true)
	if len(hits) > c.cfg.TopK {
		hits = hits[:c.cfg.TopK]
	}
	out := make([]MemoryRecord, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rec.clone())
	}
	return out
}

// GetKnownPitfalls returns distinct failure reasons of domain, newest first.
func (c *Cache) GetKnownPitfalls(domain string) []string {
	s := c.peekShard(domain)
	if s == nil {
		return nil
	}
	entries := s.snapshot(false)
	seen := map[string]bool{}
	var out []string
	for i := len(entries) - 1; i >= 0 && len(out) < maxPitfalls; i-- {
		for _, reason := range entries[i].rec.WhatDidNotWork {
			key := strings.ToLower(strings.TrimSpace(reason))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, strings.TrimSpace(reason))
		}
	}
	return out
}

// PredictOutcome estimates the confidence an approach will reach, as the
// similarity-weighted mean of comparable past outcomes. Failures without a
// recorded confidence count as 0.3. Without comparable data it returns 0.5.
func (c *Cache) PredictOutcome(domain, approach, contextText string) Prediction {
	q := wordidx.Tokens(contextText + " " + approach)
	succ := c.similar(domain, q, true)
	fail := c.similar(domain, q, false)
	if len(succ)+len(fail) == 0 {
		return Prediction{ExpectedConfidence: 0.5, Reasoning: "no comparable history in " + domainLabel(domain)}
	}
	var num, den float64
	for _, s := range succ {
		num += s.sim * s.rec.Outcome.Confidence
		den += s.sim
	}
	for _, f := range fail {
		conf := f.rec.Outcome.Confidence
		if conf <= 0 {
			conf = 0.3
		}
		num += f.sim * conf
		den += f.sim
	}
	return Prediction{
		ExpectedConfidence: num / den,
		Reasoning:          fmt.Sprintf("%d similar successes and %d similar failures in %s", len(succ), len(fail), domainLabel(domain)),
		Samples:            len(succ) + len(fail),
	}
}

func domainLabel(domain string) string {
	if domain == "" {
		return "the default domain"
	}
	return "domain " + domain
}

// Warm replays persisted records, oldest first, without writing them back.
// Successes below the learning threshold are skipped.
func (c *Cache) Warm(ctx context.Context, p Persister, limit int) (int, error) {
	recs, err := p.LoadRecent(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.Success && r.Outcome.Confidence < c.cfg.MinConfidence {
			continue
		}
		c.store(r, r.Success)
		n++
	}
	return n, nil
}
