package trust

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	InitialTrust         = 1.0
	ViolationPenalty     = 0.2
	CleanReward          = 0.05
	DefaultMaxIdentities = 10000
	// MinSubstantiveRunes is the length below which a clean message earns nothing.
	MinSubstantiveRunes = 12
)

// Context is the trust state of one caller identity.
type Context struct {
	Identity       string    `json:"identity" bson:"identity"`
	TrustLevel     float64   `json:"trust_level" bson:"trust_level"`
	ViolationCount int       `json:"violation_count" bson:"violation_count"`
	Interactions   int       `json:"interactions" bson:"interactions"`
	SessionStart   time.Time `json:"session_start" bson:"session_start"`
	LastSeen       time.Time `json:"last_seen" bson:"last_seen"`
}

func newContext(identity string) Context {
	now := time.Now().UTC()
	return Context{Identity: identity, TrustLevel: InitialTrust, SessionStart: now, LastSeen: now}
}

// Adjust applies one interaction to a trust level and clamps the result to [0,1].
func Adjust(level float64, violation, substantive bool) float64 {
	switch {
	case violation:
		level -= ViolationPenalty
	case substantive:
		level += CleanReward
	}
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}

// Substantive reports whether a clean message is worth a trust reward.
func Substantive(content string) bool {
	return len([]rune(strings.TrimSpace(content))) >= MinSubstantiveRunes
}

// Persister is durable storage behind the store. Load reports false for an
// unknown identity.
type Persister interface {
	Save(ctx context.Context, c Context) error
	Load(ctx context.Context, identity string) (Context, bool, error)
}

type slot struct {
	mu     sync.Mutex
	loaded bool
	c      Context
}

// Store keeps trust per identity in a bounded table. Updates are serialized
// per identity, never globally.
type Store struct {
	table   *lru.Cache[string, *slot]
	persist Persister
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	queue  chan Context
	closed bool
	done   chan struct{}
}

func NewStore(maxIdentities int, logger *zap.Logger) *Store {
	if maxIdentities <= 0 {
		maxIdentities = DefaultMaxIdentities
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	table, err := lru.New[string, *slot](maxIdentities)
	if err != nil {
		panic(err)
	}
	return &Store{table: table, log: logger, timeout: 2 * time.Second}
}

// AttachPersister loads unknown identities from p and writes every update
// behind through a bounded queue. Call before serving traffic.
func (s *Store) AttachPersister(p Persister, queue int) {
	if queue <= 0 {
		queue = 256
	}
	s.persist = p
	s.queue = make(chan Context, queue)
	s.done = make(chan struct{})
	go s.drain()
}

func (s *Store) drain() {
	defer close(s.done)
	for c := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.persist.Save(ctx, c); err != nil {
			s.log.Warn("trust context not persisted", zap.String("identity", c.Identity), zap.Error(err))
		}
		cancel()
	}
}

// Close flushes pending writes.
func (s *Store) Close() {
	s.mu.Lock()
	if s.queue == nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *Store) enqueue(c Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.queue == nil || s.closed {
		return
	}
	select {
	case s.queue <- c:
	default:
		s.log.Warn("trust write-behind queue full", zap.String("identity", c.Identity))
	}
}

func (s *Store) slot(identity string) *slot {
	if sl, ok := s.table.Get(identity); ok {
		return sl
	}
	fresh := &slot{}
	if prev, ok, _ := s.table.PeekOrAdd(identity, fresh); ok {
		return prev
	}
	return fresh
}

// load fills sl on first use. The caller holds sl.mu.
func (s *Store) load(ctx context.Context, identity string, sl *slot) {
	if sl.loaded {
		return
	}
	sl.loaded = true
	sl.c = newContext(identity)
	if s.persist == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	c, ok, err := s.persist.Load(lctx, identity)
	if err != nil {
		s.log.Warn("trust context not loaded", zap.String("identity", identity), zap.Error(err))
		return
	}
	if ok {
		c.Identity = identity
		c.TrustLevel = Adjust(c.TrustLevel, false, false)
		sl.c = c
	}
}

// Get returns the current trust context of identity.
func (s *Store) Get(ctx context.Context, identity string) Context {
	sl := s.slot(identity)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	s.load(ctx, identity, sl)
	return sl.c
}

// UpdateTrustScore records one interaction: a violation costs
// ViolationPenalty, a clean substantive one earns CleanReward.
func (s *Store) UpdateTrustScore(ctx context.Context, identity string, violation, substantive bool) Context {
	sl := s.slot(identity)
	sl.mu.Lock()
	s.load(ctx, identity, sl)
	before := sl.c.TrustLevel
	sl.c.TrustLevel = Adjust(before, violation, substantive)
	sl.c.Interactions++
	if violation {
		sl.c.ViolationCount++
	}
	sl.c.LastSeen = time.Now().UTC()
	c := sl.c
	sl.mu.Unlock()

	if violation {
		s.log.Info("trust lowered",
			zap.String("identity", identity),
			zap.Float64("from", before),
			zap.Float64("to", c.TrustLevel),
			zap.Int("violations", c.ViolationCount))
	}
	s.enqueue(c)
	return c
}

// Len returns the number of identities held in memory.
func (s *Store) Len() int { return s.table.Len() }

// MemoryPersister keeps contexts in a map.
type MemoryPersister struct {
	mu sync.Mutex
	m  map[string]Context
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{m: map[string]Context{}}
}

func (p *MemoryPersister) Save(_ context.Context, c Context) error {
	p.mu.Lock()
	p.m[c.Identity] = c
	p.mu.Unlock()
	return nil
}

func (p *MemoryPersister) Load(_ context.Context, identity string) (Context, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.m[identity]
	return c, ok, nil
}
