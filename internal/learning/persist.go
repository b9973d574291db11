package learning

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Persister is durable storage behind the cache. The cache never reads from it
// on the request path; it is a write-behind copy used to warm new processes.
type Persister interface {
	Save(ctx context.Context, rec MemoryRecord) error
	// LoadRecent returns up to limit records, oldest first.
	LoadRecent(ctx context.Context, limit int) ([]MemoryRecord, error)
}

// WriteBehind drains queued records into a Persister from a single goroutine.
// A full queue drops the write.
type WriteBehind struct {
	p       Persister
	log     *zap.Logger
	ch      chan MemoryRecord
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewWriteBehind(p Persister, queue int, logger *zap.Logger) *WriteBehind {
	if queue <= 0 {
		queue = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	wb := &WriteBehind{
		p:       p,
		log:     logger,
		ch:      make(chan MemoryRecord, queue),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go wb.loop()
	return wb
}

// Enqueue schedules rec for persistence without blocking.
func (wb *WriteBehind) Enqueue(rec MemoryRecord) bool {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	if wb.closed {
		return false
	}
	select {
	case wb.ch <- rec.clone():
		return true
	default:
		wb.log.Warn("learning write-behind queue full, dropping record", zap.String("domain", rec.Domain))
		return false
	}
}

func (wb *WriteBehind) loop() {
	defer close(wb.done)
	for rec := range wb.ch {
		// Detached from the request so a cancelled request never leaves a half write.
		ctx, cancel := context.WithTimeout(context.Background(), wb.timeout)
		if err := wb.p.Save(ctx, rec); err != nil {
			wb.log.Warn("learning record not persisted", zap.String("id", rec.ID), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (wb *WriteBehind) Close() {
	wb.mu.Lock()
	if !wb.closed {
		wb.closed = true
		close(wb.ch)
	}
	wb.mu.Unlock()
	<-wb.done
}

// MemoryPersister keeps records in memory; used in tests and when no database
// is configured.
type MemoryPersister struct {
	mu   sync.Mutex
	recs []MemoryRecord
}

func (m *MemoryPersister) Save(_ context.Context, rec MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec.clone())
	return nil
}

func (m *MemoryPersister) LoadRecent(_ context.Context, limit int) ([]MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.recs) > limit {
		start = len(m.recs) - limit
	}
	out := make([]MemoryRecord, 0, len(m.recs)-start)
	for _, r := range m.recs[start:] {
		out = append(out, r.clone())
	}
	return out, nil
}
