package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orchestra/internal/learning"
)

// Store persists learning records in Postgres.
type Store struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

// Open connects with the pgx driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS learning_records (
    id TEXT PRIMARY KEY,
    domain TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    payload JSONB NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_learning_records_recorded_at ON learning_records(recorded_at);
`)
	})
	return s.schemaErr
}

func (s *Store) Save(ctx context.Context, rec learning.MemoryRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("record id is required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO learning_records (id, domain, success, confidence, payload, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`, rec.ID, rec.Domain, rec.Success, rec.Outcome.Confidence, payload, rec.Timestamp)
	return err
}

func (s *Store) LoadRecent(ctx context.Context, limit int) ([]learning.MemoryRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT payload FROM (
    SELECT payload, recorded_at FROM learning_records ORDER BY recorded_at DESC LIMIT $1
) recent ORDER BY recorded_at ASC
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []learning.MemoryRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec learning.MemoryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode learning record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ learning.Persister = (*Store)(nil)
