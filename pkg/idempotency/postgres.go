package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable idempotency tier backed by the
// processed_events table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the durable tier over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Exists reports whether the key has a completed record.
func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		"SELECT 1 FROM processed_events WHERE idempotency_key = $1", key,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query processed_events: %w", err)
	}
	return true, nil
}

// Insert records a completed event. A concurrent insert of the same key
// is not an error; the first writer wins and both deliveries converge on
// "processed".
func (s *PostgresStore) Insert(ctx context.Context, record Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (idempotency_key, event_type, service, processed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		record.Key, record.EventType, record.Service, record.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert into processed_events: %w", err)
	}
	return nil
}

// DeleteOlderThan removes records completed before the cutoff.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM processed_events WHERE processed_at < $1", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from processed_events: %w", err)
	}
	return tag.RowsAffected(), nil
}
