// Package idempotency implements duplicate suppression for consumed
// events. A redis tier answers fast and holds short-lived processing
// claims; a durable tier is the source of truth, so losing the cache can
// cost speed but never correctness.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/JailtonJunior94/busgo/pkg/observability"

	"github.com/redis/go-redis/v9"
)

const (
	processingPrefix = "processing:"
	processedPrefix  = "processed:"

	// DefaultProcessingTTL bounds how long a crashed worker can hold a
	// claim before the message becomes processable again.
	DefaultProcessingTTL = 5 * time.Minute

	// DefaultProcessedTTL keeps completed keys in the cache for a week;
	// the durable tier answers after that.
	DefaultProcessedTTL = 7 * 24 * time.Hour

	// DefaultRetentionDays is how long the durable tier keeps completed
	// keys before Cleanup removes them.
	DefaultRetentionDays = 7
)

// Record is one completed event in the durable tier.
type Record struct {
	Key         string
	EventType   string
	Service     string
	ProcessedAt time.Time
}

// DurableStore is the persistent tier. PostgresStore implements it.
type DurableStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Insert(ctx context.Context, record Record) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store layers the cache tier over the durable tier.
type Store struct {
	cache   redis.Cmdable
	durable DurableStore
	obs     observability.Observability

	processingTTL time.Duration
	processedTTL  time.Duration

	now func() time.Time
}

// Option adjusts store behavior.
type Option func(*Store)

// WithProcessingTTL overrides how long a processing claim lives.
func WithProcessingTTL(ttl time.Duration) Option {
	return func(s *Store) { s.processingTTL = ttl }
}

// WithProcessedTTL overrides how long completed keys stay cached.
func WithProcessedTTL(ttl time.Duration) Option {
	return func(s *Store) { s.processedTTL = ttl }
}

// NewStore creates a store. cache may be nil; every lookup then goes to
// the durable tier.
func NewStore(cache redis.Cmdable, durable DurableStore, obs observability.Observability, opts ...Option) *Store {
	s := &Store{
		cache:         cache,
		durable:       durable,
		obs:           obs,
		processingTTL: DefaultProcessingTTL,
		processedTTL:  DefaultProcessedTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsProcessed reports whether the key has already been completed. Cache
// hits answer immediately; misses and cache failures fall through to the
// durable tier, whose answer is backfilled into the cache.
func (s *Store) IsProcessed(ctx context.Context, key string) (bool, error) {
	if s.cache != nil {
		n, err := s.cache.Exists(ctx, processedPrefix+key).Result()
		switch {
		case err != nil:
			s.obs.Logger().Warn(ctx, "idempotency cache unavailable, using durable tier",
				observability.Error(err),
			)
		case n > 0:
			return true, nil
		}
	}

	found, err := s.durable.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check durable idempotency tier: %w", err)
	}

	if found && s.cache != nil {
		if err := s.cache.Set(ctx, processedPrefix+key, "1", s.processedTTL).Err(); err != nil {
			s.obs.Logger().Warn(ctx, "failed to backfill idempotency cache",
				observability.Error(err),
			)
		}
	}
	return found, nil
}

// Claim takes a short-lived processing lock on the key. The claim is
// advisory: it narrows the duplicate window while two deliveries race,
// but the durable tier stays the arbiter. When the cache is down the
// claim is granted.
func (s *Store) Claim(ctx context.Context, key string) bool {
	if s.cache == nil {
		return true
	}

	ok, err := s.cache.SetNX(ctx, processingPrefix+key, "1", s.processingTTL).Result()
	if err != nil {
		s.obs.Logger().Warn(ctx, "failed to claim idempotency key, proceeding",
			observability.Error(err),
		)
		return true
	}
	return ok
}

// Commit records the key as completed. The durable insert is the
// correctness step and its failure is the caller's failure; the cache
// updates are best effort.
func (s *Store) Commit(ctx context.Context, key, eventType, service string) error {
	record := Record{
		Key:         key,
		EventType:   eventType,
		Service:     service,
		ProcessedAt: s.now().UTC(),
	}
	if err := s.durable.Insert(ctx, record); err != nil {
		return fmt.Errorf("failed to commit idempotency key: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Del(ctx, processingPrefix+key).Err(); err != nil {
			s.obs.Logger().Warn(ctx, "failed to release processing claim after commit",
				observability.Error(err),
			)
		}
		if err := s.cache.Set(ctx, processedPrefix+key, "1", s.processedTTL).Err(); err != nil {
			s.obs.Logger().Warn(ctx, "failed to cache committed idempotency key",
				observability.Error(err),
			)
		}
	}
	return nil
}

// Release drops the processing claim so a retried delivery can run.
func (s *Store) Release(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, processingPrefix+key).Err(); err != nil {
		s.obs.Logger().Warn(ctx, "failed to release processing claim",
			observability.Error(err),
		)
	}
}

// Cleanup removes durable records older than the retention window and
// returns how many were deleted.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := s.durable.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up idempotency records: %w", err)
	}

	s.obs.Logger().Info(ctx, "idempotency records cleaned up",
		observability.Int64("deleted", deleted),
		observability.Int("retention_days", retentionDays),
	)
	return deleted, nil
}
