package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JailtonJunior94/busgo/pkg/observability/fake"
	"github.com/JailtonJunior94/busgo/pkg/observability/noop"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDurable struct {
	mu      sync.Mutex
	records map[string]Record

	existsErr error
	insertErr error
	deleteErr error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{records: make(map[string]Record)}
}

func (d *fakeDurable) Exists(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.existsErr != nil {
		return false, d.existsErr
	}
	_, ok := d.records[key]
	return ok, nil
}

func (d *fakeDurable) Insert(ctx context.Context, record Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.insertErr != nil {
		return d.insertErr
	}
	if _, ok := d.records[record.Key]; !ok {
		d.records[record.Key] = record
	}
	return nil
}

func (d *fakeDurable) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return 0, d.deleteErr
	}
	var deleted int64
	for key, record := range d.records {
		if record.ProcessedAt.Before(cutoff) {
			delete(d.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func newTestStore(t *testing.T, durable DurableStore) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return NewStore(client, durable, noop.NewProvider()), server
}

const testKey = "a3f2b8c1d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1"

func TestStore_IsProcessed_CacheMiss(t *testing.T) {
	store, _ := newTestStore(t, newFakeDurable())

	processed, err := store.IsProcessed(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestStore_IsProcessed_DurableHitBackfillsCache(t *testing.T) {
	durable := newFakeDurable()
	durable.records[testKey] = Record{Key: testKey}

	store, server := newTestStore(t, durable)

	processed, err := store.IsProcessed(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, processed)

	assert.True(t, server.Exists(processedPrefix+testKey))

	// Second lookup must be served by the cache alone.
	durable.existsErr = errors.New("database down")
	processed, err = store.IsProcessed(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestStore_IsProcessed_CacheDownFallsThrough(t *testing.T) {
	durable := newFakeDurable()
	durable.records[testKey] = Record{Key: testKey}

	obs := fake.NewProvider()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store := NewStore(client, durable, obs)
	server.Close()

	processed, err := store.IsProcessed(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.True(t, obs.Logger().(*fake.FakeLogger).HasMessage("cache unavailable"))
}

func TestStore_IsProcessed_DurableError(t *testing.T) {
	durable := newFakeDurable()
	durable.existsErr = errors.New("database down")

	store, _ := newTestStore(t, durable)

	_, err := store.IsProcessed(context.Background(), testKey)
	assert.ErrorContains(t, err, "durable idempotency tier")
}

func TestStore_Claim(t *testing.T) {
	store, server := newTestStore(t, newFakeDurable())

	assert.True(t, store.Claim(context.Background(), testKey))
	assert.False(t, store.Claim(context.Background(), testKey))

	ttl := server.TTL(processingPrefix + testKey)
	assert.Equal(t, DefaultProcessingTTL, ttl)
}

func TestStore_Claim_ExpiresAndRearms(t *testing.T) {
	store, server := newTestStore(t, newFakeDurable())

	require.True(t, store.Claim(context.Background(), testKey))
	server.FastForward(DefaultProcessingTTL + time.Second)
	assert.True(t, store.Claim(context.Background(), testKey))
}

func TestStore_Claim_CacheDownIsGranted(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store := NewStore(client, newFakeDurable(), noop.NewProvider())
	server.Close()

	assert.True(t, store.Claim(context.Background(), testKey))
}

func TestStore_Claim_NoCache(t *testing.T) {
	store := NewStore(nil, newFakeDurable(), noop.NewProvider())

	assert.True(t, store.Claim(context.Background(), testKey))
	assert.True(t, store.Claim(context.Background(), testKey))
}

func TestStore_Commit(t *testing.T) {
	durable := newFakeDurable()
	store, server := newTestStore(t, durable)

	require.True(t, store.Claim(context.Background(), testKey))
	require.NoError(t, store.Commit(context.Background(), testKey, "payment.paid", "payment"))

	record, ok := durable.records[testKey]
	require.True(t, ok)
	assert.Equal(t, "payment.paid", record.EventType)
	assert.Equal(t, "payment", record.Service)
	assert.False(t, record.ProcessedAt.IsZero())

	assert.False(t, server.Exists(processingPrefix+testKey))
	assert.True(t, server.Exists(processedPrefix+testKey))
	assert.Equal(t, DefaultProcessedTTL, server.TTL(processedPrefix+testKey))

	processed, err := store.IsProcessed(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestStore_Commit_DurableFailureIsFatal(t *testing.T) {
	durable := newFakeDurable()
	durable.insertErr = errors.New("database down")

	store, _ := newTestStore(t, durable)

	err := store.Commit(context.Background(), testKey, "payment.paid", "payment")
	assert.ErrorContains(t, err, "failed to commit")
}

func TestStore_Release(t *testing.T) {
	store, server := newTestStore(t, newFakeDurable())

	require.True(t, store.Claim(context.Background(), testKey))
	store.Release(context.Background(), testKey)

	assert.False(t, server.Exists(processingPrefix+testKey))
	assert.True(t, store.Claim(context.Background(), testKey))
}

func TestStore_Cleanup(t *testing.T) {
	durable := newFakeDurable()
	now := time.Now().UTC()
	durable.records["old"] = Record{Key: "old", ProcessedAt: now.AddDate(0, 0, -10)}
	durable.records["fresh"] = Record{Key: "fresh", ProcessedAt: now.AddDate(0, 0, -1)}

	store, _ := newTestStore(t, durable)

	deleted, err := store.Cleanup(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, ok := durable.records["fresh"]
	assert.True(t, ok)
}

func TestStore_Cleanup_DefaultRetention(t *testing.T) {
	durable := newFakeDurable()
	durable.records["old"] = Record{Key: "old", ProcessedAt: time.Now().UTC().AddDate(0, 0, -8)}

	store, _ := newTestStore(t, durable)

	deleted, err := store.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
