package internal

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Cache is the storage interface used for archive bytes and descriptor memos.
// Implementations must be safe for concurrent use. Everything stored here is
// an accelerator: the engine behaves correctly if every Get misses.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration)
	Delete(ctx context.Context, key string) error
}

// memCache is an in-process ristretto-backed cache.
type memCache[T any] struct {
	c    *gocache.Cache[T]
	rc   *ristretto.Cache
	cost func(T) int64
}

var _ Cache[[]byte] = (*memCache[[]byte])(nil)

// NewArchiveCache creates an in-memory cache for archive bytes, bounded by
// total byte cost.
func NewArchiveCache(maxBytes int64) (Cache[[]byte], error) {
	return newMemCache(maxBytes, func(b []byte) int64 { return int64(len(b)) })
}

func newMemCache[T any](maxCost int64, cost func(T) int64) (*memCache[T], error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ristretto cache: %w", err)
	}
	return &memCache[T]{
		c:    gocache.New[T](ristretto_store.NewRistretto(rc)),
		rc:   rc,
		cost: cost,
	}, nil
}

func (m *memCache[T]) Get(ctx context.Context, key string) (T, bool) {
	v, err := m.c.Get(ctx, key)
	return v, err == nil
}

func (m *memCache[T]) GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool) {
	v, ttl, err := m.c.GetWithTTL(ctx, key)
	return v, ttl, err == nil
}

func (m *memCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) {
	err := m.c.Set(ctx, key, value,
		store.WithExpiration(ttl),
		store.WithCost(m.cost(value)),
	)
	if err != nil {
		Log(ctx).Warn("problem writing cache", "key", key, "err", err)
	}
}

func (m *memCache[T]) Delete(ctx context.Context, key string) error {
	return m.c.Delete(ctx, key)
}

// wait flushes pending ristretto writes. Only used by tests, which would
// otherwise race the async admission buffer.
func (m *memCache[T]) wait() {
	m.rc.Wait()
}

// nopCache ignores writes and always misses. Used when SEARCH_CACHE_ENABLED
// is false.
type nopCache[T any] struct{}

var _ Cache[[]byte] = nopCache[[]byte]{}

// NewNopCache creates a cache that always misses.
func NewNopCache() Cache[[]byte] { return nopCache[[]byte]{} }

func (nopCache[T]) Get(context.Context, string) (T, bool) {
	var zero T
	return zero, false
}

func (nopCache[T]) GetWithTTL(context.Context, string) (T, time.Duration, bool) {
	var zero T
	return zero, 0, false
}

func (nopCache[T]) Set(context.Context, string, T, time.Duration) {}

func (nopCache[T]) Delete(context.Context, string) error { return nil }

// pgCache layers a shared Postgres table behind an in-process cache so
// multiple replicas can reuse each other's archive downloads. Writes to
// Postgres are best-effort and never block the caller.
type pgCache struct {
	mem Cache[[]byte]
	db  *pgxpool.Pool
}

var _ Cache[[]byte] = (*pgCache)(nil)

// NewPostgresCache connects to the given DSN and layers it behind mem.
func NewPostgresCache(ctx context.Context, mem Cache[[]byte], dsn string) (Cache[[]byte], error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	_, err = db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS archive_cache (
			key     TEXT PRIMARY KEY,
			value   BYTEA NOT NULL,
			expires TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("creating archive_cache table: %w", err)
	}
	return &pgCache{mem: mem, db: db}, nil
}

func (p *pgCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, _, ok := p.GetWithTTL(ctx, key)
	return b, ok
}

func (p *pgCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	if b, ttl, ok := p.mem.GetWithTTL(ctx, key); ok {
		return b, ttl, true
	}

	var value []byte
	var expires time.Time
	row := p.db.QueryRow(ctx, `SELECT value, expires FROM archive_cache WHERE key = $1`, key)
	if err := row.Scan(&value, &expires); err != nil {
		return nil, 0, false
	}
	ttl := time.Until(expires)
	if ttl <= 0 {
		return nil, 0, false
	}

	p.mem.Set(ctx, key, value, ttl)
	return value, ttl, true
}

func (p *pgCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	p.mem.Set(ctx, key, value, ttl)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := p.db.Exec(ctx, `
			INSERT INTO archive_cache (key, value, expires) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = $2, expires = $3`,
			key, value, time.Now().Add(ttl))
		if err != nil {
			Log(ctx).Warn("problem persisting archive", "key", key, "err", err)
		}
	}()
}

func (p *pgCache) Delete(ctx context.Context, key string) error {
	_ = p.mem.Delete(ctx, key)
	_, err := p.db.Exec(ctx, `DELETE FROM archive_cache WHERE key = $1`, key)
	return err
}

// fuzz scales the given duration into the range (d, d * f) so cache entries
// written together don't all expire together.
func fuzz(d time.Duration, f float64) time.Duration {
	if f < 1.0 {
		f += 1.0
	}
	factor := 1.0 + rand.Float64()*(f-1.0)
	return time.Duration(float64(d) * factor)
}
