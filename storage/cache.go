package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Source is the task source interface Cache and EventPublisher decorate. It
// matches board.TaskSource.
type Source interface {
	List(ctx context.Context, scopeID string) ([]domain.RawRecord, error)
	Create(ctx context.Context, scopeID string, draft domain.TaskDraft) (domain.RawRecord, error)
	Update(ctx context.Context, id int64, patch domain.TaskPatch) (domain.RawRecord, error)
	Delete(ctx context.Context, id int64) error
}

// Cache wraps a Source with Redis-backed caching of List results. Any
// successful mutation evicts every list this cache has stored.
type Cache struct {
	base  Source
	redis *redis.Client
	ttl   time.Duration

	mu    sync.Mutex
	known map[string]struct{}

	// evictions counts evict calls; a List whose read overlapped one does
	// not store its result.
	evictions atomic.Uint64
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A nil client or zero TTL disables caching.
func NewCache(base Source, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base source is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, known: make(map[string]struct{})}
}

func (c *Cache) List(ctx context.Context, scope string) ([]domain.RawRecord, error) {
	if recs, ok := c.load(ctx, scope); ok {
		return recs, nil
	}
	epoch := c.evictions.Load()
	recs, err := c.base.List(ctx, scope)
	if err != nil {
		return nil, err
	}
	c.store(ctx, scope, recs, epoch)
	return recs, nil
}

func (c *Cache) Create(ctx context.Context, scope string, draft domain.TaskDraft) (domain.RawRecord, error) {
	rec, err := c.base.Create(ctx, scope, draft)
	if err != nil {
		return nil, err
	}
	c.evict(ctx)
	return rec, nil
}

func (c *Cache) Update(ctx context.Context, id int64, patch domain.TaskPatch) (domain.RawRecord, error) {
	rec, err := c.base.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	c.evict(ctx)
	return rec, nil
}

func (c *Cache) Delete(ctx context.Context, id int64) error {
	if err := c.base.Delete(ctx, id); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

// Invalidate drops every cached list, e.g. after another process reported a
// change.
func (c *Cache) Invalidate(ctx context.Context) { c.evict(ctx) }

func (c *Cache) load(ctx context.Context, scope string) ([]domain.RawRecord, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := tasksCacheKey(scope)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing source without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var recs []domain.RawRecord
	if err := sonic.ConfigStd.Unmarshal(data, &recs); err != nil {
		log.WithError(err).WithField("key", key).Warn("dropping corrupt task cache entry")
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return recs, true
}

func (c *Cache) store(ctx context.Context, scope string, recs []domain.RawRecord, epoch uint64) {
	if c.redis == nil || c.ttl == 0 || c.evictions.Load() != epoch {
		return
	}
	data, err := sonic.ConfigStd.Marshal(recs)
	if err != nil {
		return
	}
	key := tasksCacheKey(scope)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evictions.Load() != epoch {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return
	}
	c.known[key] = struct{}{}
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	c.mu.Lock()
	c.evictions.Add(1)
	keys := make([]string, 0, len(c.known))
	for k := range c.known {
		keys = append(keys, k)
	}
	c.known = make(map[string]struct{})
	c.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func tasksCacheKey(scope string) string {
	return "tasks:" + scope
}
