package rbac

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// InvalidationChannel carries role ids evicted by another instance.
const InvalidationChannel = "rbac.roles.invalidate"

const purgeAll = "*"

// RoleLoader reads a role from the registry store.
type RoleLoader interface {
	GetRole(ctx context.Context, id int64) (Role, error)
}

type cacheEntry struct {
	role      *Role
	expiresAt time.Time
}

// Cache keeps immutable role snapshots for a short TTL. Entries are replaced,
// never mutated, so concurrent readers see either the old or the new matrix.
type Cache struct {
	loader RoleLoader
	ttl    time.Duration
	now    func() time.Time

	mu         sync.RWMutex
	entries    map[int64]cacheEntry
	generation uint64

	group singleflight.Group
}

// NewCache builds a cache in front of loader. A non-positive ttl disables caching.
func NewCache(loader RoleLoader, ttl time.Duration) *Cache {
	return &Cache{
		loader:  loader,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]cacheEntry),
	}
}

// Role returns the snapshot for id, loading it on a miss.
func (c *Cache) Role(ctx context.Context, id int64) (*Role, error) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	gen := c.generation
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.role.snapshot(), nil
	}

	ch := c.group.DoChan(strconv.FormatInt(id, 10), func() (interface{}, error) {
		role, err := c.loader.GetRole(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		snapshot := role.Clone()
		c.store(id, &snapshot, gen)
		return &snapshot, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Role).snapshot(), nil
	}
}

// snapshot hands each caller its own copy so edits never reach the cached entry.
func (r *Role) snapshot() *Role {
	clone := r.Clone()
	return &clone
}

func (c *Cache) store(id int64, role *Role, gen uint64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.entries[id] = cacheEntry{role: role, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate evicts id. Loads that started before the call will not repopulate it.
func (c *Cache) Invalidate(id int64) {
	c.mu.Lock()
	delete(c.entries, id)
	c.generation++
	c.mu.Unlock()
	c.group.Forget(strconv.FormatInt(id, 10))
}

// Purge evicts every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[int64]cacheEntry)
	c.generation++
	c.mu.Unlock()
}

// Len reports the number of cached roles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Broadcaster fans role invalidations out to other instances over Redis.
type Broadcaster struct {
	client *redis.Client
	cache  *Cache
	logger *slog.Logger
}

// NewBroadcaster wires cache to the Redis invalidation channel. A nil cache
// yields a publish-only broadcaster.
func NewBroadcaster(client *redis.Client, cache *Cache, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, cache: cache, logger: logger}
}

// Invalidate evicts id locally and publishes the eviction. A zero id purges everything.
func (b *Broadcaster) Invalidate(ctx context.Context, id int64) {
	if b == nil {
		return
	}
	payload := purgeAll
	if id > 0 {
		payload = strconv.FormatInt(id, 10)
	}
	if b.cache != nil {
		b.apply(payload)
	}
	if b.client == nil {
		return
	}
	if err := b.client.Publish(ctx, InvalidationChannel, payload).Err(); err != nil {
		b.logger.Warn("rbac publish invalidation", slog.Int64("role_id", id), slog.Any("error", err))
	}
}

// Listen subscribes to the invalidation channel until ctx is cancelled.
// The returned channel is closed when the subscription ends.
func (b *Broadcaster) Listen(ctx context.Context) (<-chan struct{}, error) {
	done := make(chan struct{})
	if b == nil || b.client == nil {
		close(done)
		return done, nil
	}
	pubsub := b.client.Subscribe(ctx, InvalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		close(done)
		return done, err
	}
	go func() {
		defer close(done)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(msg.Payload)
			}
		}
	}()
	return done, nil
}

func (b *Broadcaster) apply(payload string) {
	if b.cache == nil {
		return
	}
	if payload == purgeAll {
		b.cache.Purge()
		return
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		b.logger.Warn("rbac invalid invalidation payload", slog.String("payload", payload))
		b.cache.Purge()
		return
	}
	b.cache.Invalidate(id)
}
