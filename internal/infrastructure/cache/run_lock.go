package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tiersync/backend/internal/domain/integration"
)

// lockEntry is one held tier lock
type lockEntry struct {
	owner     string
	expiresAt time.Time
}

// MemoryRunLock implements integration.RunLock in process memory.
// It is suitable for single-instance deployments and testing.
type MemoryRunLock struct {
	mu      sync.Mutex
	entries map[integration.Tier]lockEntry
	clock   func() time.Time
}

// NewMemoryRunLock creates an empty lock table
func NewMemoryRunLock() *MemoryRunLock {
	return &MemoryRunLock{
		entries: make(map[integration.Tier]lockEntry),
		clock:   time.Now,
	}
}

// TryAcquire takes the tier lock unless another owner holds an unexpired one.
// Re-acquiring by the current owner refreshes the TTL.
func (l *MemoryRunLock) TryAcquire(_ context.Context, tier integration.Tier, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, held := l.entries[tier]; held && e.owner != owner && now.Before(e.expiresAt) {
		return false, nil
	}
	l.entries[tier] = lockEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the tier lock if owner holds it
func (l *MemoryRunLock) Release(_ context.Context, tier integration.Tier, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, held := l.entries[tier]; held && e.owner == owner {
		delete(l.entries, tier)
	}
	return nil
}

// Holder returns the current owner of tier, or "" (for monitoring)
func (l *MemoryRunLock) Holder(tier integration.Tier) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, held := l.entries[tier]
	if !held || !l.clock().Before(e.expiresAt) {
		return ""
	}
	return e.owner
}

// releaseScript deletes the lock only while it still belongs to the caller
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisRunLock implements integration.RunLock with SET NX PX so that tier
// runs do not overlap across scheduler instances.
type RedisRunLock struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRunLock creates a run lock on client
func NewRedisRunLock(client *redis.Client, keyPrefix string) *RedisRunLock {
	if keyPrefix == "" {
		keyPrefix = "tiersync:"
	}
	return &RedisRunLock{client: client, keyPrefix: keyPrefix}
}

func (l *RedisRunLock) key(tier integration.Tier) string {
	return l.keyPrefix + "runlock:" + tier.Slug()
}

// TryAcquire takes the tier lock for owner
func (l *RedisRunLock) TryAcquire(ctx context.Context, tier integration.Tier, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(tier), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

// Release drops the tier lock if owner still holds it
func (l *RedisRunLock) Release(ctx context.Context, tier integration.Tier, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(tier)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

var (
	_ integration.RunLock = (*MemoryRunLock)(nil)
	_ integration.RunLock = (*RedisRunLock)(nil)
)
