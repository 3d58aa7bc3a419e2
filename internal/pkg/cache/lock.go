package cache

import (
	"context"
	"time"
)

// RedisLocker provides best-effort keyed mutual exclusion via SET NX.
// Used to serialize callback reconciliation per order key and renewal
// work per subscriber across processes. The TTL bounds how long a crashed
// holder can block other workers.
type RedisLocker struct {
	Prefix string
	TTL    time.Duration
}

// NewLocker creates a locker with the given key prefix and hold TTL.
func NewLocker(prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{Prefix: prefix, TTL: ttl}
}

// Acquire attempts to take the lock for key. It does not block: callers
// treat a held lock as "busy, retry later".
func (l *RedisLocker) Acquire(ctx context.Context, key string) (bool, error) {
	return GetClient().SetNX(ctx, l.Prefix+key, 1, l.TTL).Result()
}

// Release frees the lock for key. Safe to call on an expired lock.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return GetClient().Del(ctx, l.Prefix+key).Err()
}
