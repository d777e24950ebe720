// Layer 2: Coordination store abstraction
// Every cross-process interaction goes through this narrow interface so the
// backing technology stays swappable without touching scheduling/balancing logic.
package storage

import (
	"context"
	"time"
)

// Store: Narrow hash/set/sorted-set contract over the coordination store.
// Per-key writes are atomic; nothing here spans multiple keys atomically,
// so callers must keep multi-key updates idempotent and self-healing.
type Store interface {
	// Hash operations
	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Set operations
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted-set operations
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Key lifecycle
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Connectivity
	Ping(ctx context.Context) error
	Close() error
}
