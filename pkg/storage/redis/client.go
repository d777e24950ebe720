// Layer 2: Redis client wrapper (depends on storage interface, logger)
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Yijuehen/gpubalance/pkg/logger"
	"github.com/Yijuehen/gpubalance/pkg/storage"
)

// Client: Wrapper around redis client implementing storage.Store
type Client struct {
	cli *redis.Client
	log *logger.Logger
}

// Compile-time interface check
var _ storage.Store = (*Client)(nil)

// NewClient: Create a new Redis client
// Connectivity failure here is fatal to the caller; mid-run failures are not.
func NewClient(addr, password string, db int) (*Client, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Ping(ctx).Err(); err != nil {
		logger.Get().Error("Failed to connect to Redis at %s: %v", addr, err)
		return nil, err
	}

	logger.Get().Info("Connected to Redis at %s", addr)

	return &Client{
		cli: cli,
		log: logger.Get(),
	}, nil
}

// Close: Close Redis connection
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping: Check connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.cli.Ping(ctx).Err()
}

// ============================================================================
// HASH OPERATIONS (metrics, process records, thresholds, history entries)
// ============================================================================

// HSet: Set hash fields from a map
func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	err := c.cli.HSet(ctx, key, fields).Err()
	if err != nil {
		c.log.Error("Failed to hset %s: %v", key, err)
		return err
	}
	c.log.Debug("Set %d hash fields: %s", len(fields), key)
	return nil
}

// HGetAll: Get all fields and values from hash
// A missing key yields an empty map, not an error.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := c.cli.HGetAll(ctx, key).Result()
	if err != nil {
		c.log.Error("Failed to hgetall %s: %v", key, err)
		return nil, err
	}
	return vals, nil
}

// HDel: Delete hash fields
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	err := c.cli.HDel(ctx, key, fields...).Err()
	if err != nil {
		c.log.Error("Failed to hdel %s: %v", key, err)
		return err
	}
	return nil
}

// ============================================================================
// SET OPERATIONS (available GPUs, per-GPU pid sets, balance marker sets)
// ============================================================================

// SAdd: Add members to a set
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := c.cli.SAdd(ctx, key, args...).Err()
	if err != nil {
		c.log.Error("Failed to sadd %s: %v", key, err)
		return err
	}
	c.log.Debug("Added %d members to set %s", len(members), key)
	return nil
}

// SRem: Remove members from a set
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := c.cli.SRem(ctx, key, args...).Err()
	if err != nil {
		c.log.Error("Failed to srem %s: %v", key, err)
		return err
	}
	return nil
}

// SMembers: Get all members of a set
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.cli.SMembers(ctx, key).Result()
	if err != nil {
		c.log.Error("Failed to smembers %s: %v", key, err)
		return nil, err
	}
	return members, nil
}

// SCard: Get number of members in a set
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	count, err := c.cli.SCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ============================================================================
// SORTED SET OPERATIONS (load timelines, balance history index)
// ============================================================================

// ZAdd: Add member to sorted set with score
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := c.cli.ZAdd(ctx, key, redis.Z{
		Score:  score,
		Member: member,
	}).Err()
	if err != nil {
		c.log.Error("Failed to zadd %s: %v", key, err)
		return err
	}
	c.log.Debug("Added to sorted set %s: %s (score: %f)", key, member, score)
	return nil
}

// ZRangeByScore: Get members whose score falls in [min, max]
// limit <= 0 returns every match.
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	results, err := c.cli.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		c.log.Error("Failed to zrangebyscore %s: %v", key, err)
		return nil, err
	}
	return results, nil
}

// ZRemRangeByScore: Remove members whose score falls in [min, max]
func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	removed, err := c.cli.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		c.log.Error("Failed to zremrangebyscore %s: %v", key, err)
		return 0, err
	}
	return removed, nil
}

// ZRemRangeByRank: Remove members by index range
func (c *Client) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	removed, err := c.cli.ZRemRangeByRank(ctx, key, start, stop).Result()
	if err != nil {
		c.log.Error("Failed to zremrangebyrank %s: %v", key, err)
		return 0, err
	}
	return removed, nil
}

// ZCard: Get number of members in sorted set
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	count, err := c.cli.ZCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ============================================================================
// KEY LIFECYCLE
// ============================================================================

// Del: Delete one or more keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := c.cli.Del(ctx, keys...).Err()
	if err != nil {
		c.log.Error("Failed to delete keys: %v", err)
		return err
	}
	c.log.Debug("Deleted %d keys", len(keys))
	return nil
}

// Keys: Get all keys matching pattern
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.cli.Keys(ctx, pattern).Result()
	if err != nil {
		c.log.Error("Failed to get keys with pattern %s: %v", pattern, err)
		return nil, err
	}
	c.log.Debug("Found %d keys matching pattern %s", len(keys), pattern)
	return keys, nil
}

// Expire: Set key expiration time
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := c.cli.Expire(ctx, key, ttl).Err()
	if err != nil {
		return err
	}
	c.log.Debug("Set expiration on key %s: %v", key, ttl)
	return nil
}

// TTL: Get remaining time to live
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.cli.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return ttl, nil
}

// formatScore: Redis wants scores as strings in range queries
func formatScore(score float64) string {
	return fmt.Sprintf("%f", score)
}
