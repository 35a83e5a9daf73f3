package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type RedisClientInterface interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

func InitRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

// UnreadCache keeps per-user unread counts for a short time. A nil client
// or any Redis error behaves like a cache miss.
//
// Counts are stored under a per-user generation. Invalidate bumps the
// generation, so a count computed before a write is stored under a key
// that is no longer read.
type UnreadCache struct {
	client RedisClientInterface
	ttl    time.Duration
	logger *zap.Logger
}

func NewUnreadCache(client RedisClientInterface, ttl time.Duration, logger *zap.Logger) *UnreadCache {
	return &UnreadCache{client: client, ttl: ttl, logger: logger.Named("cache")}
}

func generationKey(userID string) string {
	return "notifications:unread:" + userID + ":gen"
}

func unreadKey(userID string, gen int64) string {
	return fmt.Sprintf("notifications:unread:%s:%d", userID, gen)
}

func (c *UnreadCache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// Get returns the cached count and the generation it was looked up under.
// A negative generation means the generation itself could not be read and
// the caller should not Set.
func (c *UnreadCache) Get(ctx context.Context, userID string) (int, int64, bool) {
	if !c.enabled() {
		return 0, -1, false
	}
	gen, err := c.client.Get(ctx, generationKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("reading unread generation", zap.String("user_id", userID), zap.Error(err))
		return 0, -1, false
	}
	n, err := c.client.Get(ctx, unreadKey(userID, gen)).Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("reading unread count", zap.String("user_id", userID), zap.Error(err))
		}
		return 0, gen, false
	}
	return n, gen, true
}

// Set stores count under gen, the generation returned by the Get that
// preceded the database read.
func (c *UnreadCache) Set(ctx context.Context, userID string, gen int64, count int) {
	if !c.enabled() || gen < 0 {
		return
	}
	if err := c.client.Set(ctx, unreadKey(userID, gen), count, c.ttl).Err(); err != nil {
		c.logger.Warn("caching unread count", zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *UnreadCache) Invalidate(ctx context.Context, userID string) {
	if !c.enabled() {
		return
	}
	if err := c.client.Incr(ctx, generationKey(userID)).Err(); err != nil {
		c.logger.Warn("invalidating unread count", zap.String("user_id", userID), zap.Error(err))
	}
}
