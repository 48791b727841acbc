package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/go-redis/redis"
)

// putScript writes the record only when it is at least as new as the stored one.
// Timestamps are unix microseconds so they stay exact as Lua numbers.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'checked_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HMSET', KEYS[1], 'checked_at', ARGV[1], 'payload', ARGV[2], 'stale', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var invalidateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'stale', '1')
	return 1
end
return 0
`)

// RedisCache shares entitlement records across processes.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // Expiry of the redis key, not the freshness window
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(k models.EntitlementKey) string {
	return c.prefix + "entitlement:" + k.Address + ":" + strconv.FormatInt(k.TokenID, 10)
}

func (c *RedisCache) Get(ctx context.Context, key models.EntitlementKey) (models.EntitlementRecord, bool, error) {
	vals, err := c.client.WithContext(ctx).HMGet(c.key(key), "payload", "stale").Result()
	if err != nil {
		return models.EntitlementRecord{}, false, fmt.Errorf("redis hmget: %w", err)
	}
	payload, ok := vals[0].(string)
	if !ok {
		return models.EntitlementRecord{}, false, nil
	}

	var rec models.EntitlementRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return models.EntitlementRecord{}, false, fmt.Errorf("decode cached record: %w", err)
	}
	if stale, _ := vals[1].(string); stale == "1" {
		rec.Stale = true
	}
	return rec, true, nil
}

func (c *RedisCache) Put(ctx context.Context, rec models.EntitlementRecord) error {
	rec.Stale = false
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := c.key(models.NewEntitlementKey(rec.Address, rec.TokenID))
	err = putScript.Run(c.client.WithContext(ctx), []string{key},
		rec.CheckedAt.UnixMicro(), string(payload), c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key models.EntitlementKey) error {
	if err := invalidateScript.Run(c.client.WithContext(ctx), []string{c.key(key)}).Err(); err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	return nil
}

// NewRedisClient connects and pings.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
