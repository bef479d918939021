package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// setIfNewer stores the payload only when ARGV[1] is greater than the
// version already held, so a write that finishes late cannot replace a
// fresher one. Returns 1 when the payload was stored.
var setIfNewer = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'v')
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// VersionedViewCache holds projections of rows that several writers update
// concurrently. Each entry keeps its source row version next to the JSON
// payload and only moves forward.
type VersionedViewCache[T any] struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewVersionedViewCache[T any](client *goredis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *VersionedViewCache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionedViewCache[T]{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Get returns the cached value, or (nil, false) on a miss or an unreadable
// entry.
func (c *VersionedViewCache[T]) Get(ctx context.Context, key string) (*T, bool) {
	data, err := c.client.HGet(ctx, c.prefix+key, "d").Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.logger.WarnContext(ctx, "view cache read failed", "key", c.prefix+key, "error", err)
		}
		return nil, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.WarnContext(ctx, "view cache entry unreadable", "key", c.prefix+key, "error", err)
		return nil, false
	}
	return &v, true
}

// Set stores value when version is newer than the cached one and reports
// whether it did. Errors are logged, not returned.
func (c *VersionedViewCache[T]) Set(ctx context.Context, key string, version int64, value *T) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.ErrorContext(ctx, "view cache marshal failed", "key", c.prefix+key, "error", err)
		return false
	}
	stored, err := setIfNewer.Run(ctx, c.client, []string{c.prefix + key}, version, data, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.logger.WarnContext(ctx, "view cache write failed", "key", c.prefix+key, "error", err)
		return false
	}
	return stored == 1
}
