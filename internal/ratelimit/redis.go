package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// slidingWindow keeps one sorted set per identity scored by hit time in
// milliseconds. Returns {allowed, count, oldest}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisStore shares windows between API instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, span time.Duration, limit int) (Result, error) {
	const op = "ratelimit.redis.Hit"

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	vals, err := slidingWindow.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), span.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("%s: unexpected reply %v", op, vals)
	}
	return Result{
		Allowed: vals[0] == 1,
		Count:   int(vals[1]),
		Oldest:  time.UnixMilli(vals[2]),
	}, nil
}
