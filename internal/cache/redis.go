package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// setScript stores ARGV[1]=ARGV[2] in hash KEYS[1], tracks insertion order in list KEYS[2],
// trims to ARGV[3] entries and refreshes both TTLs to ARGV[4] milliseconds.
var setScript = redis.NewScript(`
if redis.call("HSET", KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[1])
end
local max = tonumber(ARGV[3])
if max > 0 then
	while redis.call("LLEN", KEYS[2]) > max do
		redis.call("HDEL", KEYS[1], redis.call("LPOP", KEYS[2]))
	end
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
	redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`)

// RedisStore shares session caches across server instances. Redis key expiry enforces IdleTTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	policy Policy
}

// NewRedisStore builds a RedisStore; name separates independent caches on one server.
func NewRedisStore(client redis.UniversalClient, name string, policy Policy) *RedisStore {
	return &RedisStore{client: client, prefix: "governance:cache:" + name + ":", policy: policy}
}

func (r *RedisStore) keys(sessionID string) (string, string) {
	base := r.prefix + sessionID
	return base, base + ":order"
}

// Get reads one field and refreshes the session's idle expiry.
func (r *RedisStore) Get(ctx context.Context, sessionID, key string) ([]byte, bool, error) {
	if !validSession(sessionID) {
		return nil, false, ErrNoSession
	}
	hashKey, orderKey := r.keys(sessionID)
	pipe := r.client.Pipeline()
	get := pipe.HGet(ctx, hashKey, key)
	if r.policy.IdleTTL > 0 {
		pipe.PExpire(ctx, hashKey, r.policy.IdleTTL)
		pipe.PExpire(ctx, orderKey, r.policy.IdleTTL)
	}
	if _, errExec := pipe.Exec(ctx); errExec != nil && !errors.Is(errExec, redis.Nil) {
		return nil, false, fmt.Errorf("cache: redis get: %w", errExec)
	}
	value, errGet := get.Bytes()
	if errors.Is(errGet, redis.Nil) {
		return nil, false, nil
	}
	if errGet != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", errGet)
	}
	return value, true, nil
}

// Set stores or overwrites one field.
func (r *RedisStore) Set(ctx context.Context, sessionID, key string, value []byte) error {
	if !validSession(sessionID) {
		return ErrNoSession
	}
	hashKey, orderKey := r.keys(sessionID)
	ttl := r.policy.IdleTTL / time.Millisecond
	if errRun := setScript.Run(ctx, r.client, []string{hashKey, orderKey}, key, value, r.policy.MaxEntries, int64(ttl)).Err(); errRun != nil {
		return fmt.Errorf("cache: redis set: %w", errRun)
	}
	return nil
}

// EndSession deletes the session's keys.
func (r *RedisStore) EndSession(ctx context.Context, sessionID string) error {
	if !validSession(sessionID) {
		return ErrNoSession
	}
	hashKey, orderKey := r.keys(sessionID)
	if errDel := r.client.Del(ctx, hashKey, orderKey).Err(); errDel != nil {
		return fmt.Errorf("cache: redis end session: %w", errDel)
	}
	return nil
}
