package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// resolveScript removes a member from a set and bumps a hash counter only if the
// member was present. KEYS[1] is the set, KEYS[2] the hash.
var resolveScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 1 then
  redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
end
local remaining = redis.call('SCARD', KEYS[1])
local hash = redis.call('HGETALL', KEYS[2])
return {removed, remaining, hash}
`)

// acquireScript is a sorted-set semaphore. Scores are acquisition times in
// milliseconds; entries older than the ttl are evicted before counting.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - ttl)
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ttl)
  return 1
end
return 0
`)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a Redis client. Every key is prefixed.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return b, nil
}

// Set implements Store.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SetNX implements Store.
func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	// Keys may live in different cluster slots.
	for _, k := range full {
		if err := r.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}

// Expire implements Store.
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("failed to expire %s: %w", key, err)
	}
	return nil
}

// SAdd implements Store.
func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, r.key(key), args...).Err(); err != nil {
		return fmt.Errorf("failed to sadd %s: %w", key, err)
	}
	return nil
}

// SRem implements Store.
func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := r.client.SRem(ctx, r.key(key), args...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to srem %s: %w", key, err)
	}
	return n, nil
}

// SMembers implements Store.
func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	out, err := r.client.SMembers(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to smembers %s: %w", key, err)
	}
	return out, nil
}

// SCard implements Store.
func (r *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scard %s: %w", key, err)
	}
	return n, nil
}

// HSet implements Store.
func (r *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	if err := r.client.HSet(ctx, r.key(key), args).Err(); err != nil {
		return fmt.Errorf("failed to hset %s: %w", key, err)
	}
	return nil
}

// HGetAll implements Store.
func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to hgetall %s: %w", key, err)
	}
	return out, nil
}

// ResolveMember implements Store with a Lua script. Both keys must hash to the
// same cluster slot.
func (r *RedisStore) ResolveMember(ctx context.Context, setKey, member, hashKey, field string) (Resolution, error) {
	raw, err := resolveScript.Run(ctx, r.client, []string{r.key(setKey), r.key(hashKey)}, member, field).Slice()
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to resolve %s in %s: %w", member, setKey, err)
	}
	if len(raw) != 3 {
		return Resolution{}, fmt.Errorf("unexpected resolve reply length %d", len(raw))
	}

	removed, _ := raw[0].(int64)
	remaining, _ := raw[1].(int64)
	res := Resolution{
		Removed:   removed == 1,
		Remaining: remaining,
		Hash:      make(map[string]string),
	}
	if flat, ok := raw[2].([]interface{}); ok {
		for i := 0; i+1 < len(flat); i += 2 {
			k, _ := flat[i].(string)
			v, _ := flat[i+1].(string)
			res.Hash[k] = v
		}
	}
	return res, nil
}

// RedisLimiter implements Limiter with a sorted-set semaphore shared by every replica.
type RedisLimiter struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

// NewRedisLimiter creates a distributed limiter.
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, pollInterval: 50 * time.Millisecond}
}

// Acquire implements Limiter. It polls with a growing interval while the key is saturated.
func (l *RedisLimiter) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (func(), error) {
	if limit <= 0 {
		limit = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	zkey := l.prefix + "limit:" + key
	token := uuid.New().String()
	wait := l.pollInterval

	for {
		ok, err := acquireScript.Run(ctx, l.client, []string{zkey},
			time.Now().UnixMilli(), ttl.Milliseconds(), limit, token).Int()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
		}
		if ok == 1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < time.Second {
			wait *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l.client.ZRem(ctx, zkey, token)
		})
	}, nil
}
