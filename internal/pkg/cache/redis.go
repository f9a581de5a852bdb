package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript swaps the value only if it still matches ARGV[1]. An empty
// ARGV[1] requires the key to be absent. ARGV[3] is the ttl in ms (0 = none).
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (ARGV[1] == '' and cur == false) or (cur ~= false and cur == ARGV[1]) then
  if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  else
    redis.call('SET', KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

var cadScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore connects to a single Redis node.
func NewRedisStore(addr string, db int, namespace string) Store {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr, DB: db}), namespace)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, namespace string) Store {
	return &redisStore{client: client, namespace: namespace}
}

// Ping checks connectivity for stores built by this package.
func Ping(ctx context.Context, s Store) error {
	rs, ok := s.(*redisStore)
	if !ok {
		return nil
	}
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the client connection for stores built by this package.
func Close(s Store) error {
	if rs, ok := s.(*redisStore); ok {
		return rs.client.Close()
	}
	return nil
}

func (r *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return val, true, nil
}

func (r *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (r *redisStore) CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, r.client, []string{key}, old, new, ttl.Milliseconds()).Int()
	if err != nil {
		return false, unavailable("cas", err)
	}
	return n == 1, nil
}

func (r *redisStore) CompareAndDelete(ctx context.Context, key, old string) (bool, error) {
	n, err := cadScript.Run(ctx, r.client, []string{key}, old).Int()
	if err != nil {
		return false, unavailable("cad", err)
	}
	return n == 1, nil
}

func (r *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return n, nil
}

func (r *redisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("del", err)
	}
	return n, nil
}

func (r *redisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

func (r *redisStore) GenerateKey(operation, key string) string {
	return generateKey(r.namespace, operation, key)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
