package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// JSONCache stores JSON encoded values in Redis under a common prefix.
// A nil JSONCache or one without a client always calls through to the loader.
type JSONCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewJSONCache builds a cache helper.
func NewJSONCache(client *redis.Client, prefix string, ttl time.Duration) *JSONCache {
	return &JSONCache{client: client, prefix: prefix, ttl: ttl}
}

// Key joins parts under the cache prefix.
func (c *JSONCache) Key(parts ...string) string {
	if c == nil || c.prefix == "" {
		return strings.Join(parts, ":")
	}
	return c.prefix + ":" + strings.Join(parts, ":")
}

// FetchJSON loads a cached value into dest or populates it using loader.
// Cache read and write failures fall back to the loader result.
func (c *JSONCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	return c.fetch(ctx, key, "", dest, loader)
}

// FetchJSONGen is FetchJSON for values guarded by a generation key. The
// loaded value is stored only when genKey was not bumped by Invalidate while
// loader ran, so a load that raced a write never repopulates the cache.
func (c *JSONCache) FetchJSONGen(ctx context.Context, key, genKey string, dest any, loader func(context.Context) (any, error)) error {
	return c.fetch(ctx, key, genKey, dest, loader)
}

var setIfGeneration = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

func (c *JSONCache) fetch(ctx context.Context, key, genKey string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	cached := c != nil && c.client != nil
	gen := "0"
	if cached {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			if err := json.Unmarshal(payload, dest); err == nil {
				return nil
			}
		}
		if genKey != "" {
			current, err := c.client.Get(ctx, genKey).Result()
			switch {
			case err == nil:
				gen = current
			case !errors.Is(err, redis.Nil):
				cached = false
			}
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if cached {
		if genKey == "" {
			_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		} else {
			_ = setIfGeneration.Run(ctx, c.client, []string{key, genKey}, gen, raw, c.ttl.Milliseconds()).Err()
		}
	}
	return json.Unmarshal(raw, dest)
}

// Invalidate bumps genKey and removes keys in one transaction.
func (c *JSONCache) Invalidate(ctx context.Context, genKey string, keys ...string) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		return nil
	})
	return err
}

// Delete removes keys, ignoring missing ones.
func (c *JSONCache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
