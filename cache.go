package beacon

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack"
)

// ErrCacheMiss is returned when a key or hash field is not in the cache.
var ErrCacheMiss = errors.New("cache entry not found")

// Cache is the store the session hydrates entities into. Values are
// msgpack encoded. Writes are last-writer-wins key sets; handlers treat
// them as commutative.
type Cache interface {
	Set(key string, value interface{}) error
	Get(key string, out interface{}) error
	Delete(keys ...string) error

	HSet(hash, field string, value interface{}) error
	HGet(hash, field string, out interface{}) error
	HDel(hash string, fields ...string) error
	HLen(hash string) (int64, error)
	HExists(hash, field string) (bool, error)

	// Clear removes every key matching the glob pattern.
	Clear(pattern string) error
}

// RedisCache stores entities in redis hashes and keys, prefixed so
// multiple producers can share an instance.
type RedisCache struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

// NewRedisCache creates a cache around the given redis options.
func NewRedisCache(opts *redis.Options, prefix string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(opts),
		prefix: prefix,
		ctx:    context.Background(),
	}
}

func (rc *RedisCache) key(key string) string {
	return rc.prefix + ":" + key
}

// Set stores a msgpack encoded value under key.
func (rc *RedisCache) Set(key string, value interface{}) error {
	ma, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return rc.client.Set(rc.ctx, rc.key(key), ma, 0).Err()
}

// Get retrieves a value into out.
func (rc *RedisCache) Get(key string, out interface{}) error {
	val, err := rc.client.Get(rc.ctx, rc.key(key)).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return msgpack.Unmarshal([]byte(val), out)
}

// Delete removes the given keys.
func (rc *RedisCache) Delete(keys ...string) error {
	prefixed := make([]string, 0, len(keys))
	for _, k := range keys {
		prefixed = append(prefixed, rc.key(k))
	}
	return rc.client.Del(rc.ctx, prefixed...).Err()
}

// HSet stores a msgpack encoded value under a hash field.
func (rc *RedisCache) HSet(hash, field string, value interface{}) error {
	ma, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return rc.client.HSet(rc.ctx, rc.key(hash), field, ma).Err()
}

// HGet retrieves a hash field into out.
func (rc *RedisCache) HGet(hash, field string, out interface{}) error {
	val, err := rc.client.HGet(rc.ctx, rc.key(hash), field).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return msgpack.Unmarshal([]byte(val), out)
}

// HDel removes fields from a hash.
func (rc *RedisCache) HDel(hash string, fields ...string) error {
	return rc.client.HDel(rc.ctx, rc.key(hash), fields...).Err()
}

// HLen returns the number of fields in a hash.
func (rc *RedisCache) HLen(hash string) (int64, error) {
	return rc.client.HLen(rc.ctx, rc.key(hash)).Result()
}

// HExists reports whether a hash field is present.
func (rc *RedisCache) HExists(hash, field string) (bool, error) {
	return rc.client.HExists(rc.ctx, rc.key(hash), field).Result()
}

// Clear removes keys matching the pattern. There is definitely a more
// intelligent way of doing this than scanning the keyspace.
func (rc *RedisCache) Clear(pattern string) error {
	var keys []string
	iter := rc.client.Scan(rc.ctx, 0, rc.key(pattern), 0).Iterator()
	for iter.Next(rc.ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	if len(keys) > 0 {
		return rc.client.Del(rc.ctx, keys...).Err()
	}
	return nil
}

// MemoryCache is an in-process Cache for cacheless runs and tests. Values
// round-trip through msgpack so behaviour matches the redis store.
type MemoryCache struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	hashes map[string]map[string][]byte
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		keys:   make(map[string][]byte),
		hashes: make(map[string]map[string][]byte),
	}
}

// Set stores a msgpack encoded value under key.
func (mc *MemoryCache) Set(key string, value interface{}) error {
	ma, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}

	mc.mu.Lock()
	mc.keys[key] = ma
	mc.mu.Unlock()
	return nil
}

// Get retrieves a value into out.
func (mc *MemoryCache) Get(key string, out interface{}) error {
	mc.mu.RLock()
	val, ok := mc.keys[key]
	mc.mu.RUnlock()

	if !ok {
		return ErrCacheMiss
	}
	return msgpack.Unmarshal(val, out)
}

// Delete removes the given keys.
func (mc *MemoryCache) Delete(keys ...string) error {
	mc.mu.Lock()
	for _, k := range keys {
		delete(mc.keys, k)
	}
	mc.mu.Unlock()
	return nil
}

// HSet stores a msgpack encoded value under a hash field.
func (mc *MemoryCache) HSet(hash, field string, value interface{}) error {
	ma, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}

	mc.mu.Lock()
	h, ok := mc.hashes[hash]
	if !ok {
		h = make(map[string][]byte)
		mc.hashes[hash] = h
	}
	h[field] = ma
	mc.mu.Unlock()
	return nil
}

// HGet retrieves a hash field into out.
func (mc *MemoryCache) HGet(hash, field string, out interface{}) error {
	mc.mu.RLock()
	val, ok := mc.hashes[hash][field]
	mc.mu.RUnlock()

	if !ok {
		return ErrCacheMiss
	}
	return msgpack.Unmarshal(val, out)
}

// HDel removes fields from a hash.
func (mc *MemoryCache) HDel(hash string, fields ...string) error {
	mc.mu.Lock()
	for _, f := range fields {
		delete(mc.hashes[hash], f)
	}
	mc.mu.Unlock()
	return nil
}

// HLen returns the number of fields in a hash.
func (mc *MemoryCache) HLen(hash string) (int64, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return int64(len(mc.hashes[hash])), nil
}

// HExists reports whether a hash field is present.
func (mc *MemoryCache) HExists(hash, field string) (bool, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	_, ok := mc.hashes[hash][field]
	return ok, nil
}

// Clear removes keys and hashes matching the pattern. Only trailing
// globs are supported, which is all the session uses.
func (mc *MemoryCache) Clear(pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")

	mc.mu.Lock()
	for k := range mc.keys {
		if strings.HasPrefix(k, prefix) {
			delete(mc.keys, k)
		}
	}
	for k := range mc.hashes {
		if strings.HasPrefix(k, prefix) {
			delete(mc.hashes, k)
		}
	}
	mc.mu.Unlock()
	return nil
}
