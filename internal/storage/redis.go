package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisScanCount = 500

// RedisBackend stores records as plain string keys. SETNX with an expiry is
// the create-if-absent primitive; Redis expires TTL records itself.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects and pings the server
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", cfg.Addr, err)
	}
	return &RedisBackend{client: client}, nil
}

// Client exposes the connection so a redislock gate can share it
func (r *RedisBackend) Client() *redis.Client {
	return r.client
}

// Get reads a key
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Put writes a key without expiry
func (r *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent is SETNX; a ttl of zero keeps the key forever
func (r *RedisBackend) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes a key
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// deleteIfEqualScript compares and deletes in one server-side step
var deleteIfEqualScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeleteIfEqual removes the key only while it holds expected
func (r *RedisBackend) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := deleteIfEqualScript.Run(ctx, r.client, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("redis conditional del %s: %w", key, err)
	}
	return n == 1, nil
}

// List scans for keys matching the prefix
func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Close closes the connection pool
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RedisClient returns the Redis connection behind b, looking through the
// compression wrapper
func RedisClient(b Backend) (*redis.Client, bool) {
	if c, ok := b.(*Compressed); ok {
		b = c.Backend
	}
	r, ok := b.(*RedisBackend)
	if !ok {
		return nil, false
	}
	return r.client, true
}
