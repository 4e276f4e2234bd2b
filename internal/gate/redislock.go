package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/storage"
)

// RedisLockGate implements IdempotencyGate with redislock when the storage
// substrate is Redis. Lock keys match the ones Gate writes.
type RedisLockGate struct {
	locker   *redislock.Client
	keys     storage.Keyspace
	tenantID string
	logger   logger.Logger

	mu    sync.Mutex
	locks map[string]*redislock.Lock
}

// NewRedisLockGate creates a gate sharing an existing Redis client
func NewRedisLockGate(client redis.UniversalClient, keys storage.Keyspace, tenantID string, log logger.Logger) (*RedisLockGate, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if _, err := keys.Record(storage.RecordLock, tenantID, "probe"); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisLockGate{
		locker:   redislock.New(client),
		keys:     keys,
		tenantID: tenantID,
		logger:   log.WithField("tenant_id", tenantID),
		locks:    make(map[string]*redislock.Lock),
	}, nil
}

// Acquire obtains the lock without retrying
func (g *RedisLockGate) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	storageKey, err := g.keys.Record(storage.RecordLock, g.tenantID, key)
	if err != nil {
		return false, err
	}
	lock, err := g.locker.Obtain(ctx, storageKey, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		g.logger.WithField("lock_key", key).Debug("lock held elsewhere")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	g.mu.Lock()
	g.locks[key] = lock
	g.mu.Unlock()
	return true, nil
}

// Release frees a lock obtained by this gate
func (g *RedisLockGate) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	lock, ok := g.locks[key]
	delete(g.locks, key)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	err := lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		g.logger.WithField("lock_key", key).Warn("lock expired before release")
		return nil
	}
	return err
}
