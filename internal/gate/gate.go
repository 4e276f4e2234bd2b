// Package gate provides the cross-process guard that keeps concurrent
// scheduler firings from capturing the same tenant window twice.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/storage"
)

// IdempotencyGate grants at most one holder per key until the hold is
// released or its ttl passes
type IdempotencyGate interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Hold is the record stored under a lock key
type Hold struct {
	Owner      string    `json:"owner"`
	Key        string    `json:"key"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Gate implements IdempotencyGate with a create-if-absent write on the
// storage backend. Keys are scoped to one tenant.
type Gate struct {
	backend  storage.Backend
	keys     storage.Keyspace
	tenantID string
	logger   logger.Logger
	now      func() time.Time

	mu   sync.Mutex
	held map[string][]byte
}

// New creates a storage-backed gate for a tenant
func New(backend storage.Backend, keys storage.Keyspace, tenantID string, log logger.Logger) (*Gate, error) {
	if _, err := keys.Record(storage.RecordLock, tenantID, "probe"); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Gate{
		backend:  backend,
		keys:     keys,
		tenantID: tenantID,
		logger:   log.WithField("tenant_id", tenantID),
		now:      time.Now,
		held:     make(map[string][]byte),
	}, nil
}

// SetClock replaces the time source recorded in holds
func (g *Gate) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Acquire returns true when this gate now holds key for ttl
func (g *Gate) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	storageKey, err := g.keys.Record(storage.RecordLock, g.tenantID, key)
	if err != nil {
		return false, err
	}

	now := g.now().UTC()
	hold := Hold{
		Owner:      uuid.NewString(),
		Key:        key,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	data, err := json.Marshal(hold)
	if err != nil {
		return false, err
	}

	ok, err := g.backend.PutIfAbsent(ctx, storageKey, data, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		g.logger.WithField("lock_key", key).Debug("lock held elsewhere")
		return false, nil
	}

	g.mu.Lock()
	g.held[key] = data
	g.mu.Unlock()
	g.logger.WithFields(map[string]interface{}{
		"lock_key":   key,
		"expires_at": hold.ExpiresAt.Format(time.RFC3339),
	}).Debug("lock acquired")
	return true, nil
}

// Release deletes the lock if this gate still owns it. Releasing a lock
// taken over by another holder after expiry leaves that holder alone. The
// comparison and delete are one step on backends with a conditional delete.
func (g *Gate) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	data, ok := g.held[key]
	delete(g.held, key)
	g.mu.Unlock()
	if !ok {
		return nil
	}

	storageKey, err := g.keys.Record(storage.RecordLock, g.tenantID, key)
	if err != nil {
		return err
	}
	deleted, err := storage.DeleteIfEqual(ctx, g.backend, storageKey, data)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if !deleted {
		g.logger.WithField("lock_key", key).Warn("lock expired or was taken over before release")
		return nil
	}
	g.logger.WithField("lock_key", key).Debug("lock released")
	return nil
}

// Holder returns the current hold on key, or storage.ErrNotFound
func (g *Gate) Holder(ctx context.Context, key string) (*Hold, error) {
	storageKey, err := g.keys.Record(storage.RecordLock, g.tenantID, key)
	if err != nil {
		return nil, err
	}
	data, err := g.backend.Get(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	var hold Hold
	if err := json.Unmarshal(data, &hold); err != nil {
		return nil, fmt.Errorf("corrupt lock record %s: %w", key, err)
	}
	return &hold, nil
}
