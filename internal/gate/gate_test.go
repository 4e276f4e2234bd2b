package gate

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/kirjuri/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGate(t *testing.T, backend storage.Backend, tenant string) *Gate {
	t.Helper()
	ks, err := storage.NewKeyspace("")
	require.NoError(t, err)
	g, err := New(backend, ks, tenant, nil)
	require.NoError(t, err)
	return g
}

func TestGate_SingleWinner(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()

	const workers = 16
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// one gate per worker, as separate processes would have
			g := newTestGate(t, backend, "acme")
			ok, err := g.Acquire(ctx, "daily.2026-10-16", time.Hour)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestGate_ReleaseAllowsRetry(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()
	first := newTestGate(t, backend, "acme")
	second := newTestGate(t, backend, "acme")

	ok, err := first.Acquire(ctx, "weekly.2026-10-12", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx, "weekly.2026-10-12", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	// a gate that never held the key cannot release it
	require.NoError(t, second.Release(ctx, "weekly.2026-10-12"))
	hold, err := first.Holder(ctx, "weekly.2026-10-12")
	require.NoError(t, err)
	assert.Equal(t, "weekly.2026-10-12", hold.Key)

	require.NoError(t, first.Release(ctx, "weekly.2026-10-12"))
	ok, err = second.Acquire(ctx, "weekly.2026-10-12", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// releasing twice is harmless
	require.NoError(t, first.Release(ctx, "weekly.2026-10-12"))
	_, err = first.Holder(ctx, "weekly.2026-10-12")
	require.NoError(t, err, "second gate still holds the lock")
}

func TestGate_ExpiredHoldIsTakenOver(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)}
	backend := storage.NewMemory(storage.WithClock(clock.Now))
	ctx := context.Background()

	crashed := newTestGate(t, backend, "acme")
	crashed.now = clock.Now
	ok, err := crashed.Acquire(ctx, "daily.2026-10-16", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	retry := newTestGate(t, backend, "acme")
	retry.now = clock.Now
	ok, err = retry.Acquire(ctx, "daily.2026-10-16", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(11 * time.Minute)
	ok, err = retry.Acquire(ctx, "daily.2026-10-16", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// the stale holder's release must not free the new hold
	require.NoError(t, crashed.Release(ctx, "daily.2026-10-16"))
	ok, err = newTestGate(t, backend, "acme").Acquire(ctx, "daily.2026-10-16", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

// takeoverBackend lets another holder take the lock over inside the
// conditional delete of a release
type takeoverBackend struct {
	*storage.Memory
	takeover []byte
}

func (b *takeoverBackend) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := b.Memory.Put(ctx, key, b.takeover); err != nil {
		return false, err
	}
	return b.Memory.DeleteIfEqual(ctx, key, expected)
}

func TestGate_ReleaseKeepsHoldTakenOverMidRelease(t *testing.T) {
	backend := &takeoverBackend{
		Memory:   storage.NewMemory(),
		takeover: []byte(`{"owner":"other","key":"daily.2026-10-16"}`),
	}
	ctx := context.Background()
	g := newTestGate(t, backend, "acme")

	ok, err := g.Acquire(ctx, "daily.2026-10-16", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Release(ctx, "daily.2026-10-16"))
	hold, err := g.Holder(ctx, "daily.2026-10-16")
	require.NoError(t, err)
	assert.Equal(t, "other", hold.Owner)
}

func TestGate_TenantsDoNotCollide(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()

	ok, err := newTestGate(t, backend, "tenant-a").Acquire(ctx, "daily.2026-10-16", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = newTestGate(t, backend, "tenant-b").Acquire(ctx, "daily.2026-10-16", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_Validation(t *testing.T) {
	ks, err := storage.NewKeyspace("")
	require.NoError(t, err)

	_, err = New(storage.NewMemory(), ks, "", nil)
	assert.Error(t, err)

	g := newTestGate(t, storage.NewMemory(), "acme")
	_, err = g.Acquire(context.Background(), "daily.2026-10-16", 0)
	assert.Error(t, err)
	_, err = g.Acquire(context.Background(), "bad:key", time.Minute)
	assert.ErrorIs(t, err, storage.ErrInvalidKey)

	_, err = NewRedisLockGate(nil, ks, "acme", nil)
	assert.Error(t, err)
}

// TestRedisLockGate runs against a real server when KIRJURI_TEST_REDIS_ADDR is set
func TestRedisLockGate(t *testing.T) {
	addr := os.Getenv("KIRJURI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KIRJURI_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ks, err := storage.NewKeyspace("kirjuri-test")
	require.NoError(t, err)
	ctx := context.Background()

	a, err := NewRedisLockGate(client, ks, "acme", nil)
	require.NoError(t, err)
	b, err := NewRedisLockGate(client, ks, "acme", nil)
	require.NoError(t, err)

	ok, err := a.Acquire(ctx, "daily.2026-10-16", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, "daily.2026-10-16", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, "daily.2026-10-16"))
	ok, err = b.Acquire(ctx, "daily.2026-10-16", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, "daily.2026-10-16"))
}
