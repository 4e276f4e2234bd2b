package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/kirjuri/internal/source"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/pkg/config"
	"github.com/yairfalse/kirjuri/pkg/types"
)

func writeFixtures(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func newTestApp(t *testing.T, fixtures string) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = storage.BackendMemory
	cfg.Source.Type = "fixture"
	cfg.Source.FixtureDir = fixtures
	cfg.Capture.RetryDelay = 0

	a, err := New(context.Background(), cfg, BuildInfo{Version: "test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestApp_CaptureFromFixtures(t *testing.T) {
	dir := writeFixtures(t, map[string]string{
		source.FixtureName(source.ProjectsDataset.Endpoint) + ".json": `[{"id":"10000","key":"OPS","name":"Operations"}]`,
		source.FixtureName(source.FieldsDataset.Endpoint) + ".json":   `[{"id":"summary","name":"Summary"}]`,
	})
	a := newTestApp(t, dir)
	ctx := context.Background()

	orch, err := a.Orchestrator(nil)
	require.NoError(t, err)
	result, err := orch.Run(ctx, "acme", "scope-1", types.KindDaily, time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.RunSuccess, result.Status)

	store, err := a.Store("acme")
	require.NoError(t, err)
	verify, err := store.VerifySnapshot(ctx, result.SnapshotID)
	require.NoError(t, err)
	assert.True(t, verify.Valid)

	detector, err := a.Detector("acme")
	require.NoError(t, err)
	events, err := detector.Detect(ctx, "acme", types.KindDaily)
	require.NoError(t, err)
	assert.Empty(t, events)

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["kirjuri_captures_total"])
	assert.True(t, names["kirjuri_source_api_calls_total"])
}

func TestApp_MissingFixtureIsDisclosed(t *testing.T) {
	dir := writeFixtures(t, map[string]string{
		source.FixtureName(source.ProjectsDataset.Endpoint) + ".json": `[{"id":"10000"}]`,
	})
	a := newTestApp(t, dir)

	orch, err := a.Orchestrator(nil)
	require.NoError(t, err)
	result, err := orch.Run(context.Background(), "acme", "scope-1", types.KindDaily, time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.RunPartial, result.Status)
	require.Len(t, result.MissingData, 1)
	assert.Equal(t, types.ReasonNotConfigured, result.MissingData[0].ReasonCode)
}

func TestApp_Retention(t *testing.T) {
	a := newTestApp(t, t.TempDir())
	r, err := a.Retention("acme")
	require.NoError(t, err)

	report, err := r.Enforce(context.Background(), types.KindDaily, a.Config().RetentionPolicy("acme"))
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Storage.Backend = storage.BackendMemory
	cfg.Capture.Lock = "redislock"
	_, err := New(ctx, cfg, BuildInfo{}, nil)
	assert.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.Output.Format = "xml"
	_, err = New(ctx, cfg, BuildInfo{}, nil)
	assert.Error(t, err)
}

func TestApp_RedisLockNeedsRedisBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = storage.BackendMemory
	a, err := New(context.Background(), cfg, BuildInfo{}, nil)
	require.NoError(t, err)
	defer a.Close()

	a.config.Capture.Lock = "redislock"
	_, err = a.Orchestrator(nil)
	assert.Error(t, err)
}
