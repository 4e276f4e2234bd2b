package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/kirjuri/internal/source"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, storage.BackendFile, cfg.Storage.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Budgets()[types.KindDaily])
	assert.Equal(t, 20*time.Minute, cfg.Budgets()[types.KindWeekly])
	assert.Equal(t, source.DefaultPlans(), cfg.Plans())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: memory
  namespace: ledger-test
capture:
  daily_budget: 1m
  dataset_retries: 0
  datasets:
    daily:
      - name: fields
        endpoint: /rest/api/3/field
retention:
  max_age_days: 30
  max_records_per_kind: 10
drift:
  ignore_fields: [updated_at]
source:
  type: fixture
  fixture_dir: ./fixtures
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, storage.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "ledger-test", cfg.Storage.Namespace)
	assert.Equal(t, time.Minute, cfg.Capture.DailyBudget)
	assert.Equal(t, 20*time.Minute, cfg.Capture.WeeklyBudget)
	assert.Equal(t, 0, cfg.Capture.DatasetRetries)
	assert.Equal(t, []string{"fields"}, cfg.Plans()[types.KindDaily].Names())
	assert.Len(t, cfg.Plans()[types.KindWeekly], 4)
	assert.Equal(t, []string{"updated_at"}, cfg.Drift.IgnoreFields)
	assert.True(t, cfg.Drift.Enabled)

	policy := cfg.RetentionPolicy("acme")
	assert.Equal(t, "acme", policy.TenantID)
	assert.Equal(t, 30, policy.MaxAgeDays)
	assert.Equal(t, 10, policy.MaxRecordsPerKind)
	assert.Equal(t, 365, policy.DriftMaxAgeDays)
	assert.Equal(t, types.FIFO, policy.DeletionStrategy)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: memory\n")
	t.Setenv("KIRJURI_STORAGE_BACKEND", "redis")
	t.Setenv("KIRJURI_STORAGE_REDIS_ADDR", "localhost:6390")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, storage.BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6390", cfg.Storage.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "floppy" }},
		{"namespace with colon", func(c *Config) { c.Storage.Namespace = "a:b" }},
		{"file backend without dir", func(c *Config) { c.Storage.File.BaseDir = "" }},
		{"zero budget", func(c *Config) { c.Capture.DailyBudget = 0 }},
		{"negative retries", func(c *Config) { c.Capture.DatasetRetries = -1 }},
		{"redislock without redis", func(c *Config) { c.Capture.Lock = "redislock" }},
		{"unknown lock", func(c *Config) { c.Capture.Lock = "zookeeper" }},
		{"unknown plan kind", func(c *Config) {
			c.Capture.Datasets = map[string][]source.Dataset{"hourly": {source.FieldsDataset}}
		}},
		{"duplicate plan dataset", func(c *Config) {
			c.Capture.Datasets = map[string][]source.Dataset{"daily": {source.FieldsDataset, source.FieldsDataset}}
		}},
		{"one record kept", func(c *Config) { c.Retention.MaxRecordsPerKind = 1 }},
		{"lifo", func(c *Config) { c.Retention.DeletionStrategy = "LIFO" }},
		{"short drift retention", func(c *Config) { c.Retention.DriftMaxAgeDays = 10 }},
		{"unknown source", func(c *Config) { c.Source.Type = "ftp" }},
		{"fixture without dir", func(c *Config) { c.Source.Type = "fixture" }},
		{"http without url", func(c *Config) { c.Source.HTTP.BaseURL = "" }},
		{"events without url", func(c *Config) { c.Events.Enabled = true }},
		{"unknown output", func(c *Config) { c.Output.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestExpandPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Storage.File.BaseDir = "~/ledger"
	cfg.Source.FixtureDir = "~"
	require.NoError(t, cfg.ExpandPaths())
	assert.Equal(t, filepath.Join(home, "ledger"), cfg.Storage.File.BaseDir)
	assert.Equal(t, home, cfg.Source.FixtureDir)
}
