package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yairfalse/kirjuri/internal/events"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/source"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. KIRJURI_STORAGE_BACKEND
const EnvPrefix = "KIRJURI"

// Config represents the complete kirjuri configuration
type Config struct {
	Storage   storage.Config  `mapstructure:"storage" yaml:"storage"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Drift     DriftConfig     `mapstructure:"drift" yaml:"drift"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Events    events.Config   `mapstructure:"events" yaml:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logging   logger.Config   `mapstructure:"logging" yaml:"logging"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// CaptureConfig contains capture budgets, retries and the lock flavour
type CaptureConfig struct {
	DailyBudget    time.Duration `mapstructure:"daily_budget" yaml:"daily_budget"`
	WeeklyBudget   time.Duration `mapstructure:"weekly_budget" yaml:"weekly_budget"`
	DatasetRetries int           `mapstructure:"dataset_retries" yaml:"dataset_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	// Lock is "storage" (create-if-absent on the backend) or "redislock"
	Lock string `mapstructure:"lock" yaml:"lock"`
	// Datasets overrides the built-in dataset plan per snapshot kind
	Datasets map[string][]source.Dataset `mapstructure:"datasets" yaml:"datasets,omitempty"`
}

// RetentionConfig holds the policy used for tenants without a stored one
type RetentionConfig struct {
	MaxAgeDays        int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxRecordsPerKind int    `mapstructure:"max_records_per_kind" yaml:"max_records_per_kind"`
	DeletionStrategy  string `mapstructure:"deletion_strategy" yaml:"deletion_strategy"`
	DriftMaxAgeDays   int    `mapstructure:"drift_max_age_days" yaml:"drift_max_age_days"`
}

// DriftConfig contains drift detection settings
type DriftConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	IgnoreFields []string `mapstructure:"ignore_fields" yaml:"ignore_fields"`
	IDFields     []string `mapstructure:"id_fields" yaml:"id_fields"`
}

// SourceConfig selects where captures read from
type SourceConfig struct {
	Type       string            `mapstructure:"type" yaml:"type"`
	FixtureDir string            `mapstructure:"fixture_dir" yaml:"fixture_dir"`
	HTTP       source.HTTPConfig `mapstructure:"http" yaml:"http"`
}

// MetricsConfig contains the Prometheus listener address
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// OutputConfig contains output formatting configuration
type OutputConfig struct {
	Format  string `mapstructure:"format" yaml:"format"`
	NoColor bool   `mapstructure:"no_color" yaml:"no_color"`
}

// TelemetryConfig contains the OTLP trace exporter endpoint
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Storage: storage.Config{
			Backend:   storage.BackendFile,
			Namespace: "kirjuri",
			File: storage.FileConfig{
				BaseDir: filepath.Join(homeDir, ".kirjuri", "ledger"),
			},
			DynamoDB: storage.DynamoDBConfig{Table: "kirjuri-ledger"},
		},
		Capture: CaptureConfig{
			DailyBudget:    5 * time.Minute,
			WeeklyBudget:   20 * time.Minute,
			DatasetRetries: 2,
			RetryDelay:     2 * time.Second,
			Lock:           "storage",
		},
		Retention: RetentionConfig{
			MaxAgeDays:        90,
			MaxRecordsPerKind: 90,
			DeletionStrategy:  string(types.FIFO),
			DriftMaxAgeDays:   365,
		},
		Drift: DriftConfig{
			Enabled: true,
		},
		Source: SourceConfig{
			Type: "http",
			HTTP: source.HTTPConfig{
				BaseURL:        "https://api.atlassian.com/ex/jira/{cloud_scope_id}",
				RequestsPerSec: 5,
				Timeout:        30 * time.Second,
				PageSize:       50,
				TokenEnv:       "KIRJURI_SOURCE_TOKEN",
			},
		},
		Events: events.Config{
			SubjectPrefix: events.DefaultSubjectPrefix,
		},
		Output: OutputConfig{
			Format: "table",
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "kirjuri",
		},
	}
}

// Load reads configuration from file, then environment. path may be empty
// to search ~/.kirjuri, the working directory and ./config.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	config := DefaultConfig()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".kirjuri"))
		}
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables override file values: storage.backend is
	// KIRJURI_STORAGE_BACKEND
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is not an error - we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.ExpandPaths(); err != nil {
		return nil, err
	}
	return config, nil
}

// bindEnv registers the keys AutomaticEnv cannot discover because no file
// or default sets them through viper
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"storage.backend",
		"storage.namespace",
		"storage.compress",
		"storage.file.base_dir",
		"storage.dynamodb.table",
		"storage.dynamodb.region",
		"storage.s3.bucket",
		"storage.s3.region",
		"storage.gcs.bucket",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container",
		"storage.redis.addr",
		"storage.redis.password",
		"storage.postgres.dsn",
		"capture.lock",
		"source.type",
		"source.fixture_dir",
		"source.http.base_url",
		"source.http.token_env",
		"events.enabled",
		"events.url",
		"metrics.addr",
		"logging.level",
		"logging.format",
		"output.format",
		"telemetry.endpoint",
	} {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOGGING_LEVEL", "LOG_LEVEL")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	known := false
	for _, name := range storage.Backends() {
		if c.Storage.Backend == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown storage backend %q (expected one of %s)", c.Storage.Backend, strings.Join(storage.Backends(), ", "))
	}
	if strings.Contains(c.Storage.Namespace, ":") {
		return fmt.Errorf("storage namespace must not contain ':'")
	}
	if c.Storage.Backend == storage.BackendFile && c.Storage.File.BaseDir == "" {
		return fmt.Errorf("storage.file.base_dir is required for the file backend")
	}

	if c.Capture.DailyBudget <= 0 || c.Capture.WeeklyBudget <= 0 {
		return fmt.Errorf("capture budgets must be positive")
	}
	if c.Capture.DatasetRetries < 0 {
		return fmt.Errorf("capture.dataset_retries must not be negative")
	}
	switch c.Capture.Lock {
	case "storage":
	case "redislock":
		if c.Storage.Backend != storage.BackendRedis {
			return fmt.Errorf("capture.lock redislock requires the redis storage backend")
		}
	default:
		return fmt.Errorf("unknown capture.lock %q (expected storage or redislock)", c.Capture.Lock)
	}
	for kind, plan := range c.Capture.Datasets {
		if _, err := types.ParseSnapshotKind(kind); err != nil {
			return fmt.Errorf("capture.datasets: %w", err)
		}
		if err := source.Plan(plan).Validate(); err != nil {
			return fmt.Errorf("capture.datasets.%s: %w", kind, err)
		}
	}

	policy := c.RetentionPolicy("default")
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	switch c.Source.Type {
	case "http":
		if c.Source.HTTP.BaseURL == "" {
			return fmt.Errorf("source.http.base_url is required")
		}
	case "fixture":
		if c.Source.FixtureDir == "" {
			return fmt.Errorf("source.fixture_dir is required for the fixture source")
		}
	default:
		return fmt.Errorf("unknown source type %q (expected http or fixture)", c.Source.Type)
	}

	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}

	switch c.Output.Format {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (expected table, json or yaml)", c.Output.Format)
	}
	return nil
}

// RetentionPolicy returns the configured default policy bound to tenantID
func (c *Config) RetentionPolicy(tenantID string) types.RetentionPolicy {
	return types.RetentionPolicy{
		TenantID:          tenantID,
		MaxAgeDays:        c.Retention.MaxAgeDays,
		MaxRecordsPerKind: c.Retention.MaxRecordsPerKind,
		DeletionStrategy:  types.DeletionStrategy(c.Retention.DeletionStrategy),
		DriftMaxAgeDays:   c.Retention.DriftMaxAgeDays,
	}
}

// Plans returns the built-in dataset plans with any configured overrides
func (c *Config) Plans() map[types.SnapshotKind]source.Plan {
	plans := source.DefaultPlans()
	for kind, plan := range c.Capture.Datasets {
		plans[types.SnapshotKind(kind)] = source.Plan(plan)
	}
	return plans
}

// Budgets returns the capture budget per kind
func (c *Config) Budgets() map[types.SnapshotKind]time.Duration {
	return map[types.SnapshotKind]time.Duration{
		types.KindDaily:  c.Capture.DailyBudget,
		types.KindWeekly: c.Capture.WeeklyBudget,
	}
}

// ExpandPaths expands home directory paths
func (c *Config) ExpandPaths() error {
	var err error
	c.Storage.File.BaseDir, err = expandPath(c.Storage.File.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to expand storage base dir: %w", err)
	}
	c.Source.FixtureDir, err = expandPath(c.Source.FixtureDir)
	if err != nil {
		return fmt.Errorf("failed to expand fixture dir: %w", err)
	}
	c.Storage.GCS.CredentialsFile, err = expandPath(c.Storage.GCS.CredentialsFile)
	if err != nil {
		return fmt.Errorf("failed to expand GCS credentials path: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path, err
	}

	if len(path) == 1 {
		return home, nil
	}

	return filepath.Join(home, path[1:]), nil
}
