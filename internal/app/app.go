// Package app assembles the ledger runtime from configuration: storage
// backend, sources, gate, publisher, metrics and tracing.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yairfalse/kirjuri/internal/capture"
	"github.com/yairfalse/kirjuri/internal/differ"
	"github.com/yairfalse/kirjuri/internal/events"
	"github.com/yairfalse/kirjuri/internal/gate"
	"github.com/yairfalse/kirjuri/internal/ledger"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/metrics"
	"github.com/yairfalse/kirjuri/internal/source"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/internal/telemetry"
	"github.com/yairfalse/kirjuri/pkg/config"
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// App owns the long-lived resources one CLI invocation uses
type App struct {
	config    *config.Config
	build     BuildInfo
	logger    logger.Logger
	backend   storage.Backend
	keys      storage.Keyspace
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	publisher *events.NATSPublisher
	shutdown  telemetry.Shutdown
}

// Option adjusts how New builds the App
type Option func(*options)

type options struct {
	backend storage.Backend
}

// WithBackend uses an already opened backend instead of the configured one
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// New validates cfg and opens the configured resources
func New(ctx context.Context, cfg *config.Config, build BuildInfo, log logger.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	keys, err := storage.NewKeyspace(cfg.Storage.Namespace)
	if err != nil {
		return nil, err
	}

	a := &App{
		config:   cfg,
		build:    build,
		logger:   log,
		keys:     keys,
		registry: prometheus.NewRegistry(),
	}
	a.metrics, err = metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	a.backend = o.backend
	if a.backend == nil {
		a.backend, err = storage.New(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
		}
	}

	if cfg.Events.Enabled {
		a.publisher, err = events.NewNATSPublisher(cfg.Events, log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.shutdown, err = telemetry.Init(ctx, cfg.Telemetry.ServiceName, build.Version, cfg.Telemetry.Endpoint)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Config returns the loaded configuration
func (a *App) Config() *config.Config {
	return a.config
}

// Build returns the version information of the binary
func (a *App) Build() BuildInfo {
	return a.build
}

// Logger returns the root logger
func (a *App) Logger() logger.Logger {
	return a.logger
}

// Registry holds the Prometheus collectors of this process
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Backend returns the opened storage backend
func (a *App) Backend() storage.Backend {
	return a.backend
}

// Store opens the snapshot store of a tenant
func (a *App) Store(tenantID string) (*ledger.Store, error) {
	return ledger.NewStore(a.backend, a.keys, tenantID, a.logger)
}

// EventStore opens the drift event store of a tenant
func (a *App) EventStore(tenantID string) (*ledger.EventStore, error) {
	return ledger.NewEventStore(a.backend, a.keys, tenantID, a.logger)
}

// Retention opens the retention enforcer of a tenant
func (a *App) Retention(tenantID string) (*ledger.Retention, error) {
	store, err := a.Store(tenantID)
	if err != nil {
		return nil, err
	}
	events, err := a.EventStore(tenantID)
	if err != nil {
		return nil, err
	}
	return ledger.NewRetention(store, events, a.logger), nil
}

// Detector opens the drift detector of a tenant
func (a *App) Detector(tenantID string) (*differ.Detector, error) {
	store, err := a.Store(tenantID)
	if err != nil {
		return nil, err
	}
	events, err := a.EventStore(tenantID)
	if err != nil {
		return nil, err
	}
	opts := []differ.DetectorOption{
		differ.WithMetrics(a.metrics),
		differ.WithDiffOptions(a.diffOptions()),
	}
	if a.publisher != nil {
		opts = append(opts, differ.WithPublisher(a.publisher))
	}
	return differ.NewDetector(store, events, a.logger, opts...)
}

// Orchestrator builds the capture orchestrator. sources may be nil to use
// the configured source.
func (a *App) Orchestrator(sources source.Factory) (*capture.Orchestrator, error) {
	if sources == nil {
		sources = a.sourceFactory()
	}
	cfg := capture.Config{
		Plans:          a.config.Plans(),
		Budgets:        a.config.Budgets(),
		DatasetRetries: a.config.Capture.DatasetRetries,
		RetryDelay:     a.config.Capture.RetryDelay,
		Retention:      a.config.RetentionPolicy(""),
		Diff:           a.diffOptions(),
		DetectDrift:    a.config.Drift.Enabled,
	}
	opts := []capture.Option{capture.WithMetrics(a.metrics)}
	if a.publisher != nil {
		opts = append(opts, capture.WithPublisher(a.publisher))
	}
	if a.config.Capture.Lock == "redislock" {
		gates, err := a.redisLockGates()
		if err != nil {
			return nil, err
		}
		opts = append(opts, capture.WithGateFactory(gates))
	}
	return capture.New(a.backend, a.keys, sources, cfg, a.logger, opts...)
}

func (a *App) diffOptions() differ.DiffOptions {
	return differ.DiffOptions{
		IgnoreFields: a.config.Drift.IgnoreFields,
		IDFields:     a.config.Drift.IDFields,
	}
}

func (a *App) sourceFactory() source.Factory {
	cfg := a.config.Source
	if cfg.Type == "fixture" {
		return func(string) (source.ReadOnlySource, error) {
			return source.NewFixtureSource(cfg.FixtureDir)
		}
	}
	return func(cloudScopeID string) (source.ReadOnlySource, error) {
		var tokens source.TokenProvider
		if cfg.HTTP.TokenEnv != "" {
			tokens = source.EnvToken(cfg.HTTP.TokenEnv)
		}
		return source.NewHTTPSource(cfg.HTTP, cloudScopeID, tokens, a.logger)
	}
}

func (a *App) redisLockGates() (capture.GateFactory, error) {
	client, ok := storage.RedisClient(a.backend)
	if !ok {
		return nil, errors.New("capture.lock redislock needs the redis storage backend")
	}
	return func(tenantID string) (gate.IdempotencyGate, error) {
		return gate.NewRedisLockGate(client, a.keys, tenantID, a.logger)
	}, nil
}

// Close releases every resource New opened
func (a *App) Close() error {
	var errs []error
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdown(ctx))
		cancel()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	return errors.Join(errs...)
}
