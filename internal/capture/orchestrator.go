// Package capture runs one snapshot capture for a tenant window: it takes
// the idempotency gate, reads every dataset of the kind's plan, writes the
// run and snapshot records, trims retention and detects drift.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yairfalse/kirjuri/internal/differ"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/gate"
	"github.com/yairfalse/kirjuri/internal/ledger"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/metrics"
	"github.com/yairfalse/kirjuri/internal/source"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/yairfalse/kirjuri/internal/capture")

// releaseTimeout bounds the gate release and failure records written after
// the caller's context is gone
const releaseTimeout = 10 * time.Second

// GateFactory opens the idempotency gate for a tenant
type GateFactory func(tenantID string) (gate.IdempotencyGate, error)

// Config holds the capture settings shared by every tenant
type Config struct {
	Plans          map[types.SnapshotKind]source.Plan
	Budgets        map[types.SnapshotKind]time.Duration
	DatasetRetries int
	RetryDelay     time.Duration
	// Retention is used for tenants that have no stored policy
	Retention   types.RetentionPolicy
	Diff        differ.DiffOptions
	DetectDrift bool
}

// DefaultConfig returns the built-in plans and budgets
func DefaultConfig() Config {
	return Config{
		Plans: source.DefaultPlans(),
		Budgets: map[types.SnapshotKind]time.Duration{
			types.KindDaily:  5 * time.Minute,
			types.KindWeekly: 20 * time.Minute,
		},
		DatasetRetries: 2,
		RetryDelay:     2 * time.Second,
		Retention: types.RetentionPolicy{
			MaxAgeDays:        90,
			MaxRecordsPerKind: 90,
			DeletionStrategy:  types.FIFO,
			DriftMaxAgeDays:   365,
		},
		DetectDrift: true,
	}
}

// Request identifies one capture invocation. Attempt counts earlier failed
// attempts of the same window and selects the backoff stage.
type Request struct {
	TenantID     string
	CloudScopeID string
	Kind         types.SnapshotKind
	ScheduledFor time.Time
	Attempt      int
}

// Result reports what an invocation did
type Result struct {
	RunID          string                  `json:"run_id,omitempty"`
	TenantID       string                  `json:"tenant_id"`
	SnapshotKind   types.SnapshotKind      `json:"snapshot_kind"`
	IdempotencyKey string                  `json:"idempotency_key"`
	State          State                   `json:"state"`
	Status         types.RunStatus         `json:"status"`
	SnapshotID     string                  `json:"snapshot_id,omitempty"`
	CanonicalHash  string                  `json:"canonical_hash,omitempty"`
	ErrorCode      string                  `json:"error_code,omitempty"`
	ErrorDetail    string                  `json:"error_detail,omitempty"`
	APICallsMade   int                     `json:"api_calls_made"`
	MissingData    []types.MissingDataItem `json:"missing_data,omitempty"`
	NextAttemptAt  *time.Time              `json:"next_attempt_at,omitempty"`
	Retention      *ledger.RetentionReport `json:"retention,omitempty"`
	EventRetention *ledger.RetentionReport `json:"event_retention,omitempty"`
	DriftEvents    []*types.DriftEvent     `json:"drift_events,omitempty"`
	Warnings       []string                `json:"warnings,omitempty"`
	Duration       time.Duration           `json:"duration"`
}

// Orchestrator runs captures against one storage substrate
type Orchestrator struct {
	backend   storage.Backend
	keys      storage.Keyspace
	sources   source.Factory
	gates     GateFactory
	publisher differ.Publisher
	metrics   *metrics.Metrics
	logger    logger.Logger
	cfg       Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() (string, error)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithGateFactory replaces the storage-backed gate, e.g. with a RedisLockGate
func WithGateFactory(f GateFactory) Option {
	return func(o *Orchestrator) { o.gates = f }
}

// WithPublisher forwards new drift events
func WithPublisher(p differ.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics records capture metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. Sources are opened per cloud scope.
func New(backend storage.Backend, keys storage.Keyspace, sources source.Factory, cfg Config, log logger.Logger, opts ...Option) (*Orchestrator, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if sources == nil {
		return nil, errors.New("source factory is required")
	}
	for kind, plan := range cfg.Plans {
		if err := plan.Validate(); err != nil {
			return nil, fmt.Errorf("%s plan: %w", kind, err)
		}
	}
	if cfg.DatasetRetries < 0 {
		return nil, fmt.Errorf("dataset retries must not be negative, got %d", cfg.DatasetRetries)
	}
	if log == nil {
		log = logger.NewNop()
	}

	o := &Orchestrator{
		backend: backend,
		keys:    keys,
		sources: sources,
		logger:  log,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
		newID:   newRecordID,
	}
	o.gates = func(tenantID string) (gate.IdempotencyGate, error) {
		g, err := gate.New(backend, keys, tenantID, log)
		if err != nil {
			return nil, err
		}
		g.SetClock(o.now)
		return g, nil
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run captures the window of kind that contains scheduledFor
func (o *Orchestrator) Run(ctx context.Context, tenantID, cloudScopeID string, kind types.SnapshotKind, scheduledFor time.Time) (*Result, error) {
	return o.RunAttempt(ctx, Request{
		TenantID:     tenantID,
		CloudScopeID: cloudScopeID,
		Kind:         kind,
		ScheduledFor: scheduledFor,
	})
}

// RunAttempt executes one capture. Environmental failures are recorded on
// the run and reported through Result.Status with a nil error; the error
// return is for broken contracts and storage failures.
func (o *Orchestrator) RunAttempt(ctx context.Context, req Request) (*Result, error) {
	if !req.Kind.IsValid() {
		return nil, fmt.Errorf("%w: snapshot kind %q", kirjurierrors.ErrInvalidRecord, req.Kind)
	}
	plan, ok := o.cfg.Plans[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no dataset plan for %s snapshots", req.Kind)
	}
	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = o.now()
	}
	req.ScheduledFor = req.ScheduledFor.UTC()

	store, err := ledger.NewStore(o.backend, o.keys, req.TenantID, o.logger)
	if err != nil {
		return nil, err
	}
	events, err := ledger.NewEventStore(o.backend, o.keys, req.TenantID, o.logger)
	if err != nil {
		return nil, err
	}
	g, err := o.gates(req.TenantID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "capture.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("snapshot_kind", string(req.Kind)),
		attribute.Int("attempt", req.Attempt),
	)

	inv := &invocation{
		o:       o,
		req:     req,
		plan:    plan,
		store:   store,
		events:  events,
		gate:    g,
		state:   StateIdle,
		started: o.now(),
		log: o.logger.WithFields(map[string]interface{}{
			"tenant_id":     req.TenantID,
			"snapshot_kind": string(req.Kind),
		}),
		result: &Result{
			TenantID:     req.TenantID,
			SnapshotKind: req.Kind,
			State:        StateIdle,
		},
	}
	result, err := inv.execute(ctx)

	result.Duration = o.now().Sub(inv.started)
	o.metrics.ObserveCapture(string(req.Kind), string(result.Status), result.Duration)
	o.metrics.AddAPICalls(string(req.Kind), result.APICallsMade)
	span.SetAttributes(attribute.String("status", string(result.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture")
	}
	return result, err
}

func (o *Orchestrator) budget(kind types.SnapshotKind) time.Duration {
	if d, ok := o.cfg.Budgets[kind]; ok && d > 0 {
		return d
	}
	if kind == types.KindWeekly {
		return 20 * time.Minute
	}
	return 5 * time.Minute
}

// lockTTL keeps a successful hold until the window closes so the window is
// captured once. A crashed holder frees the window at the same point.
func (o *Orchestrator) lockTTL(kind types.SnapshotKind, scheduledFor, now time.Time) time.Duration {
	ttl := kind.WindowEnd(scheduledFor).Sub(now)
	if budget := o.budget(kind); ttl < budget {
		ttl = budget
	}
	return ttl
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newRecordID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ReasonFor maps a dataset failure to the disclosed missing-data reason
func ReasonFor(err error) types.ReasonCode {
	var se *kirjurierrors.SourceError
	if errors.As(err, &se) && se.NotConfigured() {
		return types.ReasonNotConfigured
	}
	switch kirjurierrors.Categorize(err) {
	case kirjurierrors.CodePermissionRevoked:
		return types.ReasonPermissionDenied
	case kirjurierrors.CodeRateLimit:
		return types.ReasonRateLimited
	case kirjurierrors.CodeAPIError, kirjurierrors.CodeTimeout:
		return types.ReasonAPIUnavailable
	default:
		return types.ReasonUnknown
	}
}

// isEmptyDataset reports a dataset that was read but holds nothing
func isEmptyDataset(v canonical.Value) bool {
	switch v.Kind() {
	case canonical.KindNull:
		return true
	case canonical.KindList, canonical.KindMap:
		return v.Len() == 0
	}
	return false
}

func missingNames(items []types.MissingDataItem) string {
	var names []string
	for _, m := range items {
		if m.CoverageStatus != types.CoverageAvailable {
			names = append(names, m.DatasetName+" ("+string(m.ReasonCode)+")")
		}
	}
	return strings.Join(names, ", ")
}
