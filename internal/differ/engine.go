package differ

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/ledger"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/metrics"
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/yairfalse/kirjuri/internal/differ")

// eventNamespace seeds name-based event ids
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/yairfalse/kirjuri/drift-event"))

// Detector compares the two most recent snapshots of a tenant and kind and
// records the differences as drift events
type Detector struct {
	store     *ledger.Store
	events    *ledger.EventStore
	comparer  *DefaultComparer
	publisher Publisher
	metrics   *metrics.Metrics
	logger    logger.Logger
}

// DetectorOption configures a Detector
type DetectorOption func(*Detector)

// WithPublisher forwards each newly recorded event
func WithPublisher(p Publisher) DetectorOption {
	return func(d *Detector) { d.publisher = p }
}

// WithMetrics counts recorded events
func WithMetrics(m *metrics.Metrics) DetectorOption {
	return func(d *Detector) { d.metrics = m }
}

// WithDiffOptions sets ignored fields and id fields
func WithDiffOptions(opts DiffOptions) DetectorOption {
	return func(d *Detector) { d.comparer = NewComparer(opts) }
}

// NewDetector creates a detector over one tenant's stores
func NewDetector(store *ledger.Store, events *ledger.EventStore, log logger.Logger, opts ...DetectorOption) (*Detector, error) {
	if store == nil || events == nil {
		return nil, errors.New("snapshot store and event store are required")
	}
	if store.TenantID() != events.TenantID() {
		return nil, fmt.Errorf("%w: snapshot store %q, event store %q", kirjurierrors.ErrTenantMismatch, store.TenantID(), events.TenantID())
	}
	if log == nil {
		log = logger.NewNop()
	}
	d := &Detector{
		store:    store,
		events:   events,
		comparer: NewComparer(DiffOptions{}),
		logger:   log.WithField("tenant_id", store.TenantID()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Detect compares the latest snapshot of kind with the one before it. With
// fewer than two snapshots there is no baseline and no events. Running it
// again over the same snapshots returns the events already recorded.
func (d *Detector) Detect(ctx context.Context, tenantID string, kind types.SnapshotKind) ([]*types.DriftEvent, error) {
	ctx, span := tracer.Start(ctx, "differ.Detect")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("snapshot_kind", string(kind)),
	)

	page, err := d.store.ListSnapshots(ctx, tenantID, kind, 0, 2)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list snapshots")
		return nil, err
	}
	if len(page.Snapshots) < 2 {
		d.logger.WithField("snapshot_kind", kind).Debug("no baseline snapshot, skipping drift detection")
		return []*types.DriftEvent{}, nil
	}

	current, previous := page.Snapshots[0], page.Snapshots[1]
	events, err := d.DetectBetween(ctx, previous, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detect")
		return nil, err
	}
	span.SetAttributes(attribute.Int("drift_events", len(events)))
	return events, nil
}

// DetectBetween records the drift from one snapshot to a later one
func (d *Detector) DetectBetween(ctx context.Context, from, to *types.Snapshot) ([]*types.DriftEvent, error) {
	if from.TenantID != d.store.TenantID() || to.TenantID != d.store.TenantID() {
		return nil, kirjurierrors.ErrTenantMismatch
	}
	if from.SnapshotKind != to.SnapshotKind {
		return nil, fmt.Errorf("cannot compare %s snapshot with %s snapshot", from.SnapshotKind, to.SnapshotKind)
	}

	changes := d.comparer.Compare(from, to)
	events := make([]*types.DriftEvent, 0, len(changes))
	for _, change := range changes {
		event, err := d.record(ctx, from, to, change)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	d.logger.WithFields(map[string]interface{}{
		"snapshot_kind":    to.SnapshotKind,
		"from_snapshot_id": from.SnapshotID,
		"to_snapshot_id":   to.SnapshotID,
		"drift_events":     len(events),
	}).Info("drift detection completed")
	return events, nil
}

// record turns a change into a stored event. A change already recorded
// under its fingerprint is stored again as a recurrence superseding the
// previous event; a change already recorded for this snapshot is returned
// as is.
func (d *Detector) record(ctx context.Context, from, to *types.Snapshot, change Change) (*types.DriftEvent, error) {
	fingerprint := Fingerprint(to.TenantID, to.SnapshotKind, change)

	head, err := d.events.Head(ctx, fingerprint)
	if err != nil && !errors.Is(err, kirjurierrors.ErrNotFound) {
		return nil, err
	}
	if head != nil && head.ToSnapshotID == to.SnapshotID {
		return d.events.Get(ctx, head.EventID)
	}

	event := &types.DriftEvent{
		EventID:              EventID(fingerprint, to.SnapshotID),
		TenantID:             to.TenantID,
		SnapshotKind:         to.SnapshotKind,
		DetectedAt:           to.CapturedAt.UTC(),
		FirstDetectedAt:      to.CapturedAt.UTC(),
		FromSnapshotID:       from.SnapshotID,
		ToSnapshotID:         to.SnapshotID,
		ObjectType:           change.ObjectType,
		ObjectID:             change.ObjectID,
		Field:                change.Field,
		ChangeClassification: change.Classification,
		BeforeState:          change.Before,
		AfterState:           change.After,
		RepeatCount:          1,
		Actor:                types.UnknownActor,
		Fingerprint:          fingerprint,
	}
	if head != nil {
		event.RepeatCount = head.RepeatCount + 1
		event.FirstDetectedAt = head.FirstDetectedAt
		event.Supersedes = head.EventID
	}

	created, err := d.events.Append(ctx, event)
	if err != nil {
		return nil, err
	}
	if !created {
		return d.events.Get(ctx, event.EventID)
	}

	d.metrics.DriftEvent(string(event.SnapshotKind), string(event.ChangeClassification), event.RepeatCount > 1)
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.WithField("event_id", event.EventID).Warn("failed to publish drift event: " + err.Error())
		}
	}
	return event, nil
}

// Fingerprint identifies a change independent of the snapshots it was seen
// between, so the same difference seen again maps to the same value
func Fingerprint(tenantID string, kind types.SnapshotKind, change Change) string {
	return canonical.HashValue(canonical.Map(
		canonical.F("tenant_id", canonical.String(tenantID)),
		canonical.F("snapshot_kind", canonical.String(string(kind))),
		canonical.F("object_type", canonical.String(change.ObjectType)),
		canonical.F("object_id", canonical.String(change.ObjectID)),
		canonical.F("field", canonical.String(change.Field)),
		canonical.F("change_classification", canonical.String(string(change.Classification))),
		canonical.F("before_state", change.Before),
		canonical.F("after_state", change.After),
	))
}

// EventID derives the id of the event recording fingerprint at a snapshot
func EventID(fingerprint, toSnapshotID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(fingerprint+"@"+toSnapshotID)).String()
}
