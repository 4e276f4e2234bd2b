package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// DeletionReason records which retention rule removed a record
type DeletionReason string

const (
	ReasonAge   DeletionReason = "age"
	ReasonCount DeletionReason = "count"
)

// Deletion is one record removed by retention
type Deletion struct {
	RecordID   string         `json:"record_id"`
	CapturedAt time.Time      `json:"captured_at"`
	Reason     DeletionReason `json:"reason"`
}

// RetentionReport lists what one enforcement pass deleted
type RetentionReport struct {
	TenantID   string             `json:"tenant_id"`
	RecordType storage.RecordType `json:"record_type"`
	Kind       types.SnapshotKind `json:"snapshot_kind"`
	Examined   int                `json:"examined"`
	Remaining  int                `json:"remaining"`
	Deleted    []Deletion         `json:"deleted"`
}

// DeletedBy counts deletions for one reason
func (r *RetentionReport) DeletedBy(reason DeletionReason) int {
	n := 0
	for _, d := range r.Deleted {
		if d.Reason == reason {
			n++
		}
	}
	return n
}

// Retention trims snapshots and drift events of one tenant
type Retention struct {
	store  *Store
	events *EventStore
	logger logger.Logger
	now    func() time.Time
}

// NewRetention creates an enforcer. events may be nil when drift events are
// not retained by this process.
func NewRetention(store *Store, events *EventStore, log logger.Logger) *Retention {
	if log == nil {
		log = logger.NewNop()
	}
	return &Retention{
		store:  store,
		events: events,
		logger: log.WithField("tenant_id", store.TenantID()),
		now:    time.Now,
	}
}

// SetClock replaces the time source used for age cutoffs
func (r *Retention) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Enforce deletes snapshots of kind older than the age bound, then deletes
// the oldest survivors until the count bound holds. Age runs first so the
// count rule only ever sees records that are still within age.
func (r *Retention) Enforce(ctx context.Context, kind types.SnapshotKind, policy types.RetentionPolicy) (*RetentionReport, error) {
	if err := r.store.checkTenant(policy.TenantID); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retention policy: %w", err)
	}

	infos, err := r.store.ListSnapshotInfos(ctx, kind)
	if err != nil {
		return nil, err
	}
	report := &RetentionReport{TenantID: r.store.TenantID(), RecordType: storage.RecordSnapshot, Kind: kind, Examined: len(infos)}

	cutoff := policy.SnapshotCutoff(r.now())
	var remaining []SnapshotInfo
	for _, info := range infos {
		if info.CapturedAt.Before(cutoff) {
			if err := r.delete(ctx, kind, info, ReasonAge, report); err != nil {
				return report, err
			}
			continue
		}
		remaining = append(remaining, info)
	}

	if excess := len(remaining) - policy.MaxRecordsPerKind; excess > 0 {
		// infos are newest first, so the oldest sit at the tail
		oldest := append([]SnapshotInfo(nil), remaining[len(remaining)-excess:]...)
		sort.SliceStable(oldest, func(i, j int) bool {
			return oldest[i].CapturedAt.Before(oldest[j].CapturedAt)
		})
		for _, info := range oldest {
			if err := r.delete(ctx, kind, info, ReasonCount, report); err != nil {
				return report, err
			}
		}
		remaining = remaining[:len(remaining)-excess]
	}

	report.Remaining = len(remaining)
	return report, nil
}

func (r *Retention) delete(ctx context.Context, kind types.SnapshotKind, info SnapshotInfo, reason DeletionReason, report *RetentionReport) error {
	if err := r.store.deleteSnapshot(ctx, r.store.TenantID(), info, kind); err != nil {
		r.logger.WithFields(map[string]interface{}{
			"snapshot_id":   info.SnapshotID,
			"snapshot_kind": kind,
			"reason":        reason,
		}).Error("retention delete failed", err)
		return err
	}
	r.logger.WithFields(map[string]interface{}{
		"snapshot_id":   info.SnapshotID,
		"snapshot_kind": kind,
		"captured_at":   info.CapturedAt.Format(time.RFC3339),
		"reason":        reason,
	}).Info("snapshot deleted by retention")
	report.Deleted = append(report.Deleted, Deletion{RecordID: info.SnapshotID, CapturedAt: info.CapturedAt, Reason: reason})
	return nil
}

// EnforceEvents deletes drift events of kind detected before the drift age
// bound. Drift events carry no count bound.
func (r *Retention) EnforceEvents(ctx context.Context, kind types.SnapshotKind, policy types.RetentionPolicy) (*RetentionReport, error) {
	if r.events == nil {
		return nil, fmt.Errorf("no event store configured")
	}
	if err := r.store.checkTenant(policy.TenantID); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retention policy: %w", err)
	}

	entries, err := r.events.eventIndex(kind).entries(ctx)
	if err != nil {
		return nil, err
	}
	report := &RetentionReport{TenantID: r.store.TenantID(), RecordType: storage.RecordDriftEvent, Kind: kind, Examined: len(entries)}

	cutoff := policy.DriftCutoff(r.now())
	var expired []indexEntry
	for _, e := range entries {
		if e.At.Before(cutoff) {
			expired = append(expired, e)
		}
	}
	if err := r.events.deleteEvents(ctx, kind, expired); err != nil {
		return report, err
	}
	for _, e := range expired {
		r.logger.WithFields(map[string]interface{}{
			"event_id":      e.ID,
			"snapshot_kind": kind,
			"reason":        ReasonAge,
		}).Info("drift event deleted by retention")
		report.Deleted = append(report.Deleted, Deletion{RecordID: e.ID, CapturedAt: e.At, Reason: ReasonAge})
	}
	report.Remaining = len(entries) - len(expired)
	return report, nil
}
