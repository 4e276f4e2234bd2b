package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// EventHead points at the latest event recorded for a fingerprint
type EventHead struct {
	Fingerprint     string    `json:"fingerprint"`
	EventID         string    `json:"event_id"`
	ToSnapshotID    string    `json:"to_snapshot_id"`
	RepeatCount     int       `json:"repeat_count"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
	DetectedAt      time.Time `json:"detected_at"`
}

// ListOptions filters EventStore.List
type ListOptions struct {
	// IncludeSuperseded also returns events replaced by a later recurrence
	IncludeSuperseded bool
	// Since drops events detected before this time when set
	Since time.Time
}

// EventStore is the append-only store of drift events for one tenant
type EventStore struct {
	backend  storage.Backend
	keys     storage.Keyspace
	tenantID string
	logger   logger.Logger
}

// NewEventStore binds an event store to a tenant
func NewEventStore(backend storage.Backend, keys storage.Keyspace, tenantID string, log logger.Logger) (*EventStore, error) {
	if _, err := keys.Record(storage.RecordDriftEvent, tenantID, "probe"); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &EventStore{
		backend:  backend,
		keys:     keys,
		tenantID: tenantID,
		logger:   log.WithField("tenant_id", tenantID),
	}, nil
}

// TenantID returns the bound tenant
func (e *EventStore) TenantID() string {
	return e.tenantID
}

func (e *EventStore) eventIndex(kind types.SnapshotKind) index {
	return index{backend: e.backend, keys: e.keys, rt: storage.RecordDriftEvent, tenantID: e.tenantID, kind: string(kind)}
}

// Append writes an event once and moves its fingerprint head to it. It
// returns false when an event with the same id is already stored.
func (e *EventStore) Append(ctx context.Context, event *types.DriftEvent) (bool, error) {
	if event.TenantID != e.tenantID {
		return false, fmt.Errorf("%w: event store is bound to %q, got %q", kirjurierrors.ErrTenantMismatch, e.tenantID, event.TenantID)
	}
	if err := event.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", kirjurierrors.ErrInvalidRecord, err)
	}
	if !event.SnapshotKind.IsValid() {
		return false, fmt.Errorf("%w: event snapshot kind %q", kirjurierrors.ErrInvalidRecord, event.SnapshotKind)
	}

	key, err := e.keys.Record(storage.RecordDriftEvent, e.tenantID, event.EventID)
	if err != nil {
		return false, err
	}
	created, err := putNew(ctx, e.backend, key, event)
	if err != nil || !created {
		return false, err
	}

	if err := e.eventIndex(event.SnapshotKind).append(ctx, indexEntry{ID: event.EventID, At: event.DetectedAt}); err != nil {
		return true, fmt.Errorf("event %s written but not indexed: %w", event.EventID, err)
	}
	if event.Fingerprint != "" {
		head := EventHead{
			Fingerprint:     event.Fingerprint,
			EventID:         event.EventID,
			ToSnapshotID:    event.ToSnapshotID,
			RepeatCount:     event.RepeatCount,
			FirstDetectedAt: event.FirstDetectedAt,
			DetectedAt:      event.DetectedAt,
		}
		if err := e.putHead(ctx, head); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (e *EventStore) headKey(fingerprint string) (string, error) {
	return e.keys.Record(storage.RecordDriftHead, e.tenantID, fingerprint)
}

func (e *EventStore) putHead(ctx context.Context, head EventHead) error {
	key, err := e.headKey(head.Fingerprint)
	if err != nil {
		return err
	}
	data, err := json.Marshal(head)
	if err != nil {
		return err
	}
	return e.backend.Put(ctx, key, data)
}

// Head returns the latest event recorded for a fingerprint, or ErrNotFound
func (e *EventStore) Head(ctx context.Context, fingerprint string) (*EventHead, error) {
	key, err := e.headKey(fingerprint)
	if err != nil {
		return nil, err
	}
	var head EventHead
	if err := getJSON(ctx, e.backend, key, &head); err != nil {
		return nil, fmt.Errorf("drift head %s: %w", fingerprint, err)
	}
	return &head, nil
}

// Get loads one event
func (e *EventStore) Get(ctx context.Context, eventID string) (*types.DriftEvent, error) {
	key, err := e.keys.Record(storage.RecordDriftEvent, e.tenantID, eventID)
	if err != nil {
		return nil, err
	}
	var event types.DriftEvent
	if err := getJSON(ctx, e.backend, key, &event); err != nil {
		return nil, fmt.Errorf("drift event %s: %w", eventID, err)
	}
	if event.TenantID != e.tenantID {
		return nil, fmt.Errorf("%w: event %s is stored under tenant %q", kirjurierrors.ErrTenantMismatch, eventID, event.TenantID)
	}
	return &event, nil
}

// List returns the events of a kind, newest first. Superseded events are
// folded into the recurrence that replaced them unless asked for.
func (e *EventStore) List(ctx context.Context, kind types.SnapshotKind, opts ListOptions) ([]*types.DriftEvent, error) {
	entries, err := e.eventIndex(kind).entries(ctx)
	if err != nil {
		return nil, err
	}

	var events []*types.DriftEvent
	superseded := make(map[string]bool)
	for _, entry := range entries {
		if !opts.Since.IsZero() && entry.At.Before(opts.Since) {
			continue
		}
		event, err := e.Get(ctx, entry.ID)
		if errors.Is(err, kirjurierrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if event.Supersedes != "" {
			superseded[event.Supersedes] = true
		}
		events = append(events, event)
	}

	out := events[:0]
	for _, event := range events {
		if opts.IncludeSuperseded || !superseded[event.EventID] {
			out = append(out, event)
		}
	}
	sortEventsNewestFirst(out)
	return out, nil
}

// sortEventsNewestFirst keeps events of one detection run in their
// emitted order
func sortEventsNewestFirst(events []*types.DriftEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.After(b.DetectedAt)
		}
		if a.ObjectType != b.ObjectType {
			return a.ObjectType < b.ObjectType
		}
		if a.ObjectID != b.ObjectID {
			return a.ObjectID < b.ObjectID
		}
		return a.Field < b.Field
	})
}

// deleteEvents removes events and any head still pointing at them
func (e *EventStore) deleteEvents(ctx context.Context, kind types.SnapshotKind, entries []indexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make(map[string]bool, len(entries))
	for _, entry := range entries {
		ids[entry.ID] = true
		event, err := e.Get(ctx, entry.ID)
		if err != nil && !errors.Is(err, kirjurierrors.ErrNotFound) {
			return err
		}
		if event != nil && event.Fingerprint != "" {
			head, err := e.Head(ctx, event.Fingerprint)
			if err == nil && head.EventID == event.EventID {
				key, err := e.headKey(event.Fingerprint)
				if err != nil {
					return err
				}
				if err := e.backend.Delete(ctx, key); err != nil {
					return err
				}
			}
		}
		key, err := e.keys.Record(storage.RecordDriftEvent, e.tenantID, entry.ID)
		if err != nil {
			return err
		}
		if err := e.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete drift event %s: %w", entry.ID, err)
		}
	}
	return e.eventIndex(kind).remove(ctx, ids)
}
