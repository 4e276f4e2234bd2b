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
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// MaxPageSize bounds ListSnapshots so a large tenant never loads its whole
// history at once
const MaxPageSize = 500

// ErrInvalidPageSize is returned for page sizes outside 1..MaxPageSize
var ErrInvalidPageSize = errors.New("page size must be between 1 and 500")

const policyRecordID = "policy"

// Store persists runs, snapshots and retention policies for exactly one
// tenant. Every key it builds embeds that tenant, so records of another
// tenant are unreachable through it.
type Store struct {
	backend  storage.Backend
	keys     storage.Keyspace
	tenantID string
	logger   logger.Logger
}

// SnapshotPage is one page of ListSnapshots
type SnapshotPage struct {
	Snapshots []*types.Snapshot `json:"snapshots"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
	Total     int               `json:"total"`
	HasMore   bool              `json:"has_more"`
}

// SnapshotInfo is the index view of a snapshot
type SnapshotInfo struct {
	SnapshotID string    `json:"snapshot_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// VerifyResult reports whether a stored payload still matches its hash
type VerifyResult struct {
	SnapshotID   string `json:"snapshot_id"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
	Valid        bool   `json:"valid"`
}

// NewStore binds a store to a tenant
func NewStore(backend storage.Backend, keys storage.Keyspace, tenantID string, log logger.Logger) (*Store, error) {
	if _, err := keys.Record(storage.RecordRun, tenantID, "probe"); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		backend:  backend,
		keys:     keys,
		tenantID: tenantID,
		logger:   log.WithField("tenant_id", tenantID),
	}, nil
}

// TenantID returns the bound tenant
func (s *Store) TenantID() string {
	return s.tenantID
}

func (s *Store) checkTenant(tenantID string) error {
	if tenantID != s.tenantID {
		return fmt.Errorf("%w: store is bound to %q, got %q", kirjurierrors.ErrTenantMismatch, s.tenantID, tenantID)
	}
	return nil
}

func (s *Store) snapshotIndex(kind types.SnapshotKind) index {
	return index{backend: s.backend, keys: s.keys, rt: storage.RecordSnapshot, tenantID: s.tenantID, kind: string(kind)}
}

// CreateRun writes the start record of a capture attempt
func (s *Store) CreateRun(ctx context.Context, run *types.SnapshotRun) (string, error) {
	if err := s.checkTenant(run.TenantID); err != nil {
		return "", err
	}
	if err := run.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", kirjurierrors.ErrInvalidRecord, err)
	}
	record := *run
	record.Status = types.RunRunning
	record.FinishedAt = nil

	key, err := s.keys.Record(storage.RecordRun, s.tenantID, run.RunID)
	if err != nil {
		return "", err
	}
	created, err := putNew(ctx, s.backend, key, &record)
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("%w: run %s", kirjurierrors.ErrAlreadyExists, run.RunID)
	}
	return run.RunID, nil
}

// CompleteRun records the single outcome of a run. A second call fails with
// ErrAlreadyCompleted whatever the outcome says.
func (s *Store) CompleteRun(ctx context.Context, runID string, outcome types.RunOutcome) error {
	if outcome.TenantID == "" {
		outcome.TenantID = s.tenantID
	}
	if err := s.checkTenant(outcome.TenantID); err != nil {
		return err
	}
	outcome.RunID = runID
	if err := outcome.Validate(); err != nil {
		return fmt.Errorf("%w: %v", kirjurierrors.ErrInvalidRecord, err)
	}

	runKey, err := s.keys.Record(storage.RecordRun, s.tenantID, runID)
	if err != nil {
		return err
	}
	var run types.SnapshotRun
	if err := getJSON(ctx, s.backend, runKey, &run); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	key, err := s.keys.Record(storage.RecordRunOutcome, s.tenantID, runID)
	if err != nil {
		return err
	}
	created, err := putNew(ctx, s.backend, key, &outcome)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", kirjurierrors.ErrAlreadyCompleted, runID)
	}
	return nil
}

// GetRun returns a run merged with its outcome when one exists
func (s *Store) GetRun(ctx context.Context, runID string) (*types.SnapshotRun, error) {
	key, err := s.keys.Record(storage.RecordRun, s.tenantID, runID)
	if err != nil {
		return nil, err
	}
	var run types.SnapshotRun
	if err := getJSON(ctx, s.backend, key, &run); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	outcomeKey, err := s.keys.Record(storage.RecordRunOutcome, s.tenantID, runID)
	if err != nil {
		return nil, err
	}
	var outcome types.RunOutcome
	err = getJSON(ctx, s.backend, outcomeKey, &outcome)
	switch {
	case errors.Is(err, kirjurierrors.ErrNotFound):
		return &run, nil
	case err != nil:
		return nil, err
	}
	merged := run.Apply(outcome)
	return &merged, nil
}

// CreateSnapshot writes a snapshot once and lists it in the kind's index.
// The stored hash must match the payload.
func (s *Store) CreateSnapshot(ctx context.Context, snap *types.Snapshot) (string, error) {
	if err := s.checkTenant(snap.TenantID); err != nil {
		return "", err
	}
	if err := snap.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", kirjurierrors.ErrInvalidRecord, err)
	}
	if !canonical.Verify(snap.Payload, snap.CanonicalHash) {
		return "", fmt.Errorf("%w: canonical hash does not match payload", kirjurierrors.ErrInvalidRecord)
	}

	key, err := s.keys.Record(storage.RecordSnapshot, s.tenantID, snap.SnapshotID)
	if err != nil {
		return "", err
	}
	created, err := putNew(ctx, s.backend, key, snap)
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("%w: snapshot %s", kirjurierrors.ErrAlreadyExists, snap.SnapshotID)
	}

	if err := s.snapshotIndex(snap.SnapshotKind).append(ctx, indexEntry{ID: snap.SnapshotID, At: snap.CapturedAt}); err != nil {
		return "", fmt.Errorf("snapshot %s written but not indexed: %w", snap.SnapshotID, err)
	}
	return snap.SnapshotID, nil
}

// GetSnapshot loads a snapshot of the bound tenant
func (s *Store) GetSnapshot(ctx context.Context, tenantID, snapshotID string) (*types.Snapshot, error) {
	if err := s.checkTenant(tenantID); err != nil {
		return nil, err
	}
	return s.loadSnapshot(ctx, snapshotID)
}

func (s *Store) loadSnapshot(ctx context.Context, snapshotID string) (*types.Snapshot, error) {
	key, err := s.keys.Record(storage.RecordSnapshot, s.tenantID, snapshotID)
	if err != nil {
		return nil, err
	}
	var snap types.Snapshot
	if err := getJSON(ctx, s.backend, key, &snap); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, err)
	}
	if snap.TenantID != s.tenantID {
		return nil, fmt.Errorf("%w: snapshot %s is stored under tenant %q", kirjurierrors.ErrTenantMismatch, snapshotID, snap.TenantID)
	}
	return &snap, nil
}

// ListSnapshotInfos returns the index of a kind, newest first
func (s *Store) ListSnapshotInfos(ctx context.Context, kind types.SnapshotKind) ([]SnapshotInfo, error) {
	entries, err := s.snapshotIndex(kind).entries(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	infos := make([]SnapshotInfo, len(entries))
	for i, e := range entries {
		infos[i] = SnapshotInfo{SnapshotID: e.ID, CapturedAt: e.At}
	}
	return infos, nil
}

// ListSnapshots returns one page of snapshots ordered by captured_at
// descending, ties broken by snapshot_id. Pages are numbered from 0.
func (s *Store) ListSnapshots(ctx context.Context, tenantID string, kind types.SnapshotKind, page, pageSize int) (*SnapshotPage, error) {
	if err := s.checkTenant(tenantID); err != nil {
		return nil, err
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPageSize, pageSize)
	}
	if page < 0 {
		return nil, fmt.Errorf("page must not be negative, got %d", page)
	}

	infos, err := s.ListSnapshotInfos(ctx, kind)
	if err != nil {
		return nil, err
	}

	result := &SnapshotPage{Page: page, PageSize: pageSize, Total: len(infos), Snapshots: []*types.Snapshot{}}
	start := page * pageSize
	if start >= len(infos) {
		return result, nil
	}
	end := start + pageSize
	if end > len(infos) {
		end = len(infos)
	}
	result.HasMore = end < len(infos)

	for _, info := range infos[start:end] {
		snap, err := s.loadSnapshot(ctx, info.SnapshotID)
		if errors.Is(err, kirjurierrors.ErrNotFound) {
			s.logger.WithField("snapshot_id", info.SnapshotID).Warn("indexed snapshot missing, skipping")
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Snapshots = append(result.Snapshots, snap)
	}
	return result, nil
}

// VerifySnapshot recomputes the canonical hash of a stored payload
func (s *Store) VerifySnapshot(ctx context.Context, snapshotID string) (*VerifyResult, error) {
	snap, err := s.loadSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	computed := canonical.HashValue(snap.Payload)
	return &VerifyResult{
		SnapshotID:   snapshotID,
		StoredHash:   snap.CanonicalHash,
		ComputedHash: computed,
		Valid:        canonical.Verify(snap.Payload, snap.CanonicalHash),
	}, nil
}

// deleteSnapshot is the only deletion path for snapshots; retention is its
// sole caller
func (s *Store) deleteSnapshot(ctx context.Context, tenantID string, snap SnapshotInfo, kind types.SnapshotKind) error {
	if err := s.checkTenant(tenantID); err != nil {
		return err
	}
	key, err := s.keys.Record(storage.RecordSnapshot, s.tenantID, snap.SnapshotID)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", snap.SnapshotID, err)
	}
	return s.snapshotIndex(kind).remove(ctx, map[string]bool{snap.SnapshotID: true})
}

// RebuildIndex relists every stored snapshot of a kind. It repairs an index
// left behind by a crash between the snapshot write and the index append.
func (s *Store) RebuildIndex(ctx context.Context, kind types.SnapshotKind) (int, error) {
	keys, err := s.backend.List(ctx, s.keys.RecordPrefix(storage.RecordSnapshot, s.tenantID))
	if err != nil {
		return 0, err
	}
	var entries []indexEntry
	for _, key := range keys {
		parsed, err := storage.ParseKey(key)
		if err != nil {
			continue
		}
		snap, err := s.loadSnapshot(ctx, parsed.RecordID)
		if err != nil {
			return 0, err
		}
		if snap.SnapshotKind == kind {
			entries = append(entries, indexEntry{ID: snap.SnapshotID, At: snap.CapturedAt})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].At.Equal(entries[j].At) {
			return entries[i].At.Before(entries[j].At)
		}
		return entries[i].ID < entries[j].ID
	})
	if err := s.snapshotIndex(kind).rewrite(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// PutRetentionPolicy validates and stores the tenant's policy
func (s *Store) PutRetentionPolicy(ctx context.Context, policy types.RetentionPolicy) error {
	if err := s.checkTenant(policy.TenantID); err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", kirjurierrors.ErrInvalidRecord, err)
	}
	key, err := s.keys.Record(storage.RecordRetentionPolicy, s.tenantID, policyRecordID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, key, data)
}

// GetRetentionPolicy reads the tenant's policy, or ErrNotFound
func (s *Store) GetRetentionPolicy(ctx context.Context) (*types.RetentionPolicy, error) {
	key, err := s.keys.Record(storage.RecordRetentionPolicy, s.tenantID, policyRecordID)
	if err != nil {
		return nil, err
	}
	var policy types.RetentionPolicy
	if err := getJSON(ctx, s.backend, key, &policy); err != nil {
		return nil, fmt.Errorf("retention policy: %w", err)
	}
	return &policy, nil
}

// ResolveRetentionPolicy returns the stored policy, or defaults bound to
// the tenant when none is stored
func (s *Store) ResolveRetentionPolicy(ctx context.Context, defaults types.RetentionPolicy) (*types.RetentionPolicy, error) {
	policy, err := s.GetRetentionPolicy(ctx)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, kirjurierrors.ErrNotFound) {
		return nil, err
	}
	defaults.TenantID = s.tenantID
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("%w: default retention policy: %v", kirjurierrors.ErrInvalidRecord, err)
	}
	return &defaults, nil
}

func putNew(ctx context.Context, backend storage.Backend, key string, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	created, err := backend.PutIfAbsent(ctx, key, data, 0)
	if err != nil {
		return false, fmt.Errorf("failed to write %s: %w", key, err)
	}
	return created, nil
}

func getJSON(ctx context.Context, backend storage.Backend, key string, v interface{}) error {
	data, err := backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return kirjurierrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", kirjurierrors.ErrInvalidRecord, key, err)
	}
	return nil
}
