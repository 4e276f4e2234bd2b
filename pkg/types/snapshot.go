package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yairfalse/kirjuri/pkg/canonical"
)

// SnapshotStatus discloses whether a snapshot is complete
type SnapshotStatus string

const (
	SnapshotComplete SnapshotStatus = "complete"
	SnapshotPartial  SnapshotStatus = "partial"
)

// CoverageStatus describes how much of a dataset was captured
type CoverageStatus string

const (
	CoverageAvailable CoverageStatus = "available"
	CoveragePartial   CoverageStatus = "partial"
	CoverageMissing   CoverageStatus = "missing"
)

// ReasonCode explains why a dataset is not fully available
type ReasonCode string

const (
	ReasonPermissionDenied ReasonCode = "permission_denied"
	ReasonNotConfigured    ReasonCode = "not_configured"
	ReasonAPIUnavailable   ReasonCode = "api_unavailable"
	ReasonEmpty            ReasonCode = "empty"
	ReasonRateLimited      ReasonCode = "rate_limited"
	ReasonUnknown          ReasonCode = "unknown"
)

// MissingDataItem discloses a dataset that could not be fully captured
type MissingDataItem struct {
	DatasetName    string         `json:"dataset_name"`
	CoverageStatus CoverageStatus `json:"coverage_status"`
	ReasonCode     ReasonCode     `json:"reason_code"`
	ReasonDetail   string         `json:"reason_detail,omitempty"`
	RetryCount     int            `json:"retry_count"`
}

// Scope lists the datasets a snapshot covers
type Scope struct {
	Included []string `json:"included"`
	Excluded []string `json:"excluded"`
}

// ProvenanceEntry records one read made against the source
type ProvenanceEntry struct {
	Dataset  string            `json:"dataset"`
	Endpoint string            `json:"endpoint"`
	Filters  map[string]string `json:"filters,omitempty"`
}

// Snapshot is an immutable, hashed capture of external state.
// CanonicalHash covers Payload only.
type Snapshot struct {
	SnapshotID      string            `json:"snapshot_id"`
	TenantID        string            `json:"tenant_id"`
	SnapshotKind    SnapshotKind      `json:"snapshot_kind"`
	RunID           string            `json:"run_id"`
	CloudScopeID    string            `json:"cloud_scope_id"`
	CapturedAt      time.Time         `json:"captured_at"`
	Status          SnapshotStatus    `json:"status"`
	CanonicalHash   string            `json:"canonical_hash"`
	HashAlgorithm   string            `json:"hash_algorithm"`
	EncodingVersion string            `json:"encoding_version"`
	Scope           Scope             `json:"scope"`
	InputProvenance []ProvenanceEntry `json:"input_provenance"`
	MissingData     []MissingDataItem `json:"missing_data"`
	Payload         canonical.Value   `json:"payload"`
}

// Validate checks if the Snapshot has all required fields and an honest status
func (s *Snapshot) Validate() error {
	if strings.TrimSpace(s.SnapshotID) == "" {
		return errors.New("snapshot ID is required")
	}
	if strings.TrimSpace(s.TenantID) == "" {
		return errors.New("snapshot tenant ID is required")
	}
	if !s.SnapshotKind.IsValid() {
		return errors.New("snapshot kind is invalid: " + string(s.SnapshotKind))
	}
	if s.CapturedAt.IsZero() {
		return errors.New("snapshot captured_at is required")
	}
	if !canonical.IsHash(s.CanonicalHash) {
		return errors.New("snapshot canonical hash is malformed")
	}
	if s.HashAlgorithm != canonical.HashAlgorithm {
		return fmt.Errorf("unsupported hash algorithm %q", s.HashAlgorithm)
	}
	if s.Payload.Kind() != canonical.KindMap {
		return errors.New("snapshot payload must be a map of datasets")
	}
	switch s.Status {
	case SnapshotComplete:
		for _, m := range s.MissingData {
			if m.CoverageStatus != CoverageAvailable {
				return errors.New("complete snapshot cannot carry missing data for " + m.DatasetName)
			}
		}
	case SnapshotPartial:
		if len(s.MissingData) == 0 {
			return errors.New("partial snapshot must disclose missing data")
		}
	default:
		return errors.New("snapshot status is invalid: " + string(s.Status))
	}
	return nil
}

// Missing returns the missing-data entry for a dataset, if any
func (s *Snapshot) Missing(dataset string) (MissingDataItem, bool) {
	for _, m := range s.MissingData {
		if m.DatasetName == dataset {
			return m, true
		}
	}
	return MissingDataItem{}, false
}

// ComparableDatasets returns the datasets present in the payload with full
// coverage, sorted by name
func (s *Snapshot) ComparableDatasets() []string {
	var out []string
	for _, name := range s.Payload.Keys() {
		if m, ok := s.Missing(name); ok && m.CoverageStatus != CoverageAvailable {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// String returns a string representation of the snapshot
func (s *Snapshot) String() string {
	return s.TenantID + ":" + string(s.SnapshotKind) + " snapshot " + s.SnapshotID + " (" + s.CapturedAt.Format(time.RFC3339) + ")"
}
