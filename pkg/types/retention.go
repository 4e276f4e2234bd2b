package types

import (
	"errors"
	"fmt"
	"time"
)

// DeletionStrategy selects which records go first when a bound is exceeded
type DeletionStrategy string

// FIFO deletes the oldest records first
const FIFO DeletionStrategy = "FIFO"

// MaxRetentionDays bounds both age limits to a century
const MaxRetentionDays = 36500

// MinRecordsPerKind keeps the previous snapshot available as a drift baseline
const MinRecordsPerKind = 2

// RetentionPolicy is the per-tenant retention configuration
type RetentionPolicy struct {
	TenantID          string           `json:"tenant_id" yaml:"tenant_id"`
	MaxAgeDays        int              `json:"max_age_days" yaml:"max_age_days"`
	MaxRecordsPerKind int              `json:"max_records_per_kind" yaml:"max_records_per_kind"`
	DeletionStrategy  DeletionStrategy `json:"deletion_strategy" yaml:"deletion_strategy"`
	DriftMaxAgeDays   int              `json:"drift_max_age_days" yaml:"drift_max_age_days"`
	UpdatedAt         time.Time        `json:"updated_at" yaml:"updated_at"`
}

// Validate checks the policy bounds
func (p *RetentionPolicy) Validate() error {
	if p.TenantID == "" {
		return errors.New("retention policy tenant ID is required")
	}
	if p.MaxAgeDays < 1 || p.MaxAgeDays > MaxRetentionDays {
		return fmt.Errorf("max_age_days must be between 1 and %d, got %d", MaxRetentionDays, p.MaxAgeDays)
	}
	if p.MaxRecordsPerKind < MinRecordsPerKind {
		return fmt.Errorf("max_records_per_kind must be at least %d, got %d", MinRecordsPerKind, p.MaxRecordsPerKind)
	}
	if p.DeletionStrategy != FIFO {
		return fmt.Errorf("unsupported deletion strategy %q", p.DeletionStrategy)
	}
	if p.DriftMaxAgeDays < p.MaxAgeDays {
		return fmt.Errorf("drift_max_age_days (%d) must not be shorter than max_age_days (%d)", p.DriftMaxAgeDays, p.MaxAgeDays)
	}
	if p.DriftMaxAgeDays > MaxRetentionDays {
		return fmt.Errorf("drift_max_age_days must be at most %d, got %d", MaxRetentionDays, p.DriftMaxAgeDays)
	}
	return nil
}

// SnapshotCutoff returns the capture time before which snapshots have expired.
// Calendar days are used so large bounds cannot overflow a time.Duration.
func (p *RetentionPolicy) SnapshotCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.MaxAgeDays)
}

// DriftCutoff returns the detection time before which drift events have expired
func (p *RetentionPolicy) DriftCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.DriftMaxAgeDays)
}
