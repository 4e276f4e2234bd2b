package types

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the state of a capture attempt
type RunStatus string

const (
	// RunRunning is recorded when a capture starts
	RunRunning RunStatus = "running"
	// RunSuccess means every dataset was captured
	RunSuccess RunStatus = "success"
	// RunPartial means a snapshot was written with missing datasets
	RunPartial RunStatus = "partial"
	// RunFailed means no snapshot was written
	RunFailed RunStatus = "failed"
	// RunSkipped is reported, never stored, when the window is already held
	RunSkipped RunStatus = "skipped"
)

// IsFinal reports whether the status ends a run
func (s RunStatus) IsFinal() bool {
	return s == RunSuccess || s == RunPartial || s == RunFailed
}

// SnapshotRun is one capture attempt. The record written at start is never
// edited; its completion is a separate write-once RunOutcome.
type SnapshotRun struct {
	RunID          string       `json:"run_id"`
	TenantID       string       `json:"tenant_id"`
	CloudScopeID   string       `json:"cloud_scope_id"`
	SnapshotKind   SnapshotKind `json:"snapshot_kind"`
	ScheduledFor   time.Time    `json:"scheduled_for"`
	WindowStart    time.Time    `json:"window_start"`
	IdempotencyKey string       `json:"idempotency_key"`
	StartedAt      time.Time    `json:"started_at"`

	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	Status             RunStatus  `json:"status"`
	ErrorCode          string     `json:"error_code,omitempty"`
	ErrorDetail        string     `json:"error_detail,omitempty"`
	APICallsMade       int        `json:"api_calls_made"`
	ProducedSnapshotID string     `json:"produced_snapshot_id,omitempty"`
	ProducedHash       string     `json:"produced_hash,omitempty"`
	NextAttemptAt      *time.Time `json:"next_attempt_at,omitempty"`
}

// Validate checks the fields required when a run is created
func (r *SnapshotRun) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run ID is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("run tenant ID is required")
	}
	if !r.SnapshotKind.IsValid() {
		return errors.New("run snapshot kind is invalid: " + string(r.SnapshotKind))
	}
	if r.StartedAt.IsZero() {
		return errors.New("run start time is required")
	}
	return nil
}

// Apply returns a copy of the run with the outcome fields filled in
func (r SnapshotRun) Apply(o RunOutcome) SnapshotRun {
	finished := o.FinishedAt
	r.FinishedAt = &finished
	r.Status = o.Status
	r.ErrorCode = o.ErrorCode
	r.ErrorDetail = o.ErrorDetail
	r.APICallsMade = o.APICallsMade
	r.ProducedSnapshotID = o.ProducedSnapshotID
	r.ProducedHash = o.ProducedHash
	r.NextAttemptAt = o.NextAttemptAt
	return r
}

// RunOutcome is the single completion record of a run
type RunOutcome struct {
	RunID              string     `json:"run_id"`
	TenantID           string     `json:"tenant_id"`
	FinishedAt         time.Time  `json:"finished_at"`
	Status             RunStatus  `json:"status"`
	ErrorCode          string     `json:"error_code,omitempty"`
	ErrorDetail        string     `json:"error_detail,omitempty"`
	APICallsMade       int        `json:"api_calls_made"`
	ProducedSnapshotID string     `json:"produced_snapshot_id,omitempty"`
	ProducedHash       string     `json:"produced_hash,omitempty"`
	NextAttemptAt      *time.Time `json:"next_attempt_at,omitempty"`
}

// Validate checks if the RunOutcome describes a finished run
func (o *RunOutcome) Validate() error {
	if !o.Status.IsFinal() {
		return errors.New("outcome status must be success, partial or failed")
	}
	if o.FinishedAt.IsZero() {
		return errors.New("outcome finish time is required")
	}
	if o.Status != RunFailed && o.ProducedSnapshotID == "" {
		return errors.New("successful outcome must reference a snapshot")
	}
	if o.Status == RunFailed && o.ProducedSnapshotID != "" {
		return errors.New("failed outcome cannot reference a snapshot")
	}
	return nil
}
