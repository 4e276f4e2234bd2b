package types

import (
	"fmt"
	"time"

	"github.com/yairfalse/kirjuri/pkg/canonical"
)

// ChangeClassification represents the type of change detected
type ChangeClassification string

const (
	// Added indicates an object present only in the newer snapshot
	Added ChangeClassification = "added"
	// Removed indicates an object present only in the older snapshot
	Removed ChangeClassification = "removed"
	// Modified indicates a structural change to an object
	Modified ChangeClassification = "modified"
	// AttributeChanged indicates a single scalar field changed
	AttributeChanged ChangeClassification = "attribute_changed"
)

// IsValid checks if the ChangeClassification is valid
func (c ChangeClassification) IsValid() bool {
	switch c {
	case Added, Removed, Modified, AttributeChanged:
		return true
	default:
		return false
	}
}

// String returns the string representation of ChangeClassification
func (c ChangeClassification) String() string {
	return string(c)
}

// UnknownActor is the only actor ever recorded on drift events
const UnknownActor = "unknown"

// DriftEvent is one classified change between two snapshots of the same
// tenant and kind. Events are never edited; a recurrence is stored as a new
// event pointing at the one it supersedes.
type DriftEvent struct {
	EventID              string               `json:"event_id"`
	TenantID             string               `json:"tenant_id"`
	SnapshotKind         SnapshotKind         `json:"snapshot_kind"`
	DetectedAt           time.Time            `json:"detected_at"`
	FirstDetectedAt      time.Time            `json:"first_detected_at"`
	FromSnapshotID       string               `json:"from_snapshot_id"`
	ToSnapshotID         string               `json:"to_snapshot_id"`
	ObjectType           string               `json:"object_type"`
	ObjectID             string               `json:"object_id"`
	Field                string               `json:"field,omitempty"`
	ChangeClassification ChangeClassification `json:"change_classification"`
	BeforeState          canonical.Value      `json:"before_state"`
	AfterState           canonical.Value      `json:"after_state"`
	RepeatCount          int                  `json:"repeat_count"`
	Actor                string               `json:"actor"`
	Fingerprint          string               `json:"fingerprint"`
	Supersedes           string               `json:"supersedes,omitempty"`
}

// Validate checks if the DriftEvent has all required fields
func (e *DriftEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("drift event ID cannot be empty")
	}
	if e.TenantID == "" {
		return fmt.Errorf("drift event tenant ID cannot be empty")
	}
	if e.ObjectType == "" || e.ObjectID == "" {
		return fmt.Errorf("drift event must name its object")
	}
	if !e.ChangeClassification.IsValid() {
		return fmt.Errorf("invalid change classification: %s", e.ChangeClassification)
	}
	if e.Actor != UnknownActor {
		return fmt.Errorf("drift event actor must be %q", UnknownActor)
	}
	if e.RepeatCount < 1 {
		return fmt.Errorf("drift event repeat count must be positive")
	}

	switch e.ChangeClassification {
	case Added:
		if !e.BeforeState.IsNull() {
			return fmt.Errorf("added event should not have before_state")
		}
	case Removed:
		if !e.AfterState.IsNull() {
			return fmt.Errorf("removed event should not have after_state")
		}
	case AttributeChanged:
		if e.Field == "" {
			return fmt.Errorf("attribute_changed event must name its field")
		}
	}
	return nil
}

// Key identifies the changed element independent of the snapshots involved
func (e *DriftEvent) Key() string {
	return e.ObjectType + "/" + e.ObjectID + "/" + e.Field
}

// String returns a one-line description of the event
func (e *DriftEvent) String() string {
	target := e.ObjectType + " " + e.ObjectID
	if e.Field != "" {
		target += "." + e.Field
	}
	return fmt.Sprintf("%s %s (x%d)", e.ChangeClassification, target, e.RepeatCount)
}
