package types

import (
	"fmt"
	"time"
)

// SnapshotKind is the capture cadence of a snapshot
type SnapshotKind string

const (
	// KindDaily is the lightweight daily capture
	KindDaily SnapshotKind = "daily"
	// KindWeekly is the comprehensive weekly capture
	KindWeekly SnapshotKind = "weekly"
)

// Kinds lists every known kind
func Kinds() []SnapshotKind {
	return []SnapshotKind{KindDaily, KindWeekly}
}

// IsValid checks if the SnapshotKind is known
func (k SnapshotKind) IsValid() bool {
	switch k {
	case KindDaily, KindWeekly:
		return true
	default:
		return false
	}
}

// String returns the string representation of SnapshotKind
func (k SnapshotKind) String() string {
	return string(k)
}

// ParseSnapshotKind converts user input into a SnapshotKind
func ParseSnapshotKind(s string) (SnapshotKind, error) {
	k := SnapshotKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown snapshot kind %q (expected daily or weekly)", s)
	}
	return k, nil
}

// WindowStart returns the start of the capture window containing t, in UTC.
// Daily windows start at midnight; weekly windows start on Monday midnight.
func (k SnapshotKind) WindowStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if k != KindWeekly {
		return day
	}
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// WindowEnd returns the exclusive end of the window containing t
func (k SnapshotKind) WindowEnd(t time.Time) time.Time {
	start := k.WindowStart(t)
	if k == KindWeekly {
		return start.AddDate(0, 0, 7)
	}
	return start.AddDate(0, 0, 1)
}

// WindowLabel formats the window start for use in keys, e.g. daily.2026-10-16
func (k SnapshotKind) WindowLabel(t time.Time) string {
	return string(k) + "." + k.WindowStart(t).Format("2006-01-02")
}
