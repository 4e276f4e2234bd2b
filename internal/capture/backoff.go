package capture

import (
	"time"

	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
)

// RetrySchedule is the staged delay after each failed attempt of a window.
// After the last stage the window is given up until the next scheduled one.
var RetrySchedule = []time.Duration{
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// NextAttempt returns when attempt (0 for the scheduled firing) should be
// retried after failing at failedAt. ok is false once the schedule is spent.
func NextAttempt(attempt int, failedAt time.Time) (time.Time, bool) {
	if attempt < 0 || attempt >= len(RetrySchedule) {
		return time.Time{}, false
	}
	return failedAt.Add(RetrySchedule[attempt]), true
}

// nextAttemptFor only schedules retries for transient categories
func nextAttemptFor(code kirjurierrors.ErrorCode, attempt int, failedAt time.Time) *time.Time {
	if !code.IsTransient() {
		return nil
	}
	next, ok := NextAttempt(attempt, failedAt)
	if !ok {
		return nil
	}
	return &next
}
