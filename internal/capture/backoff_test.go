package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
)

func TestNextAttempt(t *testing.T) {
	failedAt := time.Date(2026, 10, 16, 2, 5, 0, 0, time.UTC)
	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{0, 30 * time.Minute, true},
		{1, 2 * time.Hour, true},
		{2, 24 * time.Hour, true},
		{3, 0, false},
		{-1, 0, false},
	}
	for _, tt := range tests {
		next, ok := NextAttempt(tt.attempt, failedAt)
		assert.Equal(t, tt.ok, ok, "attempt %d", tt.attempt)
		if tt.ok {
			assert.Equal(t, failedAt.Add(tt.want), next, "attempt %d", tt.attempt)
		}
	}
}

func TestNextAttemptFor(t *testing.T) {
	now := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)
	assert.NotNil(t, nextAttemptFor(kirjurierrors.CodeRateLimit, 0, now))
	assert.NotNil(t, nextAttemptFor(kirjurierrors.CodeTimeout, 2, now))
	assert.Nil(t, nextAttemptFor(kirjurierrors.CodeTimeout, 3, now))
	assert.Nil(t, nextAttemptFor(kirjurierrors.CodePermissionRevoked, 0, now))
	assert.Nil(t, nextAttemptFor(kirjurierrors.CodeUnknown, 0, now))
}

func TestCanTransition(t *testing.T) {
	path := []State{StateIdle, StateLockAcquiring, StateQuerying, StateCanonicalizing, StatePersisting, StateRetentionTrimming, StateDone}
	for i := 1; i < len(path); i++ {
		assert.True(t, CanTransition(path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
	}

	assert.True(t, CanTransition(StateLockAcquiring, StateLockDenied))
	assert.True(t, CanTransition(StateQuerying, StateFailed))
	assert.False(t, CanTransition(StateLockDenied, StateQuerying))
	assert.False(t, CanTransition(StateDone, StateIdle))
	assert.False(t, CanTransition(StateRetentionTrimming, StateFailed))
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StatePersisting.IsTerminal())
}
