package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/storage"
)

func windowClaim(runID, snapshotID string) WindowClaim {
	return WindowClaim{
		TenantID:       "acme",
		IdempotencyKey: "daily.2026-10-15",
		RunID:          runID,
		SnapshotID:     snapshotID,
		ClaimedAt:      baseTime,
	}
}

func TestStore_ClaimWindowOnce(t *testing.T) {
	s := newTestStore(t, storage.NewMemory(), "acme")

	_, err := s.GetWindowClaim(ctxBG, "daily.2026-10-15")
	assert.ErrorIs(t, err, kirjurierrors.ErrNotFound)

	ok, err := s.ClaimWindow(ctxBG, windowClaim("run-1", "snap-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimWindow(ctxBG, windowClaim("run-2", "snap-2"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetWindowClaim(ctxBG, "daily.2026-10-15")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "snap-1", got.SnapshotID)
}

func TestStore_ClaimWindowValidation(t *testing.T) {
	s := newTestStore(t, storage.NewMemory(), "acme")

	tests := []struct {
		name    string
		claim   WindowClaim
		wantErr error
	}{
		{
			name:    "other tenant",
			claim:   WindowClaim{TenantID: "globex", IdempotencyKey: "daily.2026-10-15", SnapshotID: "snap-1"},
			wantErr: kirjurierrors.ErrTenantMismatch,
		},
		{
			name:    "no snapshot",
			claim:   WindowClaim{TenantID: "acme", IdempotencyKey: "daily.2026-10-15"},
			wantErr: kirjurierrors.ErrInvalidRecord,
		},
		{
			name:    "no key",
			claim:   WindowClaim{TenantID: "acme", SnapshotID: "snap-1"},
			wantErr: kirjurierrors.ErrInvalidRecord,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ClaimWindow(ctxBG, tt.claim)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStore_ReleaseWindowOnlyByOwner(t *testing.T) {
	s := newTestStore(t, storage.NewMemory(), "acme")

	ok, err := s.ClaimWindow(ctxBG, windowClaim("run-1", "snap-1"))
	require.NoError(t, err)
	require.True(t, ok)

	err = s.ReleaseWindow(ctxBG, "daily.2026-10-15", "run-2")
	assert.ErrorIs(t, err, kirjurierrors.ErrLockDenied)
	_, err = s.GetWindowClaim(ctxBG, "daily.2026-10-15")
	require.NoError(t, err)

	require.NoError(t, s.ReleaseWindow(ctxBG, "daily.2026-10-15", "run-1"))
	_, err = s.GetWindowClaim(ctxBG, "daily.2026-10-15")
	assert.ErrorIs(t, err, kirjurierrors.ErrNotFound)

	ok, err = s.ClaimWindow(ctxBG, windowClaim("run-2", "snap-2"))
	require.NoError(t, err)
	assert.True(t, ok)
}
