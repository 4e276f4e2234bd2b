package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/storage"
)

// WindowClaim marks a capture window as having produced its snapshot. It is
// written once and never expires, so the window stays taken after any gate
// hold has lapsed.
type WindowClaim struct {
	TenantID       string    `json:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	RunID          string    `json:"run_id"`
	SnapshotID     string    `json:"snapshot_id"`
	ClaimedAt      time.Time `json:"claimed_at"`
}

func (s *Store) windowKey(idempotencyKey string) (string, error) {
	return s.keys.Record(storage.RecordWindow, s.tenantID, idempotencyKey)
}

// ClaimWindow writes the claim unless the window already has one. It
// returns false when another run got there first.
func (s *Store) ClaimWindow(ctx context.Context, claim WindowClaim) (bool, error) {
	if err := s.checkTenant(claim.TenantID); err != nil {
		return false, err
	}
	if claim.IdempotencyKey == "" || claim.SnapshotID == "" {
		return false, fmt.Errorf("%w: window claim needs an idempotency key and a snapshot id", kirjurierrors.ErrInvalidRecord)
	}
	key, err := s.windowKey(claim.IdempotencyKey)
	if err != nil {
		return false, err
	}
	return putNew(ctx, s.backend, key, claim)
}

// GetWindowClaim returns the claim of a window, or ErrNotFound
func (s *Store) GetWindowClaim(ctx context.Context, idempotencyKey string) (*WindowClaim, error) {
	key, err := s.windowKey(idempotencyKey)
	if err != nil {
		return nil, err
	}
	var claim WindowClaim
	if err := getJSON(ctx, s.backend, key, &claim); err != nil {
		return nil, fmt.Errorf("window %s: %w", idempotencyKey, err)
	}
	return &claim, nil
}

// ReleaseWindow drops a claim whose snapshot was never written. Only the
// run that made the claim may release it.
func (s *Store) ReleaseWindow(ctx context.Context, idempotencyKey, runID string) error {
	key, err := s.windowKey(idempotencyKey)
	if err != nil {
		return err
	}
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("window %s: %w", idempotencyKey, kirjurierrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	var claim WindowClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		return fmt.Errorf("%w: %s: %v", kirjurierrors.ErrInvalidRecord, key, err)
	}
	if claim.RunID != runID {
		return fmt.Errorf("%w: window %s is claimed by run %s", kirjurierrors.ErrLockDenied, idempotencyKey, claim.RunID)
	}
	if _, err := storage.DeleteIfEqual(ctx, s.backend, key, data); err != nil {
		return fmt.Errorf("release window %s: %w", idempotencyKey, err)
	}
	return nil
}
