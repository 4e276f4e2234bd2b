package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

var ctxBG = context.Background()

var baseTime = time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)

func newTestKeyspace(t *testing.T) storage.Keyspace {
	t.Helper()
	ks, err := storage.NewKeyspace("")
	require.NoError(t, err)
	return ks
}

func newTestStore(t *testing.T, backend storage.Backend, tenant string) *Store {
	t.Helper()
	s, err := NewStore(backend, newTestKeyspace(t), tenant, nil)
	require.NoError(t, err)
	return s
}

func projectsPayload(names ...string) canonical.Value {
	items := make([]canonical.Value, len(names))
	for i, n := range names {
		items[i] = canonical.Map(canonical.F("id", canonical.Int(int64(i+1))), canonical.F("name", canonical.String(n)))
	}
	return canonical.Map(canonical.F("projects", canonical.List(items...)))
}

func newSnapshot(tenant string, kind types.SnapshotKind, id string, at time.Time, payload canonical.Value) *types.Snapshot {
	return &types.Snapshot{
		SnapshotID:      id,
		TenantID:        tenant,
		SnapshotKind:    kind,
		RunID:           "run-" + id,
		CapturedAt:      at,
		Status:          types.SnapshotComplete,
		CanonicalHash:   canonical.HashValue(payload),
		HashAlgorithm:   canonical.HashAlgorithm,
		EncodingVersion: canonical.EncodingVersion,
		Scope:           types.Scope{Included: payload.Keys()},
		Payload:         payload,
	}
}

func seedSnapshots(t *testing.T, s *Store, kind types.SnapshotKind, ages ...time.Duration) []string {
	t.Helper()
	ids := make([]string, len(ages))
	for i, age := range ages {
		id := fmt.Sprintf("snap-%03d", i)
		_, err := s.CreateSnapshot(ctxBG, newSnapshot(s.TenantID(), kind, id, baseTime.Add(-age), projectsPayload(id)))
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
