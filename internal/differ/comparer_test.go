package differ

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

func snapshotOf(id string, at time.Time, payload canonical.Value) *types.Snapshot {
	return &types.Snapshot{
		SnapshotID:      id,
		TenantID:        "acme",
		SnapshotKind:    types.KindDaily,
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

func mustParse(t *testing.T, doc string) canonical.Value {
	t.Helper()
	v, err := canonical.Parse([]byte(doc))
	require.NoError(t, err)
	return v
}

func TestComparer_Compare(t *testing.T) {
	at := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		from     string
		to       string
		opts     DiffOptions
		expected []Change
	}{
		{
			name: "rename and addition",
			from: `{"project":[{"id":1,"name":"X"}]}`,
			to:   `{"project":[{"id":1,"name":"Y"},{"id":2,"name":"Z"}]}`,
			expected: []Change{
				{ObjectType: "project", ObjectID: "1", Field: "name", Classification: types.AttributeChanged, Before: canonical.String("X"), After: canonical.String("Y")},
				{ObjectType: "project", ObjectID: "2", Classification: types.Added, Before: canonical.Null(), After: canonical.MustFromAny(map[string]any{"id": 2, "name": "Z"})},
			},
		},
		{
			name: "scalar payload entries are root fields",
			from: `{"z":1,"a":2}`,
			to:   `{"a":2,"z":5}`,
			expected: []Change{
				{ObjectType: RootObjectType, ObjectID: RootObjectID, Field: "z", Classification: types.AttributeChanged, Before: canonical.Int(1), After: canonical.Int(5)},
			},
		},
		{
			name:     "key order does not matter",
			from:     `{"fields":[{"id":"f1","type":"text","required":true}]}`,
			to:       `{"fields":[{"required":true,"type":"text","id":"f1"}]}`,
			expected: nil,
		},
		{
			name: "removal",
			from: `{"workflows":[{"id":"w1"},{"id":"w2"}]}`,
			to:   `{"workflows":[{"id":"w2"}]}`,
			expected: []Change{
				{ObjectType: "workflows", ObjectID: "w1", Classification: types.Removed, Before: canonical.MustFromAny(map[string]any{"id": "w1"}), After: canonical.Null()},
			},
		},
		{
			name: "nested collection change is structural",
			from: `{"workflows":[{"id":"w1","states":["open","done"],"name":"Flow"}]}`,
			to:   `{"workflows":[{"id":"w1","states":["open","review","done"],"name":"Flow 2"}]}`,
			expected: []Change{
				{
					ObjectType: "workflows", ObjectID: "w1", Classification: types.Modified,
					Before: canonical.MustFromAny(map[string]any{"id": "w1", "states": []any{"open", "done"}, "name": "Flow"}),
					After:  canonical.MustFromAny(map[string]any{"id": "w1", "states": []any{"open", "review", "done"}, "name": "Flow 2"}),
				},
			},
		},
		{
			name: "field set change is structural",
			from: `{"fields":[{"id":"f1","type":"text"}]}`,
			to:   `{"fields":[{"id":"f1","type":"text","required":true}]}`,
			expected: []Change{
				{
					ObjectType: "fields", ObjectID: "f1", Classification: types.Modified,
					Before: canonical.MustFromAny(map[string]any{"id": "f1", "type": "text"}),
					After:  canonical.MustFromAny(map[string]any{"id": "f1", "type": "text", "required": true}),
				},
			},
		},
		{
			name: "several scalar fields are ordered by name",
			from: `{"automation_rules":[{"id":"r1","enabled":true,"action":"notify"}]}`,
			to:   `{"automation_rules":[{"id":"r1","enabled":false,"action":"assign"}]}`,
			expected: []Change{
				{ObjectType: "automation_rules", ObjectID: "r1", Field: "action", Classification: types.AttributeChanged, Before: canonical.String("notify"), After: canonical.String("assign")},
				{ObjectType: "automation_rules", ObjectID: "r1", Field: "enabled", Classification: types.AttributeChanged, Before: canonical.Bool(true), After: canonical.Bool(false)},
			},
		},
		{
			name: "scalar objects of a map dataset change their value",
			from: `{"settings":{"a":1,"b":true}}`,
			to:   `{"settings":{"a":2,"b":true}}`,
			expected: []Change{
				{ObjectType: "settings", ObjectID: "a", Field: "value", Classification: types.AttributeChanged, Before: canonical.Int(1), After: canonical.Int(2)},
			},
		},
		{
			name: "scalar object turned map is structural",
			from: `{"settings":{"a":1}}`,
			to:   `{"settings":{"a":{"v":1}}}`,
			expected: []Change{
				{ObjectType: "settings", ObjectID: "a", Classification: types.Modified, Before: canonical.Int(1), After: canonical.MustFromAny(map[string]any{"v": 1})},
			},
		},
		{
			name: "empty field name",
			from: `{"project":[{"id":1,"":"x"}]}`,
			to:   `{"project":[{"id":1,"":"y"}]}`,
			expected: []Change{
				{ObjectType: "project", ObjectID: "1", Field: EmptyName, Classification: types.AttributeChanged, Before: canonical.String("x"), After: canonical.String("y")},
			},
		},
		{
			name: "empty object id",
			from: `{"settings":{"":{"on":true}}}`,
			to:   `{"settings":{"":{"on":false}}}`,
			expected: []Change{
				{ObjectType: "settings", ObjectID: EmptyName, Field: "on", Classification: types.AttributeChanged, Before: canonical.Bool(true), After: canonical.Bool(false)},
			},
		},
		{
			name: "empty id beside a key spelled like the placeholder",
			from: `{"settings":{"":1,"(empty)":2}}`,
			to:   `{"settings":{"":3,"(empty)":2}}`,
			expected: []Change{
				{ObjectType: "settings", ObjectID: EmptyName + "#2", Field: "value", Classification: types.AttributeChanged, Before: canonical.Int(1), After: canonical.Int(3)},
			},
		},
		{
			name: "empty dataset name",
			from: `{"":[{"id":1}]}`,
			to:   `{"":[{"id":1},{"id":2}]}`,
			expected: []Change{
				{ObjectType: EmptyName, ObjectID: "2", Classification: types.Added, Before: canonical.Null(), After: canonical.MustFromAny(map[string]any{"id": 2})},
			},
		},
		{
			name:     "ignored fields are not drift",
			from:     `{"projects":[{"id":1,"name":"X","updated_at":"2026-10-15"}]}`,
			to:       `{"projects":[{"id":1,"name":"X","updated_at":"2026-10-16"}]}`,
			opts:     DiffOptions{IgnoreFields: []string{"updated_at"}},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from := snapshotOf("a", at, mustParse(t, tt.from))
			to := snapshotOf("b", at.Add(24*time.Hour), mustParse(t, tt.to))

			changes := NewComparer(tt.opts).Compare(from, to)
			require.Len(t, changes, len(tt.expected))
			for i, want := range tt.expected {
				got := changes[i]
				assert.Equal(t, want.ObjectType, got.ObjectType)
				assert.Equal(t, want.ObjectID, got.ObjectID)
				assert.Equal(t, want.Field, got.Field)
				assert.Equal(t, want.Classification, got.Classification)
				assert.True(t, want.Before.Equal(got.Before), "before: %s", canonical.Canonicalize(got.Before))
				assert.True(t, want.After.Equal(got.After), "after: %s", canonical.Canonicalize(got.After))
			}
		})
	}
}

func TestComparer_SkipsIncompleteDatasets(t *testing.T) {
	at := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)
	from := snapshotOf("a", at, mustParse(t, `{"projects":[{"id":1}],"workflows":[{"id":"w1"},{"id":"w2"}]}`))

	// workflows could not be read this time
	toPayload := mustParse(t, `{"projects":[{"id":1},{"id":2}],"workflows":[]}`)
	to := snapshotOf("b", at.Add(24*time.Hour), toPayload)
	to.Status = types.SnapshotPartial
	to.MissingData = []types.MissingDataItem{{
		DatasetName:    "workflows",
		CoverageStatus: types.CoverageMissing,
		ReasonCode:     types.ReasonPermissionDenied,
	}}

	changes := NewComparer(DiffOptions{}).Compare(from, to)
	require.Len(t, changes, 1)
	assert.Equal(t, "projects", changes[0].ObjectType)
	assert.Equal(t, types.Added, changes[0].Classification)
}

func TestComparer_Deterministic(t *testing.T) {
	at := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)
	from := snapshotOf("a", at, mustParse(t, `{"b":[{"id":"2","v":1},{"id":"1","v":1}],"a":[{"id":"9","v":1}]}`))
	to := snapshotOf("b", at.Add(time.Hour), mustParse(t, `{"a":[{"id":"9","v":2}],"b":[{"id":"1","v":2},{"id":"3","v":1}]}`))

	first := NewComparer(DiffOptions{}).Compare(from, to)
	for i := 0; i < 20; i++ {
		again := NewComparer(DiffOptions{}).Compare(from, to)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].Key(), again[j].Key())
		}
	}

	keys := make([]string, len(first))
	for i, c := range first {
		keys[i] = c.Key()
	}
	assert.Equal(t, []string{"a/9/v", "b/1/v", "b/2/", "b/3/"}, keys)
}

func mustJSON(t *testing.T, v canonical.Value) []byte {
	t.Helper()
	data, err := v.MarshalJSON()
	require.NoError(t, err)
	return data
}
