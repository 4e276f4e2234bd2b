package differ

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yairfalse/kirjuri/pkg/canonical"
)

func TestObjectMatcher_Inventory(t *testing.T) {
	m := NewObjectMatcher(nil)

	tests := []struct {
		name    string
		dataset canonical.Value
		ids     []string
	}{
		{
			name:    "numeric and string ids",
			dataset: canonical.MustFromAny([]any{map[string]any{"id": 1}, map[string]any{"id": "abc"}}),
			ids:     []string{"1", "abc"},
		},
		{
			name:    "falls back to key then name",
			dataset: canonical.MustFromAny([]any{map[string]any{"key": "PROJ"}, map[string]any{"name": "Bug"}}),
			ids:     []string{"Bug", "PROJ"},
		},
		{
			name:    "repeated ids get a suffix",
			dataset: canonical.MustFromAny([]any{map[string]any{"id": 7, "v": 1}, map[string]any{"id": 7, "v": 2}}),
			ids:     []string{"7", "7#2"},
		},
		{
			name:    "maps are keyed by their own keys",
			dataset: canonical.MustFromAny(map[string]any{"alpha": map[string]any{"v": 1}, "beta": 2}),
			ids:     []string{"alpha", "beta"},
		},
		{
			name:    "empty key gets a placeholder",
			dataset: canonical.MustFromAny(map[string]any{"": 1, "b": 2}),
			ids:     []string{EmptyName, "b"},
		},
		{
			name:    "placeholder already taken",
			dataset: canonical.MustFromAny(map[string]any{"": 1, "(empty)": 2}),
			ids:     []string{EmptyName, EmptyName + "#2"},
		},
		{
			name:    "scalar dataset",
			dataset: canonical.String("x"),
			ids:     []string{"value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := m.Inventory(tt.dataset)
			var ids []string
			for id := range inv {
				ids = append(ids, id)
			}
			assert.ElementsMatch(t, tt.ids, ids)
		})
	}
}

func TestObjectMatcher_ItemsWithoutIDUseHash(t *testing.T) {
	m := NewObjectMatcher([]string{"id"})
	item := canonical.MustFromAny(map[string]any{"label": "x"})
	inv := m.Inventory(canonical.List(item))
	for id := range inv {
		assert.Equal(t, "sha256:"+canonical.HashValue(item)[:16], id)
	}
}

func TestMatch(t *testing.T) {
	before := Inventory{"1": canonical.Int(1), "2": canonical.Int(2), "3": canonical.Int(3)}
	after := Inventory{"2": canonical.Int(2), "3": canonical.Int(4), "4": canonical.Int(4)}

	removed, added, common := Match(before, after)
	assert.Equal(t, []string{"1"}, removed)
	assert.Equal(t, []string{"4"}, added)
	assert.Equal(t, []string{"2", "3"}, common)
}
