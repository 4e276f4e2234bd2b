package differ

import (
	"sort"

	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// fieldDelta is one field whose value differs between two object versions
type fieldDelta struct {
	field  string
	before canonical.Value
	after  canonical.Value
}

// classifyObject decides how a changed object is reported. A scalar object
// changes its one attribute, named scalarField. Maps with the same field set
// whose differing fields are scalars on both sides change attribute by
// attribute. Anything else is one structural "modified" change.
func classifyObject(before, after canonical.Value, ignore map[string]bool) (types.ChangeClassification, []fieldDelta) {
	if before.Kind().IsScalar() && after.Kind().IsScalar() {
		return types.AttributeChanged, []fieldDelta{{field: scalarField, before: before, after: after}}
	}
	if before.Kind() != canonical.KindMap || after.Kind() != canonical.KindMap {
		return types.Modified, nil
	}
	if !sameFieldSet(before, after, ignore) {
		return types.Modified, nil
	}

	var deltas []fieldDelta
	for _, key := range before.Keys() {
		if ignore[key] {
			continue
		}
		b, _ := before.Get(key)
		a, _ := after.Get(key)
		if b.Equal(a) {
			continue
		}
		if !b.Kind().IsScalar() || !a.Kind().IsScalar() {
			return types.Modified, nil
		}
		deltas = append(deltas, fieldDelta{field: nameFor(key, before), before: b, after: a})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].field < deltas[j].field })
	return types.AttributeChanged, deltas
}

func sameFieldSet(before, after canonical.Value, ignore map[string]bool) bool {
	count := 0
	for _, key := range before.Keys() {
		if ignore[key] {
			continue
		}
		if _, ok := after.Get(key); !ok {
			return false
		}
		count++
	}
	for _, key := range after.Keys() {
		if !ignore[key] {
			count--
		}
	}
	return count == 0
}

// withoutIgnored strips ignored top-level fields so they never affect the
// sub-tree hash
func withoutIgnored(v canonical.Value, ignore map[string]bool) canonical.Value {
	if v.Kind() != canonical.KindMap || len(ignore) == 0 {
		return v
	}
	for key := range ignore {
		v = v.Without(key)
	}
	return v
}
