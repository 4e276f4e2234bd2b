package differ

import (
	"sort"

	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// Scalar top-level payload entries are reported as fields of one root object
const (
	RootObjectType = "payload"
	RootObjectID   = "root"
)

// DefaultComparer compares payloads dataset by dataset
type DefaultComparer struct {
	matcher ObjectMatcher
	ignore  map[string]bool
}

// NewComparer creates a comparer from options
func NewComparer(opts DiffOptions) *DefaultComparer {
	ignore := make(map[string]bool, len(opts.IgnoreFields))
	for _, f := range opts.IgnoreFields {
		ignore[f] = true
	}
	return &DefaultComparer{
		matcher: NewObjectMatcher(opts.IDFields),
		ignore:  ignore,
	}
}

// Compare classifies every difference between two snapshots. Only datasets
// fully captured in both snapshots are compared, so a dataset missing from
// a partial capture never reads as removed objects. The result is ordered
// by object type, object id, then field.
func (c *DefaultComparer) Compare(from, to *types.Snapshot) []Change {
	comparable := make(map[string]bool)
	for _, name := range from.ComparableDatasets() {
		comparable[name] = true
	}

	var changes []Change
	for _, dataset := range to.ComparableDatasets() {
		if !comparable[dataset] {
			continue
		}
		before, _ := from.Payload.Get(dataset)
		after, _ := to.Payload.Get(dataset)
		name := nameFor(dataset, to.Payload)
		if before.Kind().IsScalar() && after.Kind().IsScalar() {
			if !before.Equal(after) {
				changes = append(changes, Change{
					ObjectType:     RootObjectType,
					ObjectID:       RootObjectID,
					Field:          name,
					Classification: types.AttributeChanged,
					Before:         before,
					After:          after,
				})
			}
			continue
		}
		changes = append(changes, c.CompareDataset(name, before, after)...)
	}
	SortChanges(changes)
	return changes
}

// CompareDataset compares two versions of one dataset
func (c *DefaultComparer) CompareDataset(objectType string, before, after canonical.Value) []Change {
	if canonical.HashValue(before) == canonical.HashValue(after) {
		return nil
	}
	beforeInv := c.matcher.Inventory(before)
	afterInv := c.matcher.Inventory(after)
	removed, added, common := Match(beforeInv, afterInv)

	var changes []Change
	for _, id := range removed {
		changes = append(changes, Change{
			ObjectType:     objectType,
			ObjectID:       id,
			Classification: types.Removed,
			Before:         beforeInv[id],
			After:          canonical.Null(),
		})
	}
	for _, id := range added {
		changes = append(changes, Change{
			ObjectType:     objectType,
			ObjectID:       id,
			Classification: types.Added,
			Before:         canonical.Null(),
			After:          afterInv[id],
		})
	}
	for _, id := range common {
		changes = append(changes, c.CompareObjects(objectType, id, beforeInv[id], afterInv[id])...)
	}
	return changes
}

// CompareObjects compares one object present in both snapshots. Equal
// sub-tree hashes mean no change.
func (c *DefaultComparer) CompareObjects(objectType, objectID string, before, after canonical.Value) []Change {
	before = withoutIgnored(before, c.ignore)
	after = withoutIgnored(after, c.ignore)
	if canonical.HashValue(before) == canonical.HashValue(after) {
		return nil
	}

	classification, deltas := classifyObject(before, after, c.ignore)
	if classification == types.Modified {
		return []Change{{
			ObjectType:     objectType,
			ObjectID:       objectID,
			Classification: types.Modified,
			Before:         before,
			After:          after,
		}}
	}

	changes := make([]Change, 0, len(deltas))
	for _, d := range deltas {
		changes = append(changes, Change{
			ObjectType:     objectType,
			ObjectID:       objectID,
			Field:          d.field,
			Classification: types.AttributeChanged,
			Before:         d.before,
			After:          d.after,
		})
	}
	return changes
}

// SortChanges orders changes by object type, object id, then field
func SortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.ObjectType != b.ObjectType {
			return a.ObjectType < b.ObjectType
		}
		if a.ObjectID != b.ObjectID {
			return a.ObjectID < b.ObjectID
		}
		return a.Field < b.Field
	})
}
