package differ

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yairfalse/kirjuri/pkg/canonical"
)

// DefaultIDFields are tried in order to identify a list item
var DefaultIDFields = []string{"id", "key", "name"}

// scalarObjectID names the single object of a dataset whose value is a scalar
const scalarObjectID = "value"

// scalarField names the attribute of an object whose value is a scalar
const scalarField = "value"

// EmptyName stands in for an empty map key wherever it would name a
// dataset, object or field of a drift event
const EmptyName = "(empty)"

// nameFor returns key unchanged unless it is empty. When the container also
// has a real key spelled EmptyName, a #n suffix keeps the two apart.
func nameFor(key string, container canonical.Value) string {
	if key != "" {
		return key
	}
	name := EmptyName
	for n := 2; ; n++ {
		if _, taken := container.Get(name); !taken {
			return name
		}
		name = fmt.Sprintf("%s#%d", EmptyName, n)
	}
}

// DefaultObjectMatcher identifies objects by their id field. Lists are
// keyed by the first id field present, maps by their own keys.
type DefaultObjectMatcher struct {
	idFields []string
}

// NewObjectMatcher creates a matcher; nil idFields selects DefaultIDFields
func NewObjectMatcher(idFields []string) *DefaultObjectMatcher {
	if len(idFields) == 0 {
		idFields = DefaultIDFields
	}
	return &DefaultObjectMatcher{idFields: idFields}
}

// Inventory returns the objects of a dataset value keyed by object id.
// Items without an id are keyed by a prefix of their canonical hash, so a
// change to them reads as one removal and one addition. Repeated ids get a
// #n suffix in list order.
func (m *DefaultObjectMatcher) Inventory(dataset canonical.Value) Inventory {
	inv := make(Inventory)
	switch dataset.Kind() {
	case canonical.KindList:
		seen := make(map[string]int)
		for _, item := range dataset.Items() {
			id := m.objectID(item)
			seen[id]++
			if n := seen[id]; n > 1 {
				id = fmt.Sprintf("%s#%d", id, n)
			}
			inv[id] = item
		}
	case canonical.KindMap:
		for _, f := range dataset.Fields() {
			inv[nameFor(f.Key, dataset)] = f.Value
		}
	default:
		inv[scalarObjectID] = dataset
	}
	return inv
}

func (m *DefaultObjectMatcher) objectID(item canonical.Value) string {
	for _, field := range m.idFields {
		v, ok := item.Get(field)
		if !ok {
			continue
		}
		if id, ok := scalarText(v); ok && id != "" {
			return id
		}
	}
	return "sha256:" + canonical.HashValue(item)[:16]
}

// scalarText renders a scalar the way it appears in canonical form, with
// strings unquoted
func scalarText(v canonical.Value) (string, bool) {
	switch v.Kind() {
	case canonical.KindString:
		s, _ := v.AsString()
		return s, true
	case canonical.KindNumber, canonical.KindBool:
		return strings.TrimSpace(string(canonical.Canonicalize(v))), true
	default:
		return "", false
	}
}

// Match splits two inventories into ids only in before, only in after, and
// in both. Every slice is sorted.
func Match(before, after Inventory) (removed, added, common []string) {
	for id := range before {
		if _, ok := after[id]; ok {
			common = append(common, id)
		} else {
			removed = append(removed, id)
		}
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			added = append(added, id)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(common)
	return removed, added, common
}
