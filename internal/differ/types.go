package differ

import (
	"context"

	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// Change is one classified difference between two snapshot payloads,
// before it is recorded as a DriftEvent
type Change struct {
	ObjectType     string                     `json:"object_type"`
	ObjectID       string                     `json:"object_id"`
	Field          string                     `json:"field,omitempty"`
	Classification types.ChangeClassification `json:"change_classification"`
	Before         canonical.Value            `json:"before_state"`
	After          canonical.Value            `json:"after_state"`
}

// Key identifies the changed element
func (c Change) Key() string {
	return c.ObjectType + "/" + c.ObjectID + "/" + c.Field
}

// Inventory is the objects of one dataset keyed by object id
type Inventory map[string]canonical.Value

// DiffOptions configures how payloads are compared
type DiffOptions struct {
	// IgnoreFields are object fields never reported, e.g. updated_at
	IgnoreFields []string `json:"ignore_fields,omitempty" mapstructure:"ignore_fields"`
	// IDFields are tried in order to identify list items
	IDFields []string `json:"id_fields,omitempty" mapstructure:"id_fields"`
}

// Publisher receives each newly recorded drift event
type Publisher interface {
	Publish(ctx context.Context, event *types.DriftEvent) error
}

// ObjectMatcher builds dataset inventories from payload values
type ObjectMatcher interface {
	Inventory(dataset canonical.Value) Inventory
}

// Comparer classifies differences between two versions of one object
type Comparer interface {
	CompareObjects(objectType, objectID string, before, after canonical.Value) []Change
}
