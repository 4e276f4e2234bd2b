// Package source reads tenant state from the external system. Every source
// here is read-only by construction: there is no way to issue anything but
// a GET.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// Filters are the query parameters sent with a read
type Filters map[string]string

// Keys returns the filter names sorted
func (f Filters) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReadOnlySource answers read queries against the external system. Errors
// are *errors.SourceError values when the source could classify them.
type ReadOnlySource interface {
	Query(ctx context.Context, endpoint string, filters Filters) (canonical.Value, error)
}

// Factory opens a source for one cloud scope
type Factory func(cloudScopeID string) (ReadOnlySource, error)

// Dataset names one captured collection and where it is read from
type Dataset struct {
	Name     string  `mapstructure:"name" yaml:"name"`
	Endpoint string  `mapstructure:"endpoint" yaml:"endpoint"`
	Filters  Filters `mapstructure:"filters" yaml:"filters,omitempty"`
}

// Plan is the ordered list of datasets one snapshot kind captures
type Plan []Dataset

// Names returns the dataset names in plan order
func (p Plan) Names() []string {
	names := make([]string, len(p))
	for i, d := range p {
		names[i] = d.Name
	}
	return names
}

// Validate checks for unnamed or repeated datasets
func (p Plan) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("dataset plan is empty")
	}
	seen := make(map[string]bool, len(p))
	for _, d := range p {
		if d.Name == "" || d.Endpoint == "" {
			return fmt.Errorf("dataset needs a name and an endpoint: %+v", d)
		}
		if seen[d.Name] {
			return fmt.Errorf("dataset %q is listed twice", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Default datasets
var (
	ProjectsDataset = Dataset{
		Name:     "projects",
		Endpoint: "/rest/api/3/project/search",
		Filters:  Filters{"expand": "description,lead"},
	}
	FieldsDataset = Dataset{
		Name:     "fields",
		Endpoint: "/rest/api/3/field",
	}
	WorkflowsDataset = Dataset{
		Name:     "workflows",
		Endpoint: "/rest/api/3/workflow/search",
		Filters:  Filters{"expand": "statuses,transitions"},
	}
	AutomationRulesDataset = Dataset{
		Name:     "automation_rules",
		Endpoint: "/rest/automation/1.0/rules",
	}
)

// DefaultPlans returns the built-in plan per kind: daily is lightweight,
// weekly reads every dataset
func DefaultPlans() map[types.SnapshotKind]Plan {
	return map[types.SnapshotKind]Plan{
		types.KindDaily:  {ProjectsDataset, FieldsDataset},
		types.KindWeekly: {ProjectsDataset, FieldsDataset, WorkflowsDataset, AutomationRulesDataset},
	}
}

// CallCounter counts requests made on behalf of one capture
type CallCounter struct {
	n int64
}

// Add records n requests
func (c *CallCounter) Add(n int64) {
	if c != nil {
		atomic.AddInt64(&c.n, n)
	}
}

// Count returns the requests recorded so far
func (c *CallCounter) Count() int {
	if c == nil {
		return 0
	}
	return int(atomic.LoadInt64(&c.n))
}

type callCounterKey struct{}

// WithCallCounter returns a context whose source requests are counted
func WithCallCounter(ctx context.Context) (context.Context, *CallCounter) {
	c := &CallCounter{}
	return context.WithValue(ctx, callCounterKey{}, c), c
}

// CountCall records one request against the counter in ctx, if any.
// Sources call it once per request they send.
func CountCall(ctx context.Context) {
	if c, ok := ctx.Value(callCounterKey{}).(*CallCounter); ok {
		c.Add(1)
	}
}
