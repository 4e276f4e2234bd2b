package capture

import (
	"context"
	"sync"
	"time"

	"github.com/yairfalse/kirjuri/pkg/types"
)

// Target is one tenant scope of a batch
type Target struct {
	TenantID     string `json:"tenant_id" yaml:"tenant_id"`
	CloudScopeID string `json:"cloud_scope_id" yaml:"cloud_scope_id"`
}

// BatchResult holds the outcome of one target. Err is set when the
// invocation itself could not run; environmental failures are in Result.
type BatchResult struct {
	Target
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// RunBatch captures kind for every target with at most workers running at
// once. Each target is an independent invocation with its own gate, so a
// target captured elsewhere in the same window is skipped. Results keep
// the order of targets.
func (o *Orchestrator) RunBatch(ctx context.Context, targets []Target, kind types.SnapshotKind, scheduledFor time.Time, workers int) []BatchResult {
	if workers <= 0 {
		workers = 4
	}

	pool := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		pool <- struct{}{}
	}

	results := make([]BatchResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			results[i] = o.runTarget(ctx, pool, target, kind, scheduledFor)
		}(i, target)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) runTarget(ctx context.Context, pool chan struct{}, target Target, kind types.SnapshotKind, scheduledFor time.Time) BatchResult {
	out := BatchResult{Target: target}

	select {
	case <-pool:
	case <-ctx.Done():
		out.Err = ctx.Err()
		out.Error = out.Err.Error()
		return out
	}
	defer func() { pool <- struct{}{} }()

	out.Result, out.Err = o.Run(ctx, target.TenantID, target.CloudScopeID, kind, scheduledFor)
	if out.Err != nil {
		out.Error = out.Err.Error()
		o.logger.WithFields(map[string]interface{}{
			"tenant_id":     target.TenantID,
			"snapshot_kind": string(kind),
		}).Error("capture failed", out.Err)
	}
	return out
}
