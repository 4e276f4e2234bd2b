package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/kirjuri/internal/differ"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/gate"
	"github.com/yairfalse/kirjuri/internal/ledger"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/internal/source"
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// invocation carries the state of a single Run call
type invocation struct {
	o       *Orchestrator
	req     Request
	plan    source.Plan
	store   *ledger.Store
	events  *ledger.EventStore
	gate    gate.IdempotencyGate
	log     logger.Logger
	state   State
	result  *Result
	started time.Time
}

type datasetResult struct {
	dataset source.Dataset
	value   canonical.Value
	err     *kirjurierrors.CaptureError
	retries int
}

func (inv *invocation) enter(next State) {
	if !CanTransition(inv.state, next) {
		inv.log.WithFields(map[string]interface{}{
			"state": inv.state,
			"next":  next,
		}).Warn("unexpected capture state transition")
	}
	inv.state = next
	inv.result.State = next
	inv.log.WithField("state", next).Debug("capture state")
}

func (inv *invocation) stateLog() logger.Logger {
	return inv.log.WithField("state", inv.state)
}

func (inv *invocation) execute(ctx context.Context) (*Result, error) {
	kind := inv.req.Kind
	key := kind.WindowLabel(inv.req.ScheduledFor)
	inv.result.IdempotencyKey = key

	inv.enter(StateLockAcquiring)
	acquired, err := inv.gate.Acquire(ctx, key, inv.o.lockTTL(kind, inv.req.ScheduledFor, inv.o.now()))
	if err != nil {
		inv.enter(StateFailed)
		inv.result.Status = types.RunFailed
		inv.result.ErrorCode = string(kirjurierrors.Categorize(err))
		inv.result.ErrorDetail = err.Error()
		inv.stateLog().Error("failed to acquire idempotency gate", err)
		return inv.result, fmt.Errorf("idempotency gate: %w", err)
	}
	if !acquired {
		inv.enter(StateLockDenied)
		inv.result.Status = types.RunSkipped
		inv.o.metrics.GateDenied(string(kind))
		inv.stateLog().WithField("idempotency_key", key).Info("capture window already taken, skipping")
		return inv.result, nil
	}

	keepHold := false
	defer func() {
		if keepHold {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := inv.gate.Release(rctx, key); err != nil {
			inv.stateLog().Error("failed to release idempotency gate", err)
		}
	}()

	// a lapsed gate hold does not reopen a window that has its snapshot
	claim, err := inv.store.GetWindowClaim(ctx, key)
	switch {
	case err == nil:
		inv.enter(StateLockDenied)
		inv.result.Status = types.RunSkipped
		inv.o.metrics.GateDenied(string(kind))
		inv.stateLog().WithFields(map[string]interface{}{
			"idempotency_key": key,
			"snapshot_id":     claim.SnapshotID,
		}).Info("capture window already has a snapshot, skipping")
		return inv.result, nil
	case !errors.Is(err, kirjurierrors.ErrNotFound):
		return inv.abort(err)
	}

	runID, err := inv.o.newID()
	if err != nil {
		return inv.abort(err)
	}
	run := &types.SnapshotRun{
		RunID:          runID,
		TenantID:       inv.req.TenantID,
		CloudScopeID:   inv.req.CloudScopeID,
		SnapshotKind:   kind,
		ScheduledFor:   inv.req.ScheduledFor,
		WindowStart:    kind.WindowStart(inv.req.ScheduledFor),
		IdempotencyKey: key,
		StartedAt:      inv.started.UTC(),
	}
	if _, err := inv.store.CreateRun(ctx, run); err != nil {
		return inv.abort(err)
	}
	inv.result.RunID = runID
	inv.log = inv.log.WithField("run_id", runID)

	inv.enter(StateQuerying)
	results, failure := inv.query(ctx)
	if failure != nil {
		return inv.fail(ctx, failure)
	}

	inv.enter(StateCanonicalizing)
	snap, failure := inv.build(results)
	if failure != nil {
		return inv.fail(ctx, failure)
	}

	inv.enter(StatePersisting)
	claimed, err := inv.store.ClaimWindow(ctx, ledger.WindowClaim{
		TenantID:       inv.req.TenantID,
		IdempotencyKey: key,
		RunID:          runID,
		SnapshotID:     snap.SnapshotID,
		ClaimedAt:      inv.o.now().UTC(),
	})
	if err != nil {
		result, _ := inv.fail(ctx, kirjurierrors.NewCaptureError("", "", err))
		return result, fmt.Errorf("claim window: %w", err)
	}
	if !claimed {
		return inv.fail(ctx, kirjurierrors.NewCaptureError("", "",
			fmt.Errorf("%w: window %s was captured by another run", kirjurierrors.ErrLockDenied, key)))
	}
	if _, err := inv.store.CreateSnapshot(ctx, snap); err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if rerr := inv.store.ReleaseWindow(rctx, key, runID); rerr != nil {
			inv.stateLog().Error("failed to release window claim", rerr)
		}
		cancel()
		result, _ := inv.fail(ctx, kirjurierrors.NewCaptureError("", "", err))
		return result, fmt.Errorf("persist snapshot: %w", err)
	}
	// the window now has its snapshot; a retry must not write a second one
	keepHold = true

	outcome := types.RunOutcome{
		TenantID:           inv.req.TenantID,
		FinishedAt:         inv.o.now().UTC(),
		Status:             types.RunSuccess,
		APICallsMade:       inv.result.APICallsMade,
		ProducedSnapshotID: snap.SnapshotID,
		ProducedHash:       snap.CanonicalHash,
	}
	if snap.Status == types.SnapshotPartial {
		outcome.Status = types.RunPartial
		outcome.ErrorCode = string(kirjurierrors.CodePartialCapture)
		outcome.ErrorDetail = "missing datasets: " + missingNames(snap.MissingData)
	}
	if err := inv.store.CompleteRun(ctx, runID, outcome); err != nil {
		inv.stateLog().Error("snapshot written but run outcome was not recorded", err)
		inv.result.Warnings = append(inv.result.Warnings, "run outcome not recorded: "+err.Error())
	}
	inv.result.Status = outcome.Status
	inv.result.SnapshotID = snap.SnapshotID
	inv.result.CanonicalHash = snap.CanonicalHash
	inv.result.ErrorCode = outcome.ErrorCode
	inv.result.ErrorDetail = outcome.ErrorDetail
	inv.result.MissingData = snap.MissingData

	inv.stateLog().WithFields(map[string]interface{}{
		"snapshot_id":    snap.SnapshotID,
		"canonical_hash": snap.CanonicalHash,
		"status":         snap.Status,
		"api_calls":      inv.result.APICallsMade,
	}).Info("snapshot persisted")

	inv.enter(StateRetentionTrimming)
	inv.trim(ctx)
	if inv.o.cfg.DetectDrift {
		inv.detect(ctx)
	}

	inv.enter(StateDone)
	inv.stateLog().WithField("status", inv.result.Status).Info("capture completed")
	return inv.result, nil
}

// query reads the plan's datasets in order. A failure is returned only when
// the whole attempt is lost: the budget ran out or the caller cancelled.
func (inv *invocation) query(ctx context.Context) ([]datasetResult, *kirjurierrors.CaptureError) {
	budget := inv.o.budget(inv.req.Kind)
	qctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	qctx, counter := source.WithCallCounter(qctx)

	src, err := inv.o.sources(inv.req.CloudScopeID)
	if err != nil {
		return nil, kirjurierrors.NewCaptureError("", "", err)
	}

	results := make([]datasetResult, 0, len(inv.plan))
	for _, ds := range inv.plan {
		results = append(results, inv.queryDataset(qctx, src, ds))
		if qctx.Err() != nil {
			break
		}
	}
	inv.result.APICallsMade = counter.Count()

	if ctx.Err() != nil {
		return nil, kirjurierrors.NewCaptureError("", "", ctx.Err())
	}
	if errors.Is(qctx.Err(), context.DeadlineExceeded) {
		return nil, &kirjurierrors.CaptureError{
			Code:   kirjurierrors.CodeTimeout,
			Detail: fmt.Sprintf("capture budget of %s exceeded", budget),
			Err:    context.DeadlineExceeded,
		}
	}
	return results, nil
}

func (inv *invocation) queryDataset(ctx context.Context, src source.ReadOnlySource, ds source.Dataset) datasetResult {
	log := inv.stateLog().WithField("dataset", ds.Name)
	for attempt := 0; ; attempt++ {
		v, err := src.Query(ctx, ds.Endpoint, ds.Filters)
		if err == nil {
			log.WithField("retries", attempt).Debug("dataset captured")
			return datasetResult{dataset: ds, value: v, retries: attempt}
		}

		ce := kirjurierrors.NewCaptureError(ds.Name, ds.Endpoint, err)
		if !ce.Code.IsTransient() || attempt >= inv.o.cfg.DatasetRetries || ctx.Err() != nil {
			log.WithFields(map[string]interface{}{
				"error_code": ce.Code,
				"retries":    attempt,
			}).Warn("dataset not captured: " + ce.Detail)
			return datasetResult{dataset: ds, err: ce, retries: attempt}
		}

		log.WithField("error_code", ce.Code).Debug("retrying dataset")
		if err := inv.o.sleep(ctx, inv.o.cfg.RetryDelay*time.Duration(attempt+1)); err != nil {
			return datasetResult{dataset: ds, err: ce, retries: attempt}
		}
	}
}

// build assembles and hashes the payload. Every dataset of the plan ends up
// either in the payload or in the missing-data list.
func (inv *invocation) build(results []datasetResult) (*types.Snapshot, *kirjurierrors.CaptureError) {
	var (
		fields     []canonical.Field
		missing    []types.MissingDataItem
		provenance []types.ProvenanceEntry
		scope      types.Scope
		firstErr   *kirjurierrors.CaptureError
	)
	for _, r := range results {
		entry := types.ProvenanceEntry{Dataset: r.dataset.Name, Endpoint: r.dataset.Endpoint}
		if len(r.dataset.Filters) > 0 {
			entry.Filters = make(map[string]string, len(r.dataset.Filters))
			for k, v := range r.dataset.Filters {
				entry.Filters[k] = v
			}
		}
		provenance = append(provenance, entry)

		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			reason := ReasonFor(r.err)
			missing = append(missing, types.MissingDataItem{
				DatasetName:    r.dataset.Name,
				CoverageStatus: types.CoverageMissing,
				ReasonCode:     reason,
				ReasonDetail:   r.err.Detail,
				RetryCount:     r.retries,
			})
			scope.Excluded = append(scope.Excluded, r.dataset.Name)
			inv.o.metrics.MissingDataset(string(inv.req.Kind), r.dataset.Name, string(reason))
			continue
		}

		fields = append(fields, canonical.F(r.dataset.Name, r.value))
		scope.Included = append(scope.Included, r.dataset.Name)
		if isEmptyDataset(r.value) {
			missing = append(missing, types.MissingDataItem{
				DatasetName:    r.dataset.Name,
				CoverageStatus: types.CoverageAvailable,
				ReasonCode:     types.ReasonEmpty,
				RetryCount:     r.retries,
			})
		}
	}

	if len(fields) == 0 {
		failure := &kirjurierrors.CaptureError{Code: kirjurierrors.CodeUnknown, Detail: "no dataset could be captured"}
		if firstErr != nil {
			failure = &kirjurierrors.CaptureError{
				Code:     firstErr.Code,
				Dataset:  firstErr.Dataset,
				Endpoint: firstErr.Endpoint,
				Detail:   "no dataset could be captured: " + missingNames(missing),
				Err:      firstErr,
			}
		}
		inv.result.MissingData = missing
		return nil, failure
	}

	snapshotID, err := inv.o.newID()
	if err != nil {
		return nil, kirjurierrors.NewCaptureError("", "", err)
	}
	payload := canonical.Map(fields...)
	status := types.SnapshotComplete
	for _, m := range missing {
		if m.CoverageStatus != types.CoverageAvailable {
			status = types.SnapshotPartial
			break
		}
	}
	if scope.Excluded == nil {
		scope.Excluded = []string{}
	}
	if missing == nil {
		missing = []types.MissingDataItem{}
	}

	return &types.Snapshot{
		SnapshotID:      snapshotID,
		TenantID:        inv.req.TenantID,
		SnapshotKind:    inv.req.Kind,
		RunID:           inv.result.RunID,
		CloudScopeID:    inv.req.CloudScopeID,
		CapturedAt:      inv.o.now().UTC(),
		Status:          status,
		CanonicalHash:   canonical.HashValue(payload),
		HashAlgorithm:   canonical.HashAlgorithm,
		EncodingVersion: canonical.EncodingVersion,
		Scope:           scope,
		InputProvenance: provenance,
		MissingData:     missing,
		Payload:         payload,
	}, nil
}

// fail records a failed outcome and hands the window back to the gate
func (inv *invocation) fail(ctx context.Context, failure *kirjurierrors.CaptureError) (*Result, error) {
	inv.enter(StateFailed)
	finished := inv.o.now().UTC()
	next := nextAttemptFor(failure.Code, inv.req.Attempt, finished)

	inv.result.Status = types.RunFailed
	inv.result.ErrorCode = string(failure.Code)
	inv.result.ErrorDetail = failure.Error()
	inv.result.NextAttemptAt = next

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	outcome := types.RunOutcome{
		TenantID:      inv.req.TenantID,
		FinishedAt:    finished,
		Status:        types.RunFailed,
		ErrorCode:     string(failure.Code),
		ErrorDetail:   failure.Error(),
		APICallsMade:  inv.result.APICallsMade,
		NextAttemptAt: next,
	}
	if err := inv.store.CompleteRun(wctx, inv.result.RunID, outcome); err != nil {
		inv.stateLog().Error("failed to record run outcome", err)
		return inv.result, err
	}

	fields := map[string]interface{}{"error_code": failure.Code}
	if next != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339)
	}
	inv.stateLog().WithFields(fields).Error("capture failed", failure)
	return inv.result, nil
}

// abort ends an invocation that could not record a run
func (inv *invocation) abort(err error) (*Result, error) {
	inv.enter(StateFailed)
	inv.result.Status = types.RunFailed
	inv.result.ErrorCode = string(kirjurierrors.Categorize(err))
	inv.result.ErrorDetail = err.Error()
	inv.stateLog().Error("capture aborted", err)
	return inv.result, err
}

// trim applies the tenant's current retention policy. Failures are logged
// and reported; the snapshot is already safe.
func (inv *invocation) trim(ctx context.Context) {
	kind := string(inv.req.Kind)
	policy, err := inv.store.ResolveRetentionPolicy(ctx, inv.o.cfg.Retention)
	if err != nil {
		inv.warn("retention policy unavailable", err)
		return
	}

	retention := ledger.NewRetention(inv.store, inv.events, inv.log)
	retention.SetClock(inv.o.now)

	report, err := retention.Enforce(ctx, inv.req.Kind, *policy)
	if report != nil {
		inv.result.Retention = report
		inv.o.metrics.RetentionDeleted(string(report.RecordType), kind, string(ledger.ReasonAge), report.DeletedBy(ledger.ReasonAge))
		inv.o.metrics.RetentionDeleted(string(report.RecordType), kind, string(ledger.ReasonCount), report.DeletedBy(ledger.ReasonCount))
	}
	if err != nil {
		inv.warn("snapshot retention failed", err)
		return
	}

	eventReport, err := retention.EnforceEvents(ctx, inv.req.Kind, *policy)
	if eventReport != nil {
		inv.result.EventRetention = eventReport
		inv.o.metrics.RetentionDeleted(string(eventReport.RecordType), kind, string(ledger.ReasonAge), eventReport.DeletedBy(ledger.ReasonAge))
	}
	if err != nil {
		inv.warn("drift event retention failed", err)
	}
}

func (inv *invocation) detect(ctx context.Context) {
	opts := []differ.DetectorOption{
		differ.WithMetrics(inv.o.metrics),
		differ.WithDiffOptions(inv.o.cfg.Diff),
	}
	if inv.o.publisher != nil {
		opts = append(opts, differ.WithPublisher(inv.o.publisher))
	}
	detector, err := differ.NewDetector(inv.store, inv.events, inv.log, opts...)
	if err != nil {
		inv.warn("drift detector unavailable", err)
		return
	}
	events, err := detector.Detect(ctx, inv.req.TenantID, inv.req.Kind)
	if err != nil {
		inv.warn("drift detection failed", err)
		return
	}
	inv.result.DriftEvents = events
}

func (inv *invocation) warn(msg string, err error) {
	inv.stateLog().Error(msg, err)
	inv.result.Warnings = append(inv.result.Warnings, msg+": "+err.Error())
}
