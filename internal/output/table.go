package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/yairfalse/kirjuri/internal/capture"
	"github.com/yairfalse/kirjuri/internal/ledger"
	"github.com/yairfalse/kirjuri/internal/storage"
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

const (
	timeFormat = time.RFC3339
	valueWidth = 40
)

// TableFormatter renders records as aligned text for terminals
type TableFormatter struct {
	noColor bool
}

// NewTableFormatter creates a new table formatter
func NewTableFormatter(noColor bool) *TableFormatter {
	return &TableFormatter{noColor: noColor}
}

func (t *TableFormatter) colorize(text string, attrs ...color.Attribute) string {
	if t.noColor {
		return text
	}
	return color.New(attrs...).Sprint(text)
}

func (t *TableFormatter) statusColor(status string) color.Attribute {
	switch status {
	case string(types.RunSuccess), string(types.SnapshotComplete), string(types.CoverageAvailable):
		return color.FgGreen
	// RunPartial, SnapshotPartial and CoveragePartial share the value "partial"
	case string(types.RunPartial), string(types.RunSkipped):
		return color.FgYellow
	case string(types.RunFailed), string(types.CoverageMissing), "error":
		return color.FgRed
	default:
		return color.FgWhite
	}
}

func (t *TableFormatter) changeColor(c types.ChangeClassification) color.Attribute {
	switch c {
	case types.Added:
		return color.FgGreen
	case types.Removed:
		return color.FgRed
	default:
		return color.FgYellow
	}
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// FormatCaptureResult summarizes one capture invocation
func (t *TableFormatter) FormatCaptureResult(r *capture.Result, w io.Writer) error {
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "Tenant:\t%s\n", r.TenantID)
	fmt.Fprintf(tw, "Kind:\t%s\n", r.SnapshotKind)
	fmt.Fprintf(tw, "Window:\t%s\n", r.IdempotencyKey)
	fmt.Fprintf(tw, "Status:\t%s\n", t.colorize(string(r.Status), t.statusColor(string(r.Status)), color.Bold))
	if r.RunID != "" {
		fmt.Fprintf(tw, "Run:\t%s\n", r.RunID)
	}
	if r.SnapshotID != "" {
		fmt.Fprintf(tw, "Snapshot:\t%s\n", r.SnapshotID)
		fmt.Fprintf(tw, "Hash:\t%s\n", r.CanonicalHash)
	}
	if r.ErrorCode != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", t.colorize(r.ErrorCode, color.FgRed))
		if r.ErrorDetail != "" {
			fmt.Fprintf(tw, "Detail:\t%s\n", r.ErrorDetail)
		}
	}
	if r.NextAttemptAt != nil {
		fmt.Fprintf(tw, "Next attempt:\t%s\n", r.NextAttemptAt.Format(timeFormat))
	}
	fmt.Fprintf(tw, "API calls:\t%d\n", r.APICallsMade)
	fmt.Fprintf(tw, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	if err := tw.Flush(); err != nil {
		return err
	}

	if err := t.writeMissing(w, r.MissingData); err != nil {
		return err
	}
	if r.Retention != nil || r.EventRetention != nil {
		fmt.Fprintf(w, "\nRetention: %d snapshot(s), %d drift event(s) deleted\n",
			deletedCount(r.Retention), deletedCount(r.EventRetention))
	}
	if len(r.DriftEvents) > 0 {
		fmt.Fprintf(w, "\n%s\n", t.colorize(fmt.Sprintf("Drift: %d change(s)", len(r.DriftEvents)), color.FgCyan, color.Bold))
		if err := t.FormatDriftEvents(r.DriftEvents, w); err != nil {
			return err
		}
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "%s %s\n", t.colorize("warning:", color.FgYellow), warning)
	}
	return nil
}

// FormatBatch shows one line per target
func (t *TableFormatter) FormatBatch(results []capture.BatchResult, w io.Writer) error {
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "TENANT\tSCOPE\tSTATUS\tSNAPSHOT\tDRIFT\tERROR\n")
	for _, r := range results {
		status, snapshot, detail := "error", "-", r.Error
		drift := 0
		if r.Result != nil {
			status = string(r.Result.Status)
			if r.Result.SnapshotID != "" {
				snapshot = r.Result.SnapshotID
			}
			if r.Result.ErrorCode != "" {
				detail = r.Result.ErrorCode
			}
			drift = len(r.Result.DriftEvents)
		}
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.TenantID,
			r.CloudScopeID,
			t.colorize(status, t.statusColor(status)),
			snapshot,
			drift,
			truncateString(detail, valueWidth),
		)
	}
	return tw.Flush()
}

func deletedCount(r *ledger.RetentionReport) int {
	if r == nil {
		return 0
	}
	return len(r.Deleted)
}

func (t *TableFormatter) writeMissing(w io.Writer, items []types.MissingDataItem) error {
	if len(items) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\nCoverage:\n")
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "DATASET\tCOVERAGE\tREASON\tRETRIES\tDETAIL\n")
	for _, m := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			m.DatasetName,
			t.colorize(string(m.CoverageStatus), t.statusColor(string(m.CoverageStatus))),
			m.ReasonCode,
			m.RetryCount,
			truncateString(m.ReasonDetail, valueWidth),
		)
	}
	return tw.Flush()
}

// FormatSnapshot shows the snapshot envelope and a count per dataset
func (t *TableFormatter) FormatSnapshot(s *types.Snapshot, w io.Writer) error {
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "Snapshot:\t%s\n", s.SnapshotID)
	fmt.Fprintf(tw, "Tenant:\t%s\n", s.TenantID)
	fmt.Fprintf(tw, "Kind:\t%s\n", s.SnapshotKind)
	fmt.Fprintf(tw, "Run:\t%s\n", s.RunID)
	fmt.Fprintf(tw, "Cloud scope:\t%s\n", s.CloudScopeID)
	fmt.Fprintf(tw, "Captured:\t%s\n", s.CapturedAt.Format(timeFormat))
	fmt.Fprintf(tw, "Status:\t%s\n", t.colorize(string(s.Status), t.statusColor(string(s.Status)), color.Bold))
	fmt.Fprintf(tw, "Hash:\t%s (%s, %s)\n", s.CanonicalHash, s.HashAlgorithm, s.EncodingVersion)
	fmt.Fprintf(tw, "Included:\t%s\n", strings.Join(s.Scope.Included, ", "))
	if len(s.Scope.Excluded) > 0 {
		fmt.Fprintf(tw, "Excluded:\t%s\n", strings.Join(s.Scope.Excluded, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nDatasets:\n")
	tw = newTabWriter(w)
	fmt.Fprintf(tw, "DATASET\tENDPOINT\tOBJECTS\n")
	for _, p := range s.InputProvenance {
		objects := "-"
		if v, ok := s.Payload.Get(p.Dataset); ok {
			objects = fmt.Sprintf("%d", objectCount(v))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Dataset, p.Endpoint, objects)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return t.writeMissing(w, s.MissingData)
}

func objectCount(v canonical.Value) int {
	switch v.Kind() {
	case canonical.KindList, canonical.KindMap:
		return v.Len()
	case canonical.KindNull:
		return 0
	default:
		return 1
	}
}

// FormatSnapshotPage lists one page of snapshots, newest first
func (t *TableFormatter) FormatSnapshotPage(page *ledger.SnapshotPage, w io.Writer) error {
	if len(page.Snapshots) == 0 {
		fmt.Fprintln(w, "No snapshots found.")
		return nil
	}
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "SNAPSHOT\tKIND\tCAPTURED\tSTATUS\tMISSING\tHASH\n")
	for _, s := range page.Snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.SnapshotID,
			s.SnapshotKind,
			s.CapturedAt.Format(timeFormat),
			t.colorize(string(s.Status), t.statusColor(string(s.Status))),
			len(s.Scope.Excluded),
			truncateString(s.CanonicalHash, 19),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nPage %d, %d of %d snapshot(s)", page.Page, len(page.Snapshots), page.Total)
	if page.HasMore {
		fmt.Fprintf(w, ", more with --page %d", page.Page+1)
	}
	fmt.Fprintln(w)
	return nil
}

// FormatRun shows a run record
func (t *TableFormatter) FormatRun(r *types.SnapshotRun, w io.Writer) error {
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "Run:\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Tenant:\t%s\n", r.TenantID)
	fmt.Fprintf(tw, "Cloud scope:\t%s\n", r.CloudScopeID)
	fmt.Fprintf(tw, "Kind:\t%s\n", r.SnapshotKind)
	fmt.Fprintf(tw, "Window:\t%s\n", r.IdempotencyKey)
	fmt.Fprintf(tw, "Scheduled:\t%s\n", r.ScheduledFor.Format(timeFormat))
	fmt.Fprintf(tw, "Started:\t%s\n", r.StartedAt.Format(timeFormat))
	if r.FinishedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s\n", r.FinishedAt.Format(timeFormat))
	}
	fmt.Fprintf(tw, "Status:\t%s\n", t.colorize(string(r.Status), t.statusColor(string(r.Status)), color.Bold))
	if r.ErrorCode != "" {
		fmt.Fprintf(tw, "Error:\t%s %s\n", t.colorize(r.ErrorCode, color.FgRed), r.ErrorDetail)
	}
	fmt.Fprintf(tw, "API calls:\t%d\n", r.APICallsMade)
	if r.ProducedSnapshotID != "" {
		fmt.Fprintf(tw, "Snapshot:\t%s\n", r.ProducedSnapshotID)
		fmt.Fprintf(tw, "Hash:\t%s\n", r.ProducedHash)
	}
	if r.NextAttemptAt != nil {
		fmt.Fprintf(tw, "Next attempt:\t%s\n", r.NextAttemptAt.Format(timeFormat))
	}
	return tw.Flush()
}

// FormatVerify reports a hash check
func (t *TableFormatter) FormatVerify(r *ledger.VerifyResult, w io.Writer) error {
	verdict := t.colorize("valid", color.FgGreen, color.Bold)
	if !r.Valid {
		verdict = t.colorize("HASH MISMATCH", color.FgRed, color.Bold)
	}
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "Snapshot:\t%s\n", r.SnapshotID)
	fmt.Fprintf(tw, "Stored:\t%s\n", r.StoredHash)
	fmt.Fprintf(tw, "Computed:\t%s\n", r.ComputedHash)
	fmt.Fprintf(tw, "Result:\t%s\n", verdict)
	return tw.Flush()
}

// FormatDriftEvents lists drift events in the order given
func (t *TableFormatter) FormatDriftEvents(events []*types.DriftEvent, w io.Writer) error {
	if len(events) == 0 {
		fmt.Fprintln(w, t.colorize("No drift detected.", color.FgGreen))
		return nil
	}
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "DETECTED\tCHANGE\tOBJECT\tFIELD\tBEFORE\tAFTER\tREPEAT\n")
	for _, e := range events {
		field := e.Field
		if field == "" {
			field = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\t%s\t%d\n",
			e.DetectedAt.Format(timeFormat),
			t.colorize(string(e.ChangeClassification), t.changeColor(e.ChangeClassification)),
			e.ObjectType,
			e.ObjectID,
			field,
			truncateString(string(canonical.Canonicalize(e.BeforeState)), valueWidth),
			truncateString(string(canonical.Canonicalize(e.AfterState)), valueWidth),
			e.RepeatCount,
		)
	}
	return tw.Flush()
}

// FormatRetention summarizes what each retention pass deleted
func (t *TableFormatter) FormatRetention(reports []*ledger.RetentionReport, w io.Writer) error {
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "KIND\tRECORDS\tEXAMINED\tDELETED (AGE)\tDELETED (COUNT)\tREMAINING\n")
	for _, r := range reports {
		if r == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			r.Kind,
			recordLabel(r),
			r.Examined,
			r.DeletedBy(ledger.ReasonAge),
			r.DeletedBy(ledger.ReasonCount),
			r.Remaining,
		)
	}
	return tw.Flush()
}

func recordLabel(r *ledger.RetentionReport) string {
	if r.RecordType != "" {
		return string(r.RecordType)
	}
	return string(storage.RecordSnapshot)
}

// FormatPolicy shows a retention policy
func (t *TableFormatter) FormatPolicy(p *types.RetentionPolicy, w io.Writer) error {
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "Tenant:\t%s\n", p.TenantID)
	fmt.Fprintf(tw, "Max age:\t%d day(s)\n", p.MaxAgeDays)
	fmt.Fprintf(tw, "Max records per kind:\t%d\n", p.MaxRecordsPerKind)
	fmt.Fprintf(tw, "Deletion strategy:\t%s\n", p.DeletionStrategy)
	fmt.Fprintf(tw, "Drift max age:\t%d day(s)\n", p.DriftMaxAgeDays)
	if !p.UpdatedAt.IsZero() {
		fmt.Fprintf(tw, "Updated:\t%s\n", p.UpdatedAt.Format(timeFormat))
	}
	return tw.Flush()
}

// SortEvents orders events newest first, then by object
func SortEvents(events []*types.DriftEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].DetectedAt.Equal(events[j].DetectedAt) {
			return events[i].DetectedAt.After(events[j].DetectedAt)
		}
		if events[i].ObjectType != events[j].ObjectType {
			return events[i].ObjectType < events[j].ObjectType
		}
		return events[i].ObjectID < events[j].ObjectID
	})
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
