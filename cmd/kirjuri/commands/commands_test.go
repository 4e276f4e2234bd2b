package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/kirjuri/internal/capture"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/ledger"
	"github.com/yairfalse/kirjuri/internal/source"
	"github.com/yairfalse/kirjuri/pkg/types"
)

type cli struct {
	t        *testing.T
	config   string
	fixtures string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	fixtures := filepath.Join(dir, "fixtures")
	require.NoError(t, os.MkdirAll(fixtures, 0o755))

	config := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`
storage:
  backend: file
  file:
    base_dir: `+filepath.Join(dir, "ledger")+`
capture:
  retry_delay: 0s
logging:
  level: error
`), 0o644))

	return &cli{t: t, config: config, fixtures: fixtures}
}

func (c *cli) fixture(endpoint, body string) {
	c.t.Helper()
	require.NoError(c.t, os.WriteFile(filepath.Join(c.fixtures, source.FixtureName(endpoint)+".json"), []byte(body), 0o644))
}

func (c *cli) status(endpoint string, code string) {
	c.t.Helper()
	require.NoError(c.t, os.WriteFile(filepath.Join(c.fixtures, source.FixtureName(endpoint)+".status"), []byte(code), 0o644))
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", c.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) runJSON(v interface{}, args ...string) {
	c.t.Helper()
	out, err := c.run(append(args, "-o", "json")...)
	require.NoError(c.t, err, out)
	require.NoError(c.t, json.Unmarshal([]byte(out), v), out)
}

func (c *cli) capture(tenant, scheduledFor string) *capture.Result {
	c.t.Helper()
	var result capture.Result
	c.runJSON(&result, "capture", "--tenant", tenant, "--cloud-scope", "scope-1",
		"--kind", "daily", "--scheduled-for", scheduledFor, "--fixtures", c.fixtures)
	return &result
}

func TestCLI_CaptureDriftAndBrowse(t *testing.T) {
	c := newCLI(t)
	c.fixture(source.ProjectsDataset.Endpoint, `[{"id":"10000","key":"OPS","name":"Ops"}]`)
	c.fixture(source.FieldsDataset.Endpoint, `[{"id":"summary","name":"Summary"}]`)

	first := c.capture("acme", "2026-10-15T02:00:00Z")
	assert.Equal(t, types.RunSuccess, first.Status)
	require.NotEmpty(t, first.SnapshotID)

	c.fixture(source.ProjectsDataset.Endpoint, `[{"id":"10000","key":"OPS","name":"Operations"}]`)
	second := c.capture("acme", "2026-10-16T02:00:00Z")
	assert.Equal(t, types.RunSuccess, second.Status)
	require.Len(t, second.DriftEvents, 1)
	assert.Equal(t, types.AttributeChanged, second.DriftEvents[0].ChangeClassification)
	assert.Equal(t, "name", second.DriftEvents[0].Field)

	again := c.capture("acme", "2026-10-16T09:00:00Z")
	assert.Equal(t, types.RunSkipped, again.Status)
	assert.Empty(t, again.SnapshotID)

	var page ledger.SnapshotPage
	c.runJSON(&page, "snapshot", "list", "--tenant", "acme", "--kind", "daily")
	require.Len(t, page.Snapshots, 2)
	assert.Equal(t, second.SnapshotID, page.Snapshots[0].SnapshotID)

	out, err := c.run("snapshot", "verify", "--tenant", "acme", first.SnapshotID, second.SnapshotID, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	var events []*types.DriftEvent
	c.runJSON(&events, "events", "list", "--tenant", "acme")
	require.Len(t, events, 1)
	assert.Equal(t, second.SnapshotID, events[0].ToSnapshotID)

	var redetected []*types.DriftEvent
	c.runJSON(&redetected, "drift", "--tenant", "acme", "--kind", "daily")
	require.Len(t, redetected, 1)
	assert.Equal(t, events[0].EventID, redetected[0].EventID)

	var run types.SnapshotRun
	c.runJSON(&run, "run", "show", "--tenant", "acme", second.RunID)
	assert.Equal(t, second.SnapshotID, run.ProducedSnapshotID)
	assert.Equal(t, second.CanonicalHash, run.ProducedHash)

	_, err = c.run("snapshot", "show", "--tenant", "other", first.SnapshotID)
	assert.Error(t, err)
}

func TestCLI_Policy(t *testing.T) {
	c := newCLI(t)

	var defaults types.RetentionPolicy
	c.runJSON(&defaults, "policy", "show", "--tenant", "acme")
	assert.Equal(t, "acme", defaults.TenantID)
	assert.Equal(t, 90, defaults.MaxRecordsPerKind)

	file := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(file, []byte("max_age_days: 30\ndrift_max_age_days: 400\n"), 0o644))

	var stored types.RetentionPolicy
	c.runJSON(&stored, "policy", "set", "--tenant", "acme", "--file", file, "--max-records", "5")
	assert.Equal(t, 30, stored.MaxAgeDays)
	assert.Equal(t, 5, stored.MaxRecordsPerKind)
	assert.Equal(t, 400, stored.DriftMaxAgeDays)

	var shown types.RetentionPolicy
	c.runJSON(&shown, "policy", "show", "--tenant", "acme")
	assert.Equal(t, 5, shown.MaxRecordsPerKind)

	_, err := c.run("policy", "set", "--tenant", "acme", "--max-records", "1")
	require.Error(t, err)
	assert.Equal(t, 65, kirjurierrors.GetExitCode(err))

	var reports []*ledger.RetentionReport
	c.runJSON(&reports, "retention", "enforce", "--tenant", "acme")
	assert.Len(t, reports, 4)
}

func TestCLI_FailedCaptureExitCode(t *testing.T) {
	c := newCLI(t)
	c.status(source.ProjectsDataset.Endpoint, "403")
	c.status(source.FieldsDataset.Endpoint, "403")

	out, err := c.run("capture", "--tenant", "acme", "--cloud-scope", "scope-1", "--fixtures", c.fixtures, "-o", "json")
	require.Error(t, err)
	assert.Equal(t, 77, kirjurierrors.GetExitCode(err))

	var result capture.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, types.RunFailed, result.Status)
	assert.Equal(t, string(kirjurierrors.CodePermissionRevoked), result.ErrorCode)
	assert.Nil(t, result.NextAttemptAt)
}

func TestCLI_Validation(t *testing.T) {
	c := newCLI(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "capture without tenant", args: []string{"capture", "--cloud-scope", "s"}},
		{name: "unknown kind", args: []string{"snapshot", "list", "--tenant", "acme", "--kind", "hourly"}},
		{name: "unknown output", args: []string{"policy", "show", "--tenant", "acme", "-o", "xml"}},
		{name: "bad since", args: []string{"events", "list", "--tenant", "acme", "--since", "yesterday"}},
		{name: "from without to", args: []string{"drift", "--tenant", "acme", "--from", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.run(tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestCLI_Version(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("version", "--short")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestCLI_CaptureBatch(t *testing.T) {
	c := newCLI(t)
	c.fixture(source.ProjectsDataset.Endpoint, `[{"id":"10000"}]`)
	c.fixture(source.FieldsDataset.Endpoint, `[]`)

	targets := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(targets, []byte(`
- tenant_id: acme
  cloud_scope_id: scope-a
- tenant_id: globex
  cloud_scope_id: scope-g
`), 0o644))

	var results []capture.BatchResult
	c.runJSON(&results, "capture", "batch", "--targets", targets, "--workers", "2",
		"--scheduled-for", "2026-10-16T02:00:00Z", "--fixtures", c.fixtures)
	require.Len(t, results, 2)
	assert.Equal(t, "acme", results[0].TenantID)
	assert.Equal(t, "globex", results[1].TenantID)
	for _, r := range results {
		require.NotNil(t, r.Result)
		assert.Equal(t, types.RunSuccess, r.Result.Status)
	}

	require.NoError(t, os.WriteFile(targets, []byte("- tenant_id: acme\n"), 0o644))
	_, err := c.run("capture", "batch", "--targets", targets, "--fixtures", c.fixtures)
	assert.Error(t, err)
}
