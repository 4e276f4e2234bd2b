package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/pkg/types"
)

func TestFixtureSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rest_api_3_field.json"), []byte(`[{"id":"f1"}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rest_api_3_workflow_search.status"), []byte("403\n"), 0o644))

	src, err := NewFixtureSource(dir)
	require.NoError(t, err)
	ctx, counter := WithCallCounter(context.Background())

	v, err := src.Query(ctx, "/rest/api/3/field", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Len())

	_, err = src.Query(ctx, "/rest/api/3/workflow/search", nil)
	assert.Equal(t, kirjurierrors.CodePermissionRevoked, kirjurierrors.Categorize(err))

	_, err = src.Query(ctx, "/rest/automation/1.0/rules", nil)
	var se *kirjurierrors.SourceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.NotConfigured())

	assert.Equal(t, 3, counter.Count())

	_, err = NewFixtureSource(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestFixtureName(t *testing.T) {
	assert.Equal(t, "rest_api_3_project_search", FixtureName("/rest/api/3/project/search"))
	assert.Equal(t, "_etc_passwd", FixtureName("/../etc/passwd"))
}

func TestDefaultPlans(t *testing.T) {
	plans := DefaultPlans()
	require.NoError(t, plans[types.KindDaily].Validate())
	require.NoError(t, plans[types.KindWeekly].Validate())
	assert.Equal(t, []string{"projects", "fields"}, plans[types.KindDaily].Names())
	assert.Equal(t, []string{"projects", "fields", "workflows", "automation_rules"}, plans[types.KindWeekly].Names())

	dup := Plan{FieldsDataset, FieldsDataset}
	assert.Error(t, dup.Validate())
	assert.Error(t, Plan{}.Validate())
}
