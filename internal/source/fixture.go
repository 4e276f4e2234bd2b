package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/pkg/canonical"
)

// FixtureSource answers queries from JSON files in a directory. The
// endpoint /rest/api/3/field is read from rest_api_3_field.json. A file
// rest_api_3_field.status holding an HTTP status code makes the query fail
// with that status instead; a missing file reads as 404.
type FixtureSource struct {
	dir string
}

// NewFixtureSource opens a fixture directory
func NewFixtureSource(dir string) (*FixtureSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("fixture directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fixture path %s is not a directory", dir)
	}
	return &FixtureSource{dir: dir}, nil
}

// FixtureName returns the file base name used for an endpoint
func FixtureName(endpoint string) string {
	name := strings.Trim(endpoint, "/")
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
}

// Query reads the endpoint's fixture. Filters are ignored.
func (f *FixtureSource) Query(ctx context.Context, endpoint string, _ Filters) (canonical.Value, error) {
	if err := ctx.Err(); err != nil {
		return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, Err: err}
	}
	CountCall(ctx)

	base := filepath.Join(f.dir, FixtureName(endpoint))
	if status, err := os.ReadFile(base + ".status"); err == nil {
		code, err := strconv.Atoi(strings.TrimSpace(string(status)))
		if err != nil {
			return canonical.Value{}, fmt.Errorf("fixture %s.status: %w", base, err)
		}
		return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, StatusCode: code, Message: http.StatusText(code)}
	}

	data, err := os.ReadFile(base + ".json")
	if errors.Is(err, os.ErrNotExist) {
		return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, StatusCode: http.StatusNotFound, Message: "no fixture"}
	}
	if err != nil {
		return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, Err: err}
	}
	v, err := canonical.Parse(data)
	if err != nil {
		return canonical.Value{}, fmt.Errorf("fixture %s.json: %w", base, err)
	}
	return v, nil
}
