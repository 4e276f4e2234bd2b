package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPackageLevel(t *testing.T) {
	tests := []struct {
		pkg  string
		want Level
	}{
		{"cmd/kirjuri/commands", LevelCmd},
		{"internal/app", LevelAssembly},
		{"internal/capture", LevelOrchestration},
		{"internal/storage", LevelPlatform},
		{"pkg/canonical", LevelFoundation},
		{"internal/applied", 0},
		{"tools/archcheck", 0},
	}
	for _, tt := range tests {
		t.Run(tt.pkg, func(t *testing.T) {
			assert.Equal(t, tt.want, getPackageLevel(tt.pkg))
		})
	}
}

func writeGo(t *testing.T, root, rel, src string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	writeGo(t, root, "internal/ledger/store.go", `package ledger

import "github.com/yairfalse/kirjuri/internal/storage"
`)
	writeGo(t, root, "internal/storage/bad.go", `package storage

import "github.com/yairfalse/kirjuri/internal/capture"
`)
	writeGo(t, root, "_examples/other/x.go", `package other

import "github.com/yairfalse/kirjuri/cmd/kirjuri"
`)

	var buf bytes.Buffer
	n, err := run(root, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), "imports internal/capture")
	assert.Contains(t, buf.String(), "PLATFORM (Level 6) -> ORCHESTRATION (Level 3)")
}

func TestRun_Clean(t *testing.T) {
	root := t.TempDir()
	writeGo(t, root, "internal/capture/run.go", `package capture

import (
	"fmt"

	"github.com/yairfalse/kirjuri/pkg/types"
)
`)

	var buf bytes.Buffer
	n, err := run(root, &buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, buf.String(), "No architectural level violations found")
}
