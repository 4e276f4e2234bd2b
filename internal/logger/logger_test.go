package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusLogger_Fields(t *testing.T) {
	base, hook := test.NewNullLogger()
	log := FromLogrus(base)

	log.WithField("tenant_id", "t1").WithFields(map[string]interface{}{
		"snapshot_kind": "daily",
		"run_id":        "r1",
	}).Info("capture started")

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, "capture started", entry.Message)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "t1", entry.Data["tenant_id"])
	assert.Equal(t, "daily", entry.Data["snapshot_kind"])
	assert.Equal(t, "r1", entry.Data["run_id"])
}

func TestLogrusLogger_Error(t *testing.T) {
	base, hook := test.NewNullLogger()
	log := FromLogrus(base)

	testErr := errors.New("boom")
	log.Error("query failed", testErr)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, testErr, entry.Data[logrus.ErrorKey])
}

func TestLogrusLogger_ChildDoesNotLeakFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	parent := FromLogrus(base)

	parent.WithField("reason", "age").Info("deleted")
	parent.Info("plain")

	require.Len(t, hook.Entries, 2)
	_, ok := hook.Entries[1].Data["reason"]
	assert.False(t, ok)
}

func TestNewWithOutput(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"json debug", Config{Level: "debug", Format: "json"}, false},
		{"bad level", Config{Level: "loud"}, true},
		{"bad format", Config{Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWithOutput(tt.cfg, &bytes.Buffer{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithOutput(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.WithField("reason", "count").Warn("snapshot deleted")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "snapshot deleted", entry["msg"])
	assert.Equal(t, "count", entry["reason"])
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	log.Info("nothing")
	log.Debug("nothing")
	log.Error("nothing", errors.New("x"))
}
