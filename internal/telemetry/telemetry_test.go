package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "kirjuri", "dev", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestExporterOptions(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantLen  int
		wantErr  bool
	}{
		{"https url", "https://otel.example.com", 1, false},
		{"http url with path", "http://localhost:4318/custom/v1/traces", 3, false},
		{"bare host", "localhost:4318", 2, false},
		{"scheme without host", "http://", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := exporterOptions(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, opts, tt.wantLen)
		})
	}
}
