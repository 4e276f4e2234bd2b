package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"unauthorized", &SourceError{Endpoint: "/projects", StatusCode: http.StatusUnauthorized}, CodePermissionRevoked},
		{"forbidden", &SourceError{Endpoint: "/projects", StatusCode: http.StatusForbidden}, CodePermissionRevoked},
		{"rate limited", &SourceError{Endpoint: "/projects", StatusCode: http.StatusTooManyRequests}, CodeRateLimit},
		{"server error", &SourceError{Endpoint: "/projects", StatusCode: http.StatusBadGateway}, CodeAPIError},
		{"gateway timeout", &SourceError{Endpoint: "/projects", StatusCode: http.StatusGatewayTimeout}, CodeTimeout},
		{"bad request", &SourceError{Endpoint: "/projects", StatusCode: http.StatusBadRequest}, CodeUnknown},
		{"wrapped deadline in source", &SourceError{Endpoint: "/projects", Err: context.DeadlineExceeded}, CodeTimeout},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), CodeTimeout},
		{"net timeout", timeoutErr{}, CodeTimeout},
		{"dial failure", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, CodeAPIError},
		{"capture error", &CaptureError{Code: CodePartialCapture}, CodePartialCapture},
		{"unknown", errors.New("weird"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, CodeRateLimit.IsTransient())
	assert.True(t, CodeAPIError.IsTransient())
	assert.True(t, CodeTimeout.IsTransient())
	assert.False(t, CodePermissionRevoked.IsTransient())
	assert.False(t, CodePartialCapture.IsTransient())
	assert.False(t, CodeUnknown.IsTransient())

	assert.True(t, IsTransient(&SourceError{StatusCode: 503}))
	assert.False(t, IsTransient(&SourceError{StatusCode: 403}))
}

func TestSourceError(t *testing.T) {
	err := &SourceError{Endpoint: "/workflows", StatusCode: 404, Message: "no such board"}
	assert.True(t, err.NotConfigured())
	assert.Equal(t, "/workflows: HTTP 404: no such board", err.Error())
}

func TestNewCaptureError(t *testing.T) {
	cause := &SourceError{Endpoint: "/fields", StatusCode: 429}
	ce := NewCaptureError("fields", "/fields", fmt.Errorf("attempt 1: %w", cause))

	assert.Equal(t, CodeRateLimit, ce.Code)
	assert.Equal(t, "fields", ce.Dataset)
	assert.ErrorIs(t, ce, cause)
	assert.Contains(t, ce.Error(), "RATE_LIMIT fields")
}
