package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Local contract violations raised by the ledger and the capture pipeline
var (
	ErrTenantMismatch   = errors.New("tenant mismatch")
	ErrAlreadyCompleted = errors.New("run already completed")
	ErrLockDenied       = errors.New("capture lock held by another invocation")
	ErrNotFound         = errors.New("not found")
	ErrInvalidRecord    = errors.New("invalid record")
	ErrAlreadyExists    = errors.New("record already exists")
)

// ErrorCode is the category recorded on a run when a capture fails
type ErrorCode string

const (
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodePermissionRevoked ErrorCode = "PERMISSION_REVOKED"
	CodeAPIError          ErrorCode = "API_ERROR"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodePartialCapture    ErrorCode = "PARTIAL_CAPTURE"
	CodeUnknown           ErrorCode = "UNKNOWN"
)

// IsTransient reports whether the code is retried on the backoff schedule
func (c ErrorCode) IsTransient() bool {
	switch c {
	case CodeRateLimit, CodeAPIError, CodeTimeout:
		return true
	}
	return false
}

func (c ErrorCode) String() string {
	return string(c)
}

// IsTransient reports whether err categorizes to a transient code
func IsTransient(err error) bool {
	return Categorize(err).IsTransient()
}

// SourceError is returned by read-only sources for a failed request
type SourceError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *SourceError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
	}
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NotConfigured reports that the endpoint does not exist for this scope
func (e *SourceError) NotConfigured() bool {
	return e.StatusCode == http.StatusNotFound
}

// Code maps the HTTP status, then the wrapped error, to a category
func (e *SourceError) Code() ErrorCode {
	if code := CodeForStatus(e.StatusCode); code != CodeUnknown {
		return code
	}
	if e.Err != nil {
		return Categorize(e.Err)
	}
	return CodeUnknown
}

// CodeForStatus maps an HTTP status to a category
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodePermissionRevoked
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeAPIError
	}
	return CodeUnknown
}

// CaptureError is a categorized failure of one dataset or a whole capture
type CaptureError struct {
	Code     ErrorCode
	Dataset  string
	Endpoint string
	Detail   string
	Err      error
}

func (e *CaptureError) Error() string {
	msg := string(e.Code)
	if e.Dataset != "" {
		msg += " " + e.Dataset
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError categorizes err for a dataset
func NewCaptureError(dataset, endpoint string, err error) *CaptureError {
	ce := &CaptureError{
		Code:     Categorize(err),
		Dataset:  dataset,
		Endpoint: endpoint,
		Err:      err,
	}
	if err != nil {
		ce.Detail = err.Error()
	}
	return ce
}

// Categorize maps any error to the taxonomy. Typed errors win over
// deadline and network checks.
func Categorize(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeAPIError
	}
	return CodeUnknown
}
