package errors

import (
	"errors"
	"fmt"
	"os"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeAuthentication ErrorType = "Authentication"
	ErrorTypeConfiguration  ErrorType = "Configuration"
	ErrorTypeSource         ErrorType = "Source"
	ErrorTypeStorage        ErrorType = "Storage"
	ErrorTypeNetwork        ErrorType = "Network"
	ErrorTypePermission     ErrorType = "Permission"
	ErrorTypeValidation     ErrorType = "Validation"
	ErrorTypeConflict       ErrorType = "Conflict"
)

// Component names the part of the system an error came from
type Component string

const (
	ComponentStorage Component = "Storage"
	ComponentSource  Component = "Source"
	ComponentLedger  Component = "Ledger"
	ComponentCapture Component = "Capture"
	ComponentConfig  Component = "Config"
)

// KirjuriError is a user-facing error with actionable guidance
type KirjuriError struct {
	Type        ErrorType
	Component   Component
	Message     string
	Cause       string
	Solutions   []string
	Verify      string
	Help        string
	Environment string

	err error
}

// Error returns the message and cause on one line. DisplayErrorTo renders
// the full guidance.
func (e *KirjuriError) Error() string {
	if e.Cause == "" {
		return e.Message
	}
	return e.Message + ": " + e.Cause
}

// Unwrap exposes the wrapped error, if any
func (e *KirjuriError) Unwrap() error {
	return e.err
}

// Format prints the type and component with %+v
func (e *KirjuriError) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('+') {
		fmt.Fprintf(f, "[%s/%s] %s", e.Type, e.Component, e.Error())
		return
	}
	fmt.Fprint(f, e.Error())
}

// New creates a new KirjuriError
func New(errType ErrorType, component Component, message string) *KirjuriError {
	return &KirjuriError{
		Type:        errType,
		Component:   component,
		Message:     message,
		Environment: detectEnvironment(),
	}
}

// Wrap keeps err reachable through errors.Is and errors.As and uses its
// text as the cause
func (e *KirjuriError) Wrap(err error) *KirjuriError {
	e.err = err
	if err != nil && e.Cause == "" {
		e.Cause = err.Error()
	}
	return e
}

// WithCause adds cause information
func (e *KirjuriError) WithCause(cause string) *KirjuriError {
	e.Cause = cause
	return e
}

// WithSolutions adds solution steps
func (e *KirjuriError) WithSolutions(solutions ...string) *KirjuriError {
	e.Solutions = append(e.Solutions, solutions...)
	return e
}

// WithVerify adds verification command
func (e *KirjuriError) WithVerify(verify string) *KirjuriError {
	e.Verify = verify
	return e
}

// WithHelp adds help command
func (e *KirjuriError) WithHelp(help string) *KirjuriError {
	e.Help = help
	return e
}

// detectEnvironment names where the CLI is running
func detectEnvironment() string {
	switch {
	case os.Getenv("KUBERNETES_SERVICE_HOST") != "":
		return "Kubernetes job"
	case os.Getenv("INVOCATION_ID") != "":
		return "systemd unit"
	case os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "":
		return "CI pipeline"
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "container"
	}
	return "interactive shell"
}

// GetExitCode returns appropriate exit code for error type
func GetExitCode(err error) int {
	var kErr *KirjuriError
	if !errors.As(err, &kErr) {
		return 1 // Generic error
	}

	switch kErr.Type {
	case ErrorTypeAuthentication:
		return 77 // EX_NOPERM
	case ErrorTypeConfiguration:
		return 78 // EX_CONFIG
	case ErrorTypePermission:
		return 77 // EX_NOPERM
	case ErrorTypeStorage:
		return 74 // EX_IOERR
	case ErrorTypeNetwork, ErrorTypeSource:
		return 69 // EX_UNAVAILABLE
	case ErrorTypeValidation:
		return 65 // EX_DATAERR
	case ErrorTypeConflict:
		return 75 // EX_TEMPFAIL
	default:
		return 1
	}
}
