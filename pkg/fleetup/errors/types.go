package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotInstalled indicates a component's binary is absent from the host.
// It is a normal detection result, not a failure.
var ErrNotInstalled = errors.New("component not installed")

// ValidationError indicates an untrusted identifier failed the allow-list.
// It is always raised before any filesystem or state mutation.
type ValidationError struct {
	Field string
	Value string
	Rule  string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s %q: %s", e.Field, e.Value, e.Rule)
	}
	return fmt.Sprintf("validation error %q: %s", e.Value, e.Rule)
}

// LockTimeoutError indicates the session lock was not obtained in time.
type LockTimeoutError struct {
	Path    string
	Holder  int
	Waited  time.Duration
	LastErr error
}

// Error implements the error interface.
func (e *LockTimeoutError) Error() string {
	if e.Holder > 0 {
		return fmt.Sprintf("timed out after %s waiting for lock %s (held by pid %d)", e.Waited, e.Path, e.Holder)
	}
	return fmt.Sprintf("timed out after %s waiting for lock %s", e.Waited, e.Path)
}

// Unwrap returns the last error seen while polling, if any.
func (e *LockTimeoutError) Unwrap() error {
	return e.LastErr
}

// CorruptStateError indicates the on-disk session could not be parsed.
// The file is never repaired; operators must inspect it.
type CorruptStateError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

// Unwrap returns the decode error.
func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

// SecurityError indicates an untrusted path or binary.
type SecurityError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("security check failed for %s: %s", e.Path, e.Reason)
}

// InvalidVersionError indicates a version probe returned unparseable output.
type InvalidVersionError struct {
	Component string
	Output    string
}

// Error implements the error interface.
func (e *InvalidVersionError) Error() string {
	out := e.Output
	if len(out) > 80 {
		out = out[:80] + "..."
	}
	if e.Component != "" {
		return fmt.Sprintf("invalid version output from %s: %q", e.Component, out)
	}
	return fmt.Sprintf("invalid version %q", out)
}

// HealthCheckError indicates post-upgrade verification failed.
type HealthCheckError struct {
	Component string
	Attempts  int
	Err       error
}

// Error implements the error interface.
func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("health check for %s failed after %d attempts: %v", e.Component, e.Attempts, e.Err)
}

// Unwrap returns the last probe error.
func (e *HealthCheckError) Unwrap() error {
	return e.Err
}

// RollbackFailedError indicates a rollback could not restore a healthy
// service. It requires operator intervention.
type RollbackFailedError struct {
	Component string
	Stage     string
	Err       error
}

// Error implements the error interface.
func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback of %s failed during %s: %v", e.Component, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *RollbackFailedError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an external invocation exceeded its bound.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
