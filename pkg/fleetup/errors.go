package fleetup

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// Sentinel errors for orchestrator operations.
var (
	// ErrSessionInProgress indicates run was called while a session is
	// still in progress. Use Resume instead.
	ErrSessionInProgress = state.ErrSessionInProgress

	// ErrNothingToResume indicates Resume found no in-progress session.
	ErrNothingToResume = errors.New("no upgrade session to resume")

	// ErrNothingToRollback indicates RollbackLast found no completed
	// component with a rollback available.
	ErrNothingToRollback = errors.New("no completed component with a rollback available")

	// ErrUnknownPhase indicates Run was asked for a phase the plan does
	// not declare.
	ErrUnknownPhase = errors.New("unknown phase")

	// ErrInvalidMode indicates an unsupported mode.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrLockLost indicates the session lock was taken away mid-run.
	ErrLockLost = errors.New("session lock lost")
)

// ComponentError wraps an error with component context.
type ComponentError struct {
	// Component is the component being processed.
	Component string
	// Op is the operation that failed ("upgrade", "recover", "rollback").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ComponentError) Error() string {
	return fmt.Sprintf("component %s: %s: %v", e.Component, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ComponentError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised while processing a component.
// It includes the stack trace for debugging.
type PanicError struct {
	// Component is the component whose procedure panicked.
	Component string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("component %s panicked: %v", e.Component, e.Value)
}

// CancellationError reports a run stopped between components. The
// session stays in progress and can be resumed.
type CancellationError struct {
	// UpgradeID is the session that was interrupted.
	UpgradeID string
	// Next is the first component that was not started, if known.
	Next string
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.Next == "" {
		return fmt.Sprintf("upgrade %s cancelled: %v", e.UpgradeID, e.Cause)
	}
	return fmt.Sprintf("upgrade %s cancelled before %s: %v", e.UpgradeID, e.Next, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}
