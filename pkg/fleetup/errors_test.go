package fleetup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestComponentError_Error tests ComponentError formatting.
func TestComponentError_Error(t *testing.T) {
	err := &ComponentError{
		Component: "node_exporter",
		Op:        "upgrade",
		Err:       errors.New("connection failed"),
	}

	assert.Equal(t, "component node_exporter: upgrade: connection failed", err.Error())
}

// TestComponentError_Unwrap tests ComponentError unwrapping.
func TestComponentError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying")
	err := &ComponentError{Component: "loki", Op: "recover", Err: underlying}

	assert.ErrorIs(t, err, underlying)
}

// TestPanicError_Error tests PanicError formatting.
func TestPanicError_Error(t *testing.T) {
	err := &PanicError{
		Component: "loki",
		Value:     "unexpected nil",
		Stack:     "goroutine 1 [running]:\n...",
	}

	assert.Equal(t, "component loki panicked: unexpected nil", err.Error())
}

func TestCancellationError_Error(t *testing.T) {
	err := &CancellationError{UpgradeID: "u1", Next: "loki", Cause: context.Canceled}
	assert.Equal(t, "upgrade u1 cancelled before loki: context canceled", err.Error())

	err = &CancellationError{UpgradeID: "u1", Cause: context.DeadlineExceeded}
	assert.Equal(t, "upgrade u1 cancelled: context deadline exceeded", err.Error())
}

// TestCancellationError_Unwrap tests CancellationError unwrapping.
func TestCancellationError_Unwrap(t *testing.T) {
	err := &CancellationError{UpgradeID: "u1", Cause: context.Canceled}
	assert.ErrorIs(t, err, context.Canceled)
}
