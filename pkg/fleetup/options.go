package fleetup

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/lock"
	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/observability"
	"github.com/randalmurphal/fleetup/pkg/fleetup/state"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithServices replaces the systemd service controller.
func WithServices(s component.ServiceController) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.services = s
		}
	}
}

// WithInstaller replaces the local artifact store.
func WithInstaller(i component.Installer) Option {
	return func(o *Orchestrator) {
		if i != nil {
			o.installer = i
		}
	}
}

// WithRegistry replaces the component registry.
func WithRegistry(r *component.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithManagerOptions passes extra options to the upgrade manager, after
// the ones derived from the plan.
func WithManagerOptions(opts ...manager.Option) Option {
	return func(o *Orchestrator) {
		o.managerOpts = append(o.managerOpts, opts...)
	}
}

// WithLockOptions passes extra options to the session locker, after the
// ones derived from the plan.
func WithLockOptions(opts ...lock.Option) Option {
	return func(o *Orchestrator) {
		o.lockOpts = append(o.lockOpts, opts...)
	}
}

// WithStateOptions passes extra options to the state store.
func WithStateOptions(opts ...state.Option) Option {
	return func(o *Orchestrator) {
		o.stateOpts = append(o.stateOpts, opts...)
	}
}

// WithMetrics enables OpenTelemetry metrics.
//
// Example:
//
//	orch, err := fleetup.New(plan, fleetup.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry spans for upgrades, phases and
// components.
func WithTracing(s observability.SpanManager) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithConfirmer sets how safe mode asks for confirmation. Default: every
// component is declined, so safe mode without a confirmer upgrades
// nothing.
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.confirm = c
		}
	}
}

// WithSleep replaces the pause function used between components.
func WithSleep(fn func(d time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.after = fn
		}
	}
}
