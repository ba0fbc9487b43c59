package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
)

var errNotActive = errors.New("service is not active")

// HealthCheck probes the component until it is healthy or the policy is
// exhausted. The service must be active and the component's probe must
// pass. This is the only gate for marking an upgrade completed.
func (m *Manager) HealthCheck(ctx context.Context, c component.Component) error {
	policy := m.health
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultHealthPolicy.Timeout
	}
	probeTimeout := policy.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = min(5*time.Second, policy.Timeout)
	}

	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	probe := c.HealthCheck(m.runner, probeTimeout)
	check := func(ctx context.Context) error {
		if m.services != nil {
			active, err := m.services.IsActive(ctx, c.Service())
			if err != nil {
				return fmt.Errorf("query service %s: %w", c.Service(), err)
			}
			if !active {
				return errNotActive
			}
		}
		return probe()
	}

	retry := uperrors.ProbePolicy
	retry.Attempts = policy.MaxRetries + 1
	retry.Initial = policy.InitialInterval
	retry.Max = policy.MaxInterval
	// A not-yet-ready service looks like any other failure here.
	retry.Retryable = func(error) bool { return true }
	retry.Notify = func(err error, wait time.Duration) {
		m.logger.Debug("health probe failed, retrying",
			slog.String("component", c.Name()),
			slog.String("error", err.Error()),
			slog.Duration("wait", wait))
	}

	attempts, err := uperrors.Retry(ctx, retry, check)
	if err != nil {
		return &uperrors.HealthCheckError{Component: c.Name(), Attempts: attempts, Err: err}
	}
	m.logger.Debug("health check passed",
		slog.String("component", c.Name()),
		slog.Int("attempts", attempts))
	return nil
}
