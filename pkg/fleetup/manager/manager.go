// Package manager holds the upgrade policy: it decides whether a
// component needs upgrading, reads installed versions safely, takes and
// restores backups, runs health checks and performs rollbacks.
//
// The manager never touches session state. It reports outcomes to the
// executor, which persists them.
package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// HealthPolicy bounds health verification.
type HealthPolicy struct {
	// Timeout bounds the whole verification including retries.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first probe.
	MaxRetries int

	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// ProbeTimeout bounds one probe. Defaults to min(5s, Timeout).
	ProbeTimeout time.Duration
}

// DefaultHealthPolicy matches the plan defaults.
var DefaultHealthPolicy = HealthPolicy{
	Timeout:         config.DefaultHealthTimeout,
	MaxRetries:      config.DefaultHealthRetries,
	InitialInterval: config.DefaultHealthInitial,
	MaxInterval:     config.DefaultHealthMax,
}

// Manager implements the upgrade policy for one host.
type Manager struct {
	backupRoot     string
	expectedUID    int
	versionTimeout time.Duration
	health         HealthPolicy
	runner         component.CommandRunner
	services       component.ServiceController
	diskFree       func(ctx context.Context, path string) (uint64, error)
	memAvailable   func(ctx context.Context) (uint64, error)
	minDiskMB      uint64
	minMemMB       uint64
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithExpectedOwner sets the uid every managed binary must be owned by.
// Default: 0.
func WithExpectedOwner(uid int) Option {
	return func(m *Manager) {
		m.expectedUID = uid
	}
}

// WithVersionTimeout bounds each version probe. Default: 5s.
func WithVersionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.versionTimeout = d
		}
	}
}

// WithHealthPolicy sets health-check bounds.
func WithHealthPolicy(p HealthPolicy) Option {
	return func(m *Manager) {
		m.health = p
	}
}

// WithRunner sets the command runner. Default: ExecRunner.
func WithRunner(r component.CommandRunner) Option {
	return func(m *Manager) {
		if r != nil {
			m.runner = r
		}
	}
}

// WithServices sets the service controller.
func WithServices(s component.ServiceController) Option {
	return func(m *Manager) {
		m.services = s
	}
}

// WithResourceThresholds sets pre-flight minimums. Zero disables a check.
func WithResourceThresholds(minFreeDiskMB, minAvailableMemoryMB uint64) Option {
	return func(m *Manager) {
		m.minDiskMB = minFreeDiskMB
		m.minMemMB = minAvailableMemoryMB
	}
}

// WithResourceProbes overrides how free disk and available memory are
// measured. Either may be nil to keep the default.
func WithResourceProbes(disk func(context.Context, string) (uint64, error), mem func(context.Context) (uint64, error)) Option {
	return func(m *Manager) {
		if disk != nil {
			m.diskFree = disk
		}
		if mem != nil {
			m.memAvailable = mem
		}
	}
}

// WithClock overrides time.Now for backup naming.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Manager that keeps backups under backupRoot.
func New(backupRoot string, opts ...Option) *Manager {
	m := &Manager{
		backupRoot:     backupRoot,
		expectedUID:    0,
		versionTimeout: config.DefaultVersionTimeout,
		health:         DefaultHealthPolicy,
		runner:         ExecRunner{},
		diskFree:       diskFree,
		memAvailable:   memAvailable,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FromPlan creates a Manager configured from the plan.
func FromPlan(plan *config.Plan, services component.ServiceController, opts ...Option) *Manager {
	base := []Option{
		WithExpectedOwner(plan.ExpectedOwnerUID),
		WithVersionTimeout(plan.VersionTimeout.D()),
		WithHealthPolicy(HealthPolicy{
			Timeout:         plan.Health.Timeout.D(),
			MaxRetries:      plan.Health.MaxRetries,
			InitialInterval: plan.Health.InitialInterval.D(),
			MaxInterval:     plan.Health.MaxInterval.D(),
		}),
		WithServices(services),
		WithResourceThresholds(plan.Resources.MinFreeDiskMB, plan.Resources.MinAvailableMemoryMB),
	}
	return New(plan.BackupRoot, append(base, opts...)...)
}

// BackupRoot returns the backup root directory.
func (m *Manager) BackupRoot() string { return m.backupRoot }

// Runner returns the command runner.
func (m *Manager) Runner() component.CommandRunner { return m.runner }

// CompareVersions orders a relative to b.
func (m *Manager) CompareVersions(a, b version.Version) version.Ordering {
	return version.Compare(a, b)
}

// NeedsUpgrade is the idempotence gate: false iff current is not below
// target and force is unset.
func (m *Manager) NeedsUpgrade(current, target version.Version, force bool) bool {
	if force {
		return true
	}
	return version.Compare(current, target) == version.Less
}
