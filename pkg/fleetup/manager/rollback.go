package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
)

// Rollback stops the service, restores binary and config files from the
// most recent backup, restarts and re-verifies health. Any failure is a
// RollbackFailedError naming the stage; callers must treat it as fatal.
func (m *Manager) Rollback(ctx context.Context, c component.Component) (Backup, error) {
	b, err := m.LatestBackup(c.Name())
	if err != nil {
		return Backup{}, &uperrors.RollbackFailedError{Component: c.Name(), Stage: "locate backup", Err: err}
	}
	return b, m.RestoreBackup(ctx, c, b)
}

// RestoreBackup rolls c back to a specific backup.
func (m *Manager) RestoreBackup(ctx context.Context, c component.Component, b Backup) error {
	fail := func(stage string, err error) error {
		m.logger.Error("rollback failed",
			slog.String("component", c.Name()),
			slog.String("stage", stage),
			slog.String("error", err.Error()))
		return &uperrors.RollbackFailedError{Component: c.Name(), Stage: stage, Err: err}
	}

	m.logger.Warn("rolling back component",
		slog.String("component", c.Name()),
		slog.String("backup", b.Dir),
		slog.String("version", b.Version))

	if err := b.Verify(); err != nil {
		return fail("verify backup", err)
	}

	if m.services != nil {
		if err := component.StopService(ctx, m.services, c); err != nil {
			return fail("stop", err)
		}
	}

	for _, f := range b.Files {
		if f.Stored == storedBinary && f.Source != c.Binary() {
			return fail("restore", fmt.Errorf("backup binary %s does not belong to %s", f.Source, c.Binary()))
		}
		if err := os.MkdirAll(filepath.Dir(f.Source), 0o755); err != nil {
			return fail("restore", err)
		}
		sum, err := installFile(filepath.Join(b.Dir, f.Stored), f.Source, f.Mode)
		if err != nil {
			return fail("restore", err)
		}
		if sum != f.Checksum {
			return fail("restore", fmt.Errorf("restored %s has checksum %s, want %s", f.Source, sum, f.Checksum))
		}
	}

	if m.services != nil {
		if err := m.services.Start(ctx, c.Service()); err != nil {
			return fail("start", err)
		}
	}

	if err := m.HealthCheck(ctx, c); err != nil {
		return fail("health check", err)
	}

	m.logger.Info("rollback complete",
		slog.String("component", c.Name()),
		slog.String("sha256", b.Checksum()))
	return nil
}
