package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
)

// ErrInsufficientResources indicates a pre-flight threshold was not met.
var ErrInsufficientResources = errors.New("insufficient resources")

const mb = 1024 * 1024

// Preflight validates everything that can be checked before any mutation:
// every component binary passes the security checks (absent binaries are
// fine), and free disk under the backup root and available memory meet
// the configured thresholds.
func (m *Manager) Preflight(ctx context.Context, comps []component.Component) error {
	var errs []error
	for _, c := range comps {
		if err := m.CheckBinary(c.Binary()); err != nil && !errors.Is(err, uperrors.ErrNotInstalled) {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}

	if m.minDiskMB > 0 {
		free, err := m.diskFree(ctx, existingAncestor(m.backupRoot))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("measure free disk: %w", err))
		case free/mb < m.minDiskMB:
			errs = append(errs, fmt.Errorf("%w: %d MB free under %s, need %d MB",
				ErrInsufficientResources, free/mb, m.backupRoot, m.minDiskMB))
		}
	}

	if m.minMemMB > 0 {
		avail, err := m.memAvailable(ctx)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("measure available memory: %w", err))
		case avail/mb < m.minMemMB:
			errs = append(errs, fmt.Errorf("%w: %d MB memory available, need %d MB",
				ErrInsufficientResources, avail/mb, m.minMemMB))
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error("pre-flight failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func memAvailable(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// existingAncestor walks up from path to the first directory that exists,
// so the measurement does not require creating the backup root.
func existingAncestor(path string) string {
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		if p == filepath.Dir(p) {
			return p
		}
	}
}
