package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// CheckBinary verifies that path is safe to execute: absolute, free of
// traversal, a regular file, not world-writable, owned by the expected
// uid, and not inside a world-writable directory without the sticky bit.
// A missing file is ErrNotInstalled.
func (m *Manager) CheckBinary(path string) error {
	if !filepath.IsAbs(path) {
		return &uperrors.SecurityError{Path: path, Reason: "path is not absolute"}
	}
	if slices.Contains(strings.Split(path, "/"), "..") || filepath.Clean(path) != path {
		return &uperrors.SecurityError{Path: path, Reason: "path contains traversal sequences"}
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return uperrors.ErrNotInstalled
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return &uperrors.SecurityError{Path: path, Reason: "not a regular file"}
	}
	if st.Mode&0o002 != 0 {
		return &uperrors.SecurityError{Path: path, Reason: "binary is world-writable"}
	}
	if int(st.Uid) != m.expectedUID {
		return &uperrors.SecurityError{Path: path, Reason: fmt.Sprintf("owned by uid %d, expected %d", st.Uid, m.expectedUID)}
	}

	var dst unix.Stat_t
	if err := unix.Stat(filepath.Dir(path), &dst); err == nil {
		if dst.Mode&0o002 != 0 && dst.Mode&unix.S_ISVTX == 0 {
			return &uperrors.SecurityError{Path: path, Reason: "parent directory is world-writable"}
		}
	}
	return nil
}

// DetectInstalledVersion runs the component's binary with its version
// arguments under the version timeout and parses the result. It returns
// ErrNotInstalled if the binary is absent.
func (m *Manager) DetectInstalledVersion(ctx context.Context, c component.Component) (version.Version, error) {
	if err := m.CheckBinary(c.Binary()); err != nil {
		return version.Version{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.versionTimeout)
	defer cancel()

	out, err := m.runner.Run(probeCtx, c.Binary(), c.VersionArgs()...)
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return version.Version{}, &uperrors.TimeoutError{
				Operation: "version probe for " + c.Name(),
				Duration:  m.versionTimeout,
			}
		}
		if ctx.Err() != nil {
			return version.Version{}, ctx.Err()
		}
		return version.Version{}, fmt.Errorf("version probe for %s: %w", c.Name(), err)
	}

	v, err := c.ParseVersion(out)
	if err != nil {
		var verr *uperrors.InvalidVersionError
		if errors.As(err, &verr) {
			verr.Component = c.Name()
		}
		return version.Version{}, err
	}

	m.logger.Debug("detected installed version",
		slog.String("component", c.Name()),
		slog.String("version", v.String()))
	return v, nil
}

// binaryMode returns the mode of the live binary, or 0755 if absent.
func binaryMode(path string) fs.FileMode {
	info, err := os.Stat(path)
	if err != nil {
		return 0o755
	}
	return info.Mode().Perm()
}
