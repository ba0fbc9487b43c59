// Package install provides the artifact store the executor stages binaries
// from. Fetching artifacts onto the host is out of scope; the store only
// locates and checks what is already there.
package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
	"github.com/randalmurphal/fleetup/pkg/fleetup/manager"
	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// ErrArtifactMissing is returned when the store has no artifact for the
// requested component and version.
var ErrArtifactMissing = errors.New("artifact not found")

// ChecksumSuffix names the optional sidecar holding an artifact's sha256.
const ChecksumSuffix = ".sha256"

// Local serves artifacts laid out as <root>/<component>/<version>/<component>.
type Local struct {
	root           string
	requireSidecar bool
}

// Option configures a Local store.
type Option func(*Local)

// RequireChecksum makes a missing sidecar an error instead of skipping
// verification.
func RequireChecksum() Option {
	return func(l *Local) { l.requireSidecar = true }
}

// NewLocal returns a store rooted at root.
func NewLocal(root string, opts ...Option) *Local {
	l := &Local{root: root}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Root returns the store's directory.
func (l *Local) Root() string { return l.root }

// Path returns where the artifact for component at v is expected.
func (l *Local) Path(component string, v version.Version) string {
	return filepath.Join(l.root, component, v.String(), component)
}

// InstallBinary implements component.Installer. The artifact must be a
// regular, non-world-writable file; when a sidecar checksum exists it
// must match.
func (l *Local) InstallBinary(ctx context.Context, component, v string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ident.Validate("component", component); err != nil {
		return "", err
	}
	ver, err := version.Parse(v)
	if err != nil {
		return "", err
	}

	path := l.Path(component, ver)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s %s in %s", ErrArtifactMissing, component, ver, l.root)
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", &uperrors.SecurityError{Path: path, Reason: "artifact is not a regular file"}
	}
	if info.Mode().Perm()&0o002 != 0 {
		return "", &uperrors.SecurityError{Path: path, Reason: "artifact is world-writable"}
	}

	if err := l.verify(path); err != nil {
		return "", err
	}
	return path, nil
}

func (l *Local) verify(path string) error {
	raw, err := os.ReadFile(path + ChecksumSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !l.requireSidecar {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return &uperrors.SecurityError{Path: path, Reason: "checksum sidecar missing"}
		}
		return err
	}
	// sha256sum format: "<hex>  <name>"; only the digest matters.
	fields := strings.Fields(string(bytes.TrimSpace(raw)))
	if len(fields) == 0 {
		return &uperrors.SecurityError{Path: path, Reason: "checksum sidecar is empty"}
	}
	got, err := manager.Checksum(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(fields[0], got) {
		return &uperrors.SecurityError{Path: path, Reason: "checksum mismatch"}
	}
	return nil
}
