package manager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/randalmurphal/fleetup/pkg/fleetup/component"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
)

const (
	manifestName = "manifest.json"
	storedBinary = "binary"
	stampLayout  = "20060102T150405.000000000Z"
)

// ErrNoBackup indicates no complete backup exists for a component.
var ErrNoBackup = errors.New("no backup available")

// BackupFile is one file captured in a backup.
type BackupFile struct {
	Source   string      `json:"source"`
	Stored   string      `json:"stored"`
	Checksum string      `json:"sha256"`
	Mode     fs.FileMode `json:"mode"`
	Size     int64       `json:"size"`
}

// Backup is a complete, checksummed copy of a component's binary and
// config files. Backups without a manifest are incomplete and ignored.
type Backup struct {
	Component string       `json:"component"`
	Version   string       `json:"version,omitempty"`
	CreatedAt string       `json:"created_at"`
	Files     []BackupFile `json:"files"`

	// Dir is where the backup lives. Not persisted.
	Dir string `json:"-"`
}

// Binary returns the captured binary.
func (b Backup) Binary() BackupFile {
	for _, f := range b.Files {
		if f.Stored == storedBinary {
			return f
		}
	}
	return BackupFile{}
}

// Created parses CreatedAt. It returns the zero time if unparsable.
func (b Backup) Created() time.Time {
	stamp, _, _ := strings.Cut(b.CreatedAt, "-")
	t, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Checksum returns the digest of the captured binary.
func (b Backup) Checksum() string {
	return b.Binary().Checksum
}

// BackupComponent copies the component's binary and config files into a
// new timestamped directory under the backup root and writes a manifest
// of their checksums. The component name is validated before any path is
// built from it.
func (m *Manager) BackupComponent(c component.Component, installed string) (Backup, error) {
	name := c.Name()
	if err := ident.Validate("component", name); err != nil {
		return Backup{}, err
	}
	if err := m.CheckBinary(c.Binary()); err != nil {
		return Backup{}, err
	}

	parent := filepath.Join(m.backupRoot, name)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return Backup{}, fmt.Errorf("create backup dir: %w", err)
	}
	dir, stamp, err := m.newBackupDir(parent)
	if err != nil {
		return Backup{}, err
	}

	b := Backup{Component: name, Version: installed, CreatedAt: stamp, Dir: dir}

	f, err := copyInto(c.Binary(), filepath.Join(dir, storedBinary))
	if err != nil {
		os.RemoveAll(dir)
		return Backup{}, fmt.Errorf("back up binary: %w", err)
	}
	b.Files = append(b.Files, f)

	for i, src := range c.Config().ConfigFiles {
		stored := fmt.Sprintf("config-%d-%s", i, filepath.Base(src))
		f, err := copyInto(src, filepath.Join(dir, stored))
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("config file missing, not backed up",
				slog.String("component", name),
				slog.String("path", src))
			continue
		}
		if err != nil {
			os.RemoveAll(dir)
			return Backup{}, fmt.Errorf("back up %s: %w", src, err)
		}
		b.Files = append(b.Files, f)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		os.RemoveAll(dir)
		return Backup{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestName), data, 0o600); err != nil {
		os.RemoveAll(dir)
		return Backup{}, err
	}

	m.logger.Info("backup created",
		slog.String("component", name),
		slog.String("dir", dir),
		slog.String("sha256", b.Checksum()))
	return b, nil
}

// newBackupDir creates a fresh, exclusively-owned timestamped directory.
func (m *Manager) newBackupDir(parent string) (string, string, error) {
	stamp := m.now().UTC().Format(stampLayout)
	for i := 0; i < 100; i++ {
		name := stamp
		if i > 0 {
			name = fmt.Sprintf("%s-%d", stamp, i)
		}
		dir := filepath.Join(parent, name)
		err := os.Mkdir(dir, 0o700)
		if err == nil {
			return dir, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", fmt.Errorf("create backup dir: %w", err)
		}
	}
	return "", "", fmt.Errorf("create backup dir: too many backups at %s", stamp)
}

// LatestBackup returns the newest complete backup for a component.
func (m *Manager) LatestBackup(name string) (Backup, error) {
	backups, err := m.ListBackups(name)
	if err != nil {
		return Backup{}, err
	}
	if len(backups) == 0 {
		return Backup{}, fmt.Errorf("%w for %s", ErrNoBackup, name)
	}
	return backups[len(backups)-1], nil
}

// ListBackups returns complete backups for a component, oldest first.
func (m *Manager) ListBackups(name string) ([]Backup, error) {
	if err := ident.Validate("component", name); err != nil {
		return nil, err
	}
	parent := filepath.Join(m.backupRoot, name)
	entries, err := os.ReadDir(parent)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(parent, e.Name())
		data, err := os.ReadFile(filepath.Join(dir, manifestName))
		if err != nil {
			continue
		}
		var b Backup
		if err := json.Unmarshal(data, &b); err != nil || b.Component != name {
			m.logger.Warn("ignoring unreadable backup manifest", slog.String("dir", dir))
			continue
		}
		b.Dir = dir
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out, nil
}

// Verify recomputes every stored file's checksum.
func (b Backup) Verify() error {
	for _, f := range b.Files {
		sum, err := Checksum(filepath.Join(b.Dir, f.Stored))
		if err != nil {
			return err
		}
		if sum != f.Checksum {
			return &uperrors.SecurityError{Path: filepath.Join(b.Dir, f.Stored), Reason: "backup checksum mismatch"}
		}
	}
	return nil
}

// Checksum returns the hex SHA-256 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyInto copies src to a new file dst (which must not exist) and
// returns its record. The copy is owner-only; the source mode is kept in
// the record for restore.
func copyInto(src, dst string) (BackupFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return BackupFile{}, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return BackupFile{}, err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return BackupFile{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return BackupFile{}, err
	}
	return BackupFile{
		Source:   src,
		Stored:   filepath.Base(dst),
		Checksum: hex.EncodeToString(h.Sum(nil)),
		Mode:     info.Mode().Perm(),
		Size:     n,
	}, nil
}
