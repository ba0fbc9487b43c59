package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
	"github.com/randalmurphal/fleetup/pkg/fleetup/lock"
)

const (
	sessionFile    = "session.json"
	historyDir     = "history"
	checkpointsDir = "checkpoints"
)

// Store owns the session file. All mutating methods assume the caller
// holds the session lock; the Store adds its own file lock around each
// read-modify-write so a stray writer can never interleave with one.
type Store struct {
	dir         string
	path        string
	mu          sync.Mutex
	now         func() time.Time
	newID       func() string
	lockTimeout time.Duration
	index       Index
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDFunc overrides upgrade ID generation.
func WithIDFunc(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithIndex records archived sessions in a queryable index.
func WithIndex(idx Index) Option {
	return func(s *Store) {
		s.index = idx
	}
}

// WithWriteLockTimeout bounds the wait for the state-file write lock.
func WithWriteLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open creates the state directory (owner-only) if needed and returns a
// Store rooted there. It does not read the session.
func Open(dir string, opts ...Option) (*Store, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		dir:         dir,
		path:        filepath.Join(dir, sessionFile),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		lockTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the session file path.
func (s *Store) Path() string { return s.path }

// Close releases the history index, if any.
func (s *Store) Close() error {
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

// Read returns the session on disk. A missing file is an idle session.
// Writes replace the file by rename, so Read never observes a partial
// document and does not need the write lock.
func (s *Store) Read() (*Session, error) {
	sess, _, err := s.readFile()
	return sess, err
}

func (s *Store) readFile() (*Session, []byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSession(), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read state: %w", err)
	}
	sess, err := decode(data)
	if err != nil {
		return nil, nil, &uperrors.CorruptStateError{Path: s.path, Err: err}
	}
	return sess, data, nil
}

func decode(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	switch sess.Status {
	case StatusIdle, StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return nil, fmt.Errorf("unknown session status %q", sess.Status)
	}
	if sess.Components == nil {
		sess.Components = map[string]*ComponentState{}
	}
	for name, c := range sess.Components {
		if c == nil {
			return nil, fmt.Errorf("component %q has no record", name)
		}
	}
	if sess.CurrentComponent != nil {
		if _, ok := sess.Components[*sess.CurrentComponent]; !ok {
			return nil, fmt.Errorf("current_component %q not in components", *sess.CurrentComponent)
		}
	}
	if sess.Checkpoints == nil {
		sess.Checkpoints = []Checkpoint{}
	}
	if sess.Errors == nil {
		sess.Errors = []ErrorEntry{}
	}
	return &sess, nil
}

// update runs one read-modify-write cycle under the state-file lock.
func (s *Store) update(fn func(cur *Session) (*Session, error)) (*Session, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	var (
		next *Session
		data []byte
	)
	err := lock.WithFileLock(ctx, s.path+".lock", 0, func() error {
		cur, _, err := s.readFile()
		if err != nil {
			return err
		}
		n, err := fn(cur)
		if err != nil {
			return err
		}
		n.SchemaVersion = SchemaVersion
		n.UpdatedAt = s.now()
		b, err := s.write(n)
		if err != nil {
			return err
		}
		next, data = n, b
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return next, data, nil
}

// write replaces the session file atomically: owner-only temp file in the
// same directory, fsync, rename, fsync the directory.
func (s *Store) write(sess *Session) ([]byte, error) {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')
	if err := writeAtomic(s.dir, s.path, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("rename temp: %w", err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// BeginUpgrade starts a new session in the given mode, registering the
// planned components as pending. It fails with ErrSessionInProgress if
// the current session has not finished.
func (s *Store) BeginUpgrade(mode string, planned ...string) (string, error) {
	if err := ident.Validate("mode", mode); err != nil {
		return "", err
	}
	for _, name := range planned {
		if err := ident.Validate("component", name); err != nil {
			return "", err
		}
	}
	id := s.newID()
	sess, _, err := s.update(func(cur *Session) (*Session, error) {
		return beginUpgrade(cur, id, mode, planned, s.now())
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("session started", slog.String("upgrade_id", sess.UpgradeID), slog.String("mode", mode))
	return sess.UpgradeID, nil
}

// BeginComponent moves a component to in_progress and counts the attempt.
func (s *Store) BeginComponent(name, from, to string) error {
	if err := ident.Validate("component", name); err != nil {
		return err
	}
	_, _, err := s.update(func(cur *Session) (*Session, error) {
		return beginComponent(cur, name, from, to, s.now())
	})
	return err
}

// MarkStep journals the last completed step of an in-progress component.
func (s *Store) MarkStep(name string, step Step) error {
	if err := ident.Validate("component", name); err != nil {
		return err
	}
	_, _, err := s.update(func(cur *Session) (*Session, error) {
		return markStep(cur, name, step)
	})
	return err
}

// SetVersions records the version pair of the hop currently being applied.
func (s *Store) SetVersions(name, from, to string) error {
	if err := ident.Validate("component", name); err != nil {
		return err
	}
	_, _, err := s.update(func(cur *Session) (*Session, error) {
		return setTargetVersion(cur, name, from, to)
	})
	return err
}

// CompleteComponent marks a component completed. Rollback is only
// advertised if the backup directory actually exists.
func (s *Store) CompleteComponent(name string, out Outcome) error {
	if err := ident.Validate("component", name); err != nil {
		return err
	}
	out.RollbackAvailable = out.RollbackAvailable && dirExists(out.BackupPath)
	_, _, err := s.update(func(cur *Session) (*Session, error) {
		return completeComponent(cur, name, out, s.now())
	})
	return err
}

// FailComponent marks a component failed and records the message as a
// session error. The message is stored as data, never interpreted.
func (s *Store) FailComponent(name, message string, out Outcome) error {
	if err := ident.Validate("component", name); err != nil {
		return err
	}
	_, _, err := s.update(func(cur *Session) (*Session, error) {
		return failComponent(cur, name, message, out, s.now())
	})
	return err
}

// SkipComponent marks a component skipped with the given reason.
func (s *Store) SkipComponent(name, reason string) error {
	if err := ident.Validate("component", name); err != nil {
		return err
	}
	_, _, err := s.update(func(cur *Session) (*Session, error) {
		return skipComponent(cur, name, reason, s.now())
	})
	return err
}

// CompleteUpgrade finishes the session and archives it.
func (s *Store) CompleteUpgrade() error {
	sess, data, err := s.update(func(cur *Session) (*Session, error) {
		return completeUpgrade(cur, s.now())
	})
	if err != nil {
		return err
	}
	return s.archive(sess, data)
}

// FailUpgrade marks the whole session failed and archives it.
func (s *Store) FailUpgrade(message string) error {
	sess, data, err := s.update(func(cur *Session) (*Session, error) {
		return failUpgrade(cur, message, s.now())
	})
	if err != nil {
		return err
	}
	return s.archive(sess, data)
}

// CreateCheckpoint snapshots the current session verbatim under
// checkpoints/<upgrade_id>/ and appends a reference to it.
func (s *Store) CreateCheckpoint(name, description string) (Checkpoint, error) {
	if err := ident.Validate("checkpoint", name); err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	_, _, err := s.update(func(cur *Session) (*Session, error) {
		if err := requireActive(cur); err != nil {
			return nil, err
		}
		now := s.now()
		dir := filepath.Join(s.dir, checkpointsDir, cur.UpgradeID)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		snapshot, err := json.MarshalIndent(cur, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		file := filepath.Join(dir, fmt.Sprintf("%s-%d.json", name, now.UnixNano()))
		if err := writeAtomic(dir, file, append(snapshot, '\n')); err != nil {
			return nil, err
		}
		cp = Checkpoint{Name: name, Description: description, Timestamp: now, File: file}
		return addCheckpoint(cur, cp)
	})
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// LoadCheckpoint reads a checkpoint snapshot.
func (s *Store) LoadCheckpoint(cp Checkpoint) (*Session, error) {
	rel, err := filepath.Rel(filepath.Join(s.dir, checkpointsDir), cp.File)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, &uperrors.SecurityError{Path: cp.File, Reason: "checkpoint outside state directory"}
	}
	data, err := os.ReadFile(cp.File)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	sess, err := decode(data)
	if err != nil {
		return nil, &uperrors.CorruptStateError{Path: cp.File, Err: err}
	}
	return sess, nil
}

// MarkRolledBack records an operator rollback of a completed component.
func (s *Store) MarkRolledBack(name string) error {
	if err := ident.Validate("component", name); err != nil {
		return err
	}
	_, _, err := s.update(func(cur *Session) (*Session, error) {
		return markRolledBack(cur, name, s.now())
	})
	return err
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
