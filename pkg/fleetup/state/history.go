package state

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
)

// Summary describes an archived session without loading it.
type Summary struct {
	UpgradeID   string
	Status      Status
	Mode        string
	StartedAt   time.Time
	CompletedAt time.Time
	Components  int
	Completed   int
	Failed      int
	Skipped     int
	ArchivePath string
}

// Summarize builds a Summary of sess.
func Summarize(sess *Session, archivePath string) Summary {
	counts := sess.Counts()
	sum := Summary{
		UpgradeID:   sess.UpgradeID,
		Status:      sess.Status,
		Mode:        sess.Mode,
		Components:  len(sess.Components),
		Completed:   counts[ComponentCompleted],
		Failed:      counts[ComponentFailed],
		Skipped:     counts[ComponentSkipped],
		ArchivePath: archivePath,
	}
	if sess.StartedAt != nil {
		sum.StartedAt = *sess.StartedAt
	}
	if sess.CompletedAt != nil {
		sum.CompletedAt = *sess.CompletedAt
	}
	return sum
}

// archive copies the finished session document, byte for byte, into
// history/<upgrade_id>.json. Existing archives are never overwritten.
func (s *Store) archive(sess *Session, data []byte) error {
	dir := filepath.Join(s.dir, historyDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	target := filepath.Join(dir, sess.UpgradeID+".json")

	tmp, err := os.CreateTemp(dir, ".archive-*.tmp")
	if err != nil {
		return fmt.Errorf("create archive temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	// Link fails if target exists, which is what keeps history append-only.
	if err := os.Link(tmpName, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.logger.Warn("session already archived", slog.String("upgrade_id", sess.UpgradeID))
			return nil
		}
		return fmt.Errorf("archive session: %w", err)
	}
	syncDir(dir)

	if s.index != nil {
		if err := s.index.Record(Summarize(sess, target)); err != nil {
			s.logger.Warn("history index update failed",
				slog.String("upgrade_id", sess.UpgradeID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// LoadArchived reads an archived session by upgrade ID.
func (s *Store) LoadArchived(upgradeID string) (*Session, error) {
	if err := ident.Validate("upgrade_id", upgradeID); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, historyDir, upgradeID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	sess, err := decode(data)
	if err != nil {
		return nil, &uperrors.CorruptStateError{Path: path, Err: err}
	}
	return sess, nil
}

// History lists archived sessions, newest first. It uses the index when
// one is configured and scans the history directory otherwise. limit <= 0
// means no limit.
func (s *Store) History(limit int) ([]Summary, error) {
	if s.index != nil {
		sums, err := s.index.List(limit)
		if err == nil {
			return sums, nil
		}
		s.logger.Warn("history index unavailable, scanning archive", slog.String("error", err.Error()))
	}
	return s.scanHistory(limit)
}

func (s *Store) scanHistory(limit int) ([]Summary, error) {
	dir := filepath.Join(s.dir, historyDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	sums := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		sess, err := decode(data)
		if err != nil {
			s.logger.Warn("skipping unreadable archive", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		sums = append(sums, Summarize(sess, path))
	}

	sort.Slice(sums, func(i, j int) bool {
		return sums[i].StartedAt.After(sums[j].StartedAt)
	})
	if limit > 0 && len(sums) > limit {
		sums = sums[:limit]
	}
	return sums, nil
}
