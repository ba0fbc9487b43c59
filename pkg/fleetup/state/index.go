package state

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Index records summaries of archived sessions for listing.
// Implementations must be safe for concurrent use.
type Index interface {
	// Record stores a summary. Recording the same upgrade ID twice
	// replaces the earlier summary.
	Record(sum Summary) error

	// List returns summaries newest first. limit <= 0 means no limit.
	List(limit int) ([]Summary, error)

	// Close releases any resources.
	Close() error
}

// ErrIndexClosed indicates the index has been closed.
var ErrIndexClosed = errors.New("history index closed")

// SQLiteIndex keeps the history index in SQLite.
type SQLiteIndex struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteIndex opens (creating if needed) the index at path.
// ":memory:" works for tests.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			upgrade_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			components INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			archive_path TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_started_at
		ON sessions(started_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

// Record implements Index.
func (x *SQLiteIndex) Record(sum Summary) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrIndexClosed
	}

	_, err := x.db.Exec(`
		INSERT INTO sessions (
			upgrade_id, status, mode, started_at, completed_at,
			components, completed, failed, skipped, archive_path
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(upgrade_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			components = excluded.components,
			completed = excluded.completed,
			failed = excluded.failed,
			skipped = excluded.skipped,
			archive_path = excluded.archive_path
	`,
		sum.UpgradeID, string(sum.Status), sum.Mode,
		formatTime(sum.StartedAt), formatTime(sum.CompletedAt),
		sum.Components, sum.Completed, sum.Failed, sum.Skipped, sum.ArchivePath)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// List implements Index.
func (x *SQLiteIndex) List(limit int) ([]Summary, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, ErrIndexClosed
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := x.db.Query(`
		SELECT upgrade_id, status, mode, started_at, completed_at,
			components, completed, failed, skipped, archive_path
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sums := []Summary{}
	for rows.Next() {
		var (
			sum                Summary
			status             string
			started, completed string
		)
		if err := rows.Scan(&sum.UpgradeID, &status, &sum.Mode, &started, &completed,
			&sum.Components, &sum.Completed, &sum.Failed, &sum.Skipped, &sum.ArchivePath); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Status = Status(status)
		sum.StartedAt = parseTime(started)
		sum.CompletedAt = parseTime(completed)
		sums = append(sums, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sums, nil
}

// Close implements Index.
func (x *SQLiteIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil
	}
	x.closed = true
	return x.db.Close()
}

// Fixed-width UTC timestamps sort lexically in time order; List relies on it.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
