// Package sqlite persists update history in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"redeploy/internal/history"

	_ "modernc.org/sqlite"
)

var _ history.Store = (*HistoryStore)(nil)

type HistoryStore struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history db busy timeout: %w", err)
	}
	if err := ensureHistorySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &HistoryStore{db: db}, nil
}

func ensureHistorySchema(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS update_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	warnings TEXT NOT NULL DEFAULT '',
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
)`); err != nil {
		return fmt.Errorf("initialize update history schema: %w", err)
	}
	return nil
}

func (s *HistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *HistoryStore) Record(ctx context.Context, e history.Entry) error {
	if strings.TrimSpace(e.Reason) == "" {
		return fmt.Errorf("history entry reason is required")
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO update_history (started_at, target, image, reason, warnings, elapsed_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.StartedAt.UTC().Format(time.RFC3339Nano),
		e.Target,
		e.Image,
		e.Reason,
		strings.Join(e.Warnings, ","),
		e.Elapsed.Milliseconds(),
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert update history: %w", err)
	}
	return nil
}

func (s *HistoryStore) Recent(ctx context.Context, n int) ([]history.Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, target, image, reason, warnings, elapsed_ms, error
		 FROM update_history ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query update history: %w", err)
	}
	defer rows.Close()

	out := make([]history.Entry, 0, n)
	for rows.Next() {
		var (
			e         history.Entry
			startedAt string
			warnings  string
			elapsedMS int64
		)
		if err := rows.Scan(&e.ID, &startedAt, &e.Target, &e.Image, &e.Reason, &warnings, &elapsedMS, &e.Error); err != nil {
			return nil, fmt.Errorf("scan update history row: %w", err)
		}
		e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse update history time %q: %w", startedAt, err)
		}
		if warnings != "" {
			e.Warnings = strings.Split(warnings, ",")
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate update history rows: %w", err)
	}
	return out, nil
}

// Prune keeps the newest keep entries.
func (s *HistoryStore) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM update_history WHERE id NOT IN (SELECT id FROM update_history ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune update history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
