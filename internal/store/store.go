// Package store persists the set of events whose activate job has fired,
// so a restarted process does not switch folders for them again.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	appLog "shotcal/internal/log"
	"shotcal/internal/model"
	"shotcal/internal/policy"
)

const schema = `
CREATE TABLE IF NOT EXISTS handled (
	job_id     TEXT PRIMARY KEY,
	folder     TEXT NOT NULL,
	handled_at TIMESTAMP NOT NULL
)`

// Record is one handled event.
type Record struct {
	JobID     string    `json:"job_id"`
	Folder    string    `json:"folder"`
	HandledAt time.Time `json:"handled_at"`
}

// Store is a SQLite-backed handled-event set.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer at a time; firing jobs and the poller share this handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// MarkHandled records jobID as handled. Marking twice keeps the first record.
func (s *Store) MarkHandled(ctx context.Context, jobID, folder string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handled (job_id, folder, handled_at) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		jobID, folder, at.UTC())
	if err != nil {
		return fmt.Errorf("store: mark %q: %w", jobID, err)
	}
	return nil
}

// IsHandled reports whether jobID was marked.
func (s *Store) IsHandled(ctx context.Context, jobID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM handled WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: lookup %q: %w", jobID, err)
	}
	return n > 0, nil
}

// List returns all records, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, folder, handled_at FROM handled ORDER BY handled_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.JobID, &r.Folder, &r.HandledAt); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records handled before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM handled WHERE handled_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

// Marker adapts a Store to policy.Marker. Lookup errors are logged and
// treated as "not handled" so a broken state file never blocks scheduling.
type Marker struct {
	Store *Store
}

func (m Marker) Handled(ev model.Event) bool {
	ok, err := m.Store.IsHandled(context.Background(), policy.JobID(ev))
	if err != nil {
		appLog.Error("handled lookup failed", err, "event", ev.Name)
		return false
	}
	return ok
}
