// Package history keeps a SQLite log of bot launches and how they ended.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"botctl/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    pid INTEGER NOT NULL,
    mode TEXT NOT NULL,
    telegram BOOLEAN NOT NULL DEFAULT FALSE,
    log_file TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER,
    outcome TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Store provides SQLite-backed launch history
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 2000"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a run for a freshly launched process.
func (s *Store) RecordStart(ctx context.Context, h models.Handle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, pid, mode, telegram, log_file, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, h.RunID, h.PID, h.Mode, h.Telegram, h.LogFile, h.StartedAt.UnixMilli())
	return errors.Wrap(err, "record start")
}

// RecordStop marks the run as finished. Runs already finished keep their
// first outcome.
func (s *Store) RecordStop(ctx context.Context, runID, outcome string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET stopped_at = ?, outcome = ?
		WHERE run_id = ? AND stopped_at IS NULL
	`, at.UnixMilli(), outcome, runID)
	return errors.Wrap(err, "record stop")
}

// Latest returns up to n runs, newest first.
func (s *Store) Latest(ctx context.Context, n int) ([]models.Run, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pid, mode, telegram, log_file, started_at, stopped_at, outcome
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var (
			r         models.Run
			startedAt int64
			stoppedAt sql.NullInt64
			outcome   sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.PID, &r.Mode, &r.Telegram, &r.LogFile, &startedAt, &stoppedAt, &outcome); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		r.StartedAt = time.UnixMilli(startedAt)
		if stoppedAt.Valid {
			t := time.UnixMilli(stoppedAt.Int64)
			r.StoppedAt = &t
		}
		r.Outcome = outcome.String
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "iterate runs")
}
