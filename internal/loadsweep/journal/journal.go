// Package journal keeps a local sqlite record of every run and the load points it measured.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Run is one row of the runs table.
type Run struct {
	RunId      string
	Prefix     string
	ResultFile string
	StartedAt  time.Time
	// Zero while the run is in progress
	FinishedAt time.Time
	Status     string
	Error      string
}

// LoadPoint is one row of the load_points table.
type LoadPoint struct {
	RunId       string
	Index       int
	OfferedLoad int64
	Rows        int
	Status      string
	Error       string
	RecordedAt  time.Time
}

const StatusRunning = "running"

// Journal is safe for concurrent use. Writes are serialised.
type Journal struct {
	db   *sql.DB
	lock sync.RWMutex
}

// Open opens the database at path, creating it and its tables if needed.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not make directory for journal %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite journal %s", path)
	}
	j := &Journal{db: db}
	if err := j.setup(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) setup() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if _, err := j.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.WithStack(err)
	}
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			RunId TEXT,
			Prefix TEXT,
			ResultFile TEXT,
			StartedAt INT,
			FinishedAt INT,
			Status TEXT,
			Error TEXT,
			PRIMARY KEY(RunId))`)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = j.db.Exec(`
		CREATE TABLE IF NOT EXISTS load_points (
			RunId TEXT,
			LoadIndex INT,
			OfferedLoad INT,
			Rows INT,
			Status TEXT,
			Error TEXT,
			RecordedAt INT,
			PRIMARY KEY(RunId, LoadIndex))`)
	return errors.WithStack(err)
}

func (j *Journal) RecordRunStarted(ctx context.Context, run Run) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO runs (RunId, Prefix, ResultFile, StartedAt, FinishedAt, Status, Error) VALUES (?, ?, ?, ?, 0, ?, '')",
		run.RunId, run.Prefix, run.ResultFile, run.StartedAt.UnixNano(), StatusRunning)
	return errors.WithStack(err)
}

// RecordLoadPoint records the outcome of a load point, replacing any earlier record of it.
func (j *Journal) RecordLoadPoint(ctx context.Context, point LoadPoint) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO load_points (RunId, LoadIndex, OfferedLoad, Rows, Status, Error, RecordedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		point.RunId, point.Index, point.OfferedLoad, point.Rows, point.Status, point.Error, point.RecordedAt.UnixNano())
	return errors.WithStack(err)
}

func (j *Journal) RecordRunFinished(ctx context.Context, runId string, finishedAt time.Time, status string, runErr string) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	result, err := j.db.ExecContext(ctx,
		"UPDATE runs SET FinishedAt = ?, Status = ?, Error = ? WHERE RunId = ?",
		finishedAt.UnixNano(), status, runErr, runId)
	if err != nil {
		return errors.WithStack(err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if updated == 0 {
		return errors.Errorf("run %s is not in the journal", runId)
	}
	return nil
}

// ListRuns returns the most recent runs first, at most limit of them.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	j.lock.RLock()
	defer j.lock.RUnlock()
	rows, err := j.db.QueryContext(ctx,
		"SELECT RunId, Prefix, ResultFile, StartedAt, FinishedAt, Status, Error FROM runs ORDER BY StartedAt DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var startedAt, finishedAt int64
		if err := rows.Scan(&run.RunId, &run.Prefix, &run.ResultFile, &startedAt, &finishedAt, &run.Status, &run.Error); err != nil {
			return nil, errors.WithStack(err)
		}
		run.StartedAt = fromNanos(startedAt)
		run.FinishedAt = fromNanos(finishedAt)
		runs = append(runs, run)
	}
	return runs, errors.WithStack(rows.Err())
}

// LoadPoints returns the load points recorded for runId in sweep order.
func (j *Journal) LoadPoints(ctx context.Context, runId string) ([]LoadPoint, error) {
	j.lock.RLock()
	defer j.lock.RUnlock()
	rows, err := j.db.QueryContext(ctx,
		"SELECT RunId, LoadIndex, OfferedLoad, Rows, Status, Error, RecordedAt FROM load_points WHERE RunId = ? ORDER BY LoadIndex",
		runId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var points []LoadPoint
	for rows.Next() {
		var point LoadPoint
		var recordedAt int64
		if err := rows.Scan(&point.RunId, &point.Index, &point.OfferedLoad, &point.Rows, &point.Status, &point.Error, &recordedAt); err != nil {
			return nil, errors.WithStack(err)
		}
		point.RecordedAt = fromNanos(recordedAt)
		points = append(points, point)
	}
	return points, errors.WithStack(rows.Err())
}

func (j *Journal) Close() error {
	return errors.WithStack(j.db.Close())
}

func fromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
