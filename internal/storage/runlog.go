package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/latticeci/lattice/internal/job"
)

// ErrRunNotFound is returned when a run id has no stored report.
var ErrRunNotFound = errors.New("run not found")

// RunLog is the append-only history of pipeline runs and their jobs.
type RunLog struct {
	db *sql.DB
}

// NewRunLog wraps db for run history access.
func NewRunLog(db *sql.DB) *RunLog {
	return &RunLog{db: db}
}

// AppendJob records one terminal job for a run. Jobs are written exactly
// once; a second write for the same (run, job) is a caller bug.
func (l *RunLog) AppendJob(ctx context.Context, runID string, j *job.Job) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("job %s is not terminal (status %q)", j.ID, j.Status)
	}

	var target any
	if j.Target != nil {
		target = j.Target.Slug()
	}
	var artifacts any
	if len(j.Artifacts) > 0 {
		b, err := json.Marshal(j.Artifacts)
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
		artifacts = string(b)
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO job_log(run_id, job_id, kind, target, status, reason, last_error, started_at, ended_at, artifacts)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, runID, j.ID, string(j.Kind), target, string(j.Status), string(j.Reason), j.Err,
		formatTime(j.StartedAt), formatTime(j.EndedAt), artifacts)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// SaveRun records the finished run with its serialized report.
func (l *RunLog) SaveRun(ctx context.Context, runID, revision, event, status string, report []byte, startedAt, endedAt time.Time) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO runs(id, revision, event, status, report, started_at, ended_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, runID, revision, event, status, string(report),
		startedAt.UTC().Format(time.RFC3339Nano), endedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Report returns the stored report JSON for a run.
func (l *RunLog) Report(ctx context.Context, runID string) ([]byte, error) {
	var report string
	err := l.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?;`, runID).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run report: %w", err)
	}
	return []byte(report), nil
}

// LatestRunID returns the most recently finished run's id, or
// ErrRunNotFound if the history is empty.
func (l *RunLog) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY ended_at DESC, rowid DESC LIMIT 1;`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load latest run: %w", err)
	}
	return id, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
