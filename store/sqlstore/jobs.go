package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// OWNERS & CHECKPOINTS
// =============================================================================

// ListOwners pages through owners that have contacts, ascending by id.
func (s *Store) ListOwners(ctx context.Context, after visit.OwnerID, limit int) ([]visit.OwnerID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT owner_id FROM contacts
		WHERE owner_id > ?
		GROUP BY owner_id
		ORDER BY owner_id
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.OwnerID
	for rows.Next() {
		var id visit.OwnerID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Checkpoint(ctx context.Context, job string) (visit.OwnerID, error) {
	var owner visit.OwnerID
	err := s.queryRow(ctx, `SELECT owner_id FROM job_checkpoints WHERE job = ?`, job).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

// SaveCheckpoint records progress. An empty owner resets the job to the start.
func (s *Store) SaveCheckpoint(ctx context.Context, job string, owner visit.OwnerID) error {
	_, err := s.exec(ctx, `
		INSERT INTO job_checkpoints (job, owner_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(job) DO UPDATE SET owner_id = excluded.owner_id, updated_at = excluded.updated_at
	`, job, owner, formatTime(time.Now()))
	return err
}

// =============================================================================
// JOB RUNS
// =============================================================================

func (s *Store) SaveJobRun(ctx context.Context, run visit.JobRun) error {
	failures, err := json.Marshal(run.Failures)
	if err != nil {
		return err
	}
	if run.Failures == nil {
		failures = []byte("[]")
	}
	_, err = s.exec(ctx, `
		INSERT INTO job_runs (id, job, status, started_at, finished_at, processed, failures_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			processed = excluded.processed,
			failures_json = excluded.failures_json,
			error = excluded.error
	`, run.ID, run.Job, run.Status, formatTime(run.StartedAt), nullTime(run.FinishedAt),
		run.Processed, string(failures), run.Error)
	if err != nil {
		return fmt.Errorf("save job run: %w", err)
	}
	return nil
}

func (s *Store) ListJobRuns(ctx context.Context, job string, limit int) ([]visit.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, job, status, started_at, finished_at, processed, failures_json, error FROM job_runs`
	var args []any
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.JobRun
	for rows.Next() {
		var r visit.JobRun
		var started, failures string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &started, &finished, &r.Processed, &failures, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = scanNullTime(finished)
		if err := json.Unmarshal([]byte(failures), &r.Failures); err != nil {
			return nil, fmt.Errorf("job run %s failures: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
