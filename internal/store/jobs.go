package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vidflow/internal/jobs"
)

const jobColumns = `id, video_id, status, stages, overall_progress, error_message, error_code, error_at,
	retry_count, max_retries, queue_name, priority, created_at, updated_at, started_at, completed_at,
	expires_at, revision`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobs.Job, error) {
	var (
		j           jobs.Job
		status      string
		stagesJSON  string
		errMessage  sql.NullString
		errCode     sql.NullString
		errAt       sql.NullInt64
		createdAt   int64
		updatedAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		expiresAt   int64
	)
	if err := row.Scan(
		&j.ID,
		&j.VideoID,
		&status,
		&stagesJSON,
		&j.OverallProgress,
		&errMessage,
		&errCode,
		&errAt,
		&j.RetryCount,
		&j.MaxRetries,
		&j.QueueName,
		&j.Priority,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
		&expiresAt,
		&j.Revision,
	); err != nil {
		return jobs.Job{}, err
	}
	j.Status = jobs.Status(status)
	if err := json.Unmarshal([]byte(stagesJSON), &j.Stages); err != nil {
		return jobs.Job{}, fmt.Errorf("decode stages for job %s: %w", j.ID, err)
	}
	if errMessage.Valid {
		j.Error = &jobs.JobError{Message: errMessage.String, Code: errCode.String}
		if errAt.Valid {
			j.Error.Timestamp = fromNanos(errAt.Int64)
		}
	}
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	j.StartedAt = nanosPtr(startedAt)
	j.CompletedAt = nanosPtr(completedAt)
	j.ExpiresAt = fromNanos(expiresAt)
	return j, nil
}

func errorColumns(e *jobs.JobError) (any, any, any) {
	if e == nil {
		return nil, nil, nil
	}
	return e.Message, e.Code, toNanos(e.Timestamp)
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, j jobs.Job) error {
	stages, err := json.Marshal(j.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	errMessage, errCode, errAt := errorColumns(j.Error)
	q := s.rebind(`
INSERT INTO jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, q,
		j.ID, j.VideoID, string(j.Status), string(stages), j.OverallProgress,
		errMessage, errCode, errAt,
		j.RetryCount, j.MaxRetries, j.QueueName, j.Priority,
		toNanos(j.CreatedAt), toNanos(j.UpdatedAt), nullableNanos(j.StartedAt), nullableNanos(j.CompletedAt),
		toNanos(j.ExpiresAt), j.Revision,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob loads a job. Expired jobs are reported as not found even before the
// sweeper removes them.
func (s *Store) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	q := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND expires_at > ?`)
	j, err := scanJob(s.db.QueryRowContext(ctx, q, id, toNanos(time.Now())))
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("%w: job %s", jobs.ErrNotFound, id)
	}
	return j, err
}

// ListJobs returns live jobs newest first, optionally filtered by video.
func (s *Store) ListJobs(ctx context.Context, videoID string, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	now := toNanos(time.Now())
	var (
		rows *sql.Rows
		err  error
	)
	if videoID != "" {
		q := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE video_id = ? AND expires_at > ? ORDER BY created_at DESC LIMIT ?`)
		rows, err = s.db.QueryContext(ctx, q, videoID, now, limit)
	} else {
		q := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE expires_at > ? ORDER BY created_at DESC LIMIT ?`)
		rows, err = s.db.QueryContext(ctx, q, now, limit)
	}
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListVideoJobs returns every stored job of a video, expired ones included,
// newest first.
func (s *Store) ListVideoJobs(ctx context.Context, videoID string) ([]jobs.Job, error) {
	q := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE video_id = ? ORDER BY created_at DESC`)
	rows, err := s.db.QueryContext(ctx, q, videoID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListExpiredJobs returns up to limit jobs whose expiry is at or before now.
func (s *Store) ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 200
	}
	q := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, toNanos(now), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]jobs.Job, error) {
	defer rows.Close()
	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateJob persists j if the stored revision still equals j.Revision and
// returns the job with its new revision. A stale revision yields
// jobs.ErrConcurrency. A job that is no longer pending loses its pipeline
// queue entries in the same transaction.
func (s *Store) UpdateJob(ctx context.Context, j jobs.Job) (jobs.Job, error) {
	var out jobs.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.updateJobTx(ctx, tx, j, "")
		if err != nil || j.Status == jobs.StatusPending {
			return err
		}
		return s.dropPipelineEntriesTx(ctx, tx, j.ID)
	})
	return out, err
}

func (s *Store) dropPipelineEntriesTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	q := s.rebind(`DELETE FROM queue_entries WHERE job_id = ? AND queue_name <> ?`)
	_, err := tx.ExecContext(ctx, q, jobID, jobs.QueueCleanup)
	return err
}

// ClaimJob persists a claimed job only if it is still pending at the
// expected revision, and removes its pipeline queue entries.
func (s *Store) ClaimJob(ctx context.Context, j jobs.Job) (jobs.Job, error) {
	var out jobs.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.updateJobTx(ctx, tx, j, string(jobs.StatusPending))
		if err != nil {
			return err
		}
		return s.dropPipelineEntriesTx(ctx, tx, j.ID)
	})
	return out, err
}

// CancelJob persists a cancelled job and drops all of its queue entries.
func (s *Store) CancelJob(ctx context.Context, j jobs.Job) (jobs.Job, error) {
	var out jobs.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.updateJobTx(ctx, tx, j, "")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM queue_entries WHERE job_id = ?`), j.ID)
		return err
	})
	return out, err
}

// RequeueJob persists a retried job and enqueues it on its queue in one
// transaction, replacing any earlier pipeline entry. availableAt delays the
// entry for backoff.
func (s *Store) RequeueJob(ctx context.Context, j jobs.Job, availableAt time.Time) (jobs.Job, error) {
	var out jobs.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.updateJobTx(ctx, tx, j, "")
		if err != nil {
			return err
		}
		if err := s.dropPipelineEntriesTx(ctx, tx, j.ID); err != nil {
			return err
		}
		_, err = s.enqueueTx(ctx, tx, j.QueueName, j.ID, j.Priority, j.CreatedAt, availableAt)
		return err
	})
	return out, err
}

func (s *Store) updateJobTx(ctx context.Context, tx *sql.Tx, j jobs.Job, requireStatus string) (jobs.Job, error) {
	stages, err := json.Marshal(j.Stages)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("encode stages: %w", err)
	}
	errMessage, errCode, errAt := errorColumns(j.Error)
	query := `
UPDATE jobs
SET status = ?, stages = ?, overall_progress = ?, error_message = ?, error_code = ?, error_at = ?,
	retry_count = ?, max_retries = ?, queue_name = ?, priority = ?, updated_at = ?, started_at = ?,
	completed_at = ?, revision = revision + 1
WHERE id = ? AND revision = ? AND expires_at > ?`
	args := []any{
		string(j.Status), string(stages), j.OverallProgress, errMessage, errCode, errAt,
		j.RetryCount, j.MaxRetries, j.QueueName, j.Priority, toNanos(j.UpdatedAt), nullableNanos(j.StartedAt),
		nullableNanos(j.CompletedAt),
		j.ID, j.Revision, toNanos(time.Now()),
	}
	if requireStatus != "" {
		query += ` AND status = ?`
		args = append(args, requireStatus)
	}
	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("update job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return jobs.Job{}, err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM jobs WHERE id = ? AND expires_at > ?`), j.ID, toNanos(time.Now())).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Job{}, fmt.Errorf("%w: job %s", jobs.ErrNotFound, j.ID)
		}
		if err != nil {
			return jobs.Job{}, err
		}
		return jobs.Job{}, fmt.Errorf("%w: job %s changed since revision %d", jobs.ErrConcurrency, j.ID, j.Revision)
	}
	out := j.Clone()
	out.Revision = j.Revision + 1
	return out, nil
}

// DeleteJob removes a job and its queue entries.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: job %s", jobs.ErrNotFound, id)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM queue_entries WHERE job_id = ?`), id)
		return err
	})
}

// DeleteJobs removes the given jobs and their queue entries and returns how
// many jobs existed.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id IN (`+placeholders+`)`), args...)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM queue_entries WHERE job_id IN (`+placeholders+`)`), args...)
		return err
	})
	return deleted, err
}
