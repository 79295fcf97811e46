package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vidflow/internal/jobs"
)

// Enqueue adds jobID to queue. It reports false when the entry already exists.
func (s *Store) Enqueue(ctx context.Context, queue, jobID string, priority int, createdAt, availableAt time.Time) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.enqueueTx(ctx, tx, queue, jobID, priority, createdAt, availableAt)
		return err
	})
	return inserted, err
}

func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, queue, jobID string, priority int, createdAt, availableAt time.Time) (bool, error) {
	q := s.rebind(`
INSERT INTO queue_entries (queue_name, job_id, priority, enqueued_at, available_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (queue_name, job_id) DO NOTHING
`)
	res, err := tx.ExecContext(ctx, q, queue, jobID, priority, toNanos(createdAt), toNanos(availableAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NextPending returns the head of a pipeline queue: the available entry whose
// job is still pending and unexpired, highest priority first and oldest
// first within a priority.
func (s *Store) NextPending(ctx context.Context, queue string, now time.Time) (string, bool, error) {
	q := s.rebind(`
SELECT q.job_id
FROM queue_entries q
JOIN jobs j ON j.id = q.job_id
WHERE q.queue_name = ? AND q.available_at <= ? AND j.status = ? AND j.expires_at > ?
ORDER BY q.priority DESC, q.enqueued_at ASC, q.job_id ASC
LIMIT 1
`)
	var id string
	err := s.db.QueryRowContext(ctx, q, queue, toNanos(now), string(jobs.StatusPending), toNanos(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// TakeEntry atomically removes and returns the head entry of queue. Only one
// caller can take a given entry.
func (s *Store) TakeEntry(ctx context.Context, queue string, now time.Time) (string, bool, error) {
	var (
		id    string
		taken bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := s.rebind(`
SELECT job_id FROM queue_entries
WHERE queue_name = ? AND available_at <= ?
ORDER BY priority DESC, enqueued_at ASC, job_id ASC
LIMIT 1
`)
		err := tx.QueryRowContext(ctx, q, queue, toNanos(now)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM queue_entries WHERE queue_name = ? AND job_id = ?`), queue, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		taken = n == 1
		return nil
	})
	if err != nil || !taken {
		return "", false, err
	}
	return id, true, nil
}

// IsEnqueued reports whether jobID has an entry on queue.
func (s *Store) IsEnqueued(ctx context.Context, queue, jobID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM queue_entries WHERE queue_name = ? AND job_id = ?`), queue, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// RemoveEntries drops every queue entry for jobID.
func (s *Store) RemoveEntries(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM queue_entries WHERE job_id = ?`), jobID)
	return err
}

// QueueDepths returns the number of entries per queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue_name, COUNT(*) FROM queue_entries GROUP BY queue_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out[name] = count
	}
	return out, rows.Err()
}
