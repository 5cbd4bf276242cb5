package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RetryBackoff returns the durable backoff before a failed attempt may
// run again: 1, 4, 16 minutes for attempts 1, 2, 3.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mins := 1
	for i := 1; i < attempt; i++ {
		mins *= 4
	}
	return time.Duration(mins) * time.Minute
}

// ClaimTask atomically claims the next eligible task for the user and
// queue and returns it in running state with attempt_count bumped and
// worker_pid set. userID may be empty to claim across all users.
// Returns ErrNoTask when nothing is eligible.
//
// Before claiming, stale locks are recovered: stuck locked/running
// tasks past the retry age are failed, stuck tasks within the window
// are reset to pending with their attempt counts preserved.
func (s *Store) ClaimTask(ctx context.Context, userID string, queue QueueType) (*Task, error) {
	now := s.Now()
	if err := s.recoverStale(ctx, now); err != nil {
		return nil, err
	}

	// At most one non-cancelled foreground task per conversation may
	// be in flight. A queued successor stays pending until the room
	// clears; the claim skips it and takes the next eligible task.
	gate := ""
	if queue == QueueForeground {
		gate = `
			  AND (q.conversation_token = '' OR NOT EXISTS (
				SELECT 1 FROM tasks active
				WHERE active.conversation_token = q.conversation_token
				  AND active.status IN ('locked','running')
				  AND active.cancel_requested = 0
				  AND active.source_type IN (` + queueSourcesSQL(QueueForeground) + `)
			  ))`
	}

	query := `
		UPDATE tasks
		SET status = 'running', worker_pid = ?, started_at = ?,
		    attempt_count = attempt_count + 1
		WHERE id = (
			SELECT q.id FROM tasks q
			WHERE q.status = 'pending'
			  AND q.source_type IN (` + queueSourcesSQL(queue) + `)
			  AND (? = '' OR q.user_id = ?)
			  AND (q.not_before IS NULL OR q.not_before <= ?)` + gate + `
			ORDER BY q.priority DESC, q.created_at ASC
			LIMIT 1
		)
		RETURNING ` + taskColumns

	var t Task
	start := time.Now()
	err := s.db.QueryRowxContext(ctx, query, s.pid, now, userID, userID, now).StructScan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	s.metrics.RecordClaim(ctx, string(queue), time.Since(start))
	return &t, nil
}

// recoverStale is the claim preamble. Two statements: expire stuck
// tasks past the retry age, then reset recoverable ones to pending.
// A lock is stale after LockStaleAfter (30m); a running task is stale
// after RunningStaleAfter (15m). "Past the retry age" means the task
// was created MaxRetryAge (60m) or more ago.
func (s *Store) recoverStale(ctx context.Context, now time.Time) error {
	lockCutoff := now.Add(-s.cfg.LockStaleAfter)
	runCutoff := now.Add(-s.cfg.RunningStaleAfter)
	ageCutoff := now.Add(-s.cfg.MaxRetryAge)

	const staleCond = `(
		   (status = 'locked'  AND COALESCE(started_at, created_at) <= ?)
		OR (status = 'running' AND COALESCE(started_at, created_at) <= ?)
	)`

	expired, err := s.execRows(ctx, `
		UPDATE tasks
		SET status = 'failed', last_error = 'stuck past retry age',
		    completed_at = ?, worker_pid = 0
		WHERE `+staleCond+` AND created_at <= ?`,
		now, lockCutoff, runCutoff, ageCutoff)
	if err != nil {
		return fmt.Errorf("expire stuck tasks: %w", err)
	}

	recovered, err := s.execRows(ctx, `
		UPDATE tasks
		SET status = 'pending', worker_pid = 0, started_at = NULL
		WHERE `+staleCond+` AND created_at > ?`,
		lockCutoff, runCutoff, ageCutoff)
	if err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}

	if expired > 0 || recovered > 0 {
		s.logger.WarnContext(ctx, "stale lock recovery",
			"expired", expired, "recovered", recovered)
	}
	return nil
}

// RetryOrFail decides what happens to a task after a failed attempt.
// If another attempt is allowed (attempt_count below max_attempts and
// the task younger than the retry age) the task returns to pending
// with a durable not_before backoff; otherwise it is failed. Tasks
// exactly at the retry-age cutoff fail. Reports whether a retry was
// scheduled. Already-terminal tasks (a cancel won the race) are left
// untouched.
func (s *Store) RetryOrFail(ctx context.Context, id int64, cause error) (bool, error) {
	now := s.Now()
	msg := truncateError(cause)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("retry or fail: %w", err)
	}
	defer tx.Rollback()

	var row struct {
		AttemptCount int       `db:"attempt_count"`
		CreatedAt    time.Time `db:"created_at"`
		Status       Status    `db:"status"`
	}
	err = tx.GetContext(ctx, &row,
		`SELECT attempt_count, created_at, status FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("retry or fail: %w", err)
	}
	if row.Status.IsTerminal() {
		return false, tx.Commit()
	}

	age := now.Sub(row.CreatedAt)
	retry := row.AttemptCount < s.cfg.MaxAttempts && age < s.cfg.MaxRetryAge
	if retry {
		notBefore := now.Add(RetryBackoff(row.AttemptCount))
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', not_before = ?, last_error = ?,
			    worker_pid = 0, started_at = NULL
			WHERE id = ?`,
			notBefore, msg, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'failed', last_error = ?, completed_at = ?
			WHERE id = ?`,
			msg, now, id)
	}
	if err != nil {
		return false, fmt.Errorf("retry or fail: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("retry or fail: %w", err)
	}
	return retry, nil
}

const maxErrorLength = 4096

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return msg
}

// CleanupStats reports what a cleanup pass removed.
type CleanupStats struct {
	ExpiredConfirmations int64
	FailedStalePending   int64
	PurgedTasks          int64
}

// ExpireConfirmations cancels pending_confirmation tasks older than
// the confirmation timeout. This is the one allowed transition out of
// that quasi-terminal state.
func (s *Store) ExpireConfirmations(ctx context.Context) (int64, error) {
	now := s.Now()
	n, err := s.execRows(ctx, `
		UPDATE tasks
		SET status = 'cancelled', last_error = 'confirmation timed out',
		    completed_at = ?
		WHERE status = 'pending_confirmation' AND created_at <= ?`,
		now, now.Add(-s.cfg.ConfirmationTimeout))
	if err != nil {
		return 0, fmt.Errorf("expire confirmations: %w", err)
	}
	return n, nil
}

// FailStalePending fails pending tasks that nothing claimed within
// the stale-pending window. They would otherwise sit forever when a
// user's queue is saturated or a source is misconfigured.
func (s *Store) FailStalePending(ctx context.Context) (int64, error) {
	now := s.Now()
	n, err := s.execRows(ctx, `
		UPDATE tasks
		SET status = 'failed', last_error = 'stale pending task',
		    completed_at = ?
		WHERE status = 'pending' AND created_at <= ?`,
		now, now.Add(-s.cfg.StalePendingFail))
	if err != nil {
		return 0, fmt.Errorf("fail stale pending: %w", err)
	}
	return n, nil
}

// PurgeOldTasks deletes terminal tasks past the retention period.
func (s *Store) PurgeOldTasks(ctx context.Context) (int64, error) {
	now := s.Now()
	n, err := s.execRows(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed','failed','cancelled')
		  AND COALESCE(completed_at, created_at) <= ?`,
		now.Add(-s.cfg.TaskRetention))
	if err != nil {
		return 0, fmt.Errorf("purge old tasks: %w", err)
	}
	return n, nil
}

// RunCleanup runs the three cleanup routines and returns their
// counts. Errors do not abort the remaining routines; the first error
// is returned after all three ran.
func (s *Store) RunCleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	var firstErr error

	record := func(n int64, err error) int64 {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return n
	}
	stats.ExpiredConfirmations = record(s.ExpireConfirmations(ctx))
	stats.FailedStalePending = record(s.FailStalePending(ctx))
	stats.PurgedTasks = record(s.PurgeOldTasks(ctx))
	return stats, firstErr
}
