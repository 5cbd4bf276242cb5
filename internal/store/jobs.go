package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"donna/internal/taskerr"
)

// ScheduledJob is a recurring work definition, unique per
// (user_id, name). Definition fields come from the user's cron file;
// the run-state fields are engine-owned.
type ScheduledJob struct {
	ID                  int64        `db:"id"`
	UserID              string       `db:"user_id"`
	Name                string       `db:"name"`
	CronExpr            string       `db:"cron_expr"`
	Prompt              string       `db:"prompt"`
	Command             string       `db:"command"`
	Target              OutputTarget `db:"target"`
	ConversationToken   string       `db:"conversation_token"`
	Enabled             bool         `db:"enabled"`
	Once                bool         `db:"once"`
	SilentUnlessAction  bool         `db:"silent_unless_action"`
	LastRunAt           *time.Time   `db:"last_run_at"`
	LastSuccessAt       *time.Time   `db:"last_success_at"`
	ConsecutiveFailures int          `db:"consecutive_failures"`
	LastError           string       `db:"last_error"`
}

func (j *ScheduledJob) validate() error {
	if j.UserID == "" || j.Name == "" {
		return taskerr.Configf("scheduled job requires user_id and name")
	}
	if j.CronExpr == "" {
		return taskerr.Configf("scheduled job %s requires a cron expression", j.Name)
	}
	if j.Prompt == "" && j.Command == "" {
		return taskerr.Configf("scheduled job %s requires a prompt or a command", j.Name)
	}
	if j.Prompt != "" && j.Command != "" {
		return taskerr.Configf("scheduled job %s: prompt and command are mutually exclusive", j.Name)
	}
	if j.Target == "" {
		j.Target = TargetTalk
	}
	if !j.Target.Valid() {
		return taskerr.Configf("scheduled job %s: unknown target %q", j.Name, j.Target)
	}
	return nil
}

const jobColumns = `id, user_id, name, cron_expr, prompt, command, target,
	conversation_token, enabled, once, silent_unless_action, last_run_at,
	last_success_at, consecutive_failures, last_error`

// UpsertScheduledJob inserts or updates a job definition and returns
// its id. Run state survives the upsert: last_run_at is kept unless
// the cron expression changed (a new schedule starts fresh), and
// consecutive_failures is always kept. A job the engine auto-disabled
// stays disabled until its expression changes; a job disabled in the
// definition is always disabled.
func (s *Store) UpsertScheduledJob(ctx context.Context, job ScheduledJob) (int64, error) {
	if err := job.validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO scheduled_jobs (user_id, name, cron_expr, prompt, command,
			target, conversation_token, enabled, once, silent_unless_action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			prompt = excluded.prompt,
			command = excluded.command,
			target = excluded.target,
			conversation_token = excluded.conversation_token,
			once = excluded.once,
			silent_unless_action = excluded.silent_unless_action,
			enabled = CASE
				WHEN excluded.enabled = 0 THEN 0
				WHEN scheduled_jobs.cron_expr != excluded.cron_expr THEN 1
				ELSE scheduled_jobs.enabled
			END,
			last_run_at = CASE
				WHEN scheduled_jobs.cron_expr != excluded.cron_expr THEN NULL
				ELSE scheduled_jobs.last_run_at
			END
		RETURNING id`,
		job.UserID, job.Name, job.CronExpr, job.Prompt, job.Command,
		job.Target, job.ConversationToken, job.Enabled, job.Once,
		job.SilentUnlessAction,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert scheduled job: %w", err)
	}
	return id, nil
}

// GetScheduledJob fetches one job by its (user, name) key.
func (s *Store) GetScheduledJob(ctx context.Context, userID, name string) (*ScheduledJob, error) {
	var j ScheduledJob
	err := getOne(ctx, s, &j,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE user_id = ? AND name = ?`,
		userID, name)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListScheduledJobs returns jobs ordered by user and name. userID may
// be empty to list every user's jobs.
func (s *Store) ListScheduledJobs(ctx context.Context, userID string) ([]ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, name`
	var jobs []ScheduledJob
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	return jobs, nil
}

// EnabledJobs returns every enabled job. The scheduler evaluates
// due-ness against the cron expressions itself.
func (s *Store) EnabledJobs(ctx context.Context) ([]ScheduledJob, error) {
	var jobs []ScheduledJob
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE enabled = 1 ORDER BY user_id, name`)
	if err != nil {
		return nil, fmt.Errorf("enabled jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobRun records that the job fired (a task was enqueued).
func (s *Store) MarkJobRun(ctx context.Context, id int64) error {
	rows, err := s.execRows(ctx,
		`UPDATE scheduled_jobs SET last_run_at = ? WHERE id = ?`, s.Now(), id)
	if err != nil {
		return fmt.Errorf("mark job run: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkJobSuccess records a successful execution. Once-jobs are
// deleted; the caller removes them from the cron file too. Reports
// whether the row was deleted.
func (s *Store) MarkJobSuccess(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("mark job success: %w", err)
	}
	defer tx.Rollback()

	var once bool
	err = tx.GetContext(ctx, &once, `SELECT once FROM scheduled_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("mark job success: %w", err)
	}

	if once {
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("mark job success: %w", err)
		}
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE scheduled_jobs
			SET consecutive_failures = 0, last_error = '', last_success_at = ?
			WHERE id = ?`, s.Now(), id)
		if err != nil {
			return false, fmt.Errorf("mark job success: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("mark job success: %w", err)
	}
	return once, nil
}

// MarkJobFailure bumps the failure streak and disables the job when
// the streak reaches threshold. Reports whether the job is now
// disabled.
func (s *Store) MarkJobFailure(ctx context.Context, id int64, cause error, threshold int) (bool, error) {
	if threshold < 1 {
		threshold = 1
	}
	var enabled bool
	err := s.db.QueryRowxContext(ctx, `
		UPDATE scheduled_jobs
		SET consecutive_failures = consecutive_failures + 1,
		    last_error = ?,
		    enabled = CASE
				WHEN consecutive_failures + 1 >= ? THEN 0
				ELSE enabled
			END
		WHERE id = ?
		RETURNING enabled`,
		truncateError(cause), threshold, id,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("mark job failure: %w", err)
	}
	return !enabled, nil
}

// DeleteScheduledJob removes a job by id.
func (s *Store) DeleteScheduledJob(ctx context.Context, id int64) error {
	rows, err := s.execRows(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrphanJobs removes the user's jobs whose names are not in
// keep. Cron-file sync calls this so rows follow the file.
func (s *Store) DeleteOrphanJobs(ctx context.Context, userID string, keep []string) (int64, error) {
	if len(keep) == 0 {
		return s.execRows(ctx, `DELETE FROM scheduled_jobs WHERE user_id = ?`, userID)
	}
	query, args, err := sqlx.In(
		`DELETE FROM scheduled_jobs WHERE user_id = ? AND name NOT IN (?)`,
		userID, keep)
	if err != nil {
		return 0, fmt.Errorf("delete orphan jobs: %w", err)
	}
	n, err := s.execRows(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete orphan jobs: %w", err)
	}
	return n, nil
}
