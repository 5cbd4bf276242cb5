package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const taskColumns = `id, user_id, prompt, command, source_type, source_ref,
	conversation_token, attachments, output_target, status, priority,
	not_before, created_at, started_at, completed_at, attempt_count,
	last_error, worker_pid, cancel_requested, heartbeat_silent,
	scheduled_job_id, result, actions_taken`

// queueSourcesSQL returns the source_type IN-list for a queue. Values
// are compile-time constants, never user input.
func queueSourcesSQL(q QueueType) string {
	if q == QueueBackground {
		return `'scheduled','briefing','heartbeat'`
	}
	return `'talk','email','cli','tasks_file'`
}

// CreateTask inserts a pending task and returns its id.
func (s *Store) CreateTask(ctx context.Context, n NewTask) (int64, error) {
	if err := n.validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (user_id, prompt, command, source_type, source_ref,
			conversation_token, attachments, output_target, status, priority,
			not_before, created_at, heartbeat_silent, scheduled_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?)`,
		n.UserID, n.Prompt, n.Command, n.SourceType, n.SourceRef,
		n.ConversationToken, StringList(n.Attachments), n.OutputTarget,
		n.Priority, n.NotBefore, s.Now(), n.HeartbeatSilent, n.ScheduledJobID,
	)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	s.metrics.RecordTaskCreated(ctx, string(n.SourceType), string(n.SourceType.Queue()))
	return res.LastInsertId()
}

// CreateTaskUnique inserts a pending task unless a task with the same
// (source_type, source_ref) already exists, in which case it returns
// ErrDuplicateTask. Adapters that derive source_ref from content
// hashes use this for idempotent ingestion.
func (s *Store) CreateTaskUnique(ctx context.Context, n NewTask) (int64, error) {
	if err := n.validate(); err != nil {
		return 0, err
	}
	if n.SourceRef == "" {
		return 0, fmt.Errorf("create task unique: source_ref required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (user_id, prompt, command, source_type, source_ref,
			conversation_token, attachments, output_target, status, priority,
			not_before, created_at, heartbeat_silent, scheduled_job_id)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM tasks WHERE source_type = ? AND source_ref = ?
		)`,
		n.UserID, n.Prompt, n.Command, n.SourceType, n.SourceRef,
		n.ConversationToken, StringList(n.Attachments), n.OutputTarget,
		n.Priority, n.NotBefore, s.Now(), n.HeartbeatSilent, n.ScheduledJobID,
		n.SourceType, n.SourceRef,
	)
	if err != nil {
		return 0, fmt.Errorf("create task unique: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrDuplicateTask
	}
	s.metrics.RecordTaskCreated(ctx, string(n.SourceType), string(n.SourceType.Queue()))
	return res.LastInsertId()
}

// CreateSubtask inserts a task spawned by another task, recording the
// parent in source_ref when the caller did not set one.
func (s *Store) CreateSubtask(ctx context.Context, parentID int64, n NewTask) (int64, error) {
	if n.SourceRef == "" {
		n.SourceRef = fmt.Sprintf("task:%d", parentID)
	}
	return s.CreateTask(ctx, n)
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	if err := getOne(ctx, s, &t, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	Status     Status
	UserID     string
	SourceType SourceType
	Limit      int
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, f.SourceType)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var tasks []Task
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// updateFields collects the optional columns an UpdateStatus call may
// touch. Populated by UpdateOption functions.
type updateFields struct {
	result      *string
	actions     *StringList
	lastError   *string
	workerPID   *int
	startedAt   *time.Time
	completedAt *time.Time
}

// UpdateOption customises an UpdateStatus call.
type UpdateOption func(*updateFields)

// WithResult stores the execution result text.
func WithResult(result string) UpdateOption {
	return func(f *updateFields) { f.result = &result }
}

// WithActions stores the tool-use descriptions from the execution.
func WithActions(actions []string) UpdateOption {
	return func(f *updateFields) { l := StringList(actions); f.actions = &l }
}

// WithLastError records the error that ended the attempt.
func WithLastError(msg string) UpdateOption {
	return func(f *updateFields) { f.lastError = &msg }
}

// WithPID records which worker owns the task.
func WithPID(pid int) UpdateOption {
	return func(f *updateFields) { f.workerPID = &pid }
}

// WithStartedAt overrides the start timestamp.
func WithStartedAt(t time.Time) UpdateOption {
	return func(f *updateFields) { f.startedAt = &t }
}

// WithCompletedAt overrides the completion timestamp.
func WithCompletedAt(t time.Time) UpdateOption {
	return func(f *updateFields) { f.completedAt = &t }
}

// UpdateStatus transitions a task and writes the given fields in one
// statement. Transitions out of terminal states are refused: the
// statement matches no row and ErrNotFound is returned.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status Status, opts ...UpdateOption) error {
	if !status.Valid() {
		return fmt.Errorf("update status: unknown status %q", status)
	}
	var f updateFields
	for _, opt := range opts {
		opt(&f)
	}
	if status.IsTerminal() && f.completedAt == nil {
		now := s.Now()
		f.completedAt = &now
	}

	query := `UPDATE tasks SET status = ?`
	args := []any{status}
	set := func(col string, v any) {
		query += `, ` + col + ` = ?`
		args = append(args, v)
	}
	if f.result != nil {
		set("result", *f.result)
	}
	if f.actions != nil {
		set("actions_taken", *f.actions)
	}
	if f.lastError != nil {
		set("last_error", *f.lastError)
	}
	if f.workerPID != nil {
		set("worker_pid", *f.workerPID)
	}
	if f.startedAt != nil {
		set("started_at", *f.startedAt)
	}
	if f.completedAt != nil {
		set("completed_at", *f.completedAt)
	}
	query += ` WHERE id = ? AND status NOT IN ('completed','failed','cancelled')`
	args = append(args, id)

	rows, err := s.execRows(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeliveryFailed flips a completed task to failed because its
// result never reached the user. This is the one sanctioned exit from
// a terminal state: the result column is kept so the outcome is still
// recoverable, but the status makes the delivery loss visible.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id int64, cause error) error {
	rows, err := s.execRows(ctx, `
		UPDATE tasks SET status = 'failed', last_error = ?
		WHERE id = ? AND status = 'completed'`,
		fmt.Sprintf("delivery: %v", cause), id)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel flags a non-terminal task for cooperative
// cancellation. The executor observes the flag between stream events.
func (s *Store) RequestCancel(ctx context.Context, id int64) error {
	rows, err := s.execRows(ctx, `
		UPDATE tasks SET cancel_requested = 1
		WHERE id = ? AND status NOT IN ('completed','failed','cancelled')`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelForegroundForChannel flags every in-flight foreground task in
// a conversation for cancellation. This is the stop-word path: the
// room's user said stop, so whatever is running there winds down.
func (s *Store) CancelForegroundForChannel(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	rows, err := s.execRows(ctx, `
		UPDATE tasks SET cancel_requested = 1
		WHERE conversation_token = ?
		  AND status IN ('pending','locked','running')
		  AND cancel_requested = 0
		  AND source_type IN (`+queueSourcesSQL(QueueForeground)+`)`,
		token)
	if err != nil {
		return 0, fmt.Errorf("cancel channel: %w", err)
	}
	return rows, nil
}

// CancelRequested reads the cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id int64) (bool, error) {
	var flag bool
	if err := getOne(ctx, s, &flag, `SELECT cancel_requested FROM tasks WHERE id = ?`, id); err != nil {
		return false, err
	}
	return flag, nil
}

// CountPendingForUserQueue counts claimable pending tasks, skipping
// tasks whose retry backoff has not elapsed. Dispatch uses this to
// avoid spawning workers that would find nothing.
func (s *Store) CountPendingForUserQueue(ctx context.Context, userID string, queue QueueType) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM tasks
		WHERE status = 'pending' AND user_id = ?
		  AND source_type IN (`+queueSourcesSQL(queue)+`)
		  AND (not_before IS NULL OR not_before <= ?)`,
		userID, s.Now())
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// UsersWithPending returns the distinct users that have claimable
// pending tasks on the queue, sorted for deterministic round-robin.
func (s *Store) UsersWithPending(ctx context.Context, queue QueueType) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users, `
		SELECT DISTINCT user_id FROM tasks
		WHERE status = 'pending'
		  AND source_type IN (`+queueSourcesSQL(queue)+`)
		  AND (not_before IS NULL OR not_before <= ?)
		ORDER BY user_id`,
		s.Now())
	if err != nil {
		return nil, fmt.Errorf("users with pending: %w", err)
	}
	return users, nil
}

// HasActiveForegroundForChannel reports whether a non-cancelled
// foreground task is in flight for the conversation token. Adapters
// consult this before acknowledging new messages in the same room.
func (s *Store) HasActiveForegroundForChannel(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM tasks
		WHERE conversation_token = ?
		  AND status IN ('locked','running')
		  AND cancel_requested = 0
		  AND source_type IN (`+queueSourcesSQL(QueueForeground)+`)`,
		token)
	if err != nil {
		return false, fmt.Errorf("channel gate: %w", err)
	}
	return n > 0, nil
}

// HasActiveTaskForRef reports whether a task with the given source
// provenance is still in flight. The heartbeat evaluator and the job
// scheduler consult this so a slow task never has a second copy of
// itself queued behind it.
func (s *Store) HasActiveTaskForRef(ctx context.Context, source SourceType, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM tasks
		WHERE source_type = ? AND source_ref = ?
		  AND status IN ('pending','locked','running','pending_confirmation')`,
		source, ref)
	if err != nil {
		return false, fmt.Errorf("source ref gate: %w", err)
	}
	return n > 0, nil
}

// LatestTaskForRef returns the newest task with the given source
// provenance, any status. The job scheduler settles scheduled-job
// outcomes from it. ErrNotFound when the ref never produced a task
// (or cleanup purged them all).
func (s *Store) LatestTaskForRef(ctx context.Context, source SourceType, ref string) (*Task, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	var t Task
	err := getOne(ctx, s, &t, `
		SELECT `+taskColumns+` FROM tasks
		WHERE source_type = ? AND source_ref = ?
		ORDER BY id DESC
		LIMIT 1`,
		source, ref)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RecentCompletedForToken returns the newest completed interactive
// tasks for a conversation, newest first. System-driven sources are
// excluded: briefings and heartbeats are not conversation turns.
func (s *Store) RecentCompletedForToken(ctx context.Context, token string, limit int) ([]Task, error) {
	if token == "" || limit <= 0 {
		return nil, nil
	}
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+` FROM tasks
		WHERE conversation_token = ?
		  AND status = 'completed'
		  AND source_type IN (`+queueSourcesSQL(QueueForeground)+`)
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`,
		token, limit)
	if err != nil {
		return nil, fmt.Errorf("recent completed: %w", err)
	}
	return tasks, nil
}

// TasksByIDs fetches the given tasks preserving no particular order.
func (s *Store) TasksByIDs(ctx context.Context, ids []int64) ([]Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("tasks by ids: %w", err)
	}
	return tasks, nil
}

// TaskCounts tallies tasks by status. Empty userID tallies the whole
// instance.
func (s *Store) TaskCounts(ctx context.Context, userID string) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM tasks`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY status`
	var rows []struct {
		Status Status `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	counts := make(map[Status]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
