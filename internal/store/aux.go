package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Auxiliary state the pollers and schedulers keep between runs. These
// are all small keyed upserts; none participates in the task
// lifecycle.

// TalkCursor returns the last-seen message id for a conversation, or
// "" when the conversation is new.
func (s *Store) TalkCursor(ctx context.Context, token string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT last_message_id FROM talk_cursors WHERE conversation_token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("talk cursor: %w", err)
	}
	return id, nil
}

// SetTalkCursor advances the last-seen message id for a conversation.
func (s *Store) SetTalkCursor(ctx context.Context, token, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO talk_cursors (conversation_token, last_message_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_token) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			updated_at = excluded.updated_at`,
		token, messageID, s.Now())
	if err != nil {
		return fmt.Errorf("set talk cursor: %w", err)
	}
	return nil
}

// MarkEmailProcessed records an email message id as handled. Reports
// whether this call inserted the row; false means the message was
// already processed, so the caller must not create a second task.
func (s *Store) MarkEmailProcessed(ctx context.Context, messageID, referencesChain, userID string) (bool, error) {
	rows, err := s.execRows(ctx, `
		INSERT OR IGNORE INTO processed_emails
			(message_id, references_chain, user_id, processed_at)
		VALUES (?, ?, ?, ?)`,
		messageID, referencesChain, userID, s.Now())
	if err != nil {
		return false, fmt.Errorf("mark email processed: %w", err)
	}
	return rows > 0, nil
}

// EmailSeen reports whether a message id was already processed.
func (s *Store) EmailSeen(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM processed_emails WHERE message_id = ?`, messageID)
	if err != nil {
		return false, fmt.Errorf("email seen: %w", err)
	}
	return n > 0, nil
}

// EmailThreadUser returns the user associated with any message in the
// RFC 5322 References chain, or "" when the thread is unknown.
func (s *Store) EmailThreadUser(ctx context.Context, messageIDs []string) (string, error) {
	for _, id := range messageIDs {
		var user string
		err := s.db.GetContext(ctx, &user,
			`SELECT user_id FROM processed_emails WHERE message_id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("email thread user: %w", err)
		}
		if user != "" {
			return user, nil
		}
	}
	return "", nil
}

// HeartbeatState is the persisted check state the alert evaluator
// reads and advances.
type HeartbeatState struct {
	Name              string     `db:"name"`
	LastCheckAt       *time.Time `db:"last_check_at"`
	LastAlertAt       *time.Time `db:"last_alert_at"`
	ConsecutiveErrors int        `db:"consecutive_errors"`
}

// GetHeartbeatState returns the state for a named check; a zero state
// when the check has never run.
func (s *Store) GetHeartbeatState(ctx context.Context, name string) (HeartbeatState, error) {
	var hs HeartbeatState
	err := s.db.GetContext(ctx, &hs, `
		SELECT name, last_check_at, last_alert_at, consecutive_errors
		FROM heartbeat_state WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return HeartbeatState{Name: name}, nil
	}
	if err != nil {
		return HeartbeatState{}, fmt.Errorf("heartbeat state: %w", err)
	}
	return hs, nil
}

// RecordHeartbeatCheck stamps last_check_at and advances or resets
// the error streak.
func (s *Store) RecordHeartbeatCheck(ctx context.Context, name string, ok bool) error {
	inc := 1
	if ok {
		inc = 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_state (name, last_check_at, consecutive_errors)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_check_at = excluded.last_check_at,
			consecutive_errors = CASE WHEN ? THEN 0
				ELSE heartbeat_state.consecutive_errors + 1 END`,
		name, s.Now(), inc, ok)
	if err != nil {
		return fmt.Errorf("record heartbeat check: %w", err)
	}
	return nil
}

// RecordHeartbeatAlert stamps last_alert_at so the cooldown window
// can be enforced.
func (s *Store) RecordHeartbeatAlert(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_state (name, last_alert_at, consecutive_errors)
		VALUES (?, ?, 0)
		ON CONFLICT(name) DO UPDATE SET
			last_alert_at = excluded.last_alert_at`,
		name, s.Now())
	if err != nil {
		return fmt.Errorf("record heartbeat alert: %w", err)
	}
	return nil
}

// InvoiceState tracks per-schedule reminder and generation stamps.
type InvoiceState struct {
	ScheduleKey    string     `db:"schedule_key"`
	ReminderSentAt *time.Time `db:"reminder_sent_at"`
	GeneratedAt    *time.Time `db:"generated_at"`
}

// GetInvoiceState returns the state for a schedule key; zero state
// when unseen.
func (s *Store) GetInvoiceState(ctx context.Context, key string) (InvoiceState, error) {
	var is InvoiceState
	err := s.db.GetContext(ctx, &is, `
		SELECT schedule_key, reminder_sent_at, generated_at
		FROM invoice_state WHERE schedule_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return InvoiceState{ScheduleKey: key}, nil
	}
	if err != nil {
		return InvoiceState{}, fmt.Errorf("invoice state: %w", err)
	}
	return is, nil
}

// MarkInvoiceReminder stamps reminder_sent_at for a schedule key.
func (s *Store) MarkInvoiceReminder(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoice_state (schedule_key, reminder_sent_at)
		VALUES (?, ?)
		ON CONFLICT(schedule_key) DO UPDATE SET
			reminder_sent_at = excluded.reminder_sent_at`,
		key, s.Now())
	if err != nil {
		return fmt.Errorf("mark invoice reminder: %w", err)
	}
	return nil
}

// MarkInvoiceGenerated stamps generated_at for a schedule key.
func (s *Store) MarkInvoiceGenerated(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoice_state (schedule_key, generated_at)
		VALUES (?, ?)
		ON CONFLICT(schedule_key) DO UPDATE SET
			generated_at = excluded.generated_at`,
		key, s.Now())
	if err != nil {
		return fmt.Errorf("mark invoice generated: %w", err)
	}
	return nil
}

// LastSleepRun returns the date (YYYY-MM-DD, scope-local) of the last
// nightly memory extraction for a user or channel scope, or "".
func (s *Store) LastSleepRun(ctx context.Context, scope string) (string, error) {
	var date string
	err := s.db.GetContext(ctx, &date,
		`SELECT last_extracted_on FROM sleep_state WHERE scope = ?`, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last sleep run: %w", err)
	}
	return date, nil
}

// MarkSleepRun records that the nightly extraction ran for scope on
// the given date.
func (s *Store) MarkSleepRun(ctx context.Context, scope, date string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sleep_state (scope, last_extracted_on)
		VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			last_extracted_on = excluded.last_extracted_on`,
		scope, date)
	if err != nil {
		return fmt.Errorf("mark sleep run: %w", err)
	}
	return nil
}

// TasksFileHash returns the stored content hash for a tasks file, or
// "" when the file has not been ingested.
func (s *Store) TasksFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash,
		`SELECT content_hash FROM tasksfile_state WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tasks file hash: %w", err)
	}
	return hash, nil
}

// SetTasksFileHash stores the content hash after ingesting a tasks
// file.
func (s *Store) SetTasksFileHash(ctx context.Context, path, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasksfile_state (path, content_hash, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		path, hash, s.Now())
	if err != nil {
		return fmt.Errorf("set tasks file hash: %w", err)
	}
	return nil
}

// TrackTransaction inserts an accounting record keyed by its content
// hash. Reports whether this call inserted the row; false means the
// record was already tracked and must not be exported again.
func (s *Store) TrackTransaction(ctx context.Context, dedupKey, userID, payload string) (bool, error) {
	rows, err := s.execRows(ctx, `
		INSERT OR IGNORE INTO tracked_transactions (dedup_key, user_id, payload, tracked_at)
		VALUES (?, ?, ?, ?)`,
		dedupKey, userID, payload, s.Now())
	if err != nil {
		return false, fmt.Errorf("track transaction: %w", err)
	}
	return rows > 0, nil
}

// TrackedTransactionCount reports how many records a user has tracked.
func (s *Store) TrackedTransactionCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM tracked_transactions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("tracked transaction count: %w", err)
	}
	return n, nil
}

// SkillFingerprint returns the stored skill-set fingerprint and
// manifest snapshot for a user; empty strings when none is stored.
func (s *Store) SkillFingerprint(ctx context.Context, userID string) (fingerprint, snapshot string, err error) {
	row := struct {
		Fingerprint string `db:"fingerprint"`
		Snapshot    string `db:"snapshot"`
	}{}
	err = s.db.GetContext(ctx, &row,
		`SELECT fingerprint, snapshot FROM skill_fingerprints WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("skill fingerprint: %w", err)
	}
	return row.Fingerprint, row.Snapshot, nil
}

// SetSkillFingerprint stores the fingerprint and manifest snapshot
// after a successful interactive run.
func (s *Store) SetSkillFingerprint(ctx context.Context, userID, fingerprint, snapshot string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_fingerprints (user_id, fingerprint, snapshot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		userID, fingerprint, snapshot, s.Now())
	if err != nil {
		return fmt.Errorf("set skill fingerprint: %w", err)
	}
	return nil
}
