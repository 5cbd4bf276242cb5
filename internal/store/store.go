// Package store is the engine's single source of durable truth: the
// task queue, scheduled jobs, user resources, and the auxiliary state
// the pollers and schedulers keep between runs.
//
// Everything lives in one SQLite file in WAL mode. Every lifecycle
// mutation is a single atomic statement (or one short transaction),
// which is what lets concurrent workers share the queue without any
// cross-process locking beyond the database itself.
//
// All timestamps are UTC. Timestamps are stored as text, so mixing
// offsets would break SQL comparisons; the store's clock is the only
// time source and it always returns UTC.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"donna/internal/config"
	"donna/internal/observability"
)

// Sentinel errors callers branch on.
var (
	// ErrNoTask is returned by ClaimTask when nothing is eligible.
	ErrNoTask = errors.New("store: no eligible task")
	// ErrDuplicateTask is returned by CreateTaskUnique when the
	// uniqueness key already exists.
	ErrDuplicateTask = errors.New("store: duplicate task")
	// ErrNotFound is returned when the referenced row does not exist
	// or is already terminal where a transition was requested.
	ErrNotFound = errors.New("store: not found")
)

// Store wraps the SQLite handle. Safe for concurrent use; every
// worker and poller can share one Store because the pool underneath
// hands out independent connections.
type Store struct {
	db      *sqlx.DB
	cfg     config.StoreConfig
	logger  *observability.Logger
	metrics *observability.MetricsCollector
	now     func() time.Time
	pid     int
}

// Option customises a Store at Open time.
type Option func(*Store)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics attaches the metrics collector. A nil collector records
// nothing.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source. Tests use this to pin "now".
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithWorkerPID overrides the pid recorded on claimed tasks. Defaults
// to the current process id; there is one daemon process, so the pid
// identifies the owning instance rather than an individual worker.
func WithWorkerPID(pid int) Option {
	return func(s *Store) { s.pid = pid }
}

// Open opens (creating if needed) the database at path, applies the
// WAL pragmas, and ensures the schema.
func Open(path string, cfg config.StoreConfig, opts ...Option) (*Store, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 30 * time.Second
	}
	dsn := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_loc=UTC",
		path, busy.Milliseconds(),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{
		db:  db,
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
		pid: os.Getpid(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.OrNop()
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for components that maintain their
// own tables in the same file (the memory index).
func (s *Store) DB() *sqlx.DB { return s.db }

// Now returns the store's current time in UTC. Exposed so components
// sharing the store share its clock in tests.
func (s *Store) Now() time.Time { return s.now().UTC() }

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id            TEXT    NOT NULL,
    prompt             TEXT    NOT NULL DEFAULT '',
    command            TEXT    NOT NULL DEFAULT '',
    source_type        TEXT    NOT NULL,
    source_ref         TEXT    NOT NULL DEFAULT '',
    conversation_token TEXT    NOT NULL DEFAULT '',
    attachments        TEXT    NOT NULL DEFAULT '[]',
    output_target      TEXT    NOT NULL DEFAULT 'talk',
    status             TEXT    NOT NULL DEFAULT 'pending',
    priority           INTEGER NOT NULL DEFAULT 0,
    not_before         DATETIME,
    created_at         DATETIME NOT NULL,
    started_at         DATETIME,
    completed_at       DATETIME,
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    last_error         TEXT    NOT NULL DEFAULT '',
    worker_pid         INTEGER NOT NULL DEFAULT 0,
    cancel_requested   BOOLEAN NOT NULL DEFAULT 0,
    heartbeat_silent   BOOLEAN NOT NULL DEFAULT 0,
    scheduled_job_id   INTEGER NOT NULL DEFAULT 0,
    result             TEXT    NOT NULL DEFAULT '',
    actions_taken      TEXT    NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim
    ON tasks(status, source_type, user_id, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_token
    ON tasks(conversation_token, status);
CREATE INDEX IF NOT EXISTS idx_tasks_retention
    ON tasks(status, completed_at);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id              TEXT    NOT NULL,
    name                 TEXT    NOT NULL,
    cron_expr            TEXT    NOT NULL,
    prompt               TEXT    NOT NULL DEFAULT '',
    command              TEXT    NOT NULL DEFAULT '',
    target               TEXT    NOT NULL DEFAULT 'talk',
    conversation_token   TEXT    NOT NULL DEFAULT '',
    enabled              BOOLEAN NOT NULL DEFAULT 1,
    once                 BOOLEAN NOT NULL DEFAULT 0,
    silent_unless_action BOOLEAN NOT NULL DEFAULT 0,
    last_run_at          DATETIME,
    last_success_at      DATETIME,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_error           TEXT    NOT NULL DEFAULT '',
    UNIQUE(user_id, name)
);

CREATE TABLE IF NOT EXISTS user_resources (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     TEXT NOT NULL,
    type        TEXT NOT NULL,
    name        TEXT NOT NULL,
    path_or_url TEXT NOT NULL,
    permissions TEXT NOT NULL DEFAULT 'ro',
    extras      TEXT NOT NULL DEFAULT '{}',
    UNIQUE(user_id, type, name)
);

CREATE TABLE IF NOT EXISTS kv (
    user_id   TEXT NOT NULL,
    namespace TEXT NOT NULL,
    key       TEXT NOT NULL,
    value     TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (user_id, namespace, key)
);

CREATE TABLE IF NOT EXISTS talk_cursors (
    conversation_token TEXT PRIMARY KEY,
    last_message_id    TEXT NOT NULL DEFAULT '',
    updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_emails (
    message_id       TEXT PRIMARY KEY,
    references_chain TEXT NOT NULL DEFAULT '',
    user_id          TEXT NOT NULL DEFAULT '',
    processed_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS heartbeat_state (
    name               TEXT PRIMARY KEY,
    last_check_at      DATETIME,
    last_alert_at      DATETIME,
    consecutive_errors INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS invoice_state (
    schedule_key     TEXT PRIMARY KEY,
    reminder_sent_at DATETIME,
    generated_at     DATETIME
);

CREATE TABLE IF NOT EXISTS sleep_state (
    scope            TEXT PRIMARY KEY,
    last_extracted_on TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasksfile_state (
    path         TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL DEFAULT '',
    updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS skill_fingerprints (
    user_id     TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL DEFAULT '',
    snapshot    TEXT NOT NULL DEFAULT '',
    updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_transactions (
    dedup_key  TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '',
    tracked_at DATETIME NOT NULL
);
`

// EnsureSchema creates the tables and indexes if absent. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// execRows runs a statement and returns the affected row count.
func (s *Store) execRows(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// getOne wraps the sql.ErrNoRows mapping every read shares.
func getOne[T any](ctx context.Context, s *Store, dest *T, query string, args ...any) error {
	if err := s.db.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
