// Package scheduler is the daemon main loop. Every tick it walks a
// fixed sequence of phases -- briefing crons, scheduled jobs, sleep
// cycles, channel pollers, shared-file organizing, heartbeats, invoice
// schedules, cleanup -- each behind its own interval gate, then lets
// the worker pool dispatch. Phases are independent: one failing or
// panicking never stops the others, and all durable state lives in the
// store so a restart resumes where the last daemon left off.
package scheduler

import (
	"context"
	"time"

	"donna/internal/async"
	"donna/internal/config"
	"donna/internal/cronfile"
	"donna/internal/engine"
	"donna/internal/files"
	"donna/internal/heartbeat"
	"donna/internal/memory"
	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/users"
)

// Poller is an interval-driven channel adapter: the email and
// tasks-file surfaces. One Poll ingests everything new.
type Poller interface {
	Poll(ctx context.Context) error
}

// ExtractFunc asks the model to distill memory notes from a day's
// exchanges. The sleep cycle calls it directly, outside the task
// queue. An empty reply means nothing worth keeping.
type ExtractFunc func(ctx context.Context, userID, prompt string) (string, error)

// Scheduler drives the phases. Collaborators are optional; a nil one
// turns its phase into a no-op so a minimal deployment (store + pool)
// still runs.
type Scheduler struct {
	cfg    *config.Config
	store  *store.Store
	users  *users.Directory
	pool   *engine.Pool
	syncer *cronfile.Syncer
	logger *observability.Logger
	now    func() time.Time

	heartbeats *heartbeat.Evaluator
	emails     Poller
	tasksFiles Poller
	files      files.FileStore
	memory     *memory.Index
	extract    ExtractFunc

	// lastRun gates the long phases; keyed by phase name. Only the
	// scheduler goroutine touches it.
	lastRun map[string]time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Scheduler) { s.logger = observability.OrNop(l) }
}

// WithHeartbeats wires the health-check evaluator.
func WithHeartbeats(e *heartbeat.Evaluator) Option {
	return func(s *Scheduler) { s.heartbeats = e }
}

// WithEmailPoller wires the inbound mail surface.
func WithEmailPoller(p Poller) Option {
	return func(s *Scheduler) { s.emails = p }
}

// WithTasksFilePoller wires the checklist-file surface.
func WithTasksFilePoller(p Poller) Option {
	return func(s *Scheduler) { s.tasksFiles = p }
}

// WithFiles wires the shared file tree the organize phase tidies.
func WithFiles(fs files.FileStore) Option {
	return func(s *Scheduler) { s.files = fs }
}

// WithMemory wires the index the sleep cycle refreshes after writing
// memory files.
func WithMemory(idx *memory.Index) Option {
	return func(s *Scheduler) { s.memory = idx }
}

// WithExtract wires the direct model call the sleep cycle uses.
func WithExtract(fn ExtractFunc) Option {
	return func(s *Scheduler) { s.extract = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a Scheduler over the store, user directory, worker pool
// and cron-file syncer.
func New(cfg *config.Config, st *store.Store, dir *users.Directory, pool *engine.Pool, syncer *cronfile.Syncer, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		store:   st,
		users:   dir,
		pool:    pool,
		syncer:  syncer,
		logger:  observability.Nop(),
		now:     time.Now,
		lastRun: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run holds the daemon lock and ticks until the context ends. With
// scheduler.max_tasks set, Run returns once the pool has processed
// that many tasks; operators use it for bounded drain runs.
func (s *Scheduler) Run(ctx context.Context) error {
	release, err := acquireLock(s.cfg.Scheduler.LockPath)
	if err != nil {
		return err
	}
	defer release()

	s.logger.InfoContext(ctx, "scheduler started",
		"poll_interval", s.cfg.Scheduler.PollInterval.String(),
		"lock", s.cfg.Scheduler.LockPath)

	ticker := time.NewTicker(s.cfg.Scheduler.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			s.tick(ctx)
			if max := s.cfg.Scheduler.MaxTasks; max > 0 && s.pool.Processed() >= int64(max) {
				s.logger.Info("scheduler reached max tasks", "max_tasks", max)
				return nil
			}
		}
	}
}

// RunOnce forces a single pass of every phase plus one dispatch,
// ignoring the interval gates. The run CLI command drives it.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	clear(s.lastRun)
	s.tick(ctx)
	return ctx.Err()
}

// RunBriefings evaluates only the briefing crons once. The run
// --briefings CLI switch drives it.
func (s *Scheduler) RunBriefings(ctx context.Context) error {
	s.runPhase(ctx, "check_briefings", s.checkBriefings)
	return ctx.Err()
}

// tick runs the gated phases in their fixed order, then dispatches.
func (s *Scheduler) tick(ctx context.Context) {
	long := s.cfg.Scheduler.PhaseInterval
	s.phase(ctx, "check_briefings", long, s.checkBriefings)
	s.phase(ctx, "check_scheduled_jobs", long, s.checkScheduledJobs)
	s.phase(ctx, "check_sleep_cycles", long, s.checkSleepCycles)
	if s.emails != nil {
		s.phase(ctx, "poll_emails", s.cfg.Scheduler.EmailPollInterval, s.emails.Poll)
	}
	if s.tasksFiles != nil {
		s.phase(ctx, "poll_tasks_files", s.cfg.Scheduler.TasksFilePollInterval, s.tasksFiles.Poll)
	}
	s.phase(ctx, "organize_shared_files", s.cfg.Scheduler.OrganizeInterval, s.organizeSharedFiles)
	if s.heartbeats != nil {
		s.phase(ctx, "check_heartbeats", long, s.heartbeats.Evaluate)
	}
	s.phase(ctx, "check_invoice_schedules", long, s.checkInvoiceSchedules)
	s.phase(ctx, "run_cleanup_checks", long, s.runCleanupChecks)

	if ctx.Err() == nil {
		func() {
			defer async.Recover(s.logger, "pool.dispatch")
			s.pool.Dispatch(ctx)
		}()
	}
}

// phase runs fn when its interval has elapsed. The stamp is taken
// before fn so a slow phase does not rerun back to back.
func (s *Scheduler) phase(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	now := s.now()
	if last, ok := s.lastRun[name]; ok && now.Sub(last) < interval {
		return
	}
	s.lastRun[name] = now
	s.runPhase(ctx, name, fn)
}

// runPhase contains a phase's panic and logs its error; the loop must
// survive anything a phase does.
func (s *Scheduler) runPhase(ctx context.Context, name string, fn func(context.Context) error) {
	defer async.Recover(s.logger, name)
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "scheduler phase failed", "phase", name, "error", err)
	}
}

// runCleanupChecks runs the store's cleanup routines: expire stale
// confirmations, fail forgotten pending tasks, purge old terminal
// ones.
func (s *Scheduler) runCleanupChecks(ctx context.Context) error {
	stats, err := s.store.RunCleanup(ctx)
	if stats.ExpiredConfirmations+stats.FailedStalePending+stats.PurgedTasks > 0 {
		s.logger.InfoContext(ctx, "cleanup pass",
			"expired_confirmations", stats.ExpiredConfirmations,
			"failed_stale_pending", stats.FailedStalePending,
			"purged_tasks", stats.PurgedTasks)
	}
	return err
}
