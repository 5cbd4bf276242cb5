package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"donna/internal/config"
	"donna/internal/cronfile"
	"donna/internal/engine"
	"donna/internal/store"
	"donna/internal/taskerr"
	"donna/internal/users"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	sched *Scheduler
	store *store.Store
	clock *testClock
	cfg   *config.Config
	base  string
}

// newFixture wires a scheduler over a real store with a pinned clock.
// The cron directory does not exist until a test writes a file into
// it, so directly upserted jobs survive the sync pass. "alice" is the
// one configured user; tests add more through f.cfg.Users.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := config.Defaults()
	cfg.Engine.Timezone = "UTC"
	cfg.Engine.AdminsFile = filepath.Join(base, "admins")
	cfg.Engine.DeferredDir = filepath.Join(base, "tmp")
	cfg.Prompt.MemoryDir = filepath.Join(base, "memory")
	cfg.Scheduler.LockPath = filepath.Join(base, "daemon.lock")
	cfg.Scheduler.CronFileDir = filepath.Join(base, "cron")
	cfg.Users["alice"] = config.UserConfig{}

	clock := newTestClock()
	st, err := store.Open(filepath.Join(base, "donna.db"), cfg.Store,
		store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir, err := users.NewDirectory(&cfg, nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	pool := engine.NewPool(&cfg, st, dir, nil, nil, engine.WithClock(clock.Now))
	syncer := cronfile.NewSyncer(st, cfg.Scheduler.CronFileDir, nil)

	opts = append(opts, WithClock(clock.Now))
	return &fixture{
		sched: New(&cfg, st, dir, pool, syncer, opts...),
		store: st,
		clock: clock,
		cfg:   &cfg,
		base:  base,
	}
}

func (f *fixture) tasks(t *testing.T, src store.SourceType) []store.Task {
	t.Helper()
	tasks, err := f.store.ListTasks(context.Background(),
		store.TaskFilter{SourceType: src})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	return tasks
}

// finish claims the next task on the queue and drives it to a terminal
// status, standing in for a worker.
func (f *fixture) finish(t *testing.T, userID string, queue store.QueueType, status store.Status, opts ...store.UpdateOption) *store.Task {
	t.Helper()
	task, err := f.store.ClaimTask(context.Background(), userID, queue)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := f.store.UpdateStatus(context.Background(), task.ID, status, opts...); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	return task
}

func (f *fixture) writeCronFile(t *testing.T, userID, body string) {
	t.Helper()
	if err := os.MkdirAll(f.cfg.Scheduler.CronFileDir, 0o755); err != nil {
		t.Fatalf("mkdir cron dir: %v", err)
	}
	path := filepath.Join(f.cfg.Scheduler.CronFileDir, userID+".toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write cron file: %v", err)
	}
}

func TestRunRefusesWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	release, err := acquireLock(f.cfg.Scheduler.LockPath)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer release()

	err = f.sched.Run(context.Background())
	if err == nil {
		t.Fatal("Run acquired a held lock")
	}
	if !taskerr.IsConfiguration(err) {
		t.Errorf("lock refusal not a configuration error: %v", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Errorf("lock refusal does not name the owner: %v", err)
	}
}

func TestRunStopsAndReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.cfg.Scheduler.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := f.sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(f.cfg.Scheduler.LockPath); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Run: %v", err)
	}

	// A second daemon can start right away.
	release, err := acquireLock(f.cfg.Scheduler.LockPath)
	if err != nil {
		t.Fatalf("re-acquire after Run: %v", err)
	}
	release()
}

func TestRunOnceHonorsCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.sched.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("RunOnce = %v, want context.Canceled", err)
	}
}

func TestRunBriefingsEvaluatesOnlyBriefings(t *testing.T) {
	f := newFixture(t)
	f.cfg.Users["alice"] = config.UserConfig{BriefingCron: "0 7 * * *"}
	f.clock.Set(time.Date(2026, 3, 14, 7, 0, 30, 0, time.UTC))

	// A due scheduled job proves the other phases stay untouched.
	if _, err := f.store.UpsertScheduledJob(context.Background(), store.ScheduledJob{
		UserID: "alice", Name: "side", CronExpr: "* * * * *",
		Prompt: "side work", Enabled: true,
	}); err != nil {
		t.Fatalf("UpsertScheduledJob: %v", err)
	}

	if err := f.sched.RunBriefings(context.Background()); err != nil {
		t.Fatalf("RunBriefings: %v", err)
	}
	if got := len(f.tasks(t, store.SourceBriefing)); got != 1 {
		t.Errorf("briefing tasks = %d, want 1", got)
	}
	if got := len(f.tasks(t, store.SourceScheduled)); got != 0 {
		t.Errorf("scheduled tasks = %d, want 0", got)
	}
}

// TestPhaseGateStampsBeforeRun pins the re-run rule: a phase runs once
// per interval even when invoked back to back, and a forced RunOnce
// clears the gates.
func TestPhaseGateStampsBeforeRun(t *testing.T) {
	f := newFixture(t)
	runs := 0
	count := func(context.Context) error { runs++; return nil }
	ctx := context.Background()

	f.sched.phase(ctx, "counted", time.Minute, count)
	f.sched.phase(ctx, "counted", time.Minute, count)
	if runs != 1 {
		t.Fatalf("runs inside interval = %d, want 1", runs)
	}

	f.clock.Advance(59 * time.Second)
	f.sched.phase(ctx, "counted", time.Minute, count)
	if runs != 1 {
		t.Fatalf("runs just before interval = %d, want 1", runs)
	}

	f.clock.Advance(time.Second)
	f.sched.phase(ctx, "counted", time.Minute, count)
	if runs != 2 {
		t.Fatalf("runs after interval = %d, want 2", runs)
	}

	clear(f.sched.lastRun)
	f.sched.phase(ctx, "counted", time.Minute, count)
	if runs != 3 {
		t.Errorf("runs after gate reset = %d, want 3", runs)
	}
}

// TestPhasePanicIsContained: a panicking phase must not take down the
// loop, and the other phases still run.
func TestPhasePanicIsContained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ran := false

	f.sched.runPhase(ctx, "explodes", func(context.Context) error {
		panic("phase blew up")
	})
	f.sched.runPhase(ctx, "survives", func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("phase after a panic did not run")
	}
}
