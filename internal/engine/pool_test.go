package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"donna/internal/config"
	"donna/internal/deferred"
	"donna/internal/executor"
	"donna/internal/prompt"
	"donna/internal/store"
	"donna/internal/taskerr"
	"donna/internal/users"
)

type stubAssembler struct {
	mu      sync.Mutex
	calls   int
	commits []string
	fail    error
}

func (s *stubAssembler) Assemble(_ context.Context, task *store.Task) (*prompt.Assembled, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	return &prompt.Assembled{Prompt: "ready: " + task.Prompt, Env: map[string]string{"HOME": "/tmp"}}, nil
}

func (s *stubAssembler) CommitSkillState(_ context.Context, userID string, _ *prompt.Assembled) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, userID)
	return nil
}

func (s *stubAssembler) committed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.commits...)
}

// execFunc adapts a function to the Executor interface.
type execFunc func(ctx context.Context, task *store.Task, asm *prompt.Assembled) (*executor.Result, error)

func (f execFunc) Execute(ctx context.Context, task *store.Task, asm *prompt.Assembled) (*executor.Result, error) {
	return f(ctx, task, asm)
}

type delivered struct {
	taskID int64
	status store.Status
	text   string
	email  *deferred.EmailOutput
}

type stubDelivery struct {
	mu        sync.Mutex
	resultErr error
	results   []delivered
	failures  []string
}

func (d *stubDelivery) DeliverResult(_ context.Context, task *store.Task, out deferred.Outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, delivered{
		taskID: task.ID, status: task.Status, text: task.Result, email: out.EmailOutput,
	})
	return d.resultErr
}

func (d *stubDelivery) DeliverFailure(_ context.Context, _ *store.Task, userMessage string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, userMessage)
	return nil
}

func (d *stubDelivery) deliveredResults() []delivered {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivered{}, d.results...)
}

func (d *stubDelivery) deliveredFailures() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.failures...)
}

func poolConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := config.Defaults()
	cfg.Engine.Home = home
	cfg.Engine.DeferredDir = filepath.Join(home, "tmp")
	cfg.Engine.AdminsFile = filepath.Join(home, "admins")
	cfg.Pool.WorkerIdleTimeout = 60 * time.Millisecond
	return &cfg
}

func newTestPool(t *testing.T, cfg *config.Config, exec Executor, opts ...Option) (*Pool, *store.Store, *stubAssembler, *stubDelivery) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "donna.db"), cfg.Store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir, err := users.NewDirectory(cfg, nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	asm := &stubAssembler{}
	del := &stubDelivery{}
	base := []Option{WithDelivery(del), WithIdlePoll(5 * time.Millisecond)}
	pool := NewPool(cfg, st, dir, asm, exec, append(base, opts...)...)
	t.Cleanup(func() { pool.Stop(2 * time.Second) })
	return pool, st, asm, del
}

func createTalk(t *testing.T, st *store.Store, user, promptText string) int64 {
	t.Helper()
	id, err := st.CreateTask(context.Background(), store.NewTask{
		UserID: user, Prompt: promptText, SourceType: store.SourceTalk, ConversationToken: "room-" + user,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func taskStatus(t *testing.T, st *store.Store, id int64) store.Status {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", id, err)
	}
	return task.Status
}

func okResult(text string) execFunc {
	return func(context.Context, *store.Task, *prompt.Assembled) (*executor.Result, error) {
		return &executor.Result{Text: text, Actions: []string{"Read: notes.md"}}, nil
	}
}

func TestWorkerProcessesTask(t *testing.T) {
	cfg := poolConfig(t)
	pool, st, asm, del := newTestPool(t, cfg, okResult("all set"))
	ctx := context.Background()

	dir, err := users.NewDirectory(cfg, nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	post := deferred.NewProcessor(st, dir)
	WithPostProcessor(post)(pool)

	id := createTalk(t, st, "alice", "tidy the inbox")

	// Stage a deferred file so the post-processing step is observable.
	tmp, err := dir.EnsureTempDir("alice")
	if err != nil {
		t.Fatalf("EnsureTempDir: %v", err)
	}
	subPath := filepath.Join(tmp, fmt.Sprintf("task_%d_subtasks.json", id))
	if err := os.WriteFile(subPath, []byte(`[{"prompt": "archive newsletters"}]`), 0o644); err != nil {
		t.Fatalf("stage subtasks: %v", err)
	}

	pool.Dispatch(ctx)

	waitFor(t, "task completion", func() bool {
		return taskStatus(t, st, id) == store.StatusCompleted
	})
	task, _ := st.GetTask(ctx, id)
	if task.Result != "all set" {
		t.Errorf("result = %q", task.Result)
	}
	if len(task.ActionsTaken) != 1 || task.ActionsTaken[0] != "Read: notes.md" {
		t.Errorf("actions = %v", task.ActionsTaken)
	}

	waitFor(t, "delivery", func() bool { return len(del.deliveredResults()) == 1 })
	got := del.deliveredResults()[0]
	if got.taskID != id || got.text != "all set" {
		t.Errorf("delivered = %+v", got)
	}

	waitFor(t, "skill state commit", func() bool {
		c := asm.committed()
		return len(c) == 1 && c[0] == "alice"
	})

	waitFor(t, "deferred subtask", func() bool {
		subs, err := st.ListTasks(ctx, store.TaskFilter{SourceType: store.SourceScheduled})
		return err == nil && len(subs) == 1
	})
	if _, err := os.Stat(subPath); !os.IsNotExist(err) {
		t.Error("deferred file survived apply")
	}

	waitFor(t, "worker idle exit", func() bool {
		return pool.Active(store.QueueForeground) == 0
	})
}

func TestDeliveryFailureFlipsTaskToFailed(t *testing.T) {
	cfg := poolConfig(t)
	pool, st, _, del := newTestPool(t, cfg, okResult("drafted the reply"))
	del.resultErr = errors.New("talk send: connection refused")
	ctx := context.Background()

	id := createTalk(t, st, "alice", "draft a reply")
	pool.Dispatch(ctx)

	waitFor(t, "delivery failure recorded", func() bool {
		return taskStatus(t, st, id) == store.StatusFailed
	})
	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Result != "drafted the reply" {
		t.Errorf("result lost on delivery failure: %q", task.Result)
	}
	if !strings.Contains(task.LastError, "delivery:") || !strings.Contains(task.LastError, "connection refused") {
		t.Errorf("last_error = %q", task.LastError)
	}
	// The work itself succeeded; no failure notification goes out.
	if got := del.deliveredFailures(); len(got) != 0 {
		t.Errorf("unexpected failure deliveries: %v", got)
	}
}

func TestWorkerDrainsQueueSerially(t *testing.T) {
	cfg := poolConfig(t)
	cfg.Pool.UserMaxForegroundWorkers = 1

	var mu sync.Mutex
	var order []int64
	exec := execFunc(func(_ context.Context, task *store.Task, _ *prompt.Assembled) (*executor.Result, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return &executor.Result{Text: "ok"}, nil
	})
	pool, st, _, _ := newTestPool(t, cfg, exec)
	ctx := context.Background()

	first := createTalk(t, st, "alice", "first")
	second := createTalk(t, st, "alice", "second")

	pool.Dispatch(ctx)
	waitFor(t, "both tasks done", func() bool {
		return taskStatus(t, st, first) == store.StatusCompleted &&
			taskStatus(t, st, second) == store.StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != first || order[1] != second {
		t.Errorf("execution order = %v, want [%d %d]", order, first, second)
	}
	if pool.ActiveForUser("alice", store.QueueForeground) > 1 {
		t.Error("single-cap user got a second worker")
	}
}

func TestDispatchRespectsInstanceCap(t *testing.T) {
	cfg := poolConfig(t)
	cfg.Pool.MaxForegroundWorkers = 2
	cfg.Pool.UserMaxForegroundWorkers = 2

	gate := make(chan struct{})
	exec := execFunc(func(ctx context.Context, _ *store.Task, _ *prompt.Assembled) (*executor.Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return &executor.Result{Text: "done"}, nil
	})
	pool, st, _, _ := newTestPool(t, cfg, exec)
	ctx := context.Background()

	ids := []int64{
		createTalk(t, st, "alice", "a"),
		createTalk(t, st, "bob", "b"),
		createTalk(t, st, "carol", "c"),
	}

	pool.Dispatch(ctx)
	waitFor(t, "two workers", func() bool { return pool.Active(store.QueueForeground) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := pool.Active(store.QueueForeground); n != 2 {
		t.Fatalf("Active = %d, want instance cap 2", n)
	}

	close(gate)
	waitFor(t, "all three tasks", func() bool {
		pool.Dispatch(ctx)
		for _, id := range ids {
			if taskStatus(t, st, id) != store.StatusCompleted {
				return false
			}
		}
		return true
	})
}

func TestDispatchRespectsUserCap(t *testing.T) {
	cfg := poolConfig(t)
	cfg.Pool.MaxForegroundWorkers = 5
	cfg.Pool.UserMaxForegroundWorkers = 1

	gate := make(chan struct{})
	exec := execFunc(func(ctx context.Context, _ *store.Task, _ *prompt.Assembled) (*executor.Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return &executor.Result{Text: "done"}, nil
	})
	pool, st, _, _ := newTestPool(t, cfg, exec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createTalk(t, st, "alice", fmt.Sprintf("job %d", i))
	}

	pool.Dispatch(ctx)
	pool.Dispatch(ctx) // a second tick must not exceed the user cap
	waitFor(t, "one worker", func() bool { return pool.ActiveForUser("alice", store.QueueForeground) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := pool.ActiveForUser("alice", store.QueueForeground); n != 1 {
		t.Fatalf("ActiveForUser = %d, want user cap 1", n)
	}
	close(gate)
}

// Boundary: a worker idle for exactly the idle timeout exits; it
// does not hang on until the next poll past the deadline.
func TestWorkerExitsAtExactIdleTimeout(t *testing.T) {
	cfg := poolConfig(t)

	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	pool, _, _, _ := newTestPool(t, cfg, okResult("unused"), WithClock(clock))

	done := make(chan struct{})
	go func() {
		pool.runWorker(context.Background(),
			slotKey{UserID: "alice", Queue: store.QueueForeground}, pool.logger)
		close(done)
	}()

	// A few empty claim cycles inside the idle window.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("worker exited before the idle timeout")
	default:
	}

	mu.Lock()
	now = now.Add(cfg.Pool.WorkerIdleTimeout) // exactly at the boundary
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker still running at the exact idle timeout")
	}
}

func TestSpawnFillsLowestFreeSlot(t *testing.T) {
	cfg := poolConfig(t)
	pool, _, _, _ := newTestPool(t, cfg, okResult("ok"))
	ctx := context.Background()

	// Occupy slots 0 and 1 by hand, then free slot 0.
	k0 := slotKey{UserID: "alice", Queue: store.QueueForeground, Index: 0}
	k1 := slotKey{UserID: "alice", Queue: store.QueueForeground, Index: 1}
	pool.mu.Lock()
	pool.workers[k0] = &worker{key: k0}
	pool.workers[k1] = &worker{key: k1}
	pool.mu.Unlock()

	pool.mu.Lock()
	delete(pool.workers, k0)
	pool.mu.Unlock()

	if !pool.spawn(ctx, "alice", store.QueueForeground) {
		t.Fatal("spawn refused")
	}
	var spawned *SlotInfo
	for _, s := range pool.Snapshot() {
		if s.RunID != "" {
			s := s
			spawned = &s
		}
	}
	if spawned == nil {
		t.Fatal("spawned worker not in snapshot")
	}
	if spawned.Slot != 0 {
		t.Errorf("spawn took slot %d, want the freed slot 0", spawned.Slot)
	}

	pool.mu.Lock()
	delete(pool.workers, k1)
	pool.mu.Unlock()
}

func TestRotateResumesAfterLastServed(t *testing.T) {
	cfg := poolConfig(t)
	pool, _, _, _ := newTestPool(t, cfg, okResult("ok"))

	ids := []string{"alice", "bob", "carol", "dave"}

	got := pool.rotate(store.QueueForeground, ids)
	if strings.Join(got, ",") != "alice,bob,carol,dave" {
		t.Errorf("fresh rotate = %v", got)
	}

	pool.markServed(store.QueueForeground, "bob")
	got = pool.rotate(store.QueueForeground, ids)
	if strings.Join(got, ",") != "carol,dave,alice,bob" {
		t.Errorf("rotate after bob = %v", got)
	}

	pool.markServed(store.QueueForeground, "dave")
	got = pool.rotate(store.QueueForeground, ids)
	if strings.Join(got, ",") != "alice,bob,carol,dave" {
		t.Errorf("rotate wraps after dave = %v", got)
	}

	// The served user may have left the pending list entirely.
	pool.markServed(store.QueueForeground, "bob")
	got = pool.rotate(store.QueueForeground, []string{"alice", "carol"})
	if strings.Join(got, ",") != "carol,alice" {
		t.Errorf("rotate with absent cursor = %v", got)
	}
}

func TestConfirmationParksTask(t *testing.T) {
	cfg := poolConfig(t)
	pool, st, _, del := newTestPool(t, cfg, okResult("Send the invoice to ACME for 1200 EUR?\n[CONFIRM]"))
	ctx := context.Background()

	id := createTalk(t, st, "alice", "invoice ACME")
	pool.Dispatch(ctx)

	waitFor(t, "confirmation park", func() bool {
		return taskStatus(t, st, id) == store.StatusPendingConfirmation
	})
	task, _ := st.GetTask(ctx, id)
	if strings.Contains(task.Result, "[CONFIRM]") {
		t.Errorf("marker not stripped: %q", task.Result)
	}
	if task.Result != "Send the invoice to ACME for 1200 EUR?" {
		t.Errorf("result = %q", task.Result)
	}

	// The question still reaches the user.
	waitFor(t, "question delivered", func() bool { return len(del.deliveredResults()) == 1 })
	if got := del.deliveredResults()[0]; got.status != store.StatusPendingConfirmation {
		t.Errorf("delivered status = %q", got.status)
	}
}

func TestFailureRequeuesWithBackoff(t *testing.T) {
	cfg := poolConfig(t)
	exec := execFunc(func(context.Context, *store.Task, *prompt.Assembled) (*executor.Result, error) {
		return nil, taskerr.Terminal(fmt.Errorf("boom"), "execution failed")
	})
	pool, st, _, del := newTestPool(t, cfg, exec)
	ctx := context.Background()

	id := createTalk(t, st, "alice", "fragile job")
	pool.Dispatch(ctx)

	waitFor(t, "requeue", func() bool {
		task, err := st.GetTask(ctx, id)
		return err == nil && task.Status == store.StatusPending && task.AttemptCount == 1
	})
	task, _ := st.GetTask(ctx, id)
	if task.NotBefore == nil || !task.NotBefore.After(time.Now()) {
		t.Errorf("not_before = %v, want future backoff", task.NotBefore)
	}
	if task.LastError == "" {
		t.Error("last_error empty after failed attempt")
	}
	if len(del.deliveredFailures()) != 0 {
		t.Errorf("failure delivered while retries remain: %v", del.deliveredFailures())
	}
}

func TestFinalFailureNotifiesUser(t *testing.T) {
	cfg := poolConfig(t)
	cfg.Store.MaxAttempts = 1
	exec := execFunc(func(context.Context, *store.Task, *prompt.Assembled) (*executor.Result, error) {
		return nil, taskerr.Terminal(fmt.Errorf("invalid api key"), "execution failed")
	})
	pool, st, _, del := newTestPool(t, cfg, exec)
	ctx := context.Background()

	id := createTalk(t, st, "alice", "doomed job")
	pool.Dispatch(ctx)

	waitFor(t, "terminal failure", func() bool {
		return taskStatus(t, st, id) == store.StatusFailed
	})
	waitFor(t, "failure notice", func() bool { return len(del.deliveredFailures()) == 1 })
	if msg := del.deliveredFailures()[0]; msg == "" {
		t.Error("empty user-facing failure message")
	}
}

func TestCancelledExecution(t *testing.T) {
	cfg := poolConfig(t)
	exec := execFunc(func(context.Context, *store.Task, *prompt.Assembled) (*executor.Result, error) {
		return nil, taskerr.Cancelled("stop requested")
	})
	pool, st, _, del := newTestPool(t, cfg, exec)
	ctx := context.Background()

	id := createTalk(t, st, "alice", "cancel me")
	pool.Dispatch(ctx)

	waitFor(t, "cancelled status", func() bool {
		return taskStatus(t, st, id) == store.StatusCancelled
	})
	time.Sleep(20 * time.Millisecond)
	if n := len(del.deliveredResults()) + len(del.deliveredFailures()); n != 0 {
		t.Errorf("cancelled task delivered %d messages", n)
	}
}

func TestPanicContainment(t *testing.T) {
	cfg := poolConfig(t)
	cfg.Store.MaxAttempts = 1
	exec := execFunc(func(_ context.Context, task *store.Task, _ *prompt.Assembled) (*executor.Result, error) {
		if strings.Contains(task.Prompt, "explode") {
			panic("executor bug")
		}
		return &executor.Result{Text: "fine"}, nil
	})
	pool, st, _, del := newTestPool(t, cfg, exec)
	ctx := context.Background()

	bad := createTalk(t, st, "alice", "explode now")
	pool.Dispatch(ctx)
	waitFor(t, "panicked task failed", func() bool {
		return taskStatus(t, st, bad) == store.StatusFailed
	})
	waitFor(t, "panic failure notice", func() bool { return len(del.deliveredFailures()) == 1 })

	// The pool keeps working afterwards.
	good := createTalk(t, st, "alice", "normal job")
	waitFor(t, "next task completes", func() bool {
		pool.Dispatch(ctx)
		return taskStatus(t, st, good) == store.StatusCompleted
	})
}

func TestCommandTaskSkipsAssembler(t *testing.T) {
	cfg := poolConfig(t)
	exec := execFunc(func(_ context.Context, task *store.Task, asm *prompt.Assembled) (*executor.Result, error) {
		if asm != nil {
			t.Error("command task got an assembled prompt")
		}
		if !task.IsCommand() {
			t.Error("expected a command task")
		}
		return &executor.Result{Text: "ran"}, nil
	})
	pool, st, asm, _ := newTestPool(t, cfg, exec)
	ctx := context.Background()

	id, err := st.CreateTask(ctx, store.NewTask{
		UserID: "alice", Command: "echo hi", SourceType: store.SourceScheduled,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	pool.Dispatch(ctx)
	waitFor(t, "command completion", func() bool {
		return taskStatus(t, st, id) == store.StatusCompleted
	})
	if asm.calls != 0 {
		t.Errorf("assembler called %d times for a command task", asm.calls)
	}
}

func TestStopWaitsForWorkers(t *testing.T) {
	cfg := poolConfig(t)
	gate := make(chan struct{})
	exec := execFunc(func(ctx context.Context, _ *store.Task, _ *prompt.Assembled) (*executor.Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return &executor.Result{Text: "done"}, nil
	})
	pool, st, _, _ := newTestPool(t, cfg, exec)
	ctx := context.Background()

	createTalk(t, st, "alice", "slow job")
	pool.Dispatch(ctx)
	waitFor(t, "worker busy", func() bool { return pool.Active(store.QueueForeground) == 1 })

	if pool.Stop(30 * time.Millisecond) {
		t.Error("Stop reported drained while a worker was busy")
	}
	close(gate)
	if !pool.Stop(2 * time.Second) {
		t.Error("Stop timed out after the worker was released")
	}
	if pool.spawn(ctx, "alice", store.QueueForeground) {
		t.Error("spawn allowed after Stop")
	}
}

func TestSplitConfirmation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in       string
		wantText string
		wantOK   bool
	}{
		{"plain answer", "plain answer", false},
		{"May I delete it?\n[CONFIRM]", "May I delete it?", true},
		{"May I delete it?\n[CONFIRM]\n\n", "May I delete it?", true},
		{"[CONFIRM]", "", true},
		{"[CONFIRM] in the middle", "[CONFIRM] in the middle", false},
	}
	for _, tc := range cases {
		text, ok := splitConfirmation(tc.in)
		if text != tc.wantText || ok != tc.wantOK {
			t.Errorf("splitConfirmation(%q) = (%q, %v), want (%q, %v)",
				tc.in, text, ok, tc.wantText, tc.wantOK)
		}
	}
}
