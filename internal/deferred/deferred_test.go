package deferred

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"donna/internal/config"
	"donna/internal/store"
	"donna/internal/users"
)

type fixture struct {
	cfg   *config.Config
	store *store.Store
	users *users.Directory
	proc  *Processor
}

// newFixture wires a processor over a real store. admins lists the
// admin user ids; empty means everyone is an admin.
func newFixture(t *testing.T, admins string) *fixture {
	t.Helper()
	home := t.TempDir()
	cfg := config.Defaults()
	cfg.Engine.Home = home
	cfg.Engine.DeferredDir = filepath.Join(home, "tmp")
	cfg.Engine.AdminsFile = filepath.Join(home, "admins")
	if admins != "" {
		if err := os.WriteFile(cfg.Engine.AdminsFile, []byte(admins), 0o644); err != nil {
			t.Fatalf("write admins: %v", err)
		}
	}

	st, err := store.Open(filepath.Join(home, "donna.db"), cfg.Store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir, err := users.NewDirectory(&cfg, nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	return &fixture{cfg: &cfg, store: st, users: dir, proc: NewProcessor(st, dir)}
}

// completedTask creates a completed task owned by user and returns it.
func (f *fixture) completedTask(t *testing.T, user string) *store.Task {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.CreateTask(ctx, store.NewTask{
		UserID:     user,
		Prompt:     "do the thing",
		SourceType: store.SourceTalk,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := f.store.UpdateStatus(ctx, id, store.StatusCompleted, store.WithResult("done")); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	task, err := f.store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

// stage writes a deferred file for the task into the user's temp dir.
func (f *fixture) stage(t *testing.T, task *store.Task, kind, content string) string {
	t.Helper()
	dir, err := f.users.EnsureTempDir(task.UserID)
	if err != nil {
		t.Fatalf("EnsureTempDir: %v", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("task_%d_%s.json", task.ID, kind))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("stage %s: %v", kind, err)
	}
	return path
}

func fileGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("%s still present after apply", path)
	}
}

func TestApplySubtasks(t *testing.T) {
	f := newFixture(t, "") // missing admins file: everyone is admin
	ctx := context.Background()
	task := f.completedTask(t, "alice")

	path := f.stage(t, task, kindSubtasks, `[
		{"prompt": "water the plants", "source_type": "scheduled"},
		{"user_id": "bob", "prompt": "file the report", "source_type": "scheduled"}
	]`)

	out := f.proc.Apply(ctx, task)
	if out.SubtasksCreated != 2 {
		t.Fatalf("SubtasksCreated = %d, want 2", out.SubtasksCreated)
	}
	fileGone(t, path)

	subs, err := f.store.ListTasks(ctx, store.TaskFilter{SourceType: store.SourceScheduled})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("subtasks = %d, want 2", len(subs))
	}
	wantRef := fmt.Sprintf("task:%d", task.ID)
	byUser := map[string]store.Task{}
	for _, s := range subs {
		if s.SourceRef != wantRef {
			t.Errorf("subtask %d source_ref = %q, want %q", s.ID, s.SourceRef, wantRef)
		}
		if s.Status != store.StatusPending {
			t.Errorf("subtask %d status = %q, want pending", s.ID, s.Status)
		}
		byUser[s.UserID] = s
	}
	if byUser["alice"].Prompt != "water the plants" {
		t.Errorf("alice subtask prompt = %q", byUser["alice"].Prompt)
	}
	if byUser["bob"].Prompt != "file the report" {
		t.Errorf("bob subtask prompt = %q", byUser["bob"].Prompt)
	}

	// The file is gone, so a second pass creates nothing.
	if again := f.proc.Apply(ctx, task); again.SubtasksCreated != 0 {
		t.Errorf("second apply created %d subtasks", again.SubtasksCreated)
	}
	subs, _ = f.store.ListTasks(ctx, store.TaskFilter{SourceType: store.SourceScheduled})
	if len(subs) != 2 {
		t.Errorf("subtasks after second apply = %d, want 2", len(subs))
	}
}

func TestApplySubtasksNonAdminRejected(t *testing.T) {
	f := newFixture(t, "root-user\n")
	ctx := context.Background()
	task := f.completedTask(t, "alice")

	path := f.stage(t, task, kindSubtasks, `[{"prompt": "escalate myself"}]`)

	out := f.proc.Apply(ctx, task)
	if out.SubtasksCreated != 0 {
		t.Fatalf("SubtasksCreated = %d, want 0 for non-admin", out.SubtasksCreated)
	}
	fileGone(t, path)

	subs, err := f.store.ListTasks(ctx, store.TaskFilter{SourceType: store.SourceScheduled})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("non-admin created %d subtasks", len(subs))
	}
}

func TestApplyTransactionsDedup(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	task := f.completedTask(t, "alice")

	f.stage(t, task, kindTransactions,
		`[{"amount": 12.5, "payee": "cafe"}, {"amount": 12.5, "payee": "cafe"}, {"amount": 3, "payee": "kiosk"}]`)

	out := f.proc.Apply(ctx, task)
	if out.TransactionsTracked != 2 {
		t.Fatalf("TransactionsTracked = %d, want 2 after in-file dedup", out.TransactionsTracked)
	}

	// A later task staging the same record dedups against the table.
	second := f.completedTask(t, "alice")
	f.stage(t, second, kindTransactions, `[{"payee": "cafe", "amount": 12.5}]`)
	out = f.proc.Apply(ctx, second)
	if out.TransactionsTracked != 0 {
		t.Errorf("TransactionsTracked = %d, want 0 for a repeated record", out.TransactionsTracked)
	}

	n, err := f.store.TrackedTransactionCount(ctx, "alice")
	if err != nil || n != 2 {
		t.Errorf("tracked count = %d, %v, want 2", n, err)
	}
}

func TestApplyEmailOutput(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	task := f.completedTask(t, "alice")
	f.stage(t, task, kindEmailOutput, `{"subject": "Weekly digest", "body": "<p>hi</p>", "format": "html"}`)
	out := f.proc.Apply(ctx, task)
	if out.EmailOutput == nil {
		t.Fatal("EmailOutput not captured")
	}
	if out.EmailOutput.Subject != "Weekly digest" || out.EmailOutput.Format != "html" {
		t.Errorf("EmailOutput = %+v", out.EmailOutput)
	}

	// Unknown format falls back to plain.
	task = f.completedTask(t, "alice")
	f.stage(t, task, kindEmailOutput, `{"subject": "s", "body": "b", "format": "markdown"}`)
	if out := f.proc.Apply(ctx, task); out.EmailOutput == nil || out.EmailOutput.Format != "plain" {
		t.Errorf("unknown format EmailOutput = %+v", out.EmailOutput)
	}

	// A trailing comma is repaired rather than rejected.
	task = f.completedTask(t, "alice")
	f.stage(t, task, kindEmailOutput, `{"subject": "Fixed", "body": "ok",}`)
	if out := f.proc.Apply(ctx, task); out.EmailOutput == nil || out.EmailOutput.Subject != "Fixed" {
		t.Errorf("repaired EmailOutput = %+v", out.EmailOutput)
	}
}

func TestApplyWrongShapeRejected(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	task := f.completedTask(t, "alice")

	// An object where an array belongs stays invalid after repair.
	path := f.stage(t, task, kindSubtasks, `{"prompt": "not an array"}`)

	out := f.proc.Apply(ctx, task)
	if out.SubtasksCreated != 0 {
		t.Fatalf("SubtasksCreated = %d, want 0", out.SubtasksCreated)
	}
	fileGone(t, path)
}

func TestApplySkipsBlankPrompts(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	task := f.completedTask(t, "alice")

	f.stage(t, task, kindSubtasks, `[{"prompt": "  "}, {"prompt": "real work"}]`)
	out := f.proc.Apply(ctx, task)
	if out.SubtasksCreated != 1 {
		t.Errorf("SubtasksCreated = %d, want 1", out.SubtasksCreated)
	}
}

func TestApplyLeavesOtherTasksFiles(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	first := f.completedTask(t, "alice")
	second := f.completedTask(t, "alice")

	otherPath := f.stage(t, second, kindSubtasks, `[{"prompt": "belongs to the second task"}]`)

	out := f.proc.Apply(ctx, first)
	if out.SubtasksCreated != 0 {
		t.Errorf("SubtasksCreated = %d, want 0", out.SubtasksCreated)
	}
	if _, err := os.Stat(otherPath); err != nil {
		t.Errorf("another task's file was touched: %v", err)
	}
}

func TestApplyNoFiles(t *testing.T) {
	f := newFixture(t, "")
	task := f.completedTask(t, "alice")
	if out := f.proc.Apply(context.Background(), task); out != (Outcome{}) {
		t.Errorf("Apply with no files = %+v, want zero outcome", out)
	}
}

func TestApplyNilTask(t *testing.T) {
	f := newFixture(t, "")
	if out := f.proc.Apply(context.Background(), nil); out != (Outcome{}) {
		t.Errorf("Apply(nil) = %+v", out)
	}
}
