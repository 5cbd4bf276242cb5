package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"donna/internal/config"
)

// testClock is a mutable time source shared with the store under
// test. All times are UTC.
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

func openTestStore(t *testing.T, mutate ...func(*config.StoreConfig)) (*Store, *testClock) {
	t.Helper()
	cfg := config.Defaults().Store
	for _, fn := range mutate {
		fn(&cfg)
	}
	clock := newTestClock()
	s, err := Open(filepath.Join(t.TempDir(), "donna.db"), cfg,
		WithClock(clock.Now), WithWorkerPID(4242))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func mustCreate(t *testing.T, s *Store, n NewTask) int64 {
	t.Helper()
	id, err := s.CreateTask(context.Background(), n)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func talkTask(user, prompt string) NewTask {
	return NewTask{
		UserID:            user,
		Prompt:            prompt,
		SourceType:        SourceTalk,
		ConversationToken: "room-1",
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, NewTask{
		UserID:            "alice",
		Prompt:            "summarize my inbox",
		SourceType:        SourceEmail,
		SourceRef:         "<msg-1@example.com>",
		ConversationToken: "thread-9",
		Attachments:       []string{"/tmp/a.pdf"},
		OutputTarget:      TargetEmail,
		Priority:          2,
	})

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	if task.UserID != "alice" || task.Prompt != "summarize my inbox" {
		t.Errorf("unexpected task %+v", task)
	}
	if task.SourceType != SourceEmail || task.Queue() != QueueForeground {
		t.Errorf("source/queue = %v/%v", task.SourceType, task.Queue())
	}
	if len(task.Attachments) != 1 || task.Attachments[0] != "/tmp/a.pdf" {
		t.Errorf("attachments = %v", task.Attachments)
	}
	if !task.CreatedAt.Equal(clock.Now()) {
		t.Errorf("created_at = %v, want %v", task.CreatedAt, clock.Now())
	}
	if task.AttemptCount != 0 || task.WorkerPID != 0 {
		t.Errorf("fresh task has attempt=%d pid=%d", task.AttemptCount, task.WorkerPID)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		task NewTask
	}{
		{"missing user", NewTask{Prompt: "x", SourceType: SourceTalk}},
		{"missing prompt and command", NewTask{UserID: "a", SourceType: SourceTalk}},
		{"both prompt and command", NewTask{UserID: "a", Prompt: "x", Command: "ls", SourceType: SourceTalk}},
		{"bad source", NewTask{UserID: "a", Prompt: "x", SourceType: "pigeon"}},
		{"bad target", NewTask{UserID: "a", Prompt: "x", SourceType: SourceTalk, OutputTarget: "fax"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateTask(ctx, tt.task); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateTaskUnique(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	n := NewTask{
		UserID:     "alice",
		Prompt:     "do the thing",
		SourceType: SourceTasksFile,
		SourceRef:  "sha256:abcd",
	}
	id1, err := s.CreateTaskUnique(ctx, n)
	if err != nil {
		t.Fatalf("first CreateTaskUnique: %v", err)
	}
	_, err = s.CreateTaskUnique(ctx, n)
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("second CreateTaskUnique error = %v, want ErrDuplicateTask", err)
	}
	tasks, err := s.ListTasks(ctx, TaskFilter{SourceType: SourceTasksFile})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id1 {
		t.Errorf("want exactly one task %d, got %v", id1, tasks)
	}
}

func TestUpdateStatusTerminalGuard(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, talkTask("alice", "hello"))
	claimed, err := s.ClaimTask(ctx, "alice", QueueForeground)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	err = s.UpdateStatus(ctx, claimed.ID, StatusCompleted,
		WithResult("done"), WithActions([]string{"read file"}))
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusCompleted || task.Result != "done" {
		t.Errorf("task = %+v", task)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(clock.Now()) {
		t.Errorf("completed_at = %v", task.CompletedAt)
	}
	if len(task.ActionsTaken) != 1 || task.ActionsTaken[0] != "read file" {
		t.Errorf("actions = %v", task.ActionsTaken)
	}

	// Terminal tasks never transition again.
	err = s.UpdateStatus(ctx, id, StatusFailed, WithLastError("late failure"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("transition out of completed: err = %v, want ErrNotFound", err)
	}
	task, _ = s.GetTask(ctx, id)
	if task.Status != StatusCompleted {
		t.Errorf("status changed to %q after terminal", task.Status)
	}
}

func TestPendingConfirmationMayCancel(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, talkTask("alice", "wire money"))
	if _, err := s.ClaimTask(ctx, "alice", QueueForeground); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.UpdateStatus(ctx, id, StatusPendingConfirmation); err != nil {
		t.Fatalf("to pending_confirmation: %v", err)
	}
	if err := s.UpdateStatus(ctx, id, StatusCancelled); err != nil {
		t.Fatalf("pending_confirmation -> cancelled: %v", err)
	}
}

func TestRequestCancel(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, talkTask("alice", "long job"))
	flag, err := s.CancelRequested(ctx, id)
	if err != nil || flag {
		t.Fatalf("fresh task cancel flag = %v, %v", flag, err)
	}
	if err := s.RequestCancel(ctx, id); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	flag, err = s.CancelRequested(ctx, id)
	if err != nil || !flag {
		t.Fatalf("after request, flag = %v, %v", flag, err)
	}

	// Cancelling a terminal task is refused.
	if err := s.UpdateStatus(ctx, id, StatusCancelled); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.RequestCancel(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel on terminal = %v, want ErrNotFound", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, talkTask("alice", "one"))
	clock.Advance(time.Second)
	mustCreate(t, s, NewTask{UserID: "bob", Prompt: "two", SourceType: SourceScheduled})
	clock.Advance(time.Second)
	id3 := mustCreate(t, s, talkTask("alice", "three"))

	all, err := s.ListTasks(ctx, TaskFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d tasks, err %v", len(all), err)
	}
	if all[0].ID != id3 {
		t.Errorf("newest first: got id %d", all[0].ID)
	}

	alice, _ := s.ListTasks(ctx, TaskFilter{UserID: "alice"})
	if len(alice) != 2 {
		t.Errorf("alice tasks = %d, want 2", len(alice))
	}
	scheduled, _ := s.ListTasks(ctx, TaskFilter{SourceType: SourceScheduled})
	if len(scheduled) != 1 || scheduled[0].UserID != "bob" {
		t.Errorf("scheduled = %v", scheduled)
	}
	limited, _ := s.ListTasks(ctx, TaskFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored, got %d", len(limited))
	}
}

func TestHasActiveForegroundForChannel(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	active, err := s.HasActiveForegroundForChannel(ctx, "room-1")
	if err != nil || active {
		t.Fatalf("empty store gate = %v, %v", active, err)
	}

	id := mustCreate(t, s, talkTask("alice", "working"))
	// Pending tasks do not hold the gate.
	active, _ = s.HasActiveForegroundForChannel(ctx, "room-1")
	if active {
		t.Error("pending task should not hold the gate")
	}

	if _, err := s.ClaimTask(ctx, "alice", QueueForeground); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	active, _ = s.HasActiveForegroundForChannel(ctx, "room-1")
	if !active {
		t.Error("running task should hold the gate")
	}

	// A cancel request releases the gate immediately.
	if err := s.RequestCancel(ctx, id); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	active, _ = s.HasActiveForegroundForChannel(ctx, "room-1")
	if active {
		t.Error("cancel-requested task should not hold the gate")
	}
}

func TestHasActiveTaskForRef(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	active, err := s.HasActiveTaskForRef(ctx, SourceHeartbeat, "heartbeat:disk")
	if err != nil || active {
		t.Fatalf("empty store gate = %v, %v", active, err)
	}

	id := mustCreate(t, s, NewTask{
		UserID: "alice", Prompt: "disk is full", SourceType: SourceHeartbeat,
		SourceRef: "heartbeat:disk",
	})
	active, _ = s.HasActiveTaskForRef(ctx, SourceHeartbeat, "heartbeat:disk")
	if !active {
		t.Error("pending task should hold the gate")
	}
	// Same ref under a different source does not collide.
	active, _ = s.HasActiveTaskForRef(ctx, SourceScheduled, "heartbeat:disk")
	if active {
		t.Error("gate leaked across source types")
	}

	if _, err := s.ClaimTask(ctx, "alice", QueueBackground); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.UpdateStatus(ctx, id, StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	active, _ = s.HasActiveTaskForRef(ctx, SourceHeartbeat, "heartbeat:disk")
	if active {
		t.Error("completed task still holds the gate")
	}
}

func TestMarkDeliveryFailed(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, talkTask("alice", "send the summary"))

	// Only completed rows flip.
	if err := s.MarkDeliveryFailed(ctx, id, errors.New("smtp down")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending flip = %v, want ErrNotFound", err)
	}

	if _, err := s.ClaimTask(ctx, "alice", QueueForeground); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.UpdateStatus(ctx, id, StatusCompleted, WithResult("summary text")); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.MarkDeliveryFailed(ctx, id, errors.New("smtp down")); err != nil {
		t.Fatalf("MarkDeliveryFailed: %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if task.Result != "summary text" {
		t.Errorf("result clobbered: %q", task.Result)
	}
	if task.LastError != "delivery: smtp down" {
		t.Errorf("last_error = %q", task.LastError)
	}

	// Already failed: a second flip finds nothing.
	if err := s.MarkDeliveryFailed(ctx, id, errors.New("again")); !errors.Is(err, ErrNotFound) {
		t.Errorf("second flip = %v, want ErrNotFound", err)
	}
}

func TestRecentCompletedForToken(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	for i, prompt := range []string{"first", "second", "third"} {
		id := mustCreate(t, s, talkTask("alice", prompt))
		task, err := s.ClaimTask(ctx, "alice", QueueForeground)
		if err != nil || task.ID != id {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := s.UpdateStatus(ctx, id, StatusCompleted, WithResult("r"+prompt)); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		clock.Advance(time.Minute)
	}
	// A background task in the same room must not appear.
	bid := mustCreate(t, s, NewTask{
		UserID: "alice", Prompt: "briefing", SourceType: SourceBriefing,
		ConversationToken: "room-1",
	})
	if _, err := s.ClaimTask(ctx, "alice", QueueBackground); err != nil {
		t.Fatalf("claim briefing: %v", err)
	}
	if err := s.UpdateStatus(ctx, bid, StatusCompleted); err != nil {
		t.Fatalf("complete briefing: %v", err)
	}

	recent, err := s.RecentCompletedForToken(ctx, "room-1", 2)
	if err != nil {
		t.Fatalf("RecentCompletedForToken: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d tasks, want 2", len(recent))
	}
	if recent[0].Prompt != "third" || recent[1].Prompt != "second" {
		t.Errorf("order = %q, %q", recent[0].Prompt, recent[1].Prompt)
	}
}
