package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/store"
)

// testCLI returns a CLI wired to a throwaway home so commands run
// against a fresh database.
func testCLI(t *testing.T) (*CLI, *bytes.Buffer) {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Defaults()
	cfg.Engine.Home = tmp
	cfg.Engine.DBPath = filepath.Join(tmp, "data", "donna.db")
	cfg.Engine.DeferredDir = filepath.Join(tmp, "deferred")
	cfg.Engine.AdminsFile = filepath.Join(tmp, "admins")
	cfg.Scheduler.CronFileDir = filepath.Join(tmp, "cron")
	cfg.Scheduler.LockPath = filepath.Join(tmp, "scheduler.lock")

	var buf bytes.Buffer
	c := newCLI()
	c.cfg = &cfg
	c.logger = observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
	c.out = &buf
	return c, &buf
}

func TestShortAge(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{12 * time.Second, "12s"},
		{90 * time.Second, "1m"},
		{45 * time.Minute, "45m"},
		{3 * time.Hour, "3h"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := shortAge(tt.d); got != tt.want {
			t.Errorf("shortAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestExcerptTruncatesOnRunes(t *testing.T) {
	t.Parallel()
	if got := excerpt("short text", 20); got != "short text" {
		t.Errorf("excerpt kept short text wrong: %q", got)
	}
	long := strings.Repeat("ü", 30)
	got := excerpt(long, 10)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("excerpt(%q) = %q, want ellipsis suffix", long, got)
	}
	if n := len([]rune(got)); n > 11 {
		t.Errorf("excerpt rune length = %d, want <= 11", n)
	}
	folded := excerpt("several\n  words\twith   space", 60)
	if folded != "several words with space" {
		t.Errorf("excerpt fold = %q", folded)
	}
}

func TestLooksLikeMarkdown(t *testing.T) {
	t.Parallel()
	positive := []string{
		"# Heading\n\nBody text here",
		"Choose:\n- one\n- two\n- three",
		"Some `code` and more `code` inline",
		"before\n```go\nfunc main() {}\n```\nafter",
		"See [the docs](https://example.com) for details",
	}
	for _, s := range positive {
		if !looksLikeMarkdown(s) {
			t.Errorf("looksLikeMarkdown(%q) = false, want true", s)
		}
	}
	negative := []string{
		"",
		"ok",
		"plain sentence with no structure at all",
	}
	for _, s := range negative {
		if looksLikeMarkdown(s) {
			t.Errorf("looksLikeMarkdown(%q) = true, want false", s)
		}
	}
}

func TestUsageErrorDetection(t *testing.T) {
	t.Parallel()
	err := usagef("bad flag %q", "x")
	if !isUsage(err) {
		t.Fatalf("usagef result not detected as usage error")
	}
	if isUsage(context.Canceled) {
		t.Errorf("unrelated error detected as usage error")
	}
	if got := err.Error(); !strings.Contains(got, `bad flag "x"`) {
		t.Errorf("usage error text = %q", got)
	}
}

func TestParseExtras(t *testing.T) {
	t.Parallel()
	m, err := parseExtras([]string{"currency=EUR", "note=a=b"})
	if err != nil {
		t.Fatalf("parseExtras: %v", err)
	}
	if m["currency"] != "EUR" || m["note"] != "a=b" {
		t.Errorf("parseExtras = %#v", m)
	}
	if _, err := parseExtras([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing =")
	}
	if _, err := parseExtras([]string{"=empty"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if m, err := parseExtras(nil); err != nil || m != nil {
		t.Fatalf("parseExtras(nil) = %v, %v", m, err)
	}
}

func TestListCommandEmptyQueue(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)
	cmd := c.newListCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-u", "alice"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(buf.String(), "no tasks") {
		t.Errorf("expected empty marker, got:\n%s", buf.String())
	}
}

func TestTaskEnqueueThenShow(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)

	task := c.newTaskCommand()
	task.SetOut(buf)
	task.SetArgs([]string{"remember the milk", "-u", "alice"})
	if err := task.Execute(); err != nil {
		t.Fatalf("task: %v", err)
	}
	if !strings.Contains(buf.String(), "queued task 1 for alice") {
		t.Fatalf("unexpected enqueue output:\n%s", buf.String())
	}

	buf.Reset()
	list := c.newListCommand()
	list.SetOut(buf)
	list.SetArgs([]string{"-u", "alice"})
	if err := list.Execute(); err != nil {
		t.Fatalf("list: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "remember the milk") || !strings.Contains(out, "pending") {
		t.Fatalf("list output missing task:\n%s", out)
	}

	buf.Reset()
	show := c.newShowCommand()
	show.SetOut(buf)
	show.SetArgs([]string{"1"})
	if err := show.Execute(); err != nil {
		t.Fatalf("show: %v", err)
	}
	out = buf.String()
	for _, want := range []string{"alice", "pending", "remember the milk", "cli"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestTaskRequiresTextOrCommand(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)

	neither := c.newTaskCommand()
	neither.SetOut(buf)
	neither.SetErr(buf)
	neither.SetArgs([]string{"-u", "alice"})
	if err := neither.Execute(); err == nil || !isUsage(err) {
		t.Fatalf("expected usage error for empty invocation, got %v", err)
	}

	both := c.newTaskCommand()
	both.SetOut(buf)
	both.SetErr(buf)
	both.SetArgs([]string{"some text", "--command", "ls", "-u", "alice"})
	if err := both.Execute(); err == nil || !isUsage(err) {
		t.Fatalf("expected usage error for text plus command, got %v", err)
	}
}

func TestTaskRejectsBadSourceType(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)
	cmd := c.newTaskCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"text", "-u", "alice", "--source-type", "carrier-pigeon"})
	err := cmd.Execute()
	if err == nil {
		t.Fatalf("expected error for unknown source type")
	}
	if !isUsage(err) {
		t.Errorf("bad source type should be a usage error, got %v", err)
	}
}

func TestShowRejectsBadID(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)
	cmd := c.newShowCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"zero"})
	err := cmd.Execute()
	if err == nil || !isUsage(err) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestKVCommandsRoundTrip(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)

	run := func(args ...string) error {
		cmd := c.newKVCommand()
		cmd.SetOut(buf)
		cmd.SetErr(buf)
		cmd.SetArgs(args)
		return cmd.Execute()
	}

	if err := run("set", "standup.room", "talk:room-7", "-u", "alice", "-n", "prefs"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	buf.Reset()
	if err := run("get", "standup.room", "-u", "alice", "-n", "prefs"); err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "talk:room-7" {
		t.Errorf("kv get = %q, want bare value", got)
	}

	buf.Reset()
	if err := run("list", "-u", "alice", "-n", "prefs"); err != nil {
		t.Fatalf("kv list: %v", err)
	}
	if !strings.Contains(buf.String(), "standup.room") {
		t.Errorf("kv list missing key:\n%s", buf.String())
	}

	if err := run("delete", "standup.room", "-u", "alice", "-n", "prefs"); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	if err := run("get", "standup.room", "-u", "alice", "-n", "prefs"); err == nil {
		t.Fatalf("expected error after delete")
	}
}

func TestKVNamespacesIsolate(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)
	run := func(args ...string) error {
		cmd := c.newKVCommand()
		cmd.SetOut(buf)
		cmd.SetArgs(args)
		return cmd.Execute()
	}
	if err := run("set", "k", "one", "-u", "alice", "-n", "a"); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := run("set", "k", "two", "-u", "alice", "-n", "b"); err != nil {
		t.Fatalf("set b: %v", err)
	}
	buf.Reset()
	if err := run("get", "k", "-u", "alice", "-n", "a"); err != nil {
		t.Fatalf("get a: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "one" {
		t.Errorf("namespace a = %q, want one", got)
	}
}

func TestResourceAddAndList(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)

	add := c.newResourceCommand()
	add.SetOut(buf)
	add.SetArgs([]string{"add", "-u", "alice",
		"--type", "calendar", "--name", "personal",
		"--path", "https://cal.example.com/alice.ics"})
	if err := add.Execute(); err != nil {
		t.Fatalf("resource add: %v", err)
	}
	if !strings.Contains(buf.String(), "granted") {
		t.Fatalf("unexpected add output:\n%s", buf.String())
	}

	buf.Reset()
	list := c.newResourceCommand()
	list.SetOut(buf)
	list.SetArgs([]string{"list", "-u", "alice"})
	if err := list.Execute(); err != nil {
		t.Fatalf("resource list: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"calendar", "personal", "ro", "alice.ics"} {
		if !strings.Contains(out, want) {
			t.Errorf("resource list missing %q:\n%s", want, out)
		}
	}
}

func TestResourceAddRejectsUnknownType(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)
	cmd := c.newResourceCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"add", "-u", "alice",
		"--type", "spaceship", "--name", "x", "--path", "/x"})
	err := cmd.Execute()
	if err == nil || !isUsage(err) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestUserStatusSummarizesCounts(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)

	st, err := c.openStore()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := st.CreateTask(ctx, store.NewTask{
			UserID:     "alice",
			Prompt:     "pending work",
			SourceType: store.SourceCLI,
		}); err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}
	if _, err := st.CreateTask(ctx, store.NewTask{
		UserID:     "bert",
		Prompt:     "other user",
		SourceType: store.SourceCLI,
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	st.Close()

	cmd := c.newUserCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "-u", "alice"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("user status: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "alice") {
		t.Errorf("status output missing scope:\n%s", out)
	}
	if !strings.Contains(out, "pending") || !strings.Contains(out, "3") {
		t.Errorf("status output missing pending count:\n%s", out)
	}
}

func TestRootRejectsUnknownFlagBeforeRun(t *testing.T) {
	t.Parallel()
	c, buf := testCLI(t)
	root := c.newRootCommand()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"list", "--not-a-flag"})
	err := root.Execute()
	if err == nil {
		t.Fatalf("expected flag error")
	}
	if c.commandRan {
		t.Errorf("commandRan should stay false on flag errors")
	}
}
