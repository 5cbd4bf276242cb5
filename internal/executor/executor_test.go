package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"donna/internal/config"
	"donna/internal/prompt"
	"donna/internal/store"
	"donna/internal/taskerr"
	"donna/internal/users"
)

func execConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := config.Defaults()
	cfg.Engine.Home = home
	cfg.Engine.DBPath = filepath.Join(home, "donna.db")
	cfg.Engine.DeferredDir = filepath.Join(home, "tmp")
	cfg.Engine.AdminsFile = filepath.Join(home, "admins")
	cfg.Executor.ExecutionTimeout = 5 * time.Second
	cfg.Executor.TransientRetries = 1
	cfg.Executor.TransientRetryDelay = 10 * time.Millisecond
	cfg.Executor.ProgressMinInterval = 0
	return &cfg
}

// writeScript installs a fake child binary under dir.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// stubCancel flips to true once calls reach cancelAt; zero never flips.
type stubCancel struct {
	mu       sync.Mutex
	calls    int
	cancelAt int
}

func (s *stubCancel) CancelRequested(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.cancelAt > 0 && s.calls >= s.cancelAt, nil
}

func newTestRunner(t *testing.T, cfg *config.Config, cancels CancelPoller, opts ...Option) *Runner {
	t.Helper()
	dir, err := users.NewDirectory(cfg, nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	return New(cfg, cancels, dir, opts...)
}

func promptTask(id int64, user string) *store.Task {
	return &store.Task{
		ID:         id,
		UserID:     user,
		Prompt:     "ping",
		SourceType: store.SourceTalk,
	}
}

func testAssembled(extra map[string]string) *prompt.Assembled {
	env := map[string]string{"PATH": os.Getenv("PATH")}
	for name, value := range extra {
		env[name] = value
	}
	return &prompt.Assembled{Prompt: "ping", Env: env}
}

func TestExecuteStreamsResult(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}]}}'
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/etc/hosts"}}]}}'
printf '%s\n' '{"type":"result","result":"all done","total_cost_usd":0.25,"duration_ms":1200,"num_turns":3,"usage":{"input_tokens":10,"output_tokens":5}}'
`)

	var mu sync.Mutex
	var lines []string
	r := newTestRunner(t, cfg, &stubCancel{}, WithProgress(func(ctx context.Context, task *store.Task, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	}))

	res, err := r.Execute(context.Background(), promptTask(1, "alice"), testAssembled(nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Text != "all done" {
		t.Errorf("Text = %q, want %q", res.Text, "all done")
	}
	wantActions := []string{"Bash: ls -la", "Read: /etc/hosts"}
	if len(res.Actions) != len(wantActions) {
		t.Fatalf("Actions = %v, want %v", res.Actions, wantActions)
	}
	for i, want := range wantActions {
		if res.Actions[i] != want {
			t.Errorf("Actions[%d] = %q, want %q", i, res.Actions[i], want)
		}
	}
	if res.Usage.CostUSD != 0.25 || res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if res.Usage.Duration != 1200*time.Millisecond || res.Usage.Turns != 3 {
		t.Errorf("Usage duration/turns = %+v", res.Usage)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 || lines[0] != "Bash: ls -la" {
		t.Errorf("progress lines = %v", lines)
	}
}

// Final-text dedup against forwarded progress applies only to talk
// tasks; users on other channels never saw the progress lines, so
// their result must arrive whole.
func TestExecuteFinalDedupOnlyForTalk(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.ForwardText = true
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"Summary ready."}]}}'
printf '%s\n' '{"type":"result","result":"Summary ready. Three invoices need attention."}'
`)
	r := newTestRunner(t, cfg, &stubCancel{},
		WithProgress(func(context.Context, *store.Task, string) {}))

	res, err := r.Execute(context.Background(), promptTask(1, "alice"), testAssembled(nil))
	if err != nil {
		t.Fatalf("Execute talk: %v", err)
	}
	if res.Text != "Three invoices need attention." {
		t.Errorf("talk Text = %q, want stripped remainder", res.Text)
	}

	mail := promptTask(2, "alice")
	mail.SourceType = store.SourceEmail
	res, err = r.Execute(context.Background(), mail, testAssembled(nil))
	if err != nil {
		t.Fatalf("Execute email: %v", err)
	}
	if res.Text != "Summary ready. Three invoices need attention." {
		t.Errorf("email Text = %q, want untouched result", res.Text)
	}
}

func TestExecutePromptReachesStdin(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `prompt=$(cat)
printf '{"type":"result","result":"got: %s"}\n' "$prompt"
`)
	r := newTestRunner(t, cfg, &stubCancel{})

	res, err := r.Execute(context.Background(), promptTask(2, "alice"), testAssembled(nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Text != "got: ping" {
		t.Errorf("Text = %q, want prompt echoed from stdin", res.Text)
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	cfg := execConfig(t)
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
if [ -f "$STATE_FILE" ]; then
  printf '%s\n' '{"type":"result","result":"recovered"}'
else
  : > "$STATE_FILE"
  printf '%s\n' '{"type":"result","is_error":true,"result":"upstream says 503 service unavailable"}'
fi
`)
	r := newTestRunner(t, cfg, &stubCancel{})

	asm := testAssembled(map[string]string{"STATE_FILE": filepath.Join(stateDir, "state")})
	res, err := r.Execute(context.Background(), promptTask(3, "alice"), asm)
	if err != nil {
		t.Fatalf("Execute after transient failure: %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q, want %q", res.Text, "recovered")
	}
}

func TestExecuteTransientExhausted(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.TransientRetries = 1
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
printf '%s\n' '{"type":"result","is_error":true,"result":"429 too many requests"}'
`)
	r := newTestRunner(t, cfg, &stubCancel{})

	_, err := r.Execute(context.Background(), promptTask(4, "alice"), testAssembled(nil))
	if err == nil {
		t.Fatal("Execute succeeded, want transient error")
	}
	if !taskerr.IsTransient(err) {
		t.Errorf("error kind = %v, want transient: %v", taskerr.KindOf(err), err)
	}
}

func TestExecuteTerminalError(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
printf '%s\n' '{"type":"result","is_error":true,"result":"invalid api key"}'
`)
	r := newTestRunner(t, cfg, &stubCancel{})

	_, err := r.Execute(context.Background(), promptTask(5, "alice"), testAssembled(nil))
	if err == nil {
		t.Fatal("Execute succeeded, want terminal error")
	}
	if !taskerr.IsTerminal(err) {
		t.Errorf("error kind = %v, want terminal: %v", taskerr.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("error %q should carry the child detail", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.ExecutionTimeout = 300 * time.Millisecond
	cfg.Executor.TransientRetries = 0
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
exec sleep 30
`)
	r := newTestRunner(t, cfg, &stubCancel{}, WithTermGrace(100*time.Millisecond))

	start := time.Now()
	_, err := r.Execute(context.Background(), promptTask(6, "alice"), testAssembled(nil))
	if err == nil {
		t.Fatal("Execute succeeded, want timeout")
	}
	if !taskerr.IsTimeout(err) {
		t.Errorf("error kind = %v, want timeout: %v", taskerr.KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %s, want prompt termination", elapsed)
	}
}

func TestExecuteCancellation(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
exec sleep 30
`)
	cancels := &stubCancel{cancelAt: 1}
	r := newTestRunner(t, cfg, cancels,
		WithPollInterval(20*time.Millisecond),
		WithTermGrace(100*time.Millisecond))

	start := time.Now()
	_, err := r.Execute(context.Background(), promptTask(7, "alice"), testAssembled(nil))
	if err == nil {
		t.Fatal("Execute succeeded, want cancellation")
	}
	if !taskerr.IsCancelled(err) {
		t.Errorf("error kind = %v, want cancelled: %v", taskerr.KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %s, want under two poll cycles", elapsed)
	}
}

func TestExecuteChildExitsSilently(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.TransientRetries = 0
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
exit 0
`)
	r := newTestRunner(t, cfg, &stubCancel{})

	_, err := r.Execute(context.Background(), promptTask(8, "alice"), testAssembled(nil))
	if err == nil {
		t.Fatal("Execute succeeded, want error for missing result event")
	}
	if !taskerr.IsTerminal(err) {
		t.Errorf("error kind = %v, want terminal: %v", taskerr.KindOf(err), err)
	}
}

func TestExecuteStderrClassifiedTransient(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.TransientRetries = 0
	cfg.Executor.Binary = writeScript(t, t.TempDir(), `cat >/dev/null
echo "503 service unavailable" >&2
exit 1
`)
	r := newTestRunner(t, cfg, &stubCancel{})

	_, err := r.Execute(context.Background(), promptTask(9, "alice"), testAssembled(nil))
	if err == nil {
		t.Fatal("Execute succeeded, want error")
	}
	if !taskerr.IsTransient(err) {
		t.Errorf("error kind = %v, want transient from stderr detail: %v", taskerr.KindOf(err), err)
	}
}

func TestExecuteMissingBinary(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.TransientRetries = 0
	cfg.Executor.Binary = filepath.Join(t.TempDir(), "no-such-binary")
	r := newTestRunner(t, cfg, &stubCancel{})

	_, err := r.Execute(context.Background(), promptTask(10, "alice"), testAssembled(nil))
	if err == nil {
		t.Fatal("Execute succeeded, want configuration error")
	}
	if !taskerr.IsConfiguration(err) {
		t.Errorf("error kind = %v, want configuration: %v", taskerr.KindOf(err), err)
	}
}

func TestExecuteNilGuards(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.Binary = "claude"
	r := newTestRunner(t, cfg, &stubCancel{})

	if _, err := r.Execute(context.Background(), nil, nil); !taskerr.IsConfiguration(err) {
		t.Errorf("nil task: kind = %v, want configuration", taskerr.KindOf(err))
	}
	if _, err := r.Execute(context.Background(), promptTask(11, "alice"), nil); !taskerr.IsConfiguration(err) {
		t.Errorf("nil assembled: kind = %v, want configuration", taskerr.KindOf(err))
	}
}

func TestExecuteCommand(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	r := newTestRunner(t, cfg, &stubCancel{})

	task := &store.Task{ID: 20, UserID: "alice", Command: `printf 'hello from command'`, SourceType: store.SourceScheduled}
	res, err := r.Execute(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Text != "hello from command" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestExecuteCommandStripsSecrets(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	r := newTestRunner(t, cfg, &stubCancel{}, WithEnviron(func() []string {
		return []string{"PATH=" + os.Getenv("PATH"), "MY_API_KEY=hunter2", "EDITOR=vi"}
	}))

	task := &store.Task{ID: 21, UserID: "alice", Command: `printf '%s|%s' "${MY_API_KEY:-absent}" "${EDITOR:-absent}"`, SourceType: store.SourceScheduled}
	res, err := r.Execute(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Text != "absent|vi" {
		t.Errorf("Text = %q, want secret stripped and benign var kept", res.Text)
	}
}

func TestExecuteCommandFailure(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	r := newTestRunner(t, cfg, &stubCancel{})

	task := &store.Task{ID: 22, UserID: "alice", Command: `echo boom; exit 3`, SourceType: store.SourceScheduled}
	_, err := r.Execute(context.Background(), task, nil)
	if err == nil {
		t.Fatal("Execute succeeded, want failure")
	}
	if !taskerr.IsTerminal(err) {
		t.Errorf("error kind = %v, want terminal: %v", taskerr.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q should carry command output", err)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.ExecutionTimeout = 200 * time.Millisecond
	r := newTestRunner(t, cfg, &stubCancel{}, WithTermGrace(100*time.Millisecond))

	task := &store.Task{ID: 23, UserID: "alice", Command: `exec sleep 30`, SourceType: store.SourceScheduled}
	_, err := r.Execute(context.Background(), task, nil)
	if err == nil {
		t.Fatal("Execute succeeded, want timeout")
	}
	if !taskerr.IsTimeout(err) {
		t.Errorf("error kind = %v, want timeout: %v", taskerr.KindOf(err), err)
	}
}

func TestExecuteCommandCancellation(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cancels := &stubCancel{cancelAt: 1}
	r := newTestRunner(t, cfg, cancels,
		WithPollInterval(20*time.Millisecond),
		WithTermGrace(100*time.Millisecond))

	task := &store.Task{ID: 24, UserID: "alice", Command: `exec sleep 30`, SourceType: store.SourceScheduled}
	_, err := r.Execute(context.Background(), task, nil)
	if err == nil {
		t.Fatal("Execute succeeded, want cancellation")
	}
	if !taskerr.IsCancelled(err) {
		t.Errorf("error kind = %v, want cancelled: %v", taskerr.KindOf(err), err)
	}
}

func TestClaudeArgv(t *testing.T) {
	t.Parallel()

	cfg := execConfig(t)
	cfg.Executor.Binary = "claude"
	cfg.Executor.AllowedTools = []string{"Read", "Glob"}
	r := newTestRunner(t, cfg, &stubCancel{})

	argv := r.claudeArgv()
	joined := strings.Join(argv, " ")
	if argv[0] != "claude" {
		t.Errorf("argv[0] = %q", argv[0])
	}
	for _, want := range []string{"-p", "--output-format stream-json", "--verbose", "--allowedTools Read,Glob"} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Errorf("restricted argv must not skip permissions: %q", joined)
	}

	cfg.Executor.PermissionMode = "permissive"
	cfg.Executor.Model = "opus"
	joined = strings.Join(r.claudeArgv(), " ")
	if !strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Errorf("permissive argv missing skip flag: %q", joined)
	}
	if strings.Contains(joined, "--allowedTools") {
		t.Errorf("permissive argv must not carry an allow-list: %q", joined)
	}
	if !strings.Contains(joined, "--model opus") {
		t.Errorf("argv missing model flag: %q", joined)
	}
}
