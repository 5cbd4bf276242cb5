// Package executor runs a task's child process to completion: the LLM
// tool for prompt tasks, /bin/sh for command tasks. It owns streaming,
// cancellation, timeouts, and in-invocation transient retries; attempt
// accounting stays with the store.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/prompt"
	"donna/internal/sandbox"
	"donna/internal/store"
	"donna/internal/taskerr"
	"donna/internal/users"
)

// CancelPoller reports whether a task was asked to stop. *store.Store
// satisfies it.
type CancelPoller interface {
	CancelRequested(ctx context.Context, id int64) (bool, error)
}

// ProgressFunc receives intermediate activity lines for a task, already
// rate-limited. It is called from the worker goroutine running the task.
type ProgressFunc func(ctx context.Context, task *store.Task, line string)

// Usage aggregates what the child reported about its own run.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
	Turns        int
}

// Result is a completed execution.
type Result struct {
	Text    string
	Actions []string
	Usage   Usage
}

const (
	defaultPollInterval = 2 * time.Second
	defaultTermGrace    = 2 * time.Second
	scanBufferSize      = 1024 * 1024
)

// Runner executes tasks. One Runner serves all workers; per-task state
// lives in Execute.
type Runner struct {
	cfg      *config.Config
	cancels  CancelPoller
	users    *users.Directory
	logger   *observability.Logger
	metrics  *observability.MetricsCollector
	progress ProgressFunc
	environ  func() []string
	now      func() time.Time

	pollInterval time.Duration
	termGrace    time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *observability.Logger) Option {
	return func(r *Runner) { r.logger = observability.OrNop(logger) }
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Runner) { r.progress = fn }
}

// WithEnviron overrides the parent environment source for command tasks.
func WithEnviron(environ func() []string) Option {
	return func(r *Runner) { r.environ = environ }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithPollInterval overrides the cancellation poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

// WithTermGrace overrides how long a signalled child gets before the
// hard kill.
func WithTermGrace(d time.Duration) Option {
	return func(r *Runner) { r.termGrace = d }
}

// WithMetrics attaches the metrics collector. A nil collector records
// nothing.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(r *Runner) { r.metrics = m }
}

// New builds a Runner.
func New(cfg *config.Config, cancels CancelPoller, dir *users.Directory, opts ...Option) *Runner {
	r := &Runner{
		cfg:          cfg,
		cancels:      cancels,
		users:        dir,
		logger:       observability.Nop(),
		environ:      os.Environ,
		now:          time.Now,
		pollInterval: defaultPollInterval,
		termGrace:    defaultTermGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	return r
}

// Execute runs task to completion. Command tasks run under /bin/sh with
// a secret-stripped environment; prompt tasks run the LLM child with
// asm's prompt on stdin. Transient upstream failures are retried here
// without consuming task attempts.
func (r *Runner) Execute(ctx context.Context, task *store.Task, asm *prompt.Assembled) (*Result, error) {
	if task == nil {
		return nil, taskerr.Configf("execute requires a task")
	}
	if task.IsCommand() {
		start := r.now()
		res, err := r.runCommand(ctx, task)
		r.metrics.RecordExecution(ctx, string(task.SourceType), invocationStatus(err), r.now().Sub(start))
		return res, err
	}
	if asm == nil || strings.TrimSpace(asm.Prompt) == "" {
		return nil, taskerr.Configf("task %d reached the executor without an assembled prompt", task.ID)
	}

	lim := newProgressLimiter(r.cfg.Executor.ProgressMinInterval, r.cfg.Executor.ProgressMaxPerTask, r.now)
	var lastErr error
	for attempt := 0; attempt <= r.cfg.Executor.TransientRetries; attempt++ {
		if attempt > 0 {
			r.metrics.RecordTransientRetry(ctx)
			r.logger.InfoContext(ctx, "retrying transient upstream failure",
				"attempt", attempt,
				"delay", r.cfg.Executor.TransientRetryDelay,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, taskerr.Transient(ctx.Err(), "execution interrupted")
			case <-time.After(r.cfg.Executor.TransientRetryDelay):
			}
		}
		start := r.now()
		res, err := r.runChild(ctx, task, asm, lim)
		r.metrics.RecordExecution(ctx, string(task.SourceType), invocationStatus(err), r.now().Sub(start))
		if err == nil {
			// Only talk users actually saw the progress lines; final
			// text for other sources is delivered untouched.
			if task.SourceType == store.SourceTalk {
				res.Text = lim.dedupFinal(res.Text)
			}
			return res, nil
		}
		lastErr = err
		if !taskerr.IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// invocationStatus names one child invocation's end state for metrics.
func invocationStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case taskerr.IsCancelled(err):
		return "cancelled"
	case taskerr.IsTimeout(err):
		return "timed_out"
	case taskerr.IsTransient(err):
		return "transient_error"
	default:
		return "terminal_error"
	}
}

// runChild spawns one LLM child invocation and streams it to a result.
func (r *Runner) runChild(ctx context.Context, task *store.Task, asm *prompt.Assembled, lim *progressLimiter) (*Result, error) {
	profile := r.users.Lookup(task.UserID)
	workDir, err := r.ensureWorkDir(profile)
	if err != nil {
		return nil, taskerr.Config(err, "prepare working directory")
	}

	argv := r.claudeArgv()
	if sb := r.cfg.Executor.Sandbox; sb.Enabled {
		argv = sandbox.Wrap(argv, sandbox.Spec{
			Binary:        sb.Binary,
			WorkspaceRoot: sb.WorkspaceRoot,
			UserID:        profile.ID,
			Admin:         profile.Admin,
			StorePath:     r.cfg.Engine.DBPath,
			TempDir:       asm.Env["DEFERRED_DIR"],
			HomeDir:       asm.Env["HOME"],
			WorkDir:       workDir,
		})
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.Executor.ExecutionTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = prompt.EnvironList(asm.Env)
	// Grandchildren can inherit the stdout pipe and keep it open past
	// the child's death; WaitDelay force-closes it so the reader ends.
	cmd.WaitDelay = r.termGrace
	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, taskerr.Terminal(err, "create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, taskerr.Terminal(err, "create stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, taskerr.Config(err, fmt.Sprintf("executor binary %q", argv[0]))
		}
		return nil, taskerr.Terminal(err, "start child")
	}
	r.logger.DebugContext(ctx, "child started",
		"pid", cmd.Process.Pid, "binary", argv[0], "workdir", workDir)

	// The prompt goes through stdin, never argv. A write error means the
	// child quit early; the exit path reports the real failure.
	go func() {
		_, _ = io.WriteString(stdin, asm.Prompt)
		_ = stdin.Close()
	}()

	events := make(chan streamEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, scanBufferSize), scanBufferSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				r.logger.Debug("skipping unparseable child output", "error", err)
				continue
			}
			events <- ev
		}
	}()

	res, runErr := r.stream(ctx, cmdCtx, task, cmd, events, lim, &stderr)

	cancel()
	for range events {
	}
	_ = cmd.Wait() // the result event is the contract, not the exit code

	if runErr != nil {
		if tail := stderr.String(); tail != "" && !taskerr.IsCancelled(runErr) {
			r.logger.WarnContext(ctx, "child stderr tail", "stderr", tail)
		}
		return nil, runErr
	}
	return res, nil
}

// stream consumes child events until a result arrives, the stop flag
// flips, or the execution budget runs out.
func (r *Runner) stream(ctx, cmdCtx context.Context, task *store.Task, cmd *exec.Cmd, events <-chan streamEvent, lim *progressLimiter, stderr *tailBuffer) (*Result, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var actions []string
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, r.classifyExit(ctx, cmdCtx, stderr.String())
			}
			switch ev.Type {
			case "assistant":
				actions = r.handleAssistant(ctx, task, ev, actions, lim)
			case "result":
				if ev.IsError {
					cause := errors.New(ev.errorText())
					if taskerr.IsTransient(cause) {
						return nil, taskerr.Transient(cause, "upstream failure")
					}
					return nil, taskerr.Terminal(cause, "execution failed")
				}
				return &Result{
					Text:    strings.TrimSpace(ev.Result),
					Actions: actions,
					Usage: Usage{
						InputTokens:  ev.Usage.InputTokens,
						OutputTokens: ev.Usage.OutputTokens,
						CostUSD:      ev.TotalCostUSD,
						Duration:     time.Duration(ev.DurationMS) * time.Millisecond,
						Turns:        ev.NumTurns,
					},
				}, nil
			}
		case <-ticker.C:
			if r.cancels == nil {
				continue
			}
			flag, err := r.cancels.CancelRequested(ctx, task.ID)
			if err != nil {
				r.logger.WarnContext(ctx, "cancel poll failed", "error", err)
				continue
			}
			if !flag {
				continue
			}
			r.terminate(cmd, events)
			return nil, taskerr.Cancelled("stop requested")
		case <-cmdCtx.Done():
			if ctx.Err() != nil {
				return nil, taskerr.Transient(ctx.Err(), "execution interrupted")
			}
			return nil, taskerr.Timeout(cmdCtx.Err(),
				fmt.Sprintf("no result within %s", r.cfg.Executor.ExecutionTimeout))
		}
	}
}

// handleAssistant folds one assistant event into actions and progress.
func (r *Runner) handleAssistant(ctx context.Context, task *store.Task, ev streamEvent, actions []string, lim *progressLimiter) []string {
	if len(ev.Message) == 0 {
		return actions
	}
	var msg assistantMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		return actions
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			line := describeToolUse(block)
			actions = append(actions, line)
			r.forward(ctx, task, lim, line, false)
		case "text":
			if !r.cfg.Executor.ForwardText {
				continue
			}
			line := collapseLine(block.Text)
			if line == "" {
				continue
			}
			line, truncated := truncateLine(line, r.cfg.Executor.TextTruncateAt)
			r.forward(ctx, task, lim, line, truncated)
		}
	}
	return actions
}

// forward sends one progress line through the rate limiter.
func (r *Runner) forward(ctx context.Context, task *store.Task, lim *progressLimiter, line string, truncated bool) {
	if r.progress == nil || line == "" {
		return
	}
	if !lim.allow() {
		return
	}
	lim.record(line, truncated)
	r.metrics.RecordProgressMessage(ctx)
	r.progress(ctx, task, line)
}

// terminate asks the child to stop: SIGTERM, then a hard kill when the
// grace period runs out first. Draining events while waiting keeps the
// reader goroutine moving.
func (r *Runner) terminate(cmd *exec.Cmd, events <-chan streamEvent) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	deadline := time.NewTimer(r.termGrace)
	defer deadline.Stop()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline.C:
			_ = cmd.Process.Kill()
			return
		}
	}
}

// classifyExit names the failure when the child closed stdout without
// a result event.
func (r *Runner) classifyExit(ctx, cmdCtx context.Context, stderrTail string) error {
	if ctx.Err() != nil {
		return taskerr.Transient(ctx.Err(), "execution interrupted")
	}
	if cmdCtx.Err() != nil {
		return taskerr.Timeout(cmdCtx.Err(),
			fmt.Sprintf("no result within %s", r.cfg.Executor.ExecutionTimeout))
	}
	detail := collapseLine(stderrTail)
	if detail == "" {
		detail = "child exited without a result event"
	}
	cause := errors.New(detail)
	if taskerr.IsTransient(cause) {
		return taskerr.Transient(cause, "child exited early")
	}
	return taskerr.Terminal(cause, "child exited early")
}

// claudeArgv builds the child command line. The prompt itself never
// appears here; it goes through stdin.
func (r *Runner) claudeArgv() []string {
	ex := r.cfg.Executor
	argv := []string{ex.Binary, "-p", "--output-format", "stream-json", "--verbose"}
	if ex.Model != "" {
		argv = append(argv, "--model", ex.Model)
	}
	if ex.PermissionMode == "permissive" {
		argv = append(argv, "--dangerously-skip-permissions")
	} else {
		argv = append(argv, "--allowedTools", strings.Join(ex.AllowedTools, ","))
	}
	return argv
}

// ensureWorkDir picks and creates the child's working directory: the
// user's workspace subtree when a workspace is configured, the scratch
// directory otherwise.
func (r *Runner) ensureWorkDir(profile users.Profile) (string, error) {
	if root := r.cfg.Executor.Sandbox.WorkspaceRoot; root != "" {
		dir := root
		if !profile.Admin {
			dir = filepath.Join(root, profile.ID)
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", err
		}
		return dir, nil
	}
	return r.users.EnsureTempDir(profile.ID)
}

const tailBufferCap = 8 * 1024

// tailBuffer keeps the last tailBufferCap bytes written to it, so
// stderr diagnostics stay bounded.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if n := len(b.buf); n > tailBufferCap {
		b.buf = append(b.buf[:0], b.buf[n-tailBufferCap:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
