package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"donna/internal/prompt"
	"donna/internal/store"
	"donna/internal/taskerr"
)

// runCommand executes a fixed shell command task. No prompt and no
// streaming; the combined output becomes the result text. The
// environment is the parent's with credential-looking variables
// removed, because command tasks run arbitrary user-configured
// programs.
func (r *Runner) runCommand(ctx context.Context, task *store.Task) (*Result, error) {
	profile := r.users.Lookup(task.UserID)
	workDir, err := r.ensureWorkDir(profile)
	if err != nil {
		return nil, taskerr.Config(err, "prepare working directory")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.Executor.ExecutionTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", task.Command)
	cmd.Dir = workDir
	cmd.Env = prompt.StripSecretsList(r.environ())
	cmd.WaitDelay = r.termGrace

	var cancelled atomic.Bool
	stopWatch := r.watchCancel(cmdCtx, task, cmd, &cancelled)
	out, err := cmd.CombinedOutput()
	stopWatch()

	text := strings.TrimSpace(string(out))
	if cancelled.Load() {
		return nil, taskerr.Cancelled("stop requested")
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, taskerr.Transient(ctx.Err(), "execution interrupted")
		}
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return nil, taskerr.Timeout(cmdCtx.Err(),
				fmt.Sprintf("command exceeded %s", r.cfg.Executor.ExecutionTimeout))
		}
		return nil, taskerr.Terminal(err, commandFailure(text))
	}
	return &Result{Text: text}, nil
}

// commandFailure folds command output into a short error message.
func commandFailure(output string) string {
	line := collapseLine(output)
	if line == "" {
		return "command failed"
	}
	line, _ = truncateLine(line, 200)
	return "command failed: " + line
}

// watchCancel polls the stop flag while a command runs and terminates
// the child when it flips. The returned stop function must be called
// once the command has finished.
func (r *Runner) watchCancel(ctx context.Context, task *store.Task, cmd *exec.Cmd, cancelled *atomic.Bool) func() {
	if r.cancels == nil {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				flag, err := r.cancels.CancelRequested(ctx, task.ID)
				if err != nil {
					r.logger.WarnContext(ctx, "cancel poll failed", "error", err)
					continue
				}
				if !flag {
					continue
				}
				cancelled.Store(true)
				if cmd.Process != nil {
					_ = cmd.Process.Signal(syscall.SIGTERM)
				}
				timer := time.NewTimer(r.termGrace)
				select {
				case <-done:
					timer.Stop()
				case <-timer.C:
					if cmd.Process != nil {
						_ = cmd.Process.Kill()
					}
				}
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
