package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"donna/internal/deferred"
	"donna/internal/observability"
	"donna/internal/prompt"
	"donna/internal/store"
	"donna/internal/taskerr"
)

// confirmMarker is the line the rules section asks the child to end
// with when it needs the user's go-ahead before acting.
const confirmMarker = "[CONFIRM]"

// runWorker claims and processes tasks for one slot until the queue
// stays empty past the idle timeout or the context ends.
func (p *Pool) runWorker(ctx context.Context, key slotKey, log *observability.Logger) {
	idle := p.cfg.Pool.WorkerIdleTimeout
	deadline := p.now().Add(idle)
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.store.ClaimTask(ctx, key.UserID, key.Queue)
		if err != nil {
			if !errors.Is(err, store.ErrNoTask) {
				log.WarnContext(ctx, "claim failed", "error", err)
			}
			if !p.now().Before(deadline) {
				log.DebugContext(ctx, "worker idle timeout")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idlePoll):
			}
			continue
		}
		p.processSafe(ctx, task, log)
		p.processed.Add(1)
		deadline = p.now().Add(idle)
	}
}

// processSafe contains panics: the task fails (or retries) like any
// other error and the worker keeps claiming.
func (p *Pool) processSafe(ctx context.Context, task *store.Task, log *observability.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "task processing panic",
				"task", task.ID, "panic", r, "stack", string(debug.Stack()))
			p.finishFailure(ctx, task, taskerr.Terminalf("internal error: %v", r), log)
		}
	}()
	p.process(ctx, task, log)
}

func (p *Pool) process(ctx context.Context, task *store.Task, log *observability.Logger) {
	ctx = observability.ContextWithTask(ctx, task.ID, task.UserID)
	log.InfoContext(ctx, "task claimed",
		"task", task.ID, "source", string(task.SourceType), "attempt", task.AttemptCount)

	if task.CancelRequested {
		// The cancel won before the claim; never start the child.
		if uerr := p.store.UpdateStatus(ctx, task.ID, store.StatusCancelled,
			store.WithLastError("cancelled before start")); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
			log.WarnContext(ctx, "cancel not recorded", "task", task.ID, "error", uerr)
		}
		p.metrics.RecordTaskOutcome(ctx, string(task.SourceType), "cancelled")
		log.InfoContext(ctx, "task cancelled before start", "task", task.ID)
		return
	}

	var asm *prompt.Assembled
	if !task.IsCommand() {
		var err error
		asm, err = p.assembler.Assemble(ctx, task)
		if err != nil {
			p.finishFailure(ctx, task, err, log)
			return
		}
	}

	res, err := p.executor.Execute(ctx, task, asm)
	if err != nil {
		if taskerr.IsCancelled(err) {
			if uerr := p.store.UpdateStatus(ctx, task.ID, store.StatusCancelled,
				store.WithLastError(err.Error())); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
				log.WarnContext(ctx, "cancel not recorded", "task", task.ID, "error", uerr)
			}
			p.metrics.RecordTaskOutcome(ctx, string(task.SourceType), "cancelled")
			log.InfoContext(ctx, "task cancelled", "task", task.ID)
			return
		}
		p.finishFailure(ctx, task, err, log)
		return
	}

	text, needsConfirm := splitConfirmation(res.Text)
	status := store.StatusCompleted
	if needsConfirm {
		status = store.StatusPendingConfirmation
	}
	if err := p.store.UpdateStatus(ctx, task.ID, status,
		store.WithResult(text), store.WithActions(res.Actions)); err != nil {
		// A cancel can win the race to a terminal state; anything else
		// means the result is lost.
		if errors.Is(err, store.ErrNotFound) {
			log.InfoContext(ctx, "result discarded, task already terminal", "task", task.ID)
		} else {
			log.ErrorContext(ctx, "result not stored", "task", task.ID, "error", err)
		}
		return
	}
	task.Status = status
	task.Result = text
	task.ActionsTaken = res.Actions
	if status == store.StatusCompleted {
		p.metrics.RecordTaskOutcome(ctx, string(task.SourceType), "completed")
	}

	if asm != nil {
		if err := p.assembler.CommitSkillState(ctx, task.UserID, asm); err != nil {
			log.WarnContext(ctx, "skill state not committed", "user", task.UserID, "error", err)
		}
	}

	var out deferred.Outcome
	if status == store.StatusCompleted && p.post != nil {
		out = p.post.Apply(ctx, task)
	}

	log.InfoContext(ctx, "task finished",
		"task", task.ID, "status", string(status),
		"cost_usd", res.Usage.CostUSD, "turns", res.Usage.Turns,
		"subtasks", out.SubtasksCreated, "transactions", out.TransactionsTracked)

	p.deliver(ctx, task, out, log)
}

// deliver hands the stored result to the channel layer. A transport
// failure after the work succeeded still flips the task to failed so
// the loss is visible; the result column keeps the answer.
func (p *Pool) deliver(ctx context.Context, task *store.Task, out deferred.Outcome, log *observability.Logger) {
	if p.delivery == nil || task.OutputTarget == store.TargetNone {
		return
	}
	err := p.delivery.DeliverResult(ctx, task, out)
	p.metrics.RecordDelivery(ctx, string(task.OutputTarget), err == nil)
	if err == nil {
		return
	}
	log.WarnContext(ctx, "delivery failed", "task", task.ID, "error", err)
	// Only a completed row flips; a pending confirmation stays put so
	// the question can be re-asked.
	if merr := p.store.MarkDeliveryFailed(ctx, task.ID, err); merr != nil && !errors.Is(merr, store.ErrNotFound) {
		log.ErrorContext(ctx, "delivery failure not recorded", "task", task.ID, "error", merr)
	}
}

// finishFailure routes a failed attempt through the store's retry
// policy and notifies the user only when the task is out of attempts.
func (p *Pool) finishFailure(ctx context.Context, task *store.Task, cause error, log *observability.Logger) {
	retried, err := p.store.RetryOrFail(ctx, task.ID, cause)
	if err != nil {
		log.ErrorContext(ctx, "failure not recorded", "task", task.ID, "error", err, "cause", cause)
		return
	}
	if retried {
		p.metrics.RecordTaskRetried(ctx, task.AttemptCount)
		log.WarnContext(ctx, "attempt failed, task requeued",
			"task", task.ID, "attempt", task.AttemptCount, "error", cause)
		return
	}
	p.metrics.RecordTaskOutcome(ctx, string(task.SourceType), "failed")
	log.ErrorContext(ctx, "task failed", "task", task.ID, "error", cause)
	if p.delivery == nil || task.OutputTarget == store.TargetNone {
		return
	}
	if derr := p.delivery.DeliverFailure(ctx, task, taskerr.UserMessage(cause)); derr != nil {
		log.WarnContext(ctx, "failure delivery failed", "task", task.ID, "error", derr)
	}
}

// splitConfirmation strips the trailing confirmation marker. The
// question stays in the result; only the marker line is removed.
func splitConfirmation(text string) (string, bool) {
	trimmed := strings.TrimRight(text, " \t\n")
	rest, ok := strings.CutSuffix(trimmed, confirmMarker)
	if !ok {
		return text, false
	}
	return strings.TrimRight(rest, " \t\n"), true
}
