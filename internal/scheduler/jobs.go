package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"donna/internal/cronfile"
	"donna/internal/store"
)

// settledNamespace is the kv namespace holding, per job, the id of the
// newest task whose outcome has been folded into the job row. It makes
// outcome accounting idempotent across daemon restarts.
const settledNamespace = "scheduler"

// checkBriefings enqueues a briefing task for every user whose
// briefing cron has a slot inside the window. The slot stamp rides in
// source_ref, so the unique insert makes double firing impossible no
// matter how often the phase runs.
func (s *Scheduler) checkBriefings(ctx context.Context) error {
	window := s.briefingWindow()
	for _, id := range s.users.Known() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := s.users.Lookup(id)
		if p.BriefingCron == "" {
			continue
		}
		now := s.now().In(p.Timezone)
		slot, err := cronfile.NextRun(p.BriefingCron, now.Add(-window))
		if err != nil {
			s.logger.WarnContext(ctx, "briefing cron unparsable",
				"user", id, "cron", p.BriefingCron, "error", err)
			continue
		}
		if slot.After(now) {
			continue
		}
		target := store.OutputTarget(p.BriefingTarget)
		if p.BriefingTarget != "" && !target.Valid() {
			s.logger.WarnContext(ctx, "briefing target unknown, using talk",
				"user", id, "target", p.BriefingTarget)
			target = store.TargetTalk
		}
		ref := "briefing:" + id + ":" + slot.Format("2006-01-02T15:04")
		taskID, err := s.store.CreateTaskUnique(ctx, store.NewTask{
			UserID:       id,
			Prompt:       briefingPrompt(slot),
			SourceType:   store.SourceBriefing,
			SourceRef:    ref,
			OutputTarget: target,
		})
		if errors.Is(err, store.ErrDuplicateTask) {
			continue
		}
		if err != nil {
			s.logger.WarnContext(ctx, "briefing enqueue failed", "user", id, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "briefing enqueued",
			"user", id, "task_id", taskID, "slot", slot.Format(time.RFC3339))
	}
	return nil
}

// briefingWindow is how far back a cron slot may lie and still fire.
// Two phase intervals cover gate jitter; the slot-stamped ref absorbs
// any overlap.
func (s *Scheduler) briefingWindow() time.Duration {
	if w := 2 * s.cfg.Scheduler.PhaseInterval; w > 0 {
		return w
	}
	return 2 * time.Minute
}

func briefingPrompt(slot time.Time) string {
	return fmt.Sprintf(
		"Prepare the briefing for %s, %s. Cover what happened since the last one, today's calendar and reminders, and anything that needs a decision. Keep it short.",
		slot.Weekday(), slot.Format("January 2, 2006"))
}

// checkScheduledJobs reconciles cron files into the store, settles
// outcomes of previously fired jobs, and enqueues whatever is due.
func (s *Scheduler) checkScheduledJobs(ctx context.Context) error {
	if err := s.syncer.Sync(ctx); err != nil {
		s.logger.WarnContext(ctx, "cron file sync failed", "error", err)
	}
	jobs, err := s.store.EnabledJobs(ctx)
	if err != nil {
		return err
	}
	window := s.briefingWindow()
	for i := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		job := &jobs[i]
		latest := s.latestJobTask(ctx, job)
		if gone := s.settleJob(ctx, job, latest); gone {
			continue
		}
		if latest != nil && taskActive(latest.Status) {
			continue
		}

		now := s.now().In(s.users.Lookup(job.UserID).Timezone)
		due, err := cronfile.Due(*job, now, window)
		if err != nil {
			s.logger.WarnContext(ctx, "scheduled job skipped", "user", job.UserID,
				"job", job.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.fireJob(ctx, job)
	}
	return nil
}

func jobRef(job *store.ScheduledJob) string {
	return "job:" + job.UserID + ":" + job.Name
}

func taskActive(st store.Status) bool {
	switch st {
	case store.StatusPending, store.StatusLocked, store.StatusRunning, store.StatusPendingConfirmation:
		return true
	}
	return false
}

func (s *Scheduler) latestJobTask(ctx context.Context, job *store.ScheduledJob) *store.Task {
	t, err := s.store.LatestTaskForRef(ctx, store.SourceScheduled, jobRef(job))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "job task lookup failed", "job", job.Name, "error", err)
		return nil
	}
	return t
}

// settleJob folds the newest terminal task's outcome into the job row
// exactly once: success resets the failure streak (and deletes a
// once-job from table and cron file), failure bumps the streak and may
// disable the job. Reports whether the job is out of service -- deleted
// as a completed once-job or disabled by its failure streak -- so the
// caller never fires it again this pass.
func (s *Scheduler) settleJob(ctx context.Context, job *store.ScheduledJob, latest *store.Task) bool {
	if latest == nil || taskActive(latest.Status) {
		return false
	}
	settledID, err := s.settledTaskID(ctx, job)
	if err != nil {
		s.logger.WarnContext(ctx, "job settle stamp unreadable", "job", job.Name, "error", err)
		return false
	}
	if latest.ID <= settledID {
		return false
	}

	gone := false
	switch latest.Status {
	case store.StatusCompleted:
		deleted, err := s.store.MarkJobSuccess(ctx, job.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "job success not recorded", "job", job.Name, "error", err)
			return false
		}
		if deleted {
			if err := s.syncer.RemoveOnceJob(ctx, job.UserID, job.Name); err != nil {
				s.logger.WarnContext(ctx, "once-job not removed from cron file",
					"user", job.UserID, "job", job.Name, "error", err)
			}
			s.logger.InfoContext(ctx, "once-job completed and removed",
				"user", job.UserID, "job", job.Name)
			gone = true
		}
	case store.StatusFailed, store.StatusCancelled:
		cause := errors.New(latest.LastError)
		if latest.LastError == "" {
			cause = errors.New(string(latest.Status))
		}
		disabled, err := s.store.MarkJobFailure(ctx, job.ID, cause,
			s.cfg.Scheduler.JobFailureDisableThreshold)
		if err != nil {
			s.logger.WarnContext(ctx, "job failure not recorded", "job", job.Name, "error", err)
			return false
		}
		if disabled {
			s.logger.WarnContext(ctx, "job disabled after repeated failures",
				"user", job.UserID, "job", job.Name,
				"threshold", s.cfg.Scheduler.JobFailureDisableThreshold)
			gone = true
		}
	default:
		return false
	}

	if err := s.store.KVSet(ctx, job.UserID, settledNamespace,
		"settled:"+job.Name, strconv.FormatInt(latest.ID, 10)); err != nil {
		s.logger.WarnContext(ctx, "job settle stamp not written", "job", job.Name, "error", err)
	}
	return gone
}

func (s *Scheduler) settledTaskID(ctx context.Context, job *store.ScheduledJob) (int64, error) {
	raw, err := s.store.KVGet(ctx, job.UserID, settledNamespace, "settled:"+job.Name)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return id, nil
}

// fireJob enqueues the job's task and stamps last_run_at so the slot
// does not fire twice.
func (s *Scheduler) fireJob(ctx context.Context, job *store.ScheduledJob) {
	taskID, err := s.store.CreateTask(ctx, store.NewTask{
		UserID:            job.UserID,
		Prompt:            job.Prompt,
		Command:           job.Command,
		SourceType:        store.SourceScheduled,
		SourceRef:         jobRef(job),
		ConversationToken: job.ConversationToken,
		OutputTarget:      job.Target,
		HeartbeatSilent:   job.SilentUnlessAction,
		ScheduledJobID:    job.ID,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "scheduled job enqueue failed",
			"user", job.UserID, "job", job.Name, "error", err)
		return
	}
	if err := s.store.MarkJobRun(ctx, job.ID); err != nil {
		s.logger.WarnContext(ctx, "job run stamp failed", "job", job.Name, "error", err)
	}
	s.logger.InfoContext(ctx, "scheduled job enqueued",
		"user", job.UserID, "job", job.Name, "task_id", taskID)
}
