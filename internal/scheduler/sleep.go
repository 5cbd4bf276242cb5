package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"donna/internal/prompt"
	"donna/internal/store"
	"donna/internal/users"
)

const (
	// sleepHour is the local hour after which the nightly extraction
	// may run; before it the day is still considered open.
	sleepHour = 4

	sleepExtractTimeout = 2 * time.Minute
	sleepLookbackLimit  = 200
	maxExchangeChars    = 2000

	dateLayout = "2006-01-02"
)

// checkSleepCycles runs the nightly memory extraction: once per user
// and local day it distills the previous day's exchanges into a dated
// memory file, rewrites the running notes of every conversation that
// saw traffic, and refreshes the memory index. Extraction calls the
// model directly rather than through the queue, so a jammed queue
// cannot starve memory of the day that jammed it.
//
// Each scope gets one attempt per day: the stamp is written before
// the model call, so a broken call is logged and the day skipped, not
// retried every phase pass.
func (s *Scheduler) checkSleepCycles(ctx context.Context) error {
	if s.extract == nil {
		return nil
	}
	for _, id := range s.users.Known() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := s.users.Lookup(id)
		local := s.now().In(p.Timezone)
		if local.Hour() < sleepHour {
			continue
		}
		today := local.Format(dateLayout)

		dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.Timezone).AddDate(0, 0, -1)
		tasks, err := s.userDayTasks(ctx, id, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			s.logger.WarnContext(ctx, "sleep cycle could not load the day", "user", id, "error", err)
			continue
		}

		wrote := false
		userScope := "user:" + id
		if due, err := s.sleepDue(ctx, userScope, today); err != nil {
			s.logger.WarnContext(ctx, "sleep state unreadable", "scope", userScope, "error", err)
		} else if due {
			if s.extractUserDay(ctx, p, tasks, dayStart) {
				wrote = true
			}
		}

		for token, thread := range byToken(tasks) {
			scope := "channel:" + id + ":" + prompt.SafeToken(token)
			due, err := s.sleepDue(ctx, scope, today)
			if err != nil {
				s.logger.WarnContext(ctx, "sleep state unreadable", "scope", scope, "error", err)
				continue
			}
			if !due {
				continue
			}
			if s.extractChannelDay(ctx, p, token, thread) {
				wrote = true
			}
		}

		if wrote {
			s.reindexMemory(ctx, id)
		}
	}
	return nil
}

// sleepDue reports whether scope still owes today's run and stamps it.
func (s *Scheduler) sleepDue(ctx context.Context, scope, today string) (bool, error) {
	last, err := s.store.LastSleepRun(ctx, scope)
	if err != nil {
		return false, err
	}
	if last == today {
		return false, nil
	}
	if err := s.store.MarkSleepRun(ctx, scope, today); err != nil {
		return false, err
	}
	return true, nil
}

// userDayTasks returns the user's completed interactive exchanges in
// [start, end), oldest first. Briefings and heartbeat alerts are
// engine chatter, not something to remember.
func (s *Scheduler) userDayTasks(ctx context.Context, userID string, start, end time.Time) ([]store.Task, error) {
	all, err := s.store.ListTasks(ctx, store.TaskFilter{
		UserID: userID,
		Status: store.StatusCompleted,
		Limit:  sleepLookbackLimit,
	})
	if err != nil {
		return nil, err
	}
	var day []store.Task
	for i := len(all) - 1; i >= 0; i-- { // ListTasks is newest first
		t := all[i]
		if t.CompletedAt == nil || t.Queue() != store.QueueForeground {
			continue
		}
		if t.CompletedAt.Before(start) || !t.CompletedAt.Before(end) {
			continue
		}
		day = append(day, t)
	}
	return day, nil
}

// extractUserDay distills the day into the dated memory file. Reports
// whether a file was written.
func (s *Scheduler) extractUserDay(ctx context.Context, p users.Profile, tasks []store.Task, day time.Time) bool {
	if len(tasks) == 0 {
		return false
	}
	notes, ok := s.callExtract(ctx, p.ID, userExtractionPrompt(p.ID, tasks))
	if !ok {
		return false
	}
	path := filepath.Join(s.cfg.Prompt.MemoryDir, p.ID, day.Format(dateLayout)+".md")
	if err := appendNotes(path, notes); err != nil {
		s.logger.WarnContext(ctx, "dated memory not written", "user", p.ID, "error", err)
		return false
	}
	s.logger.InfoContext(ctx, "sleep cycle wrote dated memory",
		"user", p.ID, "date", day.Format(dateLayout), "exchanges", len(tasks))
	return true
}

// extractChannelDay rewrites one conversation's running notes in the
// light of the day's exchanges. Reports whether the file changed.
func (s *Scheduler) extractChannelDay(ctx context.Context, p users.Profile, token string, thread []store.Task) bool {
	path := filepath.Join(s.cfg.Prompt.MemoryDir, p.ID, "channels", prompt.SafeToken(token)+".md")
	existing := ""
	if data, err := os.ReadFile(path); err == nil {
		existing = strings.TrimSpace(string(data))
	}
	notes, ok := s.callExtract(ctx, p.ID, channelExtractionPrompt(existing, thread))
	if !ok {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.WarnContext(ctx, "channel memory dir not created", "user", p.ID, "error", err)
		return false
	}
	if err := os.WriteFile(path, []byte(notes+"\n"), 0o644); err != nil {
		s.logger.WarnContext(ctx, "channel memory not written", "user", p.ID, "error", err)
		return false
	}
	s.logger.InfoContext(ctx, "sleep cycle rewrote channel memory",
		"user", p.ID, "token", token, "exchanges", len(thread))
	return true
}

// callExtract runs the model call with its own timeout. ok is false
// when the call failed or the model had nothing to keep.
func (s *Scheduler) callExtract(ctx context.Context, userID, request string) (string, bool) {
	ectx, cancel := context.WithTimeout(ctx, sleepExtractTimeout)
	defer cancel()
	reply, err := s.extract(ectx, userID, request)
	if err != nil {
		s.logger.WarnContext(ctx, "memory extraction failed", "user", userID, "error", err)
		return "", false
	}
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, "NONE") {
		return "", false
	}
	return reply, true
}

func (s *Scheduler) reindexMemory(ctx context.Context, userID string) {
	if s.memory == nil {
		return
	}
	dir := filepath.Join(s.cfg.Prompt.MemoryDir, userID)
	if _, _, err := s.memory.SyncUserDir(ctx, userID, dir); err != nil {
		s.logger.WarnContext(ctx, "memory reindex failed", "user", userID, "error", err)
	}
}

func byToken(tasks []store.Task) map[string][]store.Task {
	threads := make(map[string][]store.Task)
	for _, t := range tasks {
		if t.ConversationToken == "" {
			continue
		}
		threads[t.ConversationToken] = append(threads[t.ConversationToken], t)
	}
	return threads
}

func userExtractionPrompt(userID string, tasks []store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Yesterday's exchanges with %s follow. Write up to ten short notes on durable facts worth remembering in later conversations: decisions, preferences, deadlines, people. Markdown bullets only, no preamble. Reply NONE when nothing is worth keeping.\n", userID)
	writeExchanges(&b, tasks)
	return b.String()
}

func channelExtractionPrompt(existing string, thread []store.Task) string {
	var b strings.Builder
	b.WriteString("Your running notes on one conversation follow, then the day's new exchanges in it. Rewrite the notes so they stay current: keep what still matters, fold in the new, drop the stale. Markdown bullets only, no preamble. Reply NONE to leave the notes as they are.\n")
	b.WriteString("\nNotes so far:\n")
	if existing == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(existing + "\n")
	}
	writeExchanges(&b, thread)
	return b.String()
}

func writeExchanges(b *strings.Builder, tasks []store.Task) {
	for _, t := range tasks {
		ask := t.Prompt
		if t.IsCommand() {
			ask = "(command) " + t.Command
		}
		fmt.Fprintf(b, "\nUser: %s\nAssistant: %s\n", clipText(ask), clipText(t.Result))
	}
}

func clipText(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxExchangeChars {
		return s[:maxExchangeChars] + "…"
	}
	return s
}

// appendNotes adds notes to a dated memory file, keeping whatever an
// earlier run (or the user) already put there.
func appendNotes(path, notes string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() > 0 {
		notes = "\n" + notes
	}
	if _, err := f.WriteString(notes + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
