package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"donna/internal/store"
	"donna/internal/taskerr"
)

// InvoiceSchedule is one entry in the invoices file: a monthly
// billing rhythm for one client. remind_day nudges the user to gather
// billable items, generate_day fires the task that actually prepares
// the invoice. Days are capped at 28 so every month has them.
type InvoiceSchedule struct {
	Key         string `yaml:"key"`
	UserID      string `yaml:"user"`
	Client      string `yaml:"client"`
	RemindDay   int    `yaml:"remind_day"`
	GenerateDay int    `yaml:"generate_day"`
	Prompt      string `yaml:"prompt"`
	Target      string `yaml:"target"`
	Disabled    bool   `yaml:"disabled"`
}

type invoicesFile struct {
	Invoices []InvoiceSchedule `yaml:"invoices"`
}

// LoadInvoices reads and validates the invoices file. A missing file
// means no schedules.
func LoadInvoices(path string) ([]InvoiceSchedule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read invoices file: %w", err)
	}
	var f invoicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, taskerr.Config(err, "parse invoices file")
	}
	seen := make(map[string]struct{}, len(f.Invoices))
	for i := range f.Invoices {
		inv := &f.Invoices[i]
		inv.Key = strings.TrimSpace(inv.Key)
		inv.UserID = strings.TrimSpace(inv.UserID)
		inv.Client = strings.TrimSpace(inv.Client)
		inv.Target = strings.ToLower(strings.TrimSpace(inv.Target))
		if inv.Key == "" {
			return nil, taskerr.Configf("invoices file: entry %d has no key", i+1)
		}
		if _, dup := seen[inv.Key]; dup {
			return nil, taskerr.Configf("invoices file: duplicate key %q", inv.Key)
		}
		seen[inv.Key] = struct{}{}
		if inv.UserID == "" {
			return nil, taskerr.Configf("invoice %s: user is required", inv.Key)
		}
		if inv.RemindDay == 0 && inv.GenerateDay == 0 {
			return nil, taskerr.Configf("invoice %s: remind_day or generate_day is required", inv.Key)
		}
		for _, day := range []int{inv.RemindDay, inv.GenerateDay} {
			if day < 0 || day > 28 {
				return nil, taskerr.Configf("invoice %s: days must be 1-28, got %d", inv.Key, day)
			}
		}
		if inv.Target != "" && !store.OutputTarget(inv.Target).Valid() {
			return nil, taskerr.Configf("invoice %s: unknown target %q", inv.Key, inv.Target)
		}
		if inv.Client == "" {
			inv.Client = inv.Key
		}
	}
	return f.Invoices, nil
}

// checkInvoiceSchedules fires each schedule's reminder and generation
// once per month. State is keyed by schedule and month, so the first
// pass on or after the configured day fires and every later pass is a
// no-op; restarts change nothing.
func (s *Scheduler) checkInvoiceSchedules(ctx context.Context) error {
	path := s.cfg.Scheduler.InvoicesFile
	if path == "" {
		return nil
	}
	schedules, err := LoadInvoices(path)
	if err != nil {
		return err
	}
	for _, inv := range schedules {
		if err := ctx.Err(); err != nil {
			return err
		}
		if inv.Disabled {
			continue
		}
		local := s.now().In(s.users.Lookup(inv.UserID).Timezone)
		stateKey := inv.Key + ":" + local.Format("2006-01")
		state, err := s.store.GetInvoiceState(ctx, stateKey)
		if err != nil {
			s.logger.WarnContext(ctx, "invoice state unreadable", "key", stateKey, "error", err)
			continue
		}
		month := local.Format("January 2006")

		if inv.RemindDay > 0 && local.Day() >= inv.RemindDay && state.ReminderSentAt == nil {
			if s.enqueueInvoiceTask(ctx, inv, stateKey+":remind", remindPrompt(inv, month)) {
				if err := s.store.MarkInvoiceReminder(ctx, stateKey); err != nil {
					s.logger.WarnContext(ctx, "invoice reminder stamp failed", "key", stateKey, "error", err)
				}
			}
		}
		if inv.GenerateDay > 0 && local.Day() >= inv.GenerateDay && state.GeneratedAt == nil {
			if s.enqueueInvoiceTask(ctx, inv, stateKey+":generate", generatePrompt(inv, month)) {
				if err := s.store.MarkInvoiceGenerated(ctx, stateKey); err != nil {
					s.logger.WarnContext(ctx, "invoice generation stamp failed", "key", stateKey, "error", err)
				}
			}
		}
	}
	return nil
}

// enqueueInvoiceTask reports whether the task exists afterwards; a
// duplicate ref means an earlier pass already enqueued it and only the
// stamp is missing.
func (s *Scheduler) enqueueInvoiceTask(ctx context.Context, inv InvoiceSchedule, ref, text string) bool {
	id, err := s.store.CreateTaskUnique(ctx, store.NewTask{
		UserID:       inv.UserID,
		Prompt:       text,
		SourceType:   store.SourceScheduled,
		SourceRef:    "invoice:" + ref,
		OutputTarget: store.OutputTarget(inv.Target),
	})
	if errors.Is(err, store.ErrDuplicateTask) {
		return true
	}
	if err != nil {
		s.logger.WarnContext(ctx, "invoice enqueue failed", "key", inv.Key, "error", err)
		return false
	}
	s.logger.InfoContext(ctx, "invoice task enqueued", "key", inv.Key, "task_id", id)
	return true
}

func remindPrompt(inv InvoiceSchedule, month string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Invoicing for %s (%s) is coming up. Remind the user to gather billable items and confirm the amounts.", inv.Client, month)
	if inv.Prompt != "" {
		b.WriteString("\n" + strings.TrimSpace(inv.Prompt))
	}
	return b.String()
}

func generatePrompt(inv InvoiceSchedule, month string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prepare the %s invoice for %s: collect the billable items, draft the invoice, and report the total.", month, inv.Client)
	if inv.Prompt != "" {
		b.WriteString("\n" + strings.TrimSpace(inv.Prompt))
	}
	return b.String()
}
