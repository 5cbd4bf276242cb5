// Package history selects which prior exchanges of a conversation feed
// the prompt: a guaranteed recent window plus an auxiliary-model triage
// over the older remainder. Triage is advisory; every failure path
// falls back to the guaranteed window, never to an empty context.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/store"
)

// Entry is one prior exchange. Select returns entries oldest first so
// prompt budget trimming drops from the front.
type Entry struct {
	TaskID  int64
	Prompt  string
	Result  string
	Actions []string
	At      time.Time
}

// Block renders the exchange for the prompt's conversation section.
func (e Entry) Block() string {
	return fmt.Sprintf("User (%s):\n%s\n\nYou replied:\n%s",
		e.At.Format("2006-01-02 15:04"),
		strings.TrimSpace(e.Prompt),
		strings.TrimSpace(e.Result))
}

// TriageFunc asks the auxiliary model which candidate exchanges remain
// relevant to the new request, returning its raw reply.
type TriageFunc func(ctx context.Context, prompt string) (string, error)

// Selector picks conversation context for tasks.
type Selector struct {
	cfg     *config.Config
	store   *store.Store
	triage  TriageFunc
	logger  *observability.Logger
	metrics *observability.PromptMetrics
}

// Option customizes a Selector.
type Option func(*Selector)

// WithLogger sets the selector logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Selector) { s.logger = observability.OrNop(logger) }
}

// WithTriage sets the auxiliary-model call. Without one, selection
// stops at the guaranteed recent window.
func WithTriage(fn TriageFunc) Option {
	return func(s *Selector) { s.triage = fn }
}

// WithMetrics attaches the prompt pipeline metrics. A nil recorder
// records nothing.
func WithMetrics(m *observability.PromptMetrics) Option {
	return func(s *Selector) { s.metrics = m }
}

// NewSelector builds a Selector.
func NewSelector(cfg *config.Config, st *store.Store, opts ...Option) *Selector {
	s := &Selector{cfg: cfg, store: st, logger: observability.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the exchanges that should precede task's request,
// oldest first. Store errors are the only hard failures; triage
// trouble degrades to the guaranteed recent window.
func (s *Selector) Select(ctx context.Context, task *store.Task) ([]Entry, error) {
	if task == nil || task.ConversationToken == "" {
		return nil, nil
	}
	recent, err := s.store.RecentCompletedForToken(ctx, task.ConversationToken, s.cfg.History.LookbackCount)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return s.parentOnly(ctx, task)
	}

	// recent is newest first.
	keep := make(map[int64]bool, len(recent))
	if len(recent) <= s.cfg.History.SkipSelectionThreshold {
		for _, t := range recent {
			keep[t.ID] = true
		}
	} else {
		guaranteed := s.cfg.History.AlwaysIncludeRecent
		if guaranteed > len(recent) {
			guaranteed = len(recent)
		}
		for _, t := range recent[:guaranteed] {
			keep[t.ID] = true
		}
		if remainder := recent[guaranteed:]; len(remainder) > 0 && s.triage != nil {
			for _, id := range s.triageRemainder(ctx, task, remainder) {
				keep[id] = true
			}
		}
	}

	var head []Entry
	if pid := replyParentID(task); pid != 0 && !keep[pid] {
		if inWindow(recent, pid) {
			keep[pid] = true
		} else if parent := s.fetchParent(ctx, task, pid); parent != nil {
			head = append(head, toEntry(*parent))
		}
	}

	entries := head
	for i := len(recent) - 1; i >= 0; i-- {
		if keep[recent[i].ID] {
			entries = append(entries, toEntry(recent[i]))
		}
	}
	return entries, nil
}

// ConversationContext renders Select's entries as prompt blocks. It
// satisfies the prompt assembler's context-provider contract.
func (s *Selector) ConversationContext(ctx context.Context, task *store.Task) ([]string, error) {
	entries, err := s.Select(ctx, task)
	if err != nil {
		return nil, err
	}
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		blocks = append(blocks, e.Block())
	}
	return blocks, nil
}

// parentOnly covers a reply whose thread history has aged out of the
// lookback window: the parent is still forced in.
func (s *Selector) parentOnly(ctx context.Context, task *store.Task) ([]Entry, error) {
	pid := replyParentID(task)
	if pid == 0 {
		return nil, nil
	}
	parent := s.fetchParent(ctx, task, pid)
	if parent == nil {
		return nil, nil
	}
	return []Entry{toEntry(*parent)}, nil
}

// fetchParent loads a reply parent outside the recent window. Only the
// same user's completed tasks qualify.
func (s *Selector) fetchParent(ctx context.Context, task *store.Task, id int64) *store.Task {
	parent, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "reply parent not loadable", "parent", id, "error", err)
		return nil
	}
	if parent.UserID != task.UserID || parent.Status != store.StatusCompleted {
		return nil
	}
	return parent
}

func (s *Selector) triageRemainder(ctx context.Context, task *store.Task, candidates []store.Task) []int64 {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.History.TriageTimeout)
	defer cancel()

	reply, err := s.triage(tctx, triagePrompt(task, candidates))
	if err != nil {
		s.logger.WarnContext(ctx, "context triage failed, keeping recent only", "error", err)
		s.metrics.RecordTriageFallback()
		return nil
	}
	ids, err := parseIDArray(reply)
	if err != nil {
		s.logger.WarnContext(ctx, "context triage reply unparseable, keeping recent only",
			"error", err, "reply", excerpt(reply, 200))
		s.metrics.RecordTriageFallback()
		return nil
	}

	allowed := make(map[int64]struct{}, len(candidates))
	for _, c := range candidates {
		allowed[c.ID] = struct{}{}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// triagePrompt renders the auxiliary-model request. Candidates are
// presented oldest first with their ids.
func triagePrompt(task *store.Task, candidates []store.Task) string {
	var b strings.Builder
	b.WriteString("You prune conversation history. Given the new request and the prior exchanges, reply with a JSON array of the ids of exchanges still relevant to the new request. Reply with the array only, for example [12,15]. Reply [] when none matter.\n\n")
	b.WriteString("New request:\n")
	b.WriteString(excerpt(task.Prompt, 500))
	b.WriteString("\n\nPrior exchanges:\n")
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i]
		fmt.Fprintf(&b, "[%d] User: %s\n    Assistant: %s\n",
			c.ID, excerpt(c.Prompt, 200), excerpt(c.Result, 200))
	}
	return b.String()
}

// parseIDArray extracts a JSON integer array from a model reply that
// may wrap it in prose or a code fence. Malformed JSON gets one repair
// pass before rejection.
func parseIDArray(reply string) ([]int64, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	span := reply[start : end+1]

	ids, err := decodeIDs(span)
	if err == nil {
		return ids, nil
	}
	fixed, repairErr := jsonrepair.JSONRepair(span)
	if repairErr != nil {
		return nil, err
	}
	return decodeIDs(fixed)
}

func decodeIDs(span string) ([]int64, error) {
	var raw []any
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			ids = append(ids, int64(n))
		case string:
			id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("non-numeric id %q", n)
			}
			ids = append(ids, id)
		default:
			return nil, fmt.Errorf("unexpected array element %T", v)
		}
	}
	return ids, nil
}

// replyParentID extracts the parent task id from source refs of the
// form "task:<id>", the convention subtasks and reply adapters write.
func replyParentID(task *store.Task) int64 {
	rest, ok := strings.CutPrefix(strings.TrimSpace(task.SourceRef), "task:")
	if !ok {
		return 0
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func inWindow(tasks []store.Task, id int64) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

func toEntry(t store.Task) Entry {
	at := t.CreatedAt
	if t.CompletedAt != nil {
		at = *t.CompletedAt
	}
	return Entry{
		TaskID:  t.ID,
		Prompt:  t.Prompt,
		Result:  t.Result,
		Actions: t.ActionsTaken,
		At:      at,
	}
}

// excerpt folds s onto one line and caps it for triage prompts and
// log fields.
func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
