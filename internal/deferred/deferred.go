// Package deferred applies the write-back files a sandboxed child
// leaves in its per-user temp directory. The child cannot reach the
// store, so it drops task_{id}_{kind}.json files instead; after a
// successful execution the worker hands the completed task here and
// each file is applied once, then removed. Failures log and never
// touch the task's status.
package deferred

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/users"
)

const (
	kindSubtasks     = "subtasks"
	kindTransactions = "tracked_transactions"
	kindEmailOutput  = "email_output"
)

// EmailOutput is the structured reply payload a child may stage for
// the email delivery path.
type EmailOutput struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Format  string `json:"format"` // plain or html
}

// Outcome summarizes what one Apply pass did.
type Outcome struct {
	SubtasksCreated     int
	TransactionsTracked int
	EmailOutput         *EmailOutput
}

type subtaskRecord struct {
	UserID     string `json:"user_id"`
	Prompt     string `json:"prompt"`
	SourceType string `json:"source_type"`
}

// Processor scans and applies deferred files.
type Processor struct {
	store   *store.Store
	users   *users.Directory
	logger  *observability.Logger
	metrics *observability.MetricsCollector
}

// Option customizes a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger *observability.Logger) Option {
	return func(p *Processor) { p.logger = observability.OrNop(logger) }
}

// WithMetrics attaches the metrics collector. A nil collector records
// nothing.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor builds a Processor over the store and user directory.
func NewProcessor(st *store.Store, dir *users.Directory, opts ...Option) *Processor {
	p := &Processor{store: st, users: dir, logger: observability.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply consumes every deferred file the task left behind. Each file
// is removed before its records are applied, so a second pass finds
// nothing. Apply never fails: bad files and bad records are logged
// and skipped.
func (p *Processor) Apply(ctx context.Context, task *store.Task) Outcome {
	var out Outcome
	if task == nil || task.UserID == "" {
		return out
	}
	dir := p.users.TempDir(task.UserID)
	for _, kind := range []string{kindSubtasks, kindTransactions, kindEmailOutput} {
		path := filepath.Join(dir, fmt.Sprintf("task_%d_%s.json", task.ID, kind))
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			p.logger.WarnContext(ctx, "deferred file unreadable", "path", path, "error", err)
			p.metrics.RecordDeferredApplied(ctx, kind, false)
			continue
		}
		// Remove first so the file can never be applied twice.
		if err := os.Remove(path); err != nil {
			p.logger.WarnContext(ctx, "deferred file not removable, skipped", "path", path, "error", err)
			p.metrics.RecordDeferredApplied(ctx, kind, false)
			continue
		}
		switch kind {
		case kindSubtasks:
			p.applySubtasks(ctx, task, data, &out)
		case kindTransactions:
			p.applyTransactions(ctx, task, data, &out)
		case kindEmailOutput:
			p.applyEmailOutput(ctx, task, data, &out)
		}
		p.metrics.RecordDeferredApplied(ctx, kind, true)
	}
	return out
}

// applySubtasks creates the requested follow-up tasks. Only admins may
// spawn work for other users, or at all.
func (p *Processor) applySubtasks(ctx context.Context, task *store.Task, data []byte, out *Outcome) {
	if !p.users.IsAdmin(task.UserID) {
		p.logger.WarnContext(ctx, "subtasks file from non-admin rejected",
			"user", task.UserID, "task", task.ID)
		return
	}
	var records []subtaskRecord
	if err := decodeLenient(data, &records); err != nil {
		p.logger.WarnContext(ctx, "subtasks file unparseable", "task", task.ID, "error", err)
		return
	}
	for i, rec := range records {
		prompt := strings.TrimSpace(rec.Prompt)
		if prompt == "" {
			p.logger.WarnContext(ctx, "subtask without prompt skipped", "task", task.ID, "index", i)
			continue
		}
		userID := rec.UserID
		if userID == "" {
			userID = task.UserID
		}
		id, err := p.store.CreateSubtask(ctx, task.ID, store.NewTask{
			UserID:     userID,
			Prompt:     prompt,
			SourceType: store.SourceScheduled,
		})
		if err != nil {
			p.logger.WarnContext(ctx, "subtask create failed", "task", task.ID, "error", err)
			continue
		}
		out.SubtasksCreated++
		p.logger.InfoContext(ctx, "subtask created", "task", task.ID, "subtask", id, "user", userID)
	}
}

// applyTransactions inserts accounting records keyed by content hash.
// Records the child staged twice, or staged again on a later task,
// dedup to a single row.
func (p *Processor) applyTransactions(ctx context.Context, task *store.Task, data []byte, out *Outcome) {
	var records []any
	if err := decodeLenient(data, &records); err != nil {
		p.logger.WarnContext(ctx, "transactions file unparseable", "task", task.ID, "error", err)
		return
	}
	for i, rec := range records {
		// Re-marshal for a stable hash: encoding/json sorts map keys.
		payload, err := json.Marshal(rec)
		if err != nil {
			p.logger.WarnContext(ctx, "transaction not serializable", "task", task.ID, "index", i, "error", err)
			continue
		}
		sum := sha256.Sum256(payload)
		inserted, err := p.store.TrackTransaction(ctx, hex.EncodeToString(sum[:]), task.UserID, string(payload))
		if err != nil {
			p.logger.WarnContext(ctx, "transaction insert failed", "task", task.ID, "error", err)
			continue
		}
		if inserted {
			out.TransactionsTracked++
		} else {
			p.logger.DebugContext(ctx, "duplicate transaction skipped", "task", task.ID, "index", i)
		}
	}
}

func (p *Processor) applyEmailOutput(ctx context.Context, task *store.Task, data []byte, out *Outcome) {
	var eo EmailOutput
	if err := decodeLenient(data, &eo); err != nil {
		p.logger.WarnContext(ctx, "email output file unparseable", "task", task.ID, "error", err)
		return
	}
	eo.Subject = strings.TrimSpace(eo.Subject)
	switch eo.Format {
	case "":
		eo.Format = "plain"
	case "plain", "html":
	default:
		p.logger.WarnContext(ctx, "email output with unknown format treated as plain",
			"task", task.ID, "format", eo.Format)
		eo.Format = "plain"
	}
	if eo.Subject == "" && strings.TrimSpace(eo.Body) == "" {
		p.logger.WarnContext(ctx, "empty email output ignored", "task", task.ID)
		return
	}
	out.EmailOutput = &eo
}

// decodeLenient unmarshals data, giving malformed JSON one repair pass
// before giving up.
func decodeLenient(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(string(data))
	if err != nil {
		return fmt.Errorf("unparseable JSON: %w", err)
	}
	return json.Unmarshal([]byte(fixed), v)
}
