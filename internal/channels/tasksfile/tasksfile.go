// Package tasksfile polls markdown checklists in the shared file tree
// and writes results back underneath the item that asked for them. One
// unchecked checkbox is one task; the file is both inbox and outbox.
package tasksfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"donna/internal/channels"
	"donna/internal/config"
	"donna/internal/files"
	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/users"
)

const refPrefix = "tasksfile:"

// Adapter is both the poller and the write-back deliverer.
type Adapter struct {
	files  files.FileStore
	store  *store.Store
	cfg    config.TasksFileConfig
	logger *observability.Logger

	// mu serializes write-backs; two workers finishing items from the
	// same file must not clobber each other's notes.
	mu sync.Mutex
}

// New builds the checklist adapter over the shared file tree.
func New(fs files.FileStore, st *store.Store, cfg config.TasksFileConfig, logger *observability.Logger) *Adapter {
	return &Adapter{
		files:  fs,
		store:  st,
		cfg:    cfg,
		logger: observability.OrNop(logger),
	}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return channels.AdapterTasksFile }

// Poll scans every user directory for checklist files and ingests
// unchecked items. A file whose content hash is unchanged since the
// last scan is skipped wholesale.
func (a *Adapter) Poll(ctx context.Context) error {
	pattern := a.cfg.Pattern
	if pattern == "" {
		pattern = "*.md"
	}
	entries, err := a.files.ListDir(ctx, a.cfg.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		a.logger.DebugContext(ctx, "tasks dir missing, nothing to poll", "dir", a.cfg.Dir)
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Dir {
			if ok, _ := filepath.Match(pattern, e.Name); ok {
				a.logger.WarnContext(ctx, "checklist outside a user directory skipped", "file", e.Name)
			}
			continue
		}
		sub, err := a.files.ListDir(ctx, path.Join(a.cfg.Dir, e.Name))
		if err != nil {
			a.logger.WarnContext(ctx, "user directory unreadable", "dir", e.Name, "error", err)
			continue
		}
		for _, f := range sub {
			if f.Dir {
				continue
			}
			if ok, _ := filepath.Match(pattern, f.Name); !ok {
				continue
			}
			p := path.Join(a.cfg.Dir, e.Name, f.Name)
			if err := a.ingestFile(ctx, p); err != nil {
				a.logger.ErrorContext(ctx, "checklist not ingested", "file", p, "error", err)
			}
		}
	}
	return nil
}

func (a *Adapter) ingestFile(ctx context.Context, p string) error {
	content, err := a.files.ReadText(ctx, p)
	if err != nil {
		return err
	}
	hash := contentHash(content)
	stored, err := a.store.TasksFileHash(ctx, p)
	if err != nil {
		return err
	}
	if stored == hash {
		return nil
	}
	owner, err := a.files.GetOwner(ctx, p)
	if err != nil {
		return err
	}
	if err := users.ValidateID(owner); err != nil {
		a.logger.WarnContext(ctx, "checklist owner invalid, file skipped",
			"file", p, "error", err)
		return a.store.SetTasksFileHash(ctx, p, hash)
	}
	created := 0
	for _, it := range parseItems(strings.Split(content, "\n")) {
		if it.done {
			continue
		}
		_, err := a.store.CreateTaskUnique(ctx, store.NewTask{
			UserID:     owner,
			Prompt:     it.text,
			SourceType: store.SourceTasksFile,
			SourceRef:  itemRef(p, it.text),
		})
		if errors.Is(err, store.ErrDuplicateTask) {
			continue
		}
		if err != nil {
			// Hash not advanced; the next poll retries the file.
			return err
		}
		created++
	}
	if created > 0 {
		a.logger.InfoContext(ctx, "checklist items ingested",
			"file", p, "items", created, "user", owner)
	}
	return a.store.SetTasksFileHash(ctx, p, hash)
}

// DeliverResult checks the item's box and writes the result
// underneath it.
func (a *Adapter) DeliverResult(ctx context.Context, task *store.Task, res channels.Result) error {
	return a.writeBack(ctx, task, res.Text, true)
}

// DeliverFailure writes a failure note under the item but leaves the
// box unchecked.
func (a *Adapter) DeliverFailure(ctx context.Context, task *store.Task, userMsg string) error {
	return a.writeBack(ctx, task, "failed: "+userMsg, false)
}

func (a *Adapter) writeBack(ctx context.Context, task *store.Task, note string, complete bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, sum, err := splitRef(task.SourceRef)
	if err != nil {
		return err
	}
	content, err := a.files.ReadText(ctx, p)
	if err != nil {
		return err
	}
	lines := strings.Split(content, "\n")
	target := -1
	var hit item
	for _, it := range parseItems(lines) {
		if strings.HasSuffix(itemRef(p, it.text), ":"+sum) {
			target, hit = it.line, it
			break
		}
	}
	if target < 0 {
		// The user edited the item away; the result still lives in
		// the task row.
		a.logger.WarnContext(ctx, "checklist item gone before delivery",
			"file", p, "task", task.ID)
		return nil
	}
	if complete {
		lines[target] = strings.Replace(lines[target], "[ ]", "[x]", 1)
	}
	updated := slices.Insert(lines, target+1, noteLines(hit.indent, note)...)
	out := strings.Join(updated, "\n")
	if err := a.files.WriteText(ctx, p, []byte(out)); err != nil {
		return err
	}
	// Record our own write so the next poll does not re-ingest it.
	return a.store.SetTasksFileHash(ctx, p, contentHash(out))
}

func noteLines(indent, note string) []string {
	note = strings.TrimSpace(note)
	if note == "" {
		note = "done"
	}
	raw := strings.Split(note, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		out = append(out, indent+"  > "+strings.TrimRight(line, " \t"))
	}
	return out
}

// item is one parsed checklist line.
type item struct {
	line   int
	indent string
	text   string
	done   bool
}

var itemPattern = regexp.MustCompile(`^([ \t]*)[-*] \[([ xX])\] (.+)$`)

func parseItems(lines []string) []item {
	var items []item
	for i, line := range lines {
		m := itemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[3])
		if text == "" {
			continue
		}
		items = append(items, item{line: i, indent: m[1], text: text, done: m[2] != " "})
	}
	return items
}

// itemRef keys an item by file path and the hash of its text, so a
// reworded item is a new task and an untouched one never repeats.
func itemRef(path, text string) string {
	sum := sha256.Sum256([]byte(text))
	return refPrefix + path + ":" + hex.EncodeToString(sum[:8])
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func splitRef(ref string) (path, sum string, err error) {
	rest, ok := strings.CutPrefix(ref, refPrefix)
	i := strings.LastIndex(rest, ":")
	if !ok || i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("tasksfile: malformed source ref %q", ref)
	}
	return rest[:i], rest[i+1:], nil
}
