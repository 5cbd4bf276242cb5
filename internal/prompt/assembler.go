// Package prompt assembles the instruction text and environment for
// one task's child process. Assembly is a pure read of configuration,
// per-user files, and the store; nothing is persisted until the worker
// reports success and commits the skill state.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"donna/internal/config"
	"donna/internal/memory"
	"donna/internal/observability"
	"donna/internal/skills"
	"donna/internal/store"
	"donna/internal/taskerr"
	"donna/internal/users"
)

// ContextProvider supplies the conversation-context section: formatted
// exchange blocks, oldest first, so budget trimming can drop from the
// front.
type ContextProvider interface {
	ConversationContext(ctx context.Context, task *store.Task) ([]string, error)
}

// Transcriber converts an audio attachment to text. Transcriptions are
// folded into the prompt before skill selection so keyword rules see
// the spoken words.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Assembled is the executor's input: the prompt (written to the child's
// stdin, never passed as an argument) and its environment.
type Assembled struct {
	Prompt string
	Env    map[string]string
	Skills []skills.Skill

	// SkillFingerprint and SkillSnapshot are committed via
	// CommitSkillState after the task succeeds, so a failed run keeps
	// showing the changelog next time.
	SkillFingerprint string
	SkillSnapshot    string
}

// Assembler builds prompts for tasks.
type Assembler struct {
	cfg         *config.Config
	store       *store.Store
	users       *users.Directory
	memory      memory.Searcher
	context     ContextProvider
	transcriber Transcriber
	logger      *observability.Logger
	prom        *observability.PromptMetrics
	files       *fileCache
	environ     func() []string
	lookPath    func(string) (string, error)
	now         func() time.Time
}

// Option customizes an Assembler.
type Option func(*Assembler)

// WithLogger sets the assembler logger.
func WithLogger(logger *observability.Logger) Option {
	return func(a *Assembler) { a.logger = observability.OrNop(logger) }
}

// WithMemory sets the recalled-memories searcher.
func WithMemory(searcher memory.Searcher) Option {
	return func(a *Assembler) { a.memory = searcher }
}

// WithContextProvider sets the conversation-context source.
func WithContextProvider(provider ContextProvider) Option {
	return func(a *Assembler) { a.context = provider }
}

// WithTranscriber sets the audio transcriber.
func WithTranscriber(t Transcriber) Option {
	return func(a *Assembler) { a.transcriber = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithEnviron overrides the parent environment source.
func WithEnviron(environ func() []string) Option {
	return func(a *Assembler) { a.environ = environ }
}

// WithLookPath overrides binary lookup for skill dependency checks.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(a *Assembler) { a.lookPath = fn }
}

// WithPromptMetrics attaches the prompt pipeline metrics. A nil
// recorder records nothing.
func WithPromptMetrics(m *observability.PromptMetrics) Option {
	return func(a *Assembler) { a.prom = m }
}

// NewAssembler builds an Assembler. Memory, context, and transcription
// are optional collaborators; their sections are skipped when absent.
func NewAssembler(cfg *config.Config, st *store.Store, dir *users.Directory, opts ...Option) *Assembler {
	a := &Assembler{
		cfg:      cfg,
		store:    st,
		users:    dir,
		logger:   observability.Nop(),
		files:    newFileCache(cfg.Prompt.FileCacheSize),
		environ:  os.Environ,
		lookPath: exec.LookPath,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.files.onMiss = a.prom.RecordFileCacheMiss
	return a
}

// Assemble produces the prompt and environment for task. The skill
// library is loaded fresh on every call so skill edits take effect on
// the next task without a restart.
func (a *Assembler) Assemble(ctx context.Context, task *store.Task) (*Assembled, error) {
	if task == nil {
		return nil, taskerr.Configf("assemble requires a task")
	}
	profile := a.users.Lookup(task.UserID)
	tempDir, err := a.users.EnsureTempDir(task.UserID)
	if err != nil {
		return nil, err
	}
	resources, err := a.store.ResourcesForUser(ctx, task.UserID)
	if err != nil {
		return nil, fmt.Errorf("assemble resources: %w", err)
	}

	effective := a.foldTranscriptions(ctx, task)

	library, err := skills.Load(a.cfg.Prompt.SkillsDir)
	if err != nil {
		return nil, err
	}
	selector := skills.NewSelector(library,
		skills.WithLogger(a.logger), skills.WithMetrics(a.prom), skills.WithLookPath(a.lookPath))
	selected := selector.Select(ctx, skills.TaskContext{
		Prompt:        effective,
		Source:        string(task.SourceType),
		ResourceTypes: resourceTypeNames(resources),
		Attachments:   task.Attachments,
		Admin:         profile.Admin,
	})

	briefing := task.SourceType == store.SourceBriefing
	now := a.now().In(profile.Timezone)

	header := a.headerSection(task, profile, now)
	emissaries := a.emissariesSection(ctx)
	persona := a.personaSection(ctx, profile)
	resourceText := resourcesSection(resources, briefing)
	var userMemory, channelMemory string
	var dated, recalled []string
	if !briefing {
		userMemory = a.userMemorySection(task.UserID)
		channelMemory = a.channelMemorySection(task.UserID, task.ConversationToken)
		dated = a.datedBlocks(task.UserID, now)
		recalled = a.recalledBlocks(ctx, task, effective)
	}
	tools := a.toolsSection(profile, library)
	rules := rulesSection()
	contextBlocks := a.contextBlocks(ctx, task)
	request := requestSection(task, effective)
	guidelines := a.guidelinesSection(ctx, task)
	skillText, fingerprint, snapshot := a.skillsSection(ctx, task, selected)

	render := func() string {
		parts := make([]string, 0, 16)
		add := func(text string) {
			if strings.TrimSpace(text) != "" {
				parts = append(parts, strings.TrimSpace(text))
			}
		}
		add(header)
		add(emissaries)
		add(persona)
		add(resourceText)
		add(userMemory)
		add(channelMemory)
		add(blockSection("## Memories from recent days", dated))
		add(blockSection("## Recalled memories", recalled))
		add(tools)
		add(rules)
		add(blockSection("## Conversation so far", contextBlocks))
		add(request)
		add(guidelines)
		add(skillText)
		return strings.Join(parts, "\n\n") + "\n"
	}

	promptText := render()
	if budget := a.cfg.Prompt.TokenBudget; budget > 0 {
		total := countTokens(promptText)
		a.recordSectionTokens(total, dated, recalled, contextBlocks)
		if total > budget {
			var droppedDated, droppedRecalled, droppedContext int
			for total > budget && len(dated) > 0 {
				total -= countTokens(dated[0])
				dated = dated[1:]
				droppedDated++
			}
			for total > budget && len(recalled) > 0 {
				total -= countTokens(recalled[len(recalled)-1])
				recalled = recalled[:len(recalled)-1]
				droppedRecalled++
			}
			for total > budget && len(contextBlocks) > 0 {
				total -= countTokens(contextBlocks[0])
				contextBlocks = contextBlocks[1:]
				droppedContext++
			}
			if droppedDated > 0 {
				a.prom.RecordSectionTrim("dated_memories")
			}
			if droppedRecalled > 0 {
				a.prom.RecordSectionTrim("recalled_memories")
			}
			if droppedContext > 0 {
				a.prom.RecordSectionTrim("conversation_context")
			}
			promptText = render()
			final := countTokens(promptText)
			a.logger.InfoContext(ctx, "prompt trimmed to token budget",
				"task_id", task.ID, "budget", budget, "tokens", final,
				"dropped_dated", droppedDated,
				"dropped_recalled", droppedRecalled,
				"dropped_context", droppedContext)
			if final > budget {
				a.logger.WarnContext(ctx, "prompt still over budget after trimming",
					"task_id", task.ID, "budget", budget, "tokens", final)
			}
		}
	}

	env := a.buildEnv(profile.Timezone.String(), selected, resources, tempDir)

	return &Assembled{
		Prompt:           promptText,
		Env:              env,
		Skills:           selected,
		SkillFingerprint: fingerprint,
		SkillSnapshot:    snapshot,
	}, nil
}

const (
	skillsKVNamespace   = "skills"
	skillsKVFingerprint = "fingerprint"
	skillsKVSnapshot    = "snapshot"
)

// CommitSkillState stores the fingerprint and snapshot the user has now
// seen. Workers call it after a successful execution only.
func (a *Assembler) CommitSkillState(ctx context.Context, userID string, asm *Assembled) error {
	if asm == nil || asm.SkillFingerprint == "" {
		return nil
	}
	if err := a.store.KVSet(ctx, userID, skillsKVNamespace, skillsKVFingerprint, asm.SkillFingerprint); err != nil {
		return err
	}
	return a.store.KVSet(ctx, userID, skillsKVNamespace, skillsKVSnapshot, asm.SkillSnapshot)
}

// skillsSection renders the changelog (interactive tasks whose
// fingerprint moved) followed by the selected skills' documentation.
func (a *Assembler) skillsSection(ctx context.Context, task *store.Task, selected []skills.Skill) (text, fingerprint, snapshot string) {
	fingerprint = skills.Fingerprint(selected)
	snapshot = skills.Snapshot(selected)

	var parts []string
	if task.Queue() == store.QueueForeground {
		prev, err := a.store.KVGet(ctx, task.UserID, skillsKVNamespace, skillsKVFingerprint)
		switch {
		case err != nil && !errors.Is(err, store.ErrNotFound):
			a.logger.WarnContext(ctx, "skill fingerprint lookup failed",
				"user", task.UserID, "error", err)
		case prev == fingerprint:
			// Nothing new to announce.
		default:
			prevSnapshot, err := a.store.KVGet(ctx, task.UserID, skillsKVNamespace, skillsKVSnapshot)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				a.logger.WarnContext(ctx, "skill snapshot lookup failed",
					"user", task.UserID, "error", err)
			}
			if change := skills.Changelog(prevSnapshot, snapshot); change != "" {
				parts = append(parts, change)
				a.prom.RecordChangelog()
			}
		}
	}
	if docs := skills.DocsMarkdown(selected); docs != "" {
		parts = append(parts, "## Skills\n\n"+docs)
	}
	return strings.Join(parts, "\n\n"), fingerprint, snapshot
}

// foldTranscriptions returns the task prompt with audio attachment
// transcriptions appended. Failures degrade to the bare prompt; the
// attachment path still reaches the request section.
func (a *Assembler) foldTranscriptions(ctx context.Context, task *store.Task) string {
	prompt := task.Prompt
	if a.transcriber == nil {
		return prompt
	}
	for _, path := range task.Attachments {
		if !isAudioAttachment(path) {
			continue
		}
		text, err := a.transcriber.Transcribe(ctx, path)
		if err != nil {
			a.logger.WarnContext(ctx, "attachment transcription failed",
				"task_id", task.ID, "path", path, "error", err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		prompt += fmt.Sprintf("\n\n[Transcription of %s]\n%s", filepath.Base(path), strings.TrimSpace(text))
	}
	return prompt
}

func resourceTypeNames(resources []store.UserResource) []string {
	seen := make(map[string]bool, len(resources))
	var out []string
	for _, r := range resources {
		name := string(r.Type)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// recordSectionTokens gauges the budget-managed sections. Counting is
// skipped entirely when no recorder is attached.
func (a *Assembler) recordSectionTokens(total int, dated, recalled, contextBlocks []string) {
	if a.prom == nil {
		return
	}
	sum := func(blocks []string) int {
		n := 0
		for _, b := range blocks {
			n += countTokens(b)
		}
		return n
	}
	a.prom.RecordTokensBySection("dated_memories", sum(dated))
	a.prom.RecordTokensBySection("recalled_memories", sum(recalled))
	a.prom.RecordTokensBySection("conversation_context", sum(contextBlocks))
	a.prom.RecordTokensBySection("total", total)
}

// blockSection joins blocks under a heading, or returns "" when there
// is nothing to show.
func blockSection(heading string, blocks []string) string {
	if len(blocks) == 0 {
		return ""
	}
	return heading + "\n\n" + strings.Join(blocks, "\n\n")
}
