package prompt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"donna/internal/skills"
	"donna/internal/store"
	"donna/internal/users"
)

func (a *Assembler) headerSection(task *store.Task, profile users.Profile, now time.Time) string {
	token := task.ConversationToken
	if token == "" {
		token = "none"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", a.cfg.Prompt.BotName)
	fmt.Fprintf(&b, "You are %s, the personal assistant of user %s.\n\n", a.cfg.Prompt.BotName, task.UserID)
	fmt.Fprintf(&b, "- Current time: %s\n", now.Format("Monday, 2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "- Task: #%d\n", task.ID)
	fmt.Fprintf(&b, "- Conversation: %s\n", token)
	fmt.Fprintf(&b, "- Source: %s\n", task.SourceType)
	fmt.Fprintf(&b, "- Deliver to: %s\n", task.OutputTarget)
	if profile.Admin {
		b.WriteString("- Role: administrator\n")
		fmt.Fprintf(&b, "- Data store: %s\n", a.cfg.Engine.DBPath)
	}
	return b.String()
}

// emissariesSection returns the constitutional text verbatim. No
// placeholder substitution happens here: the text is not a template
// and users cannot override it.
func (a *Assembler) emissariesSection(ctx context.Context) string {
	path := a.cfg.Prompt.EmissariesPath
	if path == "" {
		return ""
	}
	content, err := a.files.read(path)
	if err != nil {
		a.logger.WarnContext(ctx, "emissaries not readable", "path", path, "error", err)
		return ""
	}
	return content
}

// personaSection loads the first persona that exists: the user's
// configured file, then {persona_dir}/{user}.md, then the global
// fallback. {BOT_NAME} and {BOT_DIR} are substituted at load.
func (a *Assembler) personaSection(ctx context.Context, profile users.Profile) string {
	candidates := make([]string, 0, 3)
	if profile.PersonaPath != "" {
		candidates = append(candidates, profile.PersonaPath)
	}
	if dir := a.cfg.Prompt.PersonaDir; dir != "" {
		candidates = append(candidates, filepath.Join(dir, profile.ID+".md"))
	}
	if global := a.cfg.Prompt.GlobalPersonaPath; global != "" {
		candidates = append(candidates, global)
	}
	for _, path := range candidates {
		content, err := a.files.read(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				a.logger.WarnContext(ctx, "persona not readable", "path", path, "error", err)
			}
			continue
		}
		content = strings.ReplaceAll(content, "{BOT_NAME}", a.cfg.Prompt.BotName)
		content = strings.ReplaceAll(content, "{BOT_DIR}", a.cfg.Engine.Home)
		return content
	}
	return ""
}

// resourcesSection renders the user's resources grouped by type.
// Reminders are left out of briefings: the briefing prompt asks about
// them explicitly and duplicating the list skews the summary.
func resourcesSection(resources []store.UserResource, briefing bool) string {
	var kept []store.UserResource
	for _, r := range resources {
		if briefing && r.Type == store.ResourceReminders {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Your resources\n")
	var current store.ResourceType
	for _, r := range kept { // store orders by type, name
		if r.Type != current {
			current = r.Type
			fmt.Fprintf(&b, "\n### %s\n", r.Type)
		}
		fmt.Fprintf(&b, "- %s: %s (%s)\n", r.Name, r.PathOrURL, r.Permissions)
	}
	return b.String()
}

func (a *Assembler) userMemorySection(userID string) string {
	content, ok := readIfExists(filepath.Join(a.cfg.Prompt.MemoryDir, userID, "USER.md"))
	if !ok {
		return ""
	}
	return "## What you know about the user\n\n" + content
}

func (a *Assembler) channelMemorySection(userID, token string) string {
	if token == "" {
		return ""
	}
	path := filepath.Join(a.cfg.Prompt.MemoryDir, userID, "channels", SafeToken(token)+".md")
	content, ok := readIfExists(path)
	if !ok {
		return ""
	}
	return "## What you remember about this conversation\n\n" + content
}

// datedBlocks returns one block per day that has a memory file, oldest
// first so budget trimming drops the oldest day.
func (a *Assembler) datedBlocks(userID string, now time.Time) []string {
	days := a.cfg.Prompt.DatedMemoryDays
	if days <= 0 {
		return nil
	}
	var blocks []string
	for i := days - 1; i >= 0; i-- {
		stamp := now.AddDate(0, 0, -i).Format("2006-01-02")
		content, ok := readIfExists(filepath.Join(a.cfg.Prompt.MemoryDir, userID, stamp+".md"))
		if !ok {
			continue
		}
		blocks = append(blocks, "### "+stamp+"\n\n"+content)
	}
	return blocks
}

// recalledBlocks queries the memory index with the task prompt. Recall
// is best-effort: errors degrade to no section.
func (a *Assembler) recalledBlocks(ctx context.Context, task *store.Task, query string) []string {
	if a.memory == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	limit := a.cfg.Prompt.RecallLimit
	if limit <= 0 {
		return nil
	}
	excerpts, err := a.memory.Query(ctx, task.UserID, task.ConversationToken, query, limit)
	if err != nil {
		a.logger.WarnContext(ctx, "memory recall failed", "task_id", task.ID, "error", err)
		return nil
	}
	blocks := make([]string, 0, len(excerpts))
	for _, e := range excerpts {
		text := strings.Join(strings.Fields(e.Content), " ")
		if text == "" {
			continue
		}
		if e.Source != "" {
			blocks = append(blocks, fmt.Sprintf("- (%s) %s", e.Source, text))
		} else {
			blocks = append(blocks, "- "+text)
		}
	}
	return blocks
}

func (a *Assembler) toolsSection(profile users.Profile, library skills.Library) string {
	var b strings.Builder
	b.WriteString("## Tools\n\n")
	b.WriteString("- Files: read and write inside your workspace; attachments arrive as paths.\n")
	b.WriteString("- Deferred writes: drop JSON files into $DEFERRED_DIR instead of mutating shared state; see the rules.\n")
	if profile.Admin {
		fmt.Fprintf(&b, "- Task database (read-only): sqlite3 -readonly %s\n", a.cfg.Engine.DBPath)
	}
	b.WriteString("- Skill CLIs: each selected skill documents its own commands.\n")
	if catalog := skills.CatalogMarkdown(library); catalog != "" {
		b.WriteString("\n" + catalog + "\n")
	}
	return b.String()
}

func rulesSection() string {
	return `## Rules

- Ask before anything risky or irreversible (sending mail, deleting files, spending money). End your reply with the single line [CONFIRM] to pause the task until the user confirms.
- Never invent facts about the user. Say so when you do not know.
- Follow-up work goes through files in $DEFERRED_DIR, applied only after this task succeeds:
  - task_{id}_subtasks.json: [{"user_id": ..., "prompt": ..., "source_type": "scheduled"}] (administrators only)
  - task_{id}_tracked_transactions.json: records for the accounting ledger
  - task_{id}_email_output.json: {"subject": ..., "body": ..., "format": "plain"|"html"}
- Answer in the language the user wrote in.
- Match the output channel's format; see the guidelines section.`
}

// contextBlocks fetches the conversation context. Selection failures
// degrade to no section; the selector itself already falls back to the
// most recent exchanges before erroring.
func (a *Assembler) contextBlocks(ctx context.Context, task *store.Task) []string {
	if a.context == nil {
		return nil
	}
	blocks, err := a.context.ConversationContext(ctx, task)
	if err != nil {
		a.logger.WarnContext(ctx, "conversation context unavailable",
			"task_id", task.ID, "error", err)
		return nil
	}
	return blocks
}

func requestSection(task *store.Task, effective string) string {
	var b strings.Builder
	b.WriteString("## Request\n\n")
	b.WriteString(strings.TrimSpace(effective))
	if len(task.Attachments) > 0 {
		b.WriteString("\n\nAttachments:\n")
		for _, path := range task.Attachments {
			b.WriteString("- " + path + "\n")
		}
	}
	return b.String()
}

// guidelinesSection loads per-channel formatting rules for every
// channel the result will be delivered to.
func (a *Assembler) guidelinesSection(ctx context.Context, task *store.Task) string {
	dir := a.cfg.Prompt.GuidelinesDir
	if dir == "" {
		return ""
	}
	var parts []string
	for _, channel := range deliveryChannels(task.OutputTarget) {
		content, err := a.files.read(filepath.Join(dir, channel+".md"))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				a.logger.WarnContext(ctx, "guidelines not readable",
					"channel", channel, "error", err)
			}
			continue
		}
		parts = append(parts, strings.TrimSpace(content))
	}
	if len(parts) == 0 {
		return ""
	}
	return "## Output guidelines\n\n" + strings.Join(parts, "\n\n")
}

// deliveryChannels expands an output target into guideline file names.
func deliveryChannels(target store.OutputTarget) []string {
	switch target {
	case store.TargetTalk:
		return []string{"talk"}
	case store.TargetEmail:
		return []string{"email"}
	case store.TargetNtfy:
		return []string{"ntfy"}
	case store.TargetBoth:
		return []string{"talk", "email"}
	case store.TargetAll:
		return []string{"talk", "email", "ntfy"}
	default:
		return nil
	}
}

// audioExtensions are attachment types routed through the transcriber.
var audioExtensions = map[string]bool{
	".aac": true, ".flac": true, ".m4a": true, ".mp3": true,
	".oga": true, ".ogg": true, ".opus": true, ".wav": true,
}

func isAudioAttachment(path string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(path))]
}

// readIfExists reads a file, reporting false for anything unreadable
// or blank. Memory files change too often to be worth caching.
func readIfExists(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false
	}
	return content, true
}

// SafeToken maps a conversation token to a safe file name element.
// The sleep cycle uses the same mapping when it writes channel memory
// files, so assembly and extraction always agree on the path.
func SafeToken(token string) string {
	var b strings.Builder
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
