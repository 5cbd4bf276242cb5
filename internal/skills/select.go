package skills

import (
	"context"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"donna/internal/observability"
)

// TaskContext carries the per-task facts selection rules consult.
// Selection is stateless: the same context against the same library
// always yields the same skill set.
type TaskContext struct {
	// Prompt is the full task prompt text, after any audio
	// transcription has been folded in.
	Prompt string
	// Source is the task's source type (talk, email, briefing, ...).
	Source string
	// ResourceTypes are the types of the user's registered resources.
	ResourceTypes []string
	// Attachments are the task's attachment paths; only the
	// extensions participate in matching.
	Attachments []string
	// Admin grants access to admin-only skills.
	Admin bool
}

// Selector applies the selection rules of a library to tasks.
type Selector struct {
	library  Library
	logger   *observability.Logger
	metrics  *observability.PromptMetrics
	lookPath func(string) (string, error)
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithLogger sets the logger used for skip warnings.
func WithLogger(logger *observability.Logger) SelectorOption {
	return func(s *Selector) { s.logger = logger }
}

// WithMetrics attaches the prompt pipeline metrics. A nil recorder
// records nothing.
func WithMetrics(m *observability.PromptMetrics) SelectorOption {
	return func(s *Selector) { s.metrics = m }
}

// WithLookPath overrides binary lookup for dependency checks.
func WithLookPath(fn func(string) (string, error)) SelectorOption {
	return func(s *Selector) { s.lookPath = fn }
}

// NewSelector builds a Selector over library.
func NewSelector(library Library, opts ...SelectorOption) *Selector {
	s := &Selector{
		library:  library,
		logger:   observability.Nop(),
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the skills the task needs, sorted by name. Rules, in
// order: a skill matches if always_include is set, its source types
// include the task source, its resource types intersect the user's
// resources, its file types match an attachment extension, or any
// keyword occurs in the prompt (case-insensitive substring). Companions
// of matched skills are pulled in with a single pass. Admin-only skills
// are then dropped for non-admins, and skills whose binary dependencies
// are not on PATH are skipped with a warning.
func (s *Selector) Select(ctx context.Context, tc TaskContext) []Skill {
	prompt := strings.ToLower(tc.Prompt)
	source := strings.ToLower(strings.TrimSpace(tc.Source))

	resources := make(map[string]bool, len(tc.ResourceTypes))
	for _, rt := range tc.ResourceTypes {
		resources[strings.ToLower(strings.TrimSpace(rt))] = true
	}
	exts := make(map[string]bool, len(tc.Attachments))
	for _, path := range tc.Attachments {
		if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
			exts[ext] = true
		}
	}

	selected := make(map[string]Skill)
	for _, skill := range s.library.List() {
		if rule := matchRule(skill, prompt, source, resources, exts); rule != "" {
			selected[NormalizeName(skill.Name)] = skill
			s.metrics.RecordSkillSelected(rule)
		}
	}

	// Companions: one pass over the initial matches, not transitive.
	for _, skill := range sortedSkills(selected) {
		for _, companion := range skill.CompanionSkills {
			key := NormalizeName(companion)
			if _, ok := selected[key]; ok {
				continue
			}
			comp, ok := s.library.Get(companion)
			if !ok {
				s.logger.WarnContext(ctx, "companion skill not found",
					"skill", skill.Name, "companion", companion)
				continue
			}
			selected[key] = comp
			s.metrics.RecordSkillSelected("companion")
		}
	}

	out := make([]Skill, 0, len(selected))
	for _, skill := range sortedSkills(selected) {
		if skill.AdminOnly && !tc.Admin {
			s.metrics.RecordSkillSkipped("admin_only")
			continue
		}
		if missing := s.missingDependency(skill); missing != "" {
			s.logger.WarnContext(ctx, "skill skipped, dependency not installed",
				"skill", skill.Name, "dependency", missing)
			s.metrics.RecordSkillSkipped("dependency")
			continue
		}
		out = append(out, skill)
	}
	return out
}

// matchRule names the first selection rule the skill matches, or ""
// when none do.
func matchRule(skill Skill, prompt, source string, resources, exts map[string]bool) string {
	if skill.AlwaysInclude {
		return "always_include"
	}
	for _, st := range skill.SourceTypes {
		if st == source {
			return "source_type"
		}
	}
	for _, rt := range skill.ResourceTypes {
		if resources[rt] {
			return "resource_type"
		}
	}
	for _, ft := range skill.FileTypes {
		if exts[ft] {
			return "file_type"
		}
	}
	for _, kw := range skill.Keywords {
		if strings.Contains(prompt, kw) {
			return "keyword"
		}
	}
	return ""
}

func (s *Selector) missingDependency(skill Skill) string {
	for _, dep := range skill.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if _, err := s.lookPath(dep); err != nil {
			return dep
		}
	}
	return ""
}

func sortedSkills(set map[string]Skill) []Skill {
	out := make([]Skill, 0, len(set))
	for _, skill := range set {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
