package skills

import (
	"fmt"
	"strings"
)

// DocsMarkdown renders the documentation bodies of the selected skills
// for inclusion in the assembled prompt. Bodies keep their own
// headings; a heading is synthesized only when a body lacks one.
func DocsMarkdown(selected []Skill) string {
	if len(selected) == 0 {
		return ""
	}
	var b strings.Builder
	for i, skill := range selected {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		if extractMarkdownTitle(skill.Body) == "" {
			b.WriteString("# " + skill.Title + "\n\n")
		}
		b.WriteString(skill.Body)
	}
	return strings.TrimSpace(b.String())
}

// CatalogMarkdown renders a compact name/description index of the
// library, used by the prompt's tools section so the model knows which
// skill CLIs exist beyond the ones selected for this task.
func CatalogMarkdown(library Library) string {
	skills := library.List()
	if len(skills) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, skill := range skills {
		desc := strings.TrimSpace(skill.Description)
		if desc == "" {
			desc = "(no description)"
		}
		b.WriteString(fmt.Sprintf("- `%s`: %s\n", NormalizeName(skill.Name), desc))
	}
	return strings.TrimSpace(b.String())
}
