package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxChangelogLines bounds the "what's new" section so a large skill
// rollout cannot swamp the prompt.
const maxChangelogLines = 40

// Fingerprint returns a SHA-256 hex digest over the selected skills'
// manifests and documentation bodies. Any edit to a selected skill, or
// a change in which skills are selected, changes the digest.
func Fingerprint(selected []Skill) string {
	sorted := append([]Skill(nil), selected...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, skill := range sorted {
		io.WriteString(h, skill.RawMeta)
		io.WriteString(h, "\n")
		io.WriteString(h, skill.Body)
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot renders the user-facing one-line-per-skill summary that is
// stored next to the fingerprint. Diffing the stored snapshot against
// the current one yields the changelog.
func Snapshot(selected []Skill) string {
	sorted := append([]Skill(nil), selected...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, skill := range sorted {
		fmt.Fprintf(&b, "%s: %s\n", NormalizeName(skill.Name), skill.Description)
	}
	return b.String()
}

// Changelog renders a short "what's new" section from the previous and
// current snapshots. It returns "" when nothing user-visible changed,
// which happens when only skill bodies were edited; callers still
// refresh the stored fingerprint in that case.
func Changelog(previous, current string) string {
	if previous == current {
		return ""
	}

	dmp := diffmatchpatch.New()
	prevChars, curChars, lines := dmp.DiffLinesToChars(previous, current)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(prevChars, curChars, false), lines)

	var added, removed []string
	for _, d := range diffs {
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				added = append(added, line)
			case diffmatchpatch.DiffDelete:
				removed = append(removed, line)
			}
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## What's new in skills\n")
	count := 0
	for _, line := range added {
		if count == maxChangelogLines {
			break
		}
		b.WriteString("+ " + line + "\n")
		count++
	}
	for _, line := range removed {
		if count == maxChangelogLines {
			break
		}
		b.WriteString("- " + line + "\n")
		count++
	}
	if rest := len(added) + len(removed) - count; rest > 0 {
		fmt.Fprintf(&b, "(%d more changes)\n", rest)
	}
	return strings.TrimRight(b.String(), "\n")
}
