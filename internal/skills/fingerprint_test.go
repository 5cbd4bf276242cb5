package skills

import (
	"strings"
	"testing"
)

func fpSkill(name, desc, meta, body string) Skill {
	return Skill{
		Manifest: Manifest{Name: name, Description: desc},
		Body:     body,
		RawMeta:  meta,
	}
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a := fpSkill("a", "A.", "name: a", "Alpha body.")
	b := fpSkill("b", "B.", "name: b", "Beta body.")

	if Fingerprint([]Skill{a, b}) != Fingerprint([]Skill{b, a}) {
		t.Fatalf("expected fingerprint to ignore selection order")
	}
}

func TestFingerprintChangesWithDocs(t *testing.T) {
	t.Parallel()

	a := fpSkill("a", "A.", "name: a", "Alpha body.")
	edited := fpSkill("a", "A.", "name: a", "Alpha body, revised.")

	if Fingerprint([]Skill{a}) == Fingerprint([]Skill{edited}) {
		t.Fatalf("expected body edit to change fingerprint")
	}
	if Fingerprint([]Skill{a}) == Fingerprint(nil) {
		t.Fatalf("expected empty selection to differ")
	}
}

func TestSnapshotOneLinePerSkill(t *testing.T) {
	t.Parallel()

	snap := Snapshot([]Skill{
		fpSkill("Email Output", "Compose outgoing mail.", "", ""),
		fpSkill("accounting", "Keep the books.", "", ""),
	})
	want := "accounting: Keep the books.\nemail_output: Compose outgoing mail.\n"
	if snap != want {
		t.Fatalf("snapshot = %q, want %q", snap, want)
	}
}

func TestChangelogReportsAdditionsAndRemovals(t *testing.T) {
	t.Parallel()

	previous := "accounting: Keep the books.\ncalendar: Calendar workflows.\n"
	current := "accounting: Keep the books.\ntranscribe: Turn audio into text.\n"

	changelog := Changelog(previous, current)
	if !strings.Contains(changelog, "What's new in skills") {
		t.Fatalf("expected changelog header, got %q", changelog)
	}
	if !strings.Contains(changelog, "+ transcribe: Turn audio into text.") {
		t.Fatalf("expected addition line, got %q", changelog)
	}
	if !strings.Contains(changelog, "- calendar: Calendar workflows.") {
		t.Fatalf("expected removal line, got %q", changelog)
	}
}

func TestChangelogEmptyWhenUnchanged(t *testing.T) {
	t.Parallel()

	snap := "accounting: Keep the books.\n"
	if got := Changelog(snap, snap); got != "" {
		t.Fatalf("expected empty changelog, got %q", got)
	}
}

func TestChangelogOnFirstContactListsEverything(t *testing.T) {
	t.Parallel()

	changelog := Changelog("", "accounting: Keep the books.\n")
	if !strings.Contains(changelog, "+ accounting: Keep the books.") {
		t.Fatalf("expected first snapshot to appear as additions, got %q", changelog)
	}
}
