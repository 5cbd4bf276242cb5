package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, dir, content string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	path := filepath.Join(skillDir, "SKILL.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	return path
}

func TestLoadParsesManifestAndTitle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `---
name: accounting
description: Ledger bookkeeping and invoice workflows.
keywords: [Invoice, ledger]
resource_types: [Ledger]
source_types: [email]
file_types: [csv, .PDF]
always_include: false
admin_only: true
dependencies: [hledger]
companion_skills: [email_output]
env:
  - name: LEDGER_FILE
    source: resource
    key: ledger
  - name: ACCOUNTING_MODE
---
# Accounting

Keep the books straight.
`
	path := writeSkill(t, dir, "accounting", content)

	lib, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	skill, ok := lib.Get("accounting")
	if !ok {
		t.Fatalf("expected skill to be present")
	}
	if skill.Title != "Accounting" {
		t.Fatalf("expected title Accounting, got %q", skill.Title)
	}
	if !strings.Contains(skill.Body, "Keep the books straight") {
		t.Fatalf("expected body text to be preserved")
	}
	if skill.SourcePath != path {
		t.Fatalf("expected source path %s, got %s", path, skill.SourcePath)
	}
	if skill.Dir != filepath.Dir(path) {
		t.Fatalf("expected dir %s, got %s", filepath.Dir(path), skill.Dir)
	}
	if !skill.AdminOnly {
		t.Fatalf("expected admin_only to be set")
	}
	if skill.AlwaysInclude {
		t.Fatalf("expected always_include to be unset")
	}

	// Matching fields are normalized at load time.
	if got := strings.Join(skill.Keywords, ","); got != "invoice,ledger" {
		t.Fatalf("unexpected keywords %q", got)
	}
	if got := strings.Join(skill.ResourceTypes, ","); got != "ledger" {
		t.Fatalf("unexpected resource types %q", got)
	}
	if got := strings.Join(skill.FileTypes, ","); got != ".csv,.pdf" {
		t.Fatalf("unexpected file types %q", got)
	}
	if got := strings.Join(skill.CompanionSkills, ","); got != "email_output" {
		t.Fatalf("unexpected companions %q", got)
	}
	if got := strings.Join(skill.Dependencies, ","); got != "hledger" {
		t.Fatalf("unexpected dependencies %q", got)
	}

	if len(skill.Env) != 2 {
		t.Fatalf("expected 2 env declarations, got %d", len(skill.Env))
	}
	if skill.Env[0].Name != "LEDGER_FILE" || skill.Env[0].Source != EnvFromResource || skill.Env[0].Key != "ledger" {
		t.Fatalf("unexpected env decl %+v", skill.Env[0])
	}
	// Source defaults to config, key defaults to the variable name.
	if skill.Env[1].Source != EnvFromConfig || skill.Env[1].Key != "ACCOUNTING_MODE" {
		t.Fatalf("unexpected env decl defaults %+v", skill.Env[1])
	}

	if skill.RawMeta == "" || !strings.Contains(skill.RawMeta, "name: accounting") {
		t.Fatalf("expected raw front matter to be retained")
	}
}

func TestLoadIgnoresLooseFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	loose := "---\nname: loose\ndescription: Not a directory skill.\n---\nBody.\n"
	if err := os.WriteFile(filepath.Join(dir, "loose.md"), []byte(loose), 0o644); err != nil {
		t.Fatalf("write loose file: %v", err)
	}
	writeSkill(t, dir, "calendar", "---\nname: calendar\ndescription: Calendar workflows.\n---\n# Calendar\n")

	lib, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if lib.Len() != 1 {
		t.Fatalf("expected 1 skill, got %d", lib.Len())
	}
	if _, ok := lib.Get("loose"); ok {
		t.Fatalf("expected loose markdown file to be ignored")
	}
}

func TestLoadRejectsMissingFrontMatter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSkill(t, dir, "bad", "# Untitled\n\nNo front matter here.\n")

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for missing front matter")
	}
}

func TestLoadRejectsUnknownEnvSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `---
name: broken
description: Declares a bogus env source.
env:
  - name: X
    source: vault
---
Body.
`
	writeSkill(t, dir, "broken", content)

	_, err := Load(dir)
	if err == nil {
		t.Fatalf("expected error for unknown env source")
	}
	if !strings.Contains(err.Error(), "vault") {
		t.Fatalf("expected error to name the source, got %v", err)
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSkill(t, dir, "one", "---\nname: Same Skill\ndescription: First.\n---\nBody.\n")
	writeSkill(t, dir, "two", "---\nname: same skill\ndescription: Second.\n---\nBody.\n")

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestLoadMissingDirYieldsEmptyLibrary(t *testing.T) {
	t.Parallel()

	lib, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if lib.Len() != 0 {
		t.Fatalf("expected empty library, got %d skills", lib.Len())
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Video Production": "video_production",
		"  ledger  ":       "ledger",
		"PDF processing":   "pdf_processing",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCatalogMarkdownListsSkills(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSkill(t, dir, "calendar", "---\nname: calendar\ndescription: Calendar workflows.\n---\n# Calendar\n")

	lib, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	catalog := CatalogMarkdown(lib)
	if !strings.Contains(catalog, "`calendar`") || !strings.Contains(catalog, "Calendar workflows.") {
		t.Fatalf("unexpected catalog output:\n%s", catalog)
	}
}
