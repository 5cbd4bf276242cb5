package users

import (
	"os"
	"path/filepath"
	"testing"

	"donna/internal/config"
)

func testConfig(t *testing.T, adminsFile string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Engine.Home = t.TempDir()
	cfg.Engine.AdminsFile = adminsFile
	cfg.Users = map[string]config.UserConfig{
		"alice": {Timezone: "Europe/Berlin", MaxForegroundWorkers: 1},
		"bob":   {},
	}
	return &cfg
}

func writeAdmins(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admins")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write admins: %v", err)
	}
	return path
}

func TestAdminsFromFile(t *testing.T) {
	path := writeAdmins(t, "alice\n# ops\ncarol\n\n")
	dir, err := NewDirectory(testConfig(t, path), nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	if !dir.IsAdmin("alice") || !dir.IsAdmin("carol") {
		t.Error("listed users should be admins")
	}
	if dir.IsAdmin("bob") {
		t.Error("bob is not in the admins file")
	}
	got := dir.Admins()
	want := []string{"alice", "carol"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Admins() = %v, want %v", got, want)
	}
}

func TestEmptyAdminsFileMeansAllAdmin(t *testing.T) {
	path := writeAdmins(t, "\n# nobody yet\n")
	dir, err := NewDirectory(testConfig(t, path), nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	if !dir.IsAdmin("anyone") {
		t.Error("empty admins file should grant admin to everyone")
	}
}

func TestMissingAdminsFileMeansAllAdmin(t *testing.T) {
	dir, err := NewDirectory(testConfig(t, "/nonexistent/admins"), nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	if !dir.IsAdmin("anyone") {
		t.Error("missing admins file should grant admin to everyone")
	}
	if len(dir.Admins()) != 0 {
		t.Errorf("Admins() = %v, want empty", dir.Admins())
	}
}

func TestKnownSorted(t *testing.T) {
	dir, err := NewDirectory(testConfig(t, "/nonexistent/admins"), nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	got := dir.Known()
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("Known() = %v, want [alice bob]", got)
	}
}

func TestLookup(t *testing.T) {
	path := writeAdmins(t, "alice\n")
	dir, err := NewDirectory(testConfig(t, path), nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	alice := dir.Lookup("alice")
	if !alice.Admin {
		t.Error("alice should be admin")
	}
	if alice.Timezone.String() != "Europe/Berlin" {
		t.Errorf("alice timezone = %v", alice.Timezone)
	}
	if alice.ForegroundCap != 1 {
		t.Errorf("alice foreground cap = %d, want 1", alice.ForegroundCap)
	}

	// Unknown users resolve to instance defaults.
	dave := dir.Lookup("dave")
	if dave.Admin {
		t.Error("dave should not be admin")
	}
	if dave.ForegroundCap != 2 || dave.BackgroundCap != 1 {
		t.Errorf("dave caps = %d/%d, want 2/1", dave.ForegroundCap, dave.BackgroundCap)
	}
}

func TestByEmail(t *testing.T) {
	cfg := testConfig(t, "/nonexistent/admins")
	cfg.Users["alice"] = config.UserConfig{Email: "Alice@Example.COM"}
	dir, err := NewDirectory(cfg, nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	if id, ok := dir.ByEmail(" alice@example.com "); !ok || id != "alice" {
		t.Errorf("ByEmail = %q, %v", id, ok)
	}
	if _, ok := dir.ByEmail("nobody@example.com"); ok {
		t.Error("unknown address resolved")
	}
	if _, ok := dir.ByEmail(""); ok {
		t.Error("empty address resolved")
	}
}

func TestEnsureTempDir(t *testing.T) {
	dir, err := NewDirectory(testConfig(t, "/nonexistent/admins"), nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	path, err := dir.EnsureTempDir("alice")
	if err != nil {
		t.Fatalf("EnsureTempDir: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("temp dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("temp path is not a directory")
	}
	if filepath.Base(path) != "alice" {
		t.Errorf("temp dir = %q, want per-user leaf", path)
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"alice", false},
		{"bob-2", false},
		{"a.b_c", false},
		{"7days", false},
		{"", true},
		{"..", true},
		{"Alice", true},
		{"../etc", true},
		{"a/b", true},
		{".hidden", true},
		{"user id", true},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}
