package sandbox

import (
	"reflect"
	"testing"
)

// tripleIndex returns the position of a flag followed by src and dest,
// or -1 when the triple never occurs.
func tripleIndex(argv []string, flag, src, dest string) int {
	for i := 0; i+2 < len(argv); i++ {
		if argv[i] == flag && argv[i+1] == src && argv[i+2] == dest {
			return i
		}
	}
	return -1
}

func pairIndex(argv []string, flag, value string) int {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == flag && argv[i+1] == value {
			return i
		}
	}
	return -1
}

func TestWrapDisabled(t *testing.T) {
	t.Parallel()

	argv := []string{"claude", "-p"}
	got := Wrap(argv, Spec{WorkspaceRoot: "/srv/ws", UserID: "alice"})
	if !reflect.DeepEqual(got, argv) {
		t.Fatalf("Wrap with empty binary = %v, want argv unchanged", got)
	}

	if got := Wrap(nil, Spec{Binary: "bwrap"}); len(got) != 0 {
		t.Fatalf("Wrap with empty argv = %v, want empty", got)
	}
}

func TestWrapNonAdmin(t *testing.T) {
	t.Parallel()

	argv := []string{"claude", "-p", "--verbose"}
	spec := Spec{
		Binary:        "bwrap",
		WorkspaceRoot: "/srv/ws",
		UserID:        "alice",
		StorePath:     "/var/lib/donna/donna.db",
		TempDir:       "/var/tmp/donna/alice",
		HomeDir:       "/home/donna",
		WorkDir:       "/srv/ws/alice",
	}
	got := Wrap(argv, spec)

	if got[0] != "bwrap" {
		t.Fatalf("argv[0] = %q, want bwrap", got[0])
	}
	for _, flag := range []string{"--unshare-pid", "--die-with-parent"} {
		if !contains(got, flag) {
			t.Errorf("wrapped argv missing %s", flag)
		}
	}
	if tripleIndex(got, "--ro-bind-try", "/usr", "/usr") == -1 {
		t.Errorf("missing read-only /usr bind in %v", got)
	}
	if tripleIndex(got, "--bind-try", "/srv/ws/alice", "/srv/ws/alice") == -1 {
		t.Errorf("missing user workspace bind in %v", got)
	}
	if tripleIndex(got, "--bind-try", "/srv/ws", "/srv/ws") != -1 {
		t.Errorf("non-admin must not bind the whole workspace root: %v", got)
	}
	if tripleIndex(got, "--ro-bind-try", "/var/lib/donna", "/var/lib/donna") == -1 {
		t.Errorf("missing read-only store directory bind in %v", got)
	}
	if tripleIndex(got, "--bind-try", "/var/tmp/donna/alice", "/var/tmp/donna/alice") == -1 {
		t.Errorf("missing writable temp bind in %v", got)
	}
	if tripleIndex(got, "--bind-try", "/home/donna", "/home/donna") == -1 {
		t.Errorf("missing home bind in %v", got)
	}
	if pairIndex(got, "--chdir", "/srv/ws/alice") == -1 {
		t.Errorf("missing --chdir in %v", got)
	}

	sep := -1
	for i, a := range got {
		if a == "--" {
			sep = i
			break
		}
	}
	if sep == -1 {
		t.Fatalf("missing -- separator in %v", got)
	}
	if !reflect.DeepEqual(got[sep+1:], argv) {
		t.Fatalf("trailing argv = %v, want %v", got[sep+1:], argv)
	}
}

func TestWrapAdmin(t *testing.T) {
	t.Parallel()

	got := Wrap([]string{"claude"}, Spec{
		Binary:        "bwrap",
		WorkspaceRoot: "/srv/ws",
		UserID:        "root-user",
		Admin:         true,
	})
	if tripleIndex(got, "--bind-try", "/srv/ws", "/srv/ws") == -1 {
		t.Fatalf("admin wrap must bind the workspace root: %v", got)
	}
	if tripleIndex(got, "--bind-try", "/srv/ws/root-user", "/srv/ws/root-user") != -1 {
		t.Fatalf("admin wrap must not narrow to the user subtree: %v", got)
	}
}

func TestWrapStoreReadOnlyInsideWorkspace(t *testing.T) {
	t.Parallel()

	// The store may live under the workspace. The read-only bind has to
	// come after the workspace bind so it masks the writable mount.
	got := Wrap([]string{"claude"}, Spec{
		Binary:        "bwrap",
		WorkspaceRoot: "/srv/ws",
		Admin:         true,
		StorePath:     "/srv/ws/store/donna.db",
	})
	wsIdx := tripleIndex(got, "--bind-try", "/srv/ws", "/srv/ws")
	storeIdx := tripleIndex(got, "--ro-bind-try", "/srv/ws/store", "/srv/ws/store")
	if wsIdx == -1 || storeIdx == -1 {
		t.Fatalf("missing binds in %v", got)
	}
	if storeIdx < wsIdx {
		t.Fatalf("store bind at %d precedes workspace bind at %d; read-only mask lost", storeIdx, wsIdx)
	}
}

func TestWrapExtraBinds(t *testing.T) {
	t.Parallel()

	got := Wrap([]string{"claude"}, Spec{
		Binary:  "bwrap",
		ExtraRO: []string{"/mnt/shared-docs"},
		ExtraRW: []string{"/mnt/inbox"},
	})
	if tripleIndex(got, "--ro-bind-try", "/mnt/shared-docs", "/mnt/shared-docs") == -1 {
		t.Errorf("missing extra read-only bind in %v", got)
	}
	if tripleIndex(got, "--bind-try", "/mnt/inbox", "/mnt/inbox") == -1 {
		t.Errorf("missing extra writable bind in %v", got)
	}
}

func TestWrapNoUserNoWorkspaceBind(t *testing.T) {
	t.Parallel()

	got := Wrap([]string{"claude"}, Spec{
		Binary:        "bwrap",
		WorkspaceRoot: "/srv/ws",
	})
	if tripleIndex(got, "--bind-try", "/srv/ws", "/srv/ws") != -1 {
		t.Fatalf("no user id: workspace root must stay unbound: %v", got)
	}
}

func contains(argv []string, want string) bool {
	for _, a := range argv {
		if a == want {
			return true
		}
	}
	return false
}
