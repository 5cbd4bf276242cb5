// Package sandbox builds the bubblewrap command line that confines the
// LLM child to a narrow filesystem view. It is an argv transformer:
// callers pass the command they would have executed and receive either
// the same slice or a bwrap invocation ending in it. Mount-namespace
// mechanics stay inside bubblewrap itself.
package sandbox

import "path/filepath"

// Spec describes the filesystem view a child process should get.
type Spec struct {
	// Binary is the bubblewrap executable. Empty disables wrapping.
	Binary string
	// WorkspaceRoot holds one subdirectory per user.
	WorkspaceRoot string
	// UserID selects the workspace subtree bound for non-admin children.
	UserID string
	// Admin widens the workspace bind from the user subtree to the root.
	Admin bool
	// StorePath is the SQLite database file. Its directory is bound
	// read-only so the child can inspect task state but never mutate it.
	StorePath string
	// TempDir is the per-user scratch directory holding deferred writes
	// and helper scripts. Bound read-write.
	TempDir string
	// HomeDir, when set, is bound read-write so the child tool can reach
	// its own configuration and session state.
	HomeDir string
	// WorkDir is the child's working directory inside the namespace.
	WorkDir string
	// ExtraRO and ExtraRW add further binds, typically resource mounts.
	ExtraRO []string
	ExtraRW []string
}

// systemDirs are bound read-only so the child can run ordinary
// binaries. --ro-bind-try skips entries missing on the host.
var systemDirs = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc", "/opt"}

// Wrap prefixes argv with a bubblewrap invocation implementing spec.
// With an empty Binary (sandboxing disabled) or an empty argv it
// returns argv unchanged. Bind order matters: the store directory is
// bound read-only after the workspace so it stays read-only even when
// it lives inside the workspace tree.
func Wrap(argv []string, spec Spec) []string {
	if spec.Binary == "" || len(argv) == 0 {
		return argv
	}

	wrapped := []string{
		spec.Binary,
		"--unshare-pid",
		"--die-with-parent",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}
	for _, dir := range systemDirs {
		wrapped = append(wrapped, "--ro-bind-try", dir, dir)
	}
	if spec.HomeDir != "" {
		wrapped = append(wrapped, "--bind-try", spec.HomeDir, spec.HomeDir)
	}
	if ws := workspaceBind(spec); ws != "" {
		wrapped = append(wrapped, "--bind-try", ws, ws)
	}
	if spec.StorePath != "" {
		dir := filepath.Dir(spec.StorePath)
		wrapped = append(wrapped, "--ro-bind-try", dir, dir)
	}
	if spec.TempDir != "" {
		wrapped = append(wrapped, "--bind-try", spec.TempDir, spec.TempDir)
	}
	for _, p := range spec.ExtraRO {
		wrapped = append(wrapped, "--ro-bind-try", p, p)
	}
	for _, p := range spec.ExtraRW {
		wrapped = append(wrapped, "--bind-try", p, p)
	}
	if spec.WorkDir != "" {
		wrapped = append(wrapped, "--chdir", spec.WorkDir)
	}
	wrapped = append(wrapped, "--")
	return append(wrapped, argv...)
}

// workspaceBind returns the directory the child may write under: the
// full root for admins, the user's own subtree otherwise.
func workspaceBind(spec Spec) string {
	if spec.WorkspaceRoot == "" {
		return ""
	}
	if spec.Admin {
		return spec.WorkspaceRoot
	}
	if spec.UserID == "" {
		return ""
	}
	return filepath.Join(spec.WorkspaceRoot, spec.UserID)
}
