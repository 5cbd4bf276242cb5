// Package files is the shared-file collaborator: the checklist poller,
// the organize phase, and briefing attachments go through it. The
// interface is shaped like a cloud-drive client; the bundled
// implementation is a rooted directory tree for single-host installs.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"donna/internal/taskerr"
)

// Entry is one directory listing row.
type Entry struct {
	Name string
	Dir  bool
}

// FileStore reads and writes user files by store-relative path.
type FileStore interface {
	ReadText(ctx context.Context, path string) (string, error)
	WriteText(ctx context.Context, path string, data []byte) error
	ListDir(ctx context.Context, path string) ([]Entry, error)
	// GetOwner maps a path to the user it belongs to, "" when the
	// path is outside any user's tree.
	GetOwner(ctx context.Context, path string) (string, error)
	// CreateShare makes a path reachable outside the owner's tree and
	// returns its address.
	CreateShare(ctx context.Context, path string) (string, error)
}

// Local serves FileStore from a rooted directory. Ownership follows
// the layout convention: the first path segment names the owning user.
type Local struct {
	root string
}

// NewLocal roots a Local store, creating the directory if needed.
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, taskerr.Configf("files root is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("files root: %w", err)
	}
	return &Local{root: root}, nil
}

// Root returns the canonical root path.
func (l *Local) Root() string { return l.root }

func (l *Local) resolve(rel string) (string, error) {
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("files: path %q escapes root", rel)
	}
	return filepath.Join(l.root, cleaned), nil
}

func (l *Local) ReadText(_ context.Context, path string) (string, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (l *Local) WriteText(_ context.Context, path string, data []byte) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (l *Local) ListDir(_ context.Context, path string) ([]Entry, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		entries = append(entries, Entry{Name: d.Name(), Dir: d.IsDir()})
	}
	return entries, nil
}

func (l *Local) GetOwner(_ context.Context, path string) (string, error) {
	cleaned := filepath.Clean(path)
	if cleaned == "." || cleaned == ".." || filepath.IsAbs(cleaned) {
		return "", nil
	}
	parts := strings.Split(filepath.ToSlash(cleaned), "/")
	// A file directly at the root sits outside every user tree.
	if len(parts) < 2 {
		return "", nil
	}
	return parts[0], nil
}

// CreateShare for a local tree is the absolute path itself; anything
// on this host can already reach it.
func (l *Local) CreateShare(_ context.Context, path string) (string, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("share %s: %w", path, err)
	}
	return abs, nil
}
