// Package users resolves identity questions the rest of the engine
// asks constantly: is this user an admin, which users does this
// instance know, and where does a user's scratch space live.
package users

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/taskerr"
)

// Directory answers admin membership and per-user settings. It is
// built once at startup and passed explicitly to the components that
// need it.
type Directory struct {
	cfg      *config.Config
	logger   *observability.Logger
	admins   map[string]struct{}
	allAdmin bool
}

// NewDirectory loads the admins file named in cfg and snapshots the
// per-user configuration.
//
// Admins file semantics: newline-delimited user ids, blank lines and
// #-comments ignored. An empty file means every user is an admin. A
// missing file is treated the same way so single-user installs work
// without touching /etc, but it is logged because multi-user
// deployments almost always want the file.
func NewDirectory(cfg *config.Config, logger *observability.Logger) (*Directory, error) {
	logger = logger.OrNop()
	admins, allAdmin, err := loadAdmins(cfg.Engine.AdminsFile)
	if err != nil {
		return nil, err
	}
	if allAdmin {
		logger.Warn("admins file empty or missing, treating all users as admin",
			"path", cfg.Engine.AdminsFile)
	}
	return &Directory{
		cfg:      cfg,
		logger:   logger,
		admins:   admins,
		allAdmin: allAdmin,
	}, nil
}

func loadAdmins(path string) (map[string]struct{}, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, taskerr.Config(err, "read admins file")
	}
	admins := make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		id := strings.TrimSpace(line)
		if id == "" || strings.HasPrefix(id, "#") {
			continue
		}
		admins[id] = struct{}{}
	}
	if len(admins) == 0 {
		return nil, true, nil
	}
	return admins, false, nil
}

// IsAdmin reports whether the user may use admin-only skills, see the
// data-store path in prompts, and create subtasks through deferred
// files.
func (d *Directory) IsAdmin(userID string) bool {
	if d.allAdmin {
		return true
	}
	_, ok := d.admins[userID]
	return ok
}

// Admins returns the configured admin ids, sorted. Empty when every
// user is an admin.
func (d *Directory) Admins() []string {
	ids := make([]string, 0, len(d.admins))
	for id := range d.admins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Known returns the user ids present in configuration, sorted. Users
// can exist in the task store without appearing here; Known is for
// listing, not authorization.
func (d *Directory) Known() []string {
	ids := make([]string, 0, len(d.cfg.Users))
	for id := range d.cfg.Users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Profile is the resolved view of one user.
type Profile struct {
	ID             string
	Admin          bool
	Timezone       *time.Location
	PersonaPath    string
	ForegroundCap  int
	BackgroundCap  int
	Email          string
	BriefingCron   string
	BriefingTarget string
}

// Lookup resolves a user's effective settings, falling back to
// instance defaults for anything the user does not override. It
// succeeds for unknown users too: any id can submit tasks.
func (d *Directory) Lookup(userID string) Profile {
	p := Profile{
		ID:            userID,
		Admin:         d.IsAdmin(userID),
		Timezone:      d.cfg.UserTimezone(userID),
		ForegroundCap: d.cfg.UserCap(userID, true),
		BackgroundCap: d.cfg.UserCap(userID, false),
	}
	if u, ok := d.cfg.Users[userID]; ok {
		p.PersonaPath = u.PersonaPath
		p.Email = u.Email
		p.BriefingCron = u.BriefingCron
		p.BriefingTarget = u.BriefingTarget
	}
	return p
}

// ByEmail resolves a configured user by mail address,
// case-insensitively. The email adapter uses it to map senders to
// owners; an unknown address returns false and the mail is dropped.
func (d *Directory) ByEmail(addr string) (string, bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return "", false
	}
	for id, u := range d.cfg.Users {
		if strings.ToLower(strings.TrimSpace(u.Email)) == addr {
			return id, true
		}
	}
	return "", false
}

// TempDir returns the user's scratch directory (deferred files,
// helper scripts) without creating it. It lives under the deferred
// directory so DEFERRED_DIR and the post-processor always agree.
func (d *Directory) TempDir(userID string) string {
	return filepath.Join(d.cfg.Engine.DeferredDir, userID)
}

// EnsureTempDir creates the user's scratch directory if needed and
// returns its path.
func (d *Directory) EnsureTempDir(userID string) (string, error) {
	dir := d.TempDir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create temp dir for %s: %w", userID, err)
	}
	return dir, nil
}

const maxIDLength = 64

// ValidateID rejects user ids that could break out of the per-user
// path layout (tmp/{user}, workspace subtrees) or collide with file
// naming. Allowed: lowercase letters, digits, '.', '_', '-', starting
// with a letter or digit.
func ValidateID(id string) error {
	if id == "" {
		return taskerr.Configf("user id is empty")
	}
	if len(id) > maxIDLength {
		return taskerr.Configf("user id %q exceeds %d characters", id, maxIDLength)
	}
	if id == "." || id == ".." {
		return taskerr.Configf("user id %q is not allowed", id)
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case i > 0 && (r == '.' || r == '_' || r == '-'):
		default:
			return taskerr.Configf("user id %q contains invalid character %q", id, r)
		}
	}
	return nil
}
