package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"donna/internal/taskerr"
)

// ResourceType enumerates the kinds of external artifacts users grant
// to the assistant. Skill selection matches on these.
type ResourceType string

const (
	ResourceCalendar  ResourceType = "calendar"
	ResourceFolder    ResourceType = "folder"
	ResourceFile      ResourceType = "file"
	ResourceReminders ResourceType = "reminders"
	ResourceContacts  ResourceType = "contacts"
	ResourceLedger    ResourceType = "ledger"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceCalendar, ResourceFolder, ResourceFile,
		ResourceReminders, ResourceContacts, ResourceLedger:
		return true
	default:
		return false
	}
}

// KVMap stores a map[string]string as a JSON object column.
type KVMap map[string]string

// Value implements driver.Valuer.
func (m KVMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *KVMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*m = nil
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = nil
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into KVMap", src)
	}
}

// UserResource is a named external artifact a user granted to the
// assistant: a calendar URL, a folder path, a reminders file.
type UserResource struct {
	ID          int64        `db:"id"`
	UserID      string       `db:"user_id"`
	Type        ResourceType `db:"type"`
	Name        string       `db:"name"`
	PathOrURL   string       `db:"path_or_url"`
	Permissions string       `db:"permissions"`
	Extras      KVMap        `db:"extras"`
}

// AddResource inserts or replaces a resource keyed by
// (user, type, name) and returns its id.
func (s *Store) AddResource(ctx context.Context, r UserResource) (int64, error) {
	if r.UserID == "" || r.Name == "" {
		return 0, taskerr.Configf("resource requires user_id and name")
	}
	if !r.Type.Valid() {
		return 0, taskerr.Configf("unknown resource type %q", r.Type)
	}
	switch r.Permissions {
	case "":
		r.Permissions = "ro"
	case "ro", "rw":
	default:
		return 0, taskerr.Configf("resource permissions must be ro or rw, got %q", r.Permissions)
	}
	if r.PathOrURL == "" {
		return 0, taskerr.Configf("resource %s requires a path or url", r.Name)
	}

	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO user_resources (user_id, type, name, path_or_url, permissions, extras)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type, name) DO UPDATE SET
			path_or_url = excluded.path_or_url,
			permissions = excluded.permissions,
			extras = excluded.extras
		RETURNING id`,
		r.UserID, r.Type, r.Name, r.PathOrURL, r.Permissions, r.Extras,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add resource: %w", err)
	}
	return id, nil
}

// ResourcesForUser lists a user's resources grouped by type. An empty
// userID lists every user's resources.
func (s *Store) ResourcesForUser(ctx context.Context, userID string) ([]UserResource, error) {
	query := `SELECT id, user_id, type, name, path_or_url, permissions, extras
		FROM user_resources`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, type, name`
	var out []UserResource
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("resources for user: %w", err)
	}
	return out, nil
}

// DeleteResource removes a resource by id.
func (s *Store) DeleteResource(ctx context.Context, id int64) error {
	rows, err := s.execRows(ctx, `DELETE FROM user_resources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
