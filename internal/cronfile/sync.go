package cronfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"donna/internal/observability"
	"donna/internal/store"
	"donna/internal/users"
)

// Syncer reconciles the cron files under dir into the scheduled_jobs
// table. Files are named {user}.toml. The scheduler owns the only
// Syncer and calls it from a single goroutine, so file rewrites and
// syncs never race.
type Syncer struct {
	store  *store.Store
	dir    string
	logger *observability.Logger
}

// NewSyncer returns a Syncer over the cron file directory.
func NewSyncer(st *store.Store, dir string, logger *observability.Logger) *Syncer {
	return &Syncer{store: st, dir: dir, logger: logger.OrNop()}
}

// Path returns the cron file path for a user.
func (s *Syncer) Path(userID string) string {
	return filepath.Join(s.dir, userID+".toml")
}

// Sync reconciles every cron file into the store. Entries are
// upserted (the store keeps run state across upserts and resets
// last_run_at when an expression changes) and rows with no matching
// entry are deleted. A file that fails to parse keeps that user's
// existing rows; rows whose file disappeared are dropped. A missing
// directory changes nothing.
func (s *Syncer) Sync(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron dir: %w", err)
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		userID := strings.TrimSuffix(e.Name(), ".toml")
		if err := users.ValidateID(userID); err != nil {
			s.logger.WarnContext(ctx, "cron file ignored", "file", e.Name(), "error", err)
			continue
		}
		seen[userID] = struct{}{}
		if err := s.SyncUser(ctx, userID); err != nil {
			s.logger.WarnContext(ctx, "cron sync failed for user", "user", userID, "error", err)
		}
	}
	return s.dropVanished(ctx, seen)
}

// SyncUser reconciles a single user's cron file. A missing file
// deletes all of the user's jobs; a file that fails to parse deletes
// nothing.
func (s *Syncer) SyncUser(ctx context.Context, userID string) error {
	f, err := Load(s.Path(userID))
	if err != nil {
		return err
	}
	keep := make([]string, 0, len(f.Jobs))
	for _, j := range f.Jobs {
		if _, err := s.store.UpsertScheduledJob(ctx, storeJob(userID, j)); err != nil {
			return err
		}
		keep = append(keep, j.Name)
	}
	if _, err := s.store.DeleteOrphanJobs(ctx, userID, keep); err != nil {
		return err
	}
	return nil
}

// dropVanished deletes rows belonging to users whose cron file no
// longer exists. Users whose file merely failed to parse are in seen
// and keep their rows.
func (s *Syncer) dropVanished(ctx context.Context, seen map[string]struct{}) error {
	jobs, err := s.store.ListScheduledJobs(ctx, "")
	if err != nil {
		return err
	}
	dropped := make(map[string]struct{})
	for _, j := range jobs {
		if _, ok := seen[j.UserID]; ok {
			continue
		}
		if _, ok := dropped[j.UserID]; ok {
			continue
		}
		dropped[j.UserID] = struct{}{}
		if _, err := s.store.DeleteOrphanJobs(ctx, j.UserID, nil); err != nil {
			s.logger.WarnContext(ctx, "cron sync could not drop removed user's jobs",
				"user", j.UserID, "error", err)
		}
	}
	return nil
}

// RemoveOnceJob strips a completed once-job from the user's cron
// file. The store row is already gone when this runs, so only the
// file needs editing; other entries keep their fields as written.
func (s *Syncer) RemoveOnceJob(ctx context.Context, userID, name string) error {
	removed, err := RemoveJob(s.Path(userID), name)
	if err != nil {
		return err
	}
	if !removed {
		s.logger.InfoContext(ctx, "once-job already absent from cron file",
			"user", userID, "job", name)
	}
	return nil
}

func storeJob(userID string, j Job) store.ScheduledJob {
	return store.ScheduledJob{
		UserID:             userID,
		Name:               j.Name,
		CronExpr:           j.Schedule,
		Prompt:             j.Prompt,
		Command:            j.Command,
		Target:             store.OutputTarget(j.Target),
		ConversationToken:  j.Conversation,
		Enabled:            j.IsEnabled(),
		Once:               j.Once,
		SilentUnlessAction: j.SilentUnlessAction,
	}
}
