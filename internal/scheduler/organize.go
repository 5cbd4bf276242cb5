package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"donna/internal/store"
)

// organizeSharedFiles enqueues a tidy-up task for every user whose
// shared folder has loose files at its top level. The ref carries a
// digest of the loose names, so one arrangement fires one task: the
// next task comes only when the folder changes again.
func (s *Scheduler) organizeSharedFiles(ctx context.Context) error {
	if s.files == nil {
		return nil
	}
	pattern := s.cfg.Channels.TasksFile.Pattern
	for _, id := range s.users.Known() {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := s.files.ListDir(ctx, id)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.WarnContext(ctx, "shared folder unlistable", "user", id, "error", err)
			continue
		}
		var loose []string
		for _, e := range entries {
			if e.Dir {
				continue
			}
			// The checklist file belongs at the top level.
			if pattern != "" {
				if ok, _ := path.Match(pattern, e.Name); ok {
					continue
				}
			}
			loose = append(loose, e.Name)
		}
		if len(loose) == 0 {
			continue
		}
		sort.Strings(loose)

		sum := sha256.Sum256([]byte(strings.Join(loose, "\n")))
		ref := "organize:" + id + ":" + hex.EncodeToString(sum[:8])
		taskID, err := s.store.CreateTaskUnique(ctx, store.NewTask{
			UserID:       id,
			Prompt:       organizePrompt(id, loose),
			SourceType:   store.SourceScheduled,
			SourceRef:    ref,
			OutputTarget: store.TargetNone,
		})
		if errors.Is(err, store.ErrDuplicateTask) {
			continue
		}
		if err != nil {
			s.logger.WarnContext(ctx, "organize enqueue failed", "user", id, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "organize task enqueued",
			"user", id, "task_id", taskID, "files", len(loose))
	}
	return nil
}

func organizePrompt(userID string, loose []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The shared folder for %s has loose files at its top level:\n", userID)
	for _, name := range loose {
		b.WriteString("- " + name + "\n")
	}
	b.WriteString("\nUse your file tools to move each into a fitting subfolder, creating folders as needed. Relocate only: never delete or rewrite content. Leave a short note of where each file went.")
	return b.String()
}
