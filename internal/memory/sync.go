package memory

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"donna/internal/config"
)

// maxIndexBytes skips runaway files; memories are small markdown.
const maxIndexBytes = 256 * 1024

// SyncUserDir mirrors one user's memory directory into the index:
// every markdown file under dir is indexed with its relative path as
// the source, unchanged files are skipped by hash, and stored sources
// whose file disappeared are removed. The sleep cycle calls this after
// nightly extraction writes new dated memory files.
func (i *Index) SyncUserDir(ctx context.Context, userID, dir string) (indexed, removed int, err error) {
	seen := make(map[string]bool)

	walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry == nil && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".md") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxIndexBytes {
			i.logger.WarnContext(ctx, "memory file too large, skipped",
				"path", path, "bytes", info.Size())
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		source, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		seen[source] = true
		if err := i.IndexDocument(ctx, Document{
			UserID:    userID,
			Source:    source,
			Content:   string(data),
			CreatedAt: info.ModTime().UTC(),
		}); err != nil {
			return err
		}
		indexed++
		return nil
	})
	if walkErr != nil {
		return indexed, removed, walkErr
	}

	stored, err := i.Sources(ctx, userID)
	if err != nil {
		return indexed, removed, err
	}
	for _, source := range stored {
		if seen[source] {
			continue
		}
		if err := i.RemoveSource(ctx, userID, source); err != nil {
			return indexed, removed, err
		}
		removed++
	}
	return indexed, removed, nil
}

// BuildVectorStore assembles the configured semantic side: nil when
// vectors are disabled, otherwise a chromem collection backed by an
// Ollama embedder.
func BuildVectorStore(cfg config.MemoryConfig) (VectorStore, error) {
	if !cfg.VectorEnabled {
		return nil, nil
	}
	embedder := NewOllamaEmbedder(cfg.EmbedModel, cfg.EmbedBaseURL)
	return NewChromemStore(cfg.VectorPath, "memories", embedder.Embed)
}
