package prompt

import (
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultFileCacheSize = 64

// fileEntry is one cached file along with the stat fields used to
// detect edits.
type fileEntry struct {
	content string
	modTime time.Time
	size    int64
}

// fileCache keeps small prompt inputs (emissaries, personas,
// guidelines) in memory. Entries are validated against mtime and size
// on every read, so edits on disk take effect on the next assembly
// without a restart.
type fileCache struct {
	entries *lru.Cache[string, fileEntry]
	onMiss  func()
}

func newFileCache(size int) *fileCache {
	if size <= 0 {
		size = defaultFileCacheSize
	}
	entries, err := lru.New[string, fileEntry](size)
	if err != nil {
		// lru.New only errors on a non-positive size, guarded above.
		panic(err)
	}
	return &fileCache{entries: entries}
}

// read returns the file's content, from cache when the stat matches.
// Missing files surface the os.Stat error unchanged so callers can
// test with errors.Is(err, fs.ErrNotExist).
func (c *fileCache) read(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		c.entries.Remove(path)
		return "", err
	}
	if entry, ok := c.entries.Get(path); ok {
		if entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
			return entry.content, nil
		}
		c.entries.Remove(path)
	}
	if c.onMiss != nil {
		c.onMiss()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	c.entries.Add(path, fileEntry{
		content: string(data),
		modTime: info.ModTime(),
		size:    info.Size(),
	})
	return string(data), nil
}
