// Package memory maintains the searchable memory index behind the
// prompt assembler's recalled-memories section. The keyword side lives
// in SQLite FTS5 (BM25 ranked); an optional vector side adds semantic
// recall, and the two are merged with reciprocal rank fusion. When the
// vector store or the FTS5 module is unavailable the index degrades to
// whichever side remains.
//
// Index failures never fail a task: callers log and move on.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"donna/internal/config"
	"donna/internal/observability"
	"donna/internal/taskerr"
)

// Document is one indexable memory: a dated memory file, a channel
// memory, or any other text a user may want recalled later.
type Document struct {
	UserID       string
	ChannelToken string
	Source       string
	Content      string
	CreatedAt    time.Time
}

// Excerpt is what a search returns: where the memory came from and the
// matched text.
type Excerpt struct {
	Source    string
	Content   string
	CreatedAt time.Time
}

// Searcher is the prompt assembler's view of the index.
type Searcher interface {
	Query(ctx context.Context, userID, channelToken, query string, limit int) ([]Excerpt, error)
}

// Index is the hybrid memory index.
type Index struct {
	db      *sqlx.DB
	cfg     config.MemoryConfig
	logger  *observability.Logger
	vectors VectorStore
	now     func() time.Time

	ftsEnabled bool
}

// IndexOption customizes an Index.
type IndexOption func(*Index)

// WithLogger sets the index logger.
func WithLogger(logger *observability.Logger) IndexOption {
	return func(i *Index) { i.logger = logger }
}

// WithVectorStore attaches the semantic side of the index.
func WithVectorStore(vs VectorStore) IndexOption {
	return func(i *Index) { i.vectors = vs }
}

// WithClock overrides the index clock.
func WithClock(now func() time.Time) IndexOption {
	return func(i *Index) { i.now = now }
}

// NewIndex builds an Index over db. Call EnsureSchema before use.
func NewIndex(db *sqlx.DB, cfg config.MemoryConfig, opts ...IndexOption) *Index {
	idx := &Index{
		db:     db,
		cfg:    cfg,
		logger: observability.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// FTSEnabled reports whether the FTS5 module was available when the
// schema was ensured.
func (i *Index) FTSEnabled() bool { return i.ftsEnabled }

const memorySchema = `
CREATE TABLE IF NOT EXISTS memory_docs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       TEXT NOT NULL,
	channel_token TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL,
	content       TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	UNIQUE(user_id, source)
);
CREATE INDEX IF NOT EXISTS idx_memory_docs_user ON memory_docs(user_id, channel_token);
`

// EnsureSchema creates the index tables. FTS5 being compiled out is
// tolerated: keyword search then returns nothing and the vector side
// carries recall alone.
func (i *Index) EnsureSchema(ctx context.Context) error {
	if _, err := i.db.ExecContext(ctx, memorySchema); err != nil {
		return taskerr.Config(err, "ensure memory schema")
	}
	_, err := i.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(content)`)
	if err != nil {
		if !isMissingFTS(err) {
			return taskerr.Config(err, "ensure memory fts table")
		}
		i.ftsEnabled = false
		i.logger.WarnContext(ctx, "fts5 unavailable, keyword recall disabled")
		return nil
	}
	i.ftsEnabled = true
	return nil
}

// IndexDocument inserts or refreshes one document. Unchanged content
// (same hash) is left alone so repeated syncs stay cheap.
func (i *Index) IndexDocument(ctx context.Context, doc Document) error {
	doc.UserID = strings.TrimSpace(doc.UserID)
	doc.Source = strings.TrimSpace(doc.Source)
	if doc.UserID == "" || doc.Source == "" {
		return taskerr.Configf("memory document requires user_id and source")
	}
	if strings.TrimSpace(doc.Content) == "" {
		return i.RemoveSource(ctx, doc.UserID, doc.Source)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = i.now()
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	hash := contentHash(doc.Content)

	tx, err := i.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing struct {
		ID   int64  `db:"id"`
		Hash string `db:"content_hash"`
	}
	err = tx.GetContext(ctx, &existing,
		`SELECT id, content_hash FROM memory_docs WHERE user_id = ? AND source = ?`,
		doc.UserID, doc.Source)
	switch {
	case err == nil:
		if existing.Hash == hash {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_docs SET channel_token = ?, content = ?, content_hash = ?, created_at = ? WHERE id = ?`,
			doc.ChannelToken, doc.Content, hash, doc.CreatedAt, existing.ID); err != nil {
			return err
		}
		if err := i.replaceFTS(ctx, tx, existing.ID, doc.Content); err != nil {
			return err
		}
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO memory_docs (user_id, channel_token, source, content, content_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			doc.UserID, doc.ChannelToken, doc.Source, doc.Content, hash, doc.CreatedAt)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if i.ftsEnabled {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memory_fts (rowid, content) VALUES (?, ?)`, id, doc.Content); err != nil {
				return err
			}
		}
	default:
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	return i.vectorAdd(ctx, doc)
}

func (i *Index) replaceFTS(ctx context.Context, tx *sqlx.Tx, id int64, content string) error {
	if !i.ftsEnabled {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE rowid = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO memory_fts (rowid, content) VALUES (?, ?)`, id, content)
	return err
}

func (i *Index) vectorAdd(ctx context.Context, doc Document) error {
	if i.vectors == nil {
		return nil
	}
	id := vectorID(doc.UserID, doc.Source)
	if err := i.vectors.Delete(ctx, []string{id}); err != nil {
		i.logger.WarnContext(ctx, "replace vector memory", "error", err, "id", id)
	}
	return i.vectors.Add(ctx, []VectorDoc{{
		ID:      id,
		Content: doc.Content,
		Metadata: map[string]string{
			"user_id":       doc.UserID,
			"channel_token": doc.ChannelToken,
			"source":        doc.Source,
			"created_at":    doc.CreatedAt.Format(time.RFC3339),
		},
	}})
}

// RemoveSource drops one document from both sides of the index.
func (i *Index) RemoveSource(ctx context.Context, userID, source string) error {
	tx, err := i.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.GetContext(ctx, &id,
		`SELECT id FROM memory_docs WHERE user_id = ? AND source = ?`, userID, source)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return err
	}
	if i.ftsEnabled {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE rowid = ?`, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_docs WHERE id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if i.vectors != nil {
		if err := i.vectors.Delete(ctx, []string{vectorID(userID, source)}); err != nil {
			i.logger.WarnContext(ctx, "remove vector memory", "error", err, "source", source)
		}
	}
	return nil
}

// Sources lists the indexed source names for a user.
func (i *Index) Sources(ctx context.Context, userID string) ([]string, error) {
	var out []string
	err := i.db.SelectContext(ctx, &out,
		`SELECT source FROM memory_docs WHERE user_id = ? ORDER BY source`, userID)
	return out, err
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func vectorID(userID, source string) string {
	return userID + "/" + source
}

func isMissingFTS(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such module: fts5")
}
