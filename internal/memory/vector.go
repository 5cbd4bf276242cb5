package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// VectorDoc is one document on the semantic side of the index.
type VectorDoc struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// VectorResult is a semantic search hit.
type VectorResult struct {
	Doc        VectorDoc
	Similarity float32
}

// VectorStore is the optional semantic backing of the index.
type VectorStore interface {
	Add(ctx context.Context, docs []VectorDoc) error
	SearchByText(ctx context.Context, query string, topK int, minSimilarity float32, where map[string]string) ([]VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	Count() int
}

// EmbedFunc turns text into an embedding vector.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

type chromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemStore opens (or creates) a persistent chromem collection.
// An empty persistDir keeps the collection in memory, which tests use.
func NewChromemStore(persistDir, collection string, embed EmbedFunc) (VectorStore, error) {
	if collection == "" {
		collection = "memories"
	}
	if embed == nil {
		return nil, fmt.Errorf("chromem store requires an embedding function")
	}

	var (
		db  *chromem.DB
		err error
	)
	if strings.TrimSpace(persistDir) != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistDir, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("create persistent vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	coll, err := db.GetOrCreateCollection(collection, nil, chromem.EmbeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("create vector collection: %w", err)
	}
	return &chromemStore{db: db, collection: coll}, nil
}

func (s *chromemStore) Add(ctx context.Context, docs []VectorDoc) error {
	for _, doc := range docs {
		err := s.collection.AddDocument(ctx, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
		if err != nil {
			return fmt.Errorf("add vector document %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (s *chromemStore) SearchByText(ctx context.Context, query string, topK int, minSimilarity float32, where map[string]string) ([]VectorResult, error) {
	if topK <= 0 {
		topK = defaultRecall
	}
	// chromem rejects nResults above the collection size.
	if count := s.collection.Count(); topK > count {
		if count == 0 {
			return nil, nil
		}
		topK = count
	}

	results, err := s.collection.Query(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector collection: %w", err)
	}

	out := make([]VectorResult, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		out = append(out, VectorResult{
			Doc: VectorDoc{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
			},
			Similarity: r.Similarity,
		})
	}
	return out, nil
}

func (s *chromemStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.collection.Delete(ctx, nil, nil, ids...)
}

func (s *chromemStore) Count() int {
	return s.collection.Count()
}
