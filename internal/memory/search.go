package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	rrfK            = 60.0
	defaultRecall   = 5
	maxQueryTerms   = 24
	maxExcerptRunes = 600
)

// Query runs keyword and vector recall concurrently and merges the two
// rankings with reciprocal rank fusion. A failing vector side degrades
// to keyword-only with a warning; only the keyword side can fail the
// query outright.
func (i *Index) Query(ctx context.Context, userID, channelToken, query string, limit int) ([]Excerpt, error) {
	if limit <= 0 {
		limit = defaultRecall
	}

	var keyword, vector []Excerpt
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		keyword, err = i.searchBM25(gctx, userID, channelToken, query, limit)
		return err
	})
	g.Go(func() error {
		res, err := i.searchVector(gctx, userID, channelToken, query, limit)
		if err != nil {
			i.logger.WarnContext(gctx, "vector recall failed, keyword only", "error", err)
			return nil
		}
		vector = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := fuse(keyword, vector, i.cfg.Alpha)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (i *Index) searchBM25(ctx context.Context, userID, channelToken, query string, limit int) ([]Excerpt, error) {
	if !i.ftsEnabled {
		return nil, nil
	}
	match := matchExpr(query)
	if match == "" {
		return nil, nil
	}

	var rows []struct {
		Source    string    `db:"source"`
		Content   string    `db:"content"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := i.db.SelectContext(ctx, &rows, `
		SELECT d.source, snippet(memory_fts, 0, '', '', ' … ', 32) AS content, d.created_at
		FROM memory_fts
		JOIN memory_docs d ON d.id = memory_fts.rowid
		WHERE memory_fts MATCH ?
		  AND d.user_id = ?
		  AND (d.channel_token = '' OR d.channel_token = ?)
		ORDER BY bm25(memory_fts)
		LIMIT ?`,
		match, userID, channelToken, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Excerpt, 0, len(rows))
	for _, row := range rows {
		out = append(out, Excerpt{
			Source:    row.Source,
			Content:   clip(row.Content),
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func (i *Index) searchVector(ctx context.Context, userID, channelToken, query string, limit int) ([]Excerpt, error) {
	if i.vectors == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	results, err := i.vectors.SearchByText(ctx, query, limit,
		float32(i.cfg.MinSimilarity), map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}

	out := make([]Excerpt, 0, len(results))
	for _, res := range results {
		token := res.Doc.Metadata["channel_token"]
		if token != "" && token != channelToken {
			continue
		}
		excerpt := Excerpt{
			Source:  res.Doc.Metadata["source"],
			Content: clip(res.Doc.Content),
		}
		if created := res.Doc.Metadata["created_at"]; created != "" {
			if ts, err := time.Parse(time.RFC3339, created); err == nil {
				excerpt.CreatedAt = ts
			}
		}
		out = append(out, excerpt)
	}
	return out, nil
}

// fuse merges the two rankings with reciprocal rank fusion. alpha is
// the vector weight: 0 is keyword-only, 1 vector-only.
func fuse(keyword, vector []Excerpt, alpha float64) []Excerpt {
	if len(keyword) == 0 && len(vector) == 0 {
		return nil
	}
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}

	type scored struct {
		excerpt Excerpt
		score   float64
	}
	bySource := make(map[string]*scored)
	add := func(entries []Excerpt, weight float64) {
		for idx, entry := range entries {
			if entry.Source == "" {
				continue
			}
			item, ok := bySource[entry.Source]
			if !ok {
				item = &scored{excerpt: entry}
				bySource[entry.Source] = item
			}
			item.score += weight / (rrfK + float64(idx+1))
		}
	}
	add(keyword, 1-alpha)
	add(vector, alpha)

	ranked := make([]scored, 0, len(bySource))
	for _, item := range bySource {
		ranked = append(ranked, *item)
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score == ranked[b].score {
			return ranked[a].excerpt.CreatedAt.After(ranked[b].excerpt.CreatedAt)
		}
		return ranked[a].score > ranked[b].score
	})

	out := make([]Excerpt, 0, len(ranked))
	for _, item := range ranked {
		out = append(out, item.excerpt)
	}
	return out
}

// matchExpr turns free text into a safe FTS5 MATCH expression: quoted
// terms joined with OR, so prompt punctuation cannot inject operators.
func matchExpr(query string) string {
	terms := tokenize(query)
	if len(terms) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(term)
		if seen[term] {
			continue
		}
		seen[term] = true
		quoted = append(quoted, `"`+term+`"`)
		if len(quoted) == maxQueryTerms {
			break
		}
	}
	return strings.Join(quoted, " OR ")
}

// tokenize splits on anything that is not a letter, digit, or CJK
// rune, which keeps the MATCH expression free of FTS5 syntax.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r >= 0x4E00 && r <= 0x9FFF:
			return false
		default:
			return true
		}
	})
}

func clip(content string) string {
	runes := []rune(content)
	if len(runes) <= maxExcerptRunes {
		return content
	}
	return string(runes[:maxExcerptRunes]) + "…"
}
