package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/sandevgo/longmem/pkg/log"
)

// VectorHit is one KNN candidate: lower distance is better.
type VectorHit struct {
	ID       string
	Distance float64
}

// FTSHit is one BM25 candidate: lower rank is better (FTS5 ranks are
// negative).
type FTSHit struct {
	ID   string
	Rank float64
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(
		"the a an is are was were i me my can you your we they it its this that " +
			"in on at to for of with and or but not no do does did has have had be " +
			"been being will would could should may might shall so if then than too " +
			"very just about up out how what when where who which there here all each " +
			"every both few more most other some such only own same also into over " +
			"after before between") {
		stopwords[w] = struct{}{}
	}
}

// SearchVector returns the k nearest active memories by L2 distance.
func (s *Store) SearchVector(ctx context.Context, queryEmbedding []float32, k int) ([]VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}
	blob, err := serializeVector(queryEmbedding)
	if err != nil {
		return nil, err
	}

	// Only active rows live in the vector index, so no activity filter is
	// needed on top of the KNN.
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, v.distance
		FROM memories_vec v
		JOIN memories m ON m.rowid = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ?
		ORDER BY v.distance`,
		blob, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchFTS returns the top-k BM25 matches for the query after stopword
// removal. An all-stopword query returns no hits.
func (s *Store) SearchFTS(ctx context.Context, query string, k int) ([]FTSHit, error) {
	if k <= 0 {
		return nil, nil
	}
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, f.rank
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?`,
		ftsQuery, k)
	if err != nil {
		// FTS5 rejects some token sequences outright; treat that as a miss
		// rather than a turn failure.
		log.FromCtx(ctx).Debug().Err(err).Str("query", ftsQuery).Msg("fts query rejected")
		return nil, nil
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ID, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// buildFTSQuery lowercases, strips stopwords and short tokens, quotes the
// survivors and joins them with OR (capped at 10 terms).
func buildFTSQuery(query string) string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `.,!?;:"'()[]`)
		if len(w) <= 2 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		terms = append(terms, `"`+w+`"`)
		if len(terms) == 10 {
			break
		}
	}
	return strings.Join(terms, " OR ")
}
