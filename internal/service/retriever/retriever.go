// Package retriever fuses vector and full-text rankings with Reciprocal
// Rank Fusion and surfaces the winners as memories.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/sandevgo/longmem/internal/storage/sqlite"
	"github.com/sandevgo/longmem/pkg/log"
)

// overfetchFactor widens both index queries so the fusion has enough
// candidates to outrank single-index noise.
const overfetchFactor = 3

// Store is the slice of the memory store the retriever needs.
type Store interface {
	ActiveCount(ctx context.Context) (int, error)
	SearchVector(ctx context.Context, queryEmbedding []float32, k int) ([]sqlite.VectorHit, error)
	SearchFTS(ctx context.Context, query string, k int) ([]sqlite.FTSHit, error)
	GetByID(ctx context.Context, id string) (core.Memory, error)
	Touch(ctx context.Context, id string, turnID int64) error
}

type Retriever struct {
	store    Store
	embedder core.Embedder
	rrfK     int
}

func New(store Store, embedder core.Embedder, rrfK int) *Retriever {
	if rrfK <= 0 {
		rrfK = 60
	}
	return &Retriever{store: store, embedder: embedder, rrfK: rrfK}
}

type candidate struct {
	id         string
	score      float64
	vectorRank int
	ftsRank    int
}

// Retrieve returns up to topK active memories ranked by fused score and
// touches each result with currentTurn before returning. An empty store
// yields an empty result. When the embedding backend is down retrieval
// degrades to FTS-only with a warning.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, currentTurn int64) ([]core.RetrievalResult, error) {
	logger := log.FromCtx(ctx)

	if topK <= 0 {
		return nil, nil
	}
	active, err := r.store.ActiveCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	if active == 0 {
		return nil, nil
	}

	fetch := topK * overfetchFactor

	var vecHits []sqlite.VectorHit
	queryEmbedding, err := r.embedder.Embed(ctx, query)
	switch {
	case errors.Is(err, core.ErrEmbeddingUnavailable):
		logger.Warn().Err(err).Msg("embedding backend down, degrading to fts-only retrieval")
	case err != nil:
		return nil, fmt.Errorf("failed to embed query: %w", err)
	default:
		vecHits, err = r.store.SearchVector(ctx, queryEmbedding, fetch)
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
	}

	ftsHits, err := r.store.SearchFTS(ctx, query, fetch)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	candidates := make(map[string]*candidate)
	lookup := func(id string) *candidate {
		c, ok := candidates[id]
		if !ok {
			c = &candidate{id: id, vectorRank: -1, ftsRank: -1}
			candidates[id] = c
		}
		return c
	}

	for rank, hit := range vecHits {
		c := lookup(hit.ID)
		c.vectorRank = rank
		c.score += 1.0 / float64(r.rrfK+rank)
	}
	for rank, hit := range ftsHits {
		c := lookup(hit.ID)
		c.ftsRank = rank
		c.score += 1.0 / float64(r.rrfK+rank)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	ordered := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.vectorRank != b.vectorRank {
			return betterRank(a.vectorRank, b.vectorRank)
		}
		if a.ftsRank != b.ftsRank {
			return betterRank(a.ftsRank, b.ftsRank)
		}
		return a.id < b.id
	})

	results := make([]core.RetrievalResult, 0, topK)
	for _, c := range ordered {
		if len(results) == topK {
			break
		}
		mem, err := r.store.GetByID(ctx, c.id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
		if !mem.IsActive {
			continue
		}
		results = append(results, core.RetrievalResult{
			Memory:     mem,
			Score:      c.score,
			VectorRank: c.vectorRank,
			FTSRank:    c.ftsRank,
		})
	}

	// Touch before the results leave the retriever so the caller observes
	// updated last_used_turn values.
	for i := range results {
		if err := r.store.Touch(ctx, results[i].Memory.ID, currentTurn); err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
		if currentTurn > results[i].Memory.LastUsedTurn {
			results[i].Memory.LastUsedTurn = currentTurn
		}
	}

	logger.Debug().
		Str("query", query).
		Int("candidates", len(candidates)).
		Int("returned", len(results)).
		Msg("hybrid retrieval complete")

	return results, nil
}

// betterRank orders present ranks before absent ones (-1), lower is better.
func betterRank(a, b int) bool {
	if a == -1 {
		return false
	}
	if b == -1 {
		return true
	}
	return a < b
}
