package retrieve

import (
	"context"

	"github.com/kgraphio/kgraph/engine/semantic"
)

// Seed is one scored entry point for expansion.
type Seed struct {
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
}

// SeedScorer ranks entities against a query. Scoring is pluggable: vector
// similarity in production, lexical scan as the fallback, anything else via
// this interface.
type SeedScorer interface {
	Seeds(ctx context.Context, query string, topN int) ([]Seed, error)
	Name() string
}

// VectorSearcher is the slice of the vector store seed scoring uses.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, topN int) ([]semantic.SeedHit, error)
}

// VectorSeeds scores seeds by embedding the query and searching the entity
// vector index.
type VectorSeeds struct {
	Embed semantic.Embedder
	Store VectorSearcher
}

func (v *VectorSeeds) Name() string { return "vector" }

func (v *VectorSeeds) Seeds(ctx context.Context, query string, topN int) ([]Seed, error) {
	vec, err := v.Embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := v.Store.Search(ctx, vec, topN)
	if err != nil {
		return nil, err
	}
	seeds := make([]Seed, len(hits))
	for i, h := range hits {
		seeds[i] = Seed{EntityID: h.EntityID, Score: float64(h.Score)}
	}
	return seeds, nil
}

// LexicalSeeds scores seeds with a substring scan over names and
// descriptions. Always available; no index required.
type LexicalSeeds struct {
	Store Reader
}

func (l *LexicalSeeds) Name() string { return "lexical" }

func (l *LexicalSeeds) Seeds(ctx context.Context, query string, topN int) ([]Seed, error) {
	entities, err := l.Store.SearchEntities(ctx, query, topN)
	if err != nil {
		return nil, err
	}
	seeds := make([]Seed, len(entities))
	for i, e := range entities {
		seeds[i] = Seed{EntityID: e.ID, Score: e.Confidence}
	}
	return seeds, nil
}
