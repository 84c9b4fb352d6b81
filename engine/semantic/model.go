// Package semantic owns the Qdrant vector index over graph entities. The
// index holds one point per entity, embedded from its name and description,
// and serves seed selection for semantic retrieval.
package semantic

import (
	"context"

	"github.com/google/uuid"
)

// Embedder turns text into a vector. pkg/ollama.EmbedClient implements it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EntityVector is one entity's embedding plus the payload stored with it.
type EntityVector struct {
	EntityID  string
	Type      string
	Name      string
	Text      string // embedded text, kept for inspection
	Embedding []float32
}

// SeedHit is a similarity search result pointing back into the graph.
type SeedHit struct {
	EntityID string  `json:"entity_id"`
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	Score    float32 `json:"score"`
}

// PointID derives the deterministic point UUID for an entity, so re-indexing
// the same entity overwrites its point instead of accumulating duplicates.
func PointID(entityType, entityID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entityType+"|"+entityID)).String()
}
