package semantic

import (
	"context"
	"fmt"
	"strings"

	"github.com/kgraphio/kgraph/engine/domain"
)

// Indexer embeds entities and stores them in the vector index. The ingestion
// engine runs it after each successful graph write so semantic retrieval
// always has seeds for fresh entities.
type Indexer struct {
	embed Embedder
	store *VectorStore
}

// NewIndexer creates an Indexer.
func NewIndexer(embed Embedder, store *VectorStore) *Indexer {
	return &Indexer{embed: embed, store: store}
}

// Index embeds and upserts the given entities. Embedding failures abort the
// batch; the graph write has already landed, so the caller decides whether a
// missing vector is fatal.
func (ix *Indexer) Index(ctx context.Context, entities []domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	records := make([]EntityVector, 0, len(entities))
	for _, e := range entities {
		text := EmbedText(e)
		vec, err := ix.embed.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("semantic: embed %s: %w", e.ID, err)
		}
		records = append(records, EntityVector{
			EntityID:  e.ID,
			Type:      string(e.Type),
			Name:      e.Name,
			Text:      text,
			Embedding: vec,
		})
	}
	return ix.store.Upsert(ctx, records)
}

// EmbedText builds the text representation an entity is embedded from.
func EmbedText(e domain.Entity) string {
	parts := []string{e.Name}
	if e.Description != "" {
		parts = append(parts, e.Description)
	}
	if len(e.Tags) > 0 {
		parts = append(parts, strings.Join(e.Tags, " "))
	}
	return strings.Join(parts, ". ")
}
