// Package repo provides a small generic repository abstraction over labelled
// graph nodes, with a Neo4j implementation. Engines that only need point
// lookups depend on this instead of the full graph store.
package repo

import "context"

// Repository is a generic read/write interface over nodes of one label.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) error
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination for List operations.
type ListOpts struct {
	Offset int
	Limit  int
}
