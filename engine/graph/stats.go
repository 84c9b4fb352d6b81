package graph

import (
	"context"
	"time"
)

// NodeCounts returns node counts grouped by entity type label.
func (g *GraphStore) NodeCounts(ctx context.Context) (map[string]int64, error) {
	defer g.observeRead(time.Now())

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity) RETURN n.type AS type, count(*) AS count`
	return countsByKey(ctx, sess, cypher)
}

// RelationshipCounts returns relationship counts grouped by type.
func (g *GraphStore) RelationshipCounts(ctx context.Context) (map[string]int64, error) {
	defer g.observeRead(time.Now())

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (:Entity)-[r]->(:Entity) RETURN type(r) AS type, count(*) AS count`
	return countsByKey(ctx, sess, cypher)
}

func countsByKey(ctx context.Context, sess CypherSession, cypher string) (map[string]int64, error) {
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, result.Err()
}

// Stats summarises the graph: totals plus per-type breakdowns.
func (g *GraphStore) Stats(ctx context.Context) (GraphStats, error) {
	nodes, err := g.NodeCounts(ctx)
	if err != nil {
		return GraphStats{}, err
	}
	rels, err := g.RelationshipCounts(ctx)
	if err != nil {
		return GraphStats{}, err
	}
	s := GraphStats{NodeCounts: nodes, RelCounts: rels}
	for _, c := range nodes {
		s.Nodes += c
	}
	for _, c := range rels {
		s.Relationships += c
	}
	return s, nil
}
