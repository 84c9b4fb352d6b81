package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/kgraphio/kgraph/engine/domain"
	"github.com/kgraphio/kgraph/pkg/metrics"
	"github.com/kgraphio/kgraph/pkg/repo"
)

// ErrNotFound is returned when a node lookup matches nothing.
var ErrNotFound = errors.New("graph: entity not found")

// GraphStore provides knowledge-graph operations on Neo4j. Every node carries
// the shared :Entity label plus its type label, so cross-type lookups stay
// cheap while per-type constraints remain possible.
type GraphStore struct {
	opener   SessionOpener
	entities *repo.Neo4jRepo[domain.Entity, string]

	writes   *metrics.Counter
	reads    *metrics.Counter
	writeDur *metrics.Histogram
	readDur  *metrics.Histogram
}

// New creates a GraphStore backed by a Neo4j driver.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{
		opener:   &driverOpener{driver: driver},
		entities: newEntityRepo(driver),
	}
}

// NewWithOpener creates a GraphStore with a custom session opener. Used by
// tests; the entity repository is unavailable in this mode.
func NewWithOpener(opener SessionOpener) *GraphStore {
	return &GraphStore{opener: opener}
}

// Entities exposes the generic repository for point lookups and listing.
func (g *GraphStore) Entities() *repo.Neo4jRepo[domain.Entity, string] { return g.entities }

// Instrument registers write/read counters and duration histograms.
func (g *GraphStore) Instrument(reg *metrics.Registry) {
	g.writes = reg.Counter("kgraph_graph_writes_total", "Total graph write statements")
	g.reads = reg.Counter("kgraph_graph_reads_total", "Total graph read queries")
	g.writeDur = reg.Histogram("kgraph_graph_write_seconds", "Graph write transaction duration", nil)
	g.readDur = reg.Histogram("kgraph_graph_read_seconds", "Graph read query duration", nil)
}

func (g *GraphStore) observeWrite(start time.Time) {
	if g.writes != nil {
		g.writes.Inc()
		g.writeDur.Since(start)
	}
}

func (g *GraphStore) observeRead(start time.Time) {
	if g.reads != nil {
		g.reads.Inc()
		g.readDur.Since(start)
	}
}

// UpsertEntities merges a batch of entities in a single write transaction.
// Nodes are keyed by (type, id): first sight creates, re-observation merges
// attributes, unions tags, bumps the observation counter, and raises
// confidence to the running maximum.
func (g *GraphStore) UpsertEntities(ctx context.Context, batch []domain.Entity) (UpsertStats, error) {
	return g.UpsertBatch(ctx, batch, nil)
}

// UpsertRelations merges a batch of relations in a single write transaction.
// Edges are keyed by (type, source, target); rows whose endpoints are absent
// are skipped and counted, never half-created.
func (g *GraphStore) UpsertRelations(ctx context.Context, batch []domain.Relation) (UpsertStats, error) {
	return g.UpsertBatch(ctx, nil, batch)
}

// UpsertBatch writes entities then relations inside one transaction, so a
// batch's own endpoints exist before its edges are merged.
func (g *GraphStore) UpsertBatch(ctx context.Context, entities []domain.Entity, relations []domain.Relation) (UpsertStats, error) {
	if len(entities) == 0 && len(relations) == 0 {
		return UpsertStats{}, nil
	}
	defer g.observeWrite(time.Now())

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		var stats UpsertStats
		if err := writeEntities(ctx, tx, entities, &stats); err != nil {
			return nil, err
		}
		if err := writeRelations(ctx, tx, relations, &stats); err != nil {
			return nil, err
		}
		return stats, nil
	})
	if err != nil {
		return UpsertStats{}, fmt.Errorf("graph: upsert batch: %w", err)
	}
	return out.(UpsertStats), nil
}

const entityUpsertCypher = `UNWIND $batch AS row
MERGE (n:Entity:%s {id: row.id})
ON CREATE SET n.created_at = row.now
SET n += row.props,
    n.last_updated = row.now,
    n.observed_at = row.observed_at,
    n.tags = [t IN coalesce(n.tags, []) WHERE NOT t IN row.tags] + row.tags,
    n.observations = coalesce(n.observations, 0) + 1,
    n.confidence = CASE WHEN coalesce(n.confidence, 0.0) >= row.confidence
                        THEN n.confidence ELSE row.confidence END
RETURN count(n) AS total,
       sum(CASE WHEN n.created_at = row.now THEN 1 ELSE 0 END) AS created`

func writeEntities(ctx context.Context, tx CypherRunner, batch []domain.Entity, stats *UpsertStats) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	byLabel := make(map[string][]map[string]any)
	for _, e := range batch {
		row := map[string]any{
			"id":          e.ID,
			"props":       entityProps(e),
			"tags":        toAnySlice(domain.NormalizeTags(e.Tags)),
			"confidence":  e.Confidence,
			"observed_at": orNow(e.ObservedAt, now),
			"now":         now,
		}
		label := sanitizeLabel(string(e.Type))
		byLabel[label] = append(byLabel[label], row)
	}

	for label, rows := range byLabel {
		cypher := fmt.Sprintf(entityUpsertCypher, label)
		res, err := tx.Run(ctx, cypher, map[string]any{"batch": rows})
		if err != nil {
			return err
		}
		total, created, err := readUpsertCounts(ctx, res)
		if err != nil {
			return err
		}
		stats.EntitiesCreated += created
		stats.EntitiesMerged += total - created
	}
	return nil
}

const relationUpsertCypher = `UNWIND $batch AS row
MATCH (a:Entity {id: row.source_id})
MATCH (b:Entity {id: row.target_id})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.created_at = row.now
SET r += row.props,
    r.observed_at = row.observed_at,
    r.observations = coalesce(r.observations, 0) + 1,
    r.confidence = CASE WHEN coalesce(r.confidence, 0.0) >= row.confidence
                        THEN r.confidence ELSE row.confidence END
RETURN count(r) AS total,
       sum(CASE WHEN r.created_at = row.now THEN 1 ELSE 0 END) AS created`

func writeRelations(ctx context.Context, tx CypherRunner, batch []domain.Relation, stats *UpsertStats) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	byType := make(map[string][]map[string]any)
	for _, r := range batch {
		props := map[string]any{}
		if r.Provenance.Source != "" {
			props["source"] = r.Provenance.Source
		}
		if r.Provenance.Method != "" {
			props["method"] = r.Provenance.Method
		}
		if !r.ValidFrom.IsZero() {
			props["valid_from"] = r.ValidFrom.UTC()
		}
		if r.ValidTo != nil {
			props["valid_to"] = (*r.ValidTo).UTC()
		}
		row := map[string]any{
			"source_id":   r.SourceID,
			"target_id":   r.TargetID,
			"props":       props,
			"confidence":  r.Confidence,
			"observed_at": orNow(r.ObservedAt, now),
			"now":         now,
		}
		relType := sanitizeRelType(string(r.Type))
		byType[relType] = append(byType[relType], row)
	}

	for relType, rows := range byType {
		cypher := fmt.Sprintf(relationUpsertCypher, relType)
		res, err := tx.Run(ctx, cypher, map[string]any{"batch": rows})
		if err != nil {
			return err
		}
		total, created, err := readUpsertCounts(ctx, res)
		if err != nil {
			return err
		}
		stats.RelationsCreated += created
		stats.RelationsMerged += total - created
		stats.RelationsSkipped += int64(len(rows)) - total
	}
	return nil
}

func readUpsertCounts(ctx context.Context, res CypherResult) (total, created int64, err error) {
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return 0, 0, err
		}
		return 0, 0, nil
	}
	rec := res.Record()
	if v, ok := rec.Get("total"); ok {
		total, _ = v.(int64)
	}
	if v, ok := rec.Get("created"); ok {
		created, _ = v.(int64)
	}
	return total, created, nil
}

func orNow(t time.Time, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// EntityByID returns a single entity, or ErrNotFound.
func (g *GraphStore) EntityByID(ctx context.Context, id string) (domain.Entity, error) {
	defer g.observeRead(time.Now())

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (n:Entity {id: $id}) RETURN n`, map[string]any{"id": id})
	if err != nil {
		return domain.Entity{}, err
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return domain.Entity{}, err
		}
		return domain.Entity{}, ErrNotFound
	}
	node, _, err := neo4j.GetRecordValue[dbtype.Node](res.Record(), "n")
	if err != nil {
		return domain.Entity{}, err
	}
	return entityFromProps(node.Props), nil
}

// Expand returns the one-hop frontier around the given node IDs: every edge
// touching them, with the far endpoint attached. Ordering is deterministic.
func (g *GraphStore) Expand(ctx context.Context, ids []string) ([]Neighbor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	defer g.observeRead(time.Now())

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (a:Entity)-[r]-(b:Entity)
WHERE a.id IN $ids
RETURN DISTINCT b, r, startNode(r).id AS src, endNode(r).id AS dst, type(r) AS rel
ORDER BY rel, src, dst`
	res, err := sess.Run(ctx, cypher, map[string]any{"ids": toAnySlice(ids)})
	if err != nil {
		return nil, err
	}

	var out []Neighbor
	for res.Next(ctx) {
		rec := res.Record()
		node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "b")
		if err != nil {
			return nil, err
		}
		edge, _, err := neo4j.GetRecordValue[dbtype.Relationship](rec, "r")
		if err != nil {
			return nil, err
		}
		src, _ := rec.Get("src")
		dst, _ := rec.Get("dst")
		rel, _ := rec.Get("rel")
		srcID, _ := src.(string)
		dstID, _ := dst.(string)
		relType, _ := rel.(string)
		out = append(out, Neighbor{
			Node: entityFromProps(node.Props),
			Edge: relationFromProps(relType, srcID, dstID, edge.Props),
		})
	}
	return out, res.Err()
}

// ShortestPath returns the nodes and edges of one shortest path between two
// entities, bounded by maxHops. A missing path returns empty slices and a
// nil error.
func (g *GraphStore) ShortestPath(ctx context.Context, fromID, toID string, maxHops int) ([]domain.Entity, []domain.Relation, error) {
	if maxHops < 1 {
		maxHops = 1
	}
	defer g.observeRead(time.Now())

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH p = shortestPath((a:Entity {id: $from})-[*..%d]-(b:Entity {id: $to}))
RETURN nodes(p) AS nodes, relationships(p) AS rels`, maxHops)
	res, err := sess.Run(ctx, cypher, map[string]any{"from": fromID, "to": toID})
	if err != nil {
		return nil, nil, err
	}
	if !res.Next(ctx) {
		return nil, nil, res.Err()
	}
	rec := res.Record()

	var nodes []domain.Entity
	idByElement := make(map[string]string)
	if raw, ok := rec.Get("nodes"); ok {
		list, _ := raw.([]any)
		for _, item := range list {
			node, ok := item.(dbtype.Node)
			if !ok {
				continue
			}
			e := entityFromProps(node.Props)
			idByElement[node.ElementId] = e.ID
			nodes = append(nodes, e)
		}
	}

	var rels []domain.Relation
	if raw, ok := rec.Get("rels"); ok {
		list, _ := raw.([]any)
		for _, item := range list {
			edge, ok := item.(dbtype.Relationship)
			if !ok {
				continue
			}
			rels = append(rels, relationFromProps(
				edge.Type,
				idByElement[edge.StartElementId],
				idByElement[edge.EndElementId],
				edge.Props,
			))
		}
	}
	return nodes, rels, nil
}

// SearchEntities scans names and descriptions for a case-insensitive
// substring match, best-confidence first. It backs the lexical seed scorer.
func (g *GraphStore) SearchEntities(ctx context.Context, query string, limit int) ([]domain.Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	defer g.observeRead(time.Now())

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity)
WHERE toLower(n.name) CONTAINS toLower($q)
   OR toLower(coalesce(n.description, '')) CONTAINS toLower($q)
RETURN n
ORDER BY n.confidence DESC, n.id ASC
LIMIT $limit`
	res, err := sess.Run(ctx, cypher, map[string]any{"q": query, "limit": int64(limit)})
	if err != nil {
		return nil, err
	}

	var out []domain.Entity
	for res.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](res.Record(), "n")
		if err != nil {
			return nil, err
		}
		out = append(out, entityFromProps(node.Props))
	}
	return out, res.Err()
}
