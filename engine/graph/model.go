// Package graph provides the Neo4j adapter for the knowledge graph: batched
// idempotent upserts keyed by natural keys, bounded read traversals, and
// data-quality reporting.
package graph

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/kgraphio/kgraph/engine/domain"
)

// Neighbor is one edge of the one-hop frontier around a set of nodes,
// together with its far endpoint.
type Neighbor struct {
	Node domain.Entity   `json:"node"`
	Edge domain.Relation `json:"edge"`
}

// GraphStats summarises the graph for health reporting.
type GraphStats struct {
	Nodes         int64            `json:"nodes"`
	Relationships int64            `json:"relationships"`
	NodeCounts    map[string]int64 `json:"node_counts"`
	RelCounts     map[string]int64 `json:"rel_counts"`
}

// UpsertStats counts the outcomes of a batched write.
type UpsertStats struct {
	EntitiesCreated  int64 `json:"entities_created"`
	EntitiesMerged   int64 `json:"entities_merged"`
	RelationsCreated int64 `json:"relations_created"`
	RelationsMerged  int64 `json:"relations_merged"`
	RelationsSkipped int64 `json:"relations_skipped"` // dangling endpoints
}

// Add accumulates another batch's stats.
func (s *UpsertStats) Add(o UpsertStats) {
	s.EntitiesCreated += o.EntitiesCreated
	s.EntitiesMerged += o.EntitiesMerged
	s.RelationsCreated += o.RelationsCreated
	s.RelationsMerged += o.RelationsMerged
	s.RelationsSkipped += o.RelationsSkipped
}

// entityProps flattens an entity into node properties. Attrs are stored
// under an attr_ prefix; structured values are JSON-encoded since Neo4j
// properties are scalars and arrays only.
func entityProps(e domain.Entity) map[string]any {
	m := map[string]any{
		"id":   e.ID,
		"type": string(e.Type),
		"name": e.Name,
	}
	if e.Description != "" {
		m["description"] = e.Description
	}
	if e.Status != "" {
		m["status"] = e.Status
	}
	if e.Criticality != "" {
		m["criticality"] = e.Criticality
	}
	if e.Provenance.Source != "" {
		m["source"] = e.Provenance.Source
	}
	if e.Provenance.Method != "" {
		m["method"] = e.Provenance.Method
	}
	if !e.LastVerified.IsZero() {
		m["last_verified"] = e.LastVerified.UTC()
	}
	for k, v := range e.Attrs {
		switch v.(type) {
		case string, bool, int, int64, float64:
			m["attr_"+k] = v
		default:
			if b, err := json.Marshal(v); err == nil {
				m["attr_"+k] = string(b)
			}
		}
	}
	return m
}

func entityFromProps(props map[string]any) domain.Entity {
	e := domain.Entity{
		ID:          strProp(props, "id"),
		Type:        domain.EntityType(strProp(props, "type")),
		Name:        strProp(props, "name"),
		Description: strProp(props, "description"),
		Status:      strProp(props, "status"),
		Criticality: strProp(props, "criticality"),
		Tags:        strSliceProp(props, "tags"),
		Provenance: domain.Provenance{
			Source: strProp(props, "source"),
			Method: strProp(props, "method"),
		},
		Confidence:   floatProp(props, "confidence"),
		CreatedAt:    timeProp(props, "created_at"),
		LastUpdated:  timeProp(props, "last_updated"),
		LastVerified: timeProp(props, "last_verified"),
		ObservedAt:   timeProp(props, "observed_at"),
	}
	for k, v := range props {
		if strings.HasPrefix(k, "attr_") {
			if e.Attrs == nil {
				e.Attrs = make(map[string]any)
			}
			e.Attrs[k[len("attr_"):]] = v
		}
	}
	return e
}

func relationFromProps(relType, sourceID, targetID string, props map[string]any) domain.Relation {
	r := domain.Relation{
		Type:         domain.RelationType(relType),
		SourceID:     sourceID,
		TargetID:     targetID,
		ObservedAt:   timeProp(props, "observed_at"),
		Confidence:   floatProp(props, "confidence"),
		Observations: int64Prop(props, "observations"),
		ValidFrom:    timeProp(props, "valid_from"),
		Provenance: domain.Provenance{
			Source: strProp(props, "source"),
			Method: strProp(props, "method"),
		},
	}
	if t := timeProp(props, "valid_to"); !t.IsZero() {
		r.ValidTo = &t
	}
	return r
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func strSliceProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func int64Prop(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func timeProp(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case time.Time:
		return v
	case dbtype.LocalDateTime:
		return v.Time()
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// sanitizeLabel restricts a node label to identifier characters. Labels come
// from the entity type vocabulary, never from record data, but the whitelist
// holds regardless.
func sanitizeLabel(label string) string {
	if s := sanitizeIdent(label); s != "" {
		return s
	}
	return "Entity"
}

// sanitizeRelType restricts a relationship type to identifier characters.
// Relationship types cannot be bound as parameters in cypher, so this is the
// only place identifiers are interpolated.
func sanitizeRelType(relType string) string {
	if s := sanitizeIdent(strings.ToUpper(relType)); s != "" {
		return s
	}
	return "RELATED_TO"
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
