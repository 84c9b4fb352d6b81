// Package domain defines the core knowledge-graph types, vocabularies, and
// validation for the kgraph engines. It acts as the validation gate at
// pipeline entry points: nothing reaches the graph store without passing here.
package domain

import (
	"sort"
	"strings"
	"time"
)

// EntityType labels a node in the knowledge graph.
type EntityType string

const (
	TypeProject       EntityType = "Project"
	TypeTool          EntityType = "Tool"
	TypeConfiguration EntityType = "Configuration"
	TypePattern       EntityType = "Pattern"
	TypeDocumentation EntityType = "Documentation"
	TypeService       EntityType = "Service"
	TypeDataset       EntityType = "Dataset"
	TypePerson        EntityType = "Person"
	TypeConcept       EntityType = "Concept"
)

// entityTypes is the closed set of recognised entity types. Extensible via
// RegisterEntityType at startup; not safe for concurrent mutation afterwards.
var entityTypes = map[EntityType]bool{
	TypeProject: true, TypeTool: true, TypeConfiguration: true,
	TypePattern: true, TypeDocumentation: true, TypeService: true,
	TypeDataset: true, TypePerson: true, TypeConcept: true,
}

// RegisterEntityType adds a type to the recognised vocabulary.
func RegisterEntityType(t EntityType) { entityTypes[t] = true }

// KnownEntityType reports whether t is in the vocabulary.
func KnownEntityType(t EntityType) bool { return entityTypes[t] }

// RelationType labels a directed edge between two entities.
type RelationType string

const (
	RelDependsOnCritical RelationType = "DEPENDS_ON_CRITICAL"
	RelDependsOn         RelationType = "DEPENDS_ON"
	RelImplementsPattern RelationType = "IMPLEMENTS_PATTERN"
	RelOptimizedFor      RelationType = "OPTIMIZED_FOR"
	RelDocumentedBy      RelationType = "DOCUMENTED_BY"
	RelConfiguredWith    RelationType = "CONFIGURED_WITH"
	RelUsesTool          RelationType = "USES_TOOL"
	RelPartOf            RelationType = "PART_OF"
	RelRelatedTo         RelationType = "RELATED_TO"
)

var relationTypes = map[RelationType]bool{
	RelDependsOnCritical: true, RelDependsOn: true, RelImplementsPattern: true,
	RelOptimizedFor: true, RelDocumentedBy: true, RelConfiguredWith: true,
	RelUsesTool: true, RelPartOf: true, RelRelatedTo: true,
}

// RegisterRelationType adds a relation type to the recognised vocabulary.
func RegisterRelationType(t RelationType) { relationTypes[t] = true }

// KnownRelationType reports whether t is in the vocabulary.
func KnownRelationType(t RelationType) bool { return relationTypes[t] }

// Provenance records where and how a fact was observed.
type Provenance struct {
	Source string `json:"source"`
	Method string `json:"method"`
}

// Entity is a typed node. ID is the natural key: globally unique per type and
// immutable once created. Re-ingestion with the same (Type, ID) merges
// attributes onto the existing node, it never duplicates it.
type Entity struct {
	ID           string         `json:"id"`
	Type         EntityType     `json:"type"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status,omitempty"`
	Criticality  string         `json:"criticality,omitempty"`
	Tags         []string       `json:"tags,omitempty"` // set semantics, see NormalizeTags
	CreatedAt    time.Time      `json:"created_at,omitempty"`
	LastUpdated  time.Time      `json:"last_updated,omitempty"`
	LastVerified time.Time      `json:"last_verified,omitempty"`
	Attrs        map[string]any `json:"attrs,omitempty"` // type-specific scalars
	Provenance   Provenance     `json:"provenance,omitempty"`
	Confidence   float64        `json:"confidence,omitempty"`
	ObservedAt   time.Time      `json:"observed_at,omitempty"`
}

// Relation is a typed, directed edge. (Type, SourceID, TargetID) is the
// natural key: re-observation of the same tuple updates ObservedAt, raises
// Confidence to the running maximum, and increments the observation counter
// instead of creating a parallel edge.
type Relation struct {
	Type         RelationType `json:"type"`
	SourceID     string       `json:"source_id"`
	SourceType   EntityType   `json:"source_type,omitempty"`
	TargetID     string       `json:"target_id"`
	TargetType   EntityType   `json:"target_type,omitempty"`
	ValidFrom    time.Time    `json:"valid_from,omitempty"`
	ValidTo      *time.Time   `json:"valid_to,omitempty"` // nil = still active
	ObservedAt   time.Time    `json:"observed_at"`
	Confidence   float64      `json:"confidence"`
	Observations int64        `json:"observations,omitempty"`
	Provenance   Provenance   `json:"provenance"`
}

// Key returns the natural key of the relation.
func (r Relation) Key() string {
	return string(r.Type) + "|" + r.SourceID + "|" + r.TargetID
}

// NormalizeTags lowercases, trims, dedupes, and sorts tags so that the slice
// behaves as a deterministic set.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MergeTags unions two tag sets, returning a normalized slice.
func MergeTags(a, b []string) []string {
	return NormalizeTags(append(append([]string{}, a...), b...))
}
