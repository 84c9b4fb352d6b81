// Package extract turns unstructured text into entity and relation
// candidates. Extraction is two-stage: a fast rule/vocabulary pass runs
// first, and a local LLM pass fills in only when the first stage is not
// confident enough.
package extract

import (
	"context"

	"github.com/kgraphio/kgraph/engine/domain"
)

// Document is one unit of text submitted for extraction.
type Document struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// EntityCandidate is a proposed entity with extraction metadata attached.
type EntityCandidate struct {
	ID          string            `json:"id"`
	Type        domain.EntityType `json:"type"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Confidence  float64           `json:"confidence"`
	Method      string            `json:"method"`
	SourceDocID string            `json:"source_doc_id"`
}

// RelationCandidate is a proposed relation with extraction metadata.
type RelationCandidate struct {
	Type        domain.RelationType `json:"type"`
	SourceID    string              `json:"source_id"`
	TargetID    string              `json:"target_id"`
	Confidence  float64             `json:"confidence"`
	Method      string              `json:"method"`
	SourceDocID string              `json:"source_doc_id"`
}

// Candidates is everything one extractor proposed for a document.
type Candidates struct {
	Entities  []EntityCandidate   `json:"entities"`
	Relations []RelationCandidate `json:"relations"`
}

// Empty reports whether nothing was extracted.
func (c Candidates) Empty() bool {
	return len(c.Entities) == 0 && len(c.Relations) == 0
}

// Extractor proposes candidates for a document and reports its aggregate
// confidence in them.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (Candidates, float64, error)
	Method() string
}

// mergeCandidates unions two candidate sets, deduplicating by natural key
// and keeping the higher-confidence observation of each.
func mergeCandidates(a, b Candidates) Candidates {
	out := Candidates{}

	seenEnt := make(map[string]int)
	for _, src := range [][]EntityCandidate{a.Entities, b.Entities} {
		for _, e := range src {
			key := string(e.Type) + "|" + e.ID
			if i, ok := seenEnt[key]; ok {
				if e.Confidence > out.Entities[i].Confidence {
					out.Entities[i] = e
				}
				continue
			}
			seenEnt[key] = len(out.Entities)
			out.Entities = append(out.Entities, e)
		}
	}

	seenRel := make(map[string]int)
	for _, src := range [][]RelationCandidate{a.Relations, b.Relations} {
		for _, r := range src {
			key := string(r.Type) + "|" + r.SourceID + "|" + r.TargetID
			if i, ok := seenRel[key]; ok {
				if r.Confidence > out.Relations[i].Confidence {
					out.Relations[i] = r
				}
				continue
			}
			seenRel[key] = len(out.Relations)
			out.Relations = append(out.Relations, r)
		}
	}
	return out
}

// aggregateConfidence is the mean candidate confidence, zero when empty.
func aggregateConfidence(c Candidates) float64 {
	n := len(c.Entities) + len(c.Relations)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, e := range c.Entities {
		sum += e.Confidence
	}
	for _, r := range c.Relations {
		sum += r.Confidence
	}
	return sum / float64(n)
}
