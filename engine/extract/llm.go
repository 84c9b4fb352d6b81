package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kgraphio/kgraph/engine/domain"
)

// MethodFallback identifies candidates produced by the LLM fallback stage.
const MethodFallback = "fallback"

// defaultLLMConfidence is assigned when the model omits a confidence.
const defaultLLMConfidence = 0.6

// Generator produces a completion for a prompt. pkg/ollama.GenerateClient
// implements it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const extractionPrompt = `You are a knowledge graph construction assistant.

Extract entities and relations from the text below.

Entity types: Project, Tool, Configuration, Pattern, Documentation, Service, Dataset, Person, Concept.
Relation types: DEPENDS_ON_CRITICAL, DEPENDS_ON, IMPLEMENTS_PATTERN, OPTIMIZED_FOR, DOCUMENTED_BY, CONFIGURED_WITH, USES_TOOL, PART_OF, RELATED_TO.

Text:
---
%s
---

Return ONLY valid JSON:
{"entities": [{"id": "...", "type": "...", "name": "...", "description": "...", "confidence": 0.0}],
 "relations": [{"type": "...", "source_id": "...", "target_id": "...", "confidence": 0.0}]}`

type llmEntity struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

type llmRelation struct {
	Type       string  `json:"type"`
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Confidence float64 `json:"confidence"`
}

type llmPayload struct {
	Entities  []llmEntity   `json:"entities"`
	Relations []llmRelation `json:"relations"`
}

// LLMExtractor is the fallback extraction stage: a local model prompted for
// a JSON candidate set. Slower and less predictable than the rule stage, so
// the chain only invokes it when rules come back under-confident.
type LLMExtractor struct {
	gen Generator
}

// NewLLMExtractor creates an LLMExtractor.
func NewLLMExtractor(gen Generator) *LLMExtractor {
	return &LLMExtractor{gen: gen}
}

// Method implements Extractor.
func (x *LLMExtractor) Method() string { return MethodFallback }

// Extract implements Extractor.
func (x *LLMExtractor) Extract(ctx context.Context, doc Document) (Candidates, float64, error) {
	raw, err := x.gen.Generate(ctx, fmt.Sprintf(extractionPrompt, doc.Text))
	if err != nil {
		return Candidates{}, 0, fmt.Errorf("extract: llm generate: %w", err)
	}

	var payload llmPayload
	if err := json.Unmarshal([]byte(extractJSON(raw)), &payload); err != nil {
		return Candidates{}, 0, fmt.Errorf("extract: llm response not valid JSON: %w", err)
	}

	var c Candidates
	for _, e := range payload.Entities {
		if e.Name == "" {
			continue
		}
		t := domain.EntityType(e.Type)
		if !domain.KnownEntityType(t) {
			t = domain.TypeConcept
		}
		id := e.ID
		if id == "" {
			id = strings.ToLower(string(t)) + ":" + slugify(e.Name)
		}
		c.Entities = append(c.Entities, EntityCandidate{
			ID: id, Type: t, Name: e.Name, Description: e.Description,
			Confidence: clampConfidence(e.Confidence), Method: MethodFallback, SourceDocID: doc.ID,
		})
	}
	for _, r := range payload.Relations {
		if r.SourceID == "" || r.TargetID == "" {
			continue
		}
		t := domain.RelationType(strings.ToUpper(r.Type))
		if !domain.KnownRelationType(t) {
			t = domain.RelRelatedTo
		}
		c.Relations = append(c.Relations, RelationCandidate{
			Type: t, SourceID: r.SourceID, TargetID: r.TargetID,
			Confidence: clampConfidence(r.Confidence), Method: MethodFallback, SourceDocID: doc.ID,
		})
	}
	return c, aggregateConfidence(c), nil
}

func clampConfidence(v float64) float64 {
	if v <= 0 {
		return defaultLLMConfidence
	}
	if v > 1 {
		return 1
	}
	return v
}

// extractJSON trims any prose the model wrapped around the JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
