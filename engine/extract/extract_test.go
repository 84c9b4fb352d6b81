package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kgraphio/kgraph/engine/domain"
)

func TestRuleExtractorRegistryMentions(t *testing.T) {
	x := NewRuleExtractor()
	x.Register("ripgrep", "tool:rg", domain.TypeTool)
	x.Register("billing-api", "svc:billing", domain.TypeService)

	c, conf, err := x.Extract(context.Background(), Document{
		ID:   "d1",
		Text: "We searched the tree with ripgrep. The billing-api was untouched.",
	})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(c.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %+v", c.Entities)
	}
	for _, e := range c.Entities {
		if e.Confidence != 0.9 || e.Method != MethodRules || e.SourceDocID != "d1" {
			t.Fatalf("bad candidate metadata: %+v", e)
		}
	}
	if conf != 0.9 {
		t.Fatalf("aggregate = %v", conf)
	}
}

func TestRuleExtractorNoPartialWordMatch(t *testing.T) {
	x := NewRuleExtractor()
	x.Register("go", "tool:go", domain.TypeTool)

	c, _, _ := x.Extract(context.Background(), Document{ID: "d", Text: "the gopher runs goroutines"})
	if len(c.Entities) != 0 {
		t.Fatalf("substring must not match inside words: %+v", c.Entities)
	}
}

func TestRuleExtractorRelationPatterns(t *testing.T) {
	x := NewRuleExtractor()
	x.Register("api", "svc:api", domain.TypeService)
	x.Register("postgres", "svc:pg", domain.TypeService)

	tests := []struct {
		text     string
		wantType domain.RelationType
		wantConf float64
	}{
		{"api critically depends on postgres", domain.RelDependsOnCritical, 0.9},
		{"api depends on postgres", domain.RelDependsOn, 0.85},
		{"api implements the sidecar pattern", domain.RelImplementsPattern, 0.8 * 0.6},
		{"api is optimized for postgres", domain.RelOptimizedFor, 0.8},
		{"api is part of postgres", domain.RelPartOf, 0.8},
		{"api uses postgres", domain.RelUsesTool, 0.7},
	}
	for _, tt := range tests {
		c, _, err := x.Extract(context.Background(), Document{ID: "d", Text: tt.text})
		if err != nil {
			t.Fatalf("%q: %v", tt.text, err)
		}
		found := false
		for _, r := range c.Relations {
			if r.Type == tt.wantType {
				found = true
				if r.Confidence != tt.wantConf {
					t.Errorf("%q: confidence = %v, want %v", tt.text, r.Confidence, tt.wantConf)
				}
			}
		}
		if !found {
			t.Errorf("%q: relation %s not extracted: %+v", tt.text, tt.wantType, c.Relations)
		}
	}
}

func TestRuleExtractorCriticalNotDoubleMatched(t *testing.T) {
	x := NewRuleExtractor()
	x.Register("api", "svc:api", domain.TypeService)
	x.Register("postgres", "svc:pg", domain.TypeService)

	c, _, _ := x.Extract(context.Background(), Document{ID: "d", Text: "api critically depends on postgres"})
	for _, r := range c.Relations {
		if r.Type == domain.RelDependsOn {
			t.Fatalf("plain depends_on must not fire inside a critical phrase: %+v", c.Relations)
		}
	}
}

func TestRuleExtractorUnknownMentionBecomesConcept(t *testing.T) {
	x := NewRuleExtractor()
	x.Register("api", "svc:api", domain.TypeService)

	c, _, _ := x.Extract(context.Background(), Document{ID: "d", Text: "api depends on redis"})
	var concept *EntityCandidate
	for i := range c.Entities {
		if c.Entities[i].Type == domain.TypeConcept {
			concept = &c.Entities[i]
		}
	}
	if concept == nil {
		t.Fatalf("expected concept candidate for unknown endpoint: %+v", c.Entities)
	}
	if concept.ID != "concept:redis" || concept.Confidence != 0.5 {
		t.Fatalf("wrong concept: %+v", concept)
	}
	if len(c.Relations) != 1 || c.Relations[0].TargetID != "concept:redis" {
		t.Fatalf("relation endpoint should be the concept id: %+v", c.Relations)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Redis Cluster", "redis-cluster"},
		{"billing_api", "billing-api"},
		{"A/B Testing!", "a-b-testing"},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeGenerator struct {
	resp string
	err  error
}

func (g *fakeGenerator) Generate(_ context.Context, _ string) (string, error) {
	return g.resp, g.err
}

func TestLLMExtractorParsesResponse(t *testing.T) {
	gen := &fakeGenerator{resp: `Here is the extraction:
{"entities": [{"name": "etcd", "type": "Service", "confidence": 0.7}],
 "relations": [{"type": "depends_on", "source_id": "svc:api", "target_id": "service:etcd", "confidence": 0.7}]}`}
	x := NewLLMExtractor(gen)

	c, conf, err := x.Extract(context.Background(), Document{ID: "d9", Text: "..."})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(c.Entities) != 1 || len(c.Relations) != 1 {
		t.Fatalf("wrong candidates: %+v", c)
	}
	e := c.Entities[0]
	if e.ID != "service:etcd" || e.Type != domain.TypeService || e.Method != MethodFallback {
		t.Fatalf("wrong entity: %+v", e)
	}
	r := c.Relations[0]
	if r.Type != domain.RelDependsOn {
		t.Fatalf("relation type not normalized: %+v", r)
	}
	if conf != 0.7 {
		t.Fatalf("aggregate = %v", conf)
	}
}

func TestLLMExtractorUnknownTypesNormalized(t *testing.T) {
	gen := &fakeGenerator{resp: `{"entities": [{"name": "foo", "type": "Gadget"}],
 "relations": [{"type": "FROBNICATES", "source_id": "a", "target_id": "b"}]}`}
	x := NewLLMExtractor(gen)

	c, _, err := x.Extract(context.Background(), Document{ID: "d", Text: "..."})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c.Entities[0].Type != domain.TypeConcept {
		t.Fatalf("unknown entity type should fall back to Concept: %+v", c.Entities[0])
	}
	if c.Relations[0].Type != domain.RelRelatedTo {
		t.Fatalf("unknown relation type should fall back to RELATED_TO: %+v", c.Relations[0])
	}
	if c.Entities[0].Confidence != defaultLLMConfidence {
		t.Fatalf("missing confidence should default: %+v", c.Entities[0])
	}
}

func TestLLMExtractorBadJSON(t *testing.T) {
	x := NewLLMExtractor(&fakeGenerator{resp: "I could not comply."})
	if _, _, err := x.Extract(context.Background(), Document{ID: "d", Text: "..."}); err == nil {
		t.Fatal("expected error")
	}
}

// scriptedExtractor returns fixed candidates.
type scriptedExtractor struct {
	method string
	cand   Candidates
	conf   float64
	err    error
	calls  int
}

func (s *scriptedExtractor) Method() string { return s.method }
func (s *scriptedExtractor) Extract(_ context.Context, _ Document) (Candidates, float64, error) {
	s.calls++
	return s.cand, s.conf, s.err
}

func entityCand(id string, conf float64, method string) EntityCandidate {
	return EntityCandidate{ID: id, Type: domain.TypeConcept, Name: id, Confidence: conf, Method: method}
}

func TestChainConfidentPrimarySkipsFallback(t *testing.T) {
	primary := &scriptedExtractor{method: MethodRules,
		cand: Candidates{Entities: []EntityCandidate{entityCand("a", 0.9, MethodRules)}}, conf: 0.9}
	fallback := &scriptedExtractor{method: MethodFallback}
	chain := NewChain([]Extractor{primary, fallback})

	out, err := chain.Run(context.Background(), Document{ID: "d", Text: "..."})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback must not run when primary is confident")
	}
	if out.Degraded || len(out.Methods) != 1 {
		t.Fatalf("wrong outcome: %+v", out)
	}
}

func TestChainEscalatesAndMerges(t *testing.T) {
	primary := &scriptedExtractor{method: MethodRules,
		cand: Candidates{Entities: []EntityCandidate{entityCand("a", 0.4, MethodRules)}}, conf: 0.4}
	fallback := &scriptedExtractor{method: MethodFallback,
		cand: Candidates{Entities: []EntityCandidate{
			entityCand("a", 0.8, MethodFallback), // same key, higher confidence
			entityCand("b", 0.7, MethodFallback),
		}}, conf: 0.75}
	chain := NewChain([]Extractor{primary, fallback})

	out, err := chain.Run(context.Background(), Document{ID: "d", Text: "..."})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if fallback.calls != 1 {
		t.Fatal("fallback should run once")
	}
	if len(out.Candidates.Entities) != 2 {
		t.Fatalf("merge wrong: %+v", out.Candidates.Entities)
	}
	for _, e := range out.Candidates.Entities {
		if e.ID == "a" && e.Confidence != 0.8 {
			t.Fatalf("duplicate should keep the higher confidence: %+v", e)
		}
	}
	if strings.Join(out.Methods, ",") != "rules,fallback" {
		t.Fatalf("methods = %v", out.Methods)
	}
}

func TestChainFallbackFailureDegrades(t *testing.T) {
	primary := &scriptedExtractor{method: MethodRules,
		cand: Candidates{Entities: []EntityCandidate{entityCand("a", 0.4, MethodRules)}}, conf: 0.4}
	fallback := &scriptedExtractor{method: MethodFallback, err: errors.New("model down")}
	chain := NewChain([]Extractor{primary, fallback})

	out, err := chain.Run(context.Background(), Document{ID: "d", Text: "..."})
	if err != nil {
		t.Fatalf("fallback failure must not fail the document: %v", err)
	}
	if !out.Degraded {
		t.Fatal("outcome should be degraded")
	}
	if len(out.Candidates.Entities) != 1 || out.Candidates.Entities[0].ID != "a" {
		t.Fatalf("primary candidates should survive: %+v", out.Candidates)
	}
}

func TestChainPrimaryErrorFailsDocument(t *testing.T) {
	primary := &scriptedExtractor{method: MethodRules, err: errors.New("boom")}
	chain := NewChain([]Extractor{primary})
	if _, err := chain.Run(context.Background(), Document{ID: "d"}); err == nil {
		t.Fatal("expected error")
	}
}
