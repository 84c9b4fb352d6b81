package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/kgraphio/kgraph/engine/domain"
)

// MethodRules identifies candidates produced by the rule extractor.
const MethodRules = "rules"

type registeredEntity struct {
	ID   string
	Type domain.EntityType
	Name string
}

type relationPattern struct {
	re         *regexp.Regexp
	relType    domain.RelationType
	confidence float64
}

// nameToken matches an entity mention: a word optionally extended with
// dots, dashes, slashes or colons (service names, package paths, ids).
const nameToken = `([A-Za-z][A-Za-z0-9._/:-]*)`

var defaultPatterns = []relationPattern{
	{regexp.MustCompile(`(?i)` + nameToken + ` critically depends on ` + nameToken), domain.RelDependsOnCritical, 0.9},
	{regexp.MustCompile(`(?i)` + nameToken + ` depends on ` + nameToken), domain.RelDependsOn, 0.85},
	{regexp.MustCompile(`(?i)` + nameToken + ` implements (?:the )?` + nameToken + ` pattern`), domain.RelImplementsPattern, 0.8},
	{regexp.MustCompile(`(?i)` + nameToken + ` is optimized for ` + nameToken), domain.RelOptimizedFor, 0.8},
	{regexp.MustCompile(`(?i)` + nameToken + ` is documented (?:in|by) ` + nameToken), domain.RelDocumentedBy, 0.75},
	{regexp.MustCompile(`(?i)` + nameToken + ` is configured with ` + nameToken), domain.RelConfiguredWith, 0.75},
	{regexp.MustCompile(`(?i)` + nameToken + ` is part of ` + nameToken), domain.RelPartOf, 0.8},
	{regexp.MustCompile(`(?i)` + nameToken + ` uses ` + nameToken), domain.RelUsesTool, 0.7},
}

// RuleExtractor is the primary extraction stage: a known-name registry plus
// relation phrase patterns. Fast, deterministic, no model in the loop.
type RuleExtractor struct {
	registry map[string]registeredEntity
	patterns []relationPattern
}

// NewRuleExtractor creates a RuleExtractor with the default phrase patterns.
func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{
		registry: make(map[string]registeredEntity),
		patterns: defaultPatterns,
	}
}

// Register adds a known entity so mentions of name resolve to a stable ID
// and type instead of a low-confidence concept guess.
func (x *RuleExtractor) Register(name, id string, t domain.EntityType) {
	x.registry[strings.ToLower(name)] = registeredEntity{ID: id, Type: t, Name: name}
}

// Method implements Extractor.
func (x *RuleExtractor) Method() string { return MethodRules }

// Extract implements Extractor.
func (x *RuleExtractor) Extract(_ context.Context, doc Document) (Candidates, float64, error) {
	var c Candidates
	seen := make(map[string]bool)

	add := func(e EntityCandidate) {
		key := string(e.Type) + "|" + e.ID
		if seen[key] {
			return
		}
		seen[key] = true
		c.Entities = append(c.Entities, e)
	}

	lower := strings.ToLower(doc.Text)
	for _, name := range x.registryNames() {
		if containsWord(lower, name) {
			reg := x.registry[name]
			add(EntityCandidate{
				ID: reg.ID, Type: reg.Type, Name: reg.Name,
				Confidence: 0.9, Method: MethodRules, SourceDocID: doc.ID,
			})
		}
	}

	for _, p := range x.patterns {
		for _, m := range p.re.FindAllStringSubmatch(doc.Text, -1) {
			if stopwords[strings.ToLower(m[1])] || stopwords[strings.ToLower(m[2])] {
				continue
			}
			srcID, srcKnown := x.resolve(m[1], doc.ID, add)
			tgtID, tgtKnown := x.resolve(m[2], doc.ID, add)
			conf := p.confidence
			if !srcKnown || !tgtKnown {
				conf *= 0.6
			}
			c.Relations = append(c.Relations, RelationCandidate{
				Type: p.relType, SourceID: srcID, TargetID: tgtID,
				Confidence: conf, Method: MethodRules, SourceDocID: doc.ID,
			})
		}
	}

	return c, aggregateConfidence(c), nil
}

// stopwords are mentions the phrase patterns may capture that are never
// entities. "critically" keeps the plain depends-on pattern from re-matching
// inside a critical dependency phrase.
var stopwords = map[string]bool{
	"critically": true, "it": true, "this": true, "that": true,
	"which": true, "and": true, "the": true, "a": true, "an": true,
}

func (x *RuleExtractor) registryNames() []string {
	names := make([]string, 0, len(x.registry))
	for name := range x.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve maps a mention to an entity ID. Unknown mentions become
// low-confidence Concept candidates so the relation still has endpoints.
func (x *RuleExtractor) resolve(mention, docID string, add func(EntityCandidate)) (string, bool) {
	if reg, ok := x.registry[strings.ToLower(mention)]; ok {
		return reg.ID, true
	}
	id := "concept:" + slugify(mention)
	add(EntityCandidate{
		ID: id, Type: domain.TypeConcept, Name: mention,
		Confidence: 0.5, Method: MethodRules, SourceDocID: docID,
	})
	return id, false
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
