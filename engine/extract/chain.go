package extract

import (
	"context"
	"log/slog"

	"github.com/kgraphio/kgraph/pkg/resilience"
)

// DefaultThreshold is the aggregate confidence below which the chain
// escalates to the next extractor.
const DefaultThreshold = 0.6

// Outcome is the result of running the chain on one document.
type Outcome struct {
	Candidates Candidates `json:"candidates"`
	Confidence float64    `json:"confidence"`
	Methods    []string   `json:"methods"`
	Degraded   bool       `json:"degraded"` // a later stage was needed but failed
}

// Chain runs extractors in order, escalating to the next stage only while
// the aggregate confidence sits below the threshold. Later stages sit behind
// a circuit breaker; their failure degrades the outcome, it never fails the
// document.
type Chain struct {
	extractors []Extractor
	threshold  float64
	breaker    *resilience.Breaker
	log        *slog.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithThreshold overrides the escalation threshold.
func WithThreshold(t float64) ChainOption {
	return func(c *Chain) { c.threshold = t }
}

// WithBreaker guards non-primary stages with the given circuit breaker.
func WithBreaker(b *resilience.Breaker) ChainOption {
	return func(c *Chain) { c.breaker = b }
}

// WithLogger sets the chain's logger.
func WithLogger(l *slog.Logger) ChainOption {
	return func(c *Chain) { c.log = l }
}

// NewChain creates a Chain over the given extractors, primary first.
func NewChain(extractors []Extractor, opts ...ChainOption) *Chain {
	c := &Chain{
		extractors: extractors,
		threshold:  DefaultThreshold,
		breaker:    resilience.NewBreaker(resilience.DefaultBreakerOpts),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run extracts candidates for a document. The primary stage's error is the
// document's error; every later stage is best-effort.
func (c *Chain) Run(ctx context.Context, doc Document) (Outcome, error) {
	if len(c.extractors) == 0 {
		return Outcome{}, nil
	}

	primary := c.extractors[0]
	candidates, confidence, err := primary.Extract(ctx, doc)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		Candidates: candidates,
		Confidence: confidence,
		Methods:    []string{primary.Method()},
	}

	for _, next := range c.extractors[1:] {
		if out.Confidence >= c.threshold && !out.Candidates.Empty() {
			break
		}
		var fc Candidates
		callErr := c.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			fc, _, err = next.Extract(ctx, doc)
			return err
		})
		if callErr != nil {
			c.log.Warn("extraction stage degraded",
				"doc_id", doc.ID, "method", next.Method(), "error", callErr)
			out.Degraded = true
			continue
		}
		out.Candidates = mergeCandidates(out.Candidates, fc)
		out.Confidence = aggregateConfidence(out.Candidates)
		out.Methods = append(out.Methods, next.Method())
	}
	return out, nil
}
