// Package retrieve answers bounded subgraph queries over the knowledge
// graph: k-hop expansion around seeds, semantic seed selection via the
// vector index, and bounded shortest paths. Retrieval is strictly read-only
// and always returns within its node budget and deadline.
package retrieve

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/kgraphio/kgraph/engine/domain"
	"github.com/kgraphio/kgraph/engine/graph"
	"github.com/kgraphio/kgraph/pkg/metrics"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeKHop     Mode = "khop"
	ModeSemantic Mode = "semantic"
	ModePath     Mode = "path"
)

// Defaults and clamps.
const (
	DefaultDepth      = 2
	MaxDepth          = 5
	DefaultNodeBudget = 50
	DefaultTopSeeds   = 5
	DefaultTimeout    = 10 * time.Second
)

// Truncation reasons.
const (
	ReasonNodeBudget = "node_budget"
	ReasonTimeout    = "timeout"
	ReasonNoSeeds    = "no_seeds"
	ReasonNoPath     = "no_path_within_depth"
)

// Request is one retrieval query.
type Request struct {
	Mode       Mode     `json:"mode"`
	Seeds      []string `json:"seeds,omitempty"`
	Query      string   `json:"query,omitempty"`
	PathFrom   string   `json:"path_from,omitempty"`
	PathTo     string   `json:"path_to,omitempty"`
	Depth      int      `json:"depth,omitempty"`
	NodeBudget int      `json:"node_budget,omitempty"`
	TopSeeds   int      `json:"top_seeds,omitempty"`
	TimeoutMS  int      `json:"timeout_ms,omitempty"`
}

// Result is a bounded subgraph. Edges only connect admitted nodes, and both
// slices are deterministically ordered.
type Result struct {
	Nodes     []domain.Entity   `json:"nodes"`
	Edges     []domain.Relation `json:"edges"`
	Truncated bool              `json:"truncated"`
	Reason    string            `json:"reason,omitempty"`
}

// Reader is the slice of the graph store retrieval needs. GraphStore
// satisfies it; tests substitute fakes.
type Reader interface {
	EntityByID(ctx context.Context, id string) (domain.Entity, error)
	Expand(ctx context.Context, ids []string) ([]graph.Neighbor, error)
	SearchEntities(ctx context.Context, query string, limit int) ([]domain.Entity, error)
	ShortestPath(ctx context.Context, fromID, toID string, maxHops int) ([]domain.Entity, []domain.Relation, error)
}

// Engine runs retrieval queries.
type Engine struct {
	store   Reader
	scorers []SeedScorer
	log     *slog.Logger

	queries  *metrics.Counter
	queryDur *metrics.Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeedScorer prepends a seed scorer; scorers are tried in order and the
// first one that yields seeds wins.
func WithSeedScorer(s SeedScorer) Option {
	return func(e *Engine) { e.scorers = append([]SeedScorer{s}, e.scorers...) }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates a retrieval Engine. Lexical search over the graph is always
// available as the last seed scorer.
func New(store Reader, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		scorers: []SeedScorer{&LexicalSeeds{Store: store}},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Instrument registers query counters and duration histograms.
func (e *Engine) Instrument(reg *metrics.Registry) {
	e.queries = reg.Counter("kgraph_retrieve_queries_total", "Retrieval queries served")
	e.queryDur = reg.Histogram("kgraph_retrieve_seconds", "Retrieval query duration", nil)
}

func (r *Request) normalize() {
	if r.Depth <= 0 {
		r.Depth = DefaultDepth
	}
	if r.Depth > MaxDepth {
		r.Depth = MaxDepth
	}
	if r.NodeBudget <= 0 {
		r.NodeBudget = DefaultNodeBudget
	}
	if r.TopSeeds <= 0 {
		r.TopSeeds = DefaultTopSeeds
	}
	if r.Mode == "" {
		r.Mode = ModeKHop
	}
}

func (r Request) timeout() time.Duration {
	if r.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// ErrBadRequest reports an unusable retrieval request.
var ErrBadRequest = errors.New("retrieve: bad request")

// Retrieve answers one query. Hitting the node budget or the deadline
// truncates the result instead of failing it.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	req.normalize()
	if e.queries != nil {
		e.queries.Inc()
		defer e.queryDur.Since(time.Now())
	}

	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	switch req.Mode {
	case ModeKHop:
		if len(req.Seeds) == 0 {
			return nil, errors.Join(ErrBadRequest, errors.New("khop needs seeds"))
		}
		// Explicit seed lists carry no ranking, so sort them for
		// deterministic admission under a tight budget.
		seeds := append([]string(nil), req.Seeds...)
		sort.Strings(seeds)
		return e.khop(ctx, seeds, req.Depth, req.NodeBudget)
	case ModeSemantic:
		if req.Query == "" {
			return nil, errors.Join(ErrBadRequest, errors.New("semantic needs a query"))
		}
		return e.semantic(ctx, req)
	case ModePath:
		if req.PathFrom == "" || req.PathTo == "" {
			return nil, errors.Join(ErrBadRequest, errors.New("path needs path_from and path_to"))
		}
		return e.path(ctx, req)
	}
	return nil, errors.Join(ErrBadRequest, errors.New("unknown mode "+string(req.Mode)))
}

// khop expands level by level. When a level would overflow the budget, the
// best candidates win: confidence desc, then observed_at desc, then id asc.
// Seeds are admitted in the order given, so a ranked list keeps its ranking.
func (e *Engine) khop(ctx context.Context, seeds []string, depth, budget int) (*Result, error) {
	res := &Result{}
	admitted := make(map[string]bool)
	edges := make(map[string]domain.Relation)

	// Resolve seeds; unknown IDs are dropped, not errors.
	var frontier []string
	for _, id := range seeds {
		if admitted[id] || len(res.Nodes) >= budget {
			continue
		}
		ent, err := e.store.EntityByID(ctx, id)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		admitted[id] = true
		res.Nodes = append(res.Nodes, ent)
		frontier = append(frontier, id)
	}
	if len(frontier) == 0 {
		res.Reason = ReasonNoSeeds
		return res, nil
	}

	for level := 0; level < depth && len(frontier) > 0; level++ {
		if ctx.Err() != nil {
			res.Truncated = true
			res.Reason = ReasonTimeout
			break
		}
		remaining := budget - len(res.Nodes)
		if remaining <= 0 {
			res.Truncated = true
			res.Reason = ReasonNodeBudget
			break
		}

		neighbors, err := e.store.Expand(ctx, frontier)
		if err != nil {
			if ctx.Err() != nil {
				res.Truncated = true
				res.Reason = ReasonTimeout
				break
			}
			return nil, err
		}

		// Dedupe candidates; remember every edge seen for later filtering.
		seen := make(map[string]bool)
		var candidates []domain.Entity
		for _, n := range neighbors {
			edges[n.Edge.Key()] = n.Edge
			if admitted[n.Node.ID] || seen[n.Node.ID] {
				continue
			}
			seen[n.Node.ID] = true
			candidates = append(candidates, n.Node)
		}

		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if !a.ObservedAt.Equal(b.ObservedAt) {
				return a.ObservedAt.After(b.ObservedAt)
			}
			return a.ID < b.ID
		})

		if len(candidates) > remaining {
			candidates = candidates[:remaining]
			res.Truncated = true
			res.Reason = ReasonNodeBudget
		}

		frontier = frontier[:0]
		for _, c := range candidates {
			admitted[c.ID] = true
			res.Nodes = append(res.Nodes, c)
			frontier = append(frontier, c.ID)
		}
		if res.Truncated {
			break
		}
	}

	res.Edges = filterEdges(edges, admitted)
	return res, nil
}

func (e *Engine) semantic(ctx context.Context, req Request) (*Result, error) {
	var seeds []Seed
	for _, scorer := range e.scorers {
		s, err := scorer.Seeds(ctx, req.Query, req.TopSeeds)
		if err != nil {
			e.log.Warn("retrieve: seed scorer failed", "scorer", scorer.Name(), "error", err)
			continue
		}
		if len(s) > 0 {
			seeds = s
			break
		}
	}
	if len(seeds) == 0 {
		return &Result{Reason: ReasonNoSeeds}, nil
	}

	// khop admits seeds in order, so the scorer's ranking decides which
	// ones fit a tight budget.
	ids := make([]string, len(seeds))
	for i, s := range seeds {
		ids[i] = s.EntityID
	}
	return e.khop(ctx, ids, req.Depth, req.NodeBudget)
}

func (e *Engine) path(ctx context.Context, req Request) (*Result, error) {
	nodes, rels, err := e.store.ShortestPath(ctx, req.PathFrom, req.PathTo, req.Depth)
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Truncated: true, Reason: ReasonTimeout}, nil
		}
		return nil, err
	}
	if len(nodes) == 0 {
		return &Result{Reason: ReasonNoPath}, nil
	}
	return &Result{Nodes: nodes, Edges: rels}, nil
}

// filterEdges keeps edges whose endpoints were both admitted, sorted for
// deterministic output.
func filterEdges(edges map[string]domain.Relation, admitted map[string]bool) []domain.Relation {
	var out []domain.Relation
	for _, e := range edges {
		if admitted[e.SourceID] && admitted[e.TargetID] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
