package retrieve

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kgraphio/kgraph/engine/domain"
	"github.com/kgraphio/kgraph/engine/graph"
)

// fakeGraph is an in-memory Reader.
type fakeGraph struct {
	entities    map[string]domain.Entity
	adj         map[string][]graph.Neighbor
	search      []domain.Entity
	searchErr   error
	pathNodes   []domain.Entity
	pathRels    []domain.Relation
	expandDelay time.Duration
	expandCalls int
}

func (g *fakeGraph) EntityByID(_ context.Context, id string) (domain.Entity, error) {
	e, ok := g.entities[id]
	if !ok {
		return domain.Entity{}, graph.ErrNotFound
	}
	return e, nil
}

func (g *fakeGraph) Expand(_ context.Context, ids []string) ([]graph.Neighbor, error) {
	g.expandCalls++
	if g.expandDelay > 0 {
		time.Sleep(g.expandDelay)
	}
	var out []graph.Neighbor
	for _, id := range ids {
		out = append(out, g.adj[id]...)
	}
	return out, nil
}

func (g *fakeGraph) SearchEntities(_ context.Context, _ string, limit int) ([]domain.Entity, error) {
	if g.searchErr != nil {
		return nil, g.searchErr
	}
	if len(g.search) > limit {
		return g.search[:limit], nil
	}
	return g.search, nil
}

func (g *fakeGraph) ShortestPath(_ context.Context, _, _ string, _ int) ([]domain.Entity, []domain.Relation, error) {
	return g.pathNodes, g.pathRels, nil
}

func ent(id string, conf float64, observed time.Time) domain.Entity {
	return domain.Entity{
		ID: id, Type: domain.TypeConcept, Name: id,
		Confidence: conf, ObservedAt: observed,
	}
}

func edge(from, to string) domain.Relation {
	return domain.Relation{
		Type: domain.RelRelatedTo, SourceID: from, TargetID: to, Confidence: 0.5,
	}
}

// link wires from -> to in both directions, the way Expand sees an
// undirected traversal of a directed edge.
func link(g *fakeGraph, from, to string) {
	e := edge(from, to)
	g.adj[from] = append(g.adj[from], graph.Neighbor{Node: g.entities[to], Edge: e})
	g.adj[to] = append(g.adj[to], graph.Neighbor{Node: g.entities[from], Edge: e})
}

func newGraph(entities ...domain.Entity) *fakeGraph {
	g := &fakeGraph{
		entities: make(map[string]domain.Entity),
		adj:      make(map[string][]graph.Neighbor),
	}
	for _, e := range entities {
		g.entities[e.ID] = e
	}
	return g
}

func nodeIDs(res *Result) []string {
	ids := make([]string, len(res.Nodes))
	for i, n := range res.Nodes {
		ids[i] = n.ID
	}
	return ids
}

func TestKHopBasic(t *testing.T) {
	now := time.Now()
	g := newGraph(ent("s", 1, now), ent("a", 0.9, now), ent("b", 0.8, now), ent("c", 0.7, now))
	link(g, "s", "a")
	link(g, "a", "b")
	link(g, "b", "c") // 3 hops out, beyond depth 2

	e := New(g)
	res, err := e.Retrieve(context.Background(), Request{Mode: ModeKHop, Seeds: []string{"s"}, Depth: 2})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got := nodeIDs(res); !reflect.DeepEqual(got, []string{"s", "a", "b"}) {
		t.Fatalf("nodes = %v", got)
	}
	if res.Truncated {
		t.Fatalf("should not truncate: %+v", res)
	}
	// Edge b-c is excluded: c was never admitted.
	for _, e := range res.Edges {
		if e.TargetID == "c" || e.SourceID == "c" {
			t.Fatalf("edge to unadmitted node leaked: %+v", e)
		}
	}
	if len(res.Edges) != 2 {
		t.Fatalf("edges = %+v", res.Edges)
	}
}

func TestKHopBudgetAdmitsByConfidence(t *testing.T) {
	now := time.Now()
	g := newGraph(ent("s", 1, now), ent("strong", 0.9, now), ent("weak", 0.4, now))
	link(g, "s", "weak")
	link(g, "s", "strong")

	e := New(g)
	res, err := e.Retrieve(context.Background(), Request{
		Mode: ModeKHop, Seeds: []string{"s"}, Depth: 1, NodeBudget: 2,
	})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got := nodeIDs(res); !reflect.DeepEqual(got, []string{"s", "strong"}) {
		t.Fatalf("budget should keep the higher-confidence node: %v", got)
	}
	if !res.Truncated || res.Reason != ReasonNodeBudget {
		t.Fatalf("truncation not flagged: %+v", res)
	}
	// The edge to the evicted node must not appear.
	for _, e := range res.Edges {
		if e.SourceID == "weak" || e.TargetID == "weak" {
			t.Fatalf("edge to evicted node: %+v", e)
		}
	}
}

func TestKHopTieBreakObservedAtThenID(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	g := newGraph(ent("s", 1, newer), ent("b-old", 0.5, older), ent("a-new", 0.5, newer), ent("c-new", 0.5, newer))
	link(g, "s", "b-old")
	link(g, "s", "c-new")
	link(g, "s", "a-new")

	e := New(g)
	res, err := e.Retrieve(context.Background(), Request{
		Mode: ModeKHop, Seeds: []string{"s"}, Depth: 1, NodeBudget: 3,
	})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	// Equal confidence: newer observed_at first, then id asc.
	if got := nodeIDs(res); !reflect.DeepEqual(got, []string{"s", "a-new", "c-new"}) {
		t.Fatalf("tie-break order wrong: %v", got)
	}
}

func TestKHopUnknownSeedsIgnored(t *testing.T) {
	g := newGraph(ent("s", 1, time.Now()))
	e := New(g)

	res, err := e.Retrieve(context.Background(), Request{Mode: ModeKHop, Seeds: []string{"ghost", "s"}})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got := nodeIDs(res); !reflect.DeepEqual(got, []string{"s"}) {
		t.Fatalf("nodes = %v", got)
	}
}

func TestKHopNoSeedsExist(t *testing.T) {
	e := New(newGraph())
	res, err := e.Retrieve(context.Background(), Request{Mode: ModeKHop, Seeds: []string{"ghost"}})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(res.Nodes) != 0 || res.Reason != ReasonNoSeeds || res.Truncated {
		t.Fatalf("result: %+v", res)
	}
}

func TestKHopDeterministic(t *testing.T) {
	now := time.Now()
	g := newGraph(ent("s", 1, now), ent("x", 0.6, now), ent("y", 0.6, now), ent("z", 0.6, now))
	link(g, "s", "z")
	link(g, "s", "x")
	link(g, "s", "y")

	e := New(g)
	req := Request{Mode: ModeKHop, Seeds: []string{"s"}, Depth: 1}
	first, err := e.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(nodeIDs(first), nodeIDs(second)) {
		t.Fatalf("order unstable: %v vs %v", nodeIDs(first), nodeIDs(second))
	}
	if !reflect.DeepEqual(first.Edges, second.Edges) {
		t.Fatal("edge order unstable")
	}
}

func TestKHopTimeoutReturnsPartial(t *testing.T) {
	now := time.Now()
	g := newGraph(ent("s", 1, now), ent("a", 0.9, now), ent("b", 0.8, now))
	link(g, "s", "a")
	link(g, "a", "b")
	g.expandDelay = 80 * time.Millisecond

	e := New(g)
	res, err := e.Retrieve(context.Background(), Request{
		Mode: ModeKHop, Seeds: []string{"s"}, Depth: 3, TimeoutMS: 20,
	})
	if err != nil {
		t.Fatalf("deadline must yield a partial result, not an error: %v", err)
	}
	if !res.Truncated || res.Reason != ReasonTimeout {
		t.Fatalf("result: %+v", res)
	}
	// The first level finished before the deadline check.
	if len(res.Nodes) < 1 {
		t.Fatalf("partial subgraph missing: %+v", res)
	}
}

func TestPathMode(t *testing.T) {
	now := time.Now()
	g := newGraph(ent("a", 1, now), ent("m", 1, now), ent("b", 1, now))
	g.pathNodes = []domain.Entity{g.entities["a"], g.entities["m"], g.entities["b"]}
	g.pathRels = []domain.Relation{edge("a", "m"), edge("m", "b")}

	e := New(g)
	res, err := e.Retrieve(context.Background(), Request{Mode: ModePath, PathFrom: "a", PathTo: "b", Depth: 4})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(res.Nodes) != 3 || len(res.Edges) != 2 || res.Truncated {
		t.Fatalf("result: %+v", res)
	}
}

func TestPathModeAbsent(t *testing.T) {
	e := New(newGraph())
	res, err := e.Retrieve(context.Background(), Request{Mode: ModePath, PathFrom: "a", PathTo: "b"})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if res.Truncated || res.Reason != ReasonNoPath || len(res.Nodes) != 0 {
		t.Fatalf("result: %+v", res)
	}
}

type fixedScorer struct {
	seeds []Seed
	err   error
	name  string
}

func (s *fixedScorer) Name() string { return s.name }
func (s *fixedScorer) Seeds(_ context.Context, _ string, _ int) ([]Seed, error) {
	return s.seeds, s.err
}

func TestSemanticModeUsesScorer(t *testing.T) {
	now := time.Now()
	g := newGraph(ent("svc:api", 1, now), ent("svc:db", 0.9, now))
	link(g, "svc:api", "svc:db")

	e := New(g, WithSeedScorer(&fixedScorer{name: "vector", seeds: []Seed{{EntityID: "svc:api", Score: 0.95}}}))
	res, err := e.Retrieve(context.Background(), Request{Mode: ModeSemantic, Query: "api service", Depth: 1})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got := nodeIDs(res); !reflect.DeepEqual(got, []string{"svc:api", "svc:db"}) {
		t.Fatalf("nodes = %v", got)
	}
}

func TestSemanticModeKeepsScorerRanking(t *testing.T) {
	now := time.Now()
	// Lexical order would put "alpha" first; the scorer ranks "zeta" higher.
	g := newGraph(ent("zeta", 0.6, now), ent("alpha", 0.6, now))

	e := New(g, WithSeedScorer(&fixedScorer{name: "vector", seeds: []Seed{
		{EntityID: "zeta", Score: 0.95},
		{EntityID: "alpha", Score: 0.40},
	}}))
	res, err := e.Retrieve(context.Background(), Request{
		Mode: ModeSemantic, Query: "z things", Depth: 1, NodeBudget: 1,
	})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got := nodeIDs(res); !reflect.DeepEqual(got, []string{"zeta"}) {
		t.Fatalf("budget should admit the best-scored seed: %v", got)
	}
}

func TestSemanticModeFallsBackToLexical(t *testing.T) {
	now := time.Now()
	g := newGraph(ent("svc:api", 1, now))
	g.search = []domain.Entity{g.entities["svc:api"]}

	e := New(g, WithSeedScorer(&fixedScorer{name: "vector", err: errors.New("qdrant down")}))
	res, err := e.Retrieve(context.Background(), Request{Mode: ModeSemantic, Query: "api"})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got := nodeIDs(res); !reflect.DeepEqual(got, []string{"svc:api"}) {
		t.Fatalf("lexical fallback failed: %v", got)
	}
}

func TestSemanticModeNoSeeds(t *testing.T) {
	e := New(newGraph())
	res, err := e.Retrieve(context.Background(), Request{Mode: ModeSemantic, Query: "nothing matches"})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if res.Reason != ReasonNoSeeds {
		t.Fatalf("result: %+v", res)
	}
}

func TestBadRequests(t *testing.T) {
	e := New(newGraph())
	reqs := []Request{
		{Mode: ModeKHop},
		{Mode: ModeSemantic},
		{Mode: ModePath, PathFrom: "a"},
		{Mode: "teleport"},
	}
	for _, req := range reqs {
		if _, err := e.Retrieve(context.Background(), req); !errors.Is(err, ErrBadRequest) {
			t.Errorf("%+v: expected ErrBadRequest, got %v", req, err)
		}
	}
}

func TestDepthClamped(t *testing.T) {
	now := time.Now()
	g := newGraph(ent("s", 1, now))
	e := New(g)
	if _, err := e.Retrieve(context.Background(), Request{Mode: ModeKHop, Seeds: []string{"s"}, Depth: 50}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if g.expandCalls > MaxDepth {
		t.Fatalf("depth not clamped: %d expand calls", g.expandCalls)
	}
}
