package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// fakeResult replays canned records.
type fakeResult struct {
	records []*neo4j.Record
	pos     int
}

func (f *fakeResult) Next(context.Context) bool {
	if f.pos >= len(f.records) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeResult) Record() *neo4j.Record { return f.records[f.pos-1] }

// fakeRunner captures queries and returns canned results.
type fakeRunner struct {
	lastCypher string
	lastParams map[string]any
	result     *fakeResult
	err        error
	closed     bool
}

func (f *fakeRunner) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	f.lastCypher = cypher
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRunner) Close(context.Context) error {
	f.closed = true
	return nil
}

func newTestRepo(r *fakeRunner) *Neo4jRepo[map[string]any, string] {
	repo := NewNeo4jRepo[map[string]any, string](
		nil,
		"Entity",
		func(m map[string]any) map[string]any { return m },
		func(rec *neo4j.Record) (map[string]any, error) {
			v, ok := rec.Get("n")
			if !ok {
				return nil, errors.New("no n column")
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, errors.New("unexpected type")
			}
			return m, nil
		},
	)
	repo.newSession = func(context.Context) runner { return r }
	return repo
}

func record(props map[string]any) *neo4j.Record {
	return &neo4j.Record{Values: []any{props}, Keys: []string{"n"}}
}

func TestNewNeo4jRepoDefaults(t *testing.T) {
	r := NewNeo4jRepo[map[string]any, string](nil, "Node", nil, nil)
	if r.idKey != "id" {
		t.Fatalf("expected default idKey=id, got %s", r.idKey)
	}
	r2 := NewNeo4jRepo[map[string]any, string](
		nil, "Node", nil, nil,
		WithIDKey[map[string]any, string]("uuid"),
	)
	if r2.idKey != "uuid" {
		t.Fatalf("expected idKey=uuid, got %s", r2.idKey)
	}
}

func TestGet(t *testing.T) {
	run := &fakeRunner{result: &fakeResult{records: []*neo4j.Record{
		record(map[string]any{"id": "p1", "name": "Proj"}),
	}}}
	repo := newTestRepo(run)

	got, err := repo.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["name"] != "Proj" {
		t.Fatalf("got %v", got)
	}
	if run.lastParams["id"] != "p1" {
		t.Fatalf("id should be a bound parameter, params=%v", run.lastParams)
	}
	if !run.closed {
		t.Fatal("session not closed")
	}
}

func TestGetNotFound(t *testing.T) {
	run := &fakeRunner{result: &fakeResult{}}
	repo := newTestRepo(run)
	if _, err := repo.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestListDefaultsLimit(t *testing.T) {
	run := &fakeRunner{result: &fakeResult{records: []*neo4j.Record{
		record(map[string]any{"id": "a"}),
		record(map[string]any{"id": "b"}),
	}}}
	repo := newTestRepo(run)

	items, err := repo.List(context.Background(), ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if run.lastParams["limit"] != 100 {
		t.Fatalf("expected default limit 100, got %v", run.lastParams["limit"])
	}
}

func TestUpsertBindsProps(t *testing.T) {
	run := &fakeRunner{result: &fakeResult{}}
	repo := newTestRepo(run)

	err := repo.Upsert(context.Background(), map[string]any{"id": "p1", "name": "Proj"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if run.lastParams["id"] != "p1" {
		t.Fatalf("id param missing: %v", run.lastParams)
	}
	props, ok := run.lastParams["props"].(map[string]any)
	if !ok || props["name"] != "Proj" {
		t.Fatalf("props param missing: %v", run.lastParams)
	}
}

func TestRunError(t *testing.T) {
	boom := errors.New("connection reset")
	run := &fakeRunner{err: boom}
	repo := newTestRepo(run)
	if _, err := repo.Get(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
