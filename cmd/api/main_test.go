package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kgraphio/kgraph/engine/domain"
	"github.com/kgraphio/kgraph/engine/etl"
	"github.com/kgraphio/kgraph/engine/graph"
	"github.com/kgraphio/kgraph/engine/retrieve"
)

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/health", nil)
	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestIngestEndpoint_InvalidJSON(t *testing.T) {
	handler := handleIngest(nil, slog.Default())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/ingest", bytes.NewBufferString("not json"))
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngestEndpoint_NoRecords(t *testing.T) {
	handler := handleIngest(nil, slog.Default())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/ingest", bytes.NewBufferString(`{"job":{"name":"x"}}`))
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type nullWriter struct{}

func (nullWriter) UpsertBatch(_ context.Context, entities []domain.Entity, _ []domain.Relation) (graph.UpsertStats, error) {
	return graph.UpsertStats{EntitiesCreated: int64(len(entities))}, nil
}

func TestIngestEndpoint_RunsInlineJob(t *testing.T) {
	engine := etl.New(nullWriter{})
	handler := handleIngest(engine, slog.Default())

	body := `{
		"job": {
			"name": "inline-tools",
			"entities": [{
				"type": "Tool",
				"fields": [
					{"source_field": "id", "target_property": "id"},
					{"source_field": "name", "target_property": "name"}
				]
			}]
		},
		"records": [{"id": "tool:rg", "name": "ripgrep"}]
	}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/ingest", bytes.NewBufferString(body))
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report etl.JobReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Accepted != 1 || report.Stats.EntitiesCreated != 1 {
		t.Fatalf("report: %+v", report)
	}
}

func TestIngestEndpoint_BadJobConfig(t *testing.T) {
	engine := etl.New(nullWriter{})
	handler := handleIngest(engine, slog.Default())

	// Job with no mappings at all is a config error, not a server error.
	body := `{"job": {"name": "empty"}, "records": [{"id": "a"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/ingest", bytes.NewBufferString(body))
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

type emptyReader struct{}

func (emptyReader) EntityByID(context.Context, string) (domain.Entity, error) {
	return domain.Entity{}, graph.ErrNotFound
}
func (emptyReader) Expand(context.Context, []string) ([]graph.Neighbor, error) { return nil, nil }
func (emptyReader) SearchEntities(context.Context, string, int) ([]domain.Entity, error) {
	return nil, nil
}
func (emptyReader) ShortestPath(context.Context, string, string, int) ([]domain.Entity, []domain.Relation, error) {
	return nil, nil, nil
}

func TestRetrieveEndpoint_BadRequest(t *testing.T) {
	engine := retrieve.New(emptyReader{})
	handler := handleRetrieve(engine, slog.Default())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/retrieve", bytes.NewBufferString(`{"mode":"khop"}`))
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRetrieveEndpoint_NoSeeds(t *testing.T) {
	engine := retrieve.New(emptyReader{})
	handler := handleRetrieve(engine, slog.Default())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/retrieve", bytes.NewBufferString(`{"mode":"khop","seeds":["ghost"]}`))
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result retrieve.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Reason != retrieve.ReasonNoSeeds {
		t.Fatalf("result: %+v", result)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfig()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Collection != "kgraph" {
		t.Fatalf("expected default collection kgraph, got %s", cfg.Collection)
	}
	if cfg.VectorDims != 768 {
		t.Fatalf("expected default dims 768, got %d", cfg.VectorDims)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_ENV_VAR_XYZ", "custom")
	if v := envOr("TEST_ENV_VAR_XYZ", "custom"); v != "custom" {
		t.Fatalf("expected custom, got %s", v)
	}
	if v := envOr("NONEXISTENT_VAR_ABC", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %s", v)
	}
	t.Setenv("TEST_ENV_INT_XYZ", "42")
	if v := envIntOr("TEST_ENV_INT_XYZ", 7); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := envIntOr("TEST_ENV_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}
