// Package main implements the kgraph API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kgraphio/kgraph/engine/domain"
	"github.com/kgraphio/kgraph/engine/etl"
	"github.com/kgraphio/kgraph/engine/extract"
	"github.com/kgraphio/kgraph/engine/graph"
	"github.com/kgraphio/kgraph/engine/retrieve"
	"github.com/kgraphio/kgraph/engine/semantic"
	"github.com/kgraphio/kgraph/pkg/metrics"
	"github.com/kgraphio/kgraph/pkg/mid"
	"github.com/kgraphio/kgraph/pkg/ollama"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	Neo4jURL   string
	Neo4jUser  string
	Neo4jPass  string
	QdrantURL  string
	Collection string
	VectorDims int
	OllamaURL  string
	EmbedModel string
	GenModel   string
	CORSOrigin string
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		Neo4jURL:   envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:  envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:  envOr("NEO4J_PASS", "password"),
		QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "kgraph"),
		VectorDims: envIntOr("VECTOR_DIMS", 768),
		OllamaURL:  envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel: envOr("EMBED_MODEL", "nomic-embed-text"),
		GenModel:   envOr("GEN_MODEL", "llama3.2"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.CollectRuntime("kgraph_api", 15*time.Second)

	// --- Connect to Neo4j ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)

	graphStore := graph.New(driver)
	graphStore.Instrument(reg)

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.VectorDims); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}

	// --- Ollama clients ---
	embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel)
	generator := ollama.NewGenerateClient(cfg.OllamaURL, cfg.GenModel)

	// --- Extraction chain: rules first, LLM fallback ---
	chain := extract.NewChain(
		[]extract.Extractor{
			extract.NewRuleExtractor(),
			extract.NewLLMExtractor(generator),
		},
		extract.WithLogger(logger),
	)

	// --- Ingestion engine ---
	ingestEngine := etl.New(graphStore,
		etl.WithIndexer(semantic.NewIndexer(embedder, vectorStore)),
		etl.WithExtractor(chain),
		etl.WithLogger(logger),
	)
	ingestEngine.Instrument(reg)

	// --- Retrieval engine ---
	retrieveEngine := retrieve.New(graphStore,
		retrieve.WithSeedScorer(&retrieve.VectorSeeds{Embed: embedder, Store: vectorStore}),
		retrieve.WithLogger(logger),
	)
	retrieveEngine.Instrument(reg)

	// --- Build HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/stats", handleStats(graphStore, logger))
	mux.HandleFunc("GET /api/entity/{id}", handleEntity(graphStore, logger))
	mux.HandleFunc("POST /api/ingest", handleIngest(ingestEngine, logger))
	mux.HandleFunc("POST /api/retrieve", handleRetrieve(retrieveEngine, logger))
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.Metrics(reg),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("kgraph-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleStats(store *graph.GraphStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats(r.Context())
		if err != nil {
			logger.Error("stats query failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func handleEntity(store *graph.GraphStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ent, err := store.EntityByID(r.Context(), r.PathValue("id"))
		if errors.Is(err, graph.ErrNotFound) {
			http.Error(w, `{"error":"entity not found"}`, http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("entity lookup failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ent)
	}
}

// IngestRequest is the JSON body for POST /api/ingest: an inline job
// definition plus the records to run through it.
type IngestRequest struct {
	Job     etl.JobConfig    `json:"job"`
	Records []map[string]any `json:"records"`
}

func handleIngest(engine *etl.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if len(req.Records) == 0 {
			http.Error(w, `{"error":"records are required"}`, http.StatusBadRequest)
			return
		}

		req.Job.Source = etl.SourceConfig{Type: "inline"}
		records := make([]etl.RawRecord, len(req.Records))
		for i, fields := range req.Records {
			id, _ := fields["id"].(string)
			if id == "" {
				id = fmt.Sprintf("record:%d", i)
			}
			records[i] = etl.RawRecord{ID: id, Fields: fields}
		}

		report, err := engine.Run(r.Context(), req.Job, etl.NewSliceSource(records))
		if domain.IsConfig(err) {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.Error("ingest job failed", "job", req.Job.Name, "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func handleRetrieve(engine *retrieve.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retrieve.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		result, err := engine.Retrieve(r.Context(), req)
		if errors.Is(err, retrieve.ErrBadRequest) {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.Error("retrieve failed", "mode", req.Mode, "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}
