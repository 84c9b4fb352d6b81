// Command etl runs one ingestion job from a JSON config file and prints
// the resulting job report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/kgraphio/kgraph/engine/etl"
	"github.com/kgraphio/kgraph/engine/extract"
	"github.com/kgraphio/kgraph/engine/graph"
	"github.com/kgraphio/kgraph/engine/semantic"
	"github.com/kgraphio/kgraph/pkg/metrics"
	"github.com/kgraphio/kgraph/pkg/ollama"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var met = metrics.New()

func main() {
	var (
		jobPath     = flag.String("job", "", "path to the JSON job config (required)")
		neo4jURL    = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser   = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass   = flag.String("neo4j-pass", "password", "Neo4j password")
		qdrantAddr  = flag.String("qdrant", "", "Qdrant gRPC address (empty disables vector indexing)")
		collection  = flag.String("collection", "kgraph", "Qdrant collection name")
		vectorDims  = flag.Int("dims", 768, "embedding dimensions")
		ollamaURL   = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		embedModel  = flag.String("embed-model", "nomic-embed-text", "Ollama embedding model")
		genModel    = flag.String("gen-model", "llama3.2", "Ollama generation model")
		metricsPort = flag.Int("metrics-port", 9091, "Prometheus metrics port (0 disables)")
		reportJSON  = flag.Bool("json", false, "print the report as JSON")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if *jobPath == "" {
		fmt.Fprintln(os.Stderr, "usage: etl -job <config.json> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	job, err := etl.LoadJobConfig(*jobPath)
	if err != nil {
		log.Error("bad job config", "path", *jobPath, "error", err)
		os.Exit(1)
	}

	if *metricsPort > 0 {
		met.CollectRuntime("kgraph_etl", 15*time.Second)
		met.ServeAsync(*metricsPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Connect Neo4j
	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		log.Error("neo4j connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Error("neo4j verify failed", "error", err)
		os.Exit(1)
	}
	log.Info("connected to Neo4j")

	store := graph.New(driver)
	store.Instrument(met)

	opts := []etl.Option{etl.WithLogger(log)}

	// Optional vector indexing
	if *qdrantAddr != "" {
		vs, err := semantic.New(*qdrantAddr, *collection)
		if err != nil {
			log.Error("qdrant connect failed", "error", err)
			os.Exit(1)
		}
		defer vs.Close()
		if err := vs.EnsureCollection(ctx, *vectorDims); err != nil {
			log.Error("qdrant ensure collection failed", "error", err)
			os.Exit(1)
		}
		embedder := ollama.NewEmbedClient(*ollamaURL, *embedModel)
		opts = append(opts, etl.WithIndexer(semantic.NewIndexer(embedder, vs)))
		log.Info("vector indexing enabled", "collection", *collection, "dims", *vectorDims)
	}

	// Extraction chain, only built when the job asks for it
	if job.Extraction.Enabled {
		chainOpts := []extract.ChainOption{extract.WithLogger(log)}
		if job.Extraction.Threshold > 0 {
			chainOpts = append(chainOpts, extract.WithThreshold(job.Extraction.Threshold))
		}
		chain := extract.NewChain(
			[]extract.Extractor{
				extract.NewRuleExtractor(),
				extract.NewLLMExtractor(ollama.NewGenerateClient(*ollamaURL, *genModel)),
			},
			chainOpts...,
		)
		opts = append(opts, etl.WithExtractor(chain))
	}

	engine := etl.New(store, opts...)
	engine.Instrument(met)

	src, err := openSource(job)
	if err != nil {
		log.Error("open source failed", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	report, err := engine.Run(ctx, job, src)
	if err != nil {
		log.Error("job failed", "job", job.Name, "error", err)
		os.Exit(1)
	}

	printReport(os.Stdout, report, *reportJSON)
	if report.TimedOut {
		os.Exit(1)
	}
}

func openSource(job etl.JobConfig) (etl.Source, error) {
	switch job.Source.Type {
	case "jsonl":
		return etl.OpenJSONL(job.Source.Path)
	case "inline":
		return nil, fmt.Errorf("inline sources are only served over the API")
	}
	return nil, fmt.Errorf("unknown source type %q", job.Source.Type)
}

func printReport(w *os.File, report *etl.JobReport, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		return
	}

	fmt.Fprintf(w, "job %s (%s) finished in %s\n", report.Job, report.JobID, report.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  records in:        %d\n", report.RecordsIn)
	fmt.Fprintf(w, "  accepted:          %d\n", report.Accepted)
	fmt.Fprintf(w, "  rejected:          %d\n", len(report.Rejected))
	fmt.Fprintf(w, "  entities created:  %d\n", report.Stats.EntitiesCreated)
	fmt.Fprintf(w, "  entities merged:   %d\n", report.Stats.EntitiesMerged)
	fmt.Fprintf(w, "  relations created: %d\n", report.Stats.RelationsCreated)
	fmt.Fprintf(w, "  relations merged:  %d\n", report.Stats.RelationsMerged)
	fmt.Fprintf(w, "  relations skipped: %d\n", report.Stats.RelationsSkipped)
	if report.Degraded > 0 {
		fmt.Fprintf(w, "  degraded records:  %d\n", report.Degraded)
	}
	if report.TimedOut {
		fmt.Fprintln(w, "  job hit its deadline; unprocessed records were marked not_attempted")
	}
	if len(report.Rejected) > 0 {
		fmt.Fprintln(w, "rejections:")
		byReason := make(map[string]int)
		for _, r := range report.Rejected {
			byReason[r.Reason]++
		}
		for reason, n := range byReason {
			fmt.Fprintf(w, "  %-20s %d\n", reason, n)
		}
	}
}
