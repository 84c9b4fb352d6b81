// Command ingestd consumes ingestion records from NATS and writes them to
// the graph in micro-batches, dead-lettering records that keep failing.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kgraphio/kgraph/engine/etl"
	"github.com/kgraphio/kgraph/engine/extract"
	"github.com/kgraphio/kgraph/engine/graph"
	"github.com/kgraphio/kgraph/engine/semantic"
	"github.com/kgraphio/kgraph/pkg/metrics"
	"github.com/kgraphio/kgraph/pkg/natsutil"
	"github.com/kgraphio/kgraph/pkg/ollama"
)

var met = metrics.New()

func main() {
	var (
		jobPath     = flag.String("job", "", "path to the JSON job config (required)")
		natsURL     = flag.String("nats", nats.DefaultURL, "NATS server URL")
		neo4jURL    = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser   = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass   = flag.String("neo4j-pass", "password", "Neo4j password")
		qdrantAddr  = flag.String("qdrant", "", "Qdrant gRPC address (empty disables vector indexing)")
		collection  = flag.String("collection", "kgraph", "Qdrant collection name")
		vectorDims  = flag.Int("dims", 768, "embedding dimensions")
		ollamaURL   = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		embedModel  = flag.String("embed-model", "nomic-embed-text", "Ollama embedding model")
		genModel    = flag.String("gen-model", "llama3.2", "Ollama generation model")
		batchSize   = flag.Int("batch", 100, "micro-batch size")
		flushEvery  = flag.Duration("flush", 2*time.Second, "micro-batch flush interval")
		metricsPort = flag.Int("metrics-port", 9092, "Prometheus metrics port (0 disables)")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if *jobPath == "" {
		flag.PrintDefaults()
		os.Exit(2)
	}

	job, err := etl.LoadJobConfig(*jobPath)
	if err != nil {
		log.Error("bad job config", "path", *jobPath, "error", err)
		os.Exit(1)
	}

	if *metricsPort > 0 {
		met.CollectRuntime("kgraph_ingestd", 15*time.Second)
		met.ServeAsync(*metricsPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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
		log.Info("vector indexing enabled", "collection", *collection)
	}

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

	// Connect NATS
	nc, err := nats.Connect(*natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	consumer, err := etl.StartConsumer(ctx, nc, engine, etl.ConsumerOpts{
		Job:        job,
		BatchSize:  *batchSize,
		FlushEvery: *flushEvery,
		Logger:     log,
	})
	if err != nil {
		log.Error("start consumer failed", "error", err)
		os.Exit(1)
	}

	// Watch the dead-letter subject so drops are visible in logs and metrics
	// without a separate consumer process.
	deadLetters := met.Counter("kgraph_ingestd_dead_letters_total", "Records dead-lettered")
	dlqSub, err := natsutil.Subscribe(nc, etl.DLQSubject, func(_ context.Context, m etl.DLQMessage) {
		deadLetters.Inc()
		log.Warn("record dead-lettered", "record_id", m.Record["id"],
			"reason", m.Reason, "retries", m.Retries)
	})
	if err != nil {
		log.Error("dlq subscribe failed", "error", err)
		os.Exit(1)
	}
	defer dlqSub.Unsubscribe()

	log.Info("ingestd running", "job", job.Name, "subject", etl.RecordSubject,
		"batch", *batchSize, "flush", *flushEvery)

	<-ctx.Done()
	log.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		log.Error("consumer stop failed", "error", err)
	}
}
