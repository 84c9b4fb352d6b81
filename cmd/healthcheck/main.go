// Command healthcheck reports graph size and data-quality problems:
// stale entities, untagged entities, out-of-range confidence, and hub nodes.
// It exits non-zero when any quality check fails, for use in cron and CI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kgraphio/kgraph/engine/graph"
)

func main() {
	var (
		neo4jURL   = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser  = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass  = flag.String("neo4j-pass", "password", "Neo4j password")
		staleAfter = flag.Duration("stale-after", 90*24*time.Hour, "age after which an entity counts as stale")
		hubDegree  = flag.Int("hub-degree", 100, "degree above which a node counts as a hub")
		sample     = flag.Int("sample", 20, "sample IDs to list per finding")
		timeout    = flag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		log.Error("neo4j connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)

	store := graph.New(driver)

	stats, err := store.Stats(ctx)
	if err != nil {
		log.Error("stats query failed", "error", err)
		os.Exit(1)
	}

	report, err := store.Quality(ctx, graph.QualityOpts{
		StaleAfter:  *staleAfter,
		HubDegree:   int64(*hubDegree),
		SampleLimit: *sample,
	})
	if err != nil {
		log.Error("quality query failed", "error", err)
		os.Exit(1)
	}

	printReport(stats, report)

	if !report.Clean() {
		os.Exit(1)
	}
}

func printReport(stats graph.GraphStats, report *graph.QualityReport) {
	fmt.Printf("graph health at %s\n\n", report.GeneratedAt.Format(time.RFC3339))

	fmt.Printf("nodes: %d  relationships: %d\n", stats.Nodes, stats.Relationships)
	printCounts("nodes by type", stats.NodeCounts)
	printCounts("relationships by type", stats.RelCounts)

	fmt.Println()
	printFinding("stale entities", report.Stale, report.StaleSample)
	printFinding("untagged entities", report.Untagged, report.UntaggedSample)
	printFinding("bad confidence", report.BadConfidence, report.BadConfSample)

	if len(report.Hubs) > 0 {
		fmt.Printf("hub nodes (advisory): %d\n", len(report.Hubs))
		for _, h := range report.Hubs {
			fmt.Printf("  %s (%s) degree=%d\n", h.ID, h.Name, h.Degree)
		}
	}

	if report.Clean() {
		fmt.Println("\nall checks passed")
	} else {
		fmt.Println("\nquality checks FAILED")
	}
}

func printCounts(title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %-24s %d\n", k, counts[k])
	}
}

func printFinding(title string, count int64, sample []string) {
	status := "ok"
	if count > 0 {
		status = "FAIL"
	}
	fmt.Printf("%-20s %-5s count=%d\n", title, status, count)
	if len(sample) > 0 {
		fmt.Printf("  sample: %s\n", strings.Join(sample, ", "))
	}
}
