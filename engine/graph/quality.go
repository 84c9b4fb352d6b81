package graph

import (
	"context"
	"time"
)

// QualityOpts tunes the data-quality sweep.
type QualityOpts struct {
	StaleAfter  time.Duration // entities not updated within this window count as stale
	HubDegree   int64         // degree above which a node counts as a hub
	SampleLimit int           // max example IDs reported per check
}

// DefaultQualityOpts mirror the governance sweep defaults.
func DefaultQualityOpts() QualityOpts {
	return QualityOpts{
		StaleAfter:  90 * 24 * time.Hour,
		HubDegree:   100,
		SampleLimit: 20,
	}
}

// Hub is a node with an unusually high degree.
type Hub struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Degree int64  `json:"degree"`
}

// QualityReport holds the result of a data-quality sweep over the graph.
type QualityReport struct {
	Stale          int64     `json:"stale"`
	StaleSample    []string  `json:"stale_sample,omitempty"`
	Untagged       int64     `json:"untagged"`
	UntaggedSample []string  `json:"untagged_sample,omitempty"`
	BadConfidence  int64     `json:"bad_confidence"`
	BadConfSample  []string  `json:"bad_confidence_sample,omitempty"`
	Hubs           []Hub     `json:"hubs,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Clean reports whether the sweep found nothing to flag. Hubs are advisory
// and do not fail the report.
func (r *QualityReport) Clean() bool {
	return r.Stale == 0 && r.Untagged == 0 && r.BadConfidence == 0
}

const staleCypher = `MATCH (n:Entity)
WHERE n.last_updated IS NULL OR n.last_updated < $cutoff
RETURN count(n) AS count, collect(n.id)[..$sample] AS sample`

const untaggedCypher = `MATCH (n:Entity)
WHERE n.tags IS NULL OR size(n.tags) = 0
RETURN count(n) AS count, collect(n.id)[..$sample] AS sample`

const badConfidenceCypher = `MATCH (n:Entity)
WHERE n.confidence IS NULL OR n.confidence < 0.0 OR n.confidence > 1.0
RETURN count(n) AS count, collect(n.id)[..$sample] AS sample`

const hubCypher = `MATCH (n:Entity)
WITH n, COUNT { (n)--() } AS degree
WHERE degree > $threshold
RETURN n.id AS id, n.name AS name, degree
ORDER BY degree DESC
LIMIT $sample`

// Quality sweeps the graph for stale, untagged, and out-of-range entities
// plus high-degree hubs.
func (g *GraphStore) Quality(ctx context.Context, opts QualityOpts) (*QualityReport, error) {
	def := DefaultQualityOpts()
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.HubDegree <= 0 {
		opts.HubDegree = def.HubDegree
	}
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = def.SampleLimit
	}
	defer g.observeRead(time.Now())

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	report := &QualityReport{GeneratedAt: time.Now().UTC()}
	cutoff := report.GeneratedAt.Add(-opts.StaleAfter)
	sample := int64(opts.SampleLimit)

	var err error
	report.Stale, report.StaleSample, err = countWithSample(ctx, sess, staleCypher,
		map[string]any{"cutoff": cutoff, "sample": sample})
	if err != nil {
		return nil, err
	}
	report.Untagged, report.UntaggedSample, err = countWithSample(ctx, sess, untaggedCypher,
		map[string]any{"sample": sample})
	if err != nil {
		return nil, err
	}
	report.BadConfidence, report.BadConfSample, err = countWithSample(ctx, sess, badConfidenceCypher,
		map[string]any{"sample": sample})
	if err != nil {
		return nil, err
	}

	res, err := sess.Run(ctx, hubCypher, map[string]any{"threshold": opts.HubDegree, "sample": sample})
	if err != nil {
		return nil, err
	}
	for res.Next(ctx) {
		rec := res.Record()
		h := Hub{}
		if v, ok := rec.Get("id"); ok {
			h.ID, _ = v.(string)
		}
		if v, ok := rec.Get("name"); ok {
			h.Name, _ = v.(string)
		}
		if v, ok := rec.Get("degree"); ok {
			h.Degree, _ = v.(int64)
		}
		report.Hubs = append(report.Hubs, h)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

func countWithSample(ctx context.Context, sess CypherSession, cypher string, params map[string]any) (int64, []string, error) {
	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return 0, nil, err
	}
	if !res.Next(ctx) {
		return 0, nil, res.Err()
	}
	rec := res.Record()
	var count int64
	if v, ok := rec.Get("count"); ok {
		count, _ = v.(int64)
	}
	var ids []string
	if v, ok := rec.Get("sample"); ok {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					ids = append(ids, s)
				}
			}
		}
	}
	return count, ids, nil
}
