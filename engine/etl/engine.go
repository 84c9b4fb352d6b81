package etl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kgraphio/kgraph/engine/domain"
	"github.com/kgraphio/kgraph/engine/extract"
	"github.com/kgraphio/kgraph/engine/graph"
	"github.com/kgraphio/kgraph/pkg/fn"
	"github.com/kgraphio/kgraph/pkg/metrics"
)

// ReasonExtraction marks records whose primary extraction stage failed.
const ReasonExtraction = "extraction_failed"

// GraphWriter is the slice of the graph store the engine writes through.
type GraphWriter interface {
	UpsertBatch(ctx context.Context, entities []domain.Entity, relations []domain.Relation) (graph.UpsertStats, error)
}

// EntityIndexer pushes entities into the vector index after a graph write.
type EntityIndexer interface {
	Index(ctx context.Context, entities []domain.Entity) error
}

// DocExtractor runs candidate extraction over a document.
type DocExtractor interface {
	Run(ctx context.Context, doc extract.Document) (extract.Outcome, error)
}

// JobReport is the outcome of one ingestion run.
type JobReport struct {
	JobID     string            `json:"job_id"`
	Job       string            `json:"job"`
	RecordsIn int               `json:"records_in"`
	Accepted  int               `json:"accepted"`
	Rejected  []Rejection       `json:"rejected,omitempty"`
	Stats     graph.UpsertStats `json:"stats"`
	Degraded  int               `json:"degraded,omitempty"` // records with degraded extraction
	TimedOut  bool              `json:"timed_out,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// Engine runs ingestion jobs: transform, validate, batch, write.
type Engine struct {
	store     GraphWriter
	indexer   EntityIndexer
	extractor DocExtractor
	log       *slog.Logger
	retry     fn.RetryOpts

	recordsIn  *metrics.Counter
	accepted   *metrics.Counter
	rejections *metrics.Counter
	batches    *metrics.Counter
	batchDur   *metrics.Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithIndexer wires the vector indexer; entities are indexed after each
// successful batch write.
func WithIndexer(ix EntityIndexer) Option {
	return func(e *Engine) { e.indexer = ix }
}

// WithExtractor wires the extraction chain for jobs that enable it.
func WithExtractor(x DocExtractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRetry overrides the per-batch retry policy.
func WithRetry(opts fn.RetryOpts) Option {
	return func(e *Engine) { e.retry = opts }
}

// New creates an ingestion Engine.
func New(store GraphWriter, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   slog.Default(),
		retry: fn.DefaultRetry,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Instrument registers the engine's counters and histograms.
func (e *Engine) Instrument(reg *metrics.Registry) {
	e.recordsIn = reg.Counter("kgraph_etl_records_total", "Records pulled from sources")
	e.accepted = reg.Counter("kgraph_etl_accepted_total", "Records written to the graph")
	e.rejections = reg.Counter("kgraph_etl_rejections_total", "Records rejected")
	e.batches = reg.Counter("kgraph_etl_batches_total", "Batches written")
	e.batchDur = reg.Histogram("kgraph_etl_batch_seconds", "Batch write duration", nil)
}

// unit is one record's write set after transformation.
type unit struct {
	recordID  string
	entities  []domain.Entity
	relations []domain.Relation
	degraded  bool
}

// item carries a record and its accumulating write set through the
// per-record stages.
type item struct {
	rec RawRecord
	u   unit
}

// rejectionError carries a per-record rejection out of a failed stage.
type rejectionError struct {
	rej Rejection
}

func (e *rejectionError) Error() string {
	if e.rej.Detail == "" {
		return e.rej.Reason
	}
	return e.rej.Reason + ": " + e.rej.Detail
}

func reject(recordID, reason, detail string) *rejectionError {
	return &rejectionError{rej: Rejection{RecordID: recordID, Reason: reason, Detail: detail}}
}

// Run executes one job. Records flow pull → transform/validate (+extraction)
// → batch → bounded worker pool → one upsert transaction per batch. A failed
// batch rejects only its own records; a job timeout stops dispatch and marks
// unread and unwritten records not_attempted.
func (e *Engine) Run(ctx context.Context, job JobConfig, src Source) (*JobReport, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if job.Extraction.Enabled && e.extractor == nil {
		return nil, &domain.ConfigError{Field: "extraction", Detail: "job enables extraction but the engine has no extractor"}
	}

	report := &JobReport{JobID: uuid.NewString(), Job: job.Name}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	if t := job.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	e.log.Info("etl: job started", "job", job.Name, "job_id", report.JobID,
		"batch_size", job.BatchSize, "workers", job.Workers)

	units := e.pull(ctx, job, src, report)
	e.write(ctx, job, units, report)

	report.TimedOut = ctx.Err() != nil
	if e.rejections != nil {
		e.rejections.Add(int64(len(report.Rejected)))
	}
	e.log.Info("etl: job finished", "job", job.Name, "job_id", report.JobID,
		"records", report.RecordsIn, "accepted", report.Accepted,
		"rejected", len(report.Rejected), "timed_out", report.TimedOut)
	return report, nil
}

// pull drains the source, running each record through the per-record
// pipeline. A record is all-or-nothing: its first rejection is terminal.
// Records still unread when the job deadline passes are reported
// not_attempted rather than dropped.
func (e *Engine) pull(ctx context.Context, job JobConfig, src Source, report *JobReport) []unit {
	prov := domain.Provenance{Source: job.Name, Method: "etl"}
	pipeline := e.recordPipeline(job, prov, time.Now().UTC())

	var units []unit
	for {
		if ctx.Err() != nil {
			e.drain(src, report)
			break
		}
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			e.drain(src, report)
			break
		}
		if err != nil {
			report.RecordsIn++
			report.Rejected = append(report.Rejected, Rejection{
				RecordID: rec.ID, Reason: ReasonUnparsable, Detail: err.Error(),
			})
			continue
		}
		report.RecordsIn++
		if e.recordsIn != nil {
			e.recordsIn.Inc()
		}

		res := pipeline(ctx, rec)
		if res.IsErr() {
			_, perr := res.Unwrap()
			var rejErr *rejectionError
			if errors.As(perr, &rejErr) {
				report.Rejected = append(report.Rejected, rejErr.rej)
			} else {
				report.Rejected = append(report.Rejected, Rejection{
					RecordID: rec.ID, Reason: ReasonExtraction, Detail: perr.Error(),
				})
			}
			continue
		}
		u, _ := res.Unwrap()
		if u.degraded {
			report.Degraded++
		}
		if len(u.entities) == 0 && len(u.relations) == 0 {
			continue
		}
		units = append(units, u)
	}
	return units
}

// drain accounts for records the job deadline left unread. The sources
// refuse an expired context, so the leftovers are read with a fresh one;
// nothing is transformed or written.
func (e *Engine) drain(src Source, report *JobReport) {
	for {
		rec, err := src.Next(context.Background())
		if err != nil && rec.ID == "" {
			// EOF, or a source error with no record to attribute.
			return
		}
		report.RecordsIn++
		report.Rejected = append(report.Rejected, Rejection{RecordID: rec.ID, Reason: ReasonNotAttempted})
	}
}

// recordPipeline composes the per-record stages: field mapping, a debug tap,
// and extraction when the job enables it. Each real stage runs in its own
// span; the final stage projects the accumulated write set.
func (e *Engine) recordPipeline(job JobConfig, prov domain.Provenance, now time.Time) fn.Stage[RawRecord, unit] {
	stages := []fn.Stage[item, item]{
		fn.TapStage(func(_ context.Context, it item) {
			e.log.Debug("etl: record mapped", "record_id", it.rec.ID,
				"entities", len(it.u.entities), "relations", len(it.u.relations))
		}),
	}
	if job.Extraction.Enabled {
		stages = append(stages, fn.TracedStage("etl.extract", e.extractStage(job, now)))
	}
	mapped := fn.TracedStage("etl.transform", e.mapStage(job, prov, now))
	return fn.Then(fn.Then(mapped, fn.Pipeline(stages...)),
		fn.MapStage(func(it item) unit { return it.u }))
}

// mapStage applies the job's declarative field mappings to one record.
func (e *Engine) mapStage(job JobConfig, prov domain.Provenance, now time.Time) fn.Stage[RawRecord, item] {
	return func(_ context.Context, rec RawRecord) fn.Result[item] {
		it := item{rec: rec, u: unit{recordID: rec.ID}}
		for _, m := range job.Entities {
			ent, rej := TransformEntity(rec, m, prov, now)
			if rej != nil {
				return fn.Err[item](&rejectionError{rej: *rej})
			}
			it.u.entities = append(it.u.entities, ent)
		}
		for _, m := range job.Relations {
			rel, rej := TransformRelation(rec, m, prov, now)
			if rej != nil {
				return fn.Err[item](&rejectionError{rej: *rej})
			}
			it.u.relations = append(it.u.relations, rel)
		}
		return fn.Ok(it)
	}
}

// extractStage runs candidate extraction over the record's text field.
// Candidates obey the same contracts as mapped values: one that fails
// validation rejects the whole record.
func (e *Engine) extractStage(job JobConfig, now time.Time) fn.Stage[item, item] {
	return func(ctx context.Context, it item) fn.Result[item] {
		text := toString(it.rec.Fields[job.Extraction.TextField])
		if text == "" {
			return fn.Ok(it)
		}
		outcome, err := e.extractor.Run(ctx, extract.Document{
			ID: it.rec.ID, Source: job.Name, Text: text,
		})
		if err != nil {
			return fn.Err[item](reject(it.rec.ID, ReasonExtraction, err.Error()))
		}
		it.u.degraded = outcome.Degraded
		for _, c := range outcome.Candidates.Entities {
			ent := entityFromCandidate(c, job.Name, now)
			if err := domain.ValidateEntity(ent); err != nil {
				return fn.Err[item](reject(it.rec.ID, ReasonValidation, err.Error()))
			}
			it.u.entities = append(it.u.entities, ent)
		}
		for _, c := range outcome.Candidates.Relations {
			rel := relationFromCandidate(c, job.Name, now)
			if err := domain.ValidateRelation(rel); err != nil {
				return fn.Err[item](reject(it.rec.ID, ReasonValidation, err.Error()))
			}
			it.u.relations = append(it.u.relations, rel)
		}
		return fn.Ok(it)
	}
}

func entityFromCandidate(c extract.EntityCandidate, source string, now time.Time) domain.Entity {
	return domain.Entity{
		ID: c.ID, Type: c.Type, Name: c.Name, Description: c.Description,
		Tags:       c.Tags,
		Confidence: c.Confidence,
		ObservedAt: now,
		Provenance: domain.Provenance{Source: source, Method: c.Method},
	}
}

func relationFromCandidate(c extract.RelationCandidate, source string, now time.Time) domain.Relation {
	return domain.Relation{
		Type: c.Type, SourceID: c.SourceID, TargetID: c.TargetID,
		Confidence: c.Confidence,
		ObservedAt: now,
		Provenance: domain.Provenance{Source: source, Method: c.Method},
	}
}

// batchOutcome is one batch's result, joined back into the report in order.
type batchOutcome struct {
	recordIDs    []string
	stats        graph.UpsertStats
	accepted     int
	failErr      error
	notAttempted bool
}

// write batches the units and drives them through a bounded worker pool.
func (e *Engine) write(ctx context.Context, job JobConfig, units []unit, report *JobReport) {
	if len(units) == 0 {
		return
	}

	var groups [][]unit
	for i := 0; i < len(units); i += job.BatchSize {
		end := i + job.BatchSize
		if end > len(units) {
			end = len(units)
		}
		groups = append(groups, units[i:end])
	}

	results := fn.ParMapResult(groups, job.Workers, func(group []unit) fn.Result[batchOutcome] {
		return fn.Ok(e.writeBatch(ctx, group))
	})

	for _, res := range results {
		out, _ := res.Unwrap()
		switch {
		case out.notAttempted:
			for _, id := range out.recordIDs {
				report.Rejected = append(report.Rejected, Rejection{RecordID: id, Reason: ReasonNotAttempted})
			}
		case out.failErr != nil:
			for _, id := range out.recordIDs {
				report.Rejected = append(report.Rejected, Rejection{
					RecordID: id, Reason: ReasonStoreWrite, Detail: out.failErr.Error(),
				})
			}
		default:
			report.Accepted += out.accepted
			report.Stats.Add(out.stats)
		}
	}
	if e.accepted != nil {
		e.accepted.Add(int64(report.Accepted))
	}
}

func (e *Engine) writeBatch(ctx context.Context, group []unit) batchOutcome {
	out := batchOutcome{accepted: len(group)}
	var (
		entities  []domain.Entity
		relations []domain.Relation
	)
	for _, u := range group {
		out.recordIDs = append(out.recordIDs, u.recordID)
		entities = append(entities, u.entities...)
		relations = append(relations, u.relations...)
	}

	// Deadline hit before this batch was dispatched: in-flight batches
	// finish, queued ones do not start.
	if ctx.Err() != nil {
		return batchOutcome{recordIDs: out.recordIDs, notAttempted: true}
	}

	upsert := fn.RetryStage(e.retry, func(ctx context.Context, _ []unit) fn.Result[graph.UpsertStats] {
		return fn.FromPair(e.store.UpsertBatch(ctx, entities, relations))
	})

	start := time.Now()
	res := upsert(ctx, group)
	if e.batches != nil {
		e.batches.Inc()
		e.batchDur.Since(start)
	}

	stats, err := res.Unwrap()
	if err != nil {
		e.log.Error("etl: batch write failed", "records", len(group), "error", err)
		return batchOutcome{recordIDs: out.recordIDs, failErr: err}
	}
	out.stats = stats

	if e.indexer != nil && len(entities) > 0 {
		// The graph write already landed; a missing vector only degrades
		// semantic seeding, so log and move on.
		if err := e.indexer.Index(ctx, entities); err != nil {
			e.log.Warn("etl: vector index failed", "entities", len(entities), "error", err)
		}
	}
	return out
}
