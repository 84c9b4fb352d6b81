package etl

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kgraphio/kgraph/pkg/natsutil"
)

const (
	// RecordSubject carries individual ingestion records as JSON objects.
	RecordSubject = "kg.ingest.records"
	// DLQSubject receives records that failed MaxRetries times.
	DLQSubject = "kg.ingest.dlq"
	// MaxRetries before a failing record is dead-lettered.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// DLQMessage is published for records the consumer gave up on.
type DLQMessage struct {
	Record  map[string]any `json:"record"`
	Reason  string         `json:"reason"`
	Detail  string         `json:"detail,omitempty"`
	Retries int            `json:"retries"`
}

// ConsumerOpts configures a streaming consumer.
type ConsumerOpts struct {
	Job        JobConfig
	BatchSize  int           // micro-batch size, default 100
	FlushEvery time.Duration // max time a record waits in a batch, default 2s
	Logger     *slog.Logger
}

type queued struct {
	data    []byte
	rec     RawRecord
	retries int
}

// Consumer subscribes to RecordSubject and feeds micro-batches through the
// ingestion engine. Transient write failures are re-published with a retry
// header; records that keep failing, or that can never succeed, go to the DLQ.
type Consumer struct {
	nc     *nats.Conn
	engine *Engine
	job    JobConfig
	log    *slog.Logger

	ch   chan queued
	sub  *nats.Subscription
	quit chan struct{}
	done chan struct{}
}

// StartConsumer validates the job, subscribes, and starts the batch loop.
// The consumer runs until Stop is called or ctx is canceled.
func StartConsumer(ctx context.Context, nc *nats.Conn, engine *Engine, opts ConsumerOpts) (*Consumer, error) {
	if err := opts.Job.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Consumer{
		nc:     nc,
		engine: engine,
		job:    opts.Job,
		log:    log,
		ch:     make(chan queued, opts.BatchSize*2),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	sub, err := nc.Subscribe(RecordSubject, c.handle)
	if err != nil {
		return nil, err
	}
	c.sub = sub

	go c.loop(ctx, opts.BatchSize, opts.FlushEvery)
	return c, nil
}

// Stop unsubscribes and flushes the in-flight batch.
func (c *Consumer) Stop() error {
	err := c.sub.Unsubscribe()
	close(c.quit)
	<-c.done
	return err
}

func (c *Consumer) handle(msg *nats.Msg) {
	var fields map[string]any
	if err := json.Unmarshal(msg.Data, &fields); err != nil {
		c.log.Error("ingestd: unparsable record", "error", err)
		c.deadLetter(context.Background(), map[string]any{"raw": string(msg.Data)}, ReasonUnparsable, err.Error(), 0)
		return
	}

	id, _ := fields["id"].(string)
	if id == "" {
		id = "msg:" + uuid.NewString()
	}

	retries := 0
	if msg.Header != nil {
		if v := msg.Header.Get(retryHeader); v != "" {
			retries, _ = strconv.Atoi(v)
		}
	}

	select {
	case c.ch <- queued{data: msg.Data, rec: RawRecord{ID: id, Fields: fields}, retries: retries}:
	case <-c.quit:
	}
}

func (c *Consumer) loop(ctx context.Context, batchSize int, flushEvery time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	var pending []queued
	flush := func() {
		if len(pending) == 0 {
			return
		}
		c.flushBatch(ctx, pending)
		pending = nil
	}

	for {
		select {
		case q := <-c.ch:
			pending = append(pending, q)
			if len(pending) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.quit:
			// Drain whatever the subscriber already queued, then flush once.
			for {
				select {
				case q := <-c.ch:
					pending = append(pending, q)
					continue
				default:
				}
				break
			}
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (c *Consumer) flushBatch(ctx context.Context, items []queued) {
	records := make([]RawRecord, len(items))
	byID := make(map[string]queued, len(items))
	for i, q := range items {
		records[i] = q.rec
		byID[q.rec.ID] = q
	}

	report, err := c.engine.Run(ctx, c.job, NewSliceSource(records))
	if err != nil {
		// Config errors cannot heal on retry; dead-letter the whole batch.
		c.log.Error("ingestd: batch failed", "records", len(items), "error", err)
		for _, q := range items {
			c.deadLetter(ctx, q.rec.Fields, "job_failed", err.Error(), q.retries)
		}
		return
	}

	for _, rej := range report.Rejected {
		q, ok := byID[rej.RecordID]
		if !ok {
			continue
		}
		switch rej.Reason {
		case ReasonStoreWrite, ReasonNotAttempted:
			c.retryOrDLQ(ctx, q, rej)
		default:
			// Validation-class rejections never succeed on retry.
			c.deadLetter(ctx, q.rec.Fields, rej.Reason, rej.Detail, q.retries)
		}
	}

	c.log.Info("ingestd: batch done", "job_id", report.JobID,
		"records", report.RecordsIn, "accepted", report.Accepted,
		"rejected", len(report.Rejected))
}

func (c *Consumer) retryOrDLQ(ctx context.Context, q queued, rej Rejection) {
	retries := q.retries + 1
	if retries >= MaxRetries {
		c.deadLetter(ctx, q.rec.Fields, rej.Reason, rej.Detail, retries)
		return
	}

	msg := nats.NewMsg(RecordSubject)
	msg.Data = q.data
	msg.Header.Set(retryHeader, strconv.Itoa(retries))
	if err := c.nc.PublishMsg(msg); err != nil {
		c.log.Error("ingestd: retry publish failed", "record_id", q.rec.ID, "error", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, record map[string]any, reason, detail string, retries int) {
	err := natsutil.Publish(ctx, c.nc, DLQSubject, DLQMessage{
		Record: record, Reason: reason, Detail: detail, Retries: retries,
	})
	if err != nil {
		c.log.Error("ingestd: DLQ publish failed", "error", err)
	}
}
