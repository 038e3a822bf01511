// Package ingest implements the pipeline fast path: drain the durable events
// stream, validate envelopes, persist raw traces in platform-partitioned
// batches and announce every insert on the CDC bus. The fast path never
// blocks on slow-path work; its only obligations are durability and ordering
// of the trace log.
package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"blueplane.dev/telemetry/cdc"
	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/streams"
	"blueplane.dev/telemetry/telemetry"
	"blueplane.dev/telemetry/trace"
)

type (
	// Publisher announces inserted trace rows. *cdc.Bus satisfies it.
	Publisher interface {
		Publish(ctx context.Context, msg cdc.Message) error
	}

	// Options configures the ingester.
	Options struct {
		// Streams is the durable stream client. Required.
		Streams streams.Client
		// Trace is the trace store. Required.
		Trace *trace.Store
		// Publisher is the CDC bus. Required.
		Publisher Publisher
		// Consumer names this consumer within the ingest group. Required.
		Consumer string
		// Group is the consumer group name. Defaults to "ingest".
		Group string
		// BatchSize is the normal flush threshold. Defaults to 100.
		BatchSize int
		// CriticalBatchSize replaces BatchSize while the events backlog is at
		// or past CriticalBacklog. Defaults to 250.
		CriticalBatchSize int
		// CriticalBacklog is the backlog depth that triggers the larger batch
		// size. Defaults to 50000. Zero disables the boost.
		CriticalBacklog int64
		// FlushInterval bounds how long a partial batch waits for more
		// messages. Defaults to 100ms.
		FlushInterval time.Duration
		// ReadBlock bounds how long an idle read blocks. Defaults to 1s.
		ReadBlock time.Duration
		// SkewTolerance bounds accepted producer clock skew before the event
		// is logged. Defaults to event.DefaultSkewTolerance.
		SkewTolerance time.Duration
		// Telemetry records fast-path counters. Defaults to NoopMetrics.
		Telemetry telemetry.Metrics
	}

	// Stats are cumulative fast-path counters, safe for concurrent reads.
	Stats struct {
		Accepted     uint64
		Duplicates   uint64
		DeadLettered uint64
		Skewed       uint64
	}

	// Ingester runs the fast path. Run is single-goroutine; additional
	// ingesters may share the consumer group under distinct consumer names.
	Ingester struct {
		streams       streams.Client
		trace         *trace.Store
		publisher     Publisher
		consumer      string
		group         string
		batchSize     int
		criticalBatch int
		criticalDepth int64
		flushInterval time.Duration
		readBlock     time.Duration
		skewTolerance time.Duration
		metrics       telemetry.Metrics

		accepted     atomic.Uint64
		duplicates   atomic.Uint64
		deadLettered atomic.Uint64
		skewed       atomic.Uint64

		lastDepthCheck time.Time
		critical       bool
	}

	decoded struct {
		msg streams.Message
		e   *event.Event
	}
)

// DefaultGroup is the events-stream consumer group used by the fast path.
const DefaultGroup = "ingest"

// backlogCheckInterval spaces out XLEN probes for the batch-size boost.
const backlogCheckInterval = 5 * time.Second

// New validates opts and constructs an ingester.
func New(opts Options) (*Ingester, error) {
	if opts.Streams == nil {
		return nil, errors.New("stream client is required")
	}
	if opts.Trace == nil {
		return nil, errors.New("trace store is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("cdc publisher is required")
	}
	if opts.Consumer == "" {
		return nil, errors.New("consumer name is required")
	}
	i := &Ingester{
		streams:       opts.Streams,
		trace:         opts.Trace,
		publisher:     opts.Publisher,
		consumer:      opts.Consumer,
		group:         opts.Group,
		batchSize:     opts.BatchSize,
		criticalBatch: opts.CriticalBatchSize,
		criticalDepth: opts.CriticalBacklog,
		flushInterval: opts.FlushInterval,
		readBlock:     opts.ReadBlock,
		skewTolerance: opts.SkewTolerance,
		metrics:       opts.Telemetry,
	}
	if i.metrics == nil {
		i.metrics = telemetry.NoopMetrics{}
	}
	if i.group == "" {
		i.group = DefaultGroup
	}
	if i.batchSize <= 0 {
		i.batchSize = 100
	}
	if i.criticalBatch <= 0 {
		i.criticalBatch = 250
	}
	if opts.CriticalBacklog == 0 {
		i.criticalDepth = 50_000
	}
	if i.flushInterval <= 0 {
		i.flushInterval = 100 * time.Millisecond
	}
	if i.readBlock <= 0 {
		i.readBlock = time.Second
	}
	if i.skewTolerance <= 0 {
		i.skewTolerance = event.DefaultSkewTolerance
	}
	return i, nil
}

// Stats returns a snapshot of the cumulative counters.
func (i *Ingester) Stats() Stats {
	return Stats{
		Accepted:     i.accepted.Load(),
		Duplicates:   i.duplicates.Load(),
		DeadLettered: i.deadLettered.Load(),
		Skewed:       i.skewed.Load(),
	}
}

// Run consumes the events stream until ctx is canceled. Read or flush
// failures are logged and retried; unacknowledged messages are redelivered,
// so a crash mid-batch duplicates work instead of losing it.
func (i *Ingester) Run(ctx context.Context) error {
	if err := i.streams.EnsureGroup(ctx, streams.EventsStream, i.group); err != nil {
		return err
	}
	log.Infof(ctx, "ingest: consuming %s as %s/%s", streams.EventsStream, i.group, i.consumer)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := i.gather(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf(ctx, err, "ingest: read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}
		if err := i.flush(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The batch stays pending and is redelivered; inserts are
			// idempotent on event_id so the retry cannot double-count.
			log.Errorf(ctx, err, "ingest: flush failed, %d messages left pending", len(batch))
		}
	}
}

// Reclaim takes over events-stream messages left pending by dead consumers
// and runs them through the normal flush path. The control plane calls it
// periodically. Returns how many messages were claimed.
func (i *Ingester) Reclaim(ctx context.Context, minIdle time.Duration) (int, error) {
	msgs, err := i.streams.ClaimStale(ctx, streams.EventsStream, i.group, i.consumer, minIdle, int64(i.criticalBatch))
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	log.Infof(ctx, "ingest: reclaimed %d stale messages", len(msgs))
	return len(msgs), i.flush(ctx, msgs)
}

// gather reads one batch: an initial blocking read, then top-up reads within
// the flush interval until the batch target is reached.
func (i *Ingester) gather(ctx context.Context) ([]streams.Message, error) {
	target := i.targetBatch(ctx)
	msgs, err := i.streams.ReadGroup(ctx, streams.EventsStream, i.group, i.consumer, int64(target), i.readBlock)
	if err != nil || len(msgs) == 0 {
		return msgs, err
	}
	deadline := time.Now().Add(i.flushInterval)
	for len(msgs) < target {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		more, err := i.streams.ReadGroup(ctx, streams.EventsStream, i.group, i.consumer, int64(target-len(msgs)), remaining)
		if err != nil {
			// Flush what we have; the error resurfaces on the next read.
			log.Errorf(ctx, err, "ingest: top-up read failed")
			break
		}
		if len(more) == 0 {
			break
		}
		msgs = append(msgs, more...)
	}
	return msgs, nil
}

// targetBatch returns the flush threshold, boosted while the events backlog
// is critical. Depth probes are spaced out to one per backlogCheckInterval.
func (i *Ingester) targetBatch(ctx context.Context) int {
	if i.criticalDepth <= 0 {
		return i.batchSize
	}
	if time.Since(i.lastDepthCheck) >= backlogCheckInterval {
		i.lastDepthCheck = time.Now()
		depth, err := i.streams.Len(ctx, streams.EventsStream)
		if err == nil {
			was := i.critical
			i.critical = depth >= i.criticalDepth
			if i.critical && !was {
				log.Warnf(ctx, "ingest: backlog %d at critical threshold, batch size %d", depth, i.criticalBatch)
			}
		}
	}
	if i.critical {
		return i.criticalBatch
	}
	return i.batchSize
}

// flush validates the batch, dead-letters rejects, persists the remainder per
// platform and announces the inserts. All consumed messages are acked at the
// end; an insert failure returns early leaving those messages pending.
func (i *Ingester) flush(ctx context.Context, msgs []streams.Message) error {
	ackIDs := make([]string, 0, len(msgs))
	byPlatform := make(map[event.Platform][]decoded)
	for _, m := range msgs {
		e, err := event.Decode(m.Fields)
		if err != nil {
			i.deadLetter(ctx, m, err)
			ackIDs = append(ackIDs, m.ID)
			continue
		}
		if skew := e.SkewedBy(i.skewTolerance); skew > 0 {
			i.skewed.Add(1)
			i.metrics.IncCounter("blueplane.ingest.skewed", 1)
			log.Warn(ctx, log.KV{K: "msg", V: "ingest: event timestamp ahead of enqueue time"},
				log.KV{K: "event_id", V: e.ID}, log.KV{K: "skew", V: skew.String()})
		}
		byPlatform[e.Platform] = append(byPlatform[e.Platform], decoded{msg: m, e: e})
	}

	for platform, items := range byPlatform {
		rows := make([]trace.Row, 0, len(items))
		types := make(map[string]event.Type, len(items))
		for _, d := range items {
			row, err := buildRow(d.e)
			if err != nil {
				i.deadLetter(ctx, d.msg, err)
				ackIDs = append(ackIDs, d.msg.ID)
				continue
			}
			rows = append(rows, row)
			types[d.e.ID] = d.e.Type
		}
		if len(rows) == 0 {
			continue
		}
		res, err := i.trace.BatchInsert(ctx, platform, rows)
		if err != nil {
			// Ack what was already resolved before giving up.
			_ = i.streams.Ack(ctx, streams.EventsStream, i.group, ackIDs...)
			return err
		}
		i.accepted.Add(uint64(len(res.Inserted)))
		i.duplicates.Add(uint64(res.Duplicates))
		i.metrics.IncCounter("blueplane.ingest.accepted", float64(len(res.Inserted)), "platform", string(platform))
		if res.Duplicates > 0 {
			i.metrics.IncCounter("blueplane.ingest.duplicates", float64(res.Duplicates), "platform", string(platform))
		}
		i.announce(ctx, platform, res.Inserted, types)
		for _, d := range items {
			ackIDs = append(ackIDs, d.msg.ID)
		}
	}
	return i.streams.Ack(ctx, streams.EventsStream, i.group, ackIDs...)
}

// announce publishes CDC messages for the inserted rows. Publishing is best
// effort: the rows are durable and backfill re-announces anything past the
// watermark, so a broker hiccup here only delays slow-path work.
func (i *Ingester) announce(ctx context.Context, platform event.Platform, inserted []trace.Inserted, types map[string]event.Type) {
	var watermark int64
	for _, ins := range inserted {
		typ := types[ins.EventID]
		err := i.publisher.Publish(ctx, cdc.Message{
			Sequence:  ins.Sequence,
			Platform:  platform,
			EventType: typ,
			Priority:  typ.Priority(),
			EventID:   ins.EventID,
		})
		if err != nil {
			log.Errorf(ctx, err, "ingest: announce failed at sequence %d, backfill will repair", ins.Sequence)
			break
		}
		watermark = ins.Sequence
	}
	if watermark > 0 {
		if err := cdc.RecordPublished(ctx, i.trace, platform, watermark); err != nil {
			log.Errorf(ctx, err, "ingest: record publish watermark")
		}
	}
}

func (i *Ingester) deadLetter(ctx context.Context, m streams.Message, cause error) {
	i.deadLettered.Add(1)
	i.metrics.IncCounter("blueplane.ingest.dead_lettered", 1)
	reason := event.ReasonSchemaViolation
	var verr *event.ValidationError
	if errors.As(cause, &verr) {
		reason = verr.Reason
	}
	entry := streams.DeadLetterEntry{
		OriginalEventID:  m.Fields["event_id"],
		OriginalStreamID: m.ID,
		Reason:           reason,
		ErrorMessage:     cause.Error(),
		AttemptedAt:      time.Now().UTC(),
		CanRetry:         false,
		SuggestedAction:  "fix the producer and re-emit the event",
		Fields:           m.Fields,
	}
	if _, err := i.streams.DeadLetter(ctx, entry); err != nil {
		log.Errorf(ctx, err, "ingest: dead-letter append failed for %s", m.ID)
	}
}
