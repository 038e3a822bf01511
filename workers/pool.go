// Package workers runs the slow-path consumers. Each worker type owns a CDC
// consumer group; within a type a small pool of goroutines shares the
// subscription channel. A worker resolves an announcement back to its trace
// row, decompresses the stored event and hands it to the type's handler.
// Handler failures are retried a bounded number of times (the retry ledger
// lives in the pipeline KV so it survives restarts) and then parked in the
// DLQ with reason worker_exhausted.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
	// Handler processes one reconstructed event for a worker type.
	Handler interface {
		Handle(ctx context.Context, e *event.Event) error
	}

	// Deliveries is a consumer-group delivery channel. *cdc.Subscription
	// satisfies it.
	Deliveries interface {
		C() <-chan cdc.Delivery
		Close(ctx context.Context)
	}

	// Source opens per-worker-type delivery channels.
	Source interface {
		Subscribe(ctx context.Context, workerType string) (Deliveries, error)
	}

	// BusSource adapts *cdc.Bus to Source.
	BusSource struct {
		Bus *cdc.Bus
	}

	// Options configures the pool.
	Options struct {
		// Source provides CDC deliveries. Required.
		Source Source
		// Trace is the trace store. Required.
		Trace *trace.Store
		// Streams is used for dead-lettering exhausted work. Required.
		Streams streams.Client
		// Handlers maps worker type to handler. Required, non-empty.
		Handlers map[string]Handler
		// Concurrency is the number of goroutines per worker type.
		// Defaults to 2.
		Concurrency int
		// MaxRetries bounds handler attempts per trace. Defaults to 3.
		MaxRetries int
		// Telemetry records handler timings and retry counters. Defaults to
		// NoopMetrics.
		Telemetry telemetry.Metrics
	}

	// Stats are cumulative pool counters.
	Stats struct {
		Processed uint64
		Retried   uint64
		Exhausted uint64
	}

	// Pool fans CDC deliveries out to typed handlers.
	Pool struct {
		source      Source
		trace       *trace.Store
		streams     streams.Client
		handlers    map[string]Handler
		concurrency int
		maxRetries  int
		metrics     telemetry.Metrics

		paused    atomic.Bool
		processed atomic.Uint64
		retried   atomic.Uint64
		exhausted atomic.Uint64
	}
)

// Worker types.
const (
	TypeMetrics      = "metrics"
	TypeConversation = "conversation"
)

// pauseProbe is how often a paused worker rechecks the pause flag.
const pauseProbe = 100 * time.Millisecond

// Subscribe implements Source.
func (b BusSource) Subscribe(ctx context.Context, workerType string) (Deliveries, error) {
	return b.Bus.Subscribe(ctx, workerType)
}

// New validates opts and constructs a pool.
func New(opts Options) (*Pool, error) {
	if opts.Source == nil {
		return nil, errors.New("delivery source is required")
	}
	if opts.Trace == nil {
		return nil, errors.New("trace store is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("stream client is required")
	}
	if len(opts.Handlers) == 0 {
		return nil, errors.New("at least one handler is required")
	}
	p := &Pool{
		source:      opts.Source,
		trace:       opts.Trace,
		streams:     opts.Streams,
		handlers:    opts.Handlers,
		concurrency: opts.Concurrency,
		maxRetries:  opts.MaxRetries,
		metrics:     opts.Telemetry,
	}
	if p.metrics == nil {
		p.metrics = telemetry.NoopMetrics{}
	}
	if p.concurrency <= 0 {
		p.concurrency = 2
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	return p, nil
}

// Stats returns a snapshot of the cumulative counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Retried:   p.retried.Load(),
		Exhausted: p.exhausted.Load(),
	}
}

// Pause stops workers from taking new deliveries. In-flight work completes.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume lifts a pause.
func (p *Pool) Resume() { p.paused.Store(false) }

// Paused reports the pause flag.
func (p *Pool) Paused() bool { return p.paused.Load() }

// Run subscribes every worker type and processes deliveries until ctx is
// canceled.
func (p *Pool) Run(ctx context.Context) error {
	subs := make(map[string]Deliveries, len(p.handlers))
	for workerType := range p.handlers {
		sub, err := p.source.Subscribe(ctx, workerType)
		if err != nil {
			for _, s := range subs {
				s.Close(context.Background())
			}
			return fmt.Errorf("subscribe %s workers: %w", workerType, err)
		}
		subs[workerType] = sub
	}
	defer func() {
		for _, s := range subs {
			s.Close(context.Background())
		}
	}()

	var wg sync.WaitGroup
	for workerType, handler := range p.handlers {
		sub := subs[workerType]
		for n := 0; n < p.concurrency; n++ {
			wg.Add(1)
			go func(workerType string, h Handler, worker int) {
				defer wg.Done()
				p.work(ctx, workerType, h, sub)
			}(workerType, handler, n)
		}
		log.Infof(ctx, "workers: %d %s workers consuming group workers.%s", p.concurrency, workerType, workerType)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context, workerType string, h Handler, sub Deliveries) {
	for {
		if p.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pauseProbe):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			p.process(ctx, workerType, h, d)
		}
	}
}

// process resolves one announcement and runs the handler. A failed delivery
// is left unacked (the consumer group redelivers it) until the retry budget
// is spent, at which point it is dead-lettered and acked.
func (p *Pool) process(ctx context.Context, workerType string, h Handler, d cdc.Delivery) {
	e, err := p.load(ctx, d.Msg)
	if err == nil {
		start := time.Now()
		err = h.Handle(ctx, e)
		p.metrics.RecordTimer("blueplane.worker.handle", time.Since(start), "worker_type", workerType)
	}
	retryKey := fmt.Sprintf("retry:%s:%s:%d", workerType, d.Msg.Platform, d.Msg.Sequence)
	if err == nil {
		p.processed.Add(1)
		_ = p.trace.KVDelete(ctx, retryKey)
		if err := d.Ack(ctx); err != nil {
			log.Errorf(ctx, err, "workers: ack failed for sequence %d", d.Msg.Sequence)
		}
		return
	}

	attempts, kvErr := p.trace.KVIncr(ctx, retryKey)
	if kvErr != nil {
		log.Errorf(ctx, kvErr, "workers: retry ledger unavailable for sequence %d", d.Msg.Sequence)
		return
	}
	if attempts < p.maxRetries {
		p.retried.Add(1)
		p.metrics.IncCounter("blueplane.worker.retried", 1, "worker_type", workerType)
		log.Warnf(ctx, "workers: %s handler failed on sequence %d (attempt %d/%d): %v",
			workerType, d.Msg.Sequence, attempts, p.maxRetries, err)
		return
	}

	p.exhausted.Add(1)
	p.metrics.IncCounter("blueplane.worker.exhausted", 1, "worker_type", workerType)
	log.Errorf(ctx, err, "workers: %s handler exhausted retries on sequence %d", workerType, d.Msg.Sequence)
	entry := streams.DeadLetterEntry{
		OriginalEventID: d.Msg.EventID,
		Reason:          event.ReasonWorkerExhausted,
		ErrorMessage:    err.Error(),
		AttemptedAt:     time.Now().UTC(),
		RetryCount:      attempts,
		CanRetry:        true,
		SuggestedAction: "inspect the handler error and replay the trace",
		Fields: map[string]string{
			"worker_type": workerType,
			"platform":    string(d.Msg.Platform),
			"sequence":    fmt.Sprintf("%d", d.Msg.Sequence),
		},
	}
	if _, dlErr := p.streams.DeadLetter(ctx, entry); dlErr != nil {
		log.Errorf(ctx, dlErr, "workers: dead-letter append failed for sequence %d", d.Msg.Sequence)
		return
	}
	_ = p.trace.KVDelete(ctx, retryKey)
	if ackErr := d.Ack(ctx); ackErr != nil {
		log.Errorf(ctx, ackErr, "workers: ack failed for dead-lettered sequence %d", d.Msg.Sequence)
	}
}

// load resolves the announcement to the stored event.
func (p *Pool) load(ctx context.Context, msg cdc.Message) (*event.Event, error) {
	row, err := p.trace.ReadBySequence(ctx, msg.Platform, msg.Sequence)
	if err != nil {
		return nil, err
	}
	raw, err := event.Decompress(row.EventData)
	if err != nil {
		return nil, fmt.Errorf("decompress trace %d: %w", msg.Sequence, err)
	}
	e, err := event.DecodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decode trace %d: %w", msg.Sequence, err)
	}
	return e, nil
}
