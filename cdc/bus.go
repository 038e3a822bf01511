package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	"goa.design/pulse/streaming/options"

	"blueplane.dev/telemetry/event"
)

type (
	// Message announces one inserted trace row. It carries coordinates, not
	// the payload: consumers re-read the row from the trace store.
	Message struct {
		Sequence  int64          `json:"sequence"`
		Platform  event.Platform `json:"platform"`
		EventType event.Type     `json:"event_type"`
		Priority  int            `json:"priority"`
		EventID   string         `json:"event_id"`
	}

	// Delivery pairs a decoded announcement with its acknowledgement.
	Delivery struct {
		Msg Message
		ack func(context.Context) error
	}

	// Bus publishes and consumes trace-insert announcements.
	Bus struct {
		stream Stream
		buffer int
	}

	// Subscription is one worker type's consumer-group view of the bus.
	Subscription struct {
		deliveries <-chan Delivery
		cancel     context.CancelFunc
		sink       Sink
	}
)

// StreamName is the Pulse stream carrying trace-insert announcements.
const StreamName = "blueplane.cdc"

// announceEvent is the Pulse event name used for all announcements.
const announceEvent = "trace.inserted"

// NewBus opens the announcement stream on the given client.
func NewBus(client Client, buffer int) (*Bus, error) {
	if client == nil {
		return nil, errors.New("cdc client is required")
	}
	if buffer <= 0 {
		buffer = 64
	}
	stream, err := client.Stream(StreamName)
	if err != nil {
		return nil, err
	}
	return &Bus{stream: stream, buffer: buffer}, nil
}

// Publish announces an inserted trace row. Publish failures are the caller's
// to absorb: the row is already durable and backfill re-announces it.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg.Sequence <= 0 {
		return fmt.Errorf("invalid sequence %d", msg.Sequence)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if _, err := b.stream.Add(ctx, announceEvent, payload); err != nil {
		return err
	}
	return nil
}

// Subscribe joins (creating if needed) the consumer group for a worker type
// and starts delivering announcements. New groups start at the oldest retained
// announcement so a worker type added later still sees the backlog.
func (b *Bus) Subscribe(ctx context.Context, workerType string) (*Subscription, error) {
	if workerType == "" {
		return nil, errors.New("worker type is required")
	}
	sink, err := b.stream.NewSink(ctx, "workers."+workerType, options.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("open sink for %s: %w", workerType, err)
	}
	out := make(chan Delivery, b.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, out)
	return &Subscription{deliveries: out, cancel: cancel, sink: sink}, nil
}

// C returns the delivery channel. It is closed when the subscription stops.
func (s *Subscription) C() <-chan Delivery {
	return s.deliveries
}

// Close stops delivery and releases the sink.
func (s *Subscription) Close(ctx context.Context) {
	s.cancel()
	s.sink.Close(ctx)
}

// NewDelivery pairs a message with an acknowledgement callback. Used by
// alternate delivery sources (and tests); the bus builds its own.
func NewDelivery(msg Message, ack func(context.Context) error) Delivery {
	return Delivery{Msg: msg, ack: ack}
}

// Ack acknowledges the delivery with the consumer group.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

func consume(ctx context.Context, sink Sink, out chan<- Delivery) {
	defer close(out)
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				// A malformed announcement cannot be retried into shape.
				log.Errorf(ctx, err, "cdc: dropping undecodable announcement %s", ev.ID)
				_ = sink.Ack(ctx, ev)
				continue
			}
			d := Delivery{Msg: msg, ack: ackFunc(sink, ev)}
			select {
			case <-ctx.Done():
				return
			case out <- d:
			}
		}
	}
}

func ackFunc(sink Sink, ev *streaming.Event) func(context.Context) error {
	return func(ctx context.Context) error {
		return sink.Ack(ctx, ev)
	}
}
