// Package cdc is the change-data-capture bus between the fast path and the
// slow-path workers. Trace inserts are announced on a Pulse stream; each
// worker type consumes through its own sink (consumer group) so metrics and
// conversation processing progress independently. Announcements are pointers
// (platform + sequence), never payloads: a worker that receives one re-reads
// the trace row, so a lost announcement is recoverable by backfill.
package cdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the CDC client.
	Options struct {
		// Redis is the connection backing the Pulse stream. Required.
		Redis *redis.Client
		// StreamMaxLen bounds retained announcements. Zero uses DefaultMaxLen.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse needed by the bus.
	Client interface {
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases client resources. The caller owns the Redis connection.
		Close(ctx context.Context) error
	}

	// Stream publishes announcements and creates sinks.
	Stream interface {
		// Add appends an announcement, returning the Redis-assigned ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates (or rejoins) a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its messages.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer-group view of the stream.
	Sink interface {
		// Subscribe returns the channel delivering announcements.
		Subscribe() <-chan *streaming.Event
		// Ack removes a delivered announcement from the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// DefaultMaxLen bounds the announcement stream when Options.StreamMaxLen is zero.
const DefaultMaxLen = 10_000

// NewClient constructs a Pulse-backed CDC client.
func NewClient(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	maxLen := opts.StreamMaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &client{redis: opts.Redis, maxLen: maxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	streamOptions := append([]streamopts.Stream{streamopts.WithStreamMaxLen(c.maxLen)}, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create cdc stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (c *client) Close(ctx context.Context) error {
	return nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("cdc add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
