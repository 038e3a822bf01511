// Package streams provides the typed client for the durable Redis streams
// that carry telemetry between producers and the pipeline. It mirrors the
// layering used for the Pulse client wrapper: callers build a go-redis
// client, pass it to New, and receive a narrow interface exposing only the
// operations the pipeline needs (append with approximate trimming, consumer
// group reads, acknowledgement, stale-entry claiming and dead-lettering).
//
// Delivery is at-least-once: a consumer that crashes between processing and
// Ack re-sees the message, either via the pending backlog replayed on its
// first ReadGroup after restart or via ClaimStale from another consumer.
package streams

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream names used by the pipeline.
const (
	// EventsStream carries producer events into the fast path.
	EventsStream = "blueplane:events"
	// DLQStream is terminal storage for events the pipeline cannot process.
	DLQStream = "blueplane:dlq"
)

type (
	// Message is one entry read from a stream.
	Message struct {
		// ID is the broker-assigned stream entry ID (e.g. "1234567890-0").
		ID string
		// Fields is the flat key→string mapping stored with the entry.
		Fields map[string]string
	}

	// Client exposes the durable stream operations used by the pipeline.
	Client interface {
		// Append atomically appends fields to the stream, trimming it to the
		// configured approximate maximum length. Returns the entry ID.
		Append(ctx context.Context, stream string, fields map[string]string) (string, error)
		// ReadGroup returns up to count messages delivered to this consumer,
		// blocking up to block when none are available. The first call after
		// process start drains the consumer's pending backlog before reading
		// new entries, so unacknowledged work survives restarts.
		ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
		// Ack marks messages as processed for the consumer group.
		Ack(ctx context.Context, stream, group string, ids ...string) error
		// ClaimStale takes over messages that have been pending longer than
		// minIdle, reassigning them to consumer.
		ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error)
		// Len returns the approximate stream length.
		Len(ctx context.Context, stream string) (int64, error)
		// EnsureGroup creates the consumer group if it does not exist. The
		// call is idempotent.
		EnsureGroup(ctx context.Context, stream, group string) error
		// DeadLetter appends a terminal entry to the DLQ describing why the
		// original message could not be processed.
		DeadLetter(ctx context.Context, entry DeadLetterEntry) (string, error)
		// TrimOlderThan removes entries older than the retention window using
		// an approximate MINID trim. Used for DLQ retention.
		TrimOlderThan(ctx context.Context, stream string, retention time.Duration) error
		// Lag returns the age of the oldest entry the group has not finished
		// processing. Zero means the group is caught up.
		Lag(ctx context.Context, stream, group string) (time.Duration, error)
		// Ping verifies the broker is reachable.
		Ping(ctx context.Context) error
	}

	// Options configures the stream client.
	Options struct {
		// Redis is the connection backing all streams. Required.
		Redis *redis.Client
		// MaxLen bounds stream length per stream name. Zero entries fall back
		// to DefaultMaxLen.
		MaxLen map[string]int64
		// OperationTimeout bounds individual non-blocking operations. Zero
		// means no timeout.
		OperationTimeout time.Duration
	}

	client struct {
		rdb     *redis.Client
		maxLen  map[string]int64
		timeout time.Duration

		mu      sync.Mutex
		backlog map[string]bool // (stream|group|consumer) → pending backlog drained
	}
)

// DefaultMaxLen is the approximate trim target applied to streams without an
// explicit configuration.
const DefaultMaxLen int64 = 10_000

// New constructs a stream client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		rdb:     opts.Redis,
		maxLen:  opts.MaxLen,
		timeout: opts.OperationTimeout,
		backlog: make(map[string]bool),
	}, nil
}

func (c *client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func (c *client) streamMaxLen(stream string) int64 {
	if n, ok := c.maxLen[stream]; ok && n > 0 {
		return n
	}
	return DefaultMaxLen
}

// Append adds the fields to the stream with an approximate MAXLEN trim.
// Trimming only discards stream entries, never consumer-group pending state,
// so an aggressive trim cannot lose delivered-but-unacked work.
func (c *client) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if stream == "" {
		return "", errors.New("stream name is required")
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: c.streamMaxLen(stream),
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// ReadGroup reads messages for the consumer. The first call for a given
// (stream, group, consumer) reads from ID "0" to replay this consumer's
// pending entries left over from a previous process; subsequent calls read
// new entries with ">".
func (c *client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	readID := ">"
	key := stream + "|" + group + "|" + consumer
	c.mu.Lock()
	if !c.backlog[key] {
		readID = "0"
	}
	c.mu.Unlock()

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, readID},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s on %s: %w", group, stream, err)
	}
	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			msgs = append(msgs, toMessage(m))
		}
	}
	if readID == "0" {
		c.mu.Lock()
		c.backlog[key] = true
		c.mu.Unlock()
		// An empty backlog read means there was nothing pending; fall through
		// to a normal read so the caller's block budget is honored.
		if len(msgs) == 0 {
			return c.ReadGroup(ctx, stream, group, consumer, count, block)
		}
	}
	return msgs, nil
}

// Ack acknowledges the messages for the group.
func (c *client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d messages on %s: %w", len(ids), stream, err)
	}
	return nil
}

// ClaimStale reassigns messages pending longer than minIdle to consumer.
func (c *client) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stale on %s: %w", stream, err)
	}
	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, toMessage(m))
	}
	return msgs, nil
}

// Len returns the stream length.
func (c *client) Len(ctx context.Context, stream string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("len of %s: %w", stream, err)
	}
	return n, nil
}

// EnsureGroup creates the consumer group starting at the beginning of the
// stream, creating the stream itself if needed. Existing groups are left
// untouched.
func (c *client) EnsureGroup(ctx context.Context, stream, group string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// TrimOlderThan trims entries whose IDs predate now-retention. Stream entry
// IDs are millisecond timestamps, so a MINID trim implements time-based
// retention directly.
func (c *client) TrimOlderThan(ctx context.Context, stream string, retention time.Duration) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	minID := strconv.FormatInt(time.Now().Add(-retention).UnixMilli(), 10)
	if err := c.rdb.XTrimMinIDApprox(ctx, stream, minID, 0).Err(); err != nil {
		return fmt.Errorf("trim %s: %w", stream, err)
	}
	return nil
}

// Lag measures pipeline lag for the group: now minus the enqueue time of the
// oldest unprocessed entry. Entry IDs carry their enqueue time in the
// millisecond prefix, so the oldest pending (delivered, unacked) entry or,
// when nothing is pending, the first entry past the group's last-delivered ID
// gives the age directly.
func (c *client) Lag(ctx context.Context, stream, group string) (time.Duration, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	pending, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending summary for %s on %s: %w", group, stream, err)
	}
	if pending.Count > 0 && pending.Lower != "" {
		return idAge(pending.Lower)
	}
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("group info for %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name != group {
			continue
		}
		msgs, err := c.rdb.XRangeN(ctx, stream, "("+g.LastDeliveredID, "+", 1).Result()
		if err != nil {
			return 0, fmt.Errorf("oldest undelivered on %s: %w", stream, err)
		}
		if len(msgs) == 0 {
			return 0, nil
		}
		return idAge(msgs[0].ID)
	}
	return 0, fmt.Errorf("group %s not found on %s", group, stream)
}

// idAge derives an entry's age from the millisecond prefix of its stream ID.
func idAge(id string) (time.Duration, error) {
	msPart, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stream id %q: %w", id, err)
	}
	age := time.Since(time.UnixMilli(ms))
	if age < 0 {
		age = 0
	}
	return age, nil
}

// Ping verifies broker reachability.
func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping broker: %w", err)
	}
	return nil
}

func toMessage(m redis.XMessage) Message {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return Message{ID: m.ID, Fields: fields}
}
