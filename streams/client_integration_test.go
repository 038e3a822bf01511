package streams

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start Redis container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{
					Addr: fmt.Sprintf("%s:%s", host, port.Port()),
				})
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func newTestClient(t *testing.T) Client {
	t.Helper()
	if skipIntegration {
		t.Skip("docker not available")
	}
	c, err := New(Options{Redis: testRedisClient})
	require.NoError(t, err)
	return c
}

func uniqueStream(t *testing.T) string {
	return fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())
}

func TestAppendReadAck(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	stream := uniqueStream(t)

	require.NoError(t, c.EnsureGroup(ctx, stream, "processors"))
	// EnsureGroup is idempotent.
	require.NoError(t, c.EnsureGroup(ctx, stream, "processors"))

	id, err := c.Append(ctx, stream, map[string]string{"event_id": "e-1", "event_type": "tool_use"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := c.ReadGroup(ctx, stream, "processors", "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "e-1", msgs[0].Fields["event_id"])

	require.NoError(t, c.Ack(ctx, stream, "processors", msgs[0].ID))

	// Nothing pending and nothing new: blocking read returns empty.
	msgs, err = c.ReadGroup(ctx, stream, "processors", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPendingBacklogReplayedOnRestart(t *testing.T) {
	ctx := context.Background()
	stream := uniqueStream(t)

	c1 := newTestClient(t)
	require.NoError(t, c1.EnsureGroup(ctx, stream, "processors"))
	_, err := c1.Append(ctx, stream, map[string]string{"event_id": "e-crash"})
	require.NoError(t, err)

	msgs, err := c1.ReadGroup(ctx, stream, "processors", "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	// Crash before ack: a new client (fresh process) with the same consumer
	// name must re-see the message from its pending backlog.

	c2 := newTestClient(t)
	msgs, err = c2.ReadGroup(ctx, stream, "processors", "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "e-crash", msgs[0].Fields["event_id"])
}

func TestClaimStale(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	stream := uniqueStream(t)

	require.NoError(t, c.EnsureGroup(ctx, stream, "workers"))
	_, err := c.Append(ctx, stream, map[string]string{"event_id": "e-stuck"})
	require.NoError(t, err)

	// Deliver to c1, never ack.
	msgs, err := c.ReadGroup(ctx, stream, "workers", "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// c2 claims anything idle longer than zero.
	claimed, err := c.ClaimStale(ctx, stream, "workers", "c2", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "e-stuck", claimed[0].Fields["event_id"])
}

func TestAppendTrimsApproximately(t *testing.T) {
	ctx := context.Background()
	if skipIntegration {
		t.Skip("docker not available")
	}
	c, err := New(Options{Redis: testRedisClient, MaxLen: map[string]int64{}})
	require.NoError(t, err)
	stream := uniqueStream(t)

	for i := 0; i < 200; i++ {
		_, err := c.Append(ctx, stream, map[string]string{"n": fmt.Sprint(i)})
		require.NoError(t, err)
	}
	n, err := c.Len(ctx, stream)
	require.NoError(t, err)
	// Approximate trimming may overshoot but must stay bounded.
	require.LessOrEqual(t, n, int64(200))
}

func TestLagTracksOldestUnprocessed(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	stream := uniqueStream(t)

	require.NoError(t, c.EnsureGroup(ctx, stream, "processors"))

	// Caught up: empty stream, nothing delivered.
	lag, err := c.Lag(ctx, stream, "processors")
	require.NoError(t, err)
	require.Zero(t, lag)

	_, err = c.Append(ctx, stream, map[string]string{"event_id": "e-1"})
	require.NoError(t, err)

	// Undelivered entries count against the group.
	time.Sleep(50 * time.Millisecond)
	lag, err = c.Lag(ctx, stream, "processors")
	require.NoError(t, err)
	require.GreaterOrEqual(t, lag, 50*time.Millisecond)

	// Delivered-but-unacked entries still count.
	msgs, err := c.ReadGroup(ctx, stream, "processors", "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	lag, err = c.Lag(ctx, stream, "processors")
	require.NoError(t, err)
	require.GreaterOrEqual(t, lag, 50*time.Millisecond)

	// Acked means caught up again.
	require.NoError(t, c.Ack(ctx, stream, "processors", msgs[0].ID))
	lag, err = c.Lag(ctx, stream, "processors")
	require.NoError(t, err)
	require.Zero(t, lag)

	_, err = c.Lag(ctx, stream, "no-such-group")
	require.Error(t, err)
}

func TestDeadLetterCarriesCause(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, DLQStream, "inspectors"))
	_, err := c.DeadLetter(ctx, DeadLetterEntry{
		OriginalEventID:  "e-bad",
		OriginalStreamID: "1-0",
		Reason:           "schema_violation",
		ErrorMessage:     "unknown event_type",
		RetryCount:       0,
		CanRetry:         false,
		SuggestedAction:  "fix producer",
		Fields:           map[string]string{"event_type": "mystery"},
	})
	require.NoError(t, err)

	msgs, err := c.ReadGroup(ctx, DLQStream, "inspectors", "c1", 10, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, "e-bad", last.Fields["original_event_id"])
	require.Equal(t, "schema_violation", last.Fields["error_type"])
	require.Equal(t, "false", last.Fields["can_retry"])
	require.Equal(t, "mystery", last.Fields["event_type"])
	require.NotEmpty(t, last.Fields["dlq_queued_at"])
}
