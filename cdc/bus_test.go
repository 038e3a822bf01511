package cdc

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/trace"
)

type (
	fakeStream struct {
		added []addedEvent
		sink  *fakeSink
	}
	addedEvent struct {
		name    string
		payload []byte
	}
	fakeSink struct {
		events chan *streaming.Event
		acked  []string
	}
	fakeClient struct {
		stream *fakeStream
	}
)

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (Stream, error) {
	return c.stream, nil
}
func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, name string, payload []byte) (string, error) {
	s.added = append(s.added, addedEvent{name: name, payload: payload})
	return strconv.Itoa(len(s.added)) + "-0", nil
}
func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (Sink, error) {
	return s.sink, nil
}
func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.events }
func (s *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	s.acked = append(s.acked, ev.ID)
	return nil
}
func (s *fakeSink) Close(context.Context) {}

func newFakeBus(t *testing.T) (*Bus, *fakeStream) {
	t.Helper()
	fs := &fakeStream{sink: &fakeSink{events: make(chan *streaming.Event, 8)}}
	bus, err := NewBus(&fakeClient{stream: fs}, 4)
	require.NoError(t, err)
	return bus, fs
}

func TestPublishAnnouncesInsert(t *testing.T) {
	bus, fs := newFakeBus(t)

	msg := Message{Sequence: 7, Platform: event.PlatformClaudeCode, EventType: event.TypeToolUse, Priority: 2, EventID: "e-7"}
	require.NoError(t, bus.Publish(context.Background(), msg))

	require.Len(t, fs.added, 1)
	require.Equal(t, "trace.inserted", fs.added[0].name)
	var got Message
	require.NoError(t, json.Unmarshal(fs.added[0].payload, &got))
	require.Equal(t, msg, got)

	require.Error(t, bus.Publish(context.Background(), Message{Sequence: 0}))
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	bus, fs := newFakeBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "metrics")
	require.NoError(t, err)
	defer sub.Close(ctx)

	payload, _ := json.Marshal(Message{Sequence: 1, Platform: event.PlatformClaudeCode, EventType: event.TypeUserPrompt, Priority: 1, EventID: "e-1"})
	fs.sink.events <- &streaming.Event{ID: "1-0", Payload: payload}

	select {
	case d := <-sub.C():
		require.Equal(t, int64(1), d.Msg.Sequence)
		require.Equal(t, event.TypeUserPrompt, d.Msg.EventType)
		require.NoError(t, d.Ack(ctx))
		require.Equal(t, []string{"1-0"}, fs.sink.acked)
	case <-time.After(time.Second):
		t.Fatal("delivery timed out")
	}
}

func TestSubscribeAcksUndecodableAnnouncements(t *testing.T) {
	bus, fs := newFakeBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "conversation")
	require.NoError(t, err)
	defer sub.Close(ctx)

	fs.sink.events <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}
	good, _ := json.Marshal(Message{Sequence: 2, Platform: event.PlatformCursor, EventType: event.TypeCompletion, Priority: 2, EventID: "e-2"})
	fs.sink.events <- &streaming.Event{ID: "2-0", Payload: good}

	select {
	case d := <-sub.C():
		// The malformed announcement was acked and skipped.
		require.Equal(t, int64(2), d.Msg.Sequence)
		require.Equal(t, []string{"1-0"}, fs.sink.acked)
	case <-time.After(time.Second):
		t.Fatal("delivery timed out")
	}
}

type fakeTraceSource struct {
	kv   map[string]string
	max  map[event.Platform]int64
	rows map[event.Platform][]trace.Inserted
	typs map[event.Platform][]event.Type
}

func (f *fakeTraceSource) MaxSequence(_ context.Context, p event.Platform) (int64, error) {
	return f.max[p], nil
}
func (f *fakeTraceSource) SequencesAfter(_ context.Context, p event.Platform, after int64, limit int) ([]trace.Inserted, []event.Type, error) {
	var ins []trace.Inserted
	var typs []event.Type
	for i, r := range f.rows[p] {
		if r.Sequence > after && len(ins) < limit {
			ins = append(ins, r)
			typs = append(typs, f.typs[p][i])
		}
	}
	return ins, typs, nil
}
func (f *fakeTraceSource) KVGet(_ context.Context, key string) (string, error) {
	return f.kv[key], nil
}
func (f *fakeTraceSource) KVSet(_ context.Context, key, value string) error {
	f.kv[key] = value
	return nil
}

func TestBackfillReannouncesPastWatermark(t *testing.T) {
	bus, fs := newFakeBus(t)
	ctx := context.Background()

	src := &fakeTraceSource{
		kv:  map[string]string{"cdc:last_published:claude_code": "1"},
		max: map[event.Platform]int64{event.PlatformClaudeCode: 3},
		rows: map[event.Platform][]trace.Inserted{
			event.PlatformClaudeCode: {{Sequence: 1, EventID: "e-1"}, {Sequence: 2, EventID: "e-2"}, {Sequence: 3, EventID: "e-3"}},
		},
		typs: map[event.Platform][]event.Type{
			event.PlatformClaudeCode: {event.TypeUserPrompt, event.TypeToolUse, event.TypeSessionEnd},
		},
	}

	n, err := bus.Backfill(ctx, src)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, fs.added, 2)

	var first Message
	require.NoError(t, json.Unmarshal(fs.added[0].payload, &first))
	require.Equal(t, int64(2), first.Sequence)
	require.Equal(t, event.TypeToolUse.Priority(), first.Priority)

	// Watermark advanced; a second run is a no-op.
	require.Equal(t, "3", src.kv["cdc:last_published:claude_code"])
	n, err = bus.Backfill(ctx, src)
	require.NoError(t, err)
	require.Zero(t, n)
}
