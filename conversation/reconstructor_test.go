package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/trace"
)

func newTestReconstructor(t *testing.T) (*Reconstructor, *trace.Store) {
	t.Helper()
	store, err := trace.Open(trace.Options{
		Path:          filepath.Join(t.TempDir(), "telemetry.db"),
		InsertBackoff: []time.Duration{time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	r, err := New(Options{Trace: store})
	require.NoError(t, err)
	return r, store
}

func claudeEvent(id string, typ event.Type, ts time.Time, payload map[string]any) *event.Event {
	return &event.Event{
		ID:                id,
		Platform:          event.PlatformClaudeCode,
		ExternalSessionID: "s-claude",
		Type:              typ,
		Timestamp:         ts,
		Payload:           payload,
		Metadata:          map[string]any{"workspace_hash": "ws-1", "workspace_path": "/home/dev/proj"},
	}
}

func TestClaudeSessionReconstruction(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReconstructor(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	events := []*event.Event{
		claudeEvent("e-1", event.TypeSessionStart, base, nil),
		claudeEvent("e-2", event.TypeUserPrompt, base.Add(time.Second), map[string]any{"prompt": "fix the bug"}),
		claudeEvent("e-3", event.TypeToolUse, base.Add(2*time.Second), map[string]any{"tool_name": "Read", "duration_ms": 120}),
		claudeEvent("e-4", event.TypeAssistantResponse, base.Add(3*time.Second), map[string]any{"response": "done", "tokens_used": 300}),
		claudeEvent("e-5", event.TypeCodeChange, base.Add(4*time.Second), map[string]any{
			"change_id": "ch-1", "file_extension": ".go", "operation": "edit", "lines_added": 8, "lines_removed": 2,
		}),
		claudeEvent("e-6", event.TypeAcceptanceDecision, base.Add(5*time.Second), map[string]any{
			"change_id": "ch-1", "accepted": true, "acceptance_delay_ms": 900,
		}),
		claudeEvent("e-7", event.TypeSessionEnd, base.Add(6*time.Second), nil),
	}
	for _, e := range events {
		require.NoError(t, r.Handle(ctx, e))
	}

	conv, err := store.GetConversation(ctx, "s-claude", event.PlatformClaudeCode)
	require.NoError(t, err)
	require.Nil(t, conv.SessionID)
	require.Equal(t, 3, conv.InteractionCount)
	require.Equal(t, int64(300), conv.TotalTokens)
	require.Equal(t, int64(1), conv.TotalChanges)
	require.Equal(t, []string{"Read"}, conv.ToolSequence)
	require.Equal(t, []bool{true}, conv.AcceptanceDecisions)
	require.NotNil(t, conv.AcceptanceRate)
	require.Equal(t, 1.0, *conv.AcceptanceRate)
	require.NotNil(t, conv.EndedAt)

	turns, err := store.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "user_prompt", turns[0].TurnType)
	require.NotEmpty(t, turns[0].ContentHash)
	require.NotContains(t, turns[0].ContentHash, "fix the bug")
	require.Equal(t, []string{"Read"}, turns[1].ToolsCalled)
	require.NotNil(t, turns[1].LatencyMS)
	require.Equal(t, int64(120), *turns[1].LatencyMS)
}

func TestCursorSynthesizedSession(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReconstructor(t)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Events from the database monitor carry no window session identity.
	e := &event.Event{
		ID:        "e-cur-1",
		Platform:  event.PlatformCursor,
		Type:      event.TypeCompletion,
		Timestamp: ts,
		Payload:   map[string]any{"composer_id": "comp-1", "text": "suggestion", "tokens_used": 40},
		Metadata:  map[string]any{"workspace_hash": "ws-2"},
	}
	require.NoError(t, r.Handle(ctx, e))

	sess, err := store.GetCursorSession(ctx, "cursor-ws-2")
	require.NoError(t, err)
	require.Equal(t, "ws-2", sess.WorkspaceHash)

	conv, err := store.GetConversation(ctx, "comp-1", event.PlatformCursor)
	require.NoError(t, err)
	require.NotNil(t, conv.SessionID)
	require.Equal(t, sess.ID, *conv.SessionID)
	require.Equal(t, int64(40), conv.TotalTokens)

	// Completions land as assistant turns; the turn enum has no completion kind.
	turns, err := store.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "assistant_response", turns[0].TurnType)
}

func TestConcurrentHandleOnSharedInstance(t *testing.T) {
	ctx := context.Background()
	_, store := newTestReconstructor(t)
	r, err := New(Options{Trace: store, CacheSize: 2})
	require.NoError(t, err)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// One instance shared by several goroutines, mixing a hot session with
	// per-goroutine sessions; the tiny cache forces concurrent evictions.
	const goroutines = 8
	const perGoroutine = 50
	var wg sync.WaitGroup
	errs := make(chan error, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < perGoroutine; n++ {
				e := claudeEvent(
					fmt.Sprintf("e-%d-%d", g, n),
					event.TypeUserPrompt,
					base.Add(time.Duration(g*perGoroutine+n)*time.Millisecond),
					map[string]any{"prompt": "p"},
				)
				if n%2 == 1 {
					e.ExternalSessionID = fmt.Sprintf("s-claude-%d", g)
				}
				if err := r.Handle(ctx, e); err != nil {
					errs <- err
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	conv, err := store.GetConversation(ctx, "s-claude", event.PlatformClaudeCode)
	require.NoError(t, err)
	turns, err := store.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, goroutines*perGoroutine/2)
}

func TestAcceptanceLatchIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReconstructor(t)
	ts := time.Now().UTC()

	require.NoError(t, r.Handle(ctx, claudeEvent("e-cc", event.TypeCodeChange, ts, map[string]any{"change_id": "ch-9"})))

	decision := claudeEvent("e-acc", event.TypeAcceptanceDecision, ts.Add(time.Second), map[string]any{"change_id": "ch-9", "accepted": false})
	require.NoError(t, r.Handle(ctx, decision))
	// Redelivery of the same decision event changes nothing.
	require.NoError(t, r.Handle(ctx, decision))

	conv, err := store.GetConversation(ctx, "s-claude", event.PlatformClaudeCode)
	require.NoError(t, err)
	require.Equal(t, []bool{false}, conv.AcceptanceDecisions)
	require.NotNil(t, conv.AcceptanceRate)
	require.Equal(t, 0.0, *conv.AcceptanceRate)
}

func TestAcceptanceForUnknownChangeReleasesLatch(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReconstructor(t)
	ts := time.Now().UTC()

	decision := claudeEvent("e-acc", event.TypeAcceptanceDecision, ts, map[string]any{"change_id": "ch-late", "accepted": true})
	err := r.Handle(ctx, decision)
	require.ErrorIs(t, err, trace.ErrNotFound)

	// The change lands late; the retried decision now resolves.
	require.NoError(t, r.Handle(ctx, claudeEvent("e-cc", event.TypeCodeChange, ts, map[string]any{"change_id": "ch-late"})))
	require.NoError(t, r.Handle(ctx, decision))

	conv, err := store.GetConversation(ctx, "s-claude", event.PlatformClaudeCode)
	require.NoError(t, err)
	require.Equal(t, []bool{true}, conv.AcceptanceDecisions)
}

func TestAcceptanceWithoutChangeIDIsRejected(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReconstructor(t)

	err := r.Handle(ctx, claudeEvent("e-acc", event.TypeAcceptanceDecision, time.Now().UTC(), nil))
	var verr *event.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, event.ReasonSchemaViolation, verr.Reason)
}

func TestOutOfOrderTurnIsFlaggedNotRenumbered(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReconstructor(t)
	base := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	require.NoError(t, r.Handle(ctx, claudeEvent("e-1", event.TypeUserPrompt, base, map[string]any{"prompt": "a"})))
	require.NoError(t, r.Handle(ctx, claudeEvent("e-2", event.TypeAssistantResponse, base.Add(2*time.Second), map[string]any{"response": "b"})))
	require.NoError(t, r.Handle(ctx, claudeEvent("e-3", event.TypeToolUse, base.Add(time.Second), map[string]any{"tool_name": "Grep"})))

	conv, err := store.GetConversation(ctx, "s-claude", event.PlatformClaudeCode)
	require.NoError(t, err)
	turns, err := store.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, 3, turns[2].TurnNumber)
	require.True(t, turns[2].OutOfOrder)
}

func TestLRUEvictsOldest(t *testing.T) {
	c := newLRU(2)
	c.put("a", "1")
	c.put("b", "2")
	_, ok := c.get("a") // refresh a
	require.True(t, ok)
	c.put("c", "3")

	_, ok = c.get("b")
	require.False(t, ok)
	v, ok := c.get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
	v, ok = c.get("c")
	require.True(t, ok)
	require.Equal(t, "3", v)
}
