// Package conversation rebuilds chat threads from raw trace events. The
// reconstructor is the slow-path consumer behind the conversation worker
// type: it maps each event kind onto the conversations, turns and code-change
// tables, keeping every write idempotent so CDC redelivery is harmless.
//
// Prompt and response content never reaches storage; turns carry only a
// content hash.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"goa.design/clue/log"

	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/trace"
)

type (
	// Options configures the reconstructor.
	Options struct {
		// Trace is the trace store. Required.
		Trace *trace.Store
		// CacheSize bounds the conversation and session ID caches.
		// Defaults to 256 each.
		CacheSize int
	}

	// Reconstructor applies trace events to the conversation model. Safe for
	// concurrent use: handling is serialized under a mutex, which costs
	// nothing in practice since the store serializes writes anyway.
	Reconstructor struct {
		trace *trace.Store

		mu       sync.Mutex
		convs    *lru // platform|external_id → conversation id
		sessions *lru // external session id → internal session id
	}
)

// New validates opts and constructs a reconstructor.
func New(opts Options) (*Reconstructor, error) {
	if opts.Trace == nil {
		return nil, errors.New("trace store is required")
	}
	return &Reconstructor{
		trace:    opts.Trace,
		convs:    newLRU(opts.CacheSize),
		sessions: newLRU(opts.CacheSize),
	}, nil
}

// Handle applies one event. Events the reconstructor does not model
// (performance, database_trace) are ignored.
func (r *Reconstructor) Handle(ctx context.Context, e *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Type {
	case event.TypeSessionStart:
		return r.handleSessionStart(ctx, e)
	case event.TypeSessionEnd:
		return r.handleSessionEnd(ctx, e)
	case event.TypeUserPrompt:
		return r.appendTurn(ctx, e, "user_prompt", contentHash(e), nil)
	case event.TypeAssistantResponse:
		return r.appendTurn(ctx, e, "assistant_response", contentHash(e), nil)
	case event.TypeToolUse:
		var tools []string
		if name := e.PayloadString("tool_name"); name != "" {
			tools = []string{name}
		}
		return r.appendTurn(ctx, e, "tool_use", "", tools)
	case event.TypeCompletion:
		// Completions are assistant output; the turn enum has no separate
		// completion kind.
		return r.appendTurn(ctx, e, "assistant_response", contentHash(e), nil)
	case event.TypeCodeChange:
		return r.handleCodeChange(ctx, e)
	case event.TypeAcceptanceDecision:
		return r.handleAcceptance(ctx, e)
	case event.TypePerformance, event.TypeDatabaseTrace:
		return nil
	default:
		return fmt.Errorf("unhandled event type %q", e.Type)
	}
}

func (r *Reconstructor) handleSessionStart(ctx context.Context, e *event.Event) error {
	if err := r.trace.UpsertWorkspace(ctx, e.WorkspaceHash(), workspacePath(e), workspaceName(e), e.Timestamp); err != nil {
		return err
	}
	if e.Platform == event.PlatformCursor {
		_, err := r.sessionID(ctx, e)
		return err
	}
	_, err := r.conversationID(ctx, e)
	return err
}

func (r *Reconstructor) handleSessionEnd(ctx context.Context, e *event.Event) error {
	if e.Platform == event.PlatformCursor {
		return r.trace.EndCursorSession(ctx, sessionExternalID(e), e.Timestamp)
	}
	return r.trace.EndConversation(ctx, conversationExternalID(e), e.Platform, e.Timestamp)
}

func (r *Reconstructor) appendTurn(ctx context.Context, e *event.Event, turnType, hash string, tools []string) error {
	convID, err := r.conversationID(ctx, e)
	if err != nil {
		return err
	}
	_, inserted, err := r.trace.AppendTurn(ctx, trace.TurnParams{
		ConversationID: convID,
		EventID:        e.ID,
		Timestamp:      e.Timestamp,
		TurnType:       turnType,
		ContentHash:    hash,
		TokensUsed:     payloadInt(e, "tokens_used"),
		LatencyMS:      payloadInt(e, "duration_ms"),
		ToolsCalled:    tools,
	})
	if err != nil {
		return err
	}
	if !inserted {
		log.Debugf(ctx, "conversation: turn for event %s already recorded", e.ID)
	}
	return nil
}

func (r *Reconstructor) handleCodeChange(ctx context.Context, e *event.Event) error {
	convID, err := r.conversationID(ctx, e)
	if err != nil {
		return err
	}
	changeID := e.PayloadString("change_id")
	if changeID == "" {
		// Without a producer change ID the acceptance decision can never be
		// correlated; the event ID at least keeps the change itself unique.
		changeID = e.ID
	}
	operation := e.PayloadString("operation")
	if operation == "" {
		operation = "edit"
	}
	var added, removed int64
	if n, ok := e.PayloadInt("lines_added"); ok {
		added = n
	}
	if n, ok := e.PayloadInt("lines_removed"); ok {
		removed = n
	}
	_, err = r.trace.InsertCodeChange(ctx, trace.CodeChangeParams{
		ConversationID: convID,
		EventID:        e.ID,
		ChangeID:       changeID,
		Timestamp:      e.Timestamp,
		FileExtension:  e.PayloadString("file_extension"),
		Operation:      operation,
		LinesAdded:     added,
		LinesRemoved:   removed,
	})
	return err
}

// handleAcceptance resolves a pending code change. A per-event latch in the
// pipeline KV makes the decision exactly-once across redeliveries; the latch
// is released on failure so a retry can land it.
func (r *Reconstructor) handleAcceptance(ctx context.Context, e *event.Event) error {
	changeID := e.PayloadString("change_id")
	if changeID == "" {
		return &event.ValidationError{Reason: event.ReasonSchemaViolation, Detail: "acceptance_decision without change_id"}
	}
	latch := "accept:" + e.ID
	first, err := r.trace.KVSetIfAbsent(ctx, latch, "1")
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	convID, err := r.conversationID(ctx, e)
	if err != nil {
		_ = r.trace.KVDelete(ctx, latch)
		return err
	}
	accepted, _ := e.PayloadBool("accepted")
	if err := r.trace.ResolveAcceptance(ctx, convID, changeID, accepted, payloadInt(e, "acceptance_delay_ms")); err != nil {
		_ = r.trace.KVDelete(ctx, latch)
		return err
	}
	return nil
}

// conversationID resolves (creating if needed) the internal conversation ID
// for the event, going through the per-worker cache.
func (r *Reconstructor) conversationID(ctx context.Context, e *event.Event) (string, error) {
	external := conversationExternalID(e)
	if external == "" {
		return "", &event.ValidationError{Reason: event.ReasonSchemaViolation, Detail: "event has no conversation identity"}
	}
	key := string(e.Platform) + "|" + external
	if id, ok := r.convs.get(key); ok {
		return id, nil
	}
	var sessionID string
	if e.Platform == event.PlatformCursor {
		var err error
		if sessionID, err = r.sessionID(ctx, e); err != nil {
			return "", err
		}
	}
	id, _, err := r.trace.EnsureConversation(ctx, external, e.Platform, sessionID, e.WorkspaceHash(), e.Timestamp)
	if err != nil {
		return "", err
	}
	r.convs.put(key, id)
	return id, nil
}

// sessionID resolves the internal cursor session ID, synthesizing a
// per-workspace session when the producer did not supply one.
func (r *Reconstructor) sessionID(ctx context.Context, e *event.Event) (string, error) {
	external := sessionExternalID(e)
	if external == "" {
		return "", &event.ValidationError{Reason: event.ReasonSchemaViolation, Detail: "cursor event has no session identity"}
	}
	if id, ok := r.sessions.get(external); ok {
		return id, nil
	}
	id, _, err := r.trace.EnsureCursorSession(ctx, external, e.WorkspaceHash(), workspacePath(e), e.Timestamp)
	if err != nil {
		return "", err
	}
	r.sessions.put(external, id)
	return id, nil
}

// conversationExternalID picks the producer-facing thread identity: claude
// sessions are conversations; cursor threads are keyed by composer.
func conversationExternalID(e *event.Event) string {
	if e.Platform == event.PlatformClaudeCode {
		return e.ExternalSessionID
	}
	if id := e.PayloadString("composer_id"); id != "" {
		return id
	}
	return e.PayloadString("generation_uuid")
}

// sessionExternalID returns the cursor session identity, synthesized from the
// workspace when absent (the Cursor DB monitor has no window identity).
func sessionExternalID(e *event.Event) string {
	if e.ExternalSessionID != "" {
		return e.ExternalSessionID
	}
	if ws := e.WorkspaceHash(); ws != "" {
		return "cursor-" + ws
	}
	return ""
}

// contentHash hashes the turn content so correlation survives without storing
// text. The first populated content-bearing field wins.
func contentHash(e *event.Event) string {
	for _, key := range []string{"prompt", "response", "content", "text"} {
		if v := e.PayloadString(key); v != "" {
			sum := sha256.Sum256([]byte(v))
			return hex.EncodeToString(sum[:])
		}
	}
	return ""
}

func workspacePath(e *event.Event) string {
	if e.Metadata == nil {
		return ""
	}
	if p, ok := e.Metadata["workspace_path"].(string); ok {
		return p
	}
	return ""
}

func workspaceName(e *event.Event) string {
	if e.Metadata == nil {
		return ""
	}
	if n, ok := e.Metadata["workspace_name"].(string); ok {
		return n
	}
	return ""
}

func payloadInt(e *event.Event, key string) *int64 {
	if n, ok := e.PayloadInt(key); ok {
		return &n
	}
	return nil
}
