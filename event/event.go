// Package event defines the canonical telemetry event envelope shared by all
// producers (IDE hooks, the Cursor extension, the Cursor database monitor) and
// by every stage of the processing pipeline. An Event travels the wire as a
// flat field map (see codec.go); inside the process it is a typed value with
// a closed event-type enum so downstream handlers can dispatch without
// re-inspecting raw JSON.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Platform identifies the IDE integration that produced an event.
	Platform string

	// Type is the closed enum of event kinds the pipeline understands.
	// Unknown values are rejected at decode time and dead-lettered.
	Type string

	// Event is the canonical envelope. Payload and Metadata carry the
	// producer's original JSON objects; the pipeline never interprets
	// Payload beyond extracting a few denormalized scalars.
	Event struct {
		// ID is the producer-assigned globally unique event identifier.
		ID string
		// EnqueuedAt is the instant the stream accepted the event (UTC).
		EnqueuedAt time.Time
		// RetryCount is the number of previous delivery attempts.
		RetryCount int
		// Platform is the producing IDE integration.
		Platform Platform
		// ExternalSessionID is the producer's opaque session identifier.
		ExternalSessionID string
		// HookType is the producer-defined hook label, if any.
		HookType string
		// Type is the event kind.
		Type Type
		// Timestamp is the producer-assigned occurrence time (UTC).
		Timestamp time.Time
		// Payload is the event-specific JSON object.
		Payload map[string]any
		// Metadata carries producer metadata; workspace_hash is required.
		Metadata map[string]any
	}
)

// Platforms.
const (
	PlatformClaudeCode Platform = "claude_code"
	PlatformCursor     Platform = "cursor"
)

// Event types.
const (
	TypeSessionStart       Type = "session_start"
	TypeSessionEnd         Type = "session_end"
	TypeUserPrompt         Type = "user_prompt"
	TypeAssistantResponse  Type = "assistant_response"
	TypeToolUse            Type = "tool_use"
	TypeCompletion         Type = "completion"
	TypeCodeChange         Type = "code_change"
	TypeAcceptanceDecision Type = "acceptance_decision"
	TypePerformance        Type = "performance"
	TypeDatabaseTrace      Type = "database_trace"
)

// MaxPayloadBytes is the serialized payload size cap. Larger events are
// dead-lettered with reason ReasonPayloadTooLarge.
const MaxPayloadBytes = 1 << 20

// DefaultSkewTolerance bounds how far a producer timestamp may run ahead of
// the stream's enqueue time before the event is flagged (but still accepted).
const DefaultSkewTolerance = 5 * time.Minute

// Dead-letter reasons attached by the pipeline.
const (
	ReasonSchemaViolation        = "schema_violation"
	ReasonPayloadTooLarge        = "payload_too_large"
	ReasonWorkerExhausted        = "worker_exhausted"
	ReasonCursorElementMalformed = "cursor_element_malformed"
)

// ValidationError reports why an envelope was rejected. Reason is one of the
// dead-letter reason constants and is carried verbatim into the DLQ entry.
type ValidationError struct {
	Reason string
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event (%s): %s", e.Reason, e.Detail)
}

var validTypes = map[Type]struct{}{
	TypeSessionStart:       {},
	TypeSessionEnd:         {},
	TypeUserPrompt:         {},
	TypeAssistantResponse:  {},
	TypeToolUse:            {},
	TypeCompletion:         {},
	TypeCodeChange:         {},
	TypeAcceptanceDecision: {},
	TypePerformance:        {},
	TypeDatabaseTrace:      {},
}

// Valid reports whether t is a member of the event-type enum.
func (t Type) Valid() bool {
	_, ok := validTypes[t]
	return ok
}

// Priority returns the CDC scheduling priority for the event type. Lower is
// more urgent: user-visible interaction first, lifecycle and misc last.
func (t Type) Priority() int {
	switch t {
	case TypeUserPrompt, TypeAcceptanceDecision:
		return 1
	case TypeToolUse, TypeCompletion:
		return 2
	case TypePerformance:
		return 3
	case TypeSessionStart, TypeSessionEnd:
		return 4
	default:
		return 5
	}
}

// Validate checks the envelope against the schema rules of the wire
// contract. It returns a *ValidationError describing the first violation
// found, or nil. Timestamp skew is deliberately not validated here: skewed
// events are accepted and only logged by the fast path.
func (e *Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Reason: ReasonSchemaViolation, Detail: "missing event_id"}
	}
	if e.Platform != PlatformClaudeCode && e.Platform != PlatformCursor {
		return &ValidationError{Reason: ReasonSchemaViolation, Detail: fmt.Sprintf("unknown platform %q", e.Platform)}
	}
	if !e.Type.Valid() {
		return &ValidationError{Reason: ReasonSchemaViolation, Detail: fmt.Sprintf("unknown event_type %q", e.Type)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Reason: ReasonSchemaViolation, Detail: "missing timestamp"}
	}
	if err := validateObjects(e.Payload, e.Metadata); err != nil {
		return err
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return &ValidationError{Reason: ReasonSchemaViolation, Detail: "payload not serializable"}
		}
		if len(raw) > MaxPayloadBytes {
			return &ValidationError{
				Reason: ReasonPayloadTooLarge,
				Detail: fmt.Sprintf("payload is %d bytes, cap is %d", len(raw), MaxPayloadBytes),
			}
		}
	}
	return nil
}

// SkewedBy returns how far the producer timestamp runs ahead of the enqueue
// time, or zero when within tolerance. Callers log skewed events; they are
// never rejected for skew.
func (e *Event) SkewedBy(tolerance time.Duration) time.Duration {
	if e.EnqueuedAt.IsZero() {
		return 0
	}
	if skew := e.Timestamp.Sub(e.EnqueuedAt); skew > tolerance {
		return skew
	}
	return 0
}

// WorkspaceHash returns the workspace hash from event metadata, or "".
func (e *Event) WorkspaceHash() string {
	if e.Metadata == nil {
		return ""
	}
	if h, ok := e.Metadata["workspace_hash"].(string); ok {
		return h
	}
	return ""
}

// PayloadString returns the named payload field as a string, or "".
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// PayloadInt returns the named payload field as an int64 together with a
// presence flag. JSON numbers decode as float64; producers may also send
// stringified integers, which are accepted.
func (e *Event) PayloadInt(key string) (int64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// PayloadBool returns the named payload field as a bool with a presence flag.
func (e *Event) PayloadBool(key string) (bool, bool) {
	if e.Payload == nil {
		return false, false
	}
	b, ok := e.Payload[key].(bool)
	return b, ok
}
