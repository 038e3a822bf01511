package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Wire field names. The stream carries events as a flat key→string mapping;
// Payload and Metadata are JSON-encoded strings within it.
const (
	fieldEventID    = "event_id"
	fieldEnqueuedAt = "enqueued_at"
	fieldRetryCount = "retry_count"
	fieldPlatform   = "platform"
	fieldSessionID  = "external_session_id"
	fieldHookType   = "hook_type"
	fieldEventType  = "event_type"
	fieldTimestamp  = "timestamp"
	fieldPayload    = "payload"
	fieldMetadata   = "metadata"
)

// objectSchema constrains the structured portions of the envelope: payload
// must be a JSON object and metadata must be an object carrying
// workspace_hash. The flat scalar fields are checked in Validate directly;
// only the nested documents warrant a schema.
const objectSchema = `{
	"type": "object",
	"properties": {
		"payload": {"type": "object"},
		"metadata": {
			"type": "object",
			"required": ["workspace_hash"],
			"properties": {"workspace_hash": {"type": "string", "minLength": 1}}
		}
	},
	"required": ["metadata"]
}`

var envelopeSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(objectSchema))
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	s, err := c.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	return s
}

// validateObjects runs the compiled JSON schema over the nested payload and
// metadata documents.
func validateObjects(payload, metadata map[string]any) error {
	doc := map[string]any{"metadata": normalize(metadata)}
	if payload != nil {
		doc["payload"] = normalize(payload)
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return &ValidationError{Reason: ReasonSchemaViolation, Detail: err.Error()}
	}
	return nil
}

// normalize round-trips a map through JSON so schema validation sees the
// exact value space a decoded wire document would have. Maps built in-process
// may contain types (time.Time, int) that json.Unmarshal would never produce.
func normalize(m map[string]any) any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// Encode serializes the event into its flat wire form. It validates first so
// a malformed event can never reach the stream from this process.
func Encode(e *Event) (map[string]string, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	fields := map[string]string{
		fieldEventID:    e.ID,
		fieldRetryCount: strconv.Itoa(e.RetryCount),
		fieldPlatform:   string(e.Platform),
		fieldSessionID:  e.ExternalSessionID,
		fieldHookType:   e.HookType,
		fieldEventType:  string(e.Type),
		fieldTimestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldPayload:    string(payload),
		fieldMetadata:   string(metadata),
	}
	if !e.EnqueuedAt.IsZero() {
		fields[fieldEnqueuedAt] = e.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields, nil
}

// Decode parses a flat wire mapping back into an Event and validates it.
// Failures return a *ValidationError suitable for dead-lettering.
func Decode(fields map[string]string) (*Event, error) {
	e := &Event{
		ID:                fields[fieldEventID],
		Platform:          Platform(fields[fieldPlatform]),
		ExternalSessionID: fields[fieldSessionID],
		HookType:          fields[fieldHookType],
		Type:              Type(fields[fieldEventType]),
	}
	if v := fields[fieldRetryCount]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Detail: fmt.Sprintf("bad retry_count %q", v)}
		}
		e.RetryCount = n
	}
	ts, err := parseWireTime(fields[fieldTimestamp])
	if err != nil {
		return nil, &ValidationError{Reason: ReasonSchemaViolation, Detail: fmt.Sprintf("bad timestamp %q", fields[fieldTimestamp])}
	}
	e.Timestamp = ts
	if v := fields[fieldEnqueuedAt]; v != "" {
		at, err := parseWireTime(v)
		if err != nil {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Detail: fmt.Sprintf("bad enqueued_at %q", v)}
		}
		e.EnqueuedAt = at
	}
	if v := fields[fieldPayload]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &e.Payload); err != nil {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Detail: "payload is not a JSON object"}
		}
	}
	if v := fields[fieldMetadata]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &e.Metadata); err != nil {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Detail: "metadata is not a JSON object"}
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// EncodeJSON serializes the full event as a single JSON document. This is the
// form stored (compressed) in the raw-trace event_data column so a trace row
// can be replayed losslessly.
func EncodeJSON(e *Event) ([]byte, error) {
	return json.Marshal(wireJSON{
		EventID:           e.ID,
		EnqueuedAt:        timePtr(e.EnqueuedAt),
		RetryCount:        e.RetryCount,
		Platform:          string(e.Platform),
		ExternalSessionID: e.ExternalSessionID,
		HookType:          e.HookType,
		EventType:         string(e.Type),
		Timestamp:         e.Timestamp.UTC(),
		Payload:           e.Payload,
		Metadata:          e.Metadata,
	})
}

// DecodeJSON parses a document produced by EncodeJSON.
func DecodeJSON(raw []byte) (*Event, error) {
	var w wireJSON
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	e := &Event{
		ID:                w.EventID,
		RetryCount:        w.RetryCount,
		Platform:          Platform(w.Platform),
		ExternalSessionID: w.ExternalSessionID,
		HookType:          w.HookType,
		Type:              Type(w.EventType),
		Timestamp:         w.Timestamp,
		Payload:           w.Payload,
		Metadata:          w.Metadata,
	}
	if w.EnqueuedAt != nil {
		e.EnqueuedAt = *w.EnqueuedAt
	}
	return e, nil
}

type wireJSON struct {
	EventID           string         `json:"event_id"`
	EnqueuedAt        *time.Time     `json:"enqueued_at,omitempty"`
	RetryCount        int            `json:"retry_count"`
	Platform          string         `json:"platform"`
	ExternalSessionID string         `json:"external_session_id,omitempty"`
	HookType          string         `json:"hook_type,omitempty"`
	EventType         string         `json:"event_type"`
	Timestamp         time.Time      `json:"timestamp"`
	Payload           map[string]any `json:"payload,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseWireTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
