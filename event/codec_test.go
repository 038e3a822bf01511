package event

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func validEvent() *Event {
	return &Event{
		ID:                "e-1",
		EnqueuedAt:        time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
		Platform:          PlatformClaudeCode,
		ExternalSessionID: "s-aaaa",
		HookType:          "PostToolUse",
		Type:              TypeToolUse,
		Timestamp:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:           map[string]any{"tool_name": "Read", "duration_ms": float64(120)},
		Metadata:          map[string]any{"workspace_hash": "ws-1"},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := validEvent()
	fields, err := Encode(e)
	require.NoError(t, err)
	require.Equal(t, "e-1", fields["event_id"])
	require.Equal(t, "tool_use", fields["event_type"])
	require.Contains(t, fields["payload"], `"tool_name":"Read"`)

	got, err := Decode(fields)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	fields, err := Encode(validEvent())
	require.NoError(t, err)
	fields["event_type"] = "mystery"

	_, err = Decode(fields)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonSchemaViolation, verr.Reason)
}

func TestDecodeRejectsMissingWorkspaceHash(t *testing.T) {
	fields, err := Encode(validEvent())
	require.NoError(t, err)
	fields["metadata"] = `{"other":"x"}`

	_, err = Decode(fields)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonSchemaViolation, verr.Reason)
	require.Contains(t, verr.Detail, "workspace_hash")
}

func TestValidateOversizePayload(t *testing.T) {
	e := validEvent()
	e.Payload = map[string]any{"blob": strings.Repeat("x", MaxPayloadBytes+1)}

	err := e.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonPayloadTooLarge, verr.Reason)
}

func TestDecodeMalformedPayloadJSON(t *testing.T) {
	fields, err := Encode(validEvent())
	require.NoError(t, err)
	fields["payload"] = "{not json"

	_, err = Decode(fields)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, ReasonSchemaViolation, verr.Reason)
}

func TestSkewedBy(t *testing.T) {
	e := validEvent()
	e.Timestamp = e.EnqueuedAt.Add(10 * time.Minute)
	require.Equal(t, 10*time.Minute, e.SkewedBy(DefaultSkewTolerance))

	e.Timestamp = e.EnqueuedAt.Add(time.Minute)
	require.Zero(t, e.SkewedBy(DefaultSkewTolerance))
}

func TestEncodeJSONRoundTrip(t *testing.T) {
	e := validEvent()
	raw, err := EncodeJSON(e)
	require.NoError(t, err)
	got, err := DecodeJSON(raw)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestPriorityMapping(t *testing.T) {
	require.Equal(t, 1, TypeUserPrompt.Priority())
	require.Equal(t, 1, TypeAcceptanceDecision.Priority())
	require.Equal(t, 2, TypeToolUse.Priority())
	require.Equal(t, 2, TypeCompletion.Priority())
	require.Equal(t, 3, TypePerformance.Priority())
	require.Equal(t, 4, TypeSessionStart.Priority())
	require.Equal(t, 4, TypeSessionEnd.Priority())
	require.Equal(t, 5, TypeDatabaseTrace.Priority())
}

// TestCodecRoundTripProperty drives Encode/Decode with generated envelopes to
// check that the wire codec never loses or mutates a field.
func TestCodecRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	types := []Type{
		TypeSessionStart, TypeSessionEnd, TypeUserPrompt, TypeAssistantResponse,
		TypeToolUse, TypeCompletion, TypeCodeChange, TypeAcceptanceDecision,
		TypePerformance, TypeDatabaseTrace,
	}
	platforms := []Platform{PlatformClaudeCode, PlatformCursor}

	properties.Property("decode(encode(e)) == e", prop.ForAll(
		func(id, sessionID, hook, ws, key, val string, typeIdx, platIdx, retry int, unixSec int64) bool {
			e := &Event{
				ID:                "e-" + id,
				RetryCount:        retry,
				Platform:          platforms[platIdx%len(platforms)],
				ExternalSessionID: sessionID,
				HookType:          hook,
				Type:              types[typeIdx%len(types)],
				Timestamp:         time.Unix(unixSec, 0).UTC(),
				EnqueuedAt:        time.Unix(unixSec+1, 0).UTC(),
				Payload:           map[string]any{key: val},
				Metadata:          map[string]any{"workspace_hash": "ws-" + ws},
			}
			fields, err := Encode(e)
			if err != nil {
				return false
			}
			got, err := Decode(fields)
			if err != nil {
				return false
			}
			if got.ID != e.ID || got.Type != e.Type || got.Platform != e.Platform ||
				got.RetryCount != e.RetryCount || !got.Timestamp.Equal(e.Timestamp) ||
				!got.EnqueuedAt.Equal(e.EnqueuedAt) || got.ExternalSessionID != e.ExternalSessionID {
				return false
			}
			return got.Payload[key] == val && got.WorkspaceHash() == "ws-"+ws
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
		gen.IntRange(0, 9),
		gen.IntRange(0, 1),
		gen.IntRange(0, 5),
		gen.Int64Range(0, 4102444800),
	))

	properties.TestingRun(t)
}
