package ingest

import (
	"fmt"
	"time"

	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/trace"
)

// buildRow converts a validated envelope into a trace row: the full event is
// compressed into event_data and a handful of hot scalars are denormalized
// into columns so dashboard queries never touch the blob.
func buildRow(e *event.Event) (trace.Row, error) {
	raw, err := event.EncodeJSON(e)
	if err != nil {
		return trace.Row{}, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	blob, err := event.Compress(raw)
	if err != nil {
		return trace.Row{}, fmt.Errorf("compress event %s: %w", e.ID, err)
	}
	row := trace.Row{
		IngestedAt:        time.Now().UTC(),
		EventID:           e.ID,
		ExternalSessionID: e.ExternalSessionID,
		EventType:         e.Type,
		Timestamp:         e.Timestamp,
		WorkspaceHash:     e.WorkspaceHash(),
		DurationMS:        payloadInt(e, "duration_ms"),
		TokensUsed:        payloadInt(e, "tokens_used"),
		LinesAdded:        payloadInt(e, "lines_added"),
		LinesRemoved:      payloadInt(e, "lines_removed"),
		EventData:         blob,
	}
	switch e.Platform {
	case event.PlatformCursor:
		row.GenerationUUID = e.PayloadString("generation_uuid")
		row.ComposerID = e.PayloadString("composer_id")
		row.BubbleID = e.PayloadString("bubble_id")
	case event.PlatformClaudeCode:
		row.ToolName = e.PayloadString("tool_name")
		row.Model = e.PayloadString("model")
	}
	return row, nil
}

func payloadInt(e *event.Event, key string) *int64 {
	if n, ok := e.PayloadInt(key); ok {
		return &n
	}
	return nil
}
