package workers

import (
	"context"
	"errors"
	"fmt"

	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/metrics"
)

// MetricsHandler folds events into the time-series store: per-tool usage,
// per-session token consumption and the realtime throughput series the stats
// endpoint reports.
type MetricsHandler struct {
	store metrics.Store
}

// NewMetricsHandler constructs the metrics worker handler.
func NewMetricsHandler(store metrics.Store) (*MetricsHandler, error) {
	if store == nil {
		return nil, errors.New("metrics store is required")
	}
	return &MetricsHandler{store: store}, nil
}

// Handle implements Handler.
func (h *MetricsHandler) Handle(ctx context.Context, e *event.Event) error {
	if err := h.store.Add(ctx, metrics.CategoryRealtime, "events."+string(e.Platform), e.Timestamp, 1); err != nil {
		return err
	}
	switch e.Type {
	case event.TypeToolUse:
		name := e.PayloadString("tool_name")
		if name == "" {
			return nil
		}
		if err := h.store.Add(ctx, metrics.CategoryTools, "tool."+name+".invocations", e.Timestamp, 1); err != nil {
			return err
		}
		if ms, ok := e.PayloadInt("duration_ms"); ok {
			return h.store.Add(ctx, metrics.CategoryTools, "tool."+name+".duration_ms", e.Timestamp, float64(ms))
		}
	case event.TypeAssistantResponse, event.TypeCompletion:
		if tokens, ok := e.PayloadInt("tokens_used"); ok {
			key := "session." + sessionKey(e) + ".tokens"
			return h.store.Add(ctx, metrics.CategorySession, key, e.Timestamp, float64(tokens))
		}
	case event.TypePerformance:
		name := e.PayloadString("metric")
		if name == "" {
			return nil
		}
		value, ok := payloadFloat(e, "value")
		if !ok {
			return fmt.Errorf("performance event %s has no numeric value", e.ID)
		}
		return h.store.Add(ctx, metrics.CategoryRealtime, "perf."+name, e.Timestamp, value)
	}
	return nil
}

func sessionKey(e *event.Event) string {
	if e.ExternalSessionID != "" {
		return e.ExternalSessionID
	}
	if ws := e.WorkspaceHash(); ws != "" {
		return ws
	}
	return "unknown"
}

func payloadFloat(e *event.Event, key string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
