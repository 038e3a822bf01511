package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"

	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/ingest"
	"blueplane.dev/telemetry/streams"
)

type (
	// statsPayload is the /stats response body.
	statsPayload struct {
		Ingest   ingestStats   `json:"ingest"`
		Workers  workerStats   `json:"workers"`
		Backlog  backlogStats  `json:"backlog"`
		Activity activityStats `json:"activity"`
	}

	ingestStats struct {
		Accepted     uint64 `json:"accepted"`
		Duplicates   uint64 `json:"duplicates"`
		DeadLettered uint64 `json:"dead_lettered"`
		Skewed       uint64 `json:"skewed"`
	}

	workerStats struct {
		Processed uint64 `json:"processed"`
		Retried   uint64 `json:"retried"`
		Exhausted uint64 `json:"exhausted"`
		Paused    bool   `json:"paused"`
	}

	backlogStats struct {
		Events int64 `json:"events"`
		// LagMS is now minus the oldest unprocessed entry's enqueue time;
		// -1 when the probe failed.
		LagMS int64 `json:"lag_ms"`
	}

	// activityStats summarizes the trailing hour from the trace store.
	activityStats struct {
		WindowSeconds   int64 `json:"window_seconds"`
		ToolInvocations int64 `json:"tool_invocations"`
		TokensUsed      int64 `json:"tokens_used"`
	}

	// pinger adapts a named ping function to health.Pinger.
	pinger struct {
		name string
		ping func(context.Context) error
	}
)

func (p pinger) Name() string                   { return p.name }
func (p pinger) Ping(ctx context.Context) error { return p.ping(ctx) }

// healthMux serves /health (process up), /ready (dependencies answer) and
// /stats, plus the clue debug mounts for pprof and runtime log-level control.
func (p *Pipeline) healthMux() http.Handler {
	mux := http.NewServeMux()
	checker := health.NewChecker(
		pinger{name: "redis", ping: p.c.Streams.Ping},
		pinger{name: "trace", ping: p.c.Trace.Ping},
	)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})
	mux.Handle("/ready", health.Handler(checker))
	mux.HandleFunc("/stats", p.handleStats)
	debug.MountDebugLogEnabler(mux)
	debug.MountPprofHandlers(mux)
	return mux
}

func (p *Pipeline) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	is := p.c.Ingester.Stats()
	ws := p.c.Pool.Stats()
	depth, err := p.c.Streams.Len(ctx, streams.EventsStream)
	if err != nil {
		depth = -1
	}
	lagMS := int64(-1)
	if lag, err := p.c.Streams.Lag(ctx, streams.EventsStream, ingest.DefaultGroup); err == nil {
		lagMS = lag.Milliseconds()
	}
	payload := statsPayload{
		Ingest: ingestStats{
			Accepted:     is.Accepted,
			Duplicates:   is.Duplicates,
			DeadLettered: is.DeadLettered,
			Skewed:       is.Skewed,
		},
		Workers: workerStats{
			Processed: ws.Processed,
			Retried:   ws.Retried,
			Exhausted: ws.Exhausted,
			Paused:    p.c.Pool.Paused(),
		},
		Backlog:  backlogStats{Events: depth, LagMS: lagMS},
		Activity: p.activity(ctx),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

// activity folds the trace store's trailing-hour aggregates. Failures leave
// zeros; /stats stays best effort.
func (p *Pipeline) activity(ctx context.Context) activityStats {
	const window = time.Hour
	out := activityStats{WindowSeconds: int64(window.Seconds())}
	since := time.Now().Add(-window)
	if usage, err := p.c.Trace.ToolUsageSince(ctx, since); err == nil {
		for _, u := range usage {
			out.ToolInvocations += u.Invocations
		}
	}
	for _, platform := range []event.Platform{event.PlatformClaudeCode, event.PlatformCursor} {
		if tokens, err := p.c.Trace.TokensUsedSince(ctx, platform, since); err == nil {
			out.TokensUsed += tokens
		}
	}
	return out
}
