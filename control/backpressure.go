package control

import (
	"context"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"blueplane.dev/telemetry/streams"
)

// backpressureProbe spaces out backlog depth checks.
const backpressureProbe = 5 * time.Second

// watchBackpressure samples the events backlog. Past the warn threshold it
// logs (rate-limited, the backlog is sampled far more often than anyone needs
// to hear about it); past the critical threshold it pauses the worker pool so
// the fast path gets the machine to itself until the backlog drains below the
// warn threshold again. Producers are never blocked.
func (p *Pipeline) watchBackpressure(ctx context.Context) error {
	warnLimit := rate.NewLimiter(rate.Every(30*time.Second), 1)
	ticker := time.NewTicker(p.probe)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		depth, err := p.c.Streams.Len(ctx, streams.EventsStream)
		if err != nil {
			log.Errorf(ctx, err, "control: backlog probe failed")
			continue
		}
		p.c.Telemetry.RecordGauge("blueplane.backlog.events", float64(depth))

		switch {
		case depth >= p.cfg.Ingest.CriticalBacklog:
			if !p.c.Pool.Paused() {
				log.Warnf(ctx, "control: backlog critical at %d, pausing workers", depth)
				p.c.Pool.Pause()
			}
		case depth < p.cfg.Ingest.WarnBacklog:
			if p.c.Pool.Paused() {
				log.Infof(ctx, "control: backlog recovered at %d, resuming workers", depth)
				p.c.Pool.Resume()
			}
		default:
			if warnLimit.Allow() {
				log.Warnf(ctx, "control: backlog elevated at %d (warn threshold %d)", depth, p.cfg.Ingest.WarnBacklog)
			}
		}
	}
}
