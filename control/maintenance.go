package control

import (
	"context"
	"time"

	"goa.design/clue/log"

	"blueplane.dev/telemetry/streams"
)

// runMaintenance owns the periodic housekeeping: idle-session sweeps, metric
// rollups and expiry, stale-delivery reclaims on the short cadence; trace
// retention vacuum and dead-letter trimming on the long one. Failures are
// logged and retried next tick, never fatal.
func (p *Pipeline) runMaintenance(ctx context.Context) error {
	sweep := time.NewTicker(p.cfg.Retention.SweepInterval)
	defer sweep.Stop()
	vacuum := time.NewTicker(p.cfg.Retention.VacuumInterval)
	defer vacuum.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			p.sweepOnce(ctx)
		case <-vacuum.C:
			p.vacuumOnce(ctx)
		}
	}
}

func (p *Pipeline) sweepOnce(ctx context.Context) {
	if n, err := p.c.Trace.SweepIdleSessions(ctx, p.cfg.Retention.SessionIdle); err != nil {
		log.Errorf(ctx, err, "control: idle session sweep failed")
	} else if n > 0 {
		log.Infof(ctx, "control: closed %d idle sessions", n)
	}
	if err := p.c.Metrics.Sweep(ctx); err != nil {
		log.Errorf(ctx, err, "control: metrics sweep failed")
	}
	if n, err := p.c.Ingester.Reclaim(ctx, p.cfg.Workers.StaleIdle); err != nil {
		log.Errorf(ctx, err, "control: stale delivery reclaim failed")
	} else if n > 0 {
		log.Infof(ctx, "control: reclaimed %d stale deliveries", n)
	}
}

func (p *Pipeline) vacuumOnce(ctx context.Context) {
	if err := p.c.Trace.Vacuum(ctx, p.cfg.Retention.Traces); err != nil {
		log.Errorf(ctx, err, "control: trace vacuum failed")
	}
	if err := p.c.Streams.TrimOlderThan(ctx, streams.DLQStream, p.cfg.Retention.DLQ); err != nil {
		log.Errorf(ctx, err, "control: dead letter trim failed")
	}
}
