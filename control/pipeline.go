// Package control is the pipeline supervisor: it validates dependencies in
// order at startup, runs the long-lived components, watches backpressure and
// schedules maintenance, and drains everything in reverse order on shutdown.
// The loopback health endpoint is the only network surface the process opens.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/log"

	"blueplane.dev/telemetry/cdc"
	"blueplane.dev/telemetry/config"
	"blueplane.dev/telemetry/ingest"
	"blueplane.dev/telemetry/metrics"
	"blueplane.dev/telemetry/streams"
	"blueplane.dev/telemetry/telemetry"
	"blueplane.dev/telemetry/trace"
	"blueplane.dev/telemetry/workers"
)

type (
	// Ingester is the fast-path surface the supervisor drives.
	Ingester interface {
		Run(ctx context.Context) error
		Reclaim(ctx context.Context, minIdle time.Duration) (int, error)
		Stats() ingest.Stats
	}

	// Pool is the slow-path surface the supervisor drives.
	Pool interface {
		Run(ctx context.Context) error
		Pause()
		Resume()
		Paused() bool
		Stats() workers.Stats
	}

	// Runner is a long-lived component with no control surface.
	Runner interface {
		Run(ctx context.Context) error
	}

	// Announcer repairs the CDC stream at startup. *cdc.Bus satisfies it.
	Announcer interface {
		Backfill(ctx context.Context, src cdc.TraceSource) (int, error)
	}

	// Components are the pipeline's moving parts, constructed by the caller.
	Components struct {
		// Streams is the durable stream client. Required.
		Streams streams.Client
		// Trace is the trace store. Required.
		Trace *trace.Store
		// Metrics is the time-series store. Required.
		Metrics metrics.Store
		// Bus announces trace inserts. Required.
		Bus Announcer
		// Ingester is the fast path. Required.
		Ingester Ingester
		// Pool is the slow path. Required.
		Pool Pool
		// Monitor is the Cursor poller. Optional.
		Monitor Runner
		// Telemetry records pipeline gauges. Defaults to no-op.
		Telemetry telemetry.Metrics
	}

	// Pipeline supervises the components.
	Pipeline struct {
		cfg   config.Config
		c     Components
		probe time.Duration
	}
)

// New validates the component set.
func New(cfg config.Config, c Components) (*Pipeline, error) {
	if c.Streams == nil || c.Trace == nil || c.Metrics == nil || c.Bus == nil || c.Ingester == nil || c.Pool == nil {
		return nil, errors.New("streams, trace, metrics, bus, ingester and pool are all required")
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.NoopMetrics{}
	}
	return &Pipeline{cfg: cfg, c: c, probe: backpressureProbe}, nil
}

// Run brings the pipeline up in dependency order and blocks until ctx is
// canceled or a component fails fatally. Shutdown stops intake first, then
// waits up to the drain timeout for in-flight work.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.connectBroker(ctx); err != nil {
		return err
	}
	if err := p.c.Trace.Migrate(ctx); err != nil {
		return err
	}
	if err := p.c.Trace.VerifySchemaVersion(ctx); err != nil {
		return err
	}
	// Repair announcements lost between a previous insert and publish.
	if n, err := p.c.Bus.Backfill(ctx, p.c.Trace); err != nil {
		log.Errorf(ctx, err, "control: cdc backfill incomplete")
	} else if n > 0 {
		log.Infof(ctx, "control: cdc backfill re-announced %d rows", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 8)
	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	srv, err := p.startHealthServer(runCtx, errc, &wg)
	if err != nil {
		return err
	}
	start("ingest", p.c.Ingester.Run)
	start("workers", p.c.Pool.Run)
	if p.c.Monitor != nil {
		start("cursormon", p.c.Monitor.Run)
	}
	start("backpressure", p.watchBackpressure)
	start("maintenance", p.runMaintenance)
	log.Infof(ctx, "control: pipeline up, health on %s", p.cfg.Health.Addr)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		log.Errorf(ctx, runErr, "control: component failed, shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Infof(ctx, "control: drained cleanly")
	case <-shutdownCtx.Done():
		log.Warnf(ctx, "control: drain timeout after %s, abandoning in-flight work", p.cfg.DrainTimeout)
	}
	return runErr
}

// connectBroker pings the broker with exponential backoff (100ms doubling to
// a 30s ceiling) until it answers or ctx ends. The broker being down at boot
// is routine on workstations; the pipeline waits instead of crash-looping.
func (p *Pipeline) connectBroker(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	const ceiling = 30 * time.Second
	for {
		err := p.c.Streams.Ping(ctx)
		if err == nil {
			return nil
		}
		log.Warnf(ctx, "control: broker unreachable, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("broker never became reachable: %w", err)
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > ceiling {
			backoff = ceiling
		}
	}
}

// startHealthServer binds the loopback control endpoint.
func (p *Pipeline) startHealthServer(ctx context.Context, errc chan error, wg *sync.WaitGroup) (*http.Server, error) {
	host, _, err := net.SplitHostPort(p.cfg.Health.Addr)
	if err != nil || !net.ParseIP(host).IsLoopback() {
		return nil, fmt.Errorf("health address %q must bind a loopback interface", p.cfg.Health.Addr)
	}
	srv := &http.Server{
		Addr:              p.cfg.Health.Addr,
		Handler:           log.HTTP(ctx)(p.healthMux()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("health server: %w", err)
		}
	}()
	return srv, nil
}
