// Package daemon wires the bus connector, dispatcher, registry, and
// per-healer pipelines into one process-wide task group, and exposes the
// New/Run/Stop surface cmd/heal drives.
package daemon

import (
	"context"
	"log/slog"

	"github.com/cloudwatt/contrail-healer-go/internal/bus"
	"github.com/cloudwatt/contrail-healer-go/internal/dispatch"
	"github.com/cloudwatt/contrail-healer-go/internal/healer"
	"github.com/cloudwatt/contrail-healer-go/internal/pipeline"
	"github.com/cloudwatt/contrail-healer-go/internal/registry"
	"github.com/cloudwatt/contrail-healer-go/internal/taskgroup"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/logging"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/metrics"
)

// Options configures a Daemon.
type Options struct {
	RabbitURL   string
	RabbitVhost string
	HealerNames []string
	Dial        bus.Dialer
}

// Daemon owns the bus connector, the dispatch table, and every healer's
// pipeline, plus the task group they all run under.
type Daemon struct {
	grp       *taskgroup.Group
	connector *bus.Connector
	recorder  *metrics.Recorder
	log       logging.Logger
}

// New builds every pipeline from opts.HealerNames, wires the dispatcher
// against the registry's dispatch table, and constructs (but does not yet
// run) the bus connector.
func New(ctx context.Context, opts Options, log logging.Logger) (*Daemon, error) {
	rec := metrics.New()

	table, err := registry.Build(opts.HealerNames)
	if err != nil {
		return nil, err
	}

	grp := taskgroup.New(ctx)

	pipelines := make(map[healer.Healer]*pipeline.Pipeline, len(table.Healers()))
	for _, h := range table.Healers() {
		p := pipeline.New(h, h.Descriptor().WithDefaults(), log, rec)
		pipelines[h] = p
	}

	disp := dispatch.New(table, pipelines, log, rec)
	connector := bus.New(opts.RabbitURL, opts.RabbitVhost, opts.Dial, log, rec, disp.Handle)

	for _, p := range pipelines {
		p.Start(grp)
	}

	return &Daemon{grp: grp, connector: connector, recorder: rec, log: log}, nil
}

// Metrics returns the Prometheus recorder backing the /metrics endpoint.
func (d *Daemon) Metrics() *metrics.Recorder { return d.recorder }

// Run starts the bus connector and blocks until the task group's context is
// cancelled or a task returns a fatal error.
func (d *Daemon) Run(ctx context.Context) error {
	d.grp.Spawn(func(ctx context.Context) error { return d.connector.Run(ctx) })
	d.log.Info(ctx, "daemon started", slog.String("bus_state", d.connector.State().String()))
	return d.grp.WaitUntilAnyError()
}

// Stop cancels every task group goroutine; cooperative, returns immediately.
func (d *Daemon) Stop() { d.grp.CancelAll() }
