// Package dispatch runs the background loop that moves queued tasks onto
// connected agents: a lease sweep followed by per-region claim/enqueue,
// every tick, for the lifetime of the control plane.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/fleetrelay/controlplane/internal/broker"
	otelpkg "github.com/fleetrelay/controlplane/internal/otel"
	"github.com/fleetrelay/controlplane/internal/registry"
	"github.com/fleetrelay/controlplane/internal/store"
)

const (
	defaultInterval  = 250 * time.Millisecond
	defaultLease     = 300 * time.Second
	defaultRegionCap = 25
)

// Config holds the dispatcher's dependencies and tuning.
type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	Broker   *broker.Broker
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// Metrics instruments are optional; nil skips recording.
	Metrics *otelpkg.Metrics

	// Interval between ticks; defaults to 250ms.
	Interval time.Duration
	// Lease is how long a Running task may go untouched before the sweep
	// requeues it; defaults to 300s.
	Lease time.Duration
	// RegionCap bounds tasks dispatched per region per tick; defaults to 25.
	RegionCap int
}

// Stats is a snapshot of the dispatcher's lifetime counters.
type Stats struct {
	Dispatched     int64
	DispatchFailed int64
	EnqueueFailed  int64
	LeaseRequeued  int64
	TicksCompleted int64
}

// Dispatcher is the periodic claim-and-deliver loop.
type Dispatcher struct {
	store     *store.Store
	registry  *registry.Registry
	broker    *broker.Broker
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otelpkg.Metrics
	interval  time.Duration
	lease     time.Duration
	regionCap int

	dispatched     atomic.Int64
	dispatchFailed atomic.Int64
	enqueueFailed  atomic.Int64
	leaseRequeued  atomic.Int64
	ticks          atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher with the given config.
func New(cfg Config) *Dispatcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	regionCap := cfg.RegionCap
	if regionCap <= 0 {
		regionCap = defaultRegionCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("dispatch")
	}
	return &Dispatcher{
		store:     cfg.Store,
		registry:  cfg.Registry,
		broker:    cfg.Broker,
		logger:    logger,
		tracer:    tracer,
		metrics:   cfg.Metrics,
		interval:  interval,
		lease:     lease,
		regionCap: regionCap,
	}
}

// Start begins the loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("dispatcher started", "interval", d.interval, "lease", d.lease, "region_cap", d.regionCap)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Stats returns the lifetime counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:     d.dispatched.Load(),
		DispatchFailed: d.dispatchFailed.Load(),
		EnqueueFailed:  d.enqueueFailed.Load(),
		LeaseRequeued:  d.leaseRequeued.Load(),
		TicksCompleted: d.ticks.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch round: lease sweep, then per-region dispatch.
// Exported so tests and operational tooling can drive rounds directly.
func (d *Dispatcher) Tick(ctx context.Context) {
	ctx, span := d.tracer.Start(ctx, "dispatch.tick")
	defer span.End()
	defer d.ticks.Add(1)
	if d.metrics != nil {
		start := time.Now()
		defer func() {
			d.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	requeued, err := d.store.RequeueStaleRunning(ctx, d.lease)
	if err != nil {
		d.logger.Error("dispatch: lease sweep failed", "error", err)
	} else if requeued > 0 {
		d.leaseRequeued.Add(requeued)
		if d.metrics != nil {
			d.metrics.LeaseExpiries.Add(ctx, requeued)
		}
		d.logger.Info("dispatch: stale leases requeued", "count", requeued)
	}

	for _, region := range d.registry.Regions() {
		d.dispatchRegion(ctx, region)
	}
}

// dispatchRegion claims and delivers up to regionCap tasks for one region.
// Per-task failures requeue the task, publish the failure event, and end
// the region's round; the loop itself never exits on them.
func (d *Dispatcher) dispatchRegion(ctx context.Context, region string) {
	ctx, span := d.tracer.Start(ctx, "dispatch.region",
		trace.WithAttributes(attribute.String("region", region)))
	defer span.End()

	for i := 0; i < d.regionCap; i++ {
		if ctx.Err() != nil {
			return
		}
		task, err := d.store.ClaimNextQueued(ctx, region)
		if err != nil {
			d.logger.Error("dispatch: claim failed", "region", region, "error", err)
			return
		}
		if task == nil {
			return
		}

		entry := d.registry.Pick(region)
		if entry == nil {
			// Raced with a disconnect; put the task back for a later tick.
			d.requeue(ctx, task.ID)
			d.dispatchFailed.Add(1)
			if d.metrics != nil {
				d.metrics.DispatchFailures.Add(ctx, 1)
			}
			d.broker.PublishJob(task.JobID, "task.dispatch_failed", map[string]any{
				"taskId": task.ID,
				"error":  "no agent available",
			})
			return
		}

		if !d.registry.EnqueueTask(entry, *task) {
			d.requeue(ctx, task.ID)
			d.enqueueFailed.Add(1)
			if d.metrics != nil {
				d.metrics.DispatchFailures.Add(ctx, 1)
			}
			d.broker.PublishJob(task.JobID, "task.enqueue_failed", map[string]any{
				"taskId":  task.ID,
				"agentId": entry.AgentID,
			})
			return
		}

		d.dispatched.Add(1)
		if d.metrics != nil {
			d.metrics.TasksDispatched.Add(ctx, 1)
		}
		d.logger.Info("task dispatched", "task_id", task.ID, "job_id", task.JobID,
			"agent_id", entry.AgentID, "region", region, "attempt", task.Attempt)
		d.broker.PublishJob(task.JobID, "task.dispatched", map[string]any{
			"taskId":  task.ID,
			"agentId": entry.AgentID,
		})
	}
}

func (d *Dispatcher) requeue(ctx context.Context, taskID string) {
	if err := d.store.RequeueTask(ctx, taskID); err != nil {
		d.logger.Error("dispatch: requeue failed", "task_id", taskID, "error", err)
	}
}
