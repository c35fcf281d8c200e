package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the control plane's metric instruments.
type Metrics struct {
	TasksDispatched  metric.Int64Counter
	DispatchFailures metric.Int64Counter
	LeaseExpiries    metric.Int64Counter
	TasksFinished    metric.Int64Counter
	EventsPublished  metric.Int64Counter
	ConnectedAgents  metric.Int64UpDownCounter
	TickDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("controlplane.tasks.dispatched",
		metric.WithDescription("Tasks handed to an agent send queue"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchFailures, err = meter.Int64Counter("controlplane.tasks.dispatch_failures",
		metric.WithDescription("Claims requeued because no agent was available or the enqueue failed"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseExpiries, err = meter.Int64Counter("controlplane.tasks.lease_expiries",
		metric.WithDescription("Running tasks demoted to queued by the lease sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("controlplane.tasks.finished",
		metric.WithDescription("Task results applied, success or failure"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("controlplane.events.published",
		metric.WithDescription("Events fanned out across all topic spaces"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectedAgents, err = meter.Int64UpDownCounter("controlplane.agents.connected",
		metric.WithDescription("Currently connected agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TickDuration, err = meter.Float64Histogram("controlplane.dispatch.tick_duration",
		metric.WithDescription("Dispatcher tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
