package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TasksCancelled    metric.Int64Counter
	ApprovalsRequired metric.Int64Counter
	ApprovalsTimedOut metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("conductor.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("conductor.task.completed",
		metric.WithDescription("Tasks completed successfully, by repo key"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("conductor.task.failed",
		metric.WithDescription("Tasks that failed, by repo key"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("conductor.task.cancelled",
		metric.WithDescription("Tasks cancelled, by repo key"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsRequired, err = meter.Int64Counter("conductor.approval.requested",
		metric.WithDescription("Approval requests raised"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsTimedOut, err = meter.Int64Counter("conductor.approval.timed_out",
		metric.WithDescription("Approval requests that hit their deadline unanswered"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// QueueObservation is one sample of the queue's gauge values, pulled at
// metric collection time rather than pushed on every state change.
type QueueObservation struct {
	QueueDepth       int64
	ActiveRepos      int64
	BusDroppedEvents int64
}

// RegisterQueueGauges registers observable gauges for queue depth, active
// repos, and bus drop count, sampled from observe at each collection.
func RegisterQueueGauges(meter metric.Meter, observe func() QueueObservation) error {
	depth, err := meter.Int64ObservableGauge("conductor.queue.depth",
		metric.WithDescription("Total queued-or-processing tasks across all repos"),
	)
	if err != nil {
		return err
	}
	active, err := meter.Int64ObservableGauge("conductor.repos.active",
		metric.WithDescription("Number of repos with a task currently processing"),
	)
	if err != nil {
		return err
	}
	dropped, err := meter.Int64ObservableGauge("conductor.bus.dropped_events",
		metric.WithDescription("Update Bus events dropped due to a full subscriber buffer"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		obs := observe()
		o.ObserveInt64(depth, obs.QueueDepth)
		o.ObserveInt64(active, obs.ActiveRepos)
		o.ObserveInt64(dropped, obs.BusDroppedEvents)
		return nil
	}, depth, active, dropped)
	return err
}
