package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the runtime's metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
	PolicyDenials      metric.Int64Counter
	ApprovalsRequested metric.Int64Counter
	GraphNodesExecuted metric.Int64Counter
	ActiveTasks        metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskcore.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskcore.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("taskcore.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("taskcore.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("taskcore.policy.denials",
		metric.WithDescription("Tool calls stopped by sandbox, policy or approval"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsRequested, err = meter.Int64Counter("taskcore.approval.requests",
		metric.WithDescription("Approval requests raised"),
	)
	if err != nil {
		return nil, err
	}

	m.GraphNodesExecuted, err = meter.Int64Counter("taskcore.graph.nodes",
		metric.WithDescription("Graph nodes dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("taskcore.task.active",
		metric.WithDescription("Number of currently running tasks"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// CountDenial increments PolicyDenials tagged with the stopping stage.
func (m *Metrics) CountDenial(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.PolicyDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
