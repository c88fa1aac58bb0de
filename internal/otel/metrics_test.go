package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewMetrics_EveryInstrument(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RequestDuration == nil || m.TaskDuration == nil || m.ToolCallDuration == nil ||
		m.ToolCallErrors == nil || m.PolicyDenials == nil || m.ApprovalsRequested == nil ||
		m.GraphNodesExecuted == nil || m.ActiveTasks == nil {
		t.Fatalf("missing instrument: %+v", m)
	}
}

func TestCountDenial_NilSafe(t *testing.T) {
	var m *Metrics
	m.CountDenial(context.Background(), "sandbox")
}
