package otel

import (
	"context"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled config built an sdk tracer provider")
	}
	if p.Tracer == nil || p.Meter == nil || p.Metrics == nil {
		t.Fatalf("noop provider incomplete: %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	for _, name := range []string{ExporterNone, ExporterStdout} {
		p, err := Init(context.Background(), Config{Enabled: true, Exporter: name, ServiceName: "taskcore-test", SampleRate: 0.5}, WithoutGlobal())
		if err != nil {
			t.Fatalf("Init(%s): %v", name, err)
		}
		if p.TracerProvider == nil {
			t.Fatalf("Init(%s): no tracer provider", name)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown(%s): %v", name, err)
		}
	}

	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("unknown exporter err = %v", err)
	}
}

func TestInit_SpansReachExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := Init(context.Background(), Config{Enabled: true}, WithSpanExporter(exp), WithoutGlobal())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, parent := StartSpan(context.Background(), p.Tracer, "runtime.run", AttrTaskID.String("t-1"))
	_, child := StartProducerSpan(ctx, p.Tracer, "kafka.publish")
	child.End()
	_, srv := StartServerSpan(context.Background(), p.Tracer, "gateway GET")
	srv.End()
	parent.End()

	// Shutdown would reset the in-memory exporter, so flush instead.
	if err := p.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("exported %d spans, want 3", len(spans))
	}
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	run, pub := byName["runtime.run"], byName["kafka.publish"]
	if pub.Parent.SpanID() != run.SpanContext.SpanID() {
		t.Fatal("producer span not parented to the run span")
	}
	var sawTask bool
	for _, kv := range run.Attributes {
		if kv.Key == AttrTaskID && kv.Value.AsString() == "t-1" {
			sawTask = true
		}
	}
	if !sawTask {
		t.Fatalf("task id attribute missing: %v", run.Attributes)
	}
}

func TestInit_MetricsReachReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone}, WithMetricReader(reader), WithoutGlobal())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	p.Metrics.CountDenial(context.Background(), "sandbox")
	p.Metrics.CountDenial(context.Background(), "policy")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "taskcore.policy.denials" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("denials data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("denials = %d, want 2", total)
	}
}

func TestOrNoop(t *testing.T) {
	if p := OrNoop(nil); p.Tracer == nil || p.Metrics == nil {
		t.Fatal("OrNoop(nil) incomplete")
	}
	real, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone}, WithoutGlobal())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer real.Shutdown(context.Background())
	if OrNoop(real) != real {
		t.Fatal("OrNoop must return a non-nil provider unchanged")
	}
}
