package gateway_test

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/gateway"
	"github.com/basket/taskcore/internal/otel"
)

func TestRequestsAreTraced(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	reader := metric.NewManualReader()
	tel, err := otel.Init(context.Background(), otel.Config{Enabled: true},
		otel.WithSpanExporter(exp), otel.WithMetricReader(reader), otel.WithoutGlobal())
	if err != nil {
		t.Fatalf("otel.Init: %v", err)
	}
	defer tel.Shutdown(context.Background())

	srv := gateway.New(gateway.Config{
		Runtime:   newFakeRunner(),
		Approvals: approval.NewQueue(),
		Gateway:   config.GatewayConfig{},
		Telemetry: tel,
	})
	h := srv.Handler()
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/nowhere", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", rec.Code)
	}

	if err := tel.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	routes := map[string]int64{}
	for _, s := range exp.GetSpans() {
		var route string
		var status int64
		for _, kv := range s.Attributes {
			switch kv.Key {
			case "http.route":
				route = kv.Value.AsString()
			case "http.response.status_code":
				status = kv.Value.AsInt64()
			}
		}
		routes[route] = status
	}
	if routes["GET /healthz"] != http.StatusOK || routes["unmatched"] != http.StatusNotFound {
		t.Fatalf("span routes = %v", routes)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var count uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok && m.Name == "taskcore.request.duration" {
				for _, dp := range h.DataPoints {
					count += dp.Count
				}
			}
		}
	}
	if count != 2 {
		t.Fatalf("request duration samples = %d, want 2", count)
	}
}
