package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseCollector(t *testing.T) {
	tests := []struct {
		endpoint     string
		force        bool
		wantHost     string
		wantInsecure bool
		wantErr      bool
	}{
		{endpoint: "localhost:4317", wantHost: "localhost:4317", wantInsecure: true},
		{endpoint: "http://otel:4317", wantHost: "otel:4317", wantInsecure: true},
		{endpoint: "https://collector:4317/v1/traces", wantHost: "collector:4317"},
		{endpoint: "https://collector:4317", force: true, wantHost: "collector:4317", wantInsecure: true},
		{endpoint: "http://[invalid", wantErr: true},
		{endpoint: "http://", wantErr: true},
	}
	for _, tt := range tests {
		c, err := parseCollector(tt.endpoint, tt.force)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseCollector(%q) should fail", tt.endpoint)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseCollector(%q): %v", tt.endpoint, err)
		}
		if c.host != tt.wantHost || c.insecure != tt.wantInsecure {
			t.Errorf("parseCollector(%q) = %+v, want host %q insecure %v", tt.endpoint, c, tt.wantHost, tt.wantInsecure)
		}
	}
}

func TestNewProviders_NoEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		p, err := NewProviders(ctx, Options{Endpoint: endpoint, ServiceName: "session-authority"})
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil {
			t.Errorf("NewProviders(%q) left a provider nil: %+v", endpoint, p)
		}
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestNewProviders_BadEndpoint(t *testing.T) {
	if _, err := NewProviders(context.Background(), Options{Endpoint: "http://"}); err == nil {
		t.Error("NewProviders should reject an endpoint without host")
	}
}

func TestNewProviders_WithCollector(t *testing.T) {
	ctx := context.Background()
	// Exporters dial lazily, so no collector needs to be listening.
	p, err := NewProviders(ctx, Options{
		Endpoint:    "localhost:4317",
		ServiceName: "session-authority",
		Environment: "test",
	})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil {
		t.Error("a provider is nil")
	}
	shutdownCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = p.Shutdown(shutdownCtx)
}

func TestNewResource_Environment(t *testing.T) {
	res, err := newResource(Options{ServiceName: "session-authority", Environment: "staging"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if got["service.name"] != "session-authority" || got["deployment.environment.name"] != "staging" {
		t.Errorf("resource attributes = %v", got)
	}
}

func TestAdmitLatencyView_Buckets(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(admitLatencyView()))
	defer func() { _ = mp.Shutdown(ctx) }()

	h, err := mp.Meter("authority").Float64Histogram(AdmitDurationInstrument)
	if err != nil {
		t.Fatalf("Float64Histogram: %v", err)
	}
	h.Record(ctx, 3)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rm.ScopeMetrics) != 1 || len(rm.ScopeMetrics[0].Metrics) != 1 {
		t.Fatalf("metrics = %+v", rm.ScopeMetrics)
	}
	hist, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("data = %T", rm.ScopeMetrics[0].Metrics[0].Data)
	}
	if got := hist.DataPoints[0].Bounds; len(got) != len(admitBuckets) || got[0] != 0.5 {
		t.Errorf("bounds = %v, want %v", got, admitBuckets)
	}
}

func TestSetGlobal_PartialProviders(t *testing.T) {
	ctx := context.Background()
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(ctx) }()

	oldTracer := otel.GetTracerProvider()
	oldMeter := otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(oldTracer)
		otel.SetMeterProvider(oldMeter)
	}()

	(&Providers{TracerProvider: tp}).SetGlobal()
	if otel.GetTracerProvider() == oldTracer {
		t.Error("tracer provider should be replaced")
	}
	if otel.GetMeterProvider() != oldMeter {
		t.Error("meter provider should be left alone when nil")
	}
}

func TestProviders_NilFallsBackToGlobal(t *testing.T) {
	var p *Providers
	if p.Tracer("authority") == nil || p.Meter("authority") == nil {
		t.Error("nil Providers should fall back to the global tracer and meter")
	}
}
