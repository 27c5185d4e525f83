package otel

import (
	"context"
	"sync"
	"testing"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSDKOptionsFromEnv(t *testing.T) {
	env := map[string]string{
		EnvEndpoint:           "http://collector:4318/",
		EnvResourceAttributes: "deployment=lab, region = eu ,broken,=skip",
	}
	options := SDKOptionsFromEnv(func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if !options.Enabled {
		t.Fatal("expected tracing enabled when endpoint is set")
	}
	if options.ServiceName != defaultServiceName {
		t.Fatalf("unexpected service name %q", options.ServiceName)
	}
	if normalizeEndpoint(options.HTTPEndpoint) != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", normalizeEndpoint(options.HTTPEndpoint))
	}
	if len(options.ResourceAttributes) != 2 || options.ResourceAttributes["region"] != "eu" {
		t.Fatalf("unexpected resource attributes %v", options.ResourceAttributes)
	}
}

func TestSDKDisabledWithoutEndpoint(t *testing.T) {
	options := SDKOptionsFromEnv(func(string) (string, bool) { return "", false })
	if options.Enabled {
		t.Fatal("expected tracing disabled")
	}
	previous := otelapi.GetTracerProvider()
	shutdown, err := SetupSDK(context.Background(), options)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if otelapi.GetTracerProvider() != previous {
		t.Fatal("disabled setup must not replace the tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func restoreGlobals(t *testing.T) {
	t.Helper()
	tracerProvider := otelapi.GetTracerProvider()
	meterProvider := otelapi.GetMeterProvider()
	loggerProvider := logglobal.GetLoggerProvider()
	t.Cleanup(func() {
		otelapi.SetTracerProvider(tracerProvider)
		otelapi.SetMeterProvider(meterProvider)
		logglobal.SetLoggerProvider(loggerProvider)
	})
}

func TestSetupSDKInstallsProvider(t *testing.T) {
	restoreGlobals(t)

	recorder := tracetest.NewSpanRecorder()
	shutdown, err := SetupSDK(context.Background(), SDKOptions{
		Enabled:        true,
		ServiceVersion: "test",
		SpanProcessors: []sdktrace.SpanProcessor{recorder},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx, span := otelapi.Tracer("qios/test").Start(context.Background(), "unit")
	RecordFrame(ctx, "run_program", 42, FrameDispatched)
	RecordFrame(ctx, "", 7, FrameMalformed)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	events := ended[0].Events()
	if len(events) != 2 || events[0].Name != frameEventName {
		t.Fatalf("unexpected events %+v", events)
	}
	first := attribute.NewSet(events[0].Attributes...)
	if value, _ := first.Value(frameEventKey); value.AsString() != "run_program" {
		t.Fatalf("unexpected frame event %+v", events[0].Attributes)
	}
	second := attribute.NewSet(events[1].Attributes...)
	if _, ok := second.Value(frameEventKey); ok {
		t.Fatalf("malformed frame should carry no event name: %+v", events[1].Attributes)
	}
	if value, _ := second.Value(frameOutcomeKey); value.AsString() != string(FrameMalformed) {
		t.Fatalf("unexpected outcome %+v", events[1].Attributes)
	}
	var serviceName string
	for _, attr := range ended[0].Resource().Attributes() {
		if attr.Key == "service.name" {
			serviceName = attr.Value.AsString()
		}
	}
	if serviceName != defaultServiceName {
		t.Fatalf("unexpected service name %q", serviceName)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRecordFrameIgnoresNonRecordingSpans(t *testing.T) {
	RecordFrame(context.Background(), "noop", 1, FrameDispatched)
}

func TestSetupSDKInstallsMeterProvider(t *testing.T) {
	restoreGlobals(t)

	reader := sdkmetric.NewManualReader()
	shutdown, err := SetupSDK(context.Background(), SDKOptions{
		Enabled:       true,
		MetricReaders: []sdkmetric.Reader{reader},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := RegisterGauges(Meter(), func() Observation {
		return Observation{NodeCount: 3}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	collected := collect(t, reader)
	if got := int64Gauge(t, collected, MetricNodes); got != 3 {
		t.Fatalf("expected 3 nodes through the global meter, got %d", got)
	}
	var serviceName string
	if value, ok := collected.Resource.Set().Value("service.name"); ok {
		serviceName = value.AsString()
	}
	if serviceName != defaultServiceName {
		t.Fatalf("unexpected service name %q", serviceName)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

type recordingLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (exporter *recordingLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	for _, record := range records {
		exporter.records = append(exporter.records, record.Clone())
	}
	return nil
}

func (exporter *recordingLogExporter) Shutdown(context.Context) error {
	return nil
}

func (exporter *recordingLogExporter) ForceFlush(context.Context) error {
	return nil
}

func TestSetupSDKInstallsLoggerProvider(t *testing.T) {
	restoreGlobals(t)

	exporter := &recordingLogExporter{}
	shutdown, err := SetupSDK(context.Background(), SDKOptions{
		Enabled:       true,
		LogProcessors: []sdklog.Processor{sdklog.NewSimpleProcessor(exporter)},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	var record otellog.Record
	record.SetSeverity(otellog.SeverityInfo)
	record.SetBody(otellog.StringValue("node registered"))
	logglobal.GetLoggerProvider().Logger("qios/test").Emit(context.Background(), record)

	exporter.mu.Lock()
	count := len(exporter.records)
	var body string
	if count > 0 {
		body = exporter.records[0].Body().AsString()
	}
	exporter.mu.Unlock()
	if count != 1 || body != "node registered" {
		t.Fatalf("expected one forwarded record, got %d (%q)", count, body)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
