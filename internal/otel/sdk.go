// Package otel installs the OpenTelemetry SDK for the back office. Traces,
// metrics and logs stay on the global no-op providers unless an OTLP endpoint
// is configured.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultServiceName = "qios-backoffice"

	EnvEndpoint           = "QIOS_OTEL_ENDPOINT"
	EnvServiceName        = "QIOS_OTEL_SERVICE_NAME"
	EnvResourceAttributes = "QIOS_OTEL_RESOURCE_ATTRIBUTES"
)

// SDKOptions configures the trace, metric and log exporters and resource.
type SDKOptions struct {
	Enabled            bool
	HTTPEndpoint       string
	ServiceName        string
	ServiceVersion     string
	ResourceAttributes map[string]string
	// SpanProcessors are registered alongside the exporter. Tests use this to
	// attach a span recorder.
	SpanProcessors []sdktrace.SpanProcessor
	// MetricReaders are registered alongside the periodic exporter reader.
	MetricReaders []sdkmetric.Reader
	// LogProcessors are registered alongside the batching log exporter.
	LogProcessors []sdklog.Processor
}

func SDKOptionsFromEnv(lookup func(string) (string, bool)) SDKOptions {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}
	endpoint := get(EnvEndpoint)
	serviceName := get(EnvServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return SDKOptions{
		Enabled:            endpoint != "",
		HTTPEndpoint:       endpoint,
		ServiceName:        serviceName,
		ResourceAttributes: parseResourceAttributes(get(EnvResourceAttributes)),
	}
}

// SetupSDK installs global tracer, meter and logger providers and a
// propagator. The returned func flushes and shuts every provider down.
func SetupSDK(ctx context.Context, options SDKOptions) (func(context.Context) error, error) {
	if !options.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporters otlpExporters
	if endpoint := normalizeEndpoint(options.HTTPEndpoint); endpoint != "" {
		if err := exporters.dial(ctx, endpoint); err != nil {
			return nil, err
		}
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(resourceAttributes(options)...))
	if err != nil {
		exporters.abandon(ctx)
		return nil, err
	}

	traceOptions := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporters.trace != nil {
		traceOptions = append(traceOptions, sdktrace.WithBatcher(exporters.trace))
	}
	for _, processor := range options.SpanProcessors {
		traceOptions = append(traceOptions, sdktrace.WithSpanProcessor(processor))
	}

	metricOptions := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if exporters.metric != nil {
		metricOptions = append(metricOptions, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporters.metric)))
	}
	for _, reader := range options.MetricReaders {
		metricOptions = append(metricOptions, sdkmetric.WithReader(reader))
	}

	logOptions := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if exporters.log != nil {
		logOptions = append(logOptions, sdklog.WithProcessor(sdklog.NewBatchProcessor(exporters.log)))
	}
	for _, processor := range options.LogProcessors {
		logOptions = append(logOptions, sdklog.WithProcessor(processor))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOptions...)
	meterProvider := sdkmetric.NewMeterProvider(metricOptions...)
	loggerProvider := sdklog.NewLoggerProvider(logOptions...)
	otelapi.SetTracerProvider(tracerProvider)
	otelapi.SetMeterProvider(meterProvider)
	logglobal.SetLoggerProvider(loggerProvider)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		return errors.Join(
			tracerProvider.Shutdown(shutdownCtx),
			meterProvider.Shutdown(shutdownCtx),
			loggerProvider.Shutdown(shutdownCtx),
		)
	}, nil
}

// otlpExporters holds the OTLP/HTTP exporters for one collector endpoint.
type otlpExporters struct {
	trace  *otlptrace.Exporter
	metric *otlpmetrichttp.Exporter
	log    *otlploghttp.Exporter
}

// dial creates all three exporters. If any fails, the ones already created
// are shut down.
func (e *otlpExporters) dial(ctx context.Context, endpoint string) error {
	var err error
	if e.trace, err = otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	); err != nil {
		e.abandon(ctx)
		return fmt.Errorf("trace exporter: %w", err)
	}
	if e.metric, err = otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	); err != nil {
		e.abandon(ctx)
		return fmt.Errorf("metric exporter: %w", err)
	}
	if e.log, err = otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(endpoint),
		otlploghttp.WithInsecure(),
	); err != nil {
		e.abandon(ctx)
		return fmt.Errorf("log exporter: %w", err)
	}
	return nil
}

// abandon shuts down exporters that never made it into a provider.
func (e *otlpExporters) abandon(ctx context.Context) {
	if e.trace != nil {
		_ = e.trace.Shutdown(ctx)
	}
	if e.metric != nil {
		_ = e.metric.Shutdown(ctx)
	}
	if e.log != nil {
		_ = e.log.Shutdown(ctx)
	}
	*e = otlpExporters{}
}

func resourceAttributes(options SDKOptions) []attribute.KeyValue {
	serviceName := strings.TrimSpace(options.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
	}
	if strings.TrimSpace(options.ServiceVersion) != "" {
		attrs = append(attrs, attribute.String("service.version", options.ServiceVersion))
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	for key, value := range options.ResourceAttributes {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		attrs = append(attrs, attribute.String(trimmedKey, value))
	}
	return attrs
}

func parseResourceAttributes(raw string) map[string]string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	attributes := make(map[string]string)
	for _, pair := range strings.Split(trimmed, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		attributes[key] = strings.TrimSpace(value)
	}
	if len(attributes) == 0 {
		return nil
	}
	return attributes
}

func normalizeEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}
