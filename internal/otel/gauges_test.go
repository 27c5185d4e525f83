package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRegisterGaugesReportsObservation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	registration, err := RegisterGauges(provider.Meter(MeterName), func() Observation {
		return Observation{
			NodeCount:   2,
			AdminCount:  1,
			Connections: 4,
			Sessions:    1,
			Stats:       map[string]float64{"traceability": 101.5, "contradiction": 598},
		}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	collected := collect(t, reader)
	if got := int64Gauge(t, collected, MetricNodes); got != 2 {
		t.Fatalf("expected 2 nodes, got %d", got)
	}
	if got := int64Gauge(t, collected, MetricAdmins); got != 1 {
		t.Fatalf("expected 1 admin, got %d", got)
	}
	if got := int64Gauge(t, collected, MetricConnections); got != 4 {
		t.Fatalf("expected 4 connections, got %d", got)
	}
	if got := int64Gauge(t, collected, MetricSessions); got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}

	stats := statGauge(t, collected)
	if stats["traceability"] != 101.5 || stats["contradiction"] != 598 {
		t.Fatalf("unexpected stat values %v", stats)
	}

	if err := registration.Unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var collected metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &collected); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return collected
}

func findMetric(collected metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, scope := range collected.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func int64Gauge(t *testing.T, collected metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m, ok := findMetric(collected, name)
	if !ok {
		t.Fatalf("metric %s not collected", name)
	}
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 {
		t.Fatalf("unexpected data for %s: %#v", name, m.Data)
	}
	return gauge.DataPoints[0].Value
}

func statGauge(t *testing.T, collected metricdata.ResourceMetrics) map[string]float64 {
	t.Helper()
	m, ok := findMetric(collected, MetricStat)
	if !ok {
		t.Fatalf("metric %s not collected", MetricStat)
	}
	gauge, ok := m.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatalf("unexpected data for %s: %#v", MetricStat, m.Data)
	}
	values := make(map[string]float64, len(gauge.DataPoints))
	for _, point := range gauge.DataPoints {
		name, ok := point.Attributes.Value(statNameKey)
		if !ok {
			t.Fatalf("data point without %s", statNameKey)
		}
		values[name.AsString()] = point.Value
	}
	return values
}
