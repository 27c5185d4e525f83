package logging

import (
	"context"
	"io"
	"sync"
	"testing"

	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

type testLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (exporter *testLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	for _, record := range records {
		exporter.records = append(exporter.records, record.Clone())
	}
	return nil
}

func (exporter *testLogExporter) Shutdown(context.Context) error {
	return nil
}

func (exporter *testLogExporter) ForceFlush(context.Context) error {
	return nil
}

func (exporter *testLogExporter) snapshot() []sdklog.Record {
	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	records := make([]sdklog.Record, len(exporter.records))
	copy(records, exporter.records)
	return records
}

func installLogExporter(t *testing.T) *testLogExporter {
	t.Helper()
	exporter := &testLogExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)))
	logglobal.SetLoggerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		logglobal.SetLoggerProvider(lognoop.NewLoggerProvider())
	})
	return exporter
}

func TestLoggerEmitsOTelLogRecord(t *testing.T) {
	exporter := installLogExporter(t)

	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelInfo, io.Discard).With(map[string]string{
		"qios.category": "hub",
	})
	logger.Warn("run_program rejected", map[string]string{
		"initiator": "node-1",
	})

	records := exporter.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(records))
	}
	record := records[0]
	if record.Severity() != otellog.SeverityWarn {
		t.Fatalf("expected severity warn, got %v", record.Severity())
	}
	if record.SeverityText() != "warning" {
		t.Fatalf("expected severity text warning, got %q", record.SeverityText())
	}
	if record.Body().AsString() != "run_program rejected" {
		t.Fatalf("unexpected body %q", record.Body().AsString())
	}

	attrs := make(map[string]string)
	record.WalkAttributes(func(attr otellog.KeyValue) bool {
		if attr.Value.Kind() == otellog.KindString {
			attrs[attr.Key] = attr.Value.AsString()
		}
		return true
	})
	if attrs["initiator"] != "node-1" || attrs["qios.category"] != "hub" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestLoggerSkipsOTelBelowLevel(t *testing.T) {
	exporter := installLogExporter(t)

	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelWarning, io.Discard)
	logger.Debug("tick", nil)
	logger.Info("node registered", nil)

	if records := exporter.snapshot(); len(records) != 0 {
		t.Fatalf("expected no records below the logger level, got %d", len(records))
	}
}
