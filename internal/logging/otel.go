package logging

import (
	"context"
	"maps"
	"slices"

	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
)

const otelScope = "qios/logging"

// emitOTel forwards entry to the global OpenTelemetry logger provider. It is
// a no-op until a provider is installed.
func emitOTel(entry LogEntry) {
	logger := logglobal.GetLoggerProvider().Logger(otelScope)
	severity, severityText := otelSeverity(entry.Level)
	ctx := context.Background()
	if !logger.Enabled(ctx, otellog.EnabledParameters{Severity: severity}) {
		return
	}

	var record otellog.Record
	record.SetTimestamp(entry.Timestamp)
	record.SetObservedTimestamp(entry.Timestamp)
	record.SetSeverity(severity)
	record.SetSeverityText(severityText)
	record.SetBody(otellog.StringValue(entry.Message))
	if len(entry.Context) > 0 {
		attrs := make([]otellog.KeyValue, 0, len(entry.Context))
		for _, key := range slices.Sorted(maps.Keys(entry.Context)) {
			attrs = append(attrs, otellog.String(key, entry.Context[key]))
		}
		record.AddAttributes(attrs...)
	}
	logger.Emit(ctx, record)
}

func otelSeverity(level Level) (otellog.Severity, string) {
	switch level {
	case LevelDebug:
		return otellog.SeverityDebug, string(LevelDebug)
	case LevelWarning:
		return otellog.SeverityWarn, string(LevelWarning)
	case LevelError:
		return otellog.SeverityError, string(LevelError)
	default:
		return otellog.SeverityInfo, string(LevelInfo)
	}
}
