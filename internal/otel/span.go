package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FrameOutcome says what became of an inbound frame.
type FrameOutcome string

const (
	FrameDispatched FrameOutcome = "dispatched"
	FrameThrottled  FrameOutcome = "throttled"
	FrameMalformed  FrameOutcome = "malformed"

	frameEventName = "frame"

	frameEventKey   = attribute.Key("qios.event")
	frameBytesKey   = attribute.Key("qios.frame.bytes")
	frameOutcomeKey = attribute.Key("qios.frame.outcome")
)

// RecordFrame adds a frame event to the connection span in ctx. event is
// empty when the frame was not decoded.
func RecordFrame(ctx context.Context, event string, size int, outcome FrameOutcome) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		frameBytesKey.Int(size),
		frameOutcomeKey.String(string(outcome)),
	}
	if event != "" {
		attrs = append(attrs, frameEventKey.String(event))
	}
	span.AddEvent(frameEventName, trace.WithAttributes(attrs...))
}
