package api

import (
	"context"
	"net/http"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	wsConnectSpanName = "websocket.connect"
	wsTracerName      = "qios/ws"
)

// startWebSocketSpan opens the span that covers one participant connection
// for its whole lifetime. Upstream trace context in the upgrade request's
// headers becomes the parent.
func startWebSocketSpan(r *http.Request, route string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	parent := context.Background()
	if r != nil {
		parent = otelapi.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	}
	attrs := append(upgradeAttributes(r, route), extra...)
	return otelapi.Tracer(wsTracerName).Start(parent, wsConnectSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// upgradeAttributes describes the HTTP upgrade that opened a connection.
func upgradeAttributes(r *http.Request, route string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if route != "" {
		attrs = append(attrs, attribute.String("http.route", route))
	}
	if r == nil {
		return attrs
	}
	scheme := "http"
	switch {
	case r.URL != nil && r.URL.Scheme != "":
		scheme = r.URL.Scheme
	case r.TLS != nil:
		scheme = "https"
	}
	attrs = append(attrs,
		attribute.String("http.method", r.Method),
		attribute.String("http.scheme", scheme),
		attribute.String("net.peer.addr", r.RemoteAddr),
	)
	if r.URL != nil {
		attrs = append(attrs, attribute.String("http.target", r.URL.RequestURI()))
		if hint := r.URL.Query().Get("client"); hint != "" {
			attrs = append(attrs, attribute.String("qios.client_hint", hint))
		}
	}
	if agent := r.UserAgent(); agent != "" {
		attrs = append(attrs, attribute.String("user_agent", agent))
	}
	return attrs
}
