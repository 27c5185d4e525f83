package otel

import (
	"context"
	"sort"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MeterName = "qios/backoffice"

	MetricNodes       = "qios.nodes"
	MetricAdmins      = "qios.admins"
	MetricConnections = "qios.connections"
	MetricSessions    = "qios.sessions.active"
	MetricStat        = "qios.stat"

	statNameKey = attribute.Key("qios.stat.name")
)

// Observation is the hub state read on each collection.
type Observation struct {
	NodeCount   int
	AdminCount  int
	Connections int
	Sessions    int
	Stats       map[string]float64
}

// Meter returns the back office meter from the global provider.
func Meter() metric.Meter {
	return otelapi.GetMeterProvider().Meter(MeterName)
}

// RegisterGauges registers observable gauges fed by observe. Unregister the
// returned registration before the source goes away.
func RegisterGauges(meter metric.Meter, observe func() Observation) (metric.Registration, error) {
	nodes, err := meter.Int64ObservableGauge(MetricNodes,
		metric.WithDescription("Registered node connections"))
	if err != nil {
		return nil, err
	}
	admins, err := meter.Int64ObservableGauge(MetricAdmins,
		metric.WithDescription("Registered admin connections"))
	if err != nil {
		return nil, err
	}
	connections, err := meter.Int64ObservableGauge(MetricConnections,
		metric.WithDescription("Open WebSocket connections"))
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64ObservableGauge(MetricSessions,
		metric.WithDescription("Orchestration sessions with pending phases"))
	if err != nil {
		return nil, err
	}
	statGauge, err := meter.Float64ObservableGauge(MetricStat,
		metric.WithDescription("Current aggregate metric values"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		current := observe()
		observer.ObserveInt64(nodes, int64(current.NodeCount))
		observer.ObserveInt64(admins, int64(current.AdminCount))
		observer.ObserveInt64(connections, int64(current.Connections))
		observer.ObserveInt64(sessions, int64(current.Sessions))
		names := make([]string, 0, len(current.Stats))
		for name := range current.Stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			observer.ObserveFloat64(statGauge, current.Stats[name],
				metric.WithAttributes(statNameKey.String(name)))
		}
		return nil
	}, nodes, admins, connections, sessions, statGauge)
}
