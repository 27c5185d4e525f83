package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds process counters exposed in Prometheus text format.
type Registry struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	deliveriesDropped atomic.Int64
	sessionsStarted   atomic.Int64
	sessionsRejected  atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsCancelled atomic.Int64
	broadcastTicks    atomic.Int64
	framesThrottled   atomic.Int64

	registrations sync.Map // role -> *atomic.Int64
	messagesSent  sync.Map // event -> *atomic.Int64
	buses         sync.Map // bus name -> *busStats
}

type busStats struct {
	published  sync.Map // event type -> *atomic.Int64
	dropped    sync.Map // event type -> *atomic.Int64
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

func (r *Registry) IncConnectionOpened() {
	if r == nil {
		return
	}
	r.connectionsOpened.Add(1)
}

func (r *Registry) IncConnectionClosed() {
	if r == nil {
		return
	}
	r.connectionsClosed.Add(1)
}

func (r *Registry) IncRegistration(role string) {
	if r == nil {
		return
	}
	labeledCounter(&r.registrations, role).Add(1)
}

func (r *Registry) IncMessageSent(event string) {
	if r == nil {
		return
	}
	labeledCounter(&r.messagesSent, event).Add(1)
}

func (r *Registry) IncDeliveryDropped() {
	if r == nil {
		return
	}
	r.deliveriesDropped.Add(1)
}

func (r *Registry) IncSessionStarted() {
	if r == nil {
		return
	}
	r.sessionsStarted.Add(1)
}

func (r *Registry) IncSessionRejected() {
	if r == nil {
		return
	}
	r.sessionsRejected.Add(1)
}

func (r *Registry) IncSessionCompleted() {
	if r == nil {
		return
	}
	r.sessionsCompleted.Add(1)
}

func (r *Registry) IncSessionCancelled() {
	if r == nil {
		return
	}
	r.sessionsCancelled.Add(1)
}

func (r *Registry) IncBroadcastTick() {
	if r == nil {
		return
	}
	r.broadcastTicks.Add(1)
}

func (r *Registry) IncFrameThrottled() {
	if r == nil {
		return
	}
	r.framesThrottled.Add(1)
}

func (r *Registry) FramesThrottled() int64 {
	if r == nil {
		return 0
	}
	return r.framesThrottled.Load()
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	labeledCounter(&r.bus(bus).published, eventType).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	labeledCounter(&r.bus(bus).dropped, eventType).Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	stats := r.bus(bus)
	stats.filtered.Store(int64(filtered))
	stats.unfiltered.Store(int64(unfiltered))
}

// MessagesSent returns the send count for one outbound event name.
func (r *Registry) MessagesSent(event string) int64 {
	if r == nil {
		return 0
	}
	return labeledCounter(&r.messagesSent, event).Load()
}

func (r *Registry) DeliveriesDropped() int64 {
	if r == nil {
		return 0
	}
	return r.deliveriesDropped.Load()
}

func (r *Registry) EventsDropped(bus string) int64 {
	if r == nil {
		return 0
	}
	var total int64
	r.bus(bus).dropped.Range(func(_, value any) bool {
		total += value.(*atomic.Int64).Load()
		return true
	})
	return total
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "qios_connections_opened_total", "WebSocket connections accepted", r.connectionsOpened.Load())
	writeCounter(writer, "qios_connections_closed_total", "WebSocket connections closed", r.connectionsClosed.Load())
	writeCounter(writer, "qios_deliveries_dropped_total", "Messages addressed to absent connections", r.deliveriesDropped.Load())
	writeCounter(writer, "qios_sessions_started_total", "Orchestration sessions started", r.sessionsStarted.Load())
	writeCounter(writer, "qios_sessions_rejected_total", "Orchestration triggers rejected by precondition", r.sessionsRejected.Load())
	writeCounter(writer, "qios_sessions_completed_total", "Orchestration sessions completed", r.sessionsCompleted.Load())
	writeCounter(writer, "qios_sessions_cancelled_total", "Orchestration sessions cancelled", r.sessionsCancelled.Load())
	writeCounter(writer, "qios_broadcast_ticks_total", "Metrics broadcaster ticks", r.broadcastTicks.Load())
	writeCounter(writer, "qios_frames_throttled_total", "Inbound frames dropped by the per-connection rate limit", r.framesThrottled.Load())

	writeLabeledCounters(writer, "qios_registrations_total", "Role registrations", "role", &r.registrations)
	writeLabeledCounters(writer, "qios_messages_sent_total", "Outbound messages by event", "event", &r.messagesSent)

	busNames := sortedKeys(&r.buses)
	if len(busNames) == 0 {
		return nil
	}
	writeHelp(writer, "qios_bus_events_published_total", "Events published per bus")
	fmt.Fprintln(writer, "# TYPE qios_bus_events_published_total counter")
	writeHelp(writer, "qios_bus_events_dropped_total", "Events dropped per bus")
	fmt.Fprintln(writer, "# TYPE qios_bus_events_dropped_total counter")
	writeHelp(writer, "qios_bus_subscribers", "Current bus subscribers")
	fmt.Fprintln(writer, "# TYPE qios_bus_subscribers gauge")
	for _, name := range busNames {
		stats := r.bus(name)
		busLabel := formatLabel(name)
		for _, eventType := range sortedKeys(&stats.published) {
			fmt.Fprintf(writer, "qios_bus_events_published_total{bus=%s,type=%s} %d\n", busLabel, formatLabel(eventType), labeledCounter(&stats.published, eventType).Load())
		}
		for _, eventType := range sortedKeys(&stats.dropped) {
			fmt.Fprintf(writer, "qios_bus_events_dropped_total{bus=%s,type=%s} %d\n", busLabel, formatLabel(eventType), labeledCounter(&stats.dropped, eventType).Load())
		}
		fmt.Fprintf(writer, "qios_bus_subscribers{bus=%s,kind=\"filtered\"} %d\n", busLabel, stats.filtered.Load())
		fmt.Fprintf(writer, "qios_bus_subscribers{bus=%s,kind=\"unfiltered\"} %d\n", busLabel, stats.unfiltered.Load())
	}
	return nil
}

func (r *Registry) bus(name string) *busStats {
	if strings.TrimSpace(name) == "" {
		name = "unknown"
	}
	value, _ := r.buses.LoadOrStore(name, &busStats{})
	return value.(*busStats)
}

func labeledCounter(counters *sync.Map, label string) *atomic.Int64 {
	if strings.TrimSpace(label) == "" {
		label = "unknown"
	}
	value, _ := counters.LoadOrStore(label, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func sortedKeys(values *sync.Map) []string {
	var keys []string
	values.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeLabeledCounters(writer io.Writer, metric, help, label string, counters *sync.Map) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	for _, key := range sortedKeys(counters) {
		fmt.Fprintf(writer, "%s{%s=%s} %d\n", metric, label, formatLabel(key), labeledCounter(counters, key).Load())
	}
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
