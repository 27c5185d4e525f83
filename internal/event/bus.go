package event

import (
	"slices"
	"strconv"
	"sync"

	"qios/internal/logging"
	"qios/internal/metrics"
)

const defaultSubscriberBufferSize = 128

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// HistorySize keeps the last published values for History. Zero keeps
	// none.
	HistorySize int
	Registry    *metrics.Registry
	Logger      *logging.Logger
}

// Bus fans published values out to subscribers in subscription order.
// Publish never blocks: a subscriber whose buffer is full misses the value
// and the drop is counted.
type Bus[T any] struct {
	name       string
	bufferSize int
	registry   *metrics.Registry
	logger     *logging.Logger

	mu          sync.Mutex
	subscribers []*subscriber[T]
	nextID      uint64
	closed      bool
	history     *ring[T]
	dropped     int64
}

type subscriber[T any] struct {
	id     uint64
	ch     chan T
	accept func(T) bool
}

func NewBus[T any](opts BusOptions) *Bus[T] {
	name := opts.Name
	if name == "" {
		name = "event_bus"
	}
	bufferSize := opts.SubscriberBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBufferSize
	}
	return &Bus[T]{
		name:       name,
		bufferSize: bufferSize,
		registry:   opts.Registry,
		logger:     opts.Logger,
		history:    newRing[T](opts.HistorySize),
	}
}

// Subscribe registers a subscriber that receives the values accept allows,
// or every value when accept is nil. accept runs on the publishing
// goroutine; if it panics the subscriber is removed. The returned func
// unsubscribes and closes the channel.
func (b *Bus[T]) Subscribe(accept func(T) bool) (<-chan T, func()) {
	if b == nil {
		return closedChannel[T](), func() {}
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return closedChannel[T](), func() {}
	}
	b.nextID++
	sub := &subscriber[T]{id: b.nextID, ch: make(chan T, b.bufferSize), accept: accept}
	b.subscribers = append(b.subscribers, sub)
	b.reportSubscribersLocked()
	b.mu.Unlock()
	return sub.ch, func() { b.unsubscribe(sub.id) }
}

// Publish delivers value to every accepting subscriber and reports how many
// received it.
func (b *Bus[T]) Publish(value T) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.history.push(value)
	targets := slices.Clone(b.subscribers)
	b.mu.Unlock()

	kind := typeOf(value)
	b.registry.IncEventPublished(b.name, kind)
	delivered := 0
	for _, sub := range targets {
		if !b.accepts(sub, value) {
			continue
		}
		if offer(sub.ch, value) {
			delivered++
			continue
		}
		b.recordDrop(kind)
	}
	return delivered
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subscribers := b.subscribers
	b.subscribers = nil
	b.reportSubscribersLocked()
	b.mu.Unlock()
	for _, sub := range subscribers {
		close(sub.ch)
	}
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// History returns up to the last count published values, oldest first.
// A count of zero returns everything retained.
func (b *Bus[T]) History(count int) []T {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.last(count)
}

func (b *Bus[T]) accepts(sub *subscriber[T], value T) (ok bool) {
	if sub.accept == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.logger.Error("event bus subscriber filter panicked", map[string]string{
				"bus": b.name,
			})
			b.unsubscribe(sub.id)
			ok = false
		}
	}()
	return sub.accept(value)
}

func (b *Bus[T]) recordDrop(kind string) {
	b.mu.Lock()
	b.dropped++
	dropped := b.dropped
	b.mu.Unlock()
	b.registry.IncEventDropped(b.name, kind)
	b.logger.Warn("event bus subscriber buffer full", map[string]string{
		"bus":        b.name,
		"event_type": kind,
		"dropped":    strconv.FormatInt(dropped, 10),
	})
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	index := slices.IndexFunc(b.subscribers, func(sub *subscriber[T]) bool { return sub.id == id })
	if index < 0 {
		b.mu.Unlock()
		return
	}
	sub := b.subscribers[index]
	b.subscribers = slices.Delete(b.subscribers, index, index+1)
	b.reportSubscribersLocked()
	b.mu.Unlock()
	close(sub.ch)
}

func (b *Bus[T]) reportSubscribersLocked() {
	filtered := 0
	for _, sub := range b.subscribers {
		if sub.accept != nil {
			filtered++
		}
	}
	b.registry.SetEventSubscriberCounts(b.name, filtered, len(b.subscribers)-filtered)
}

// offer sends without blocking. A channel closed by a concurrent
// unsubscribe counts as a miss.
func offer[T any](ch chan T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

func typeOf[T any](value T) string {
	typed, ok := any(value).(Event)
	if !ok || typed.Type() == "" {
		return "unknown"
	}
	return typed.Type()
}

func closedChannel[T any]() chan T {
	ch := make(chan T)
	close(ch)
	return ch
}
