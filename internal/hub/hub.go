package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"qios/internal/event"
	"qios/internal/logging"
	"qios/internal/metrics"
	"qios/internal/orchestrator"
	"qios/internal/registry"
	"qios/internal/schedule"
	"qios/internal/stats"
)

const (
	DefaultBroadcastInterval = 2500 * time.Millisecond
	defaultQueueSize         = 256
	defaultTraceSize         = 256
)

var (
	ErrHubStopped = errors.New("hub is not running")
	ErrHubRunning = errors.New("hub is already running")
)

type Options struct {
	Registry           *registry.Registry
	State              *stats.State
	Clock              clock.Clock
	BroadcastInterval  time.Duration
	Script             orchestrator.Script
	CancelOnDisconnect bool
	SubscriberBuffer   int
	TraceSize          int
	Metrics            *metrics.Registry
	Logger             *logging.Logger
	NewID              func() string
}

type Hub struct {
	registry    *registry.Registry
	state       *stats.State
	clock       clock.Clock
	interval    time.Duration
	metrics     *metrics.Registry
	logger      *logging.Logger
	newID       func() string
	delivery    *event.Bus[Delivery]
	scheduler   *schedule.Scheduler
	engine      *orchestrator.Engine
	broadcaster *stats.Broadcaster

	queue     chan func()
	done      chan struct{}
	running   atomic.Bool
	connCount atomic.Int64

	// Owned by the loop goroutine.
	conns map[string]*Conn
}

func New(options Options) (*Hub, error) {
	if options.Registry == nil {
		options.Registry = registry.New()
	}
	if options.State == nil {
		state, err := stats.NewState(nil, nil)
		if err != nil {
			return nil, err
		}
		options.State = state
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.BroadcastInterval <= 0 {
		options.BroadcastInterval = DefaultBroadcastInterval
	}
	if options.TraceSize <= 0 {
		options.TraceSize = defaultTraceSize
	}
	if options.NewID == nil {
		options.NewID = uuid.NewString
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	hub := &Hub{
		registry: options.Registry,
		state:    options.State,
		clock:    options.Clock,
		interval: options.BroadcastInterval,
		metrics:  options.Metrics,
		logger:   logger.Component("hub"),
		newID:    options.NewID,
		queue:    make(chan func(), defaultQueueSize),
		done:     make(chan struct{}),
		conns:    make(map[string]*Conn),
	}
	hub.delivery = event.NewBus[Delivery](event.BusOptions{
		Name:                 "delivery",
		SubscriberBufferSize: options.SubscriberBuffer,
		HistorySize:          options.TraceSize,
		Registry:             options.Metrics,
		Logger:               hub.logger,
	})
	hub.scheduler = schedule.New(options.Clock, func(fn func()) {
		hub.post(fn)
	})
	hub.engine = orchestrator.NewEngine(orchestrator.Options{
		Nodes:              hub.registry,
		Sender:             hub,
		Scheduler:          hub.scheduler,
		Clock:              options.Clock,
		Script:             options.Script,
		Metrics:            options.Metrics,
		Logger:             logger.Component("orchestrator"),
		CancelOnDisconnect: options.CancelOnDisconnect,
	})
	hub.broadcaster = &stats.Broadcaster{
		State:   hub.state,
		Nodes:   hub.registry,
		Sender:  hub,
		Metrics: options.Metrics,
		Logger:  logger.Component("broadcaster"),
	}
	return hub, nil
}

// Run processes events until ctx is cancelled. It can only be called once.
func (hub *Hub) Run(ctx context.Context) error {
	if !hub.running.CompareAndSwap(false, true) {
		return ErrHubRunning
	}
	ticker := hub.clock.Ticker(hub.interval)
	defer func() {
		ticker.Stop()
		close(hub.done)
		hub.scheduler.Stop()
		hub.delivery.Close()
		hub.logger.Info("hub stopped", nil)
	}()

	hub.logger.Info("hub started", map[string]string{
		"broadcast_interval": hub.interval.String(),
	})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-hub.queue:
			fn()
		case now := <-ticker.C:
			hub.broadcaster.Tick(now)
		}
	}
}

// Do runs fn on the loop and waits for it to finish.
func (hub *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !hub.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrHubStopped
	}
	select {
	case <-finished:
		return nil
	case <-hub.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (hub *Hub) post(fn func()) bool {
	select {
	case <-hub.done:
		return false
	default:
	}
	select {
	case hub.queue <- fn:
		return true
	case <-hub.done:
		return false
	}
}

// Engine exposes the orchestration engine for status reporting.
func (hub *Hub) Engine() *orchestrator.Engine {
	return hub.engine
}

func (hub *Hub) Registry() *registry.Registry {
	return hub.registry
}

// Trace returns the most recent deliveries, oldest first.
func (hub *Hub) Trace(count int) []Delivery {
	return hub.delivery.History(count)
}

// Reconfigure swaps metric definitions on the loop.
func (hub *Hub) Reconfigure(ctx context.Context, definitions []stats.Definition) error {
	var applyErr error
	if err := hub.Do(ctx, func() {
		applyErr = hub.state.Reconfigure(definitions)
	}); err != nil {
		return err
	}
	return applyErr
}
