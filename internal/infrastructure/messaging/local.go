// Package messaging carries domain events from the sync engine to whoever
// presents them: the CLI prints notices, the worker fans sweep results out
// to other processes over Redis.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pulsecard/studysync/internal/domain/shared"
)

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")

	errNilHandler = errors.New("handler cannot be nil")
	errNilEvent   = errors.New("event cannot be nil")
)

// anyEvent keys the handlers registered with SubscribeAll.
const anyEvent shared.EventType = ""

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode runs handlers in the background. Synchronous mode keeps
	// publish order, which the CLI relies on for notices.
	AsyncMode bool

	// WorkerPoolSize caps concurrently running async handlers.
	WorkerPoolSize int

	Logger *slog.Logger

	EnableMetrics bool
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		WorkerPoolSize: 4,
		EnableMetrics:  true,
	}
}

// InMemoryEventBus delivers events to handlers in this process.
// Handler errors and panics are logged and counted, never returned to the publisher.
type InMemoryEventBus struct {
	logger  *slog.Logger
	async   bool
	workers *semaphore.Weighted
	metrics *EventBusMetrics

	mu       sync.RWMutex
	handlers map[shared.EventType][]shared.EventHandler
	closed   bool

	// stop aborts async handlers still waiting for a worker slot.
	stop     context.Context
	stopFunc context.CancelFunc
	inflight sync.WaitGroup
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 4
	}

	stop, stopFunc := context.WithCancel(context.Background())
	bus := &InMemoryEventBus{
		logger:   config.Logger,
		async:    config.AsyncMode,
		workers:  semaphore.NewWeighted(int64(config.WorkerPoolSize)),
		handlers: make(map[shared.EventType][]shared.EventHandler),
		stop:     stop,
		stopFunc: stopFunc,
	}
	if config.EnableMetrics {
		bus.metrics = NewEventBusMetrics()
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.add(anyEvent, handler)
}

func (b *InMemoryEventBus) add(key shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}
	b.handlers[key] = append(b.handlers[key], handler)
	return nil
}

// Publish hands the event to the handlers of its type, then to catch-all handlers.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	typed, all := b.handlers[event.EventType()], b.handlers[anyEvent]
	targets := make([]shared.EventHandler, 0, len(typed)+len(all))
	targets = append(append(targets, typed...), all...)
	if b.async {
		b.inflight.Add(len(targets))
	}
	b.mu.RUnlock()

	b.metrics.recordPublish()

	for _, handler := range targets {
		if b.async {
			go b.runInBackground(event, handler)
			continue
		}
		b.deliver(event, handler)
	}
	return nil
}

func (b *InMemoryEventBus) runInBackground(event shared.Event, handler shared.EventHandler) {
	defer b.inflight.Done()

	if err := b.workers.Acquire(b.stop, 1); err != nil {
		return
	}
	defer b.workers.Release(1)

	b.deliver(event, handler)
}

func (b *InMemoryEventBus) deliver(event shared.Event, handler shared.EventHandler) {
	start := time.Now()
	err := invoke(event, handler)
	b.metrics.recordHandler(time.Since(start), err)

	if err != nil {
		b.logger.Error("event handler failed", "event_type", event.EventType(), "async", b.async, "error", err)
	}
}

func invoke(event shared.Event, handler shared.EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(event)
}

// Close rejects further publishes and waits for handlers that already hold a
// worker slot. Async handlers still queued for a slot are dropped.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.stopFunc()
	b.inflight.Wait()
	return nil
}

// Metrics returns nil unless metrics were enabled.
func (b *InMemoryEventBus) Metrics() *EventBusMetrics {
	return b.metrics
}

// EventBusMetrics counts publishes and handler outcomes. A nil *EventBusMetrics
// records nothing.
type EventBusMetrics struct {
	published atomic.Int64
	handled   atomic.Int64
	failed    atomic.Int64
	spent     atomic.Int64 // nanoseconds
	since     time.Time
}

// NewEventBusMetrics creates a zeroed tracker.
func NewEventBusMetrics() *EventBusMetrics {
	return &EventBusMetrics{since: time.Now()}
}

func (m *EventBusMetrics) recordPublish() {
	if m != nil {
		m.published.Add(1)
	}
}

func (m *EventBusMetrics) recordHandler(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.handled.Add(1)
	m.spent.Add(int64(d))
	if err != nil {
		m.failed.Add(1)
	}
}

// EventBusMetricsSnapshot is a point-in-time snapshot of metrics.
type EventBusMetricsSnapshot struct {
	TotalPublished         int64
	TotalHandlerExecs      int64
	HandlerFailures        int64
	HandlerSuccessRate     float64
	AverageHandlerDuration time.Duration
	Since                  time.Time
}

// Snapshot returns a copy of current metrics.
func (m *EventBusMetrics) Snapshot() EventBusMetricsSnapshot {
	snap := EventBusMetricsSnapshot{
		TotalPublished:     m.published.Load(),
		TotalHandlerExecs:  m.handled.Load(),
		HandlerFailures:    m.failed.Load(),
		HandlerSuccessRate: 1,
		Since:              m.since,
	}
	if snap.TotalHandlerExecs > 0 {
		snap.AverageHandlerDuration = time.Duration(m.spent.Load() / snap.TotalHandlerExecs)
		snap.HandlerSuccessRate = float64(snap.TotalHandlerExecs-snap.HandlerFailures) / float64(snap.TotalHandlerExecs)
	}
	return snap
}
