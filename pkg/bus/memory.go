package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus closed")

// MemoryConfig configures an in-process bus.
type MemoryConfig struct {
	// BufferSize is the capacity of the delivery queue.
	BufferSize int

	// MaxDeliveries bounds how many times a failing handler sees the same event.
	MaxDeliveries int

	// RedeliveryDelay is the pause before a failed delivery is retried.
	RedeliveryDelay time.Duration

	// DedupeWindow is how long a published event id is remembered.
	DedupeWindow time.Duration
}

// DefaultMemoryConfig returns the in-process bus defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		BufferSize:      1024,
		MaxDeliveries:   5,
		RedeliveryDelay: 500 * time.Millisecond,
		DedupeWindow:    time.Hour,
	}
}

type subscription struct {
	eventType string
	group     string
	handler   Handler
}

type delivery struct {
	event   cloudevents.Event
	sub     subscription
	attempt int
}

// MemoryBus delivers events to in-process handlers. Each handler runs in its
// own goroutine; callers bound concurrency in the handler.
type MemoryBus struct {
	config MemoryConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription
	seen   map[string]time.Time
	closed bool

	queue    chan delivery
	inFlight atomic.Int64
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(cfg MemoryConfig, logger zerolog.Logger) *MemoryBus {
	def := DefaultMemoryConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = def.MaxDeliveries
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}

	return &MemoryBus{
		config: cfg,
		logger: logger.With().Str("component", "memory-bus").Logger(),
		subs:   make(map[string][]subscription),
		seen:   make(map[string]time.Time),
		queue:  make(chan delivery, cfg.BufferSize),
	}
}

// Subscribe registers a handler. A group receives each event once, so a second
// handler in the same group for the same type is rejected.
func (b *MemoryBus) Subscribe(eventType, group string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs[eventType] {
		if s.group == group {
			return fmt.Errorf("group %s already subscribed to %s", group, eventType)
		}
	}
	b.subs[eventType] = append(b.subs[eventType], subscription{
		eventType: eventType,
		group:     group,
		handler:   handler,
	})
	return nil
}

// Publish enqueues the event for every subscribed group.
func (b *MemoryBus) Publish(ctx context.Context, event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	now := time.Now()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if at, ok := b.seen[event.ID()]; ok && now.Sub(at) < b.config.DedupeWindow {
		b.mu.Unlock()
		b.logger.Debug().Str("event_id", event.ID()).Str("type", event.Type()).Msg("Dropping duplicate event")
		return nil
	}
	b.seen[event.ID()] = now
	subs := append([]subscription(nil), b.subs[event.Type()]...)
	b.mu.Unlock()

	for _, s := range subs {
		if err := b.enqueue(ctx, delivery{event: event.Clone(), sub: s, attempt: 1}); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) enqueue(ctx context.Context, d delivery) error {
	b.inFlight.Add(1)
	select {
	case b.queue <- d:
		return nil
	case <-ctx.Done():
		b.inFlight.Add(-1)
		return ctx.Err()
	}
}

// Start launches the dispatcher.
func (b *MemoryBus) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(2)
	go b.dispatch(ctx)
	go b.pruneSeen(ctx)
	return nil
}

func (b *MemoryBus) dispatch(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.queue:
			b.wg.Add(1)
			go b.deliver(ctx, d)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, d delivery) {
	defer b.wg.Done()
	defer b.inFlight.Add(-1)

	err := d.sub.handler(ctx, d.event)
	if err == nil {
		return
	}

	logger := b.logger.With().
		Str("event_id", d.event.ID()).
		Str("type", d.event.Type()).
		Str("group", d.sub.group).
		Int("attempt", d.attempt).
		Logger()

	if d.attempt >= b.config.MaxDeliveries || ctx.Err() != nil {
		logger.Error().Err(err).Msg("Giving up on event delivery")
		return
	}

	logger.Warn().Err(err).Msg("Event handler failed, redelivering")
	d.attempt++
	b.inFlight.Add(1)
	time.AfterFunc(b.config.RedeliveryDelay, func() {
		select {
		case b.queue <- d:
		case <-ctx.Done():
			b.inFlight.Add(-1)
		}
	})
}

func (b *MemoryBus) pruneSeen(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.DedupeWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for id, at := range b.seen {
				if now.Sub(at) >= b.config.DedupeWindow {
					delete(b.seen, id)
				}
			}
			b.mu.Unlock()
		}
	}
}

// WaitIdle blocks until no delivery is queued or running, or the context ends.
func (b *MemoryBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the dispatcher and waits for running handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return nil
}
