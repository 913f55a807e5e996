package webhook

import (
	"context"
	"errors"
	"path"
	"sync"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrDispatcherClosed is returned when delivering through a closed dispatcher.
var ErrDispatcherClosed = errors.New("webhook dispatcher closed")

// Subscription routes events to a destination. Events are path.Match
// patterns such as "audit.*"; an empty list matches every event.
type Subscription struct {
	Name   string   `yaml:"name" json:"name" validate:"required"`
	URL    string   `yaml:"url" json:"url" validate:"required,url"`
	Events []string `yaml:"events" json:"events,omitempty"`
}

// Matches returns true if the subscription receives event.
func (s Subscription) Matches(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, pattern := range s.Events {
		if ok, _ := path.Match(pattern, event); ok {
			return true
		}
	}
	return false
}

// Deliverer sends one delivery synchronously. *Sender satisfies it.
type Deliverer interface {
	Send(ctx context.Context, url, event string, payload interface{}) (*Delivery, error)
}

type job struct {
	ctx     context.Context
	sub     Subscription
	event   string
	payload interface{}
}

// Dispatcher fans notifications out to matching subscriptions on a bounded
// worker pool. Notify never blocks; notifications are dropped when the queue
// is full.
type Dispatcher struct {
	sender  Deliverer
	subs    []Subscription
	workers int
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	queue   chan job
	closed  bool
	started bool
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher for the configured subscriptions.
func NewDispatcher(sender Deliverer, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		sender:  sender,
		subs:    append([]Subscription(nil), cfg.Subscriptions...),
		workers: cfg.Workers,
		metrics: metrics,
		logger:  telemetry.Component(logger, "webhook-dispatcher"),
		queue:   make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Close drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.group = &errgroup.Group{}

	for i := 0; i < d.workers; i++ {
		d.group.Go(func() error {
			d.work()
			return nil
		})
	}

	d.logger.Info().
		Int("workers", d.workers).
		Int("subscriptions", len(d.subs)).
		Msg("Webhook dispatcher started")
}

// Notify queues event for every matching subscription.
func (d *Dispatcher) Notify(ctx context.Context, event string, payload interface{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn().Str("event", event).Msg("Dispatcher closed, notification dropped")
		return
	}

	jobCtx := context.WithoutCancel(ctx)
	for _, sub := range d.subs {
		if !sub.Matches(event) {
			continue
		}
		select {
		case d.queue <- job{ctx: jobCtx, sub: sub, event: event, payload: payload}:
		default:
			d.metrics.RecordWebhookDelivery(event, "dropped")
			d.logger.Warn().
				Str("event", event).
				Str("subscription", sub.Name).
				Msg("Webhook queue full, notification dropped")
		}
	}
}

// Deliver sends event to url synchronously, bypassing subscriptions.
func (d *Dispatcher) Deliver(ctx context.Context, url, event string, payload interface{}) (*Delivery, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, ErrDispatcherClosed
	}
	return d.sender.Send(ctx, url, event, payload)
}

func (d *Dispatcher) work() {
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	delivery, err := d.sender.Send(ctx, j.sub.URL, j.event, j.payload)
	if err != nil {
		ev := d.logger.Warn().Err(err).
			Str("event", j.event).
			Str("subscription", j.sub.Name)
		if delivery != nil {
			ev = ev.Str("delivery_id", delivery.ID).Int("attempts", delivery.Attempt)
		}
		ev.Msg("Webhook notification failed")
	}
}

// Close stops accepting notifications and waits for queued deliveries. If ctx
// expires first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
