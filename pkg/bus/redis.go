package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures a Redis Streams bus.
type RedisConfig struct {
	// Prefix namespaces stream and dedupe keys.
	Prefix string

	// Consumer identifies this replica inside consumer groups.
	Consumer string

	// Block is how long XREADGROUP waits for new messages.
	Block time.Duration

	// BatchSize is the number of messages read per call.
	BatchSize int64

	// MaxLen caps every stream (approximate trimming).
	MaxLen int64

	// ClaimIdle is how long a message stays pending before another replica claims it.
	ClaimIdle time.Duration

	// MaxDeliveries moves a message to the dead-letter stream after this many attempts.
	MaxDeliveries int64

	// DedupeTTL is how long a published event id is remembered.
	DedupeTTL time.Duration
}

// DefaultRedisConfig returns the Redis bus defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:        "audit:events",
		Consumer:      "auditd",
		Block:         2 * time.Second,
		BatchSize:     16,
		MaxLen:        100000,
		ClaimIdle:     time.Minute,
		MaxDeliveries: 5,
		DedupeTTL:     24 * time.Hour,
	}
}

// RedisBus delivers events through Redis Streams consumer groups. A message is
// acknowledged only after its handler succeeds; unacknowledged messages are
// reclaimed by any replica once idle for ClaimIdle.
type RedisBus struct {
	client redis.UniversalClient
	config RedisConfig
	logger zerolog.Logger

	mu   sync.RWMutex
	subs []subscription

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRedisBus creates a bus on top of an existing Redis client.
func NewRedisBus(client redis.UniversalClient, cfg RedisConfig, logger zerolog.Logger) *RedisBus {
	def := DefaultRedisConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Consumer == "" {
		cfg.Consumer = def.Consumer
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = def.MaxLen
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = def.ClaimIdle
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = def.MaxDeliveries
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = def.DedupeTTL
	}

	return &RedisBus{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "redis-bus").Str("consumer", cfg.Consumer).Logger(),
	}
}

func (b *RedisBus) stream(eventType string) string {
	return b.config.Prefix + ":" + eventType
}

func (b *RedisBus) deadLetter(eventType string) string {
	return b.config.Prefix + ":dead:" + eventType
}

// Subscribe registers a handler. It must be called before Start.
func (b *RedisBus) Subscribe(eventType, group string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.eventType == eventType && s.group == group {
			return fmt.Errorf("group %s already subscribed to %s", group, eventType)
		}
	}
	b.subs = append(b.subs, subscription{eventType: eventType, group: group, handler: handler})
	return nil
}

// Publish appends the event to its stream unless its id was published within DedupeTTL.
func (b *RedisBus) Publish(ctx context.Context, event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	fresh, err := b.client.SetNX(ctx, b.config.Prefix+":seen:"+event.ID(), 1, b.config.DedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to record event id: %w", err)
	}
	if !fresh {
		b.logger.Debug().Str("event_id", event.ID()).Str("type", event.Type()).Msg("Dropping duplicate event")
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(event.Type()),
		MaxLen: b.config.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(payload)},
	}).Err()
	if err != nil {
		// Forget the id so a retried publish is not dropped.
		b.client.Del(ctx, b.config.Prefix+":seen:"+event.ID())
		return fmt.Errorf("failed to append event to stream: %w", err)
	}
	return nil
}

// Start creates consumer groups and launches one reader and one reclaimer per subscription.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		err := b.client.XGroupCreateMkStream(ctx, b.stream(s.eventType), s.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group %s: %w", s.group, err)
		}
	}

	ctx, b.cancel = context.WithCancel(ctx)
	for _, s := range subs {
		b.wg.Add(2)
		go b.read(ctx, s)
		go b.reclaim(ctx, s)
	}

	b.logger.Info().Int("subscriptions", len(subs)).Msg("Redis bus started")
	return nil
}

func (b *RedisBus) read(ctx context.Context, s subscription) {
	defer b.wg.Done()

	stream := b.stream(s.eventType)
	for ctx.Err() == nil {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: b.config.Consumer,
			Streams:  []string{stream, ">"},
			Count:    b.config.BatchSize,
			Block:    b.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.logger.Error().Err(err).Str("stream", stream).Msg("Failed to read stream")
			sleep(ctx, time.Second)
			continue
		}

		for _, st := range res {
			for _, msg := range st.Messages {
				b.wg.Add(1)
				go func(msg redis.XMessage) {
					defer b.wg.Done()
					b.handle(ctx, s, msg)
				}(msg)
			}
		}
	}
}

func (b *RedisBus) reclaim(ctx context.Context, s subscription) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.ClaimIdle / 2)
	defer ticker.Stop()

	stream := b.stream(s.eventType)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    s.group,
			Consumer: b.config.Consumer,
			MinIdle:  b.config.ClaimIdle,
			Start:    "0-0",
			Count:    b.config.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error().Err(err).Str("stream", stream).Msg("Failed to reclaim pending messages")
			}
			continue
		}

		for _, msg := range msgs {
			if b.exhausted(ctx, stream, s.group, msg.ID) {
				b.bury(ctx, s, msg)
				continue
			}
			b.handle(ctx, s, msg)
		}
	}
}

func (b *RedisBus) exhausted(ctx context.Context, stream, group, id string) bool {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return false
	}
	return pending[0].RetryCount > b.config.MaxDeliveries
}

func (b *RedisBus) bury(ctx context.Context, s subscription, msg redis.XMessage) {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.deadLetter(s.eventType),
		MaxLen: b.config.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": msg.Values["event"], "group": s.group, "id": msg.ID},
	}).Err()
	if err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to dead-letter message")
		return
	}
	b.client.XAck(ctx, b.stream(s.eventType), s.group, msg.ID)
	b.logger.Error().Str("message_id", msg.ID).Str("group", s.group).Msg("Message dead-lettered after max deliveries")
}

func (b *RedisBus) handle(ctx context.Context, s subscription, msg redis.XMessage) {
	stream := b.stream(s.eventType)

	raw, _ := msg.Values["event"].(string)
	var event cloudevents.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Dropping undecodable message")
		b.client.XAck(ctx, stream, s.group, msg.ID)
		return
	}

	if err := s.handler(ctx, event); err != nil {
		b.logger.Warn().Err(err).
			Str("event_id", event.ID()).
			Str("group", s.group).
			Msg("Event handler failed, leaving message pending")
		return
	}

	if err := b.client.XAck(ctx, stream, s.group, msg.ID).Err(); err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to acknowledge message")
	}
}

// Close stops the readers and waits for in-flight handlers.
func (b *RedisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
