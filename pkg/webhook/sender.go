package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds delivery tunables.
type Config struct {
	// Secret signs every request body. Deliveries are unsigned when empty.
	Secret string `yaml:"secret" json:"-"`

	// MaxAttempts is the number of POSTs before a delivery is failed.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=10"`

	// Timeout bounds one POST.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// BaseDelay is doubled after every failed attempt up to MaxDelay.
	BaseDelay time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay  time.Duration `yaml:"max_delay" validate:"gte=0"`

	// MaxResponseBody truncates the response body stored on the delivery.
	MaxResponseBody int `yaml:"max_response_body" validate:"gte=0"`

	UserAgent string `yaml:"user_agent"`

	// Workers and QueueSize bound the asynchronous dispatcher.
	Workers   int `yaml:"workers" validate:"gte=0"`
	QueueSize int `yaml:"queue_size" validate:"gte=0"`

	Subscriptions []Subscription `yaml:"subscriptions" validate:"dive"`
}

// DefaultConfig returns the default delivery configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		Timeout:         10 * time.Second,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		MaxResponseBody: 1024,
		UserAgent:       "auditd-webhooks/1.0",
		Workers:         4,
		QueueSize:       256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = d.MaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Envelope is the JSON body of every delivery.
type Envelope struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      interface{} `json:"data"`
}

// Sender signs, sends and retries webhook deliveries, recording every attempt.
type Sender struct {
	cfg     Config
	store   DeliveryStore
	guard   Checker
	client  *http.Client
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSender creates a sender. Metrics and tracer may be nil.
func NewSender(cfg Config, store DeliveryStore, guard Checker, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{
		cfg:   cfg,
		store: store,
		guard: guard,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects could lead to destinations the guard never saw.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: metrics,
		tracer:  tracer,
		logger:  telemetry.Component(logger, "webhook-sender"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Send delivers payload to url as event. It blocks until the delivery is sent,
// rejected or out of attempts, and returns the final delivery row. The error
// is non-nil when the delivery did not succeed.
func (s *Sender) Send(ctx context.Context, url, event string, payload interface{}) (*Delivery, error) {
	now := s.now().UTC()
	d := &Delivery{
		ID:          uuid.New().String(),
		Event:       event,
		URL:         url,
		Status:      DeliveryPending,
		Attempt:     1,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, span := s.tracer.StartWebhookSpan(ctx, event, d.ID)
	defer span.End()

	logger := s.logger.With().Str("delivery_id", d.ID).Str("event", event).Logger()

	// Delivery rows are written even after ctx is cancelled.
	storeCtx := context.WithoutCancel(ctx)

	body, err := json.Marshal(Envelope{
		EventID:   d.ID,
		EventType: event,
		CreatedAt: now,
		Data:      payload,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	d.Payload = body

	if err := s.guard.Check(ctx, url, event); err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
		var rej *RejectionError
		if errors.As(err, &rej) {
			d.Error = rej.Reason
		}
		if cerr := s.store.CreateDelivery(storeCtx, d); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to record rejected delivery")
		}
		s.metrics.RecordWebhookDelivery(event, string(DeliveryFailed))
		telemetry.RecordError(span, err)
		logger.Warn().Err(err).Str("url", url).Msg("Webhook destination rejected")
		return d, err
	}

	if err := s.store.CreateDelivery(storeCtx, d); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}

	for {
		attemptErr := s.attempt(ctx, d, body)
		s.metrics.RecordWebhookAttempt(event, attemptErr == nil)
		d.UpdatedAt = s.now().UTC()

		if attemptErr == nil {
			d.Status = DeliverySent
			d.Error = ""
			d.NextRetryAt = nil
		} else {
			d.Error = attemptErr.Error()
			if d.Attempt >= d.MaxAttempts || ctx.Err() != nil {
				d.Status = DeliveryFailed
				d.NextRetryAt = nil
			} else {
				next := d.UpdatedAt.Add(s.retryDelay(d.Attempt))
				d.NextRetryAt = &next
			}
		}

		if err := s.store.UpdateDelivery(storeCtx, d); err != nil {
			logger.Error().Err(err).Int("attempt", d.Attempt).Msg("Failed to update delivery")
		}

		if d.Status == DeliverySent {
			s.metrics.RecordWebhookDelivery(event, string(DeliverySent))
			span.SetAttributes(attribute.Int("webhook.attempts", d.Attempt))
			telemetry.RecordSuccess(span)
			logger.Debug().Int("attempt", d.Attempt).Int("status", d.StatusCode).Msg("Webhook delivered")
			return d, nil
		}

		if d.Status == DeliveryFailed {
			s.metrics.RecordWebhookDelivery(event, string(DeliveryFailed))
			telemetry.RecordError(span, attemptErr)
			logger.Warn().Err(attemptErr).Int("attempts", d.Attempt).Msg("Webhook delivery failed")
			return d, fmt.Errorf("webhook delivery %s failed after %d attempts: %w", d.ID, d.Attempt, attemptErr)
		}

		delay := d.NextRetryAt.Sub(d.UpdatedAt)
		logger.Debug().Err(attemptErr).Int("attempt", d.Attempt).Dur("delay", delay).Msg("Retrying webhook")

		if err := s.sleep(ctx, delay); err != nil {
			d.Status = DeliveryFailed
			d.NextRetryAt = nil
			d.Error = err.Error()
			d.UpdatedAt = s.now().UTC()
			if uerr := s.store.UpdateDelivery(storeCtx, d); uerr != nil {
				logger.Error().Err(uerr).Msg("Failed to update delivery")
			}
			s.metrics.RecordWebhookDelivery(event, string(DeliveryFailed))
			telemetry.RecordError(span, err)
			return d, fmt.Errorf("webhook delivery %s interrupted: %w", d.ID, err)
		}
		d.Attempt++
	}
}

// attempt performs one signed POST and records the response on d.
func (s *Sender) attempt(ctx context.Context, d *Delivery, body []byte) error {
	d.StatusCode = 0
	d.ResponseBody = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set(EventHeader, d.Event)
	req.Header.Set(DeliveryHeader, d.ID)
	if s.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.cfg.Secret, body))
		req.Header.Set(SignatureV2Header, SignV2(s.cfg.Secret, body, s.now()))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, int64(s.cfg.MaxResponseBody)))
	_, _ = io.Copy(io.Discard, resp.Body)

	d.StatusCode = resp.StatusCode
	d.ResponseBody = string(respBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// retryDelay returns min(BaseDelay * 2^attempt, MaxDelay).
func (s *Sender) retryDelay(attempt int) time.Duration {
	delay := s.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
