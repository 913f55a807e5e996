package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/kv"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Concurrency bounds how many invocations sharing a key run at once across
// every replica.
type Concurrency struct {
	// Key derives the token name from the triggering event. An empty key skips the limit.
	Key func(event cloudevents.Event) string

	// Limit is the number of concurrent holders per key.
	Limit int

	// TTL bounds how long a crashed holder keeps its token.
	TTL time.Duration
}

// FailureHandler runs once after the last attempt of an invocation failed.
type FailureHandler func(ctx context.Context, event cloudevents.Event, cause error) error

// FunctionSpec describes a durable function triggered by a domain event.
type FunctionSpec struct {
	// Name identifies the function and is used as its consumer group.
	Name string

	// Event is the triggering event type.
	Event string

	// Retries is the number of additional attempts after the first failure.
	Retries int

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxParallel caps concurrent invocations on this replica. Zero means unbounded.
	MaxParallel int64

	// Concurrency is the optional named concurrency token.
	Concurrency *Concurrency

	Handler   bus.Handler
	OnFailure FailureHandler
}

// Runtime executes registered functions on top of an at-least-once bus.
type Runtime struct {
	subscriber bus.Subscriber
	limiter    kv.Limiter
	metrics    *telemetry.Metrics
	logger     zerolog.Logger

	// backoff computes the delay before the next attempt.
	backoff func(attempt int, err error) time.Duration
}

// NewRuntime creates a runtime that subscribes functions to the given bus.
func NewRuntime(subscriber bus.Subscriber, limiter kv.Limiter, metrics *telemetry.Metrics, logger zerolog.Logger) *Runtime {
	return &Runtime{
		subscriber: subscriber,
		limiter:    limiter,
		metrics:    metrics,
		logger:     telemetry.Component(logger, "runtime"),
		backoff:    calculateBackoff,
	}
}

// Register subscribes a function to its trigger event.
func (r *Runtime) Register(spec FunctionSpec) error {
	if spec.Name == "" || spec.Event == "" || spec.Handler == nil {
		return NewPermanentError("function requires a name, an event and a handler", nil).
			WithCode(ErrCodeValidation)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 5 * time.Minute
	}
	if spec.Retries < 0 {
		spec.Retries = 0
	}

	var sem *semaphore.Weighted
	if spec.MaxParallel > 0 {
		sem = semaphore.NewWeighted(spec.MaxParallel)
	}

	handler := func(ctx context.Context, event cloudevents.Event) error {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
		}
		return r.invoke(ctx, spec, event)
	}

	if err := r.subscriber.Subscribe(spec.Event, spec.Name, handler); err != nil {
		return fmt.Errorf("failed to register %s: %w", spec.Name, err)
	}

	r.logger.Debug().
		Str("function", spec.Name).
		Str("event", spec.Event).
		Int("retries", spec.Retries).
		Msg("Function registered")
	return nil
}

// invoke runs one delivery of an event through the function with retry logic.
func (r *Runtime) invoke(ctx context.Context, spec FunctionSpec, event cloudevents.Event) error {
	logger := r.logger.With().
		Str("function", spec.Name).
		Str("event_id", event.ID()).
		Logger()

	var err error
	for attempt := 0; attempt <= spec.Retries; attempt++ {
		err = r.attempt(ctx, spec, event)
		if err == nil {
			return nil
		}

		// Check if error is retryable
		if !IsRetryable(err) {
			break
		}

		// Don't retry on last attempt
		if attempt >= spec.Retries {
			break
		}

		delay := r.backoff(attempt, err)
		logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", spec.Retries+1).
			Dur("backoff", delay).
			Msg("Retrying after failure")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	classified := Classify(err)
	if e, ok := classified.(*EngineError); ok {
		r.metrics.RecordError(string(e.Class), e.Code)
	}

	if spec.OnFailure == nil {
		logger.Error().Err(err).Msg("Function failed")
		return err
	}

	logger.Error().Err(err).Msg("Function failed, running failure handler")
	if ferr := spec.OnFailure(ctx, event, err); ferr != nil {
		return fmt.Errorf("failure handler for %s: %w", spec.Name, ferr)
	}
	return nil
}

// attempt runs the handler once under the attempt timeout and concurrency token.
func (r *Runtime) attempt(ctx context.Context, spec FunctionSpec, event cloudevents.Event) error {
	execCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	if c := spec.Concurrency; c != nil && c.Key != nil && r.limiter != nil {
		if key := c.Key(event); key != "" {
			release, err := r.limiter.Acquire(execCtx, key, c.Limit, c.TTL)
			if err != nil {
				return NewTransientError("failed to acquire concurrency token", err).
					WithResource(key).
					WithCode(ErrCodeRateLimited)
			}
			defer release()
		}
	}

	return spec.Handler(execCtx, event)
}

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second

	// Use different base delays for different error types
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}
