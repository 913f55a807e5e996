package engine

import (
	"context"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/kv"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options are the tunables shared by the engine components.
type Options struct {
	// StepConcurrency caps concurrent step workers per replica.
	StepConcurrency int

	// PerRunStepConcurrency caps concurrent steps of one run across replicas.
	PerRunStepConcurrency int

	// PerFicheRunConcurrency caps concurrent orchestrations of one fiche across replicas.
	PerFicheRunConcurrency int

	// OrchestratorRetries is the number of extra orchestration attempts.
	OrchestratorRetries int

	// StepRetries is the number of extra step worker attempts.
	StepRetries int

	// FinalizerRetries is the number of extra finalizer attempts.
	FinalizerRetries int

	// EvaluatorAttempts is the number of Evaluator calls before falling back.
	EvaluatorAttempts int

	EvaluatorTimeout    time.Duration
	CollaboratorTimeout time.Duration

	// FunctionTimeout bounds one attempt of any engine function.
	FunctionTimeout time.Duration

	// TokenTTL bounds how long a crashed replica holds a concurrency token.
	TokenTTL time.Duration

	ContextCacheTTL time.Duration

	// RunTimeout is the wall-clock bound after which a running run is failed.
	RunTimeout time.Duration
}

// DefaultOptions returns the default engine tunables.
func DefaultOptions() Options {
	return Options{
		StepConcurrency:        10,
		PerRunStepConcurrency:  5,
		PerFicheRunConcurrency: 1,
		OrchestratorRetries:    2,
		StepRetries:            2,
		FinalizerRetries:       3,
		EvaluatorAttempts:      3,
		EvaluatorTimeout:       2 * time.Minute,
		CollaboratorTimeout:    30 * time.Second,
		FunctionTimeout:        10 * time.Minute,
		TokenTTL:               15 * time.Minute,
		ContextCacheTTL:        2 * time.Hour,
		RunTimeout:             time.Hour,
	}
}

// withDefaults fills zero values from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StepConcurrency <= 0 {
		o.StepConcurrency = d.StepConcurrency
	}
	if o.PerRunStepConcurrency <= 0 {
		o.PerRunStepConcurrency = d.PerRunStepConcurrency
	}
	if o.PerFicheRunConcurrency <= 0 {
		o.PerFicheRunConcurrency = d.PerFicheRunConcurrency
	}
	if o.EvaluatorAttempts <= 0 {
		o.EvaluatorAttempts = d.EvaluatorAttempts
	}
	if o.EvaluatorTimeout <= 0 {
		o.EvaluatorTimeout = d.EvaluatorTimeout
	}
	if o.CollaboratorTimeout <= 0 {
		o.CollaboratorTimeout = d.CollaboratorTimeout
	}
	if o.FunctionTimeout <= 0 {
		o.FunctionTimeout = d.FunctionTimeout
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = d.TokenTTL
	}
	if o.ContextCacheTTL <= 0 {
		o.ContextCacheTTL = d.ContextCacheTTL
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = d.RunTimeout
	}
	return o
}

// Dependencies are the collaborators wired into the engine components.
type Dependencies struct {
	Store       RunStore
	Fiches      FicheRefresher
	Transcripts TranscriptionService
	Evaluator   Evaluator
	Products    ProductResolver
	Configs     ConfigSource
	Cache       *ContextCache
	Publisher   bus.Publisher
	Notifier    Notifier
	Limiter     kv.Limiter

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  zerolog.Logger
}

// notify sends a best-effort notification when a notifier is configured.
func (d Dependencies) notify(ctx context.Context, event string, payload interface{}) {
	if d.Notifier != nil {
		d.Notifier.Notify(ctx, event, payload)
	}
}

// trail appends an entry to the run audit trail. Failures are logged only.
func (d Dependencies) trail(ctx context.Context, runID, eventType, level, message string, details map[string]interface{}) {
	if runID == "" {
		return
	}
	err := d.Store.AppendRunEvent(ctx, &RunEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      eventType,
		Level:     level,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		d.Logger.Warn().Err(err).Str("run_id", runID).Str("type", eventType).Msg("Failed to append run event")
	}
}
