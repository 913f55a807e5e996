package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rs/zerolog"
)

// FinalizeOutcome describes what a finalization pass did.
type FinalizeOutcome string

const (
	// FinalizeSkipped means the run is not running.
	FinalizeSkipped FinalizeOutcome = "skipped"

	// FinalizeWaiting means some steps have no result yet.
	FinalizeWaiting FinalizeOutcome = "waiting"

	// FinalizeCompleted means the run was scored and persisted.
	FinalizeCompleted FinalizeOutcome = "completed"
)

// Finalizer aggregates the step results of a run once every step has reported.
type Finalizer struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewFinalizer creates a finalizer.
func NewFinalizer(deps Dependencies, opts Options) *Finalizer {
	return &Finalizer{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: telemetry.Component(deps.Logger, "finalizer"),
		now:    time.Now,
	}
}

// Function returns the runtime registration of the finalizer. Passes for the
// same run are serialized.
func (f *Finalizer) Function() FunctionSpec {
	return FunctionSpec{
		Name:    "audit-finalizer",
		Event:   EventStepCompleted,
		Retries: f.opts.FinalizerRetries,
		Timeout: f.opts.FunctionTimeout,
		Concurrency: &Concurrency{
			Key: func(e cloudevents.Event) string {
				var sc StepCompleted
				if err := e.DataAs(&sc); err != nil || sc.RunID == "" {
					return ""
				}
				return "finalize:" + sc.RunID
			},
			Limit: 1,
			TTL:   f.opts.TokenTTL,
		},
		Handler: func(ctx context.Context, e cloudevents.Event) error {
			var sc StepCompleted
			if err := bus.Decode(e, &sc); err != nil {
				return NewPermanentError("invalid step completion", err).WithCode(ErrCodeValidation)
			}
			_, err := f.Finalize(ctx, sc.RunID)
			return err
		},
	}
}

// Finalize scores the run when every step has a result.
func (f *Finalizer) Finalize(ctx context.Context, runID string) (FinalizeOutcome, error) {
	ctx, span := f.deps.Tracer.StartFinalizeSpan(ctx, runID)
	defer span.End()

	logger := telemetry.WithRunID(f.logger, runID)

	outcome, err := f.finalize(ctx, runID, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		f.deps.Metrics.RecordFinalization("error")
		return "", err
	}
	f.deps.Metrics.RecordFinalization(string(outcome))
	telemetry.RecordSuccess(span)
	return outcome, nil
}

func (f *Finalizer) finalize(ctx context.Context, runID string, logger zerolog.Logger) (FinalizeOutcome, error) {
	run, err := f.deps.Store.GetRun(ctx, runID)
	if errors.Is(err, ErrRunNotFound) {
		logger.Warn().Msg("Step completion for unknown run")
		return FinalizeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load run: %w", err)
	}

	if run.Status != RunStatusRunning {
		if run.Status == RunStatusCompleted {
			// Repeats carry the same event id and are dropped by the bus.
			if err := f.emitCompleted(ctx, run); err != nil {
				return "", err
			}
		}
		logger.Debug().Str("status", string(run.Status)).Msg("Run not running, skipping finalization")
		return FinalizeSkipped, nil
	}
	if run.Config == nil {
		return "", NewPermanentError("run has no config snapshot", nil).
			WithCode(ErrCodeValidation).
			WithResource(runID)
	}

	total := len(run.Config.Steps)
	count, err := f.deps.Store.CountStepResults(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("failed to count step results: %w", err)
	}
	if count < total {
		if err := f.deps.Store.UpdateProgress(ctx, runID, count); err != nil {
			logger.Warn().Err(err).Msg("Failed to update run progress")
		}
		logger.Debug().Int("completed", count).Int("total", total).Msg("Waiting for steps")
		return FinalizeWaiting, nil
	}

	results, err := f.deps.Store.ListStepResults(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("failed to list step results: %w", err)
	}

	tl, err := f.timeline(ctx, run)
	if err != nil {
		return "", err
	}

	gated, report := GateEvidence(EnrichCitations(results, tl), tl)
	compliance := ComputeCompliance(run.Config.Steps, gated, run.Config.Thresholds)

	now := f.now().UTC()
	run.Status = RunStatusCompleted
	run.ScorePercentage = compliance.Percentage
	run.Tier = compliance.Tier
	run.CriticalPassed = compliance.CriticalPassed
	run.CriticalTotal = compliance.CriticalTotal
	run.EarnedWeight = compliance.EarnedWeight
	run.TotalWeight = compliance.TotalWeight
	run.StepsCompleted = count
	run.CompletedAt = &now
	run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
	run.Error = ""

	if err := f.deps.Store.CompleteRun(ctx, run, gated); err != nil {
		return "", fmt.Errorf("failed to complete run: %w", err)
	}

	f.deps.trail(ctx, runID, "run.completed", "info", "Run scored", map[string]interface{}{
		"score":                     compliance.Percentage,
		"tier":                      string(compliance.Tier),
		"critical_passed":           compliance.CriticalPassed,
		"critical_total":            compliance.CriticalTotal,
		"unsupported_citations":     report.UnsupportedCitations,
		"downgraded_control_points": report.DowngradedControlPoints,
		"downgraded_steps":          report.DowngradedSteps,
	})
	f.deps.Metrics.RecordRunCompleted(string(compliance.Tier), compliance.Percentage, time.Duration(run.DurationMS)*time.Millisecond)

	f.deps.notify(ctx, NotifyAuditCompleted, completedPayload(run))
	if err := f.emitCompleted(ctx, run); err != nil {
		return "", err
	}

	if f.deps.Cache != nil {
		positions := make([]int, 0, total)
		for _, s := range run.Config.Steps {
			positions = append(positions, s.Position)
		}
		f.deps.Cache.Delete(ctx, runID, positions)
	}

	logger.Info().
		Float64("score", compliance.Percentage).
		Str("tier", string(compliance.Tier)).
		Int("unsupported_citations", report.UnsupportedCitations).
		Msg("Run completed")
	return FinalizeCompleted, nil
}

// timeline returns the cached timeline or rebuilds it from the recordings.
func (f *Finalizer) timeline(ctx context.Context, run *AuditRun) (*Timeline, error) {
	if f.deps.Cache != nil {
		if rc, ok := f.deps.Cache.Get(ctx, run.ID); ok && rc.Timeline != nil {
			return rc.Timeline, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, f.opts.CollaboratorTimeout)
	defer cancel()

	recordings, err := f.deps.Transcripts.Recordings(callCtx, run.FicheID)
	if err != nil {
		return nil, withResource(Classify(err), run.FicheID, "recordings")
	}
	return BuildTimeline(recordings), nil
}

func (f *Finalizer) emitCompleted(ctx context.Context, run *AuditRun) error {
	if err := bus.Emit(ctx, f.deps.Publisher, EventRunCompleted, RunCompletedKey(run.ID), completedPayload(run)); err != nil {
		return NewTransientError("failed to emit run.completed", err).WithResource(run.ID)
	}
	return nil
}

func completedPayload(run *AuditRun) RunCompleted {
	return RunCompleted{
		RunID:      run.ID,
		FicheID:    run.FicheID,
		ConfigID:   run.ConfigID,
		TrackingID: run.TrackingID,
		BatchID:    run.BatchID,
		Score:      run.ScorePercentage,
		Tier:       run.Tier,
		DurationMS: run.DurationMS,
	}
}
