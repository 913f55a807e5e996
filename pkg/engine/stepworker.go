package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rs/zerolog"
)

// evaluationCheckpoint names the memoized Evaluator output of a step.
const evaluationCheckpoint = "evaluation"

// StepOutcome describes how a step task ended.
type StepOutcome string

const (
	// StepOutcomeEvaluated means the Evaluator output was validated and stored.
	StepOutcomeEvaluated StepOutcome = "evaluated"

	// StepOutcomeFallback means the deterministic fallback result was stored.
	StepOutcomeFallback StepOutcome = "fallback"

	// StepOutcomeDuplicate means a result already existed and was re-announced.
	StepOutcomeDuplicate StepOutcome = "duplicate"
)

// StepWorker evaluates one step of a run and persists its result.
type StepWorker struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger

	// backoff computes the delay between Evaluator attempts.
	backoff func(attempt int, err error) time.Duration
}

// NewStepWorker creates a step worker.
func NewStepWorker(deps Dependencies, opts Options) *StepWorker {
	return &StepWorker{
		deps:    deps,
		opts:    opts.withDefaults(),
		logger:  telemetry.Component(deps.Logger, "step-worker"),
		backoff: calculateBackoff,
	}
}

// Function returns the runtime registration of the step worker.
func (w *StepWorker) Function() FunctionSpec {
	return FunctionSpec{
		Name:        "audit-step-worker",
		Event:       EventStepRequested,
		Retries:     w.opts.StepRetries,
		Timeout:     w.opts.FunctionTimeout,
		MaxParallel: int64(w.opts.StepConcurrency),
		Handler: func(ctx context.Context, e cloudevents.Event) error {
			var task StepRequested
			if err := bus.Decode(e, &task); err != nil {
				return NewPermanentError("invalid step task", err).WithCode(ErrCodeValidation)
			}
			_, err := w.Execute(ctx, task)
			return err
		},
	}
}

// Execute runs one step task. A step that already has a result is not
// re-evaluated.
func (w *StepWorker) Execute(ctx context.Context, task StepRequested) (StepOutcome, error) {
	if err := validateStruct(task); err != nil {
		return "", err
	}

	ctx, span := w.deps.Tracer.StartStepSpan(ctx, task.RunID, task.Position)
	defer span.End()

	logger := telemetry.WithStep(w.logger, task.RunID, task.Position)

	timer := telemetry.NewTimer()
	w.deps.Metrics.StepStarted()
	defer w.deps.Metrics.StepFinished()

	outcome, err := w.execute(ctx, task, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		w.deps.Metrics.RecordStepExecution("error", timer.Duration())
		return "", err
	}

	telemetry.SetAttributes(span, telemetry.AttrStepOutcome.String(string(outcome)))
	telemetry.RecordSuccess(span)
	w.deps.Metrics.RecordStepExecution(string(outcome), timer.Duration())
	return outcome, nil
}

func (w *StepWorker) execute(ctx context.Context, task StepRequested, logger zerolog.Logger) (StepOutcome, error) {
	done, err := w.deps.Store.HasStepResult(ctx, task.RunID, task.Position)
	if err != nil {
		return "", fmt.Errorf("failed to check step result: %w", err)
	}
	if done {
		logger.Debug().Msg("Step already has a result")
		if err := w.emitCompleted(ctx, task, true, ""); err != nil {
			return "", err
		}
		return StepOutcomeDuplicate, nil
	}

	release, err := w.acquireRunToken(ctx, task.RunID)
	if err != nil {
		return "", err
	}
	defer release()

	rc, err := w.loadContext(ctx, task.RunID, logger)
	if err != nil {
		return "", err
	}

	step, ok := rc.Config.Step(task.Position)
	if !ok {
		return "", NewPermanentError(fmt.Sprintf("step %d is not part of the run config", task.Position), nil).
			WithCode(ErrCodeValidation).
			WithResource(task.RunID)
	}

	req := EvaluationRequest{
		RunID:   task.RunID,
		FicheID: rc.FicheID,
		Step:    step,
		Context: w.stepContext(ctx, rc, step),
		Product: rc.Product,
	}

	analysis, err := w.checkpointed(ctx, req, logger)
	if err != nil {
		return "", err
	}
	if analysis == nil {
		analysis, err = w.evaluate(ctx, req, logger)
		if err != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	outcome := StepOutcomeEvaluated
	var result StepResult
	if err != nil {
		logger.Warn().Err(err).Msg("Evaluator unavailable, using fallback result")
		result = FallbackStepResult(task.RunID, step, err)
		outcome = StepOutcomeFallback
	} else {
		result = stepResultFromAnalysis(task.RunID, step, analysis)
	}
	result.CreatedAt = time.Now().UTC()

	if err := w.deps.Store.SaveStepResult(ctx, &result); err != nil {
		return "", fmt.Errorf("failed to save step result: %w", err)
	}

	if err := w.emitCompleted(ctx, task, !result.Fallback, result.Error); err != nil {
		return "", err
	}

	logger.Info().
		Str("conformity", string(result.Conformity)).
		Float64("score", result.Score).
		Bool("fallback", result.Fallback).
		Msg("Step evaluated")
	return outcome, nil
}

func (w *StepWorker) acquireRunToken(ctx context.Context, runID string) (func(), error) {
	if w.deps.Limiter == nil {
		return func() {}, nil
	}
	release, err := w.deps.Limiter.Acquire(ctx, "run-steps:"+runID, w.opts.PerRunStepConcurrency, w.opts.TokenTTL)
	if err != nil {
		return nil, NewTransientError("failed to acquire run step token", err).
			WithCode(ErrCodeRateLimited).
			WithResource(runID)
	}
	return release, nil
}

// loadContext reads the cached run context or rebuilds it from the store and
// the transcription service.
func (w *StepWorker) loadContext(ctx context.Context, runID string, logger zerolog.Logger) (*RunContext, error) {
	if w.deps.Cache != nil {
		if rc, ok := w.deps.Cache.Get(ctx, runID); ok {
			return rc, nil
		}
	}

	run, err := w.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, withResource(Classify(err), runID, "load_run")
	}
	if run.Config == nil {
		return nil, NewPermanentError("run has no config snapshot", nil).
			WithCode(ErrCodeValidation).
			WithResource(runID)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.opts.CollaboratorTimeout)
	recordings, err := w.deps.Transcripts.Recordings(callCtx, run.FicheID)
	cancel()
	if err != nil {
		return nil, withResource(Classify(err), run.FicheID, "recordings")
	}

	tl := BuildTimeline(recordings)
	rc := &RunContext{
		RunID:        run.ID,
		FicheID:      run.FicheID,
		Config:       run.Config,
		Timeline:     tl,
		TimelineText: tl.Text(),
	}

	if w.deps.Cache != nil {
		if err := w.deps.Cache.Put(ctx, rc, StepExcerpts(run.Config, tl)); err != nil {
			logger.Warn().Err(err).Msg("Failed to re-cache run context")
		}
	}
	logger.Debug().Msg("Run context rebuilt")
	return rc, nil
}

// stepContext returns the step excerpt when one exists, otherwise the full timeline.
func (w *StepWorker) stepContext(ctx context.Context, rc *RunContext, step StepDefinition) string {
	if w.deps.Cache != nil {
		if text, ok := w.deps.Cache.Excerpt(ctx, rc.RunID, step.Position); ok {
			return text
		}
	}
	if rc.Timeline != nil {
		if text := rc.Timeline.Excerpt(step.Keywords); text != "" {
			return text
		}
	}
	return rc.TimelineText
}

// checkpointed returns the memoized analysis of a step, or nil when there is none.
func (w *StepWorker) checkpointed(ctx context.Context, req EvaluationRequest, logger zerolog.Logger) (*Analysis, error) {
	payload, err := w.deps.Store.GetCheckpoint(ctx, req.RunID, req.Step.Position, evaluationCheckpoint)
	if errors.Is(err, ErrCheckpointNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var analysis Analysis
	if err := json.Unmarshal(payload, &analysis); err != nil {
		logger.Warn().Err(err).Msg("Ignoring undecodable evaluation checkpoint")
		return nil, nil
	}
	logger.Debug().Msg("Reusing checkpointed evaluation")
	return &analysis, nil
}

// evaluate calls the Evaluator with retries and checkpoints a valid analysis.
func (w *StepWorker) evaluate(ctx context.Context, req EvaluationRequest, logger zerolog.Logger) (*Analysis, error) {
	var lastErr error
	for attempt := 0; attempt < w.opts.EvaluatorAttempts; attempt++ {
		analysis, err := w.callEvaluator(ctx, req)
		if err == nil {
			data, merr := json.Marshal(analysis)
			if merr == nil {
				if cerr := w.deps.Store.SaveCheckpoint(ctx, req.RunID, req.Step.Position, evaluationCheckpoint, data); cerr != nil {
					logger.Warn().Err(cerr).Msg("Failed to checkpoint evaluation")
				}
			}
			return analysis, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt+1 >= w.opts.EvaluatorAttempts {
			break
		}

		delay := w.backoff(attempt, err)
		logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Retrying evaluator")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// callEvaluator runs one Evaluator call and validates its output.
func (w *StepWorker) callEvaluator(ctx context.Context, req EvaluationRequest) (*Analysis, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.opts.EvaluatorTimeout)
	defer cancel()

	timer := telemetry.NewTimer()
	analysis, err := w.deps.Evaluator.Evaluate(callCtx, req)
	if err != nil {
		w.deps.Metrics.RecordEvaluatorCall("error", timer.Duration())
		return nil, withResource(Classify(err), req.RunID, "evaluate")
	}
	if analysis == nil {
		w.deps.Metrics.RecordEvaluatorCall("invalid", timer.Duration())
		return nil, NewPermanentError("evaluator returned no analysis", nil).WithCode(ErrCodeEvaluatorFailed)
	}
	if err := validate.Struct(analysis); err != nil {
		w.deps.Metrics.RecordEvaluatorCall("invalid", timer.Duration())
		return nil, NewPermanentError("evaluator output failed validation", err).WithCode(ErrCodeEvaluatorFailed)
	}
	w.deps.Metrics.RecordEvaluatorCall("ok", timer.Duration())
	return analysis, nil
}

func (w *StepWorker) emitCompleted(ctx context.Context, task StepRequested, ok bool, message string) error {
	payload := StepCompleted{RunID: task.RunID, Position: task.Position, OK: ok, Error: message}
	if err := bus.Emit(ctx, w.deps.Publisher, EventStepCompleted, "", payload); err != nil {
		return NewTransientError("failed to emit step.completed", err).WithResource(task.RunID)
	}
	return nil
}

// stepResultFromAnalysis maps a validated analysis to a step result. Control
// points are re-indexed from 0 in the order returned.
func stepResultFromAnalysis(runID string, step StepDefinition, a *Analysis) StepResult {
	result := StepResult{
		RunID:         runID,
		Position:      step.Position,
		StepName:      step.Name,
		Conformity:    a.Conformity,
		Score:         a.Score,
		Weight:        step.Weight,
		Critical:      step.Critical,
		Rationale:     a.Rationale,
		ControlPoints: make([]ControlPoint, len(a.ControlPoints)),
	}
	for i, cp := range a.ControlPoints {
		cp.Index = i
		cp.Citations = append([]Citation(nil), cp.Citations...)
		result.ControlPoints[i] = cp
	}
	return result
}
