package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OrchestrationStatus is the outcome reported by Orchestrator.Run.
type OrchestrationStatus string

const (
	// OrchestrationPending means steps were dispatched and the run is in flight.
	OrchestrationPending OrchestrationStatus = "PENDING"

	// OrchestrationFailed means the run was marked failed without fan-out.
	OrchestrationFailed OrchestrationStatus = "FAILED"

	// OrchestrationDuplicate means the tracking id already belongs to a finished run.
	OrchestrationDuplicate OrchestrationStatus = "DUPLICATE"
)

// OrchestrationResult is returned once steps are dispatched.
type OrchestrationResult struct {
	RunID           string              `json:"run_id"`
	TrackingID      string              `json:"tracking_id"`
	Status          OrchestrationStatus `json:"status"`
	StepsDispatched int                 `json:"steps_dispatched"`
}

// Orchestrator turns a run request into a running AuditRun and one step task per
// configured step.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, opts Options) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: telemetry.Component(deps.Logger, "orchestrator"),
		now:    time.Now,
	}
}

// Function returns the runtime registration of the orchestrator.
func (o *Orchestrator) Function() FunctionSpec {
	return FunctionSpec{
		Name:    "audit-orchestrator",
		Event:   EventRunRequested,
		Retries: o.opts.OrchestratorRetries,
		Timeout: o.opts.FunctionTimeout,
		Concurrency: &Concurrency{
			Key: func(e cloudevents.Event) string {
				var req RunRequested
				if err := e.DataAs(&req); err != nil || req.FicheID == "" {
					return ""
				}
				return "fiche:" + req.FicheID
			},
			Limit: o.opts.PerFicheRunConcurrency,
			TTL:   o.opts.TokenTTL,
		},
		Handler: func(ctx context.Context, e cloudevents.Event) error {
			req, err := decodeRunRequest(e)
			if err != nil {
				return err
			}
			_, err = o.Run(ctx, req)
			return err
		},
		OnFailure: func(ctx context.Context, e cloudevents.Event, cause error) error {
			req, err := decodeRunRequest(e)
			if err != nil {
				o.logger.Error().Err(err).Str("event_id", e.ID()).Msg("Dropping undecodable run request")
				return nil
			}
			return o.OnFailure(ctx, req, cause)
		},
	}
}

// decodeRunRequest decodes a run.requested event. A missing tracking id is
// derived from the event id so redeliveries map to the same run.
func decodeRunRequest(e cloudevents.Event) (RunRequested, error) {
	var req RunRequested
	if err := bus.Decode(e, &req); err != nil {
		return req, NewPermanentError("invalid run request", err).WithCode(ErrCodeValidation)
	}
	if req.TrackingID == "" {
		req.TrackingID = "trk-" + e.ID()
	}
	return req, nil
}

// Run executes the orchestration of one run request.
func (o *Orchestrator) Run(ctx context.Context, req RunRequested) (*OrchestrationResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	ctx, span := o.deps.Tracer.StartRunSpan(ctx, req.FicheID, req.ConfigID, req.TrackingID)
	defer span.End()

	logger := telemetry.WithFicheID(o.logger, req.FicheID, req.ConfigID).With().
		Str("tracking_id", req.TrackingID).
		Logger()

	result, err := o.run(ctx, req, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttributes(span, telemetry.AttrRunID.String(result.RunID))
	telemetry.RecordSuccess(span)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req RunRequested, logger zerolog.Logger) (*OrchestrationResult, error) {
	fiche, err := o.refreshFiche(ctx, req.FicheID)
	if err != nil {
		if IsPermanent(err) {
			return o.failRequest(ctx, req, err)
		}
		return nil, err
	}

	if err := o.ensureTranscribed(ctx, req.FicheID, logger); err != nil {
		if IsPermanent(err) {
			return o.failRequest(ctx, req, err)
		}
		return nil, err
	}

	cfg, err := o.loadConfig(ctx, req.ConfigID)
	if err != nil {
		if IsPermanent(err) {
			return o.failRequest(ctx, req, err)
		}
		return nil, err
	}

	product := o.resolveProduct(ctx, fiche, logger)

	run := &AuditRun{
		ID:         uuid.New().String(),
		TrackingID: req.TrackingID,
		FicheID:    req.FicheID,
		ConfigID:   req.ConfigID,
		BatchID:    req.BatchID,
		Status:     RunStatusRunning,
		Trigger:    req.Trigger,
		Config:     cfg,
		StepsTotal: len(cfg.Steps),
		IsLatest:   true,
		StartedAt:  o.now().UTC(),
	}

	stored, created, err := o.deps.Store.CreateRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit run: %w", err)
	}
	if !created && stored.Status != RunStatusRunning {
		logger.Info().
			Str("run_id", stored.ID).
			Str("status", string(stored.Status)).
			Msg("Run already past running, skipping dispatch")
		return &OrchestrationResult{RunID: stored.ID, TrackingID: req.TrackingID, Status: OrchestrationDuplicate}, nil
	}
	run = stored
	if run.Config == nil {
		run.Config = cfg
	}
	logger = telemetry.WithRunID(logger, run.ID)

	if created {
		o.deps.Metrics.RecordRunStarted(triggerSource(req.Trigger))
		o.deps.trail(ctx, run.ID, "run.started", "info", "Run started", map[string]interface{}{
			"steps":       run.StepsTotal,
			"tracking_id": run.TrackingID,
		})
	}

	recordings, err := o.recordings(ctx, req.FicheID)
	if err != nil {
		return nil, err
	}
	tl := BuildTimeline(recordings)
	if tl.Empty() {
		return o.failRun(ctx, run, NewPermanentError("fiche has no transcribed recordings", ErrNoEvidence).
			WithCode(ErrCodeNoEvidence).
			WithResource(req.FicheID))
	}

	if o.deps.Cache != nil {
		rc := &RunContext{
			RunID:        run.ID,
			FicheID:      run.FicheID,
			Config:       run.Config,
			Timeline:     tl,
			TimelineText: tl.Text(),
			Product:      product,
		}
		if err := o.deps.Cache.Put(ctx, rc, StepExcerpts(run.Config, tl)); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache run context")
		}
	}

	for _, step := range run.Config.Steps {
		task := StepRequested{RunID: run.ID, Position: step.Position, ConfigID: run.ConfigID}
		if err := bus.Emit(ctx, o.deps.Publisher, EventStepRequested, StepTaskKey(run.ID, step.Position), task); err != nil {
			return nil, NewTransientError("failed to dispatch step", err).
				WithResource(run.ID).
				WithDetail("step_position", step.Position)
		}
	}

	logger.Info().
		Int("steps", len(run.Config.Steps)).
		Int("recordings", len(tl.Recordings)).
		Msg("Run dispatched")

	return &OrchestrationResult{
		RunID:           run.ID,
		TrackingID:      run.TrackingID,
		Status:          OrchestrationPending,
		StepsDispatched: len(run.Config.Steps),
	}, nil
}

func (o *Orchestrator) refreshFiche(ctx context.Context, ficheID string) (*Fiche, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CollaboratorTimeout)
	defer cancel()

	fiche, err := o.deps.Fiches.Refresh(callCtx, ficheID)
	if err != nil {
		return nil, withResource(Classify(err), ficheID, "refresh_fiche")
	}
	return fiche, nil
}

// ensureTranscribed triggers transcription when needed and re-reads the status.
func (o *Orchestrator) ensureTranscribed(ctx context.Context, ficheID string, logger zerolog.Logger) error {
	status, err := o.transcriptionStatus(ctx, ficheID)
	if err != nil {
		return err
	}
	if status.Complete() {
		return nil
	}

	logger.Info().
		Int("total", status.Total).
		Int("transcribed", status.Transcribed).
		Msg("Transcribing pending recordings")

	callCtx, cancel := context.WithTimeout(ctx, o.opts.CollaboratorTimeout)
	err = o.deps.Transcripts.Transcribe(callCtx, ficheID)
	cancel()
	if err != nil {
		return withResource(Classify(err), ficheID, "transcribe")
	}

	status, err = o.transcriptionStatus(ctx, ficheID)
	if err != nil {
		return err
	}
	if !status.Complete() {
		logger.Warn().
			Int("total", status.Total).
			Int("transcribed", status.Transcribed).
			Msg("Transcription still incomplete, auditing transcribed recordings only")
	}
	return nil
}

func (o *Orchestrator) transcriptionStatus(ctx context.Context, ficheID string) (*TranscriptionStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CollaboratorTimeout)
	defer cancel()

	status, err := o.deps.Transcripts.Status(callCtx, ficheID)
	if err != nil {
		return nil, withResource(Classify(err), ficheID, "transcription_status")
	}
	return status, nil
}

func (o *Orchestrator) recordings(ctx context.Context, ficheID string) ([]Recording, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CollaboratorTimeout)
	defer cancel()

	recordings, err := o.deps.Transcripts.Recordings(callCtx, ficheID)
	if err != nil {
		return nil, withResource(Classify(err), ficheID, "recordings")
	}
	return recordings, nil
}

func (o *Orchestrator) loadConfig(ctx context.Context, configID string) (*ConfigSnapshot, error) {
	cfg, err := o.deps.Configs.Snapshot(ctx, configID)
	if err != nil {
		return nil, withResource(Classify(err), configID, "load_config")
	}
	if len(cfg.Steps) == 0 {
		return nil, NewPermanentError("audit config has no steps", nil).
			WithCode(ErrCodeValidation).
			WithResource(configID)
	}
	return cfg, nil
}

func (o *Orchestrator) resolveProduct(ctx context.Context, fiche *Fiche, logger zerolog.Logger) *Product {
	if o.deps.Products == nil || fiche == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CollaboratorTimeout)
	defer cancel()

	product, err := o.deps.Products.Resolve(callCtx, fiche)
	if err != nil {
		logger.Warn().Err(err).Msg("Product linkage unavailable")
		return nil
	}
	return product
}

// failRequest persists a failed run for a request that never reached running.
func (o *Orchestrator) failRequest(ctx context.Context, req RunRequested, cause error) (*OrchestrationResult, error) {
	run, err := o.recordFailedRun(ctx, req, cause.Error(), !isAlreadyRunning(cause))
	if err != nil {
		return nil, err
	}
	o.logger.Warn().Err(cause).
		Str("run_id", run.ID).
		Str("tracking_id", req.TrackingID).
		Msg("Run request failed permanently")
	o.emitFailed(ctx, run, cause.Error())
	return &OrchestrationResult{RunID: run.ID, TrackingID: req.TrackingID, Status: OrchestrationFailed}, nil
}

// failRun marks an existing run failed.
func (o *Orchestrator) failRun(ctx context.Context, run *AuditRun, cause error) (*OrchestrationResult, error) {
	if _, err := o.markFailed(ctx, run, cause); err != nil {
		return nil, err
	}
	return &OrchestrationResult{RunID: run.ID, TrackingID: run.TrackingID, Status: OrchestrationFailed}, nil
}

// markFailed fails a non-terminal run and reports whether it changed.
func (o *Orchestrator) markFailed(ctx context.Context, run *AuditRun, cause error) (bool, error) {
	changed, err := o.deps.Store.FailRun(ctx, run.ID, cause.Error(), o.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark run failed: %w", err)
	}
	if changed {
		o.logger.Warn().Err(cause).Str("run_id", run.ID).Msg("Run failed")
		o.deps.Metrics.RecordRunFailed(o.now().Sub(run.StartedAt))
		o.deps.trail(ctx, run.ID, "run.failed", "error", cause.Error(), nil)
		o.emitFailed(ctx, run, cause.Error())
	}
	return changed, nil
}

// recordFailedRun creates a failed run row for the tracking id, or fails the
// existing one. A row that is not latest stays out of the pair's version
// sequence, so a rejected duplicate never displaces the run in flight.
func (o *Orchestrator) recordFailedRun(ctx context.Context, req RunRequested, message string, latest bool) (*AuditRun, error) {
	now := o.now().UTC()
	failed := &AuditRun{
		ID:          uuid.New().String(),
		TrackingID:  req.TrackingID,
		FicheID:     req.FicheID,
		ConfigID:    req.ConfigID,
		BatchID:     req.BatchID,
		Status:      RunStatusFailed,
		Trigger:     req.Trigger,
		Error:       message,
		IsLatest:    latest,
		StartedAt:   now,
		CompletedAt: &now,
	}

	stored, created, err := o.deps.Store.CreateRun(ctx, failed)
	if err != nil {
		return nil, fmt.Errorf("failed to record failed run: %w", err)
	}
	if created {
		o.deps.Metrics.RecordRunFailed(0)
		o.deps.trail(ctx, stored.ID, "run.failed", "error", message, nil)
		return stored, nil
	}
	if !stored.Status.IsTerminal() {
		if _, err := o.deps.Store.FailRun(ctx, stored.ID, message, now); err != nil {
			return nil, fmt.Errorf("failed to mark run failed: %w", err)
		}
		stored.Status = RunStatusFailed
		stored.Error = message
		o.deps.Metrics.RecordRunFailed(now.Sub(stored.StartedAt))
		o.deps.trail(ctx, stored.ID, "run.failed", "error", message, nil)
	}
	return stored, nil
}

// emitFailed publishes run.failed once per tracking id and notifies subscribers.
func (o *Orchestrator) emitFailed(ctx context.Context, run *AuditRun, message string) {
	payload := RunFailed{
		RunID:      run.ID,
		FicheID:    run.FicheID,
		ConfigID:   run.ConfigID,
		TrackingID: run.TrackingID,
		BatchID:    run.BatchID,
		Error:      message,
	}
	if err := bus.Emit(ctx, o.deps.Publisher, EventRunFailed, RunFailedKey(run.TrackingID), payload); err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to emit run.failed")
	}
	o.deps.notify(ctx, NotifyAuditFailed, payload)
}

// OnFailure resolves the run of a request whose orchestration exhausted its
// attempts and marks it failed.
func (o *Orchestrator) OnFailure(ctx context.Context, req RunRequested, cause error) error {
	message := "orchestration failed"
	if cause != nil {
		message = cause.Error()
	}

	run, err := o.deps.Store.GetRunByTrackingID(ctx, req.TrackingID)
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return fmt.Errorf("failed to resolve run by tracking id: %w", err)
	}

	// Another run owning the pair must not be failed on behalf of this request.
	alreadyRunning := isAlreadyRunning(cause)
	if run == nil && !alreadyRunning {
		run, err = o.deps.Store.FindLatestRunning(ctx, req.FicheID, req.ConfigID)
		if err != nil && !errors.Is(err, ErrRunNotFound) {
			return fmt.Errorf("failed to resolve running run: %w", err)
		}
	}

	if run == nil {
		failure := errors.New(message)
		if alreadyRunning {
			failure = cause
		}
		_, err := o.failRequest(ctx, req, failure)
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	if run.TrackingID == "" {
		run.TrackingID = req.TrackingID
	}
	_, err = o.failRun(ctx, run, errors.New(message))
	return err
}

// ReapStaleRuns fails running runs older than the run timeout and returns how
// many were failed.
func (o *Orchestrator) ReapStaleRuns(ctx context.Context) (int, error) {
	now := o.now().UTC()
	stale, err := o.deps.Store.ListStaleRuns(ctx, now.Add(-o.opts.RunTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale runs: %w", err)
	}

	reaped := 0
	for _, run := range stale {
		cause := NewTransientError(fmt.Sprintf("run timed out after %s", o.opts.RunTimeout), context.DeadlineExceeded).
			WithCode(ErrCodeTimeout).
			WithResource(run.ID)
		changed, err := o.markFailed(ctx, run, cause)
		if err != nil {
			return reaped, err
		}
		if changed {
			reaped++
		}
	}

	running, err := o.deps.Store.ListRuns(ctx, RunFilter{Status: RunStatusRunning})
	if err == nil {
		o.deps.Metrics.SetActiveRuns(float64(len(running)))
	}

	if reaped > 0 {
		o.logger.Warn().Int("runs", reaped).Msg("Reaped stale runs")
	}
	return reaped, nil
}

// StartReaper calls ReapStaleRuns on every interval until the context is cancelled.
func (o *Orchestrator) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ReapStaleRuns(ctx); err != nil {
				o.logger.Error().Err(err).Msg("Stale run reaper failed")
			}
		}
	}
}

func triggerSource(t Trigger) string {
	if t.Source == "" {
		return "api"
	}
	return t.Source
}

// withResource annotates classified errors with the resource and operation.
func withResource(err error, resource, operation string) error {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Resource == "" {
			e.Resource = resource
		}
		if e.Operation == "" {
			e.Operation = operation
		}
		return e
	}
	return NewTransientError(operation+" failed", err).WithResource(resource).WithOperation(operation)
}

// isAlreadyRunning reports whether err rejected a run because another run of
// the same fiche and config is in flight.
func isAlreadyRunning(err error) bool {
	return errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAlreadyRunning})
}
