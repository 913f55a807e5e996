package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/kv"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var validate = validator.New()

// Config holds batch tunables.
type Config struct {
	// TTL bounds the lifetime of every batch key.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`

	// Timeout is the wall-clock bound after which Sweep finalizes a batch.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// ProgressFrequency emits batch.progress every Nth resolved run. Zero
	// selects the default of every run; a negative value disables it.
	ProgressFrequency int `yaml:"progress_frequency"`

	// FanOut caps concurrent run.requested publishes during Start.
	FanOut int `yaml:"fan_out" validate:"gte=0"`

	// SweepInterval is the period of SweepLoop.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// DefaultConfig returns the default batch configuration.
func DefaultConfig() Config {
	return Config{
		TTL:               48 * time.Hour,
		Timeout:           6 * time.Hour,
		ProgressFrequency: 1,
		FanOut:            16,
		SweepInterval:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ProgressFrequency == 0 {
		c.ProgressFrequency = d.ProgressFrequency
	}
	if c.FanOut <= 0 {
		c.FanOut = d.FanOut
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Coordinator tracks batches of runs in the key-value store. Every counter
// update goes through atomic set and hash operations so any number of
// replicas can observe run outcomes concurrently.
type Coordinator struct {
	store     kv.Store
	publisher bus.Publisher
	notifier  engine.Notifier
	metrics   *telemetry.Metrics
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// NewCoordinator creates a coordinator. Notifier and metrics may be nil.
func NewCoordinator(store kv.Store, publisher bus.Publisher, notifier engine.Notifier, metrics *telemetry.Metrics, cfg Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		logger:    telemetry.Component(logger, "batch-coordinator"),
		now:       time.Now,
	}
}

// Keys of one batch share a hash tag so cluster scripts see them in one slot.
func hashKey(id string) string      { return "batch:{" + id + "}" }
func pendingKey(id string) string   { return "batch:{" + id + "}:pending" }
func finalizedKey(id string) string { return "batch:{" + id + "}:finalized" }

func indexKey(configID, ficheID string) string {
	return "batch:index:" + configID + ":" + ficheID
}

const activeKey = "batch:active"

// TrackingID is the tracking id of the run of a fiche within a batch.
func TrackingID(batchID, ficheID string) string {
	return "batch-" + batchID + "-" + ficheID
}

// Start records a batch and requests one run per distinct fiche.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*Job, error) {
	if err := validate.Struct(req); err != nil {
		return nil, engine.NewPermanentError("invalid batch request", err).WithCode(engine.ErrCodeValidation)
	}

	fiches := dedupe(req.FicheIDs)
	id := req.BatchID
	if id == "" {
		id = uuid.New().String()
	}

	logger := telemetry.WithBatchID(c.logger, id).With().Str("config_id", req.ConfigID).Logger()

	exists, err := c.store.HGetAll(ctx, hashKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to check batch %s: %w", id, err)
	}
	if len(exists) > 0 {
		return nil, engine.NewPermanentError("batch already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(id)
	}

	now := c.now().UTC()
	if err := c.store.HSet(ctx, hashKey(id), map[string]string{
		fieldID:        id,
		fieldConfigID:  req.ConfigID,
		fieldStatus:    string(StatusRunning),
		fieldTotal:     strconv.Itoa(len(fiches)),
		fieldSucceeded: "0",
		fieldFailed:    "0",
		fieldStartedAt: millis(now),
		fieldDeadline:  millis(now.Add(c.cfg.Timeout)),
	}); err != nil {
		return nil, fmt.Errorf("failed to write batch %s: %w", id, err)
	}
	if err := c.store.SAdd(ctx, pendingKey(id), fiches...); err != nil {
		return nil, fmt.Errorf("failed to write pending set of batch %s: %w", id, err)
	}
	for _, key := range []string{hashKey(id), pendingKey(id)} {
		if err := c.store.Expire(ctx, key, c.cfg.TTL); err != nil {
			return nil, fmt.Errorf("failed to set ttl on %s: %w", key, err)
		}
	}
	for _, fiche := range fiches {
		if err := c.store.Set(ctx, indexKey(req.ConfigID, fiche), []byte(id), c.cfg.TTL); err != nil {
			return nil, fmt.Errorf("failed to index fiche %s: %w", fiche, err)
		}
	}
	if err := c.store.SAdd(ctx, activeKey, id); err != nil {
		return nil, fmt.Errorf("failed to register batch %s: %w", id, err)
	}

	c.metrics.RecordBatchStarted()
	logger.Info().Int("total", len(fiches)).Msg("Batch started")

	g := &errgroup.Group{}
	g.SetLimit(c.cfg.FanOut)
	for _, fiche := range fiches {
		g.Go(func() error {
			c.requestRun(ctx, id, fiche, req, logger)
			return nil
		})
	}
	_ = g.Wait()

	return c.Get(ctx, id)
}

// requestRun publishes the run request of one fiche. A failed publish
// resolves the fiche as failed.
func (c *Coordinator) requestRun(ctx context.Context, batchID, ficheID string, req StartRequest, logger zerolog.Logger) {
	trackingID := TrackingID(batchID, ficheID)
	payload := engine.RunRequested{
		FicheID:    ficheID,
		ConfigID:   req.ConfigID,
		TrackingID: trackingID,
		BatchID:    batchID,
		Trigger:    req.Trigger,
	}

	err := bus.Emit(ctx, c.publisher, engine.EventRunRequested, engine.RunRequestedKey(trackingID), payload)
	if err == nil {
		return
	}

	logger.Error().Err(err).Str("fiche_id", ficheID).Msg("Failed to request run, counting fiche as failed")
	outcome := RunOutcome{
		BatchID:  batchID,
		ConfigID: req.ConfigID,
		FicheID:  ficheID,
		Error:    err.Error(),
	}
	if rerr := c.HandleRunOutcome(ctx, outcome); rerr != nil {
		logger.Error().Err(rerr).Str("fiche_id", ficheID).Msg("Failed to resolve fiche")
	}
}

// HandleRunOutcome counts the outcome of one run exactly once. Outcomes of
// runs outside any batch, and duplicates, are ignored.
func (c *Coordinator) HandleRunOutcome(ctx context.Context, outcome RunOutcome) error {
	batchID, err := c.resolveBatchID(ctx, outcome)
	if err != nil || batchID == "" {
		return err
	}

	logger := telemetry.WithRunID(telemetry.WithBatchID(c.logger, batchID), outcome.RunID).With().
		Str("fiche_id", outcome.FicheID).
		Logger()

	field := fieldFailed
	if outcome.Succeeded {
		field = fieldSucceeded
	}

	res, err := c.store.ResolveMember(ctx, pendingKey(batchID), outcome.FicheID, hashKey(batchID), field)
	if err != nil {
		return engine.NewTransientError("failed to resolve batch member", err).WithResource(batchID)
	}

	if !res.Removed {
		c.metrics.RecordBatchOutcome("duplicate")
		logger.Debug().Msg("Duplicate run outcome ignored")
		// A previous delivery may have resolved the last fiche and then
		// crashed before finalizing.
		if res.Remaining == 0 && len(res.Hash) > 0 {
			return c.finalize(ctx, batchID, false)
		}
		return nil
	}

	c.metrics.RecordBatchOutcome(field)
	if outcome.ConfigID != "" {
		if err := c.store.Delete(ctx, indexKey(outcome.ConfigID, outcome.FicheID)); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete batch index entry")
		}
	}

	job := jobFromHash(res.Hash)
	job.Pending = int(res.Remaining)
	resolved := job.Succeeded + job.Failed

	logger.Debug().
		Bool("succeeded", outcome.Succeeded).
		Int("resolved", resolved).
		Int("total", job.Total).
		Msg("Batch run resolved")

	if res.Remaining > 0 {
		if c.cfg.ProgressFrequency > 0 && resolved%c.cfg.ProgressFrequency == 0 {
			c.notify(ctx, NotifyBatchProgress, Progress{
				BatchID:   batchID,
				ConfigID:  job.ConfigID,
				Total:     job.Total,
				Succeeded: job.Succeeded,
				Failed:    job.Failed,
				Pending:   job.Pending,
			})
		}
		return nil
	}

	return c.finalize(ctx, batchID, false)
}

// resolveBatchID returns the batch of an outcome, from its payload or the
// (config, fiche) index. An empty id means the run is not part of a batch.
func (c *Coordinator) resolveBatchID(ctx context.Context, outcome RunOutcome) (string, error) {
	if outcome.BatchID != "" {
		return outcome.BatchID, nil
	}
	if outcome.ConfigID == "" || outcome.FicheID == "" {
		return "", nil
	}

	raw, err := c.store.Get(ctx, indexKey(outcome.ConfigID, outcome.FicheID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", engine.NewTransientError("failed to read batch index", err)
	}
	return string(raw), nil
}

// finalize completes a batch once. Only the caller that wins the claim emits
// batch.completed. With timedOut set, fiches still pending are counted as failed.
func (c *Coordinator) finalize(ctx context.Context, batchID string, timedOut bool) error {
	claimed, err := c.store.SetNX(ctx, finalizedKey(batchID), []byte(c.now().UTC().Format(time.RFC3339Nano)), c.cfg.TTL)
	if err != nil {
		return engine.NewTransientError("failed to claim batch finalization", err).WithResource(batchID)
	}
	if !claimed {
		c.logger.Debug().Str("batch_id", batchID).Msg("Batch already finalized by another worker")
		return nil
	}

	logger := telemetry.WithBatchID(c.logger, batchID)

	if timedOut {
		pending, err := c.store.SMembers(ctx, pendingKey(batchID))
		if err != nil {
			return c.releaseClaim(ctx, batchID, fmt.Errorf("failed to list pending fiches: %w", err))
		}
		for _, fiche := range pending {
			if _, err := c.store.ResolveMember(ctx, pendingKey(batchID), fiche, hashKey(batchID), fieldFailed); err != nil {
				return c.releaseClaim(ctx, batchID, fmt.Errorf("failed to resolve pending fiche %s: %w", fiche, err))
			}
		}
		if len(pending) > 0 {
			logger.Warn().Int("pending", len(pending)).Msg("Batch timed out, counting pending fiches as failed")
		}
	}

	h, err := c.store.HGetAll(ctx, hashKey(batchID))
	if err != nil {
		return c.releaseClaim(ctx, batchID, fmt.Errorf("failed to read batch: %w", err))
	}
	if len(h) == 0 {
		logger.Warn().Msg("Batch record expired before finalization")
		_, _ = c.store.SRem(ctx, activeKey, batchID)
		return nil
	}

	job := jobFromHash(h)
	now := c.now().UTC()
	duration := now.Sub(job.StartedAt)
	if job.StartedAt.IsZero() || duration < 0 {
		duration = 0
	}

	completed := engine.BatchCompleted{
		BatchID:    batchID,
		ConfigID:   job.ConfigID,
		Total:      job.Total,
		Succeeded:  job.Succeeded,
		Failed:     job.Failed,
		DurationMS: duration.Milliseconds(),
		TimedOut:   timedOut,
	}

	if err := bus.Emit(ctx, c.publisher, engine.EventBatchCompleted, engine.BatchCompletedKey(batchID), completed); err != nil {
		return c.releaseClaim(ctx, batchID, engine.NewTransientError("failed to emit batch completion", err))
	}

	timedOutFlag := "0"
	if timedOut {
		timedOutFlag = "1"
	}
	if err := c.store.HSet(ctx, hashKey(batchID), map[string]string{
		fieldStatus:      string(StatusCompleted),
		fieldCompletedAt: millis(now),
		fieldDurationMS:  strconv.FormatInt(completed.DurationMS, 10),
		fieldTimedOut:    timedOutFlag,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark batch completed")
	}
	if _, err := c.store.SRem(ctx, activeKey, batchID); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove batch from active set")
	}

	c.notify(ctx, NotifyBatchCompleted, completed)
	c.metrics.RecordBatchCompleted(timedOut)

	logger.Info().
		Int("total", completed.Total).
		Int("succeeded", completed.Succeeded).
		Int("failed", completed.Failed).
		Int64("duration_ms", completed.DurationMS).
		Bool("timed_out", timedOut).
		Msg("Batch completed")

	return nil
}

// releaseClaim drops the finalization claim so a redelivery can retry.
func (c *Coordinator) releaseClaim(ctx context.Context, batchID string, cause error) error {
	if err := c.store.Delete(context.WithoutCancel(ctx), finalizedKey(batchID)); err != nil {
		c.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to release finalization claim")
	}
	return cause
}

func (c *Coordinator) notify(ctx context.Context, event string, payload interface{}) {
	if c.notifier != nil {
		c.notifier.Notify(ctx, event, payload)
	}
}

// Sweep finalizes running batches past their deadline and forgets expired
// ones. It returns the number of batches finalized.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	ids, err := c.store.SMembers(ctx, activeKey)
	if err != nil {
		return 0, fmt.Errorf("failed to list active batches: %w", err)
	}

	now := c.now()
	finalized := 0
	var errs []error

	for _, id := range ids {
		h, err := c.store.HGetAll(ctx, hashKey(id))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read batch %s: %w", id, err))
			continue
		}
		if len(h) == 0 {
			_, _ = c.store.SRem(ctx, activeKey, id)
			continue
		}

		job := jobFromHash(h)
		if job.Status == StatusCompleted {
			_, _ = c.store.SRem(ctx, activeKey, id)
			continue
		}
		if job.Deadline.IsZero() || now.Before(job.Deadline) {
			continue
		}

		if err := c.finalize(ctx, id, true); err != nil {
			errs = append(errs, fmt.Errorf("failed to finalize batch %s: %w", id, err))
			continue
		}
		finalized++
	}

	return finalized, errors.Join(errs...)
}

// SweepLoop runs Sweep every SweepInterval until ctx is cancelled.
func (c *Coordinator) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Error().Err(err).Msg("Batch sweep failed")
			}
			if n > 0 {
				c.logger.Info().Int("finalized", n).Msg("Timed out batches finalized")
			}
		}
	}
}

// Get returns the current view of a batch.
func (c *Coordinator) Get(ctx context.Context, batchID string) (*Job, error) {
	h, err := c.store.HGetAll(ctx, hashKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}
	if len(h) == 0 {
		return nil, ErrBatchNotFound
	}

	job := jobFromHash(h)
	pending, err := c.store.SCard(ctx, pendingKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to count pending fiches of %s: %w", batchID, err)
	}
	job.Pending = int(pending)
	return job, nil
}

// Functions returns the runtime registrations that feed run outcomes into
// the coordinator.
func (c *Coordinator) Functions() []engine.FunctionSpec {
	return []engine.FunctionSpec{
		{
			Name:    "batch-run-completed",
			Event:   engine.EventRunCompleted,
			Retries: 3,
			Timeout: 30 * time.Second,
			Handler: func(ctx context.Context, e cloudevents.Event) error {
				var p engine.RunCompleted
				if err := bus.Decode(e, &p); err != nil {
					return engine.NewPermanentError("invalid run.completed event", err)
				}
				return c.HandleRunOutcome(ctx, RunOutcome{
					BatchID:   p.BatchID,
					ConfigID:  p.ConfigID,
					FicheID:   p.FicheID,
					RunID:     p.RunID,
					Succeeded: true,
				})
			},
		},
		{
			Name:    "batch-run-failed",
			Event:   engine.EventRunFailed,
			Retries: 3,
			Timeout: 30 * time.Second,
			Handler: func(ctx context.Context, e cloudevents.Event) error {
				var p engine.RunFailed
				if err := bus.Decode(e, &p); err != nil {
					return engine.NewPermanentError("invalid run.failed event", err)
				}
				return c.HandleRunOutcome(ctx, RunOutcome{
					BatchID:  p.BatchID,
					ConfigID: p.ConfigID,
					FicheID:  p.FicheID,
					RunID:    p.RunID,
					Error:    p.Error,
				})
			},
		},
	}
}

// dedupe removes repeated and empty fiche ids, keeping first occurrences.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
