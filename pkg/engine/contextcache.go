package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/kv"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	"github.com/rs/zerolog"
)

// RunContext is the shared evidence bundle read by every step of a run.
type RunContext struct {
	RunID        string          `json:"run_id"`
	FicheID      string          `json:"fiche_id"`
	Config       *ConfigSnapshot `json:"config"`
	Timeline     *Timeline       `json:"timeline"`
	TimelineText string          `json:"timeline_text"`
	Product      *Product        `json:"product,omitempty"`
	CachedAt     time.Time       `json:"cached_at"`
}

// ContextCache stores RunContext bundles in the key-value store. It is written
// once per run and never required for correctness: readers treat every error as
// a miss.
type ContextCache struct {
	store   kv.Store
	ttl     time.Duration
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewContextCache creates a cache with the given entry ttl.
func NewContextCache(store kv.Store, ttl time.Duration, metrics *telemetry.Metrics, logger zerolog.Logger) *ContextCache {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &ContextCache{
		store:   store,
		ttl:     ttl,
		metrics: metrics,
		logger:  telemetry.Component(logger, "context-cache"),
	}
}

func contextKey(runID string) string {
	return fmt.Sprintf("audit:ctx:%s", runID)
}

func excerptKey(runID string, position int) string {
	return fmt.Sprintf("audit:ctx:%s:step:%d", runID, position)
}

// Put writes the bundle and the per-step excerpts. Empty excerpts are skipped.
func (c *ContextCache) Put(ctx context.Context, rc *RunContext, excerpts map[int]string) error {
	rc.CachedAt = time.Now().UTC()
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to encode run context: %w", err)
	}
	if err := c.store.Set(ctx, contextKey(rc.RunID), data, c.ttl); err != nil {
		return fmt.Errorf("failed to cache run context: %w", err)
	}

	for pos, text := range excerpts {
		if text == "" {
			continue
		}
		if err := c.store.Set(ctx, excerptKey(rc.RunID, pos), []byte(text), c.ttl); err != nil {
			return fmt.Errorf("failed to cache excerpt for step %d: %w", pos, err)
		}
	}
	return nil
}

// Get returns the cached bundle. The boolean is false on any miss or error.
func (c *ContextCache) Get(ctx context.Context, runID string) (*RunContext, bool) {
	data, err := c.store.Get(ctx, contextKey(runID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn().Err(err).Str("run_id", runID).Msg("Context cache read failed")
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	var rc RunContext
	if err := json.Unmarshal(data, &rc); err != nil || rc.Config == nil {
		c.logger.Warn().Err(err).Str("run_id", runID).Msg("Discarding undecodable context cache entry")
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	c.metrics.RecordCacheLookup(true)
	return &rc, true
}

// Excerpt returns the cached excerpt of a step.
func (c *ContextCache) Excerpt(ctx context.Context, runID string, position int) (string, bool) {
	data, err := c.store.Get(ctx, excerptKey(runID, position))
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

// Delete removes the bundle and the excerpts of the given steps. Errors are logged.
func (c *ContextCache) Delete(ctx context.Context, runID string, positions []int) {
	keys := []string{contextKey(runID)}
	for _, p := range positions {
		keys = append(keys, excerptKey(runID, p))
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.logger.Warn().Err(err).Str("run_id", runID).Msg("Context cache cleanup failed")
	}
}

// StepExcerpts renders the keyword excerpt of every step that declares keywords.
func StepExcerpts(cfg *ConfigSnapshot, tl *Timeline) map[int]string {
	out := make(map[int]string)
	for _, s := range cfg.Steps {
		if text := tl.Excerpt(s.Keywords); text != "" {
			out[s.Position] = text
		}
	}
	return out
}
