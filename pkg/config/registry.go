package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const reloadDelay = 500 * time.Millisecond

var validate = validator.New()

// AuditConfig is the on-disk form of an audit configuration.
type AuditConfig struct {
	ID         string                  `yaml:"id" validate:"required"`
	Name       string                  `yaml:"name" validate:"required"`
	Version    string                  `yaml:"version"`
	Steps      []engine.StepDefinition `yaml:"steps" validate:"required,min=1,dive"`
	Thresholds []engine.TierThreshold  `yaml:"thresholds" validate:"dive"`
}

// Validate checks field constraints and that step positions run 1..n without gaps.
func (a *AuditConfig) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("audit config %q: %w", a.ID, err)
	}

	seen := make(map[int]bool, len(a.Steps))
	for _, s := range a.Steps {
		if seen[s.Position] {
			return fmt.Errorf("audit config %q: duplicate step position %d", a.ID, s.Position)
		}
		seen[s.Position] = true
	}
	for pos := 1; pos <= len(a.Steps); pos++ {
		if !seen[pos] {
			return fmt.Errorf("audit config %q: missing step position %d", a.ID, pos)
		}
	}
	return nil
}

// Snapshot converts the configuration into an engine snapshot ordered by position.
func (a *AuditConfig) Snapshot() *engine.ConfigSnapshot {
	snap := &engine.ConfigSnapshot{
		ID:         a.ID,
		Name:       a.Name,
		Version:    a.Version,
		Steps:      append([]engine.StepDefinition(nil), a.Steps...),
		Thresholds: append([]engine.TierThreshold(nil), a.Thresholds...),
	}
	sort.Slice(snap.Steps, func(i, j int) bool { return snap.Steps[i].Position < snap.Steps[j].Position })
	return snap.Clone()
}

// ParseAuditConfig decodes and validates one YAML document.
func ParseAuditConfig(data []byte) (*AuditConfig, error) {
	var cfg AuditConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse audit config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Registry serves audit configurations loaded from a directory of YAML files.
// It implements engine.ConfigSource.
type Registry struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	configs map[string]*engine.ConfigSnapshot
	watcher *fsnotify.Watcher
}

// NewRegistry creates a registry for dir. Call Load before serving snapshots.
func NewRegistry(dir string, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:     dir,
		logger:  logger.With().Str("component", "config-registry").Logger(),
		configs: make(map[string]*engine.ConfigSnapshot),
	}
}

// Load reads every .yaml and .yml file in the directory. The previous set is
// kept if any file is invalid.
func (r *Registry) Load(ctx context.Context) error {
	configs, err := LoadDir(ctx, r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.configs = configs
	r.mu.Unlock()

	r.logger.Info().
		Str("dir", r.dir).
		Int("count", len(configs)).
		Msg("Audit configs loaded")
	return nil
}

// LoadDir parses and validates every audit config file in dir.
func LoadDir(ctx context.Context, dir string) (map[string]*engine.ConfigSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir %s: %w", dir, err)
	}

	configs := make(map[string]*engine.ConfigSnapshot)
	sources := make(map[string]string)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !isConfigFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		cfg, err := ParseAuditConfig(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, ok := sources[cfg.ID]; ok {
			return nil, fmt.Errorf("audit config %q defined in both %s and %s", cfg.ID, prev, path)
		}
		sources[cfg.ID] = path
		configs[cfg.ID] = cfg.Snapshot()
	}
	return configs, nil
}

func isConfigFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Snapshot returns a deep copy of the configuration or engine.ErrConfigNotFound.
func (r *Registry) Snapshot(_ context.Context, configID string) (*engine.ConfigSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[configID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrConfigNotFound, configID)
	}
	return cfg.Clone(), nil
}

// IDs returns the loaded configuration ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch reloads the directory when files change. Runs already started keep
// their snapshot.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	go r.processEvents(ctx, watcher)

	r.logger.Info().Str("dir", r.dir).Msg("Started watching audit configs")
	return nil
}

func (r *Registry) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isConfigFile(event.Name) {
				continue
			}

			r.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Audit config changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := r.Load(ctx); err != nil {
					r.logger.Error().Err(err).Msg("Failed to reload audit configs, keeping previous set")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Config watcher error")
		}
	}
}

// StopWatching stops the file watcher.
func (r *Registry) StopWatching() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.watcher = nil
	return err
}
