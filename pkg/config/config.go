package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/batch"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/policy"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/stores"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/webhook"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUDIT_"

// Config is the service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  stores.Config    `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Bus       BusConfig        `yaml:"bus"`
	Engine    EngineConfig     `yaml:"engine"`
	Batch     batch.Config     `yaml:"batch"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Policy    PolicyConfig     `yaml:"policy"`
	Rubrics   RubricsConfig    `yaml:"rubrics"`
	Clients   ClientsConfig    `yaml:"clients"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// RedisConfig configures the shared Redis instance. When disabled, the
// in-process key-value store, limiter and bus are used.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// BusConfig configures event delivery.
type BusConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory redis"`
	BufferSize      int           `yaml:"buffer_size" validate:"gte=0"`
	MaxDeliveries   int           `yaml:"max_deliveries" validate:"gte=0"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay" validate:"gte=0"`
	DedupeWindow    time.Duration `yaml:"dedupe_window" validate:"gte=0"`
	Consumer        string        `yaml:"consumer"`
	ClaimIdle       time.Duration `yaml:"claim_idle" validate:"gte=0"`
}

// EngineConfig mirrors engine.Options.
type EngineConfig struct {
	StepConcurrency        int           `yaml:"step_concurrency" validate:"gte=0"`
	PerRunStepConcurrency  int           `yaml:"per_run_step_concurrency" validate:"gte=0"`
	PerFicheRunConcurrency int           `yaml:"per_fiche_run_concurrency" validate:"gte=0"`
	OrchestratorRetries    int           `yaml:"orchestrator_retries" validate:"gte=0"`
	StepRetries            int           `yaml:"step_retries" validate:"gte=0"`
	FinalizerRetries       int           `yaml:"finalizer_retries" validate:"gte=0"`
	EvaluatorAttempts      int           `yaml:"evaluator_attempts" validate:"gte=0"`
	EvaluatorTimeout       time.Duration `yaml:"evaluator_timeout" validate:"gte=0"`
	CollaboratorTimeout    time.Duration `yaml:"collaborator_timeout" validate:"gte=0"`
	FunctionTimeout        time.Duration `yaml:"function_timeout" validate:"gte=0"`
	TokenTTL               time.Duration `yaml:"token_ttl" validate:"gte=0"`
	ContextCacheTTL        time.Duration `yaml:"context_cache_ttl" validate:"gte=0"`
	RunTimeout             time.Duration `yaml:"run_timeout" validate:"gte=0"`

	// ReaperInterval is how often runs older than RunTimeout are failed.
	ReaperInterval time.Duration `yaml:"reaper_interval" validate:"gte=0"`
}

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	webhook.Config `yaml:",inline"`

	// ProgressFrequency emits batch.progress every Nth resolved run. A
	// negative value disables progress notifications.
	ProgressFrequency int `yaml:"progress_frequency"`
}

// PolicyConfig configures the egress policy engine.
type PolicyConfig struct {
	// Paths lists additional .rego or .json policy files and directories.
	Paths []string `yaml:"paths"`

	// Watch reloads Paths when they change.
	Watch bool `yaml:"watch"`

	// Disabled names policies, built-in or custom, that are never evaluated.
	Disabled []string `yaml:"disabled"`

	Egress policy.EgressOptions `yaml:"egress"`
}

// RubricsConfig configures the audit configuration registry.
type RubricsConfig struct {
	Dir   string `yaml:"dir" validate:"required"`
	Watch bool   `yaml:"watch"`
}

// ClientsConfig configures the HTTP collaborators.
type ClientsConfig struct {
	CRMURL           string        `yaml:"crm_url" validate:"omitempty,url"`
	TranscriptionURL string        `yaml:"transcription_url" validate:"omitempty,url"`
	EvaluatorURL     string        `yaml:"evaluator_url" validate:"omitempty,url"`
	ProductsURL      string        `yaml:"products_url" validate:"omitempty,url"`
	Token            string        `yaml:"token"`
	Timeout          time.Duration `yaml:"timeout" validate:"gte=0"`

	// TranscriptionPoll is the status polling interval while transcribing.
	TranscriptionPoll time.Duration `yaml:"transcription_poll" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() *Config {
	opts := engine.DefaultOptions()
	memBus := bus.DefaultMemoryConfig()
	redisBus := bus.DefaultRedisConfig()

	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: stores.Config{
			Path: "audit.db",
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Prefix:  "audit:",
		},
		Bus: BusConfig{
			Driver:          "memory",
			BufferSize:      memBus.BufferSize,
			MaxDeliveries:   memBus.MaxDeliveries,
			RedeliveryDelay: memBus.RedeliveryDelay,
			DedupeWindow:    memBus.DedupeWindow,
			Consumer:        hostname(),
			ClaimIdle:       redisBus.ClaimIdle,
		},
		Engine: EngineConfig{
			StepConcurrency:        opts.StepConcurrency,
			PerRunStepConcurrency:  opts.PerRunStepConcurrency,
			PerFicheRunConcurrency: opts.PerFicheRunConcurrency,
			OrchestratorRetries:    opts.OrchestratorRetries,
			StepRetries:            opts.StepRetries,
			FinalizerRetries:       opts.FinalizerRetries,
			EvaluatorAttempts:      opts.EvaluatorAttempts,
			EvaluatorTimeout:       opts.EvaluatorTimeout,
			CollaboratorTimeout:    opts.CollaboratorTimeout,
			FunctionTimeout:        opts.FunctionTimeout,
			TokenTTL:               opts.TokenTTL,
			ContextCacheTTL:        opts.ContextCacheTTL,
			RunTimeout:             opts.RunTimeout,
			ReaperInterval:         time.Minute,
		},
		Batch: batch.DefaultConfig(),
		Webhook: WebhookConfig{
			Config:            webhook.DefaultConfig(),
			ProgressFrequency: batch.DefaultConfig().ProgressFrequency,
		},
		Rubrics: RubricsConfig{
			Dir: "rubrics",
		},
		Clients: ClientsConfig{
			Timeout:           30 * time.Second,
			TranscriptionPoll: 5 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "auditd"
	}
	return name
}

// Load reads the YAML file at path over the defaults, applies AUDIT_*
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Bus.Driver == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("invalid configuration: bus driver redis requires redis.enabled")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// ApplyEnv overlays AUDIT_* variables from environ onto cfg. LOG_LEVEL is
// honoured as an alias of AUDIT_LOG_LEVEL.
func ApplyEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if key == "LOG_LEVEL" {
			key = EnvPrefix + "LOG_LEVEL"
		}
		name, ok := strings.CutPrefix(key, EnvPrefix)
		if !ok || name == "" {
			continue
		}
		if err := applyEnvVar(cfg, name, strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func applyEnvVar(cfg *Config, name, val string) error {
	switch name {
	case "SERVER_ADDRESS":
		cfg.Server.Address = val
	case "DATABASE_PATH":
		cfg.Database.Path = val
	case "REDIS_ENABLED":
		return setBool(&cfg.Redis.Enabled, val)
	case "REDIS_ADDRESS":
		cfg.Redis.Address = val
	case "REDIS_PASSWORD":
		cfg.Redis.Password = val
	case "REDIS_DB":
		return setInt(&cfg.Redis.DB, val)
	case "BUS_DRIVER":
		cfg.Bus.Driver = val
	case "BUS_CONSUMER":
		cfg.Bus.Consumer = val
	case "ENGINE_STEP_CONCURRENCY":
		return setInt(&cfg.Engine.StepConcurrency, val)
	case "ENGINE_PER_RUN_STEP_CONCURRENCY":
		return setInt(&cfg.Engine.PerRunStepConcurrency, val)
	case "ENGINE_PER_FICHE_RUN_CONCURRENCY":
		return setInt(&cfg.Engine.PerFicheRunConcurrency, val)
	case "ENGINE_EVALUATOR_TIMEOUT":
		return setDuration(&cfg.Engine.EvaluatorTimeout, val)
	case "ENGINE_CONTEXT_CACHE_TTL":
		return setDuration(&cfg.Engine.ContextCacheTTL, val)
	case "ENGINE_RUN_TIMEOUT":
		return setDuration(&cfg.Engine.RunTimeout, val)
	case "BATCH_TIMEOUT":
		return setDuration(&cfg.Batch.Timeout, val)
	case "BATCH_TTL":
		return setDuration(&cfg.Batch.TTL, val)
	case "WEBHOOK_SECRET":
		cfg.Webhook.Secret = val
	case "WEBHOOK_MAX_ATTEMPTS":
		return setInt(&cfg.Webhook.MaxAttempts, val)
	case "WEBHOOK_TIMEOUT":
		return setDuration(&cfg.Webhook.Timeout, val)
	case "WEBHOOK_PROGRESS_FREQUENCY":
		return setInt(&cfg.Webhook.ProgressFrequency, val)
	case "RUBRICS_DIR":
		cfg.Rubrics.Dir = val
	case "CLIENTS_CRM_URL":
		cfg.Clients.CRMURL = val
	case "CLIENTS_TRANSCRIPTION_URL":
		cfg.Clients.TranscriptionURL = val
	case "CLIENTS_EVALUATOR_URL":
		cfg.Clients.EvaluatorURL = val
	case "CLIENTS_PRODUCTS_URL":
		cfg.Clients.ProductsURL = val
	case "CLIENTS_TOKEN":
		cfg.Clients.Token = val
	case "LOG_LEVEL":
		cfg.Telemetry.Logging.Level = strings.ToLower(val)
	case "LOG_FORMAT":
		cfg.Telemetry.Logging.Format = strings.ToLower(val)
	}
	return nil
}

func setInt(dst *int, val string) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, val string) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, val string) error {
	d, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// EngineOptions converts the engine section.
func (c *Config) EngineOptions() engine.Options {
	e := c.Engine
	return engine.Options{
		StepConcurrency:        e.StepConcurrency,
		PerRunStepConcurrency:  e.PerRunStepConcurrency,
		PerFicheRunConcurrency: e.PerFicheRunConcurrency,
		OrchestratorRetries:    e.OrchestratorRetries,
		StepRetries:            e.StepRetries,
		FinalizerRetries:       e.FinalizerRetries,
		EvaluatorAttempts:      e.EvaluatorAttempts,
		EvaluatorTimeout:       e.EvaluatorTimeout,
		CollaboratorTimeout:    e.CollaboratorTimeout,
		FunctionTimeout:        e.FunctionTimeout,
		TokenTTL:               e.TokenTTL,
		ContextCacheTTL:        e.ContextCacheTTL,
		RunTimeout:             e.RunTimeout,
	}
}

// BatchConfig returns the batch section with the webhook progress frequency.
func (c *Config) BatchConfig() batch.Config {
	b := c.Batch
	b.ProgressFrequency = c.Webhook.ProgressFrequency
	return b
}

// MemoryBusConfig converts the bus section for the in-process bus.
func (c *Config) MemoryBusConfig() bus.MemoryConfig {
	return bus.MemoryConfig{
		BufferSize:      c.Bus.BufferSize,
		MaxDeliveries:   c.Bus.MaxDeliveries,
		RedeliveryDelay: c.Bus.RedeliveryDelay,
		DedupeWindow:    c.Bus.DedupeWindow,
	}
}

// RedisBusConfig converts the bus section for the Redis Streams bus.
func (c *Config) RedisBusConfig() bus.RedisConfig {
	cfg := bus.DefaultRedisConfig()
	cfg.Prefix = c.Redis.Prefix + "events"
	if c.Bus.Consumer != "" {
		cfg.Consumer = c.Bus.Consumer
	}
	if c.Bus.MaxDeliveries > 0 {
		cfg.MaxDeliveries = int64(c.Bus.MaxDeliveries)
	}
	if c.Bus.ClaimIdle > 0 {
		cfg.ClaimIdle = c.Bus.ClaimIdle
	}
	if c.Bus.DedupeWindow > 0 {
		cfg.DedupeTTL = c.Bus.DedupeWindow
	}
	return cfg
}
