package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/batch"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/clients"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/config"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/kv"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/policy"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/server"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/stores"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the wired service.
type app struct {
	cfg        *config.Config
	telemetry  *telemetry.Telemetry
	logger     zerolog.Logger
	store      *stores.SQLiteStore
	redis      redis.UniversalClient
	bus        bus.Bus
	registry   *config.Registry
	policies   *policy.Engine
	dispatcher *webhook.Dispatcher
	runtime    *engine.Runtime

	orchestrator *engine.Orchestrator
	coordinator  *batch.Coordinator
	server       *server.Server
}

// buildApp wires every component from configuration. The caller owns Close.
func buildApp(ctx context.Context, cfg *config.Config, version string) (_ *app, err error) {
	cfg.Telemetry.ServiceVersion = version

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.store, err = stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err = a.store.Init(ctx); err != nil {
		return nil, err
	}
	if err = a.store.Migrate(ctx); err != nil {
		return nil, err
	}

	var (
		kvStore kv.Store
		limiter kv.Limiter
	)
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Address, err)
		}
		kvStore = kv.NewRedisStore(a.redis, cfg.Redis.Prefix)
		limiter = kv.NewRedisLimiter(a.redis, cfg.Redis.Prefix)
	} else {
		kvStore = kv.NewMemoryStore()
		limiter = kv.NewMemoryLimiter()
	}

	if cfg.Bus.Driver == "redis" {
		a.bus = bus.NewRedisBus(a.redis, cfg.RedisBusConfig(), a.logger)
	} else {
		a.bus = bus.NewMemoryBus(cfg.MemoryBusConfig(), a.logger)
	}

	a.registry = config.NewRegistry(cfg.Rubrics.Dir, a.logger)
	if err = a.registry.Load(ctx); err != nil {
		return nil, err
	}

	collab, err := buildClients(cfg.Clients, version, a.logger)
	if err != nil {
		return nil, err
	}

	a.policies, err = buildPolicies(ctx, cfg.Policy, a.logger)
	if err != nil {
		return nil, err
	}

	metrics := tel.Metrics
	guard := webhook.NewGuard(a.policies, nil, cfg.Policy.Egress)
	sender := webhook.NewSender(cfg.Webhook.Config, a.store, guard, metrics, tel.Tracer, a.logger)
	a.dispatcher = webhook.NewDispatcher(sender, cfg.Webhook.Config, metrics, a.logger)

	opts := cfg.EngineOptions()
	deps := engine.Dependencies{
		Store:       a.store,
		Fiches:      collab.crm,
		Transcripts: collab.transcription,
		Evaluator:   collab.evaluator,
		Products:    collab.products,
		Configs:     a.registry,
		Cache:       engine.NewContextCache(kvStore, opts.ContextCacheTTL, metrics, a.logger),
		Publisher:   a.bus,
		Notifier:    a.dispatcher,
		Limiter:     limiter,
		Metrics:     metrics,
		Tracer:      tel.Tracer,
		Logger:      a.logger,
	}

	a.orchestrator = engine.NewOrchestrator(deps, opts)
	a.coordinator = batch.NewCoordinator(kvStore, a.bus, a.dispatcher, metrics, cfg.BatchConfig(), a.logger)

	a.runtime = engine.NewRuntime(a.bus, limiter, metrics, a.logger)
	functions := []engine.FunctionSpec{
		a.orchestrator.Function(),
		engine.NewStepWorker(deps, opts).Function(),
		engine.NewFinalizer(deps, opts).Function(),
	}
	functions = append(functions, a.coordinator.Functions()...)
	for _, fn := range functions {
		if err = a.runtime.Register(fn); err != nil {
			return nil, err
		}
	}

	checks := map[string]server.HealthCheck{"store": a.store.HealthCheck}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	a.server = server.New(server.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Dependencies{
		Runs:       a.store,
		Batches:    a.coordinator,
		Deliveries: a.store,
		Publisher:  a.bus,
		Metrics:    metrics,
		Checks:     checks,
		Logger:     a.logger,
	})

	return a, nil
}

type collaborators struct {
	crm           *clients.CRMClient
	transcription *clients.TranscriptionClient
	evaluator     *clients.EvaluatorClient
	products      *clients.ProductClient
}

func buildClients(cfg config.ClientsConfig, version string, logger zerolog.Logger) (*collaborators, error) {
	opts := func(url string) clients.Options {
		return clients.Options{
			BaseURL:   url,
			Token:     cfg.Token,
			Timeout:   cfg.Timeout,
			UserAgent: "auditd/" + version,
			Logger:    logger,
		}
	}

	var (
		c   collaborators
		err error
	)
	if c.crm, err = clients.NewCRMClient(opts(cfg.CRMURL)); err != nil {
		return nil, fmt.Errorf("clients.crm_url: %w", err)
	}
	if c.transcription, err = clients.NewTranscriptionClient(opts(cfg.TranscriptionURL), cfg.TranscriptionPoll); err != nil {
		return nil, fmt.Errorf("clients.transcription_url: %w", err)
	}
	if c.evaluator, err = clients.NewEvaluatorClient(opts(cfg.EvaluatorURL)); err != nil {
		return nil, fmt.Errorf("clients.evaluator_url: %w", err)
	}
	if c.products, err = clients.NewProductClient(opts(cfg.ProductsURL)); err != nil {
		return nil, fmt.Errorf("clients.products_url: %w", err)
	}
	return &c, nil
}

// Close releases every resource opened by buildApp.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.dispatcher != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		errs = append(errs, a.dispatcher.Close(closeCtx))
		cancel()
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.registry != nil {
		errs = append(errs, a.registry.StopWatching())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Errors during shutdown")
	}
}
