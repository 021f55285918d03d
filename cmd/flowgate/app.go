package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/agent/providers"
	"github.com/haasonsaas/flowgate/internal/agent/routing"
	"github.com/haasonsaas/flowgate/internal/catalog"
	"github.com/haasonsaas/flowgate/internal/conditions"
	"github.com/haasonsaas/flowgate/internal/config"
	"github.com/haasonsaas/flowgate/internal/gateway"
	"github.com/haasonsaas/flowgate/internal/observability"
	"github.com/haasonsaas/flowgate/internal/policies"
	"github.com/haasonsaas/flowgate/internal/sessions"
	"github.com/haasonsaas/flowgate/internal/storage"
	"github.com/haasonsaas/flowgate/internal/tools"
	"github.com/haasonsaas/flowgate/internal/tools/system"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// providerFactory builds a provider instance. Tests substitute stubs.
type providerFactory func(kind models.ProviderKind, cfg providers.Config) (agent.Provider, error)

// app is the wired object graph behind the serve command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	gateway  *gateway.Gateway
	prober   *gateway.Prober
	router   routing.Router
	static   *routing.StaticRouter
	tools    *tools.Registry
	store    agent.ContextStore
	pipeline *agent.Pipeline
	db       *storage.DB

	closers []func(context.Context) error
}

type appOptions struct {
	newProvider providerFactory
}

// newApp wires every component from cfg. On error, anything already opened
// is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.registry = prometheus.NewRegistry()
	if cfg.Observability.Metrics.IsEnabled() {
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = observability.NewMetrics(a.registry)
	}

	tracer, shutdown := observability.NewTracer(cfg.Observability.Tracing.TraceConfig(version))
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	if a.gateway, err = buildGateway(cfg, a.metrics, logger, opts.newProvider); err != nil {
		return nil, err
	}

	if cfg.Database.Enabled() {
		if a.db, err = openDatabase(ctx, cfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
	}

	if a.router, a.static, err = buildRouter(ctx, cfg, a.db, a.metrics, logger); err != nil {
		return nil, err
	}
	if a.store, err = buildContextStore(ctx, cfg, a.db); err != nil {
		return nil, err
	}

	a.tools = tools.NewRegistry()
	if err := a.tools.Register(system.NewHealthTool(a.gateway)); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	a.pipeline, err = agent.NewPipeline(agent.PipelineDeps{
		Router:  a.router,
		Gateway: a.gateway,
		Tools:   a.tools,
		Store:   a.store,
		Tracer:  a.tracer,
		Metrics: a.metrics,
		Logger:  logger,
	}, cfg.Pipeline.Options())
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	if cfg.Gateway.HealthCheck.Enabled {
		proberCfg := cfg.Gateway.HealthCheck.ProberOptions()
		proberCfg.Logger = logger
		if a.prober, err = gateway.NewProber(a.gateway, proberCfg); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildGateway registers every enabled provider in config order.
func buildGateway(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger, factory providerFactory) (*gateway.Gateway, error) {
	if factory == nil {
		factory = providers.New
	}
	cat := catalog.New()

	gwCfg := cfg.Gateway.Options()
	gwCfg.Catalog = cat
	gwCfg.Metrics = metrics
	gwCfg.Logger = logger
	gw := gateway.New(gwCfg)

	for _, id := range cfg.ProviderIDs() {
		pc := cfg.Providers[id]
		opts := pc.Options(id)
		opts.Catalog = cat
		p, err := factory(pc.ParsedKind(), opts)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		if err := gw.Register(gateway.Registration{
			Provider:  p,
			Priority:  pc.Priority,
			MaxTokens: pc.MaxTokens,
		}); err != nil {
			return nil, err
		}
		logger.Debug("provider registered", "provider", id, "kind", pc.ParsedKind(), "priority", pc.Priority)
	}
	return gw, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*storage.DB, error) {
	db, err := storage.Open(ctx, cfg.Database.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// openIfConfigured returns nil when no database is configured.
func openIfConfigured(ctx context.Context, cfg *config.Config) (*storage.DB, error) {
	if !cfg.Database.Enabled() {
		return nil, nil
	}
	return openDatabase(ctx, cfg)
}

// buildRouter returns the configured router. static is non-nil in static mode
// so rule reloads can reach it.
func buildRouter(ctx context.Context, cfg *config.Config, db *storage.DB, metrics *observability.Metrics, logger *slog.Logger) (routing.Router, *routing.StaticRouter, error) {
	matcher := conditions.NewMatcher(conditions.WithLogger(logger))

	if cfg.Routing.Mode == config.RoutingModeStatic {
		static := routing.NewStaticRouter(cfg.Routing.StaticConfig(), matcher, logger)
		return static, static, nil
	}

	store, err := buildPolicyStore(ctx, cfg, db, metrics, logger)
	if err != nil {
		return nil, nil, err
	}
	router := routing.NewDynamicRouter(store, routing.NewEngine(matcher, logger))
	if def := cfg.Routing.Default; def.Provider != "" {
		router.WithDefault(routing.Target{Provider: def.Provider, Model: def.Model}, cfg.Routing.DefaultParams)
	}
	return router, nil, nil
}

func buildPolicyStore(ctx context.Context, cfg *config.Config, db *storage.DB, metrics *observability.Metrics, logger *slog.Logger) (routing.PolicyStore, error) {
	var store routing.PolicyStore
	switch cfg.Policies.Store {
	case config.StoreFile:
		mem, err := policies.LoadMemoryStore(cfg.Policies.File)
		if err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
		logger.Info("policies loaded", "file", cfg.Policies.File, "count", len(mem.All()))
		store = mem
	case config.StoreSQL:
		if db == nil {
			return nil, errors.New("policies.store sql requires a database")
		}
		sqlStore, err := policies.NewSQLStore(db, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Database.ShouldMigrate() {
			if err := sqlStore.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate policies: %w", err)
			}
		}
		store = sqlStore.WithMetrics(metrics)
	default:
		return nil, fmt.Errorf("unsupported policies.store %q", cfg.Policies.Store)
	}

	if cfg.Policies.CacheTTL > 0 {
		store = policies.NewCachedStore(store, cfg.Policies.CacheTTL)
	}
	return store, nil
}

func buildContextStore(ctx context.Context, cfg *config.Config, db *storage.DB) (agent.ContextStore, error) {
	opts := cfg.Sessions.StoreOptions()
	if cfg.Sessions.Store != config.StoreSQL {
		return sessions.NewMemoryStore(opts...), nil
	}
	if db == nil {
		return nil, errors.New("sessions.store sql requires a database")
	}
	store, err := sessions.NewSQLStore(db, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Database.ShouldMigrate() {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate sessions: %w", err)
		}
	}
	return store, nil
}
