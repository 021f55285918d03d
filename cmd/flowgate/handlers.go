package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/flowgate/internal/config"
	"github.com/haasonsaas/flowgate/internal/observability"
	"github.com/haasonsaas/flowgate/internal/policies"
	"github.com/haasonsaas/flowgate/internal/server"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, wires the app and serves until a shutdown
// signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := cfg.Logging.LogConfig(os.Stderr)
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting flowgate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"providers", cfg.ProviderIDs(),
		"routing_mode", cfg.Routing.Mode,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	srvCfg := server.Config{
		Addr:               cfg.Server.Addr(),
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		Pipeline:           a.pipeline,
		Router:             a.router,
		Providers:          a.gateway,
		Metrics:            a.metrics,
		Tracer:             a.tracer,
		Logger:             logger,
	}
	if cfg.Observability.Metrics.IsEnabled() {
		srvCfg.MetricsPath = cfg.Observability.Metrics.Path
		srvCfg.Gatherer = a.registry
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		_ = a.close(context.Background())
		return err
	}
	if err := srv.Start(ctx); err != nil {
		_ = a.close(context.Background())
		return err
	}

	if a.prober != nil {
		a.prober.Start()
	}

	watchDone := make(chan struct{})
	if a.static != nil {
		go func() {
			defer close(watchDone)
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				a.static.SetRules(next.Routing.StaticRules())
				logger.Info("static routing rules reloaded", "rules", len(next.Routing.Rules))
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	} else {
		close(watchDone)
	}

	logger.Info("flowgate started", "http_addr", srv.Addr())
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := srv.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.prober != nil {
		if err := a.prober.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("prober shutdown: %w", err))
		}
	}
	<-watchDone
	if err := a.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown failed: %w", errors.Join(errs...))
	}

	logger.Info("flowgate stopped gracefully")
	return nil
}

// =============================================================================
// Route Command Handler
// =============================================================================

type routeOptions struct {
	channel  string
	instance string
	sender   string
	segment  string
	content  string
	metadata map[string]string
}

func (o routeOptions) message() *models.IncomingMessage {
	msg := &models.IncomingMessage{
		Channel:           models.ChannelType(strings.ToLower(strings.TrimSpace(o.channel))),
		ChannelInstanceID: o.instance,
		SenderID:          o.sender,
		Content:           o.content,
		ReceivedAt:        time.Now(),
	}
	if len(o.metadata) > 0 || o.segment != "" {
		msg.Metadata = make(map[string]string, len(o.metadata)+1)
		for k, v := range o.metadata {
			msg.Metadata[k] = v
		}
		if o.segment != "" {
			msg.Metadata[models.SegmentMetadataKey] = o.segment
		}
	}
	return msg
}

// runRoute prints the routing decision for one message. Only the router and
// its policy store are built; no provider is contacted.
func runRoute(cmd *cobra.Command, configPath string, opts routeOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := openIfConfigured(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	router, _, err := buildRouter(ctx, cfg, db, nil, logger)
	if err != nil {
		return err
	}
	decision, err := router.Route(ctx, opts.message())
	if err != nil {
		return err
	}
	return writeJSON(cmd, decision)
}

// =============================================================================
// Health Command Handler
// =============================================================================

func runHealth(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	gw, err := buildGateway(cfg, nil, logger, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSTATUS\tLATENCY\tDETAIL")
	unhealthy := 0
	for _, r := range gw.ProbeAll(ctx, cfg.Gateway.HealthCheck.Timeout) {
		status, detail := "healthy", ""
		switch {
		case r.Skipped:
			status, detail = "skipped", r.Reason
		case !r.Healthy:
			status, detail = "unhealthy", r.Error
			unhealthy++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Provider, status, r.Latency.Round(time.Millisecond), detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d provider(s) unhealthy", unhealthy)
	}
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config OK: %s\n", configPath)
	fmt.Fprintf(out, "  providers:    %s\n", strings.Join(cfg.ProviderIDs(), ", "))
	fmt.Fprintf(out, "  strategy:     %s\n", cfg.Gateway.Strategy)
	fmt.Fprintf(out, "  routing mode: %s\n", cfg.Routing.Mode)
	if cfg.Routing.Mode == config.RoutingModeStatic {
		fmt.Fprintf(out, "  rules:        %d\n", len(cfg.Routing.Rules))
	} else {
		fmt.Fprintf(out, "  policies:     %s\n", cfg.Policies.Store)
	}
	fmt.Fprintf(out, "  sessions:     %s\n", cfg.Sessions.Store)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// =============================================================================
// Policies Command Handlers
// =============================================================================

func runPoliciesValidate(cmd *cobra.Command, path string) error {
	records, err := policies.LoadFile(path)
	if err != nil {
		return err
	}
	built, err := policies.BuildPolicies(records)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tCHANNEL\tPROVIDER\tMODEL")
	for _, p := range built {
		channel := string(p.Channel)
		if channel == "" {
			channel = "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", p.ID, p.Priority, channel, p.Provider, p.Model)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d policies OK\n", len(built))
	return nil
}

func runPoliciesImport(cmd *cobra.Command, configPath, path string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled() {
		return errors.New("policies import requires database.driver in the config")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	records, err := policies.LoadFile(path)
	if err != nil {
		return err
	}
	if _, err := policies.BuildPolicies(records); err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := policies.NewSQLStore(db, slog.Default())
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate policies: %w", err)
	}
	for _, rec := range records {
		if err := store.Put(ctx, rec); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d policies into %s\n", len(records), cfg.Database.Driver)
	return nil
}

func runPoliciesSchema(cmd *cobra.Command) error {
	schema, err := policies.Schema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
