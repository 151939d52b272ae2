package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wxgate/internal/config"
	"wxgate/internal/dispatch"
	"wxgate/internal/domain"
	"wxgate/internal/gateway"
	"wxgate/internal/metrics"
	"wxgate/internal/rules"
	"wxgate/internal/token"
	"wxgate/internal/webhook"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook gateway",
		Long:  "Serves platform callbacks for every configured account. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, st, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info("credentials loaded", "accounts", len(cfg.Accounts), "component", cfg.Component.Enabled, "store", cfg.Store.Type)

	m := metrics.NewGateway()
	stack := newTokenStack(cfg, st, m, logger)

	reg := dispatch.NewRegistry(logger)
	if cfg.Rules.Path != "" {
		rs, err := rules.Load(cfg.Rules.Path, logger)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		if _, err := rules.Register(reg, rs); err != nil {
			return fmt.Errorf("register rules: %w", err)
		}
	}

	gwCfg := gateway.Config{
		Store:    st,
		Registry: reg,
		Metrics:  m,
		Logger:   logger,
	}
	if cfg.Component.Enabled {
		gwCfg.ComponentAppID = cfg.Component.AppID
	}
	if dl, ok := st.(domain.DeliveryLog); ok {
		gwCfg.Deliveries = dl
	}
	gw, err := gateway.New(gwCfg)
	if err != nil {
		return err
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	srv, err := webhook.New(webhook.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		BasePath:      cfg.Server.BasePath,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		RateLimit:     cfg.Server.RateLimit.Enabled,
		RatePerSecond: cfg.Server.RateLimit.PerSecond,
		RateBurst:     cfg.Server.RateLimit.Burst,
		MetricsPath:   metricsPath,
		Gateway:       gw,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if w, err := newWarmer(cfg, stack.cache, st); err != nil {
		return err
	} else if w != nil {
		go w.Start(ctx)
		defer w.Stop()
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "version", version)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newWarmer(cfg *config.Config, cache *token.Cache, st token.Lister) (*token.Warmer, error) {
	if cfg.Tokens.WarmupCron == "" {
		return nil, nil
	}
	return token.NewWarmer(token.WarmerConfig{
		Cache:    cache,
		Store:    st,
		Schedule: cfg.Tokens.WarmupCron,
		Margin:   time.Duration(cfg.Tokens.WarmupMarginSeconds) * time.Second,
		Logger:   logger,
	})
}
