package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/api"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/chain"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/daraja"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/engine"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/logging"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/refund"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/settlement"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/store"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/sweeper"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/webhook"
)

func main() {
	cfgPath := flag.String("config", "configs/reconciler.yaml", "Path to YAML config")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the environment")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, *envFile)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Store ─────────────────────────────────────────────────────────────────
	st, err := store.New(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	// ── Treasury ──────────────────────────────────────────────────────────────
	treasury, closeTreasury, err := chain.FromConfig(ctx, cfg.Treasury, logger)
	if err != nil {
		slog.Error("failed to connect treasury", "err", err)
		os.Exit(1)
	}
	defer closeTreasury()
	if u, ok := treasury.(*chain.Unconfigured); ok {
		slog.Warn("treasury not configured; settlements and refunds will fail", "err", u.Err)
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	refunder := refund.New(st, treasury, loader.Config, logger)
	eng := engine.New(engine.Options{
		Store:    st,
		Registry: webhook.DefaultRegistry(),
		Settler:  settlement.New(treasury, logger),
		Refunder: refunder,
		Hints:    webhook.DefaultHints().With(cfg.Engine.Hints),
		Timeout:  cfg.Engine.ProcessingTimeout(),
		Logger:   logger,
	})

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		eng.SwapHints(webhook.DefaultHints().With(newCfg.Engine.Hints))
		slog.Info("config hot-reloaded", "hints", len(newCfg.Engine.Hints))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Sweeper ───────────────────────────────────────────────────────────────
	if gw, err := daraja.New(cfg.Gateway, logger); err != nil {
		slog.Warn("gateway not configured; status sweeper disabled", "err", err)
	} else if cfg.Sweeper.Enabled {
		sw := sweeper.New(st, gw, eng, loader.Config, logger)
		go sw.Run(ctx)
		slog.Info("status sweeper started", "interval", cfg.Sweeper.Interval(), "stale_after", cfg.Sweeper.StaleAfter())
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(eng, st, loader.Config, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "webhooks", cfg.Server.WebhookPrefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop the sweeper and treasury queue
	slog.Info("goodbye")
}
