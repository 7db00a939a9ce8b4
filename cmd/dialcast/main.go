package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dialcast/dialcast/internal/agents"
	"github.com/dialcast/dialcast/internal/api"
	"github.com/dialcast/dialcast/internal/ari"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/dialer"
	"github.com/dialcast/dialcast/internal/ivr"
	"github.com/dialcast/dialcast/internal/metrics"
	"github.com/dialcast/dialcast/internal/push"
	"github.com/dialcast/dialcast/internal/scheduler"
	"github.com/dialcast/dialcast/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting dialcast",
		"http_port", cfg.HTTPPort,
		"ari_app", cfg.ARIApp,
		"trunks", cfg.Trunks,
	)

	startTime := time.Now()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Open database and run migrations.
	db, err := database.Open(appCtx, cfg.DSN())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	campaigns := database.NewCampaignRepository(db)
	contacts := database.NewContactRepository(db)
	menus := database.NewMenuRepository(db)
	commitments := database.NewCommitmentRepository(db)
	budget := database.NewBudgetRepository(db)
	users := database.NewUserRepository(db)
	breaks := database.NewBreakRepository(db)
	callEvents := database.NewCallEventRepository(db)
	stats := database.NewStatsRepository(db)

	// Control-plane client. The event stream starts with the run group.
	ariClient := ari.NewClient(ari.Config{
		URL:         cfg.ARIURL,
		Username:    cfg.ARIUsername,
		Password:    cfg.ARIPassword,
		Application: cfg.ARIApp,
	}, logger)

	ttsCache := tts.NewCache(cfg.TTSURL, logger)
	tracker := dialer.NewTracker()

	// Dashboard hub with per-user event throttling.
	throttle := push.NewThrottle(push.DefaultThrottleConfig())
	defer throttle.Stop()
	hub := push.NewHub([]byte(cfg.JWTSecret), throttle, logger)

	dispatcher := agents.NewDispatcher(ariClient, users, contacts, breaks, callEvents, hub, logger)
	if err := dispatcher.Init(appCtx); err != nil {
		slog.Error("failed to load agent registry", "error", err)
		os.Exit(1)
	}
	hub.SetPresenceHooks(dispatcher.OnAgentConnected, dispatcher.OnAgentDisconnected)

	executor := dialer.NewExecutor(ariClient, ttsCache, contacts, tracker, hub,
		cfg.Trunks, cfg.CallerID, logger)

	locks := scheduler.NewLockRegistry(logger)
	sched := scheduler.New(campaigns, contacts, budget, executor, locks, logger)
	executor.OnFinished(sched.OnCallFinished)

	runner := ivr.NewRunner(ariClient, ttsCache, campaigns, contacts, menus,
		commitments, dispatcher, tracker, hub, logger)
	runner.OnFinished(func(campaignID, contactID int64) {
		sched.Poke(campaignID)
	})

	// Sweep zombies and recompute budgets on every (re)connect of the event
	// stream: no previously-live channel survives a control-plane restart.
	ariClient.OnReconnect(func() {
		sched.RecoverStartup(appCtx)
	})

	// Prometheus collector over live engine state.
	collector := metrics.NewCollector(tracker, dispatcher, dispatcher.Registry(), stats, startTime)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	handler := api.NewServer(api.Deps{
		Logger:         logger,
		DB:             db,
		Campaigns:      campaigns,
		Budget:         budget,
		Menus:          menus,
		Cache:          ttsCache,
		Scheduler:      sched,
		Dispatcher:     dispatcher,
		Socket:         hub.HandleWS,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		InternalSecret: cfg.InternalAPISecret,
		JWTSecret:      []byte(cfg.JWTSecret),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background engine loops.
	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error { return ariClient.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { locks.Run(gctx); return nil })

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// Stop the engine loops, then drain in-flight call handling.
	appCancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("engine loop error", "error", err)
	}
	executor.Wait()
	runner.Wait()

	slog.Info("dialcast stopped")
}
