package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/meshmind/referee/pkg/api"
	"github.com/meshmind/referee/pkg/budget"
	"github.com/meshmind/referee/pkg/config"
	"github.com/meshmind/referee/pkg/decider"
	"github.com/meshmind/referee/pkg/effects"
	"github.com/meshmind/referee/pkg/ghost"
	"github.com/meshmind/referee/pkg/hold"
	"github.com/meshmind/referee/pkg/observability"
	"github.com/meshmind/referee/pkg/policy"
	"github.com/meshmind/referee/pkg/store"
)

func runServer(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()

	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "server")

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "meshmind-referee",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled && cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	// Policy: file-backed when configured, built-in default otherwise.
	policies := policy.NewLoader(cfg.PolicyFile)
	if err := policies.Load(); err != nil {
		fmt.Fprintf(stderr, "policy load failed: %v\n", err)
		return 1
	}
	snap := policies.Current()
	logger.Info("policy loaded", "version", snap.Version(), "hash", snap.Hash())

	// Stores: each subsystem falls back to its in-memory implementation
	// when the corresponding backend is not configured.
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(stderr, "postgres open failed: %v\n", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			fmt.Fprintf(stderr, "postgres ping failed: %v\n", err)
			return 1
		}
		logger.Info("postgres connected")
	}

	var holds hold.Manager
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(stderr, "redis ping failed: %v\n", err)
			return 1
		}
		rm := hold.NewRedisManager(client)
		rm.StartReaper(ctx, cfg.ReaperInterval)
		holds = rm
		logger.Info("holds backend", "kind", "redis", "addr", cfg.RedisAddr)
	} else {
		mm := hold.NewMemoryManager()
		mm.StartReaper(cfg.ReaperInterval)
		defer mm.Close()
		holds = mm
		logger.Info("holds backend", "kind", "memory")
	}

	var budgets budget.Storage
	var ledger effects.Ledger
	if db != nil {
		bs := budget.NewPostgresStore(db)
		if err := bs.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "budget store init failed: %v\n", err)
			return 1
		}
		budgets = bs

		pl := effects.NewPostgresLedger(db)
		if err := pl.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "effect ledger init failed: %v\n", err)
			return 1
		}
		ledger = pl
	} else {
		budgets = budget.NewMemoryStore()
		ml := effects.NewMemoryLedger()
		ml.StartJanitor(cfg.JanitorInterval)
		defer ml.Close()
		ledger = ml
	}
	guard := budget.NewGuard(budgets)

	var audit store.AuditStore
	if cfg.AuditDBPath != "" {
		sa, err := store.OpenSQLiteAuditStore(cfg.AuditDBPath)
		if err != nil {
			fmt.Fprintf(stderr, "audit store open failed: %v\n", err)
			return 1
		}
		defer func() { _ = sa.Close() }()
		audit = sa
		logger.Info("audit backend", "kind", "sqlite", "path", cfg.AuditDBPath)
	} else {
		audit = store.NewMemoryAuditStore()
		logger.Info("audit backend", "kind", "memory")
	}

	engine := decider.NewEngine(policies, holds, guard, audit).WithMetrics(obs)
	if err := obs.RegisterHoldCounts(holds.Counts); err != nil {
		logger.Warn("hold gauges not registered", "error", err)
	}
	sim := ghost.NewSimulator(policies)
	server := api.NewServer(engine, holds, guard, ledger, audit, sim, policies)

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	handler := limiter.Middleware(server.Routes())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}

	return 0
}

func setupLogging(level string) {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
