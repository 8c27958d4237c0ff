package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/predikta/exchange-engine/internal/api"
	"github.com/predikta/exchange-engine/internal/config"
	"github.com/predikta/exchange-engine/internal/engine"
	"github.com/predikta/exchange-engine/internal/logging"
	"github.com/predikta/exchange-engine/internal/metrics"
	"github.com/predikta/exchange-engine/internal/pricing"
	"github.com/predikta/exchange-engine/internal/risk"
	"github.com/predikta/exchange-engine/internal/stats"
	"github.com/predikta/exchange-engine/internal/store"
	"github.com/predikta/exchange-engine/internal/wallet"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.File)
	slog.SetDefault(logger)

	// --- Store selection: postgres > sqlite > memory, redis wrap on top ---
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.Database.URL != "":
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			logger.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		logger.Info("connected to PostgreSQL")

	case cfg.Database.SQLitePath != "":
		sq, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			logger.Error("sqlite open failed", "path", cfg.Database.SQLitePath, "err", err)
			os.Exit(1)
		}
		st = sq
		logger.Info("using embedded SQLite store", "path", cfg.Database.SQLitePath)

	default:
		logger.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisTTL())
		logger.Info("Redis cache enabled", "addr", cfg.Redis.Addr)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core services ---
	wallets := wallet.NewService(st, logger)
	limiter := risk.NewLimiter(cfg.Risk.MaxOpenExposure)
	aggregator := stats.New(st, logger)

	wsHub := api.NewWSHub()
	go wsHub.Run()

	eng := engine.New(st, wallets, limiter, aggregator, wsHub, engine.Config{
		PricePolicy:   pricing.PricePolicy(cfg.Matching.PricePolicy),
		CommitRetries: cfg.Matching.CommitRetries,
		RetryBackoff:  cfg.RetryBackoff(),
	}, logger)

	// --- Expiry sweeper ---
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go engine.NewSweeper(eng, cfg.SweepInterval(), logger).Run(sweepCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(eng, wallets, aggregator, st, logger)
	svc.Routes(r, wsHub)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("exchange-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweeper()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	logger.Info("shutting down exchange-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-engine stopped")
}
