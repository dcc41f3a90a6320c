// Command server boots the council API: Redis-backed request stores, the
// Postgres config store when DATABASE_URL is set, the orchestration engine
// and the HTTP front.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alias8818/CouncilRouter-sub001/internal/api"
	"github.com/alias8818/CouncilRouter-sub001/internal/config"
	"github.com/alias8818/CouncilRouter-sub001/internal/idempotency"
	"github.com/alias8818/CouncilRouter-sub001/internal/infra"
	"github.com/alias8818/CouncilRouter-sub001/internal/metrics"
	"github.com/alias8818/CouncilRouter-sub001/internal/middleware"
	"github.com/alias8818/CouncilRouter-sub001/internal/orchestrator"
	"github.com/alias8818/CouncilRouter-sub001/internal/provider"
	"github.com/alias8818/CouncilRouter-sub001/internal/registry"
	"github.com/alias8818/CouncilRouter-sub001/internal/session"
	"github.com/alias8818/CouncilRouter-sub001/internal/stream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("boot failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	env, err := config.FromEnvironment()
	if err != nil {
		return err
	}
	setupLogger(env)

	fc, err := config.LoadFileConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	rdb, err := infra.NewRedisClient(env, fc)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg := registry.NewStore(rdb, fc.RequestTTL())
	idem := idempotency.NewCache(rdb, fc.IdempotencyTTL())
	sessions := session.NewRedisStore(rdb, fc.SessionTTL())

	source, rankings, closeDB, err := buildConfigSource(env, fc)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	pool := provider.NewBreakerPool(provider.NewStaticPool(), provider.DefaultBreakerConfig())

	hub := stream.NewHub(fc.ConnectionTTL(), fc.SweepInterval())
	defer hub.Shutdown()

	var sink orchestrator.MetricsSink
	if env.EnableMetricsTracking {
		m := metrics.NewSink(prometheus.DefaultRegisterer)
		m.TrackStreams(hub.ConnectionCount)
		sink = m
	}

	engine := orchestrator.NewEngine(orchestrator.Deps{
		Pool:        pool,
		Configs:     source,
		Rankings:    rankings,
		Registry:    reg,
		Sessions:    sessions,
		Hub:         hub,
		Metrics:     sink,
		Events:      metrics.NewEventLog(),
		Idempotency: idem,
		Env:         env,
	})

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})
	defer limiter.Stop()

	server := api.NewServer(api.Deps{
		Engine:          engine,
		Registry:        reg,
		Idempotency:     idem,
		Hub:             hub,
		Configs:         source,
		Limiter:         limiter,
		Env:             env,
		IdempotencyWait: fc.IdempotencyWait(),
	})

	httpServer := &http.Server{
		Addr:         ":" + env.Port,
		Handler:      server.Handler(),
		ReadTimeout:  fc.ReadTimeout(),
		WriteTimeout: fc.WriteTimeout(),
		IdleTimeout:  fc.IdleTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("council API listening", "addr", httpServer.Addr, "env", env.NodeEnv)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), fc.ShutdownGrace())
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// setupLogger installs the process-wide slog handler: JSON in production,
// text elsewhere.
func setupLogger(env *config.Env) {
	level := slog.LevelInfo
	if env.IsDevelopment() {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if env.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// buildConfigSource prefers the Postgres store. Without DATABASE_URL the
// compiled defaults serve both configs and rankings, which keeps development
// boots database-free.
func buildConfigSource(env *config.Env, fc *config.FileConfig) (config.Source, config.RankingSource, func() error, error) {
	if env.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, serving compiled default configuration")
		static := config.NewStaticSource(nil)
		return static, static, nil, nil
	}

	db, err := sql.Open("postgres", env.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("postgres ping: %w", err)
	}

	store := config.NewStore(db, fc.ConfigCacheTTL())
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("ensure config schema: %w", err)
	}

	slog.Info("Postgres config store connected")
	return store, store, db.Close, nil
}
