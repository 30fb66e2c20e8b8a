package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/makerlane/backend/internal/alerts"
	"github.com/makerlane/backend/internal/auth"
	"github.com/makerlane/backend/internal/callback"
	"github.com/makerlane/backend/internal/config"
	"github.com/makerlane/backend/internal/enhance"
	"github.com/makerlane/backend/internal/execution"
	"github.com/makerlane/backend/internal/handlers"
	"github.com/makerlane/backend/internal/ledger"
	"github.com/makerlane/backend/internal/metrics"
	"github.com/makerlane/backend/internal/pool"
	"github.com/makerlane/backend/internal/provider"
	"github.com/makerlane/backend/internal/refund"
	"github.com/makerlane/backend/internal/repository"
	"github.com/makerlane/backend/internal/router"
	"github.com/makerlane/backend/internal/storage"
	"github.com/makerlane/backend/internal/tasks"
	"github.com/makerlane/backend/internal/validate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	if cfg.UsesDevSecret() {
		logger.Warn("JWT_SECRET not set, using the development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.MigrateOnStart {
		if err := repository.RunMigrations(ctx, cfg.DatabaseURL, "up"); err != nil {
			return err
		}
	}

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		return err
	}
	logger.Info("Connected to PostgreSQL database")

	migrator, err := rivermigrate.New(riverpgxv5.New(dbPool), nil)
	if err != nil {
		return err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return err
	}
	logger.Info("River migrations applied")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Alerts: log always, NATS when configured, throttled through Redis when configured.
	sinks := alerts.Multi{alerts.NewLogSink(logger)}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("makerlane-api"), nats.MaxReconnects(-1))
		if err != nil {
			return err
		}
		defer func() { _ = nc.Drain() }()
		sinks = append(sinks, alerts.NewNATSSink(nc, cfg.AlertSubject))
		logger.Info("Connected to NATS", "url", cfg.NATSURL)
	}
	var alertSink pool.AlertSink = sinks
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		alertSink = alerts.NewThrottled(sinks, rdb, cfg.AlertThrottle, m, logger)
		logger.Info("Connected to Redis", "addr", cfg.RedisAddr)
	}

	// Core services
	poolRepo := repository.NewPoolRepo(dbPool)
	ledgerRepo := repository.NewLedgerRepo(dbPool)
	taskRepo := repository.NewTaskRepo(dbPool)

	poolSvc, err := pool.NewService(poolRepo, cfg.CreditProviderRatio, alertSink, m, logger)
	if err != nil {
		return err
	}
	catalog, err := ledger.NewCatalog(ledger.DefaultPackages())
	if err != nil {
		return err
	}
	ledgerSvc := ledger.NewService(ledgerRepo, poolSvc, catalog, cfg.CreditProvider, m, logger)
	registry := tasks.NewRegistry(taskRepo, logger)
	policies, err := refund.Load(ctx, repository.NewPolicyRepo(dbPool), logger)
	if err != nil {
		return err
	}
	validator, err := validate.New()
	if err != nil {
		return err
	}

	var rehoster callback.Rehoster
	if cfg.StorageBucketURL != "" {
		bucket, err := storage.OpenBucket(ctx, cfg.StorageBucketURL)
		if err != nil {
			return err
		}
		defer func() { _ = bucket.Close() }()
		rehoster = storage.NewRehoster(bucket, nil, storage.Config{PublicBaseURL: cfg.StoragePublicBaseURL}, m, logger)
	} else {
		logger.Warn("STORAGE_BUCKET_URL not set, results keep provider URLs")
	}
	processor := callback.NewProcessor(validator, registry, ledgerSvc, rehoster, policies, m, logger)

	// Background apply and monthly reset
	workers := river.NewWorkers()
	execution.RegisterWorkers(workers, processor, ledgerSvc, logger)
	periodic, err := execution.PeriodicJobs()
	if err != nil {
		return err
	}
	riverClient, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.WorkerConcurrency},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	providerClient := provider.NewClient(cfg.ProviderAPIURL, cfg.ProviderAPIKey, cfg.ProviderCallbackURL, nil)
	enhanceSvc := enhance.NewService(ledgerSvc, registry, providerClient, policies, cfg.EnhancementCost, cfg.CreditProvider, logger)

	authSvc := auth.NewService(auth.NewRepository(dbPool), cfg.JWTSecret)

	mux := router.New(router.Deps{
		Auth:            auth.NewHandler(authSvc, logger),
		Credits:         handlers.NewCreditsHandler(ledgerSvc, poolSvc, validator, logger),
		Callback:        handlers.NewCallbackHandler(processor, execution.NewRiverEnqueuer(riverClient, logger), cfg.CallbackAckBudget, m, logger),
		Enhancements:    handlers.NewEnhancementHandler(enhanceSvc, validator, logger),
		Admin:           handlers.NewAdminHandler(poolSvc, policies, logger),
		Tokens:          authSvc,
		Balances:        ledgerSvc,
		EnhancementCost: cfg.EnhancementCost,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health: func(w http.ResponseWriter, r *http.Request) {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := dbPool.Ping(pingCtx); err != nil {
				http.Error(w, `{"status":"db unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		},
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := riverClient.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		httpErr := server.Shutdown(shutdownCtx)
		riverErr := riverClient.Stop(shutdownCtx)
		return errors.Join(httpErr, riverErr)
	})
	return g.Wait()
}
