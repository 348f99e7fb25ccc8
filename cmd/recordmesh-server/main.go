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

	"github.com/recordmesh/recordmesh/internal/api"
	"github.com/recordmesh/recordmesh/internal/auth"
	"github.com/recordmesh/recordmesh/internal/config"
	"github.com/recordmesh/recordmesh/internal/embedded"
	embeddedpostgres "github.com/recordmesh/recordmesh/internal/embedded/postgres"
	"github.com/recordmesh/recordmesh/internal/observability"
	duckdbengine "github.com/recordmesh/recordmesh/internal/query/duckdb"
	s3store "github.com/recordmesh/recordmesh/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("recordmesh-server")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	objectStore, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}
	queryEngine := duckdbengine.NewEngine(objectStore)

	tables, err := embedded.ParseTables(cfg.Embedded.Tables)
	if err != nil {
		logger.Error("invalid table registry", slog.Any("error", err))
		os.Exit(1)
	}
	hosts, err := embedded.ParseHosts(cfg.Embedded.WorkerHosts)
	if err != nil {
		logger.Error("invalid worker hosts", slog.Any("error", err))
		os.Exit(1)
	}

	readiness := []api.ReadinessCheck{api.CheckObjectStoreConfig(cfg)}
	var tokens embedded.TokenStore = embedded.NewMemoryTokenStore()
	if cfg.Embedded.TokenStoreDSN != "" {
		tokenDB, err := embeddedpostgres.Open(context.Background(), embeddedpostgres.DBConfig{
			DSN:             cfg.Embedded.TokenStoreDSN,
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxIdleTime: 5 * time.Minute,
		})
		if err != nil {
			logger.Error("failed to open token db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = tokenDB.Close() }()
		pgTokens := embeddedpostgres.NewTokenStore(tokenDB)
		if err := pgTokens.EnsureSchema(context.Background()); err != nil {
			logger.Error("failed to prepare token table", slog.Any("error", err))
			os.Exit(1)
		}
		tokens = pgTokens
		readiness = append(readiness, pgTokens.HealthCheck)
	}

	planner, err := embedded.NewPlanner(embedded.PlannerConfig{
		Store:    objectStore,
		Bucket:   objectStore.Bucket(),
		Engine:   queryEngine,
		Tables:   tables,
		Hosts:    hosts,
		Tokens:   tokens,
		TokenTTL: cfg.Embedded.TokenTTL,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to initialize planner", slog.Any("error", err))
		os.Exit(1)
	}
	worker, err := embedded.NewWorker(embedded.WorkerConfig{
		Engine:      queryEngine,
		MaxSessions: cfg.Embedded.MaxSessions,
		BatchSize:   cfg.Embedded.BatchSize,
		IdleTimeout: cfg.Embedded.SessionIdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to initialize worker", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = worker.Close() }()

	var authMiddleware func(http.Handler) http.Handler
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("invalid auth configuration", slog.Any("error", err))
			os.Exit(1)
		}
		authMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		AuthMiddleware:    authMiddleware,
		DependencyTimeout: time.Second,
		Planner:           planner,
		Worker:            worker,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		_ = worker.Run(ctx)
	}()

	go func() {
		logger.Info("starting recordmesh server",
			slog.String("addr", cfg.HTTP.Address),
			slog.Int("tables", len(tables)),
			slog.Int("worker_hosts", len(hosts)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("recordmesh server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down recordmesh server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
