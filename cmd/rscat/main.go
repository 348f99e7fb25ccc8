package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/recordmesh/recordmesh/internal/cli/rscat"
	"github.com/recordmesh/recordmesh/internal/config"
	"github.com/recordmesh/recordmesh/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("rscat")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	// Records go to stdout; logs go to stderr and stay quiet unless asked for.
	if _, ok := os.LookupEnv("RECORDMESH_LOG_LEVEL"); !ok {
		cfg.Observability.LogLevel = slog.LevelWarn
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := rscat.Run(ctx, os.Args[1:], rscat.Options{
		Hostname:      strings.TrimSpace(cfg.Planner.Hostname),
		Port:          cfg.Planner.Port,
		Principal:     cfg.Planner.Principal,
		User:          cfg.Planner.User,
		MaxAttempts:   cfg.Planner.MaxAttempts,
		RetrySleep:    cfg.Planner.RetrySleep,
		Parallelism:   cfg.Worker.Parallelism,
		FetchSize:     cfg.Worker.FetchSize,
		Limit:         cfg.Worker.Limit,
		MemLimit:      cfg.Worker.MemLimit,
		ReplicaPolicy: cfg.Worker.ReplicaPolicy,
		LocalHostname: cfg.Worker.LocalHostname,
		Timeout:       cfg.Transport.Timeout,
		APIKey:        cfg.Auth.APIKey,
		Logger:        logger,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
	})
	stop()
	os.Exit(code)
}
