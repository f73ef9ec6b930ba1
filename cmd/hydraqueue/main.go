package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/hydraqueue/docstore"
	"github.com/animus-labs/hydraqueue/docstore/pgstore"
	"github.com/animus-labs/hydraqueue/internal/overrides"
	"github.com/animus-labs/hydraqueue/internal/platform/env"
	"github.com/animus-labs/hydraqueue/internal/platform/objectstore"
	"github.com/animus-labs/hydraqueue/internal/platform/postgres"
	"github.com/animus-labs/hydraqueue/internal/queue"
	"github.com/animus-labs/hydraqueue/internal/resolution"
	"github.com/animus-labs/hydraqueue/internal/sources"
)

// configError marks invalid process configuration; it exits with status 2.
type configError struct {
	err error
}

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func main() {
	logger, err := env.Logger("HYDRAQUEUE_LOG_LEVEL")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(newApp(logger))
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "error", err)
		stop()
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// app holds the collaborators commands are wired to.
type app struct {
	logger       *slog.Logger
	openStore    func(ctx context.Context) (docstore.Store, func(), error)
	openResolver func() (queue.Resolver, error)
	openUploader func(ctx context.Context) (queue.Uploader, error)
	discoverCfg  func() (resolution.Config, error)
}

func newApp(logger *slog.Logger) *app {
	return &app{
		logger:    logger,
		openStore: openPostgresStore,
		openResolver: func() (queue.Resolver, error) {
			cfg, err := resolution.ConfigFromEnv()
			if err != nil {
				return nil, configError{err}
			}
			return resolution.New(cfg, overrides.New(), logger), nil
		},
		openUploader: func(ctx context.Context) (queue.Uploader, error) {
			return openMinioUploader(ctx, logger)
		},
		discoverCfg: resolution.ConfigFromEnv,
	}
}

func openPostgresStore(ctx context.Context) (docstore.Store, func(), error) {
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, nil, configError{err}
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database unavailable: %w", err)
	}
	return pgstore.New(db), func() { _ = db.Close() }, nil
}

func openMinioUploader(ctx context.Context, logger *slog.Logger) (queue.Uploader, error) {
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, configError{err}
	}
	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, configError{fmt.Errorf("object store client init failed: %w", err)}
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, cfg); err != nil {
		return nil, fmt.Errorf("object store unavailable: %w", err)
	}
	store, err := objectstore.NewMinioStore(client)
	if err != nil {
		return nil, err
	}
	return sources.New(store, cfg.BucketSources, logger), nil
}
