package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdvil/matrix-room-import/internal/config"
	"github.com/bdvil/matrix-room-import/internal/constants"
	"github.com/bdvil/matrix-room-import/internal/database"
	"github.com/bdvil/matrix-room-import/internal/retry"
	"github.com/bdvil/matrix-room-import/internal/service"
	"github.com/bdvil/matrix-room-import/internal/tracing"
	"github.com/bdvil/matrix-room-import/pkg/matrix"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("matrix-room-import %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting matrix-room-import")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tracingManager := tracing.NewManager(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		UseStdout:    cfg.Tracing.UseStdout,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		Environment:  cfg.Tracing.Environment,
		Version:      Version,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	if err := os.MkdirAll(cfg.PathToImportFiles, 0700); err != nil {
		return fmt.Errorf("failed to create import files directory: %w", err)
	}

	backoffConfig := retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}
	backoff := retry.NewBackoff(backoffConfig)

	var db *database.Database
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.DatabaseLocation)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	stores, err := database.OpenStores(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}

	// Seed runtime-updatable settings; existing values win so bot
	// commands survive restarts with a stale config file.
	if err := stores.Config.Ensure(ctx, database.ConfigKeySpaceID, cfg.SpaceID); err != nil {
		return fmt.Errorf("failed to seed config: %w", err)
	}
	if err := stores.Config.Ensure(ctx, database.ConfigKeyAdminToken, cfg.AdminToken); err != nil {
		return fmt.Errorf("failed to seed config: %w", err)
	}
	adminToken, _ := stores.Config.Get(database.ConfigKeyAdminToken)

	client := matrix.NewHTTPClient(cfg.HomeserverURL, cfg.ASID, cfg.ASToken, adminToken, retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	}, logger)

	// Jobs queued before a restart are still in the store; seed the
	// gate so the worker picks them up immediately.
	gate := service.NewGate(stores.Queue.Len())

	dispatcher := service.NewDispatcher(cfg, client, stores, gate, logger)
	worker := service.NewWorker(cfg, client, stores, gate, logger)

	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Import worker stopped")
		}
	}()

	// Best-effort startup checks against the homeserver.
	if _, err := client.Ping(ctx, uuid.NewString()); err != nil {
		logger.Warnf("Homeserver ping failed: %v", err)
	}
	if whoami, err := client.WhoAmI(ctx); err != nil {
		logger.Warnf("Homeserver whoami failed: %v", err)
	} else if whoami.UserID != cfg.BotUserID() {
		logger.Warnf("Homeserver reports identity %s, expected %s; check the registration", whoami.UserID, cfg.BotUserID())
	}
	if cfg.BotDisplayName != "" {
		if err := client.UpdateBotProfile(ctx, cfg.BotUserID(), cfg.BotDisplayName); err != nil {
			logger.Warnf("Failed to update bot profile: %v", err)
		}
	}

	server := NewServer(cfg, dispatcher, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
