// Package main is the entry point for the Kittygram API server.
//
// MAIN PACKAGE IN GO:
// The main package should be kept minimal. Its job is to:
//  1. Read configuration (internal/config)
//  2. Create dependencies (logger, stores)
//  3. Start the application
//
// All actual logic lives in imported packages (internal/server, internal/service, etc.).
//
// COMMANDS:
//
//	kittygram serve    run the HTTP API and the background housekeeper
//	kittygram migrate  create or upgrade the database schema, then exit
//	kittygram gc       run one housekeeping sweep, then exit
//
// All three accept --config <file.yaml>; everything can also be set through
// KITTYGRAM_* environment variables or a .env file.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sakif/kittygram/internal/config"
	"github.com/sakif/kittygram/internal/metrics"
	"github.com/sakif/kittygram/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "kittygram",
		Short:         "Kittygram API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	// load runs before every subcommand: config first, then the logger
	// built from it.
	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		logger, err := newLogger(cfg.Log, os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := load()
				if err != nil {
					return err
				}
				return runServe(cmd.Context(), cfg, logger)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the database schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := load()
				if err != nil {
					return err
				}
				return runMigrate(cmd.Context(), cfg, logger)
			},
		},
		&cobra.Command{
			Use:   "gc",
			Short: "Delete orphaned photos and expired token revocations once",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := load()
				if err != nil {
					return err
				}
				return runGC(cmd.Context(), cfg, logger)
			},
		},
	)
	return root
}

// newLogger builds the process logger.
//
// Log levels (from least to most severe): Debug → Info → Warn → Error
// JSON output is meant for log shippers; text is easier to read locally.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Ctrl+C or SIGTERM cancels ctx, which starts the graceful shutdown.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// runMigrate only opens the store: both backends migrate on open.
func runMigrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := server.OpenStore(ctx, cfg.Database)
	if err != nil {
		logger.Error("migration failed", slog.String("error", err.Error()))
		return err
	}
	defer store.Close()
	logger.Info("database schema is up to date", slog.String("driver", cfg.Database.Driver))
	return nil
}

func runGC(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := server.OpenStore(ctx, cfg.Database)
	if err != nil {
		logger.Error("opening database failed", slog.String("error", err.Error()))
		return err
	}
	defer store.Close()

	blobs, err := server.OpenBlobStore(ctx, cfg)
	if err != nil {
		logger.Error("opening media store failed", slog.String("error", err.Error()))
		return err
	}

	report, err := server.NewHousekeeper(cfg, logger, store, blobs, metrics.New()).RunOnce(ctx)
	if err != nil {
		logger.Error("housekeeping failed", slog.String("error", err.Error()))
		return err
	}
	logger.Info("housekeeping done",
		slog.Int("orphansDeleted", report.OrphansDeleted),
		slog.Int("orphansFailed", report.OrphansFailed),
		slog.Int64("revocationsDeleted", report.RevocationsDeleted),
	)
	return nil
}
