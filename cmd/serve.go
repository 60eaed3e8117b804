package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thenoetrevino/boardsync/internal/app"
	"github.com/thenoetrevino/boardsync/internal/logging"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the websocket sync server until interrupted.

Clients connect to /ws. /healthz reports datastore reachability and
/metrics returns connection and event counters as JSON.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.Init(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()

	// Set up signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("error closing app", "error", err)
		}
	}()

	logger.Info("boardsync starting",
		"addr", cfg.Server.Addr,
		"driver", cfg.Database.Driver,
		"redis", cfg.Redis.URL != "",
		"pid", os.Getpid())

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("boardsync shutting down gracefully")
	return nil
}
