package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thenoetrevino/boardsync/internal/client"
	"github.com/thenoetrevino/boardsync/internal/config"
	"github.com/thenoetrevino/boardsync/internal/logging"
	"github.com/thenoetrevino/boardsync/internal/position"
)

var errUsage = errors.New("usage error")

type watchOptions struct {
	url          string
	token        string
	projects     []string
	cachePath    string
	noCache      bool
	resetCache   bool
	json         bool
	unread       bool
	markRead     bool
	gap          int64
	maxReconnect time.Duration
	logLevel     string
}

func watchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow projects as a sync client",
		Long: `Connect to a boardsync server, join one or more projects and print every
change and notification as it arrives. The connection is re-established
with exponential backoff and each project resumes from the last sequence
seen, including across restarts when the local cache is enabled.

Examples:
  # Follow a project
  boardsync watch --url ws://localhost:8080/ws --project p1 --token "$TOKEN"

  # JSON lines for scripts, with the unread backlog first
  boardsync watch --project p1 --project p2 --json --unread
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "Server websocket URL")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("BOARDSYNC_TOKEN"), "Bearer token (default $BOARDSYNC_TOKEN)")
	cmd.Flags().StringArrayVar(&opts.projects, "project", nil, "Project to join (repeatable)")
	cmd.Flags().StringVar(&opts.cachePath, "cache", filepath.Join(config.DataDir(), "client.db"), "Board cache file")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "Always start from a full snapshot")
	cmd.Flags().BoolVar(&opts.resetCache, "reset-cache", false, "Drop the cached boards of the joined projects first")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print updates as JSON lines")
	cmd.Flags().BoolVar(&opts.unread, "unread", false, "Print unread notifications after connecting")
	cmd.Flags().BoolVar(&opts.markRead, "mark-read", false, "Mark each printed notification read")
	cmd.Flags().Int64Var(&opts.gap, "gap", position.DefaultGap, "Position gap, must match the server's sync.position_gap")
	cmd.Flags().DurationVar(&opts.maxReconnect, "max-reconnect", 0, "Give up after reconnecting for this long (0 retries forever)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Log level for connection diagnostics")
	return cmd
}

func runWatch(cmd *cobra.Command, opts *watchOptions) error {
	if len(opts.projects) == 0 {
		return fmt.Errorf("%w: at least one --project is required", errUsage)
	}
	if opts.token == "" {
		return fmt.Errorf("%w: --token or BOARDSYNC_TOKEN is required", errUsage)
	}

	logger, err := logging.New(cmd.ErrOrStderr(), logging.Options{Level: opts.logLevel})
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	cfg := client.DefaultConfig(opts.url)
	cfg.Token = opts.token
	cfg.Gap = opts.gap
	cfg.MaxReconnect = opts.maxReconnect

	clientOpts := []client.Option{client.WithLogger(logger)}
	if !opts.noCache {
		cache, err := openCache(opts, logger)
		if err != nil {
			return err
		}
		clientOpts = append(clientOpts, client.WithCache(cache))
	}

	c, err := client.New(cfg, clientOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	for _, projectID := range opts.projects {
		if err := c.Join(projectID); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	out := &OutputFormatter{JSON: opts.json, Out: cmd.OutOrStdout()}
	for {
		select {
		case err := <-done:
			drain(c, out)
			return err

		case u := <-c.Updates():
			if err := out.Update(u); err != nil {
				return err
			}
			switch {
			case u.Kind == client.UpdateState && u.State == client.StateConnected && opts.unread:
				if err := c.ListNotifications(); err != nil {
					logger.Warn("failed to request notifications", "error", err)
				}
			case u.Kind == client.UpdateNotification && opts.markRead && !u.Notification.Read:
				if err := c.MarkRead(u.Notification.NotificationID); err != nil {
					logger.Warn("failed to mark notification read",
						"notification_id", u.Notification.NotificationID,
						"error", err)
				}
			}
		}
	}
}

func openCache(opts *watchOptions, logger *slog.Logger) (*client.Cache, error) {
	cache, err := client.OpenCache(opts.cachePath)
	if err != nil {
		return nil, err
	}
	if opts.resetCache {
		for _, projectID := range opts.projects {
			if err := cache.Delete(projectID); err != nil {
				_ = cache.Close()
				return nil, fmt.Errorf("failed to reset cache for %s: %w", projectID, err)
			}
		}
		logger.Info("cache reset", "projects", opts.projects)
	}
	return cache, nil
}

// drain prints whatever is still queued once Run has returned
func drain(c *client.Client, out *OutputFormatter) {
	for {
		select {
		case u := <-c.Updates():
			_ = out.Update(u)
		default:
			return
		}
	}
}
