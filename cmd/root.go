package cmd

import (
	"github.com/spf13/cobra"

	"github.com/thenoetrevino/boardsync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "boardsync",
	Short: "Boardsync - realtime kanban board synchronization",
	Long: `Boardsync keeps every open copy of a kanban board in step. The server
orders each change, persists it and broadcasts it to everyone viewing the
project; clients apply their own changes optimistically and reconcile them
against the server's ordering.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/boardsync/config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
}

func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
