// Command relq is the CLI entry point: config loading, logger construction,
// and subcommands to check connectivity against a configured database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relq/relq/internal/config"
	"github.com/relq/relq/internal/dbadapter"
	"github.com/relq/relq/internal/logging"
)

var cfgPath string

func main() {
	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:   "relq",
		Short: "relq is a multi-dialect relational query engine and unit-of-work session",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./relq.yaml", "path to config file")

	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// pingCmd opens a connection per the resolved config and runs a trivial
// round trip, surfacing configuration and connectivity errors up front
// rather than on the first application query.
func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "verify the configured database connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging, os.Stdout)
			defer log.Sync() //nolint:errcheck

			adapter, err := dbadapter.Open(cfg.Dialect, cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
			if err != nil {
				return err
			}
			defer adapter.Dispose()

			if _, err := adapter.ExecuteSQL(context.Background(), "SELECT 1", nil); err != nil {
				return err
			}
			log.Sugar().Infow("connection ok", "dialect", cfg.Dialect)
			return nil
		},
	}
}

var (
	version = "dev"
	commit  = "none"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the relq build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relq %s (%s)\n", version, commit)
		},
	}
}
