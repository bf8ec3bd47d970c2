// Command hragent runs the usage guard API, its reconciliation workers and migrations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hragent/usageguard/internal/app"
	"github.com/hragent/usageguard/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	requeueLimit int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("hragent: exiting")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hragent",
		Short:         "Token budget and usage tracking for the HR assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default $HRAGENT_CONFIG or ./config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API; runs reconciliation workers when queue.workers > 0",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithSignals(cmd.Context(), app.RunServer)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Consume reconciliation jobs without serving HTTP",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithSignals(cmd.Context(), app.RunWorker)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.Migrate(cmd.Context(), config.AppConfig{ConfigPath: configPath})
			},
		},
	)

	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Re-enqueue recorded reconciliation failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.RequeueFailures(cmd.Context(), config.AppConfig{ConfigPath: configPath}, requeueLimit)
			return err
		},
	}
	requeueCmd.Flags().IntVar(&requeueLimit, "limit", 100, "maximum number of failures to requeue")
	root.AddCommand(requeueCmd)
	return root
}

func runWithSignals(parent context.Context, run func(context.Context, config.AppConfig) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, config.AppConfig{ConfigPath: configPath})
}
