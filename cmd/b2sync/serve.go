package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	b2sync "github.com/schaermu/b2sync/internal/sync"
	"github.com/schaermu/b2sync/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Pull containers when the remote store sends change notifications",
	Long: `Serve pulls every container once and then listens for signed change
notifications from the remote store. Each notification schedules a debounced
pull of the affected container. Pulls of one container never overlap.

When metrics are enabled they are served on the same listener.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		if !a.cfg.Serve.Enabled {
			return errors.New("serve is disabled in the configuration (serve.enabled)")
		}

		opts := webhook.Options{Metrics: a.metrics}
		if a.registry != nil {
			opts.Gatherer = prometheus.Gatherer(a.registry)
		}
		srv, err := webhook.NewServer(a.cfg, a.ws, a.engine, a.logger, opts)
		if err != nil {
			return err
		}
		return srv.Start(ctx)
	})
}
