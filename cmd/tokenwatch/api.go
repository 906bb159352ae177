package main

import (
	"context"
	"time"

	"github.com/devblac/tokenwatch/internal/metrics"
	"github.com/spf13/cobra"
)

var flagAPIMetrics string

func init() {
	apiCmd.Flags().StringVar(&flagAPIMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the read-only query API",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		var mtr *metrics.Metrics
		if flagAPIMetrics != "" {
			mtr = metrics.Init()
			metricsSrv := serveMetrics(flagAPIMetrics, log)
			defer metricsSrv.Close()
		}

		srv, closeCache, err := startAPI(ctx, cfg, store, log, mtr)
		if err != nil {
			return err
		}
		defer closeCache()

		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
