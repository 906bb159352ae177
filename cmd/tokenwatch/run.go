package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/devblac/tokenwatch/internal/api"
	"github.com/devblac/tokenwatch/internal/config"
	"github.com/devblac/tokenwatch/internal/health"
	"github.com/devblac/tokenwatch/internal/ingest"
	"github.com/devblac/tokenwatch/internal/metrics"
	"github.com/devblac/tokenwatch/internal/sink"
	"github.com/devblac/tokenwatch/internal/source/etherscan"
	"github.com/devblac/tokenwatch/internal/storage"
	"github.com/devblac/tokenwatch/internal/tracing"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagHealth  string
	flagMetrics string
	flagAPI     bool
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Run a single cycle, then stay dormant for schedule.run_once_sleep")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
	runCmd.Flags().BoolVar(&flagAPI, "api", false, "Also serve the query API on api.addr")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagOnce {
			cfg.Schedule.RunOnce = true
		}

		shutdownTracing, err := tracing.Init(ctx, "tokenwatch", cfg.Tracing.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()

		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		client, err := etherscan.NewClient(etherscan.Config{
			BaseURL: cfg.Etherscan.BaseURL,
			ChainID: cfg.Etherscan.ChainID,
			APIKey:  cfg.Watch.APIKey,
			Timeout: cfg.Etherscan.Timeout,
			RPS:     cfg.Etherscan.RPS,
		})
		if err != nil {
			return err
		}

		senders, err := sink.Build(cfg.Sinks, cfg.Watch.Address)
		if err != nil {
			return err
		}
		fanout := sink.NewFanout(senders)
		defer fanout.Close()

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		var notifier ingest.Notifier
		if fanout.Len() > 0 {
			notifier = fanout
			log.Info("sinks enabled", "count", fanout.Len())
		}

		clock := ingest.SystemClock{}
		cycle := ingest.NewCycle(
			ingest.CycleConfig{Address: strings.ToLower(strings.TrimSpace(cfg.Watch.Address)), RequestDelay: cfg.Schedule.RequestDelay},
			client,
			ingest.NewResolver(store),
			ingest.NewWriter(store, notifier, log, mtr),
			clock, log, mtr,
		)
		scheduler := ingest.NewScheduler(cfg.Watch, cfg.Schedule, cycle, clock, log, mtr)

		var servers []*http.Server
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range servers {
				_ = srv.Shutdown(shutdownCtx)
			}
		}()

		if flagHealth != "" {
			checker := health.Checker{DBPing: store.Ping, Sync: scheduler.Status}
			if cfg.Watch.Ready() {
				upstream := health.NewUpstreamChecker(client, time.Minute)
				checker.UpstreamPing = upstream.Ping
				checker.Head = upstream.Head
			}
			servers = append(servers, health.Serve(flagHealth, checker, log))
			log.Info("health check enabled", "addr", flagHealth)
		}

		if flagMetrics != "" {
			servers = append(servers, serveMetrics(flagMetrics, log))
		}

		if flagAPI {
			srv, closeCache, err := startAPI(ctx, cfg, store, log, mtr)
			if err != nil {
				return err
			}
			defer closeCache()
			servers = append(servers, srv)
		}

		log.Info("scheduler starting",
			"address", cfg.Watch.Address,
			"chain_id", cfg.Etherscan.ChainID,
			"driver", cfg.Store.Driver,
			"run_once", cfg.Schedule.RunOnce,
		)
		err = scheduler.Run(ctx)
		if errors.Is(err, context.Canceled) {
			log.Info("shutting down")
			return nil
		}
		return err
	},
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func startAPI(ctx context.Context, cfg config.Config, store storage.Store, log *slog.Logger, mtr *metrics.Metrics) (*http.Server, func(), error) {
	cache, err := api.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	var c api.Cache
	if cache != nil {
		c = cache
		log.Info("api cache enabled", "redis", cfg.Cache.RedisAddr, "ttl", cfg.Cache.TTL)
	}
	srv := api.Serve(cfg.API.Addr, api.New(store, c, log, mtr).Handler(), log)
	log.Info("query api enabled", "addr", cfg.API.Addr)
	return srv, func() { _ = cache.Close() }, nil
}
