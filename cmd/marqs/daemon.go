package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/marqs-io/marqs/internal/api"
	"github.com/marqs-io/marqs/internal/broker"
	"github.com/marqs-io/marqs/internal/config"
	"github.com/marqs-io/marqs/internal/logging"
	"github.com/marqs-io/marqs/internal/metrics"
	"github.com/marqs-io/marqs/internal/observability"
	"github.com/marqs-io/marqs/internal/tenant"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel   string
		httpAddr   string
		workers    int
		pollMillis int
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the MarQS requeuer daemon",
		Long:  "Run the requeuer's visibility-timeout sweep workers and the metrics/health HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("workers") && workers > 0 {
				cfg.Requeuer.Workers = workers
			}
			if cmd.Flags().Changed("poll-ms") && pollMillis > 0 {
				cfg.Requeuer.PollInterval = time.Duration(pollMillis) * time.Millisecond
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			rdb, err := newRedisClient(cfg)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer rdb.Close()

			resolver := tenant.NewStaticResolver(cfg.Concurrency.DefaultEnvExecutionLimit, cfg.Concurrency.DefaultOrgExecutionLimit)

			b := broker.New(rdb, broker.Config{
				KeyPrefix:               cfg.KeyPrefix,
				DefaultQueueConcurrency: cfg.Concurrency.DefaultQueueExecutionLimit,
				DefaultEnvConcurrency:   cfg.Concurrency.DefaultEnvExecutionLimit,
				DefaultOrgConcurrency:   cfg.Concurrency.DefaultOrgExecutionLimit,
				VisibilityTimeout:       cfg.VisibilityTimeout,
				Resolver:                resolver,
			})

			requeuer := broker.NewRequeuer(b, broker.RequeuerConfig{
				Workers:      cfg.Requeuer.Workers,
				PollInterval: cfg.Requeuer.PollInterval,
				BatchSize:    int64(cfg.Requeuer.BatchSize),
			})
			requeuerCtx, requeuerCancel := context.WithCancel(context.Background())
			requeuer.Start(requeuerCtx)

			var httpServer *http.Server
			if httpAddr != "" {
				httpServer = api.StartHTTPServer(httpAddr, api.ServerConfig{MetricsEnabled: cfg.Observability.Metrics.Enabled})
				logging.Op().Info("metrics/health endpoint started", "addr", httpAddr)
			}

			logging.Op().Info("marqs daemon started",
				"requeuer_workers", cfg.Requeuer.Workers,
				"poll_interval", cfg.Requeuer.PollInterval,
				"key_prefix", cfg.KeyPrefix,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			requeuerCancel()
			if err := requeuer.Stop(); err != nil {
				logging.Op().Warn("requeuer stop returned error", "error", err)
			}
			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(ctx)
				cancel()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&httpAddr, "http", "", "Metrics/health HTTP address (empty disables it)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Requeuer sweep worker count (0 uses config default)")
	cmd.Flags().IntVar(&pollMillis, "poll-ms", 0, "Requeuer sweep poll interval in milliseconds (0 uses config default)")

	return cmd
}

func newRedisClient(cfg *config.Config) (redis.UniversalClient, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if !cfg.Redis.TLSDisabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

