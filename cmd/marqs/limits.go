package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marqs-io/marqs/internal/broker"
	"github.com/marqs-io/marqs/internal/config"
	"github.com/marqs-io/marqs/internal/tenant"
)

func limitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Adjust MarQS concurrency limits by hand",
	}

	cmd.AddCommand(setQueueLimitCmd())
	cmd.AddCommand(setEnvLimitCmd())

	return cmd
}

func setQueueLimitCmd() *cobra.Command {
	var env, queue string
	var limit int

	cmd := &cobra.Command{
		Use:   "set-queue",
		Short: "Set a single queue's concurrency ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newLimitsBroker()
			if err != nil {
				return err
			}
			return b.UpdateQueueConcurrencyLimit(context.Background(), env, queue, limit)
		},
	}

	cmd.Flags().StringVar(&env, "env", "", "Environment id")
	cmd.Flags().StringVar(&queue, "queue", "", "Queue name")
	cmd.Flags().IntVar(&limit, "limit", 0, "New concurrency limit")
	cmd.MarkFlagRequired("env")
	cmd.MarkFlagRequired("queue")
	cmd.MarkFlagRequired("limit")

	return cmd
}

func setEnvLimitCmd() *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "set-env",
		Short: "Push an environment and its organization's configured concurrency limits into Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newLimitsBroker()
			if err != nil {
				return err
			}
			return b.UpdateEnvConcurrencyLimits(context.Background(), env)
		},
	}

	cmd.Flags().StringVar(&env, "env", "", "Environment id")
	cmd.MarkFlagRequired("env")

	return cmd
}

func newLimitsBroker() (*broker.Broker, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	rdb, err := newRedisClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	resolver := tenant.NewStaticResolver(cfg.Concurrency.DefaultEnvExecutionLimit, cfg.Concurrency.DefaultOrgExecutionLimit)

	return broker.New(rdb, broker.Config{
		KeyPrefix:               cfg.KeyPrefix,
		DefaultQueueConcurrency: cfg.Concurrency.DefaultQueueExecutionLimit,
		DefaultEnvConcurrency:   cfg.Concurrency.DefaultEnvExecutionLimit,
		DefaultOrgConcurrency:   cfg.Concurrency.DefaultOrgExecutionLimit,
		VisibilityTimeout:       cfg.VisibilityTimeout,
		Resolver:                resolver,
	}), nil
}
