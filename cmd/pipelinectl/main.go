package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"booking-webhook-pipeline/internal/config"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/store"
)

var Version = "dev"

// app holds the backends a command talks to.
type app struct {
	cfg      config.Config
	store    *store.Store
	queue    *queue.RedisQueue
	registry *queue.Registry
}

func openApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	registry, err := queue.DefaultRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("queue config: %w", err)
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: st, queue: queue.NewRedisQueue(cfg), registry: registry}, nil
}

func (a *app) Close() {
	_ = a.queue.Close()
	a.store.Close()
}

// withApp opens the backends for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate the booking webhook pipeline: queues, dead letters, subscriptions, billing state",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queuesCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(subscribersCmd())
	rootCmd.AddCommand(billingCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.RunMigrations(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}
