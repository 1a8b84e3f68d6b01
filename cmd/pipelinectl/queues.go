package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"booking-webhook-pipeline/internal/queue"
)

type queueStats interface {
	ReadyDepth(ctx context.Context, queue string) (int64, error)
	InFlight(ctx context.Context, queue string) (int64, error)
}

type statusCounter interface {
	CountByStatus(ctx context.Context, queue string) (map[string]int64, error)
}

func queuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show configured queues with depth, in-flight and per-status task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return printQueues(ctx, cmd.OutOrStdout(), a.registry.All(), a.queue, a.store)
			})
		},
	}
}

func printQueues(ctx context.Context, out io.Writer, configs []queue.Config, q queueStats, st statusCounter) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tCONCURRENCY\tMAX ATTEMPTS\tREADY\tIN FLIGHT\tSTATUSES")
	for _, qc := range configs {
		ready, err := q.ReadyDepth(ctx, qc.Name)
		if err != nil {
			return err
		}
		inflight, err := q.InFlight(ctx, qc.Name)
		if err != nil {
			return err
		}
		counts, err := st.CountByStatus(ctx, qc.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", qc.Name, qc.ConcurrencyLimit, qc.Retry.MaxAttempts, ready, inflight, formatCounts(counts))
	}
	return tw.Flush()
}

func formatCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
