package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/store"
)

type dlqQueue interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
	DLQRemove(ctx context.Context, taskID string) (bool, error)
	Enqueue(ctx context.Context, ref queue.TaskRef, runAt time.Time) error
}

type dlqStore interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	ResetForReplay(ctx context.Context, id string) (models.Task, error)
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered tasks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return listDLQ(ctx, cmd.OutOrStdout(), a.queue, a.store, limit)
			})
		},
	}
	list.Flags().Int64P("limit", "n", 50, "Maximum entries")

	replayCmd := &cobra.Command{
		Use:   "replay [task-id...]",
		Short: "Requeue dead-lettered tasks with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var failed int
				for _, id := range args {
					task, err := replay(ctx, a.queue, a.store, id, time.Now())
					if err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s requeued on %s (%s)\n", task.ID, task.Queue, task.Machine)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d replays failed", failed, len(args))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, replayCmd)
	return cmd
}

func listDLQ(ctx context.Context, out io.Writer, q dlqQueue, st dlqStore, limit int64) error {
	ids, err := q.DLQPeek(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tQUEUE\tTYPE\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, id := range ids {
		task, err := st.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\tmissing from store\n", id)
			continue
		}
		if err != nil {
			return err
		}
		lastErr := "-"
		if task.LastError != nil {
			lastErr = *task.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", task.ID, task.Queue, task.Type, task.Attempts, task.UpdatedAt.Format(time.RFC3339), lastErr)
	}
	return tw.Flush()
}

// replay resets a dead-lettered task, enqueues it and only then drops it from the DLQ list.
func replay(ctx context.Context, q dlqQueue, st dlqStore, id string, now time.Time) (models.Task, error) {
	task, err := st.ResetForReplay(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if err := q.Enqueue(ctx, queue.TaskRef{ID: task.ID, Queue: task.Queue, Machine: task.Machine}, now); err != nil {
		return models.Task{}, fmt.Errorf("enqueue: %w", err)
	}
	if _, err := q.DLQRemove(ctx, task.ID); err != nil {
		return models.Task{}, fmt.Errorf("remove from dlq: %w", err)
	}
	_ = st.AppendAudit(ctx, task.ID, "replayed", "requeued from dlq by pipelinectl")
	return task, nil
}
