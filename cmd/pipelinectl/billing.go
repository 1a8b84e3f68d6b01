package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"booking-webhook-pipeline/internal/models"
)

func billingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Inspect and seed reconciled billing state",
	}

	show := &cobra.Command{
		Use:   "show [subscription-id]",
		Short: "Print the billing state of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.store.GetBillingState(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "subscription: %s\nmode:         %s\nseats paid:   %d\nreported:     %d\n", st.SubscriptionID, st.Mode, st.SeatsPaid, st.ReportedUsers)
				if st.PeriodStart != nil && st.PeriodEnd != nil {
					fmt.Fprintf(out, "period:       %s .. %s\n", st.PeriodStart.Format("2006-01-02"), st.PeriodEnd.Format("2006-01-02"))
				}
				return nil
			})
		},
	}

	upsert := &cobra.Command{
		Use:   "upsert [subscription-id]",
		Short: "Create or replace the billing record of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := billingStateFromFlags(cmd, args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.UpsertBillingState(ctx, st); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "subscription %s saved (%s)\n", st.SubscriptionID, st.Mode)
				return nil
			})
		},
	}
	upsert.Flags().String("mode", string(models.BillingModeSeats), "Billing mode (SEATS or ACTIVE_USERS)")
	upsert.Flags().Int("seats", 0, "Seats paid")
	upsert.Flags().Int64("price", 0, "Price per seat in minor units")
	upsert.Flags().String("currency", "usd", "Currency")
	upsert.Flags().String("interval", models.IntervalMonth, "Billing interval (month or year)")
	upsert.Flags().Int64("team", 0, "Team id")
	upsert.Flags().String("usage-item", "", "Metered subscription item id")

	proration := &cobra.Command{
		Use:   "proration [subscription-id] [seat-delta]",
		Short: "Record a pending proration; its id goes into invoice line metadata as prorationId",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var delta int
			if _, err := fmt.Sscanf(args[1], "%d", &delta); err != nil {
				return fmt.Errorf("seat delta: %w", err)
			}
			amount, _ := cmd.Flags().GetInt64("amount")
			entry := models.ProrationEntry{ID: uuid.NewString(), SubscriptionID: args[0], SeatDelta: delta, Amount: amount}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.CreateProration(ctx, entry); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), entry.ID)
				return nil
			})
		},
	}
	proration.Flags().Int64("amount", 0, "Prorated amount in minor units")

	cmd.AddCommand(show, upsert, proration)
	return cmd
}

func billingStateFromFlags(cmd *cobra.Command, subscriptionID string) (models.SubscriptionBillingState, error) {
	mode, _ := cmd.Flags().GetString("mode")
	seats, _ := cmd.Flags().GetInt("seats")
	price, _ := cmd.Flags().GetInt64("price")
	currency, _ := cmd.Flags().GetString("currency")
	interval, _ := cmd.Flags().GetString("interval")
	usageItem, _ := cmd.Flags().GetString("usage-item")

	st := models.SubscriptionBillingState{
		SubscriptionID: subscriptionID,
		Mode:           models.BillingMode(strings.ToUpper(mode)),
		SeatsPaid:      seats,
		PricePerSeat:   price,
		Currency:       currency,
		Interval:       interval,
		UsageItemID:    usageItem,
		TeamID:         optionalInt(cmd, "team"),
	}
	if st.Mode != models.BillingModeSeats && st.Mode != models.BillingModeActiveUsers {
		return models.SubscriptionBillingState{}, fmt.Errorf("unknown billing mode %q", mode)
	}
	if st.Interval != models.IntervalMonth && st.Interval != models.IntervalYear {
		return models.SubscriptionBillingState{}, fmt.Errorf("unknown interval %q", interval)
	}
	return st, nil
}
