package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
)

func subscribersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribers",
		Short: "Manage webhook subscriptions",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := subscriberFromFlags(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				created, err := a.store.CreateSubscriber(ctx, sub)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "subscriber %s created (%s, version %s)\n", created.ID, created.SubscriberURL, created.PayloadVersion)
				return nil
			})
		},
	}
	add.Flags().String("url", "", "Subscriber URL")
	add.Flags().String("secret", "", "HMAC secret used to sign deliveries")
	add.Flags().String("version", payloads.VersionCurrent, "Payload version")
	add.Flags().StringSlice("triggers", nil, "Trigger events to subscribe to")
	add.Flags().Int64("user", 0, "Owning user id")
	add.Flags().Int64("event-type", 0, "Owning event type id")
	add.Flags().Int64("team", 0, "Owning team id")
	add.Flags().Int64("org", 0, "Owning organization id")
	add.Flags().String("oauth-client", "", "Owning OAuth client id")
	_ = add.MarkFlagRequired("url")
	_ = add.MarkFlagRequired("triggers")

	for _, active := range []bool{true, false} {
		use, short := "disable [id]", "Stop deliveries to a subscription"
		if active {
			use, short = "enable [id]", "Resume deliveries to a subscription"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					if err := a.store.SetSubscriberActive(ctx, args[0], active); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "subscriber %s active=%t\n", args[0], active)
					return nil
				})
			},
		})
	}

	cmd.AddCommand(add)
	return cmd
}

func subscriberFromFlags(cmd *cobra.Command) (models.Subscriber, error) {
	url, _ := cmd.Flags().GetString("url")
	secret, _ := cmd.Flags().GetString("secret")
	version, _ := cmd.Flags().GetString("version")
	triggers, _ := cmd.Flags().GetStringSlice("triggers")

	sub := models.Subscriber{
		SubscriberURL:  strings.TrimSpace(url),
		Secret:         secret,
		PayloadVersion: version,
		Active:         true,
	}
	for _, t := range triggers {
		trigger := payloads.TriggerEvent(strings.ToUpper(strings.TrimSpace(t)))
		if !trigger.Valid() {
			return models.Subscriber{}, fmt.Errorf("unknown trigger %q, expected one of %s", t, knownTriggers())
		}
		sub.EventTriggers = append(sub.EventTriggers, string(trigger))
	}
	sub.UserID = optionalInt(cmd, "user")
	sub.EventTypeID = optionalInt(cmd, "event-type")
	sub.TeamID = optionalInt(cmd, "team")
	sub.OrgID = optionalInt(cmd, "org")
	if v, _ := cmd.Flags().GetString("oauth-client"); v != "" {
		sub.OAuthClientID = &v
	}
	if sub.UserID == nil && sub.EventTypeID == nil && sub.TeamID == nil && sub.OrgID == nil && sub.OAuthClientID == nil {
		return models.Subscriber{}, fmt.Errorf("one of --user, --event-type, --team, --org or --oauth-client is required")
	}
	return sub, nil
}

func optionalInt(cmd *cobra.Command, name string) *int64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt64(name)
	return &v
}

func knownTriggers() string {
	names := make([]string, 0, len(payloads.AllTriggers()))
	for _, t := range payloads.AllTriggers() {
		names = append(names, t.String())
	}
	return strings.Join(names, ", ")
}
