package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"market_watch/internal/model"
	"market_watch/internal/ratelimit"
)

func newUserCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage monitor owners",
	}
	cmd.AddCommand(newUserAddCmd(flags), newUserLoginCmd(flags), newUserLinkCmd(flags), newUserShowCmd(flags))
	return cmd
}

func newUserAddCmd(flags *globalFlags) *cobra.Command {
	var u model.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if u.Email == "" {
				return fmt.Errorf("--email is required")
			}
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if u.ID == "" {
				u.ID = uuid.NewString()
			}
			if err := a.store.CreateUser(cmd.Context(), &u); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "User ID (default: random UUID)")
	cmd.Flags().StringVar(&u.Email, "email", "", "Email address")
	cmd.Flags().Int64Var(&u.TelegramChatID, "chat", 0, "Telegram chat ID")
	cmd.Flags().IntVar(&u.MaxActiveMonitors, "max-active", 0, "Active monitor cap (default 10)")
	cmd.Flags().IntVar(&u.MaxAPICallsPerHour, "max-api-calls", 0, "Marketplace calls per hour (default 100)")
	cmd.Flags().IntVar(&u.MaxNotificationsPerDay, "max-notifications", 0, "Notifications per day (default 50)")
	return cmd
}

func newUserLoginCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login <user-id>",
		Short: "Record a login so the owner's monitors stay enabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			return a.store.TouchLogin(cmd.Context(), args[0], time.Now())
		},
	}
}

func newUserLinkCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "link <user-id> <chat-id>",
		Short: "Send a user's notifications to a Telegram chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q: %w", args[1], err)
			}
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			return a.store.SetTelegramChatID(cmd.Context(), args[0], chatID)
		},
	}
}

func newUserShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user and their quota usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			u, err := a.store.GetUser(ctx, args[0])
			if err != nil {
				return err
			}
			usage, err := a.limiter.Usage(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				User  *model.User      `json:"user"`
				Usage *ratelimit.Usage `json:"usage"`
			}{u, usage})
		},
	}
}
