package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

var (
	notificationsListUnread bool
	notificationsListJSON   bool
)

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsListUnread, "unread", false, "only unread notifications")
	notificationsListCmd.Flags().BoolVar(&notificationsListJSON, "json", false, "output raw JSON")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsClearCmd)
	rootCmd.AddCommand(notificationsCmd)
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Admin notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		res := env.backend.Gateway.FetchTable(ctx, livesync.TableNotifications, &livesync.ListOptions{UnreadOnly: notificationsListUnread})
		if !res.OK {
			return resultError(res)
		}
		if notificationsListJSON {
			fmt.Println(string(res.Data))
			return nil
		}

		var notifications []livesync.Notification
		if err := res.Decode(&notifications); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(notifications) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range notifications {
			marker := " "
			if !n.IsRead {
				marker = "*"
			}
			fmt.Printf("%s %s  %-8s  %s\n", marker, n.CreatedAt.Local().Format("2006-01-02 15:04"),
				valueOrDefault(n.Type, "info"), truncate(n.Title, 60))
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if res := env.backend.Gateway.MarkRead(ctx, livesync.TableNotifications, args[0]); !res.OK {
			return resultError(res)
		}
		fmt.Printf("Marked notification %s read\n", args[0])
		return nil
	},
}

var notificationsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every notification",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if res := env.backend.Gateway.ClearAll(ctx, livesync.TableNotifications); !res.OK {
			return resultError(res)
		}
		fmt.Println("Notifications cleared")
		return nil
	},
}
