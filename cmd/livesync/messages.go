package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

var (
	messagesListUnread bool
	messagesListLimit  int
	messagesListJSON   bool
)

func init() {
	messagesListCmd.Flags().BoolVar(&messagesListUnread, "unread", false, "only unread messages")
	messagesListCmd.Flags().IntVarP(&messagesListLimit, "limit", "n", 0, "maximum number of messages")
	messagesListCmd.Flags().BoolVar(&messagesListJSON, "json", false, "output raw JSON")

	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesReadCmd)
	rootCmd.AddCommand(messagesCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Client messages",
}

var messagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List client messages, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		res := env.backend.Gateway.FetchTable(ctx, livesync.TableClientMessages, &livesync.ListOptions{
			Limit:      messagesListLimit,
			UnreadOnly: messagesListUnread,
		})
		if !res.OK {
			return resultError(res)
		}
		if messagesListJSON {
			fmt.Println(string(res.Data))
			return nil
		}

		var messages []livesync.ClientMessage
		if err := res.Decode(&messages); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range messages {
			marker := " "
			if !m.IsRead {
				marker = "*"
			}
			fmt.Printf("%s %-36s  %-6s  %s  %s\n", marker, m.ID, valueOrDefault(m.Priority, "normal"),
				m.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(m.Subject, 60))
		}
		return nil
	},
}

var messagesReadCmd = &cobra.Command{
	Use:   "read <message-id>",
	Short: "Mark a client message as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if res := env.backend.Gateway.MarkRead(ctx, livesync.TableClientMessages, args[0]); !res.OK {
			return resultError(res)
		}
		fmt.Printf("Marked message %s read\n", args[0])
		return nil
	},
}
