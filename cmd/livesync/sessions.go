package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

var (
	sessionsListStatus string
	sessionsListSearch string
	sessionsListJSON   bool

	sessionsMessagesJSON bool
)

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsListStatus, "status", "", "filter by status (active|closed)")
	sessionsListCmd.Flags().StringVar(&sessionsListSearch, "search", "", "match name or email")
	sessionsListCmd.Flags().BoolVar(&sessionsListJSON, "json", false, "output raw JSON")
	sessionsMessagesCmd.Flags().BoolVar(&sessionsMessagesJSON, "json", false, "output raw JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsMessagesCmd)
	sessionsCmd.AddCommand(sessionsReadCmd)
	sessionsCmd.AddCommand(sessionsReplyCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Chat support sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chat sessions, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch sessionsListStatus {
		case "", livesync.SessionActive, livesync.SessionClosed:
		default:
			return fmt.Errorf("invalid --status %q (valid: active, closed)", sessionsListStatus)
		}
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		res := env.backend.Gateway.FetchSessions(ctx, livesync.SessionFilter{
			Status: sessionsListStatus,
			Search: sessionsListSearch,
		})
		if !res.OK {
			return resultError(res)
		}
		if sessionsListJSON {
			fmt.Println(string(res.Data))
			return nil
		}

		var sessions []livesync.ChatSession
		if err := res.Decode(&sessions); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		fmt.Printf("%-36s  %-20s  %-7s  %6s  %s\n", "ID", "NAME", "STATUS", "UNREAD", "LAST MESSAGE")
		for _, s := range sessions {
			fmt.Printf("%-36s  %-20s  %-7s  %6d  %s\n",
				s.ID, truncate(s.Name, 20), s.Status, s.UnreadCount, truncate(s.LastMessage, 50))
		}
		return nil
	},
}

var sessionsMessagesCmd = &cobra.Command{
	Use:   "messages <session-id>",
	Short: "Show a session's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		res := env.backend.Gateway.FetchSessionMessages(ctx, args[0])
		if !res.OK {
			return resultError(res)
		}
		if sessionsMessagesJSON {
			fmt.Println(string(res.Data))
			return nil
		}

		var messages []livesync.ChatMessage
		if err := res.Decode(&messages); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		for _, m := range messages {
			marker := " "
			if !m.IsRead && m.SenderType == livesync.SenderUser {
				marker = "*"
			}
			fmt.Printf("%s [%s] %-5s %s\n", marker, m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderType, m.Content)
		}
		return nil
	},
}

var sessionsReadCmd = &cobra.Command{
	Use:   "read <session-id>",
	Short: "Mark a session's visitor messages as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if res := env.backend.Gateway.MarkSessionRead(ctx, args[0]); !res.OK {
			return resultError(res)
		}
		fmt.Printf("Marked session %s read\n", args[0])
		return nil
	},
}

var sessionsReplyCmd = &cobra.Command{
	Use:   "reply <session-id> <text...>",
	Short: "Send an admin reply to a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		dash := livesync.NewChatDashboard(env.backend.Backend, env.session, &livesync.DashboardConfig{
			ViewConfig: livesync.ViewConfig{Logger: env.logger},
		})
		if err := dash.SelectSession(ctx, args[0]); err != nil {
			return err
		}
		if err := dash.Reply(ctx, strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Printf("Reply sent (%d messages in session)\n", len(dash.Messages()))
		return nil
	},
}
