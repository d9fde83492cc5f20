package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and live backend status",
	Long:  "Display the current configuration, check whether the session is still valid, and fetch dashboard stats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Driver:   %s\n", valueOrDefault(cfg.Backend.Driver, driverREST))
		if cfg.Backend.URL != "" {
			fmt.Printf("  URL:      %s\n", cfg.Backend.URL)
		}
		fmt.Printf("  Anon Key: %s\n", maskKey(cfg.Backend.AnonKey))
		fmt.Printf("  Auth:     %s\n", authMode(cfg))
		if cfg.Backend.WebhookSecret != "" {
			fmt.Printf("  Push:     webhook (%s)\n", valueOrDefault(cfg.Backend.WebhookListen, "listener off"))
		}

		store, err := sessionStore(logger)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Session:")
		session, err := store.Load()
		if err != nil {
			if errors.Is(err, livesync.ErrUnauthenticated) {
				fmt.Println("  (not logged in)")
				return nil
			}
			return err
		}
		fmt.Printf("  User:     %s\n", valueOrDefault(session.Email, session.UserID))

		tokenStatus := "present (no expiry set)"
		switch err := session.Validate(time.Now()); {
		case errors.Is(err, livesync.ErrSessionExpired):
			tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", session.ExpiresAt.Format(time.RFC3339))
		case err != nil:
			tokenStatus = "invalid"
		case !session.ExpiresAt.IsZero():
			tokenStatus = fmt.Sprintf("valid (expires %s)", session.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)
		if session.Validate(time.Now()) != nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		if err := newAuthenticator(cfg).Verify(ctx, session); err != nil {
			fmt.Printf("  Session rejected: %v\n", err)
			return nil
		}

		backend, err := openBackend(cfg, session, logger)
		if err != nil {
			fmt.Printf("  Backend unavailable: %v\n", err)
			return nil
		}
		defer backend.Close()

		res := backend.Gateway.FetchStats(ctx)
		if !res.OK {
			fmt.Printf("  API error: %v\n", resultError(res))
			return nil
		}
		var stats livesync.DashboardStats
		if err := res.Decode(&stats); err != nil {
			fmt.Printf("  Error decoding response: %v\n", err)
			return nil
		}
		fmt.Printf("  Sessions:        %d (%d active, %d closed)\n", stats.TotalSessions, stats.ActiveSessions, stats.ClosedSessions)
		fmt.Printf("  Sessions Today:  %d\n", stats.SessionsToday)
		fmt.Printf("  Unread Messages: %d\n", stats.UnreadMessages)
		return nil
	},
}
