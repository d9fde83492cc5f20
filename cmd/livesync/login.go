package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
)

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "password (prompted when omitted; also read from $LIVESYNC_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session in ~/.livesync/session.toml",
	Long:  "Authenticate against the backend auth API (auth.mode = remote) or the shared admin password (auth.mode = local).",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		email := strings.TrimSpace(loginEmail)
		password := loginPassword
		if password == "" {
			password = os.Getenv("LIVESYNC_PASSWORD")
		}
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		session, err := newAuthenticator(cfg).Login(ctx, email, password)
		if err != nil {
			if errors.Is(err, livesync.ErrInvalidCredentials) {
				return errors.New("invalid email or password")
			}
			return err
		}

		store, err := sessionStore(logger)
		if err != nil {
			return err
		}
		if err := store.Save(session); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}

		fmt.Printf("Logged in as %s\n", valueOrDefault(session.Email, session.UserID))
		if !session.ExpiresAt.IsZero() {
			fmt.Printf("Session expires %s\n", session.ExpiresAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	Long:  "Remove the stored session. A running 'livesync watch' notices and stops.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := sessionStore(newLogger(cfg))
		if err != nil {
			return err
		}
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Println("Logged out")
		return nil
	},
}
