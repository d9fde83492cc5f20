package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage livesync configuration",
	Long:  "View or modify the livesync CLI configuration stored in ~/.livesync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'livesync init <url> <anon-key>' to create one.")
			return nil
		}
		cfg, err := readConfig(path)
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", path)
		fmt.Println("[backend]")
		fmt.Printf("  driver          = %s\n", valueOrDefault(cfg.Backend.Driver, driverREST))
		fmt.Printf("  url             = %s\n", valueOrDefault(cfg.Backend.URL, "(not set)"))
		fmt.Printf("  anon_key        = %s\n", maskKey(cfg.Backend.AnonKey))
		fmt.Printf("  dsn             = %s\n", maskKey(cfg.Backend.DSN))
		fmt.Printf("  webhook_secret  = %s\n", maskKey(cfg.Backend.WebhookSecret))
		fmt.Printf("  webhook_listen  = %s\n", valueOrDefault(cfg.Backend.WebhookListen, "(off)"))
		fmt.Println("[sync]")
		fmt.Printf("  fallback_timeout   = %s\n", valueOrDefault(cfg.Sync.FallbackTimeout, "10s"))
		fmt.Printf("  poll_interval      = %s\n", valueOrDefault(cfg.Sync.PollInterval, "30s"))
		fmt.Printf("  join_timeout       = %s\n", valueOrDefault(cfg.Sync.JoinTimeout, "10s"))
		fmt.Printf("  heartbeat_interval = %s\n", valueOrDefault(cfg.Sync.HeartbeatInterval, "25s"))
		fmt.Println("[auth]")
		fmt.Printf("  mode            = %s\n", authMode(cfg))
		fmt.Printf("  password_sha256 = %s\n", maskKey(cfg.Auth.PasswordSHA256))
		fmt.Printf("  token_secret    = %s\n", maskKey(cfg.Auth.TokenSecret))
		fmt.Printf("  session_ttl     = %s\n", valueOrDefault(cfg.Auth.SessionTTL, "12h"))
		fmt.Println("[log]")
		fmt.Printf("  level  = %s\n", valueOrDefault(cfg.Log.Level, "info"))
		fmt.Printf("  format = %s\n", valueOrDefault(cfg.Log.Format, "text"))
		fmt.Println("[metrics]")
		fmt.Printf("  listen = %s\n", valueOrDefault(cfg.Metrics.Listen, "(off)"))
		fmt.Println("[tracing]")
		fmt.Printf("  endpoint    = %s\n", valueOrDefault(cfg.Tracing.Endpoint, "(off)"))
		fmt.Printf("  insecure    = %t\n", cfg.Tracing.Insecure)
		fmt.Printf("  sample_rate = %g\n", cfg.Tracing.SampleRate)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: livesync config set sync.poll_interval 15s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s\n", key)
		return nil
	},
}
