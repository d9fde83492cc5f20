package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <url> <anon-key>",
	Short: "Store the backend URL and anon key in ~/.livesync/config.toml",
	Long:  "Initialize the livesync CLI by storing the backend project URL and its public anon key.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid backend url %q", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Backend.URL = args[0]
		cfg.Backend.AnonKey = args[1]
		if cfg.Backend.Driver == "" {
			cfg.Backend.Driver = driverREST
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend saved to %s\n", path)
		return nil
	},
}
