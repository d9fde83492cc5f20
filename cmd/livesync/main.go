package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.livesync/config.toml.
type Config struct {
	Backend BackendConfig `toml:"backend" yaml:"backend"`
	Sync    SyncConfig    `toml:"sync" yaml:"sync"`
	Auth    AuthConfig    `toml:"auth" yaml:"auth"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
	Tracing TracingConfig `toml:"tracing" yaml:"tracing"`
}

// BackendConfig selects the gateway and transport.
type BackendConfig struct {
	// Driver is one of rest, postgres, sqlite, memory. Defaults to rest.
	Driver        string `toml:"driver" yaml:"driver"`
	URL           string `toml:"url" yaml:"url"`
	AnonKey       string `toml:"anon_key" yaml:"anon_key"`
	DSN           string `toml:"dsn" yaml:"dsn"`
	WebhookSecret string `toml:"webhook_secret" yaml:"webhook_secret"`
	WebhookListen string `toml:"webhook_listen" yaml:"webhook_listen"`
}

// SyncConfig holds duration strings such as "10s".
type SyncConfig struct {
	FallbackTimeout   string `toml:"fallback_timeout" yaml:"fallback_timeout"`
	PollInterval      string `toml:"poll_interval" yaml:"poll_interval"`
	JoinTimeout       string `toml:"join_timeout" yaml:"join_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// AuthConfig configures login. Mode is local (shared password) or remote
// (backend auth API).
type AuthConfig struct {
	Mode           string `toml:"mode" yaml:"mode"`
	PasswordSHA256 string `toml:"password_sha256" yaml:"password_sha256"`
	TokenSecret    string `toml:"token_secret" yaml:"token_secret"`
	SessionTTL     string `toml:"session_ttl" yaml:"session_ttl"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

type TracingConfig struct {
	Endpoint   string  `toml:"endpoint" yaml:"endpoint"`
	Insecure   bool    `toml:"insecure" yaml:"insecure"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// ============================================================================
// Config helpers
// ============================================================================

var configFlag string

// configDir returns the path to ~/.livesync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".livesync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file path: --config, then $LIVESYNC_CONFIG,
// then ~/.livesync/config.toml.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	if env := os.Getenv("LIVESYNC_CONFIG"); env != "" {
		return env, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// sessionPath keeps the session file next to the config file.
func sessionPath() (string, error) {
	path, err := configPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), "session.toml"), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return writeConfig(path, cfg)
}

func writeConfig(path string, cfg *Config) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "backend.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. backend.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "backend":
		switch field {
		case "driver":
			switch value {
			case driverREST, driverPostgres, driverSQLite, driverMemory:
			default:
				return fmt.Errorf("unknown driver %q (valid: rest, postgres, sqlite, memory)", value)
			}
			cfg.Backend.Driver = value
		case "url":
			cfg.Backend.URL = value
		case "anon_key":
			cfg.Backend.AnonKey = value
		case "dsn":
			cfg.Backend.DSN = value
		case "webhook_secret":
			cfg.Backend.WebhookSecret = value
		case "webhook_listen":
			cfg.Backend.WebhookListen = value
		default:
			return fmt.Errorf("unknown field %q in section [backend]", field)
		}
	case "sync":
		if err := checkDuration(value); err != nil {
			return err
		}
		switch field {
		case "fallback_timeout":
			cfg.Sync.FallbackTimeout = value
		case "poll_interval":
			cfg.Sync.PollInterval = value
		case "join_timeout":
			cfg.Sync.JoinTimeout = value
		case "heartbeat_interval":
			cfg.Sync.HeartbeatInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "auth":
		switch field {
		case "mode":
			if value != authLocal && value != authRemote {
				return fmt.Errorf("unknown auth mode %q (valid: local, remote)", value)
			}
			cfg.Auth.Mode = value
		case "password_sha256":
			cfg.Auth.PasswordSHA256 = value
		case "token_secret":
			cfg.Auth.TokenSecret = value
		case "session_ttl":
			if err := checkDuration(value); err != nil {
				return err
			}
			cfg.Auth.SessionTTL = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "metrics":
		if field != "listen" {
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
		cfg.Metrics.Listen = value
	case "tracing":
		switch field {
		case "endpoint":
			cfg.Tracing.Endpoint = value
		case "insecure":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("tracing.insecure: %w", err)
			}
			cfg.Tracing.Insecure = b
		case "sample_rate":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f < 0 || f > 1 {
				return fmt.Errorf("tracing.sample_rate must be a number between 0 and 1")
			}
			cfg.Tracing.SampleRate = f
		default:
			return fmt.Errorf("unknown field %q in section [tracing]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: backend, sync, auth, log, metrics, tracing)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "livesync",
	Short:        "Agency dashboard sync CLI",
	Long:         "Command-line interface for the agency dashboards.\nLog in, inspect chat sessions and client messages, and watch live collections.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.livesync/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
