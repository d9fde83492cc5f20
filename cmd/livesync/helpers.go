package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LuminPulse-AI/livesync"
)

// Backend drivers.
const (
	driverREST     = "rest"
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

// Auth modes.
const (
	authLocal  = "local"
	authRemote = "remote"
)

// backendHandle is an opened backend plus whatever must be closed with it.
type backendHandle struct {
	livesync.Backend

	// webhook is set when push events arrive through the webhook receiver.
	webhook *livesync.WebhookTransport
	sql     *livesync.SQLGateway
	closers []func() error
}

func (h *backendHandle) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		_ = h.closers[i]()
	}
}

// pollOnly never acknowledges a channel, so views fall back to polling.
type pollOnly struct{}

func (pollOnly) Join(context.Context, livesync.ChannelSpec, func(livesync.ChangeEvent), func(livesync.SubscribeStatus)) func() {
	return func() {}
}

// openBackend builds the gateway and transport for the configured driver.
// A webhook secret replaces the driver's own transport with the webhook
// receiver.
func openBackend(cfg *Config, session *livesync.AuthSession, logger *slog.Logger) (*backendHandle, error) {
	h := &backendHandle{}
	token := ""
	if session != nil {
		token = session.AccessToken
	}

	switch driver := valueOrDefault(cfg.Backend.Driver, driverREST); driver {
	case driverREST:
		if cfg.Backend.URL == "" || cfg.Backend.AnonKey == "" {
			return nil, errors.New("no backend configured. Run 'livesync init <url> <anon-key>' first")
		}
		h.Gateway = livesync.NewRESTGateway(
			livesync.WithBaseURL(cfg.Backend.URL),
			livesync.WithAPIKey(cfg.Backend.AnonKey),
			livesync.WithAccessToken(token),
		)
		ws := livesync.NewWSTransport(cfg.Backend.URL, &livesync.RealtimeConfig{
			APIKey:            cfg.Backend.AnonKey,
			AccessToken:       token,
			AutoReconnect:     true,
			HeartbeatInterval: duration(cfg.Sync.HeartbeatInterval),
			JoinTimeout:       duration(cfg.Sync.JoinTimeout),
			Logger:            logger,
		})
		h.Transport = ws
		h.closers = append(h.closers, ws.Close)

	case driverPostgres, driverSQLite:
		if cfg.Backend.DSN == "" {
			return nil, fmt.Errorf("backend.dsn is required for the %s driver", driver)
		}
		gw, err := livesync.OpenSQLGateway(driver, cfg.Backend.DSN, nil)
		if err != nil {
			return nil, err
		}
		h.Gateway = gw
		h.sql = gw
		h.closers = append(h.closers, gw.Close)
		if driver == driverPostgres {
			pg := livesync.NewPGNotifyTransport(cfg.Backend.DSN, &livesync.PGNotifyConfig{Logger: logger})
			h.Transport = pg
			h.closers = append(h.closers, pg.Close)
		} else {
			h.Transport = pollOnly{}
		}

	case driverMemory:
		mem := livesync.NewMemoryBackend(livesync.SystemClock)
		h.Backend = mem.Backend()

	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}

	if cfg.Backend.WebhookSecret != "" {
		wh, err := livesync.NewWebhookTransport(cfg.Backend.WebhookSecret, logger)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.webhook = wh
		h.Transport = wh
	}
	return h, nil
}

func authMode(cfg *Config) string {
	if cfg.Auth.Mode != "" {
		return cfg.Auth.Mode
	}
	if valueOrDefault(cfg.Backend.Driver, driverREST) == driverREST {
		return authRemote
	}
	return authLocal
}

// newAuthenticator returns the authenticator for the configured auth mode.
func newAuthenticator(cfg *Config) livesync.Authenticator {
	if authMode(cfg) == authRemote {
		return &livesync.RESTAuthenticator{BaseURL: cfg.Backend.URL, APIKey: cfg.Backend.AnonKey}
	}
	return &livesync.PasswordAuthenticator{
		PasswordSHA256: cfg.Auth.PasswordSHA256,
		Secret:         []byte(cfg.Auth.TokenSecret),
		TTL:            duration(cfg.Auth.SessionTTL),
	}
}

func newLogger(cfg *Config) *slog.Logger {
	return livesync.NewLogger(livesync.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func sessionStore(logger *slog.Logger) (*livesync.SessionStore, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	return livesync.NewSessionStore(path, logger), nil
}

// requireSession loads the stored session and rejects missing or expired
// ones.
func requireSession(store *livesync.SessionStore) (*livesync.AuthSession, error) {
	session, err := store.Load()
	if err != nil {
		if errors.Is(err, livesync.ErrUnauthenticated) {
			return nil, errors.New("not logged in. Run 'livesync login' first")
		}
		return nil, err
	}
	if err := session.Validate(time.Now()); err != nil {
		if errors.Is(err, livesync.ErrSessionExpired) {
			return nil, errors.New("session expired. Run 'livesync login' again")
		}
		return nil, err
	}
	return session, nil
}

// commandEnv is what every backend command needs.
type commandEnv struct {
	cfg     *Config
	logger  *slog.Logger
	store   *livesync.SessionStore
	session *livesync.AuthSession
	backend *backendHandle
}

// openEnv loads config and session and opens the backend. Close the
// returned env's backend when done.
func openEnv() (*commandEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)
	store, err := sessionStore(logger)
	if err != nil {
		return nil, err
	}
	session, err := requireSession(store)
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(cfg, session, logger)
	if err != nil {
		return nil, err
	}
	return &commandEnv{cfg: cfg, logger: logger, store: store, session: session, backend: backend}, nil
}

// resultError converts a failed Result into a command error.
func resultError(res *livesync.Result) error {
	if res.Error != nil {
		return fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
	}
	return errors.New("request failed (no details)")
}

// duration parses a config duration. Empty or invalid values yield zero,
// which leaves the library default in place.
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func checkDuration(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid duration %q (examples: 10s, 1m30s)", s)
	}
	return nil
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 12:
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
