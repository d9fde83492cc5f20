package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LuminPulse-AI/livesync"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
		check   func(*Config) bool
	}{
		{"backend.url", "https://x.example.co", false, func(c *Config) bool { return c.Backend.URL == "https://x.example.co" }},
		{"backend.driver", "sqlite", false, func(c *Config) bool { return c.Backend.Driver == driverSQLite }},
		{"backend.driver", "mongo", true, nil},
		{"sync.poll_interval", "15s", false, func(c *Config) bool { return c.Sync.PollInterval == "15s" }},
		{"sync.poll_interval", "soon", true, nil},
		{"auth.mode", "local", false, func(c *Config) bool { return c.Auth.Mode == authLocal }},
		{"auth.mode", "ldap", true, nil},
		{"tracing.insecure", "true", false, func(c *Config) bool { return c.Tracing.Insecure }},
		{"tracing.sample_rate", "1.5", true, nil},
		{"metrics.listen", ":9464", false, func(c *Config) bool { return c.Metrics.Listen == ":9464" }},
		{"nodot", "x", true, nil},
		{"backend.nope", "x", true, nil},
		{"other.field", "x", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("setConfigValue: %v", err)
			}
			if !tt.check(cfg) {
				t.Fatalf("value not applied: %+v", cfg)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	in := &Config{
		Backend: BackendConfig{Driver: driverPostgres, DSN: "postgres://localhost/agency"},
		Sync:    SyncConfig{PollInterval: "20s"},
		Tracing: TracingConfig{Endpoint: "localhost:4317", SampleRate: 0.5},
	}
	for _, name := range []string{"config.toml", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sub", name)
			if err := writeConfig(path, in); err != nil {
				t.Fatalf("writeConfig: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Fatalf("expected 0600, got %o", info.Mode().Perm())
			}
			out, err := readConfig(path)
			if err != nil {
				t.Fatalf("readConfig: %v", err)
			}
			if *out != *in {
				t.Fatalf("expected %+v, got %+v", in, out)
			}
		})
	}

	missing, err := readConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil || missing.Backend.Driver != "" {
		t.Fatalf("expected empty config for missing file, got %+v, %v", missing, err)
	}
}

func TestOpenBackend(t *testing.T) {
	logger := livesync.NewLogger(livesync.LogConfig{Level: "error"})

	t.Run("rest needs url and key", func(t *testing.T) {
		if _, err := openBackend(&Config{}, nil, logger); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("sql needs dsn", func(t *testing.T) {
		if _, err := openBackend(&Config{Backend: BackendConfig{Driver: driverSQLite}}, nil, logger); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("sqlite polls", func(t *testing.T) {
		cfg := &Config{Backend: BackendConfig{Driver: driverSQLite, DSN: filepath.Join(t.TempDir(), "agency.db")}}
		h, err := openBackend(cfg, nil, logger)
		if err != nil {
			t.Fatalf("openBackend: %v", err)
		}
		defer h.Close()
		if h.sql == nil {
			t.Fatal("expected sql gateway")
		}
		if _, ok := h.Transport.(pollOnly); !ok {
			t.Fatalf("expected poll-only transport, got %T", h.Transport)
		}
	})

	t.Run("webhook replaces transport", func(t *testing.T) {
		cfg := &Config{Backend: BackendConfig{Driver: driverMemory, WebhookSecret: "s3cret"}}
		h, err := openBackend(cfg, nil, logger)
		if err != nil {
			t.Fatalf("openBackend: %v", err)
		}
		defer h.Close()
		if h.webhook == nil || h.Transport != livesync.Transport(h.webhook) {
			t.Fatal("expected webhook transport")
		}
	})

	t.Run("unknown driver", func(t *testing.T) {
		if _, err := openBackend(&Config{Backend: BackendConfig{Driver: "mongo"}}, nil, logger); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestAuthMode(t *testing.T) {
	if got := authMode(&Config{}); got != authRemote {
		t.Fatalf("expected remote for rest, got %s", got)
	}
	if got := authMode(&Config{Backend: BackendConfig{Driver: driverSQLite}}); got != authLocal {
		t.Fatalf("expected local for sqlite, got %s", got)
	}
	if _, ok := newAuthenticator(&Config{Auth: AuthConfig{Mode: authLocal, SessionTTL: "1h"}}).(*livesync.PasswordAuthenticator); !ok {
		t.Fatal("expected password authenticator")
	}
}

func TestRequireSession(t *testing.T) {
	store := livesync.NewSessionStore(filepath.Join(t.TempDir(), "session.toml"), nil)
	if _, err := requireSession(store); err == nil {
		t.Fatal("expected error without session")
	}
	store.Save(&livesync.AuthSession{UserID: "u1", AccessToken: "t", ExpiresAt: time.Now().Add(-time.Minute)})
	if _, err := requireSession(store); err == nil {
		t.Fatal("expected error for expired session")
	}
	store.Save(&livesync.AuthSession{UserID: "u1", AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)})
	if s, err := requireSession(store); err != nil || s.UserID != "u1" {
		t.Fatalf("expected valid session, got %+v, %v", s, err)
	}
}

func TestHelpers(t *testing.T) {
	if maskKey("") != "(not set)" || maskKey("short") != "****" {
		t.Fatal("unexpected mask for short keys")
	}
	if got := maskKey("eyJhbGciOiJIUzI1NiJ9.payload"); got != "eyJhbGci...load" {
		t.Fatalf("unexpected mask %q", got)
	}
	if duration("") != 0 || duration("bogus") != 0 || duration("90s") != 90*time.Second {
		t.Fatal("unexpected duration parsing")
	}
	if truncate("hello world", 5) != "hell…" || truncate("hi", 5) != "hi" {
		t.Fatal("unexpected truncate")
	}
}
