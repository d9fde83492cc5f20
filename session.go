package livesync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pelletier/go-toml/v2"
)

// ============================================================================
// AuthSession
// ============================================================================

// AuthSession is an authenticated admin session.
type AuthSession struct {
	UserID       string    `toml:"user_id" json:"user_id"`
	Email        string    `toml:"email" json:"email"`
	AccessToken  string    `toml:"access_token" json:"access_token"`
	RefreshToken string    `toml:"refresh_token,omitempty" json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `toml:"expires_at" json:"expires_at"`
}

// Validate returns ErrUnauthenticated for a missing session and
// ErrSessionExpired once now is past the expiry.
func (s *AuthSession) Validate(now time.Time) error {
	if s == nil || s.AccessToken == "" {
		return ErrUnauthenticated
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return ErrSessionExpired
	}
	return nil
}

// Authenticator exchanges credentials for sessions and checks them.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*AuthSession, error)
	Verify(ctx context.Context, session *AuthSession) error
}

// ============================================================================
// Local password gate
// ============================================================================

// DefaultSessionTTL is the lifetime of locally issued sessions.
const DefaultSessionTTL = 12 * time.Hour

// PasswordAuthenticator checks a shared admin password and issues HS256
// tokens.
type PasswordAuthenticator struct {
	// PasswordSHA256 is the hex encoded SHA-256 of the admin password.
	PasswordSHA256 string
	Secret         []byte
	TTL            time.Duration
	Now            func() time.Time
}

type sessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HashPassword returns the hex SHA-256 digest stored in configuration.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (a *PasswordAuthenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *PasswordAuthenticator) Login(_ context.Context, email, password string) (*AuthSession, error) {
	if len(a.Secret) == 0 || a.PasswordSHA256 == "" {
		return nil, errors.New("password login is not configured")
	}
	got := HashPassword(password)
	want := strings.ToLower(strings.TrimSpace(a.PasswordSHA256))
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return nil, ErrInvalidCredentials
	}

	ttl := a.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := a.now()
	email = strings.TrimSpace(email)
	userID := email
	if userID == "" {
		userID = "admin"
	}
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "livesync",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &AuthSession{
		UserID:      userID,
		Email:       email,
		AccessToken: token,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Verify checks the token signature and expiry.
func (a *PasswordAuthenticator) Verify(_ context.Context, session *AuthSession) error {
	if err := session.Validate(a.now()); err != nil {
		return err
	}
	parsed, err := jwt.ParseWithClaims(session.AccessToken, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.Secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrSessionExpired
		}
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || claims.Subject != session.UserID {
		return ErrUnauthenticated
	}
	return nil
}

// ============================================================================
// Remote auth API
// ============================================================================

// RESTAuthenticator logs in through the backend's /auth/v1 endpoints.
type RESTAuthenticator struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Now        func() time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (a *RESTAuthenticator) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

func (a *RESTAuthenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *RESTAuthenticator) Login(ctx context.Context, email, password string) (*AuthSession, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	u := strings.TrimRight(a.BaseURL, "/") + "/auth/v1/token?grant_type=password"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", a.APIKey)

	resp, err := a.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrInvalidCredentials
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("login failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, ErrInvalidCredentials
	}
	s := &AuthSession{
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		s.ExpiresAt = a.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return s, nil
}

// Verify asks the backend whether the token is still accepted.
func (a *RESTAuthenticator) Verify(ctx context.Context, session *AuthSession) error {
	if err := session.Validate(a.now()); err != nil {
		return err
	}
	u := strings.TrimRight(a.BaseURL, "/") + "/auth/v1/user"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("apikey", a.APIKey)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)

	resp, err := a.client().Do(req)
	if err != nil {
		return fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthenticated
	case resp.StatusCode >= 300:
		return fmt.Errorf("verify failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// Session store
// ============================================================================

// SessionStore persists the current session as a TOML file.
type SessionStore struct {
	path   string
	logger *slog.Logger
}

// NewSessionStore creates a store at path.
func NewSessionStore(path string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{path: path, logger: logger}
}

// Path returns the session file path.
func (s *SessionStore) Path() string { return s.path }

// Load reads the stored session. A missing file yields ErrUnauthenticated.
func (s *SessionStore) Load() (*AuthSession, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var session AuthSession
	if err := toml.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	return &session, nil
}

// Save writes the session with owner-only permissions.
func (s *SessionStore) Save(session *AuthSession) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := toml.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Clear removes the stored session. Clearing an empty store is a no-op.
func (s *SessionStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// Watch calls onChange with the reloaded session whenever the file changes,
// and with nil when it is removed. It returns a stop function that waits for
// the watch goroutine to exit.
func (s *SessionStore) Watch(ctx context.Context, onChange func(*AuthSession)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchLoop(watchCtx, watcher, onChange)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			watcher.Close()
			wg.Wait()
		})
	}, nil
}

func (s *SessionStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*AuthSession)) {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
					onChange(nil)
				}
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				session, err := s.Load()
				if err != nil {
					s.logger.Debug("session reload failed", "error", err)
					continue
				}
				onChange(session)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("session watch error", "error", err)
		}
	}
}
