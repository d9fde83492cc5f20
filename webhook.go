package livesync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Livesync-Signature"

// maxWebhookBody caps the accepted request size.
const maxWebhookBody = 1 << 20

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a database webhook: one row change.
type WebhookPayload struct {
	Type      EventType       `json:"type"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature over body. The
// signature may carry a "sha256=" prefix.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)[len("sha256="):]
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses and validates a webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	switch payload.Type {
	case EventInsert, EventUpdate, EventDelete:
	case "":
		return nil, fmt.Errorf("missing type field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook event type: %s", payload.Type)
	}
	if payload.Table == "" {
		return nil, fmt.Errorf("missing table field in webhook payload")
	}
	if !KnownTable(payload.Table) {
		return nil, fmt.Errorf("unknown table: %s", payload.Table)
	}
	if payload.Schema == "" {
		payload.Schema = "public"
	}
	return &payload, nil
}

// ============================================================================
// WebhookTransport
// ============================================================================

// WebhookTransport receives signed database webhooks over HTTP and forwards
// them to joined channels. Joins are acknowledged immediately since there is
// no upstream subscription to confirm.
type WebhookTransport struct {
	secret string
	logger *slog.Logger

	mu    sync.RWMutex
	joins map[string]*webhookJoin
}

type webhookJoin struct {
	spec    ChannelSpec
	onEvent func(ChangeEvent)
}

// NewWebhookTransport creates a transport verifying bodies with secret.
func NewWebhookTransport(secret string, logger *slog.Logger) (*WebhookTransport, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookTransport{
		secret: secret,
		logger: logger.With("transport", "webhook"),
		joins:  make(map[string]*webhookJoin),
	}, nil
}

func (w *WebhookTransport) Join(_ context.Context, spec ChannelSpec, onEvent func(ChangeEvent), onStatus func(SubscribeStatus)) func() {
	w.mu.Lock()
	w.joins[spec.ID] = &webhookJoin{spec: spec, onEvent: onEvent}
	w.mu.Unlock()
	safeCall(func() { onStatus(StatusSubscribed) })

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.joins, spec.ID)
			w.mu.Unlock()
		})
	}
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookTransport) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + dispatch).
// Returns the status code and response body for the caller to write.
func (w *WebhookTransport) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	delivered := w.dispatch(ChangeEvent{
		Table:     payload.Table,
		Schema:    payload.Schema,
		Type:      payload.Type,
		Record:    payload.Record,
		OldRecord: payload.OldRecord,
	})
	return http.StatusOK, map[string]any{"ok": true, "delivered": delivered}
}

func (w *WebhookTransport) dispatch(ev ChangeEvent) int {
	w.mu.RLock()
	targets := make([]*webhookJoin, 0, len(w.joins))
	for _, j := range w.joins {
		if j.spec.Table == ev.Table {
			targets = append(targets, j)
		}
	}
	w.mu.RUnlock()

	for _, j := range targets {
		safeCall(func() { j.onEvent(ev) })
	}
	w.logger.Debug("webhook dispatched", "table", ev.Table, "event", string(ev.Type), "channels", len(targets))
	return len(targets)
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := livesync.NewWebhookTransport("secret", nil)
//	http.Handle("/hooks/db", wh.HTTPHandler())
func (w *WebhookTransport) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
