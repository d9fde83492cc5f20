package livesync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend or gateway error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Gateway error codes.
const (
	CodeNetwork      = "NETWORK_ERROR"
	CodeDecode       = "DECODE_ERROR"
	CodeDatabase     = "DB_ERROR"
	CodeInvalidInput = "INVALID_INPUT"
	CodeUnknownTable = "UNKNOWN_TABLE"
	CodeNotFound     = "NOT_FOUND"
)

// Result is the envelope returned by every Gateway call. It is never nil.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the result error, or nil when the call succeeded.
func (r *Result) Err() error {
	if r == nil {
		return &APIError{Code: CodeNetwork, Message: "no result"}
	}
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return &APIError{Code: "UNKNOWN", Message: "request failed"}
	}
	return r.Error
}

func okResult(v any) *Result {
	if raw, ok := v.(json.RawMessage); ok {
		return &Result{OK: true, Data: raw}
	}
	if v == nil {
		return &Result{OK: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}
	return &Result{OK: true, Data: data}
}

func errResult(code, message string) *Result {
	return &Result{OK: false, Error: &APIError{Code: code, Message: message}}
}

// decodeResult converts a Result into a typed value.
func decodeResult[T any](r *Result) (T, error) {
	var v T
	if err := r.Err(); err != nil {
		return v, err
	}
	if err := r.Decode(&v); err != nil {
		return v, &APIError{Code: CodeDecode, Message: err.Error()}
	}
	return v, nil
}

// Sentinel errors.
var (
	ErrUnauthenticated    = errors.New("livesync: not authenticated")
	ErrSessionExpired     = errors.New("livesync: session expired")
	ErrInvalidCredentials = errors.New("livesync: invalid credentials")
	ErrUnknownTable       = errors.New("livesync: unknown table")
	ErrViewStopped        = errors.New("livesync: view stopped")
)

// ============================================================================
// Tables
// ============================================================================

const (
	TableChatSessions   = "chat_sessions"
	TableChatMessages   = "chat_messages"
	TableClientMessages = "client_messages"
	TableNotifications  = "notifications"
	TableProjects       = "projects"
	TableReports        = "reports"
)

var knownTables = map[string]bool{
	TableChatSessions:   true,
	TableChatMessages:   true,
	TableClientMessages: true,
	TableNotifications:  true,
	TableProjects:       true,
	TableReports:        true,
}

// KnownTable reports whether name is a table the gateways accept.
func KnownTable(name string) bool {
	return knownTables[name]
}

// ============================================================================
// Change Events
// ============================================================================

// EventType is the kind of row change reported by a push transport.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// EventFilter selects which change events a channel receives.
type EventFilter string

const (
	FilterAll    EventFilter = "*"
	FilterInsert EventFilter = "INSERT"
	FilterUpdate EventFilter = "UPDATE"
	FilterDelete EventFilter = "DELETE"
)

// Matches reports whether an event of type t passes the filter.
func (f EventFilter) Matches(t EventType) bool {
	if f == FilterAll || f == "" {
		return true
	}
	return string(f) == string(t)
}

// ChangeEvent is a push notification that something changed in a table.
// Record and OldRecord are best effort; consumers refetch instead of diffing.
type ChangeEvent struct {
	Table           string          `json:"table"`
	Schema          string          `json:"schema,omitempty"`
	Type            EventType       `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// SubscribeStatus is a channel acknowledgement reported by a transport.
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscribeStatus = "TIMED_OUT"
	StatusClosed       SubscribeStatus = "CLOSED"
)

// Failed reports whether the acknowledgement means push delivery is untrusted.
func (s SubscribeStatus) Failed() bool {
	return s == StatusChannelError || s == StatusTimedOut
}

// ConnectionStatus is the aggregate health of a view's channels.
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

func (s ConnectionStatus) gaugeValue() float64 {
	switch s {
	case ConnConnecting:
		return 1
	case ConnConnected:
		return 2
	case ConnError:
		return 3
	}
	return 0
}

// DeliveryMode describes how a view currently learns about changes.
type DeliveryMode string

const (
	ModeRealtime DeliveryMode = "realtime"
	ModePolling  DeliveryMode = "polling"
)

// Label is the human readable mode name shown next to the status dot.
func (m DeliveryMode) Label() string {
	if m == ModePolling {
		return "Polling Mode"
	}
	return "Real-time"
}

// ============================================================================
// Chat Dashboard Records
// ============================================================================

// ChatSession is a support chat session with derived unread information.
type ChatSession struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	UnreadCount int       `json:"unread_count"`
	LastMessage string    `json:"last_message,omitempty"`
}

// Session statuses.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// ChatMessage is a single message inside a chat session.
type ChatMessage struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	SenderType string    `json:"sender_type"` // "user" or "admin"
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sender types.
const (
	SenderUser  = "user"
	SenderAdmin = "admin"
)

// DashboardStats holds aggregate counts for the chat dashboard.
type DashboardStats struct {
	TotalSessions  int `json:"total_sessions"`
	ActiveSessions int `json:"active_sessions"`
	ClosedSessions int `json:"closed_sessions"`
	UnreadMessages int `json:"unread_messages"`
	SessionsToday  int `json:"sessions_today"`
}

// SessionFilter narrows FetchSessions. Zero value returns everything.
type SessionFilter struct {
	Status string `json:"status,omitempty"` // "", "active" or "closed"
	Search string `json:"search,omitempty"`
}

// ============================================================================
// Client Dashboard Records
// ============================================================================

// ClientMessage is a message sent by a client through the portal.
type ClientMessage struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Priority  string    `json:"priority"` // "low", "normal", "high"
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is an admin-facing notification.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is passed through unchanged.
type Project struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is passed through unchanged.
type Report struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions controls FetchTable.
type ListOptions struct {
	Limit      int
	UnreadOnly bool
}
