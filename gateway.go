// Package livesync keeps dashboard collections synchronized with a remote
// relational store.
//
// Collections are refreshed with full-replace fetches through a Gateway.
// Push change-events arrive over a Transport when the backend confirms the
// channel, and a fixed-interval poller takes over when it does not.
//
// Example:
//
//	gw := livesync.NewRESTGateway(
//		livesync.WithBaseURL("https://project.example.co"),
//		livesync.WithAPIKey(anonKey),
//	)
//	ws := livesync.NewWSTransport("https://project.example.co", &livesync.RealtimeConfig{APIKey: anonKey})
//
//	dash := livesync.NewChatDashboard(livesync.Backend{Gateway: gw, Transport: ws}, session, nil)
//	if err := dash.Start(ctx); err != nil { ... }
//	defer dash.Stop()
//
//	for _, s := range dash.Sessions() { ... }
package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Gateway
// ============================================================================

// Gateway issues request/response calls against the backend. Every method
// returns a non-nil Result and reports failures through Result.Error; no
// method retries.
type Gateway interface {
	FetchSessions(ctx context.Context, filter SessionFilter) *Result
	FetchStats(ctx context.Context) *Result
	FetchSessionMessages(ctx context.Context, sessionID string) *Result
	FetchTable(ctx context.Context, table string, opts *ListOptions) *Result
	MarkRead(ctx context.Context, table, id string) *Result
	MarkSessionRead(ctx context.Context, sessionID string) *Result
	Insert(ctx context.Context, table string, record any) *Result
	ClearAll(ctx context.Context, table string) *Result
}

// Backend bundles the request/response and push halves of a backend.
type Backend struct {
	Gateway   Gateway
	Transport Transport
}

var readFlagTables = map[string]bool{
	TableChatMessages:   true,
	TableClientMessages: true,
	TableNotifications:  true,
}

// ============================================================================
// REST Gateway
// ============================================================================

const (
	DefaultTimeout = 30 * time.Second
	restPrefix     = "/rest/v1/"
)

// RESTGateway talks to a PostgREST style HTTP API.
type RESTGateway struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
	now         func() time.Time
}

// GatewayOption configures a RESTGateway.
type GatewayOption func(*RESTGateway)

func WithBaseURL(url string) GatewayOption {
	return func(g *RESTGateway) { g.baseURL = strings.TrimRight(url, "/") }
}

// WithAPIKey sets the project key sent in the apikey header.
func WithAPIKey(key string) GatewayOption {
	return func(g *RESTGateway) { g.apiKey = key }
}

// WithAccessToken sets the user token sent as a bearer token. Without it the
// API key is used.
func WithAccessToken(token string) GatewayOption {
	return func(g *RESTGateway) { g.accessToken = token }
}

func WithTimeout(timeout time.Duration) GatewayOption {
	return func(g *RESTGateway) { g.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *RESTGateway) { g.httpClient = client }
}

// NewRESTGateway creates a gateway for a PostgREST endpoint.
func NewRESTGateway(opts ...GatewayOption) *RESTGateway {
	g := &RESTGateway{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetAccessToken updates the bearer token, e.g. after login.
func (g *RESTGateway) SetAccessToken(token string) {
	g.accessToken = token
}

// ============================================================================
// Internal request helper
// ============================================================================

type restError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (g *RESTGateway) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, prefer string) *Result {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errResult(CodeInvalidInput, fmt.Sprintf("failed to marshal request: %v", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return errResult(CodeInvalidInput, fmt.Sprintf("failed to create request: %v", err))
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if g.apiKey != "" {
		req.Header.Set("apikey", g.apiKey)
	}
	if token := g.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return errResult(CodeNetwork, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errResult(CodeNetwork, fmt.Sprintf("failed to read response: %v", err))
	}

	if resp.StatusCode >= 300 {
		var re restError
		if json.Unmarshal(data, &re) == nil && re.Message != "" {
			code := re.Code
			if code == "" {
				code = "HTTP_" + strconv.Itoa(resp.StatusCode)
			}
			return errResult(code, re.Message)
		}
		return errResult("HTTP_"+strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(data)))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return &Result{OK: true}
	}
	if !json.Valid(data) {
		return errResult(CodeDecode, "response is not valid JSON")
	}
	return &Result{OK: true, Data: data}
}

func (g *RESTGateway) bearer() string {
	if g.accessToken != "" {
		return g.accessToken
	}
	return g.apiKey
}

func (g *RESTGateway) get(ctx context.Context, table string, query url.Values) *Result {
	return g.doRequest(ctx, http.MethodGet, restPrefix+table, nil, query, "")
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Gateway Methods
// ============================================================================

// FetchSessions returns sessions ordered by most recent activity, with
// unread counts and the last message derived from chat_messages.
func (g *RESTGateway) FetchSessions(ctx context.Context, filter SessionFilter) *Result {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "updated_at.desc")
	if filter.Status != "" {
		q.Set("status", "eq."+filter.Status)
	}
	res := g.get(ctx, TableChatSessions, q)
	if !res.OK {
		return res
	}
	sessions, err := decodeJSON[[]ChatSession](res.Data)
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}

	mq := url.Values{}
	mq.Set("select", "session_id,sender_type,content,is_read,created_at")
	mq.Set("order", "created_at.desc")
	mres := g.get(ctx, TableChatMessages, mq)
	if !mres.OK {
		return mres
	}
	digests, err := decodeJSON[[]ChatMessage](mres.Data)
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}

	out := filterSessions(deriveSessions(*sessions, *digests), filter)
	return okResult(out)
}

// FetchStats returns aggregate dashboard counts.
func (g *RESTGateway) FetchStats(ctx context.Context) *Result {
	q := url.Values{}
	q.Set("select", "id,status,created_at")
	res := g.get(ctx, TableChatSessions, q)
	if !res.OK {
		return res
	}
	sessions, err := decodeJSON[[]ChatSession](res.Data)
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}

	mq := url.Values{}
	mq.Set("select", "id")
	mq.Set("is_read", "eq.false")
	mq.Set("sender_type", "eq."+SenderUser)
	mres := g.get(ctx, TableChatMessages, mq)
	if !mres.OK {
		return mres
	}
	unread, err := decodeJSON[[]struct {
		ID string `json:"id"`
	}](mres.Data)
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}

	return okResult(computeStats(*sessions, len(*unread), g.now()))
}

// FetchSessionMessages returns a session's messages, oldest first.
func (g *RESTGateway) FetchSessionMessages(ctx context.Context, sessionID string) *Result {
	if sessionID == "" {
		return errResult(CodeInvalidInput, "session id is required")
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("session_id", "eq."+sessionID)
	q.Set("order", "created_at.asc")
	return g.get(ctx, TableChatMessages, q)
}

// FetchTable returns rows of a known table, newest first.
func (g *RESTGateway) FetchTable(ctx context.Context, table string, opts *ListOptions) *Result {
	if !KnownTable(table) {
		return errResult(CodeUnknownTable, table)
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.desc")
	if opts != nil {
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.UnreadOnly && readFlagTables[table] {
			q.Set("is_read", "eq.false")
		}
	}
	return g.get(ctx, table, q)
}

// MarkRead sets is_read on a single row.
func (g *RESTGateway) MarkRead(ctx context.Context, table, id string) *Result {
	if !readFlagTables[table] {
		return errResult(CodeUnknownTable, table)
	}
	if id == "" {
		return errResult(CodeInvalidInput, "id is required")
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	return g.doRequest(ctx, http.MethodPatch, restPrefix+table, map[string]bool{"is_read": true}, q, "return=minimal")
}

// MarkSessionRead marks every unread visitor message of a session as read.
func (g *RESTGateway) MarkSessionRead(ctx context.Context, sessionID string) *Result {
	if sessionID == "" {
		return errResult(CodeInvalidInput, "session id is required")
	}
	q := url.Values{}
	q.Set("session_id", "eq."+sessionID)
	q.Set("sender_type", "eq."+SenderUser)
	q.Set("is_read", "eq.false")
	return g.doRequest(ctx, http.MethodPatch, restPrefix+TableChatMessages, map[string]bool{"is_read": true}, q, "return=minimal")
}

// Insert creates a row and returns its stored representation.
func (g *RESTGateway) Insert(ctx context.Context, table string, record any) *Result {
	if !KnownTable(table) {
		return errResult(CodeUnknownTable, table)
	}
	if record == nil {
		return errResult(CodeInvalidInput, "record is required")
	}
	res := g.doRequest(ctx, http.MethodPost, restPrefix+table, record, nil, "return=representation")
	if !res.OK || res.Data == nil {
		return res
	}
	var rows []json.RawMessage
	if json.Unmarshal(res.Data, &rows) == nil {
		if len(rows) == 0 {
			return &Result{OK: true}
		}
		return &Result{OK: true, Data: rows[0]}
	}
	return res
}

// ClearAll deletes every row of a table.
func (g *RESTGateway) ClearAll(ctx context.Context, table string) *Result {
	if !KnownTable(table) {
		return errResult(CodeUnknownTable, table)
	}
	q := url.Values{}
	q.Set("id", "not.is.null")
	return g.doRequest(ctx, http.MethodDelete, restPrefix+table, nil, q, "return=minimal")
}

// ============================================================================
// Shared derivations
// ============================================================================

// deriveSessions fills UnreadCount and LastMessage from message digests.
func deriveSessions(sessions []ChatSession, messages []ChatMessage) []ChatSession {
	type agg struct {
		unread int
		last   ChatMessage
		seen   bool
	}
	bySession := make(map[string]*agg, len(sessions))
	for _, m := range messages {
		a := bySession[m.SessionID]
		if a == nil {
			a = &agg{}
			bySession[m.SessionID] = a
		}
		if m.SenderType == SenderUser && !m.IsRead {
			a.unread++
		}
		if !a.seen || m.CreatedAt.After(a.last.CreatedAt) {
			a.last = m
			a.seen = true
		}
	}

	out := make([]ChatSession, len(sessions))
	for i, s := range sessions {
		if a := bySession[s.ID]; a != nil {
			s.UnreadCount = a.unread
			s.LastMessage = a.last.Content
		}
		out[i] = s
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func filterSessions(sessions []ChatSession, filter SessionFilter) []ChatSession {
	q := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]ChatSession, 0, len(sessions))
	for _, s := range sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(s.Name), q) &&
			!strings.Contains(strings.ToLower(s.Email), q) &&
			!strings.Contains(strings.ToLower(s.Phone), q) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func computeStats(sessions []ChatSession, unread int, now time.Time) DashboardStats {
	y, m, d := now.Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	stats := DashboardStats{TotalSessions: len(sessions), UnreadMessages: unread}
	for _, s := range sessions {
		switch s.Status {
		case SessionActive:
			stats.ActiveSessions++
		case SessionClosed:
			stats.ClosedSessions++
		}
		if !s.CreatedAt.Before(startOfDay) {
			stats.SessionsToday++
		}
	}
	return stats
}
