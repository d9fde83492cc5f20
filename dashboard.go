package livesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DashboardConfig configures the dashboard presets.
type DashboardConfig struct {
	ViewConfig

	// Store, when set, is cleared on Logout.
	Store *SessionStore
}

// Collection names used by the dashboards.
const (
	CollectionSessions       = "sessions"
	CollectionStats          = "stats"
	CollectionMessages       = "messages"
	CollectionClientMessages = "client_messages"
	CollectionNotifications  = "notifications"
	CollectionProjects       = "projects"
	CollectionReports        = "reports"
)

// dashboard holds what both presets share: the view, the auth gate and
// logout.
type dashboard struct {
	view    *View
	gateway Gateway
	store   *SessionStore
	clock   Clock

	authMu  sync.Mutex
	session *AuthSession
}

func (d *dashboard) setup(backend Backend, session *AuthSession, config *DashboardConfig, name string) (LiveConfig, ViewConfig) {
	cfg := DashboardConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	cfg.ViewConfig.defaults()

	d.gateway = backend.Gateway
	d.store = cfg.Store
	d.clock = cfg.Clock
	d.session = session
	lc := LiveConfig{Clock: cfg.Clock, Logger: cfg.Logger.With("view", cfg.Name), Metrics: cfg.Metrics}
	return lc, cfg.ViewConfig
}

// Start checks the session, fetches every collection and opens the
// channels.
func (d *dashboard) Start(ctx context.Context) error {
	d.authMu.Lock()
	session := d.session
	d.authMu.Unlock()
	if err := session.Validate(d.clock.Now()); err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return d.view.Start(ctx)
}

// Stop tears the view down. It is safe to call more than once.
func (d *dashboard) Stop() {
	d.view.Stop()
}

// Logout stops the view, forgets the session and clears the session store.
func (d *dashboard) Logout() error {
	d.view.Stop()
	d.authMu.Lock()
	d.session = nil
	d.authMu.Unlock()
	if d.store != nil {
		return d.store.Clear()
	}
	return nil
}

// View exposes the underlying view for status and manual refresh.
func (d *dashboard) View() *View { return d.view }

func (d *dashboard) Status() ConnectionStatus { return d.view.Status() }

func (d *dashboard) Mode() DeliveryMode { return d.view.Mode() }

// ============================================================================
// Chat dashboard
// ============================================================================

// ChatDashboard is the support chat view: session list, stats and the
// selected session's messages.
type ChatDashboard struct {
	dashboard

	sessions *Live[[]ChatSession]
	stats    *Live[DashboardStats]
	messages *Live[[]ChatMessage]

	mu       sync.Mutex
	filter   SessionFilter
	selected string
}

// NewChatDashboard builds a chat dashboard over backend.
func NewChatDashboard(backend Backend, session *AuthSession, config *DashboardConfig) *ChatDashboard {
	d := &ChatDashboard{}
	lc, vc := d.setup(backend, session, config, "chat")

	d.sessions = NewLive(CollectionSessions, func(ctx context.Context) ([]ChatSession, error) {
		d.mu.Lock()
		filter := d.filter
		d.mu.Unlock()
		return decodeResult[[]ChatSession](d.gateway.FetchSessions(ctx, filter))
	}, &lc)
	d.stats = NewLive(CollectionStats, func(ctx context.Context) (DashboardStats, error) {
		return decodeResult[DashboardStats](d.gateway.FetchStats(ctx))
	}, &lc)
	d.messages = NewLive(CollectionMessages, func(ctx context.Context) ([]ChatMessage, error) {
		d.mu.Lock()
		id := d.selected
		d.mu.Unlock()
		if id == "" {
			return nil, nil
		}
		return decodeResult[[]ChatMessage](d.gateway.FetchSessionMessages(ctx, id))
	}, &lc)

	d.view = NewView(backend.Transport, &vc)
	d.view.Register(d.sessions)
	d.view.Register(d.stats)
	d.view.Register(d.messages)
	d.view.Bind(Binding{
		Table:       TableChatSessions,
		Filter:      FilterAll,
		Collections: []string{CollectionSessions, CollectionStats},
	})
	d.view.Bind(Binding{
		Table:       TableChatMessages,
		Filter:      FilterAll,
		Collections: []string{CollectionSessions, CollectionStats, CollectionMessages},
	})
	return d
}

func (d *ChatDashboard) Sessions() []ChatSession { return d.sessions.Get() }
func (d *ChatDashboard) Stats() DashboardStats   { return d.stats.Get() }
func (d *ChatDashboard) Messages() []ChatMessage { return d.messages.Get() }

// SessionsLive, StatsLive and MessagesLive expose the collections for
// change subscriptions.
func (d *ChatDashboard) SessionsLive() *Live[[]ChatSession] { return d.sessions }
func (d *ChatDashboard) StatsLive() *Live[DashboardStats]   { return d.stats }
func (d *ChatDashboard) MessagesLive() *Live[[]ChatMessage] { return d.messages }

// Selected returns the id of the selected session.
func (d *ChatDashboard) Selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// SetFilter changes the session filter and refetches the session list.
func (d *ChatDashboard) SetFilter(ctx context.Context, filter SessionFilter) error {
	d.mu.Lock()
	d.filter = filter
	d.mu.Unlock()
	return d.sessions.Refresh(ctx, TriggerManual)
}

// SelectSession opens a session: its unread count drops to zero locally,
// its visitor messages are marked read on the server and its messages are
// fetched. The local reset is kept even if marking fails.
func (d *ChatDashboard) SelectSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return &APIError{Code: CodeInvalidInput, Message: "session id is required"}
	}
	d.mu.Lock()
	d.selected = sessionID
	d.mu.Unlock()

	d.sessions.Mutate(func(list []ChatSession) []ChatSession {
		out := make([]ChatSession, len(list))
		copy(out, list)
		for i := range out {
			if out[i].ID == sessionID {
				out[i].UnreadCount = 0
			}
		}
		return out
	})

	markErr := d.gateway.MarkSessionRead(ctx, sessionID).Err()
	if err := d.messages.Refresh(ctx, TriggerManual); err != nil && markErr == nil {
		return err
	}
	return markErr
}

// Reply sends an admin message to the selected session.
func (d *ChatDashboard) Reply(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return &APIError{Code: CodeInvalidInput, Message: "message content is required"}
	}
	id := d.Selected()
	if id == "" {
		return &APIError{Code: CodeInvalidInput, Message: "no session selected"}
	}
	res := d.gateway.Insert(ctx, TableChatMessages, map[string]any{
		"session_id":  id,
		"sender_type": SenderAdmin,
		"content":     content,
		"is_read":     true,
	})
	if err := res.Err(); err != nil {
		return err
	}
	return d.messages.Refresh(ctx, TriggerManual)
}

// ============================================================================
// Client dashboard
// ============================================================================

// ClientDashboard is the admin portal view: client messages,
// notifications, projects and reports.
type ClientDashboard struct {
	dashboard

	messages      *Live[[]ClientMessage]
	notifications *Live[[]Notification]
	projects      *Live[[]Project]
	reports       *Live[[]Report]
}

// NewClientDashboard builds a client dashboard over backend.
func NewClientDashboard(backend Backend, session *AuthSession, config *DashboardConfig) *ClientDashboard {
	d := &ClientDashboard{}
	lc, vc := d.setup(backend, session, config, "clients")

	d.messages = newTableLive[ClientMessage](d.gateway, CollectionClientMessages, TableClientMessages, &lc)
	d.notifications = newTableLive[Notification](d.gateway, CollectionNotifications, TableNotifications, &lc)
	d.projects = newTableLive[Project](d.gateway, CollectionProjects, TableProjects, &lc)
	d.reports = newTableLive[Report](d.gateway, CollectionReports, TableReports, &lc)

	d.view = NewView(backend.Transport, &vc)
	for _, b := range []struct {
		c     Collection
		table string
	}{
		{d.messages, TableClientMessages},
		{d.notifications, TableNotifications},
		{d.projects, TableProjects},
		{d.reports, TableReports},
	} {
		d.view.Register(b.c)
		d.view.Bind(Binding{Table: b.table, Filter: FilterAll, Collections: []string{b.c.Name()}})
	}
	return d
}

func newTableLive[T any](gw Gateway, name, table string, lc *LiveConfig) *Live[[]T] {
	return NewLive(name, func(ctx context.Context) ([]T, error) {
		return decodeResult[[]T](gw.FetchTable(ctx, table, nil))
	}, lc)
}

func (d *ClientDashboard) Messages() []ClientMessage     { return d.messages.Get() }
func (d *ClientDashboard) Notifications() []Notification { return d.notifications.Get() }
func (d *ClientDashboard) Projects() []Project           { return d.projects.Get() }
func (d *ClientDashboard) Reports() []Report             { return d.reports.Get() }

func (d *ClientDashboard) MessagesLive() *Live[[]ClientMessage]     { return d.messages }
func (d *ClientDashboard) NotificationsLive() *Live[[]Notification] { return d.notifications }

// UnreadMessages counts unread client messages in the current snapshot.
func (d *ClientDashboard) UnreadMessages() int {
	n := 0
	for _, m := range d.messages.Get() {
		if !m.IsRead {
			n++
		}
	}
	return n
}

// UnreadNotifications counts unread notifications in the current snapshot.
func (d *ClientDashboard) UnreadNotifications() int {
	n := 0
	for _, m := range d.notifications.Get() {
		if !m.IsRead {
			n++
		}
	}
	return n
}

// MarkMessageRead flips the message to read locally, then on the server.
// A server failure is returned but the local flip stays.
func (d *ClientDashboard) MarkMessageRead(ctx context.Context, id string) error {
	d.messages.Mutate(func(list []ClientMessage) []ClientMessage {
		out := make([]ClientMessage, len(list))
		copy(out, list)
		for i := range out {
			if out[i].ID == id {
				out[i].IsRead = true
			}
		}
		return out
	})
	return d.gateway.MarkRead(ctx, TableClientMessages, id).Err()
}

// MarkNotificationRead flips the notification to read locally, then on the
// server. A server failure is returned but the local flip stays.
func (d *ClientDashboard) MarkNotificationRead(ctx context.Context, id string) error {
	d.notifications.Mutate(func(list []Notification) []Notification {
		out := make([]Notification, len(list))
		copy(out, list)
		for i := range out {
			if out[i].ID == id {
				out[i].IsRead = true
			}
		}
		return out
	})
	return d.gateway.MarkRead(ctx, TableNotifications, id).Err()
}

// ClearNotifications deletes every notification. The local list is emptied
// only when the server call succeeds.
func (d *ClientDashboard) ClearNotifications(ctx context.Context) error {
	if err := d.gateway.ClearAll(ctx, TableNotifications).Err(); err != nil {
		return err
	}
	d.notifications.Mutate(func([]Notification) []Notification { return []Notification{} })
	return nil
}
