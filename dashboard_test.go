package livesync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func validSession(clock Clock) *AuthSession {
	return &AuthSession{
		UserID:      "admin",
		Email:       "admin@example.com",
		AccessToken: "token",
		ExpiresAt:   clock.Now().Add(time.Hour),
	}
}

func seedChat(t *testing.T, mem *MemoryBackend, now time.Time) {
	t.Helper()
	err := mem.Seed(TableChatSessions,
		ChatSession{ID: "s1", Name: "Ada Lovelace", Email: "ada@example.com", Status: SessionActive, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Minute)},
		ChatSession{ID: "s2", Name: "Bob", Email: "bob@example.com", Phone: "555-0100", Status: SessionClosed, CreatedAt: now.Add(-26 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)},
	)
	if err != nil {
		t.Fatalf("seed sessions: %v", err)
	}
	err = mem.Seed(TableChatMessages,
		ChatMessage{ID: "m1", SessionID: "s1", SenderType: SenderUser, Content: "hello", CreatedAt: now.Add(-50 * time.Minute)},
		ChatMessage{ID: "m2", SessionID: "s1", SenderType: SenderAdmin, Content: "hi, how can I help?", IsRead: true, CreatedAt: now.Add(-40 * time.Minute)},
		ChatMessage{ID: "m3", SessionID: "s2", SenderType: SenderUser, Content: "are you there?", CreatedAt: now.Add(-3 * time.Hour)},
	)
	if err != nil {
		t.Fatalf("seed messages: %v", err)
	}
}

func newChatFixture(t *testing.T) (*ChatDashboard, *MemoryBackend, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mem := NewMemoryBackend(clock)
	seedChat(t, mem, clock.Now())
	d := NewChatDashboard(mem.Backend(), validSession(clock), &DashboardConfig{
		ViewConfig: ViewConfig{Clock: clock, Logger: discardLogger()},
	})
	t.Cleanup(d.Stop)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d, mem, clock
}

func sessionByID(list []ChatSession, id string) (ChatSession, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return ChatSession{}, false
}

func TestDashboardAuthGate(t *testing.T) {
	clock := newFakeClock()
	mem := NewMemoryBackend(clock)
	cfg := &DashboardConfig{ViewConfig: ViewConfig{Clock: clock, Logger: discardLogger()}}

	t.Run("no session", func(t *testing.T) {
		d := NewChatDashboard(mem.Backend(), nil, cfg)
		defer d.Stop()
		if err := d.Start(context.Background()); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated, got %v", err)
		}
		if mem.Joined() != 0 {
			t.Fatalf("expected no channels without a session, got %d", mem.Joined())
		}
	})

	t.Run("expired session", func(t *testing.T) {
		s := validSession(clock)
		s.ExpiresAt = clock.Now().Add(-time.Second)
		d := NewClientDashboard(mem.Backend(), s, cfg)
		defer d.Stop()
		err := d.Start(context.Background())
		if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("expected unauthenticated and expired, got %v", err)
		}
	})

	t.Run("valid session", func(t *testing.T) {
		d := NewChatDashboard(mem.Backend(), validSession(clock), cfg)
		defer d.Stop()
		if err := d.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if d.Status() != ConnConnected || d.Mode() != ModeRealtime {
			t.Fatalf("expected connected/realtime, got %s/%s", d.Status(), d.Mode())
		}
	})
}

func TestChatDashboard(t *testing.T) {
	t.Run("mount loads sessions and stats", func(t *testing.T) {
		d, _, _ := newChatFixture(t)

		sessions := d.Sessions()
		if len(sessions) != 2 || sessions[0].ID != "s1" {
			t.Fatalf("expected s1 first of 2 sessions, got %+v", sessions)
		}
		if sessions[0].UnreadCount != 1 || sessions[0].LastMessage != "hi, how can I help?" {
			t.Fatalf("unexpected s1 digest: %+v", sessions[0])
		}
		want := DashboardStats{TotalSessions: 2, ActiveSessions: 1, ClosedSessions: 1, UnreadMessages: 2, SessionsToday: 1}
		if got := d.Stats(); got != want {
			t.Fatalf("expected stats %+v, got %+v", want, got)
		}
		if len(d.Messages()) != 0 {
			t.Fatalf("expected no messages before selection, got %d", len(d.Messages()))
		}
	})

	t.Run("select session marks read", func(t *testing.T) {
		d, _, _ := newChatFixture(t)

		if err := d.SelectSession(context.Background(), "s1"); err != nil {
			t.Fatalf("SelectSession: %v", err)
		}
		if d.Selected() != "s1" {
			t.Fatalf("expected s1 selected, got %q", d.Selected())
		}
		if len(d.Messages()) != 2 {
			t.Fatalf("expected 2 messages for s1, got %d", len(d.Messages()))
		}
		s1, _ := sessionByID(d.Sessions(), "s1")
		if s1.UnreadCount != 0 {
			t.Fatalf("expected s1 unread 0, got %d", s1.UnreadCount)
		}
		if got := d.Stats().UnreadMessages; got != 1 {
			t.Fatalf("expected server unread 1 after marking, got %d", got)
		}
	})

	t.Run("local unread reset survives mark failure", func(t *testing.T) {
		d, mem, _ := newChatFixture(t)
		mem.InjectError("MarkSessionRead", &APIError{Code: CodeNetwork, Message: "offline"})

		err := d.SelectSession(context.Background(), "s1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != CodeNetwork {
			t.Fatalf("expected NETWORK_ERROR, got %v", err)
		}
		s1, _ := sessionByID(d.Sessions(), "s1")
		if s1.UnreadCount != 0 {
			t.Fatalf("expected optimistic reset kept, got %d", s1.UnreadCount)
		}
		if len(d.Messages()) != 2 {
			t.Fatalf("expected messages still loaded, got %d", len(d.Messages()))
		}
	})

	t.Run("select requires an id", func(t *testing.T) {
		d, _, _ := newChatFixture(t)
		if err := d.SelectSession(context.Background(), ""); err == nil {
			t.Fatal("expected error for empty session id")
		}
	})

	t.Run("reply", func(t *testing.T) {
		d, _, _ := newChatFixture(t)

		if err := d.Reply(context.Background(), "hello"); err == nil {
			t.Fatal("expected error without a selected session")
		}
		d.SelectSession(context.Background(), "s1")
		if err := d.Reply(context.Background(), "   "); err == nil {
			t.Fatal("expected error for blank reply")
		}
		if err := d.Reply(context.Background(), "Thanks for waiting"); err != nil {
			t.Fatalf("Reply: %v", err)
		}

		msgs := d.Messages()
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		last := msgs[len(msgs)-1]
		if last.SenderType != SenderAdmin || !last.IsRead || last.Content != "Thanks for waiting" {
			t.Fatalf("unexpected reply row: %+v", last)
		}
		s1, _ := sessionByID(d.Sessions(), "s1")
		if s1.LastMessage != "Thanks for waiting" {
			t.Fatalf("expected session digest updated by event, got %q", s1.LastMessage)
		}
	})

	t.Run("filter", func(t *testing.T) {
		d, _, _ := newChatFixture(t)

		if err := d.SetFilter(context.Background(), SessionFilter{Search: "ADA"}); err != nil {
			t.Fatalf("SetFilter: %v", err)
		}
		if got := d.Sessions(); len(got) != 1 || got[0].ID != "s1" {
			t.Fatalf("expected only s1, got %+v", got)
		}
		d.SetFilter(context.Background(), SessionFilter{Search: "555"})
		if got := d.Sessions(); len(got) != 1 || got[0].ID != "s2" {
			t.Fatalf("expected phone match s2, got %+v", got)
		}
		d.SetFilter(context.Background(), SessionFilter{Status: SessionActive})
		if got := d.Sessions(); len(got) != 1 || got[0].ID != "s1" {
			t.Fatalf("expected active s1, got %+v", got)
		}
	})

	t.Run("external insert refreshes sessions", func(t *testing.T) {
		d, mem, clock := newChatFixture(t)
		clock.Advance(time.Minute)

		mem.Insert(context.Background(), TableChatMessages, map[string]any{
			"session_id":  "s2",
			"sender_type": SenderUser,
			"content":     "hello again",
		})
		s2, _ := sessionByID(d.Sessions(), "s2")
		if s2.UnreadCount != 2 || s2.LastMessage != "hello again" {
			t.Fatalf("expected s2 refreshed, got %+v", s2)
		}
		if d.Sessions()[0].ID != "s2" {
			t.Fatalf("expected touched session first, got %s", d.Sessions()[0].ID)
		}
		if got := d.Stats().UnreadMessages; got != 3 {
			t.Fatalf("expected 3 unread, got %d", got)
		}
	})

	t.Run("logout clears store", func(t *testing.T) {
		clock := newFakeClock()
		mem := NewMemoryBackend(clock)
		store := NewSessionStore(filepath.Join(t.TempDir(), "session.toml"), discardLogger())
		session := validSession(clock)
		if err := store.Save(session); err != nil {
			t.Fatalf("Save: %v", err)
		}
		d := NewChatDashboard(mem.Backend(), session, &DashboardConfig{
			ViewConfig: ViewConfig{Clock: clock, Logger: discardLogger()},
			Store:      store,
		})
		if err := d.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}

		if err := d.Logout(); err != nil {
			t.Fatalf("Logout: %v", err)
		}
		if mem.Joined() != 0 {
			t.Fatalf("expected channels closed, got %d", mem.Joined())
		}
		if _, err := store.Load(); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("expected stored session removed, got %v", err)
		}
		if err := d.Start(context.Background()); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated after logout, got %v", err)
		}
	})
}

func newClientFixture(t *testing.T) (*ClientDashboard, *MemoryBackend) {
	t.Helper()
	clock := newFakeClock()
	mem := NewMemoryBackend(clock)
	now := clock.Now()
	mem.Seed(TableClientMessages,
		ClientMessage{ID: "cm1", ClientID: "c1", Subject: "Invoice", Body: "Where is it?", Priority: "high", CreatedAt: now.Add(-time.Hour)},
		ClientMessage{ID: "cm2", ClientID: "c1", Subject: "Thanks", Body: "Got it", Priority: "low", IsRead: true, CreatedAt: now.Add(-2 * time.Hour)},
	)
	mem.Seed(TableNotifications,
		Notification{ID: "n1", Type: "message", Title: "New message", CreatedAt: now.Add(-time.Minute)},
		Notification{ID: "n2", Type: "project", Title: "Milestone reached", CreatedAt: now.Add(-time.Hour)},
	)
	mem.Seed(TableProjects, Project{ID: "p1", ClientID: "c1", Name: "Website", Status: "active", Progress: 40, CreatedAt: now})
	mem.Seed(TableReports, Report{ID: "r1", ProjectID: "p1", Title: "March", CreatedAt: now})

	d := NewClientDashboard(mem.Backend(), validSession(clock), &DashboardConfig{
		ViewConfig: ViewConfig{Clock: clock, Logger: discardLogger()},
	})
	t.Cleanup(d.Stop)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d, mem
}

func TestClientDashboard(t *testing.T) {
	t.Run("mount loads every table", func(t *testing.T) {
		d, mem := newClientFixture(t)
		if len(d.Messages()) != 2 || len(d.Notifications()) != 2 || len(d.Projects()) != 1 || len(d.Reports()) != 1 {
			t.Fatalf("unexpected mount sizes: %d %d %d %d", len(d.Messages()), len(d.Notifications()), len(d.Projects()), len(d.Reports()))
		}
		if d.Messages()[0].ID != "cm1" {
			t.Fatalf("expected newest message first, got %s", d.Messages()[0].ID)
		}
		if d.UnreadMessages() != 1 || d.UnreadNotifications() != 2 {
			t.Fatalf("unexpected unread counts: %d %d", d.UnreadMessages(), d.UnreadNotifications())
		}
		if mem.Joined() != 4 {
			t.Fatalf("expected one channel per table, got %d", mem.Joined())
		}
	})

	t.Run("mark message read", func(t *testing.T) {
		d, _ := newClientFixture(t)
		if err := d.MarkMessageRead(context.Background(), "cm1"); err != nil {
			t.Fatalf("MarkMessageRead: %v", err)
		}
		if d.UnreadMessages() != 0 {
			t.Fatalf("expected 0 unread, got %d", d.UnreadMessages())
		}
	})

	t.Run("failed mark is not reverted", func(t *testing.T) {
		d, mem := newClientFixture(t)
		mem.InjectError("MarkRead", &APIError{Code: "HTTP_500", Message: "boom"})

		if err := d.MarkNotificationRead(context.Background(), "n1"); err == nil {
			t.Fatal("expected server error")
		}
		if d.UnreadNotifications() != 1 {
			t.Fatalf("expected optimistic flip kept, got %d unread", d.UnreadNotifications())
		}
	})

	t.Run("clear notifications", func(t *testing.T) {
		d, mem := newClientFixture(t)
		mem.InjectError("ClearAll", &APIError{Code: CodeNetwork, Message: "offline"})
		if err := d.ClearNotifications(context.Background()); err == nil {
			t.Fatal("expected clear to fail")
		}
		if len(d.Notifications()) != 2 {
			t.Fatalf("expected list kept on failure, got %d", len(d.Notifications()))
		}

		mem.InjectError("ClearAll", nil)
		if err := d.ClearNotifications(context.Background()); err != nil {
			t.Fatalf("ClearNotifications: %v", err)
		}
		if len(d.Notifications()) != 0 {
			t.Fatalf("expected empty list, got %d", len(d.Notifications()))
		}
		res := mem.FetchTable(context.Background(), TableNotifications, nil)
		rows, _ := decodeResult[[]Notification](res)
		if len(rows) != 0 {
			t.Fatalf("expected server table empty, got %d", len(rows))
		}
	})

	t.Run("new notification arrives by event", func(t *testing.T) {
		d, mem := newClientFixture(t)
		mem.Insert(context.Background(), TableNotifications, Notification{Type: "message", Title: "Another"})
		if len(d.Notifications()) != 3 || d.UnreadNotifications() != 3 {
			t.Fatalf("expected 3 unread notifications, got %d/%d", len(d.Notifications()), d.UnreadNotifications())
		}
	})
}
