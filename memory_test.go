package livesync

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBackendGateway(t *testing.T) {
	ctx := context.Background()

	t.Run("seed rejects unknown tables", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		if err := mem.Seed("users", map[string]any{"id": "u1"}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown table results", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		for name, res := range map[string]*Result{
			"FetchTable": mem.FetchTable(ctx, "users", nil),
			"Insert":     mem.Insert(ctx, "users", map[string]any{}),
			"ClearAll":   mem.ClearAll(ctx, "users"),
			"MarkRead":   mem.MarkRead(ctx, TableProjects, "p1"),
		} {
			if res.OK || res.Error == nil || res.Error.Code != CodeUnknownTable {
				t.Fatalf("%s: expected UNKNOWN_TABLE, got %+v", name, res)
			}
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		if res := mem.FetchSessionMessages(ctx, ""); res.OK || res.Error.Code != CodeInvalidInput {
			t.Fatalf("expected INVALID_INPUT, got %+v", res)
		}
		if res := mem.Insert(ctx, TableNotifications, nil); res.OK || res.Error.Code != CodeInvalidInput {
			t.Fatalf("expected INVALID_INPUT, got %+v", res)
		}
		if res := mem.Insert(ctx, TableNotifications, []string{"not", "an", "object"}); res.OK {
			t.Fatalf("expected failure for non-object record, got %+v", res)
		}
	})

	t.Run("insert fills defaults", func(t *testing.T) {
		clock := newFakeClock()
		mem := NewMemoryBackend(clock)
		res := mem.Insert(ctx, TableChatSessions, map[string]any{"name": "Ada"})
		s, err := decodeResult[ChatSession](res)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if s.ID == "" || s.Status != SessionActive {
			t.Fatalf("expected generated id and active status, got %+v", s)
		}
		if !s.CreatedAt.Equal(clock.Now()) || !s.UpdatedAt.Equal(s.CreatedAt) {
			t.Fatalf("expected timestamps at clock time, got %v / %v", s.CreatedAt, s.UpdatedAt)
		}
	})

	t.Run("unread only and limit", func(t *testing.T) {
		clock := newFakeClock()
		mem := NewMemoryBackend(clock)
		now := clock.Now()
		mem.Seed(TableNotifications,
			Notification{ID: "n1", Title: "a", CreatedAt: now.Add(-3 * time.Minute)},
			Notification{ID: "n2", Title: "b", IsRead: true, CreatedAt: now.Add(-2 * time.Minute)},
			Notification{ID: "n3", Title: "c", CreatedAt: now.Add(-time.Minute)},
		)

		unread, err := decodeResult[[]Notification](mem.FetchTable(ctx, TableNotifications, &ListOptions{UnreadOnly: true}))
		if err != nil {
			t.Fatalf("FetchTable: %v", err)
		}
		if len(unread) != 2 || unread[0].ID != "n3" {
			t.Fatalf("expected n3,n1 got %+v", unread)
		}
		limited, _ := decodeResult[[]Notification](mem.FetchTable(ctx, TableNotifications, &ListOptions{Limit: 1}))
		if len(limited) != 1 || limited[0].ID != "n3" {
			t.Fatalf("expected only newest, got %+v", limited)
		}
	})

	t.Run("injected faults", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		mem.InjectError("FetchStats", &APIError{Code: "HTTP_503", Message: "unavailable"})
		res := mem.FetchStats(ctx)
		if res.OK || res.Error.Code != "HTTP_503" {
			t.Fatalf("expected injected error, got %+v", res)
		}
		mem.InjectError("FetchStats", nil)
		if res := mem.FetchStats(ctx); !res.OK {
			t.Fatalf("expected fault cleared, got %+v", res)
		}
	})
}

func TestMemoryBackendTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("mutations publish events", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		mem.Seed(TableClientMessages, ClientMessage{ID: "cm1", Subject: "hi"})
		var events []ChangeEvent
		leave := mem.Join(ctx, ChannelSpec{ID: "c", Table: TableClientMessages}, func(ev ChangeEvent) {
			events = append(events, ev)
		}, func(SubscribeStatus) {})
		defer leave()

		mem.MarkRead(ctx, TableClientMessages, "cm1")
		mem.MarkRead(ctx, TableClientMessages, "cm1")
		mem.Insert(ctx, TableClientMessages, ClientMessage{Subject: "again"})
		mem.ClearAll(ctx, TableClientMessages)

		want := []EventType{EventUpdate, EventInsert, EventDelete, EventDelete}
		if len(events) != len(want) {
			t.Fatalf("expected %d events, got %d", len(want), len(events))
		}
		for i, ev := range events {
			if ev.Type != want[i] {
				t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.Type)
			}
		}
		if events[0].OldRecord == nil || events[0].Record == nil {
			t.Fatal("expected update to carry both records")
		}
	})

	t.Run("callbacks may write back", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		fetched := 0
		leave := mem.Join(ctx, ChannelSpec{ID: "c", Table: TableNotifications}, func(ChangeEvent) {
			mem.FetchTable(ctx, TableNotifications, nil)
			fetched++
		}, func(SubscribeStatus) {})
		defer leave()

		mem.Insert(ctx, TableNotifications, Notification{Title: "x"})
		if fetched != 1 {
			t.Fatalf("expected callback to run once, got %d", fetched)
		}
	})

	t.Run("leave reports closed once", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		var statuses []SubscribeStatus
		leave := mem.Join(ctx, ChannelSpec{ID: "c", Table: TableReports}, func(ChangeEvent) {}, func(s SubscribeStatus) {
			statuses = append(statuses, s)
		})
		leave()
		leave()
		if len(statuses) != 2 || statuses[1] != StatusClosed {
			t.Fatalf("expected SUBSCRIBED then CLOSED, got %v", statuses)
		}
		if mem.Joined() != 0 {
			t.Fatalf("expected no joins, got %d", mem.Joined())
		}
	})

	t.Run("panicking subscriber does not block others", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		noStatus := func(SubscribeStatus) {}
		mem.Join(ctx, ChannelSpec{ID: "a", Table: TableReports}, func(ChangeEvent) { panic("boom") }, noStatus)
		got := 0
		mem.Join(ctx, ChannelSpec{ID: "b", Table: TableReports}, func(ChangeEvent) { got++ }, noStatus)

		mem.Emit(ChangeEvent{Table: TableReports, Type: EventInsert})
		if got != 1 {
			t.Fatalf("expected healthy subscriber called, got %d", got)
		}
	})
}
