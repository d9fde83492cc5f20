package livesync

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSubscriber(t *testing.T) {
	t.Run("channel identity", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		sub := NewSubscriber(mem, &SubscriberConfig{Logger: discardLogger()})
		a := sub.OpenChannel(context.Background(), TableNotifications, "", nil)
		b := sub.OpenChannel(context.Background(), TableNotifications, FilterInsert, nil)

		if a.ID == "" || a.ID == b.ID {
			t.Fatalf("expected unique channel ids, got %q and %q", a.ID, b.ID)
		}
		if a.Topic != "realtime:public:notifications" {
			t.Fatalf("unexpected topic %q", a.Topic)
		}
		if a.Filter != FilterAll {
			t.Fatalf("expected empty filter to mean all, got %q", a.Filter)
		}
		if sub.Open() != 2 || mem.Joined() != 2 {
			t.Fatalf("expected 2 open channels, got %d/%d", sub.Open(), mem.Joined())
		}
	})

	t.Run("custom schema", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		sub := NewSubscriber(mem, &SubscriberConfig{Schema: "agency", Logger: discardLogger()})
		ch := sub.OpenChannel(context.Background(), TableProjects, FilterAll, nil)
		if !strings.HasPrefix(ch.Topic, "realtime:agency:") {
			t.Fatalf("unexpected topic %q", ch.Topic)
		}
	})

	t.Run("filter selects event types", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		sub := NewSubscriber(mem, &SubscriberConfig{Logger: discardLogger()})
		var got []EventType
		sub.OpenChannel(context.Background(), TableNotifications, FilterInsert, func(ev ChangeEvent) {
			got = append(got, ev.Type)
		})

		mem.Emit(ChangeEvent{Table: TableNotifications, Type: EventUpdate})
		mem.Emit(ChangeEvent{Table: TableNotifications, Type: EventInsert})
		mem.Emit(ChangeEvent{Table: TableNotifications, Type: EventDelete})
		mem.Emit(ChangeEvent{Table: TableProjects, Type: EventInsert})
		if len(got) != 1 || got[0] != EventInsert {
			t.Fatalf("expected only the INSERT, got %v", got)
		}
	})

	t.Run("status reported with channel", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		var statuses []SubscribeStatus
		var from *Channel
		sub := NewSubscriber(mem, &SubscriberConfig{
			Logger: discardLogger(),
			OnStatus: func(ch *Channel, s SubscribeStatus) {
				from = ch
				statuses = append(statuses, s)
			},
		})
		ch := sub.OpenChannel(context.Background(), TableReports, FilterAll, nil)
		mem.Broadcast(StatusChannelError)

		if len(statuses) != 2 || statuses[0] != StatusSubscribed || statuses[1] != StatusChannelError {
			t.Fatalf("unexpected statuses %v", statuses)
		}
		if from != ch {
			t.Fatal("expected status attributed to the channel")
		}
	})

	t.Run("closed channel forwards nothing", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		statuses := 0
		sub := NewSubscriber(mem, &SubscriberConfig{
			Logger:   discardLogger(),
			OnStatus: func(*Channel, SubscribeStatus) { statuses++ },
		})
		events := 0
		ch := sub.OpenChannel(context.Background(), TableNotifications, FilterAll, func(ChangeEvent) { events++ })
		sub.CloseChannel(ch)
		sub.CloseChannel(ch)
		ch.Close()

		if !ch.Closed() || sub.Open() != 0 || mem.Joined() != 0 {
			t.Fatalf("expected channel gone, open=%d joined=%d", sub.Open(), mem.Joined())
		}
		ch.deliver(ChangeEvent{Table: TableNotifications, Type: EventInsert})
		ch.ack(StatusChannelError)
		if events != 0 || statuses != 1 {
			t.Fatalf("expected nothing forwarded after close, events=%d statuses=%d", events, statuses)
		}
	})

	t.Run("close all", func(t *testing.T) {
		mem := NewMemoryBackend(newFakeClock())
		sub := NewSubscriber(mem, &SubscriberConfig{Logger: discardLogger()})
		for _, table := range []string{TableClientMessages, TableNotifications, TableProjects} {
			sub.OpenChannel(context.Background(), table, FilterAll, nil)
		}
		sub.CloseAll()
		if sub.Open() != 0 || mem.Joined() != 0 {
			t.Fatalf("expected all channels closed, open=%d joined=%d", sub.Open(), mem.Joined())
		}
	})

	t.Run("counts forwarded events", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())
		mem := NewMemoryBackend(newFakeClock())
		sub := NewSubscriber(mem, &SubscriberConfig{Logger: discardLogger(), Metrics: metrics})
		sub.OpenChannel(context.Background(), TableChatMessages, FilterAll, func(ChangeEvent) {})

		mem.Emit(ChangeEvent{Table: TableChatMessages, Type: EventInsert})
		mem.Emit(ChangeEvent{Table: TableChatMessages, Type: EventInsert})
		if got := testutil.ToFloat64(metrics.ChannelEvents.WithLabelValues(TableChatMessages, "INSERT")); got != 2 {
			t.Fatalf("expected 2 counted events, got %v", got)
		}
	})
}

// closeDuringJoin is a transport that reports CLOSED and has the channel
// closed before Join returns.
type closeDuringJoin struct {
	left int
}

func (c *closeDuringJoin) Join(_ context.Context, _ ChannelSpec, _ func(ChangeEvent), onStatus func(SubscribeStatus)) func() {
	onStatus(StatusClosed)
	return func() { c.left++ }
}

func TestSubscriberCloseDuringJoin(t *testing.T) {
	tr := &closeDuringJoin{}
	var sub *Subscriber
	sub = NewSubscriber(tr, &SubscriberConfig{
		Logger: discardLogger(),
		OnStatus: func(ch *Channel, s SubscribeStatus) {
			if s == StatusClosed {
				sub.CloseChannel(ch)
			}
		},
	})
	ch := sub.OpenChannel(context.Background(), TableReports, FilterAll, nil)
	if !ch.Closed() {
		t.Fatal("expected channel closed")
	}
	if tr.left != 1 {
		t.Fatalf("expected transport left once, got %d", tr.left)
	}
}
