package livesync

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.refresh("sessions", TriggerEvent, nil, 20*time.Millisecond)
	m.refresh("sessions", TriggerPoll, errors.New("down"), time.Second)
	m.connectionStatus("chat", ConnError)
	m.pollTick("chat")
	m.fallback("chat", "channel_error")

	if got := testutil.ToFloat64(m.RefreshTotal.WithLabelValues("sessions", "event", "success")); got != 1 {
		t.Fatalf("expected 1 successful event refresh, got %v", got)
	}
	if got := testutil.ToFloat64(m.RefreshTotal.WithLabelValues("sessions", "poll", "error")); got != 1 {
		t.Fatalf("expected 1 failed poll refresh, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("chat")); got != 3 {
		t.Fatalf("expected error gauge 3, got %v", got)
	}
	if got := testutil.CollectAndCount(m.RefreshDuration); got != 1 {
		t.Fatalf("expected one duration series, got %d", got)
	}
	if got := testutil.ToFloat64(m.FallbackActivations.WithLabelValues("chat", "channel_error")); got != 1 {
		t.Fatalf("expected one fallback, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.refresh("sessions", TriggerMount, nil, 0)
	m.staleDiscarded("sessions")
	m.channelEvent(TableChatMessages, EventInsert)
	m.connectionStatus("chat", ConnConnected)
	m.pollTick("chat")
	m.fallback("chat", "timed_out")
}

func TestConnectionStatusGauge(t *testing.T) {
	for s, want := range map[ConnectionStatus]float64{
		ConnDisconnected: 0,
		ConnConnecting:   1,
		ConnConnected:    2,
		ConnError:        3,
	} {
		if got := s.gaugeValue(); got != want {
			t.Fatalf("%s: expected %v, got %v", s, want, got)
		}
	}
}
