package livesync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for refreshes, channels and
// fallback. A nil *Metrics records nothing.
//
//	reg := prometheus.NewRegistry()
//	m := livesync.NewMetrics(reg)
type Metrics struct {
	// RefreshTotal counts refreshes.
	// Labels: collection, trigger (mount|event|poll|manual), status (success|error)
	RefreshTotal *prometheus.CounterVec

	// RefreshDuration measures fetch latency in seconds.
	// Labels: collection
	RefreshDuration *prometheus.HistogramVec

	// StaleFetchDiscarded counts completions dropped because a newer fetch
	// had already been applied.
	StaleFetchDiscarded *prometheus.CounterVec

	// ChannelEvents counts forwarded change events.
	// Labels: table, event (INSERT|UPDATE|DELETE)
	ChannelEvents *prometheus.CounterVec

	// ConnectionStatus is 0 disconnected, 1 connecting, 2 connected, 3 error.
	ConnectionStatus *prometheus.GaugeVec

	PollTicks *prometheus.CounterVec

	// FallbackActivations counts transitions into polling.
	// Labels: view, reason (channel_error|timed_out|no_ack)
	FallbackActivations *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_refresh_total",
				Help: "Total number of collection refreshes",
			},
			[]string{"collection", "trigger", "status"},
		),
		RefreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livesync_refresh_duration_seconds",
				Help:    "Duration of collection fetches in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"collection"},
		),
		StaleFetchDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_stale_fetch_discarded_total",
				Help: "Fetch completions discarded because a newer fetch was applied",
			},
			[]string{"collection"},
		),
		ChannelEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_channel_events_total",
				Help: "Change events forwarded by open channels",
			},
			[]string{"table", "event"},
		),
		ConnectionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "livesync_connection_status",
				Help: "Connection status per view (0 disconnected, 1 connecting, 2 connected, 3 error)",
			},
			[]string{"view"},
		),
		PollTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_poll_ticks_total",
				Help: "Polling fallback ticks",
			},
			[]string{"view"},
		),
		FallbackActivations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_fallback_activations_total",
				Help: "Transitions from push delivery into polling",
			},
			[]string{"view", "reason"},
		),
	}
}

func (m *Metrics) refresh(collection string, trigger Trigger, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RefreshTotal.WithLabelValues(collection, string(trigger), status).Inc()
	m.RefreshDuration.WithLabelValues(collection).Observe(d.Seconds())
}

func (m *Metrics) staleDiscarded(collection string) {
	if m == nil {
		return
	}
	m.StaleFetchDiscarded.WithLabelValues(collection).Inc()
}

func (m *Metrics) channelEvent(table string, ev EventType) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(table, string(ev)).Inc()
}

func (m *Metrics) connectionStatus(view string, s ConnectionStatus) {
	if m == nil {
		return
	}
	m.ConnectionStatus.WithLabelValues(view).Set(s.gaugeValue())
}

func (m *Metrics) pollTick(view string) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(view).Inc()
}

func (m *Metrics) fallback(view, reason string) {
	if m == nil {
		return
	}
	m.FallbackActivations.WithLabelValues(view, reason).Inc()
}
