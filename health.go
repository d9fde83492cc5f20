package livesync

import (
	"slices"
	"sync"
	"time"
)

// DefaultFallbackTimeout is how long a channel may stay unconfirmed before
// the view falls back to polling.
const DefaultFallbackTimeout = 10 * time.Second

// Fallback reasons passed to the error callback.
const (
	ReasonChannelError = "channel_error"
	ReasonTimedOut     = "timed_out"
	ReasonNoAck        = "no_ack"
)

// HealthMonitor tracks channel acknowledgements and decides when push
// delivery is untrusted.
//
//	disconnected -> connecting      ChannelOpened (arms the fallback timer)
//	connecting   -> connected       SUBSCRIBED
//	connecting   -> error           CHANNEL_ERROR, TIMED_OUT or timer expiry
//	connected    -> error           CHANNEL_ERROR, TIMED_OUT
//	any          -> disconnected    Reset
//
// Error is sticky until Reset. onError runs once per transition into error.
//
// Status is an aggregate over every open channel and there is one fallback
// timer. The first SUBSCRIBED from any channel disarms it, so a sibling that
// never acknowledges does not trigger the fallback on its own; only an
// explicit CHANNEL_ERROR or TIMED_OUT from it does.
type HealthMonitor struct {
	clock   Clock
	timeout time.Duration
	onError func(reason string)

	mu        sync.Mutex
	status    ConnectionStatus
	timer     Timer
	gen       uint64
	listeners []func(ConnectionStatus)
}

// NewHealthMonitor creates a monitor in the disconnected state.
func NewHealthMonitor(clock Clock, timeout time.Duration, onError func(reason string)) *HealthMonitor {
	if clock == nil {
		clock = SystemClock
	}
	if timeout <= 0 {
		timeout = DefaultFallbackTimeout
	}
	return &HealthMonitor{
		clock:   clock,
		timeout: timeout,
		onError: onError,
		status:  ConnDisconnected,
	}
}

// Status returns the current connection status.
func (h *HealthMonitor) Status() ConnectionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// OnChange registers fn to be called after every status transition.
func (h *HealthMonitor) OnChange(fn func(ConnectionStatus)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// ChannelOpened records that a channel join was issued. From disconnected it
// moves to connecting and arms the fallback timer.
func (h *HealthMonitor) ChannelOpened() {
	h.mu.Lock()
	if h.status != ConnDisconnected {
		h.mu.Unlock()
		return
	}
	h.gen++
	gen := h.gen
	h.timer = h.clock.AfterFunc(h.timeout, func() { h.expire(gen) })
	listeners := h.setLocked(ConnConnecting)
	h.mu.Unlock()
	notify(listeners, ConnConnecting)
}

// Ack applies a channel acknowledgement.
func (h *HealthMonitor) Ack(status SubscribeStatus) {
	switch {
	case status == StatusSubscribed:
		h.mu.Lock()
		if h.status != ConnConnecting {
			h.mu.Unlock()
			return
		}
		h.stopTimerLocked()
		listeners := h.setLocked(ConnConnected)
		h.mu.Unlock()
		notify(listeners, ConnConnected)
	case status.Failed():
		reason := ReasonChannelError
		if status == StatusTimedOut {
			reason = ReasonTimedOut
		}
		h.fail(reason, 0)
	}
}

// Reset cancels the fallback timer and returns to disconnected.
func (h *HealthMonitor) Reset() {
	h.mu.Lock()
	h.gen++
	h.stopTimerLocked()
	if h.status == ConnDisconnected {
		h.mu.Unlock()
		return
	}
	listeners := h.setLocked(ConnDisconnected)
	h.mu.Unlock()
	notify(listeners, ConnDisconnected)
}

func (h *HealthMonitor) expire(gen uint64) {
	h.fail(ReasonNoAck, gen)
}

// fail moves connecting or connected to error. A non-zero gen restricts the
// transition to the timer armed with that generation.
func (h *HealthMonitor) fail(reason string, gen uint64) {
	h.mu.Lock()
	if gen != 0 && gen != h.gen {
		h.mu.Unlock()
		return
	}
	if h.status != ConnConnecting && h.status != ConnConnected {
		h.mu.Unlock()
		return
	}
	h.stopTimerLocked()
	listeners := h.setLocked(ConnError)
	onError := h.onError
	h.mu.Unlock()

	notify(listeners, ConnError)
	if onError != nil {
		onError(reason)
	}
}

func (h *HealthMonitor) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *HealthMonitor) setLocked(s ConnectionStatus) []func(ConnectionStatus) {
	h.status = s
	return slices.Clone(h.listeners)
}

func notify(listeners []func(ConnectionStatus), s ConnectionStatus) {
	for _, fn := range listeners {
		fn(s)
	}
}
