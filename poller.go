package livesync

import (
	"sync"
	"time"
)

// DefaultPollInterval is the fallback refresh interval.
const DefaultPollInterval = 30 * time.Second

// Poller runs a callback at a fixed interval. At most one ticker is active.
type Poller struct {
	clock Clock

	mu     sync.Mutex
	ticker Timer
}

// NewPoller creates an idle poller. A nil clock uses the wall clock.
func NewPoller(clock Clock) *Poller {
	if clock == nil {
		clock = SystemClock
	}
	return &Poller{clock: clock}
}

// Start begins calling fn every interval. It returns false and does nothing
// when the poller is already running.
func (p *Poller) Start(interval time.Duration, fn func()) bool {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		return false
	}
	p.ticker = p.clock.NewTicker(interval, fn)
	return true
}

// Stop cancels the ticker. Stopping an idle poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	t := p.ticker
	p.ticker = nil
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Running reports whether a ticker is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticker != nil
}
