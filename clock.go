package livesync

import (
	"sync"
	"time"
)

// Clock abstracts time so the fallback timer and poll ticks can be driven by
// tests.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once after d.
	AfterFunc(d time.Duration, f func()) Timer
	// NewTicker calls f every d until stopped.
	NewTicker(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback. Stop reports whether the call stopped an
// active timer.
type Timer interface {
	Stop() bool
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (systemClock) NewTicker(d time.Duration, f func()) Timer {
	t := &tickerTimer{
		ticker: time.NewTicker(d),
		stopCh: make(chan struct{}),
	}
	go t.loop(f)
	return t
}

type tickerTimer struct {
	ticker *time.Ticker
	stopCh chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (t *tickerTimer) loop(f func()) {
	defer t.ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.ticker.C:
			f()
		}
	}
}

func (t *tickerTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	close(t.stopCh)
	return true
}
