package livesync

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced Clock. Due callbacks run synchronously
// inside Advance, on the caller's goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers map[int]*fakeTimer
}

type fakeTimer struct {
	clock  *fakeClock
	id     int
	at     time.Time
	period time.Duration
	fn     func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:    time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		timers: make(map[int]*fakeTimer),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.schedule(d, 0, f)
}

func (c *fakeClock) NewTicker(d time.Duration, f func()) Timer {
	return c.schedule(d, d, f)
}

func (c *fakeClock) schedule(d, period time.Duration, f func()) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, id: c.seq, at: c.now.Add(d), period: period, fn: f}
	c.timers[t.id] = t
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

// Advance moves the clock forward by d, firing every timer that comes due in
// order. Tickers fire once per elapsed period.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			delete(c.timers, next.id)
		}
		fn := next.fn
		c.mu.Unlock()
		fn()
	}
}

func (c *fakeClock) nextDueLocked(target time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

// Active returns the number of timers and tickers still scheduled.
func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Tickers returns the number of running tickers.
func (c *fakeClock) Tickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.period > 0 {
			n++
		}
	}
	return n
}
