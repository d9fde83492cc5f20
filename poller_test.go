package livesync

import (
	"testing"
	"time"
)

func TestPoller(t *testing.T) {
	t.Run("ticks at interval", func(t *testing.T) {
		clock := newFakeClock()
		p := NewPoller(clock)
		ticks := 0
		if !p.Start(30*time.Second, func() { ticks++ }) {
			t.Fatal("expected Start to begin polling")
		}
		clock.Advance(29 * time.Second)
		if ticks != 0 {
			t.Fatalf("expected no tick before interval, got %d", ticks)
		}
		clock.Advance(time.Second)
		clock.Advance(60 * time.Second)
		if ticks != 3 {
			t.Fatalf("expected 3 ticks, got %d", ticks)
		}
	})

	t.Run("start while running is a no-op", func(t *testing.T) {
		clock := newFakeClock()
		p := NewPoller(clock)
		first, second := 0, 0
		p.Start(10*time.Second, func() { first++ })
		if p.Start(time.Second, func() { second++ }) {
			t.Fatal("expected second Start to report false")
		}
		if clock.Tickers() != 1 {
			t.Fatalf("expected exactly one ticker, got %d", clock.Tickers())
		}
		clock.Advance(10 * time.Second)
		if first != 1 || second != 0 {
			t.Fatalf("expected only the first callback, got first=%d second=%d", first, second)
		}
	})

	t.Run("stop cancels and allows restart", func(t *testing.T) {
		clock := newFakeClock()
		p := NewPoller(clock)
		ticks := 0
		p.Start(time.Second, func() { ticks++ })
		p.Stop()
		p.Stop()
		if p.Running() {
			t.Fatal("expected poller stopped")
		}
		clock.Advance(5 * time.Second)
		if ticks != 0 {
			t.Fatalf("expected no ticks after Stop, got %d", ticks)
		}
		if !p.Start(time.Second, func() { ticks++ }) {
			t.Fatal("expected restart after Stop")
		}
		clock.Advance(time.Second)
		if ticks != 1 {
			t.Fatalf("expected 1 tick after restart, got %d", ticks)
		}
	})

	t.Run("zero interval uses default", func(t *testing.T) {
		clock := newFakeClock()
		p := NewPoller(clock)
		ticks := 0
		p.Start(0, func() { ticks++ })
		clock.Advance(DefaultPollInterval - time.Second)
		if ticks != 0 {
			t.Fatalf("expected no tick yet, got %d", ticks)
		}
		clock.Advance(time.Second)
		if ticks != 1 {
			t.Fatalf("expected 1 tick at default interval, got %d", ticks)
		}
	})
}

func TestSystemClockTicker(t *testing.T) {
	ticks := make(chan struct{}, 8)
	tk := SystemClock.NewTicker(5*time.Millisecond, func() { ticks <- struct{}{} })
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("ticker never fired")
	}
	if !tk.Stop() {
		t.Fatal("expected first Stop to report true")
	}
	if tk.Stop() {
		t.Fatal("expected second Stop to report false")
	}
}
