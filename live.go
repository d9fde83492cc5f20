package livesync

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
)

// Trigger names the cause of a refresh.
type Trigger string

const (
	TriggerMount  Trigger = "mount"
	TriggerEvent  Trigger = "event"
	TriggerPoll   Trigger = "poll"
	TriggerManual Trigger = "manual"
)

// Collection is a refreshable piece of view state.
type Collection interface {
	Name() string
	Refresh(ctx context.Context, trigger Trigger) error
	// Close makes later refreshes fail with ErrViewStopped and drops
	// completions of fetches still in flight.
	Close()
}

// FetchFunc loads the complete current value of a collection.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// LiveConfig configures a Live collection.
type LiveConfig struct {
	Clock   Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *LiveConfig) defaults() {
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Live holds the latest snapshot of a remote collection. Every successful
// refresh replaces the value wholesale; a failed refresh keeps the previous
// value. Fetches are numbered and a completion older than the last applied
// one is discarded.
type Live[T any] struct {
	name   string
	fetch  FetchFunc[T]
	config LiveConfig

	mu        sync.Mutex
	value     T
	loaded    bool
	updatedAt time.Time
	lastErr   error
	issued    uint64
	applied   uint64
	closed    bool
	listeners []func(T)
}

// NewLive creates an empty collection loaded by fetch.
func NewLive[T any](name string, fetch FetchFunc[T], config *LiveConfig) *Live[T] {
	cfg := LiveConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Live[T]{name: name, fetch: fetch, config: cfg}
}

func (l *Live[T]) Name() string { return l.name }

// Refresh fetches the collection and replaces the snapshot on success.
func (l *Live[T]) Refresh(ctx context.Context, trigger Trigger) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrViewStopped
	}
	l.issued++
	seq := l.issued
	l.mu.Unlock()

	ctx, span := startRefreshSpan(ctx, l.name, trigger)
	defer span.End()

	start := l.config.Clock.Now()
	v, err := l.fetch(ctx)
	l.config.Metrics.refresh(l.name, trigger, err, l.config.Clock.Now().Sub(start))

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrViewStopped
	}
	if err != nil {
		l.lastErr = err
		l.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.config.Logger.Warn("refresh failed", "collection", l.name, "trigger", string(trigger), "error", err)
		return err
	}
	if seq < l.applied {
		l.mu.Unlock()
		l.config.Metrics.staleDiscarded(l.name)
		l.config.Logger.Debug("stale fetch discarded", "collection", l.name, "seq", seq)
		return nil
	}
	l.applied = seq
	l.value = v
	l.loaded = true
	l.lastErr = nil
	l.updatedAt = l.config.Clock.Now()
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
	return nil
}

// Get returns the current snapshot.
func (l *Live[T]) Get() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Loaded reports whether any refresh has succeeded.
func (l *Live[T]) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// UpdatedAt returns when the snapshot last changed.
func (l *Live[T]) UpdatedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updatedAt
}

// Err returns the error of the last refresh, or nil if it succeeded.
func (l *Live[T]) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// OnChange registers fn to run with every new snapshot.
func (l *Live[T]) OnChange(fn func(T)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Mutate applies a local optimistic update. The next successful refresh
// overwrites it.
func (l *Live[T]) Mutate(fn func(T) T) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.value = fn(l.value)
	l.updatedAt = l.config.Clock.Now()
	v := l.value
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
}

func (l *Live[T]) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
