package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ViewConfig configures a View.
type ViewConfig struct {
	// Name labels logs and metrics. Defaults to "view".
	Name string

	// FallbackTimeout is how long channels may stay unconfirmed before
	// polling starts. Defaults to 10s.
	FallbackTimeout time.Duration

	// PollInterval defaults to 30s.
	PollInterval time.Duration

	Clock   Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *ViewConfig) defaults() {
	if c.Name == "" {
		c.Name = "view"
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = DefaultFallbackTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Binding routes change events of one table to a set of collections.
type Binding struct {
	Table       string
	Filter      EventFilter
	Collections []string
}

// View keeps a set of collections current. On Start it fetches every
// collection, then opens one channel per binding. Push events refresh the
// bound collections; when channels fail or stay unconfirmed it polls every
// collection at a fixed interval until Stop.
type View struct {
	config  ViewConfig
	logger  *slog.Logger
	sub     *Subscriber
	poller  *Poller
	monitor *HealthMonitor

	mu          sync.Mutex
	collections map[string]Collection
	order       []string
	bindings    []Binding
	started     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	listeners   []func(ConnectionStatus, DeliveryMode)
}

// NewView creates a view whose channels are joined on transport.
func NewView(transport Transport, config *ViewConfig) *View {
	cfg := ViewConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	v := &View{
		config:      cfg,
		logger:      cfg.Logger.With("view", cfg.Name),
		poller:      NewPoller(cfg.Clock),
		collections: make(map[string]Collection),
	}
	v.sub = NewSubscriber(transport, &SubscriberConfig{
		Logger:   v.logger,
		Metrics:  cfg.Metrics,
		OnStatus: func(_ *Channel, s SubscribeStatus) { v.monitor.Ack(s) },
	})
	v.monitor = NewHealthMonitor(cfg.Clock, cfg.FallbackTimeout, v.fallback)
	v.monitor.OnChange(v.statusChanged)
	cfg.Metrics.connectionStatus(cfg.Name, ConnDisconnected)
	return v
}

// Register adds a collection. Registering after Start has no effect on the
// mount fetch.
func (v *View) Register(c Collection) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.collections[c.Name()]; !ok {
		v.order = append(v.order, c.Name())
	}
	v.collections[c.Name()] = c
}

// Bind routes events of b.Table to the named collections.
func (v *View) Bind(b Binding) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bindings = append(v.bindings, b)
}

// OnStatusChange registers fn to run on every connection status change.
func (v *View) OnStatusChange(fn func(ConnectionStatus, DeliveryMode)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Start fetches every collection and opens the channels. Fetch failures are
// logged and leave the collection empty; they do not fail Start. An unknown
// bound table fails Start before anything is fetched or joined. Start returns
// ErrViewStopped when Stop wins a race with it, and leaves nothing open.
func (v *View) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return ErrViewStopped
	}
	if v.started {
		v.mu.Unlock()
		return nil
	}
	for _, b := range v.bindings {
		if !KnownTable(b.Table) {
			v.mu.Unlock()
			return fmt.Errorf("bind %q: %w", b.Table, ErrUnknownTable)
		}
	}
	v.started = true
	v.ctx, v.cancel = context.WithCancel(ctx)
	runCtx := v.ctx
	bindings := slices.Clone(v.bindings)
	v.mu.Unlock()

	if err := v.RefreshAll(runCtx, TriggerMount); err != nil && !errors.Is(err, ErrViewStopped) {
		v.logger.Warn("initial fetch incomplete", "error", err)
	}

	opened := make([]*Channel, 0, len(bindings))
	for _, b := range bindings {
		if v.isStopped() {
			v.abortStart(opened)
			return ErrViewStopped
		}
		names := b.Collections
		v.monitor.ChannelOpened()
		opened = append(opened, v.sub.OpenChannel(runCtx, b.Table, b.Filter, func(ev ChangeEvent) {
			v.logger.Debug("change event", "table", ev.Table, "event", string(ev.Type))
			v.refresh(runCtx, names, TriggerEvent)
		}))
	}
	// Stop may have run while the last channel was joining.
	if v.isStopped() {
		v.abortStart(opened)
		return ErrViewStopped
	}
	return nil
}

func (v *View) isStopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// abortStart undoes the channels and fallback timer a Start armed after Stop
// had already torn the view down.
func (v *View) abortStart(opened []*Channel) {
	for _, ch := range opened {
		ch.Close()
	}
	v.poller.Stop()
	v.monitor.Reset()
}

// Stop closes every channel, stops polling and the fallback timer, and
// drops fetches still in flight. A stopped view cannot be restarted.
func (v *View) Stop() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	cancel := v.cancel
	cols := make([]Collection, 0, len(v.collections))
	for _, c := range v.collections {
		cols = append(cols, c)
	}
	v.mu.Unlock()

	for _, c := range cols {
		c.Close()
	}
	if cancel != nil {
		cancel()
	}
	v.sub.CloseAll()
	v.poller.Stop()
	v.monitor.Reset()
	v.logger.Info("view stopped")
}

// RefreshAll refreshes every registered collection in parallel.
func (v *View) RefreshAll(ctx context.Context, trigger Trigger) error {
	v.mu.Lock()
	names := slices.Clone(v.order)
	v.mu.Unlock()
	return v.refresh(ctx, names, trigger)
}

// Refresh refreshes the named collections in parallel.
func (v *View) Refresh(ctx context.Context, trigger Trigger, names ...string) error {
	return v.refresh(ctx, names, trigger)
}

func (v *View) refresh(ctx context.Context, names []string, trigger Trigger) error {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return ErrViewStopped
	}
	cols := make([]Collection, 0, len(names))
	for _, n := range names {
		if c, ok := v.collections[n]; ok {
			cols = append(cols, c)
		}
	}
	v.mu.Unlock()

	if len(cols) == 1 {
		return cols[0].Refresh(ctx, trigger)
	}

	errs := make([]error, len(cols))
	var wg sync.WaitGroup
	for i, c := range cols {
		wg.Add(1)
		go func(i int, c Collection) {
			defer wg.Done()
			if err := c.Refresh(ctx, trigger); err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
			}
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Status returns the aggregate connection status.
func (v *View) Status() ConnectionStatus {
	return v.monitor.Status()
}

// Mode reports whether the view relies on push events or polling.
func (v *View) Mode() DeliveryMode {
	return modeFor(v.monitor.Status())
}

// Polling reports whether the poll ticker is active.
func (v *View) Polling() bool {
	return v.poller.Running()
}

func modeFor(s ConnectionStatus) DeliveryMode {
	if s == ConnError {
		return ModePolling
	}
	return ModeRealtime
}

func (v *View) fallback(reason string) {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	ctx := v.ctx
	started := v.poller.Start(v.config.PollInterval, func() { v.pollTick(ctx) })
	v.mu.Unlock()

	v.config.Metrics.fallback(v.config.Name, reason)
	if started {
		v.logger.Warn("push delivery unavailable, polling", "reason", reason, "interval", v.config.PollInterval)
	}
}

func (v *View) pollTick(ctx context.Context) {
	v.config.Metrics.pollTick(v.config.Name)
	if err := v.RefreshAll(ctx, TriggerPoll); err != nil && !errors.Is(err, ErrViewStopped) {
		v.logger.Debug("poll refresh incomplete", "error", err)
	}
}

func (v *View) statusChanged(s ConnectionStatus) {
	v.config.Metrics.connectionStatus(v.config.Name, s)
	v.logger.Info("connection status", "status", string(s))

	v.mu.Lock()
	listeners := slices.Clone(v.listeners)
	v.mu.Unlock()
	mode := modeFor(s)
	for _, fn := range listeners {
		fn(s, mode)
	}
}
