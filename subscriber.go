package livesync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ChannelSpec describes a channel join request handed to a Transport.
type ChannelSpec struct {
	ID     string
	Topic  string
	Schema string
	Table  string
	Filter EventFilter
}

// Transport delivers change events for joined channels. Join reports
// acknowledgements through onStatus and returns a function that leaves the
// channel. Callbacks may run on any goroutine and may run before Join
// returns.
type Transport interface {
	Join(ctx context.Context, spec ChannelSpec, onEvent func(ChangeEvent), onStatus func(SubscribeStatus)) (leave func())
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// Schema defaults to "public".
	Schema string
	// OnStatus receives every acknowledgement of every open channel.
	OnStatus func(ch *Channel, status SubscribeStatus)
	Logger   *slog.Logger
	Metrics  *Metrics
}

func (c *SubscriberConfig) defaults() {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Subscriber opens change-event channels on a Transport. It never
// reconnects on its own.
type Subscriber struct {
	transport Transport
	config    SubscriberConfig

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewSubscriber creates a subscriber over transport.
func NewSubscriber(transport Transport, config *SubscriberConfig) *Subscriber {
	cfg := SubscriberConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Subscriber{
		transport: transport,
		config:    cfg,
		channels:  make(map[string]*Channel),
	}
}

// Channel is an open subscription to one table.
type Channel struct {
	ID     string
	Topic  string
	Table  string
	Filter EventFilter

	sub     *Subscriber
	onEvent func(ChangeEvent)

	mu     sync.Mutex
	closed bool
	leave  func()
}

// OpenChannel joins a channel for table. onEvent receives events matching
// the table and filter until the channel is closed.
func (s *Subscriber) OpenChannel(ctx context.Context, table string, filter EventFilter, onEvent func(ChangeEvent)) *Channel {
	if filter == "" {
		filter = FilterAll
	}
	ch := &Channel{
		ID:      uuid.NewString(),
		Topic:   "realtime:" + s.config.Schema + ":" + table,
		Table:   table,
		Filter:  filter,
		sub:     s,
		onEvent: onEvent,
	}

	s.mu.Lock()
	s.channels[ch.ID] = ch
	s.mu.Unlock()

	spec := ChannelSpec{
		ID:     ch.ID,
		Topic:  ch.Topic,
		Schema: s.config.Schema,
		Table:  table,
		Filter: filter,
	}
	leave := s.transport.Join(ctx, spec, ch.deliver, ch.ack)

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		if leave != nil {
			leave()
		}
		return ch
	}
	ch.leave = leave
	ch.mu.Unlock()

	s.config.Logger.Debug("channel opened", "table", table, "filter", string(filter), "channel", ch.ID)
	return ch
}

// CloseChannel closes ch. Closing an already closed channel is a no-op.
func (s *Subscriber) CloseChannel(ch *Channel) {
	if ch != nil {
		ch.Close()
	}
}

// CloseAll closes every channel opened by the subscriber.
func (s *Subscriber) CloseAll() {
	s.mu.Lock()
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
}

// Open returns the number of channels that are not closed.
func (s *Subscriber) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Close leaves the channel. After Close returns no further events or
// acknowledgements are forwarded.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	leave := c.leave
	c.leave = nil
	c.mu.Unlock()

	c.sub.mu.Lock()
	delete(c.sub.channels, c.ID)
	c.sub.mu.Unlock()

	if leave != nil {
		leave()
	}
	c.sub.config.Logger.Debug("channel closed", "table", c.Table, "channel", c.ID)
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) deliver(ev ChangeEvent) {
	if c.Closed() {
		return
	}
	if ev.Table != "" && ev.Table != c.Table {
		return
	}
	if !c.Filter.Matches(ev.Type) {
		return
	}
	c.sub.config.Metrics.channelEvent(c.Table, ev.Type)
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Channel) ack(status SubscribeStatus) {
	if c.Closed() {
		return
	}
	log := c.sub.config.Logger
	if status.Failed() {
		log.Warn("channel subscription failed", "table", c.Table, "status", string(status))
	} else {
		log.Debug("channel status", "table", c.Table, "status", string(status))
	}
	if fn := c.sub.config.OnStatus; fn != nil {
		fn(c, status)
	}
}
