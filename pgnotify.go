package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel is the Postgres channel the change trigger notifies on.
const NotifyChannel = "livesync_changes"

// PGNotifyConfig configures PGNotifyTransport.
type PGNotifyConfig struct {
	// Channel defaults to NotifyChannel.
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	// PingInterval keeps an idle connection checked. Defaults to 90s.
	PingInterval time.Duration
	Logger       *slog.Logger
}

func (c *PGNotifyConfig) defaults() {
	if c.Channel == "" {
		c.Channel = NotifyChannel
	}
	if c.MinReconnectInterval == 0 {
		c.MinReconnectInterval = 10 * time.Second
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = time.Minute
	}
	if c.PingInterval == 0 {
		c.PingInterval = 90 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// notifyListener is the subset of *pq.Listener the transport uses.
type notifyListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

type notifyPayload struct {
	Schema string    `json:"schema"`
	Table  string    `json:"table"`
	Type   EventType `json:"type"`
	ID     string    `json:"id"`
}

// PGNotifyTransport delivers change events from Postgres LISTEN/NOTIFY. The
// trigger installed by SQLGateway.Migrate sends {"table","type","id"} on
// NotifyChannel for every row change.
type PGNotifyTransport struct {
	dsn         string
	config      PGNotifyConfig
	logger      *slog.Logger
	newListener func(dsn string, cb pq.EventCallbackType) notifyListener

	mu        sync.Mutex
	listener  notifyListener
	listening bool
	joins     map[string]*pgJoin
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type pgJoin struct {
	spec     ChannelSpec
	onEvent  func(ChangeEvent)
	onStatus func(SubscribeStatus)
}

// NewPGNotifyTransport creates a transport listening on the database at dsn.
func NewPGNotifyTransport(dsn string, config *PGNotifyConfig) *PGNotifyTransport {
	cfg := PGNotifyConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	t := &PGNotifyTransport{
		dsn:    dsn,
		config: cfg,
		logger: cfg.Logger.With("transport", "pgnotify"),
		joins:  make(map[string]*pgJoin),
	}
	t.newListener = func(dsn string, cb pq.EventCallbackType) notifyListener {
		return pq.NewListener(dsn, cfg.MinReconnectInterval, cfg.MaxReconnectInterval, cb)
	}
	return t
}

// Join registers the channel. It is acknowledged once the LISTEN is active.
func (t *PGNotifyTransport) Join(_ context.Context, spec ChannelSpec, onEvent func(ChangeEvent), onStatus func(SubscribeStatus)) func() {
	j := &pgJoin{spec: spec, onEvent: onEvent, onStatus: onStatus}

	t.mu.Lock()
	t.joins[spec.ID] = j
	listening := t.listening
	start := t.listener == nil
	if start {
		t.listener = t.newListener(t.dsn, t.onListenerEvent)
		t.stopCh = make(chan struct{})
	}
	listener := t.listener
	stopCh := t.stopCh
	t.mu.Unlock()

	switch {
	case start:
		t.wg.Add(1)
		go t.run(listener, stopCh)
	case listening:
		safeCall(func() { onStatus(StatusSubscribed) })
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.leave(spec.ID) })
	}
}

// Close stops listening and waits for the receive loop to exit.
func (t *PGNotifyTransport) Close() error {
	t.mu.Lock()
	t.joins = make(map[string]*pgJoin)
	listener, stopCh := t.detachLocked()
	t.mu.Unlock()

	var err error
	if listener != nil {
		close(stopCh)
		err = listener.Close()
	}
	t.wg.Wait()
	return err
}

// leave drops the join and, when it was the last one, stops the listener
// without waiting, so it is safe to call from an event callback.
func (t *PGNotifyTransport) leave(id string) {
	t.mu.Lock()
	delete(t.joins, id)
	var listener notifyListener
	var stopCh chan struct{}
	if len(t.joins) == 0 {
		listener, stopCh = t.detachLocked()
	}
	t.mu.Unlock()

	if listener != nil {
		close(stopCh)
		go func() {
			if err := listener.Close(); err != nil {
				t.logger.Debug("listener close failed", "error", err)
			}
		}()
	}
}

func (t *PGNotifyTransport) detachLocked() (notifyListener, chan struct{}) {
	listener, stopCh := t.listener, t.stopCh
	t.listener = nil
	t.stopCh = nil
	t.listening = false
	return listener, stopCh
}

func (t *PGNotifyTransport) run(listener notifyListener, stopCh chan struct{}) {
	defer t.wg.Done()

	if err := listener.Listen(t.config.Channel); err != nil {
		select {
		case <-stopCh:
			return
		default:
		}
		t.logger.Warn("listen failed", "channel", t.config.Channel, "error", err)
		t.broadcast(StatusChannelError)
		return
	}
	t.mu.Lock()
	if t.listener == listener {
		t.listening = true
	}
	t.mu.Unlock()
	t.broadcast(StatusSubscribed)

	ping := time.NewTicker(t.config.PingInterval)
	defer ping.Stop()
	notifications := listener.NotificationChannel()
	for {
		select {
		case <-stopCh:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			t.handle(n)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				t.logger.Warn("listener ping failed", "error", err)
			}
		}
	}
}

// handle routes a notification. A nil notification follows a reconnect, so
// every channel gets a synthetic event to catch up.
func (t *PGNotifyTransport) handle(n *pq.Notification) {
	if n == nil {
		for _, j := range t.snapshot() {
			ev := ChangeEvent{Table: j.spec.Table, Schema: j.spec.Schema, Type: EventUpdate}
			safeCall(func() { j.onEvent(ev) })
		}
		return
	}

	var p notifyPayload
	if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
		t.logger.Debug("bad notification payload", "payload", n.Extra, "error", err)
		return
	}
	record, _ := json.Marshal(map[string]string{"id": p.ID})
	ev := ChangeEvent{Table: p.Table, Schema: p.Schema, Type: p.Type, Record: record}
	if ev.Schema == "" {
		ev.Schema = "public"
	}
	for _, j := range t.snapshot() {
		if j.spec.Table == p.Table {
			safeCall(func() { j.onEvent(ev) })
		}
	}
}

func (t *PGNotifyTransport) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		t.mu.Lock()
		t.listening = false
		t.mu.Unlock()
		t.logger.Warn("listener connection lost", "error", err)
		t.broadcast(StatusChannelError)
	case pq.ListenerEventReconnected:
		t.mu.Lock()
		t.listening = true
		t.mu.Unlock()
		t.logger.Info("listener reconnected")
		t.broadcast(StatusSubscribed)
	}
}

func (t *PGNotifyTransport) broadcast(s SubscribeStatus) {
	for _, j := range t.snapshot() {
		safeCall(func() { j.onStatus(s) })
	}
}

func (t *PGNotifyTransport) snapshot() []*pgJoin {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pgJoin, 0, len(t.joins))
	for _, j := range t.joins {
		out = append(out, j)
	}
	return out
}

// String identifies the transport in logs.
func (t *PGNotifyTransport) String() string {
	return fmt.Sprintf("pgnotify(%s)", t.config.Channel)
}
