package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// phxMessage is the realtime wire frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	phxSystem    = "system"
	phxChanges   = "postgres_changes"
	phxTopic     = "phoenix"
)

type postgresChangeConfig struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type joinPayload struct {
	Config struct {
		Broadcast struct {
			Self bool `json:"self"`
		} `json:"broadcast"`
		Presence struct {
			Key string `json:"key"`
		} `json:"presence"`
		PostgresChanges []postgresChangeConfig `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type systemPayload struct {
	Status    string `json:"status"`
	Extension string `json:"extension"`
	Message   string `json:"message"`
}

type changesPayload struct {
	Data struct {
		Schema          string          `json:"schema"`
		Table           string          `json:"table"`
		Type            EventType       `json:"type"`
		CommitTimestamp string          `json:"commit_timestamp"`
		Record          json.RawMessage `json:"record,omitempty"`
		OldRecord       json.RawMessage `json:"old_record,omitempty"`
	} `json:"data"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures WSTransport.
type RealtimeConfig struct {
	APIKey               string
	AccessToken          string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// JoinTimeout bounds the wait for a join reply before TIMED_OUT.
	JoinTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the socket state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport joins postgres_changes channels over the realtime websocket.
// One socket is shared by every channel; it is dialed on the first Join and
// closed when the last channel leaves. After an unexpected disconnect every
// channel gets CHANNEL_ERROR and, with AutoReconnect, is rejoined once the
// socket is back.
type WSTransport struct {
	baseURL string
	config  *RealtimeConfig
	logger  *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	refCounter       uint64
	joins            map[string]*wsJoin
	replies          map[string]func(replyPayload)
	recon            *reconnector
}

type wsJoin struct {
	spec     ChannelSpec
	onEvent  func(ChangeEvent)
	onStatus func(SubscribeStatus)

	mu      sync.Mutex
	joinRef string
	timer   *time.Timer
	left    bool
}

// NewWSTransport creates a transport for the realtime endpoint under
// baseURL.
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		logger:  cfg.Logger.With("transport", "websocket"),
		state:   StateDisconnected,
		joins:   make(map[string]*wsJoin),
		replies: make(map[string]func(replyPayload)),
		recon:   newReconnector(&cfg),
	}
}

// State returns the socket state.
func (t *WSTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetAccessToken changes the token sent with later joins.
func (t *WSTransport) SetAccessToken(token string) {
	t.mu.Lock()
	t.config.AccessToken = token
	t.mu.Unlock()
}

// Join registers the channel and joins it once the socket is up.
func (t *WSTransport) Join(ctx context.Context, spec ChannelSpec, onEvent func(ChangeEvent), onStatus func(SubscribeStatus)) func() {
	j := &wsJoin{spec: spec, onEvent: onEvent, onStatus: onStatus}
	t.mu.Lock()
	t.joins[spec.ID] = j
	t.mu.Unlock()

	go func() {
		if err := t.Connect(context.WithoutCancel(ctx)); err != nil {
			t.logger.Warn("realtime connect failed", "table", spec.Table, "error", err)
			j.status(StatusChannelError)
			return
		}
		t.sendJoin(ctx, j)
	}()

	var once sync.Once
	return func() {
		once.Do(func() { t.leave(j) })
	}
}

// Connect dials the socket if it is not already up.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	if t.state == StateConnecting {
		t.mu.Unlock()
		return t.waitConnected(ctx)
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, t.config.JoinTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, t.socketURL(), &websocket.DialOptions{HTTPClient: t.config.HTTPClient})
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	t.recon.markConnected()
	t.mu.Unlock()
	t.logger.Debug("realtime connected")

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx)
	return nil
}

func (t *WSTransport) waitConnected(ctx context.Context) error {
	deadline := time.NewTimer(t.config.JoinTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("websocket connect timed out")
		case <-tick.C:
			switch t.State() {
			case StateConnected:
				return nil
			case StateDisconnected:
				return fmt.Errorf("websocket connect failed")
			}
		}
	}
}

// Close leaves every channel and closes the socket.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	joins := make([]*wsJoin, 0, len(t.joins))
	for _, j := range t.joins {
		joins = append(joins, j)
	}
	t.mu.Unlock()
	for _, j := range joins {
		t.leave(j)
	}
	return t.disconnect()
}

func (t *WSTransport) disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.replies = make(map[string]func(replyPayload))
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *WSTransport) socketURL() string {
	u := strings.Replace(t.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("apikey", t.config.APIKey)
	q.Set("vsn", "1.0.0")
	return u + "/realtime/v1/websocket?" + q.Encode()
}

func (t *WSTransport) nextRef() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refCounter++
	return strconv.FormatUint(t.refCounter, 10)
}

func (t *WSTransport) send(ctx context.Context, msg phxMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// request sends msg and registers onReply for the matching phx_reply.
func (t *WSTransport) request(ctx context.Context, msg phxMessage, onReply func(replyPayload)) error {
	t.mu.Lock()
	t.replies[msg.Ref] = onReply
	t.mu.Unlock()
	if err := t.send(ctx, msg); err != nil {
		t.mu.Lock()
		delete(t.replies, msg.Ref)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *WSTransport) sendJoin(ctx context.Context, j *wsJoin) {
	ref := t.nextRef()

	var p joinPayload
	p.Config.PostgresChanges = []postgresChangeConfig{{
		Event:  string(j.spec.Filter),
		Schema: j.spec.Schema,
		Table:  j.spec.Table,
	}}
	t.mu.Lock()
	p.AccessToken = t.config.AccessToken
	if p.AccessToken == "" {
		p.AccessToken = t.config.APIKey
	}
	t.mu.Unlock()
	payload, _ := json.Marshal(p)

	j.mu.Lock()
	if j.left {
		j.mu.Unlock()
		return
	}
	j.joinRef = ref
	if j.timer != nil {
		j.timer.Stop()
	}
	j.timer = time.AfterFunc(t.config.JoinTimeout, func() {
		t.mu.Lock()
		_, pending := t.replies[ref]
		delete(t.replies, ref)
		t.mu.Unlock()
		if pending {
			t.logger.Warn("channel join timed out", "table", j.spec.Table)
			j.status(StatusTimedOut)
		}
	})
	j.mu.Unlock()

	err := t.request(ctx, phxMessage{
		Topic:   j.spec.Topic,
		Event:   phxJoin,
		Payload: payload,
		Ref:     ref,
		JoinRef: ref,
	}, func(r replyPayload) {
		j.stopTimer()
		if r.Status == "ok" {
			j.status(StatusSubscribed)
			return
		}
		t.logger.Warn("channel join rejected", "table", j.spec.Table, "response", string(r.Response))
		j.status(StatusChannelError)
	})
	if err != nil {
		j.stopTimer()
		t.logger.Warn("channel join send failed", "table", j.spec.Table, "error", err)
		j.status(StatusChannelError)
	}
}

func (t *WSTransport) leave(j *wsJoin) {
	j.mu.Lock()
	if j.left {
		j.mu.Unlock()
		return
	}
	j.left = true
	ref := j.joinRef
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.mu.Unlock()

	t.mu.Lock()
	delete(t.joins, j.spec.ID)
	if ref != "" {
		delete(t.replies, ref)
	}
	remaining := len(t.joins)
	connected := t.state == StateConnected
	t.mu.Unlock()

	if connected && ref != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = t.send(ctx, phxMessage{Topic: j.spec.Topic, Event: phxLeave, Payload: json.RawMessage("{}"), Ref: t.nextRef(), JoinRef: ref})
		cancel()
	}
	if remaining == 0 {
		_ = t.disconnect()
	}
}

func (t *WSTransport) joinsForTopic(topic string) []*wsJoin {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*wsJoin
	for _, j := range t.joins {
		if j.spec.Topic == topic {
			out = append(out, j)
		}
	}
	return out
}

func (t *WSTransport) allJoins() []*wsJoin {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*wsJoin, 0, len(t.joins))
	for _, j := range t.joins {
		out = append(out, j)
	}
	return out
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
				t.state = StateDisconnected
				if t.cancelFn != nil {
					t.cancelFn()
					t.cancelFn = nil
				}
				t.replies = make(map[string]func(replyPayload))
			}
			t.mu.Unlock()
			if intentional {
				return
			}

			t.logger.Warn("realtime disconnected", "error", err)
			for _, j := range t.allJoins() {
				j.stopTimer()
				j.status(StatusChannelError)
			}
			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				go t.scheduleReconnect()
			}
			return
		}

		var msg phxMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		t.dispatch(msg)
	}
}

func (t *WSTransport) dispatch(msg phxMessage) {
	switch msg.Event {
	case phxReply:
		var r replyPayload
		if json.Unmarshal(msg.Payload, &r) != nil {
			return
		}
		t.mu.Lock()
		fn, ok := t.replies[msg.Ref]
		delete(t.replies, msg.Ref)
		t.mu.Unlock()
		if ok {
			fn(r)
		}

	case phxChanges:
		var p changesPayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			return
		}
		ev := ChangeEvent{
			Table:           p.Data.Table,
			Schema:          p.Data.Schema,
			Type:            p.Data.Type,
			Record:          p.Data.Record,
			OldRecord:       p.Data.OldRecord,
			CommitTimestamp: p.Data.CommitTimestamp,
		}
		for _, j := range t.joinsForTopic(msg.Topic) {
			j := j
			go safeCall(func() { j.onEvent(ev) })
		}

	case phxSystem:
		var p systemPayload
		if json.Unmarshal(msg.Payload, &p) != nil || p.Status != "error" {
			return
		}
		t.logger.Warn("realtime system error", "topic", msg.Topic, "message", p.Message)
		for _, j := range t.joinsForTopic(msg.Topic) {
			j.status(StatusChannelError)
		}

	case phxError:
		for _, j := range t.joinsForTopic(msg.Topic) {
			j.status(StatusChannelError)
		}

	case phxClose:
		for _, j := range t.joinsForTopic(msg.Topic) {
			j.status(StatusClosed)
		}
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.heartbeat(ctx); err != nil {
				t.logger.Warn("realtime heartbeat failed", "error", err)
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// heartbeat sends a heartbeat and waits for its reply.
func (t *WSTransport) heartbeat(ctx context.Context) error {
	ref := t.nextRef()
	done := make(chan struct{}, 1)
	err := t.request(ctx, phxMessage{
		Topic:   phxTopic,
		Event:   phxHeartbeat,
		Payload: json.RawMessage("{}"),
		Ref:     ref,
	}, func(replyPayload) { done <- struct{}{} })
	if err != nil {
		return err
	}

	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		t.mu.Lock()
		delete(t.replies, ref)
		t.mu.Unlock()
		return fmt.Errorf("heartbeat timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WSTransport) scheduleReconnect() {
	for {
		t.mu.Lock()
		if t.intentionalClose || len(t.joins) == 0 {
			t.mu.Unlock()
			return
		}
		t.state = StateReconnecting
		delay := t.recon.nextDelay()
		attempt := t.recon.attempt
		t.mu.Unlock()

		t.logger.Info("realtime reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		t.mu.Lock()
		if t.state == StateReconnecting {
			t.state = StateDisconnected
		}
		t.mu.Unlock()

		if err := t.Connect(context.Background()); err == nil {
			for _, j := range t.allJoins() {
				t.sendJoin(context.Background(), j)
			}
			return
		}
		t.mu.Lock()
		retry := t.config.AutoReconnect && t.recon.shouldReconnect()
		t.mu.Unlock()
		if !retry {
			t.mu.Lock()
			t.state = StateDisconnected
			t.mu.Unlock()
			return
		}
	}
}

func (j *wsJoin) stopTimer() {
	j.mu.Lock()
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.mu.Unlock()
}

func (j *wsJoin) status(s SubscribeStatus) {
	j.mu.Lock()
	left := j.left
	j.mu.Unlock()
	if left {
		return
	}
	safeCall(func() { j.onStatus(s) })
}
