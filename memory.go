package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryBackend is a goroutine-safe in-process Gateway and Transport. Every
// mutation publishes a change event to the joined channels after the data
// lock is released, on the caller's goroutine.
//
//	mem := livesync.NewMemoryBackend(nil)
//	mem.Seed(livesync.TableChatSessions, livesync.ChatSession{ID: "s1", Name: "Ada"})
//	dash := livesync.NewChatDashboard(mem.Backend(), session, nil)
type MemoryBackend struct {
	clock Clock

	mu     sync.RWMutex
	tables map[string][]map[string]any
	faults map[string]*APIError

	subMu   sync.RWMutex
	subs    map[string]*memorySub
	joinAck SubscribeStatus
}

type memorySub struct {
	spec     ChannelSpec
	onEvent  func(ChangeEvent)
	onStatus func(SubscribeStatus)
}

// NewMemoryBackend creates an empty backend. A nil clock uses the wall
// clock for generated timestamps.
func NewMemoryBackend(clock Clock) *MemoryBackend {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryBackend{
		clock:   clock,
		tables:  make(map[string][]map[string]any),
		faults:  make(map[string]*APIError),
		subs:    make(map[string]*memorySub),
		joinAck: StatusSubscribed,
	}
}

// Backend returns m as both halves of a Backend.
func (m *MemoryBackend) Backend() Backend {
	return Backend{Gateway: m, Transport: m}
}

// Seed inserts rows without publishing events.
func (m *MemoryBackend) Seed(table string, rows ...any) error {
	if !KnownTable(table) {
		return fmt.Errorf("seed %q: %w", table, ErrUnknownTable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		row, err := toRow(r)
		if err != nil {
			return fmt.Errorf("seed %q: %w", table, err)
		}
		m.fillDefaults(table, row)
		m.tables[table] = append(m.tables[table], row)
	}
	return nil
}

// InjectError makes every later call of the named Gateway method fail with
// err. A nil err clears the fault.
func (m *MemoryBackend) InjectError(method string, err *APIError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, method)
		return
	}
	m.faults[method] = err
}

func (m *MemoryBackend) fault(method string) *Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.faults[method]; err != nil {
		return &Result{OK: false, Error: &APIError{Code: err.Code, Message: err.Message}}
	}
	return nil
}

// ============================================================================
// Gateway
// ============================================================================

func (m *MemoryBackend) FetchSessions(_ context.Context, filter SessionFilter) *Result {
	if r := m.fault("FetchSessions"); r != nil {
		return r
	}
	sessions, messages, err := m.chatRows()
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}
	return okResult(filterSessions(deriveSessions(sessions, messages), filter))
}

func (m *MemoryBackend) FetchStats(_ context.Context) *Result {
	if r := m.fault("FetchStats"); r != nil {
		return r
	}
	sessions, messages, err := m.chatRows()
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}
	unread := 0
	for _, msg := range messages {
		if msg.SenderType == SenderUser && !msg.IsRead {
			unread++
		}
	}
	return okResult(computeStats(sessions, unread, m.clock.Now()))
}

func (m *MemoryBackend) FetchSessionMessages(_ context.Context, sessionID string) *Result {
	if r := m.fault("FetchSessionMessages"); r != nil {
		return r
	}
	if sessionID == "" {
		return errResult(CodeInvalidInput, "session id is required")
	}
	_, messages, err := m.chatRows()
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}
	out := make([]ChatMessage, 0)
	for _, msg := range messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return okResult(out)
}

func (m *MemoryBackend) FetchTable(_ context.Context, table string, opts *ListOptions) *Result {
	if r := m.fault("FetchTable"); r != nil {
		return r
	}
	if !KnownTable(table) {
		return errResult(CodeUnknownTable, table)
	}
	m.mu.RLock()
	rows := make([]map[string]any, 0, len(m.tables[table]))
	for _, row := range m.tables[table] {
		if opts != nil && opts.UnreadOnly && readFlagTables[table] && row["is_read"] == true {
			continue
		}
		rows = append(rows, row)
	}
	data, err := json.Marshal(sortedNewestFirst(rows))
	m.mu.RUnlock()
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}

	if opts != nil && opts.Limit > 0 {
		var all []json.RawMessage
		if err := json.Unmarshal(data, &all); err == nil && len(all) > opts.Limit {
			return okResult(all[:opts.Limit])
		}
	}
	return &Result{OK: true, Data: data}
}

func (m *MemoryBackend) MarkRead(_ context.Context, table, id string) *Result {
	if r := m.fault("MarkRead"); r != nil {
		return r
	}
	if !readFlagTables[table] {
		return errResult(CodeUnknownTable, table)
	}
	m.mu.Lock()
	var events []ChangeEvent
	for _, row := range m.tables[table] {
		if row["id"] == id && row["is_read"] != true {
			old := cloneRow(row)
			row["is_read"] = true
			events = append(events, m.event(table, EventUpdate, row, old))
		}
	}
	m.mu.Unlock()
	m.publish(events)
	return &Result{OK: true}
}

func (m *MemoryBackend) MarkSessionRead(_ context.Context, sessionID string) *Result {
	if r := m.fault("MarkSessionRead"); r != nil {
		return r
	}
	if sessionID == "" {
		return errResult(CodeInvalidInput, "session id is required")
	}
	m.mu.Lock()
	var events []ChangeEvent
	for _, row := range m.tables[TableChatMessages] {
		if row["session_id"] == sessionID && row["sender_type"] == SenderUser && row["is_read"] != true {
			old := cloneRow(row)
			row["is_read"] = true
			events = append(events, m.event(TableChatMessages, EventUpdate, row, old))
		}
	}
	m.mu.Unlock()
	m.publish(events)
	return &Result{OK: true}
}

func (m *MemoryBackend) Insert(_ context.Context, table string, record any) *Result {
	if r := m.fault("Insert"); r != nil {
		return r
	}
	if !KnownTable(table) {
		return errResult(CodeUnknownTable, table)
	}
	if record == nil {
		return errResult(CodeInvalidInput, "record is required")
	}
	row, err := toRow(record)
	if err != nil {
		return errResult(CodeInvalidInput, err.Error())
	}

	m.mu.Lock()
	m.fillDefaults(table, row)
	m.tables[table] = append(m.tables[table], row)
	events := []ChangeEvent{m.event(table, EventInsert, row, nil)}
	if table == TableChatMessages {
		events = append(events, m.touchSessionLocked(row["session_id"])...)
	}
	data, err := json.Marshal(row)
	m.mu.Unlock()

	m.publish(events)
	if err != nil {
		return errResult(CodeDecode, err.Error())
	}
	return &Result{OK: true, Data: data}
}

func (m *MemoryBackend) ClearAll(_ context.Context, table string) *Result {
	if r := m.fault("ClearAll"); r != nil {
		return r
	}
	if !KnownTable(table) {
		return errResult(CodeUnknownTable, table)
	}
	m.mu.Lock()
	rows := m.tables[table]
	delete(m.tables, table)
	events := make([]ChangeEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, m.event(table, EventDelete, nil, row))
	}
	m.mu.Unlock()
	m.publish(events)
	return &Result{OK: true}
}

// touchSessionLocked bumps updated_at of the session a new message belongs
// to.
func (m *MemoryBackend) touchSessionLocked(sessionID any) []ChangeEvent {
	var events []ChangeEvent
	for _, row := range m.tables[TableChatSessions] {
		if row["id"] == sessionID {
			old := cloneRow(row)
			row["updated_at"] = m.clock.Now().UTC().Format(time.RFC3339Nano)
			events = append(events, m.event(TableChatSessions, EventUpdate, row, old))
		}
	}
	return events
}

func (m *MemoryBackend) chatRows() ([]ChatSession, []ChatMessage, error) {
	m.mu.RLock()
	sdata, err1 := json.Marshal(nonNil(m.tables[TableChatSessions]))
	mdata, err2 := json.Marshal(nonNil(m.tables[TableChatMessages]))
	m.mu.RUnlock()
	if err1 != nil {
		return nil, nil, err1
	}
	if err2 != nil {
		return nil, nil, err2
	}
	var sessions []ChatSession
	var messages []ChatMessage
	if err := json.Unmarshal(sdata, &sessions); err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(mdata, &messages); err != nil {
		return nil, nil, err
	}
	return sessions, messages, nil
}

func (m *MemoryBackend) fillDefaults(table string, row map[string]any) {
	now := m.clock.Now().UTC().Format(time.RFC3339Nano)
	if id, _ := row["id"].(string); id == "" {
		row["id"] = uuid.NewString()
	}
	if ts, _ := row["created_at"].(string); ts == "" || ts == zeroTime {
		row["created_at"] = now
	}
	switch table {
	case TableChatSessions:
		if ts, _ := row["updated_at"].(string); ts == "" || ts == zeroTime {
			row["updated_at"] = row["created_at"]
		}
		if s, _ := row["status"].(string); s == "" {
			row["status"] = SessionActive
		}
	case TableChatMessages, TableClientMessages, TableNotifications:
		if _, ok := row["is_read"]; !ok {
			row["is_read"] = false
		}
	}
}

var zeroTime = time.Time{}.Format(time.RFC3339Nano)

func (m *MemoryBackend) event(table string, t EventType, row, old map[string]any) ChangeEvent {
	ev := ChangeEvent{
		Table:           table,
		Schema:          "public",
		Type:            t,
		CommitTimestamp: m.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if row != nil {
		ev.Record, _ = json.Marshal(row)
	}
	if old != nil {
		ev.OldRecord, _ = json.Marshal(old)
	}
	return ev
}

// ============================================================================
// Transport
// ============================================================================

// SetJoinAck sets the acknowledgement sent to later joins. An empty status
// sends none, which leaves the channel unconfirmed.
func (m *MemoryBackend) SetJoinAck(status SubscribeStatus) {
	m.subMu.Lock()
	m.joinAck = status
	m.subMu.Unlock()
}

// Join registers a channel and acknowledges it synchronously.
func (m *MemoryBackend) Join(_ context.Context, spec ChannelSpec, onEvent func(ChangeEvent), onStatus func(SubscribeStatus)) func() {
	sub := &memorySub{spec: spec, onEvent: onEvent, onStatus: onStatus}
	m.subMu.Lock()
	m.subs[spec.ID] = sub
	ack := m.joinAck
	m.subMu.Unlock()

	if ack != "" {
		safeCall(func() { onStatus(ack) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, spec.ID)
			m.subMu.Unlock()
			safeCall(func() { onStatus(StatusClosed) })
		})
	}
}

// Joined returns the number of joined channels.
func (m *MemoryBackend) Joined() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs)
}

// Broadcast sends status to every joined channel.
func (m *MemoryBackend) Broadcast(status SubscribeStatus) {
	for _, s := range m.snapshotSubs() {
		sub := s
		safeCall(func() { sub.onStatus(status) })
	}
}

// Emit publishes an externally made change.
func (m *MemoryBackend) Emit(ev ChangeEvent) {
	m.publish([]ChangeEvent{ev})
}

func (m *MemoryBackend) snapshotSubs() []*memorySub {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	out := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}

func (m *MemoryBackend) publish(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}
	subs := m.snapshotSubs()
	for _, ev := range events {
		for _, s := range subs {
			if s.spec.Table != ev.Table {
				continue
			}
			sub, e := s, ev
			safeCall(func() { sub.onEvent(e) })
		}
	}
}

// safeCall runs fn and swallows panics from user callbacks.
func safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}

// ============================================================================
// Row helpers
// ============================================================================

func toRow(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	return row, nil
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func nonNil(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}

func sortedNewestFirst(rows []map[string]any) []map[string]any {
	created := func(r map[string]any) time.Time {
		s, _ := r["created_at"].(string)
		t, _ := time.Parse(time.RFC3339Nano, s)
		return t
	}
	sort.SliceStable(rows, func(i, j int) bool { return created(rows[i]).After(created(rows[j])) })
	return rows
}
