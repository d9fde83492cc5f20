package livesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL dialects understood by SQLGateway.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// SQLConfig holds connection pool settings.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default pool settings.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLGateway implements Gateway directly against a relational database.
type SQLGateway struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// OpenSQLGateway opens and pings a database. dialect is DialectPostgres or
// DialectSQLite.
func OpenSQLGateway(dialect, dsn string, config *SQLConfig) (*SQLGateway, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	if dialect == DialectSQLite {
		// One writer avoids SQLITE_BUSY under concurrent refreshes.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLGateway(db, dialect), nil
}

// NewSQLGateway wraps an open database handle.
func NewSQLGateway(db *sql.DB, dialect string) *SQLGateway {
	return &SQLGateway{db: db, dialect: dialect, now: time.Now}
}

// Close releases database resources.
func (g *SQLGateway) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

func dbError(op string, err error) *Result {
	return errResult(CodeDatabase, fmt.Sprintf("%s: %v", op, err))
}

// ============================================================================
// Schema
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

type tableSchema struct {
	columns []string
	scan    func(rowScanner) (any, error)
}

var tableSchemas = map[string]tableSchema{
	TableChatSessions: {
		columns: []string{"id", "name", "email", "phone", "status", "created_at", "updated_at"},
		scan: func(r rowScanner) (any, error) {
			var s ChatSession
			err := r.Scan(&s.ID, &s.Name, &s.Email, &s.Phone, &s.Status, &s.CreatedAt, &s.UpdatedAt)
			return s, err
		},
	},
	TableChatMessages: {
		columns: []string{"id", "session_id", "sender_type", "content", "is_read", "created_at"},
		scan: func(r rowScanner) (any, error) {
			var m ChatMessage
			err := r.Scan(&m.ID, &m.SessionID, &m.SenderType, &m.Content, &m.IsRead, &m.CreatedAt)
			return m, err
		},
	},
	TableClientMessages: {
		columns: []string{"id", "client_id", "subject", "body", "priority", "is_read", "created_at"},
		scan: func(r rowScanner) (any, error) {
			var m ClientMessage
			err := r.Scan(&m.ID, &m.ClientID, &m.Subject, &m.Body, &m.Priority, &m.IsRead, &m.CreatedAt)
			return m, err
		},
	},
	TableNotifications: {
		columns: []string{"id", "type", "title", "body", "is_read", "created_at"},
		scan: func(r rowScanner) (any, error) {
			var n Notification
			err := r.Scan(&n.ID, &n.Type, &n.Title, &n.Body, &n.IsRead, &n.CreatedAt)
			return n, err
		},
	},
	TableProjects: {
		columns: []string{"id", "client_id", "name", "status", "progress", "created_at"},
		scan: func(r rowScanner) (any, error) {
			var p Project
			err := r.Scan(&p.ID, &p.ClientID, &p.Name, &p.Status, &p.Progress, &p.CreatedAt)
			return p, err
		},
	},
	TableReports: {
		columns: []string{"id", "project_id", "title", "summary", "created_at"},
		scan: func(r rowScanner) (any, error) {
			var p Report
			err := r.Scan(&p.ID, &p.ProjectID, &p.Title, &p.Summary, &p.CreatedAt)
			return p, err
		},
	},
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	sender_type TEXT NOT NULL,
	content TEXT NOT NULL,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages (session_id, created_at);
CREATE TABLE IF NOT EXISTS client_messages (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'normal',
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at {{ts}} NOT NULL
);
CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at {{ts}} NOT NULL
);
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	progress INTEGER NOT NULL DEFAULT 0,
	created_at {{ts}} NOT NULL
);
CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	created_at {{ts}} NOT NULL
);
`

const notifyFunctionDDL = `
CREATE OR REPLACE FUNCTION livesync_notify() RETURNS trigger AS $$
DECLARE
	rec RECORD;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
		'schema', TG_TABLE_SCHEMA,
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'id', rec.id
	)::text);
	RETURN rec;
END;
$$ LANGUAGE plpgsql;
`

// Migrate creates the tables. On Postgres it also installs the trigger that
// feeds PGNotifyTransport.
func (g *SQLGateway) Migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if g.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	ddl := strings.ReplaceAll(schemaDDL, "{{ts}}", ts)
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if g.dialect != DialectPostgres {
		return nil
	}

	if _, err := g.db.ExecContext(ctx, notifyFunctionDDL); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for _, table := range sortedTables() {
		if _, err := g.db.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS livesync_notify ON %s`, table)); err != nil {
			return fmt.Errorf("drop trigger on %s: %w", table, err)
		}
		if _, err := g.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE TRIGGER livesync_notify AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION livesync_notify()`,
			table)); err != nil {
			return fmt.Errorf("create trigger on %s: %w", table, err)
		}
	}
	return nil
}

func sortedTables() []string {
	return []string{
		TableChatSessions,
		TableChatMessages,
		TableClientMessages,
		TableNotifications,
		TableProjects,
		TableReports,
	}
}

// ============================================================================
// Gateway Methods
// ============================================================================

const sessionsQuery = `
	SELECT s.id, s.name, s.email, s.phone, s.status, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM chat_messages m
			WHERE m.session_id = s.id AND m.sender_type = 'user' AND m.is_read = FALSE) AS unread_count,
		COALESCE((SELECT m.content FROM chat_messages m
			WHERE m.session_id = s.id ORDER BY m.created_at DESC LIMIT 1), '') AS last_message
	FROM chat_sessions s
	WHERE ($1 = '' OR s.status = $1)
	ORDER BY s.updated_at DESC`

func (g *SQLGateway) FetchSessions(ctx context.Context, filter SessionFilter) *Result {
	rows, err := g.db.QueryContext(ctx, sessionsQuery, filter.Status)
	if err != nil {
		return dbError("fetch sessions", err)
	}
	defer rows.Close()

	sessions := make([]ChatSession, 0)
	for rows.Next() {
		var s ChatSession
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.Phone, &s.Status, &s.CreatedAt, &s.UpdatedAt,
			&s.UnreadCount, &s.LastMessage); err != nil {
			return dbError("scan session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return dbError("fetch sessions", err)
	}
	return okResult(filterSessions(sessions, filter))
}

func (g *SQLGateway) FetchStats(ctx context.Context) *Result {
	now := g.now()
	y, m, d := now.Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	var stats DashboardStats
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'closed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= $1 THEN 1 ELSE 0 END), 0)
		FROM chat_sessions`, startOfDay.UTC()).
		Scan(&stats.TotalSessions, &stats.ActiveSessions, &stats.ClosedSessions, &stats.SessionsToday)
	if err != nil {
		return dbError("fetch stats", err)
	}

	err = g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_messages
		WHERE sender_type = 'user' AND is_read = FALSE`).Scan(&stats.UnreadMessages)
	if err != nil {
		return dbError("fetch unread count", err)
	}
	return okResult(stats)
}

func (g *SQLGateway) FetchSessionMessages(ctx context.Context, sessionID string) *Result {
	if sessionID == "" {
		return errResult(CodeInvalidInput, "session id is required")
	}
	return g.query(ctx, TableChatMessages, `WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
}

func (g *SQLGateway) FetchTable(ctx context.Context, table string, opts *ListOptions) *Result {
	if !KnownTable(table) {
		return errResult(CodeUnknownTable, table)
	}
	clause := ""
	if opts != nil && opts.UnreadOnly && readFlagTables[table] {
		clause = "WHERE is_read = FALSE "
	}
	clause += "ORDER BY created_at DESC"
	if opts != nil && opts.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return g.query(ctx, table, clause)
}

func (g *SQLGateway) query(ctx context.Context, table, clause string, args ...any) *Result {
	schema := tableSchemas[table]
	q := fmt.Sprintf("SELECT %s FROM %s %s", strings.Join(schema.columns, ", "), table, clause)
	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return dbError("query "+table, err)
	}
	defer rows.Close()

	out := make([]any, 0)
	for rows.Next() {
		rec, err := schema.scan(rows)
		if err != nil {
			return dbError("scan "+table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return dbError("query "+table, err)
	}
	return okResult(out)
}

func (g *SQLGateway) MarkRead(ctx context.Context, table, id string) *Result {
	if !readFlagTables[table] {
		return errResult(CodeUnknownTable, table)
	}
	if id == "" {
		return errResult(CodeInvalidInput, "id is required")
	}
	if _, err := g.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET is_read = TRUE WHERE id = $1`, table), id); err != nil {
		return dbError("mark read", err)
	}
	return &Result{OK: true}
}

func (g *SQLGateway) MarkSessionRead(ctx context.Context, sessionID string) *Result {
	if sessionID == "" {
		return errResult(CodeInvalidInput, "session id is required")
	}
	_, err := g.db.ExecContext(ctx, `
		UPDATE chat_messages SET is_read = TRUE
		WHERE session_id = $1 AND sender_type = 'user' AND is_read = FALSE`, sessionID)
	if err != nil {
		return dbError("mark session read", err)
	}
	return &Result{OK: true}
}

func (g *SQLGateway) Insert(ctx context.Context, table string, record any) *Result {
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

	now := g.now().UTC()
	if id, _ := row["id"].(string); id == "" {
		row["id"] = uuid.NewString()
	}
	schema := tableSchemas[table]
	cols := make([]string, 0, len(schema.columns))
	args := make([]any, 0, len(schema.columns))
	for _, col := range schema.columns {
		v, ok := row[col]
		if strings.HasSuffix(col, "_at") {
			v = timeValue(v, now)
			ok = true
		}
		if !ok || v == nil {
			continue
		}
		cols = append(cols, col)
		args = append(args, sqlValue(v))
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := g.db.ExecContext(ctx, q, args...); err != nil {
		return dbError("insert "+table, err)
	}

	if table == TableChatMessages {
		if _, err := g.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = $1 WHERE id = $2`,
			now, row["session_id"]); err != nil {
			return dbError("touch session", err)
		}
	}

	res := g.query(ctx, table, "WHERE id = $1", row["id"])
	if !res.OK {
		return res
	}
	recs, err := decodeResult[[]json.RawMessage](res)
	if err != nil || len(recs) == 0 {
		return errResult(CodeNotFound, "inserted row not found")
	}
	return &Result{OK: true, Data: recs[0]}
}

func (g *SQLGateway) ClearAll(ctx context.Context, table string) *Result {
	if !KnownTable(table) {
		return errResult(CodeUnknownTable, table)
	}
	if _, err := g.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return dbError("clear "+table, err)
	}
	return &Result{OK: true}
}

// timeValue converts a JSON timestamp to time.Time, defaulting zero values
// to now.
func timeValue(v any, now time.Time) time.Time {
	s, _ := v.(string)
	if s == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return now
	}
	return t
}

// sqlValue narrows JSON numbers to integers when they are whole.
func sqlValue(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) {
		return int64(f)
	}
	return v
}
