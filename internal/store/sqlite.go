// Package store provides SQLite persistence for the conversation audit log,
// the scheduled-message table, and the usage ledger.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/halcyonsites/frontdesk/internal/logging"
)

// SQLiteStore is the durable storage backend.
type SQLiteStore struct {
	db *sql.DB
}

// Schema version for migrations
const currentSchemaVersion = 1

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: store opened", "path", path)
	return store, nil
}

// DB exposes the underlying handle (used by tests and diagnostics).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("sqlite: schema up to date", "version", version)
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema.
func migrateV1(db *sql.DB) error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	-- Conversation message audit log
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		channel TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		tool_is_error INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);

	-- Tool call audit records (observability, not authoritative state)
	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		success INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id);

	-- Scheduled follow-up messages (at-most-once delivery)
	CREATE TABLE IF NOT EXISTS scheduled_messages (
		id TEXT PRIMARY KEY,
		recipient TEXT NOT NULL,
		payload TEXT NOT NULL,
		scheduled_for INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_messages(status, scheduled_for);

	-- Usage ledger (token counts per conversation)
	CREATE TABLE IF NOT EXISTS usage_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_ledger(conversation_id);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// StoredMessage is one audit-log row.
type StoredMessage struct {
	ID             string
	ConversationID string
	Timestamp      time.Time
	Role           string
	Content        string
	Channel        string
	ToolCallID     string
	ToolName       string
	ToolIsError    bool
}

// AppendMessage records a message in the audit log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *StoredMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, timestamp, role, content, channel, tool_call_id, tool_name, tool_is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Timestamp.UnixMilli(), msg.Role, msg.Content,
		msg.Channel, msg.ToolCallID, msg.ToolName, boolToInt(msg.ToolIsError))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// GetMessages returns the audit log for a conversation in receipt order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, timestamp, role, content, channel, tool_call_id, tool_name, tool_is_error
		FROM messages WHERE conversation_id = ? ORDER BY timestamp, id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var ts int64
		var isError int
		if err := rows.Scan(&m.ID, &m.ConversationID, &ts, &m.Role, &m.Content, &m.Channel, &m.ToolCallID, &m.ToolName, &isError); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.ToolIsError = isError != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ToolCallRecord is one audit record for a dispatched tool call.
type ToolCallRecord struct {
	ID             string
	ConversationID string
	ToolName       string
	StartedAt      time.Time
	Duration       time.Duration
	Success        bool
}

// RecordToolCall logs a tool invocation. Failures to record are logged and
/// swallowed: a missing audit row is not a correctness bug.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, rec *ToolCallRecord) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, conversation_id, tool_name, started_at, duration_ms, success)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.ToolName, rec.StartedAt.UnixMilli(),
		rec.Duration.Milliseconds(), boolToInt(rec.Success))
	if err != nil {
		L_warn("sqlite: failed to record tool call", "tool", rec.ToolName, "error", err)
	}
}

// AddUsage records token usage for one model call.
func (s *SQLiteStore) AddUsage(ctx context.Context, conversationID, model string, inputTokens, outputTokens int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_ledger (conversation_id, timestamp, model, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, time.Now().UnixMilli(), model, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ConversationUsage returns accumulated token totals for a conversation.
func (s *SQLiteStore) ConversationUsage(ctx context.Context, conversationID string) (input, output int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_ledger WHERE conversation_id = ?`,
		conversationID).Scan(&input, &output)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query usage: %w", err)
	}
	return input, output, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
