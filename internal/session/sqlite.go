package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Schema for the conversations database.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT,
    provider TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'model')),
    data TEXT NOT NULL,
    text_content TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (conversation_id, sequence)
);

CREATE TABLE IF NOT EXISTS custom_metadata (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (conversation_id, key)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    message_count INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation ON checkpoints(conversation_id, created_at);
`

// NewSQLiteStore opens (creating if needed) the database at cfg.Path, or
// at the default data path when Path is empty.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath := cfg.Path
	if dbPath == "" {
		var err error
		dbPath, err = GetDBPath()
		if err != nil {
			return nil, fmt.Errorf("get db path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	store := &SQLiteStore{db: db, cfg: cfg}
	if err := store.cleanup(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session cleanup: %w", err)
	}
	return store, nil
}

// schemaVersion is the current schema version. Fresh databases get the
// full schema and start here; older ones run the pending migrations.
const schemaVersion = 2

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

var migrations = []migration{
	{
		version:     2,
		description: "add checkpoint lookup index",
		up: func(db *sql.DB) error {
			_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation ON checkpoints(conversation_id, created_at)`)
			return err
		},
	},
}

// initSchema creates the schema and runs pending migrations. The common
// case of a current schema costs a single SELECT.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	// Check before creating the schema so a pre-versioning database is
	// told apart from a fresh one.
	var tableCount int
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='conversations'
	`).Scan(&tableCount); err != nil {
		return fmt.Errorf("check conversations table: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil && (errors.Is(versionErr, sql.ErrNoRows) || strings.Contains(versionErr.Error(), "no such table")) {
		currentVersion = schemaVersion
		if tableCount > 0 {
			currentVersion = 1
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	} else if versionErr != nil {
		return fmt.Errorf("get current version: %w", versionErr)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update version to %d: %w", m.version, err)
		}
	}
	return nil
}

// cleanup removes old conversations based on configuration.
func (s *SQLiteStore) cleanup() error {
	ctx := context.Background()

	if s.cfg.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.MaxAgeDays)
		if _, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE updated_at < ?", cutoff); err != nil {
			return fmt.Errorf("delete old conversations: %w", err)
		}
	}
	if s.cfg.MaxCount > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM conversations WHERE id IN (
				SELECT id FROM conversations
				ORDER BY updated_at DESC
				LIMIT -1 OFFSET ?
			)`, s.cfg.MaxCount)
		if err != nil {
			return fmt.Errorf("enforce max count: %w", err)
		}
	}
	return nil
}

// CreateConversation inserts a conversation, assigning an ID if needed.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, nullString(c.Title), nullString(c.Provider), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation header.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var title, provider sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &title, &provider, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	c.Title = title.String
	c.Provider = provider.String
	return &c, nil
}

// ListConversations returns the most recently updated conversations.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.provider, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		var title, provider sql.NullString
		if err := rows.Scan(&cs.ID, &title, &provider, &cs.CreatedAt, &cs.UpdatedAt, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		cs.Title = title.String
		cs.Provider = provider.String
		out = append(out, cs)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and everything attached to it.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ensureConversation creates the header row on first use.
func ensureConversation(ctx context.Context, tx *sql.Tx, id string) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		id, now, now)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// GetHistory returns the full message history in order.
func (s *SQLiteStore) GetHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM messages
		WHERE conversation_id = ?
		ORDER BY sequence ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var history []llm.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		history = append(history, msg)
	}
	return history, rows.Err()
}

// AddMessage appends a message and returns its index. The conversation row
// is created on first use.
func (s *SQLiteStore) AddMessage(ctx context.Context, conversationID string, msg llm.Message) (int, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("serialize message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureConversation(ctx, tx, conversationID); err != nil {
		return 0, err
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("get max sequence: %w", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sequence, role, data, text_content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, seq, string(msg.Role), string(data), nullString(msg.Text()), msg.CreatedAt); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?",
		time.Now(), conversationID); err != nil {
		return 0, fmt.Errorf("update conversation timestamp: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// UpdateMessage replaces the message at index.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, conversationID string, index int, msg llm.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET role = ?, data = ?, text_content = ?
		WHERE conversation_id = ? AND sequence = ?`,
		string(msg.Role), string(data), nullString(msg.Text()), conversationID, index)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d of %s: %w", index, conversationID, ErrNotFound)
	}
	return nil
}

// DeleteToMessage deletes the message at index and everything after it.
func (s *SQLiteStore) DeleteToMessage(ctx context.Context, conversationID string, index int) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation_id = ? AND sequence >= ?",
		conversationID, index); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// CountMessages returns the history length.
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// GetCustomMetadata reads one metadata value.
func (s *SQLiteStore) GetCustomMetadata(ctx context.Context, conversationID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM custom_metadata WHERE conversation_id = ? AND key = ?",
		conversationID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// SetCustomMetadata writes one metadata value.
func (s *SQLiteStore) SetCustomMetadata(ctx context.Context, conversationID, key, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureConversation(ctx, tx, conversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO custom_metadata (conversation_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, key) DO UPDATE SET value = excluded.value`,
		conversationID, key, value); err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return tx.Commit()
}

// DeleteCustomMetadata removes one metadata value.
func (s *SQLiteStore) DeleteCustomMetadata(ctx context.Context, conversationID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM custom_metadata WHERE conversation_id = ? AND key = ?",
		conversationID, key); err != nil {
		return fmt.Errorf("delete metadata %s: %w", key, err)
	}
	return nil
}

// SaveCheckpoint stores a checkpoint.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureConversation(ctx, tx, cp.ConversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, conversation_id, kind, message_count, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.ConversationID, string(cp.Kind), cp.MessageCount, cp.CreatedAt); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

// GetCheckpoint loads one checkpoint.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, conversationID, id string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, kind, message_count, created_at
		FROM checkpoints WHERE conversation_id = ? AND id = ?`, conversationID, id).
		Scan(&cp.ID, &cp.ConversationID, &kind, &cp.MessageCount, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, fmt.Errorf("%s: %w", id, checkpoint.ErrNotFound)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("query checkpoint: %w", err)
	}
	cp.Kind = checkpoint.Kind(kind)
	return cp, nil
}

// ListCheckpoints returns a conversation's checkpoints, oldest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, conversationID string) ([]checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, message_count, created_at
		FROM checkpoints WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var cp checkpoint.Checkpoint
		var kind string
		if err := rows.Scan(&cp.ID, &cp.ConversationID, &kind, &cp.MessageCount, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Kind = checkpoint.Kind(kind)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpointsAfter drops checkpoints that point past messageCount.
func (s *SQLiteStore) DeleteCheckpointsAfter(ctx context.Context, conversationID string, messageCount int) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE conversation_id = ? AND message_count > ?",
		conversationID, messageCount); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
