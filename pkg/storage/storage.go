// Package storage 以 SQLite 持久化對話與訊息，提供跨 session 的歷史記錄。
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"atlas/pkg/llm"
	"atlas/pkg/utils"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	last_accessed TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	timestamp       TIMESTAMP NOT NULL,
	metadata        TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
`

// Conversation is one persisted chat session.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// StoredMessage is one persisted turn within a conversation.
type StoredMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Store wraps the SQLite database holding conversation history.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the database location under the user's home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "conversations.db"
	}
	return filepath.Join(home, ".atlas", "conversations.db")
}

// Open opens (creating if needed) the conversation database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	// busy_timeout + WAL keep concurrent channel handlers from tripping
	// over SQLITE_BUSY
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", url.PathEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation starts a new conversation. An empty title gets a
// timestamp placeholder which is later replaced by the first user message.
func (s *Store) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	now := time.Now().UTC()
	if title == "" {
		title = "Conversation " + now.Local().Format("2006-01-02 15:04")
	}

	conv := &Conversation{
		ID:           utils.GenerateID(),
		Title:        title,
		CreatedAt:    now,
		LastAccessed: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, last_accessed) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt, conv.LastAccessed)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, last_accessed FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.LastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_accessed FROM conversations ORDER BY last_accessed DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.LastAccessed); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdateTitle renames a conversation, truncating overly long titles.
// The 255 cap counts runes so multi-byte text is never split mid-character.
func (s *Store) UpdateTitle(ctx context.Context, id string, title string) error {
	if runes := []rune(title); len(runes) > 255 {
		title = string(runes[:255])
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// touchAccess bumps the last accessed time of a conversation.
func (s *Store) touchAccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_accessed = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// AddMessage persists one turn and bumps the conversation's access time.
// The first user message replaces a still-default title.
func (s *Store) AddMessage(ctx context.Context, conversationID string, role string, content string, metadata map[string]any) (*StoredMessage, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &StoredMessage{
		ID:             utils.GenerateID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		Metadata:       metadata,
	}

	var metaJSON any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, timestamp, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Timestamp, metaJSON)
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}

	if err := s.touchAccess(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if role == "user" && strings.HasPrefix(conv.Title, "Conversation ") {
		if err := s.UpdateTitle(ctx, conversationID, content); err != nil {
			return nil, fmt.Errorf("auto-title conversation: %w", err)
		}
	}

	return msg, nil
}

// Messages returns a conversation's messages, oldest first. A limit > 0 keeps
// only the most recent messages (still returned oldest first).
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	query := `SELECT id, conversation_id, role, content, timestamp, metadata
		FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC, id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var msg StoredMessage
		var meta sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse newest-first query order back to chronological
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// History returns a conversation's messages in chat format, ready to feed
// back into the model.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]llm.Message, error) {
	msgs, err := s.Messages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}

	history := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		history = append(history, llm.NewTextMessage(msg.Role, msg.Content))
	}
	return history, nil
}

// DeleteConversation removes a conversation and all its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	// Explicit delete keeps us safe even if foreign_keys got disabled
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearAll wipes every conversation, returning how many were removed.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return 0, fmt.Errorf("clear conversations: %w", err)
	}
	return count, nil
}

// Export bundles a conversation and its messages for serialization.
type Export struct {
	Session  *Conversation   `json:"session"`
	Messages []StoredMessage `json:"messages"`
}

// ExportJSON serializes a full conversation as indented JSON.
func (s *Store) ExportJSON(ctx context.Context, conversationID string) ([]byte, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(Export{Session: conv, Messages: msgs}, "", "  ")
}

// ExportMarkdown renders a conversation as a readable transcript.
func (s *Store) ExportMarkdown(ctx context.Context, conversationID string) ([]byte, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", conv.Title)
	fmt.Fprintf(&sb, "Created: %s\n\n", conv.CreatedAt.Local().Format("2006-01-02 15:04"))
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "## %s (%s)\n\n%s\n\n",
			strings.ToUpper(msg.Role[:1])+msg.Role[1:],
			msg.Timestamp.Local().Format("15:04:05"),
			msg.Content)
	}
	return []byte(sb.String()), nil
}
