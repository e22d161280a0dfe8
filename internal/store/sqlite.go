// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Provides user, conversation and message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// markReadChunkSize bounds the number of bound parameters per UPDATE
const markReadChunkSize = 500

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver creates a SQLite store using the named database/sql driver.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serialises
	// writers, so get-or-create never races inside SQLite itself.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			username   TEXT NOT NULL,
			is_online  INTEGER NOT NULL DEFAULT 0,
			last_seen  TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user1_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			user2_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,

			UNIQUE(user1_id, user2_id),
			CHECK (user1_id < user2_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user2 ON conversations(user2_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content         TEXT NOT NULL,
			timestamp       TEXT NOT NULL,
			is_read         INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, id);

		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, sender_id, is_read);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// CreateUser inserts a new user and returns it with its assigned id.
func (s *SQLiteStore) CreateUser(ctx context.Context, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, is_online, last_seen, created_at) VALUES (?, 0, ?, ?)`,
		username, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting user id: %w", err)
	}

	s.logger.Debug("created user", "id", id, "username", username)
	return &User{ID: id, Username: username, LastSeen: now, CreatedAt: now}, nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, is_online, last_seen, created_at FROM users WHERE id = ?`, id)

	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by id.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, is_online, last_seen, created_at FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var lastSeen, createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.IsOnline, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if u.LastSeen, err = parseTime("last_seen", lastSeen); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetOnline updates the presence flag and last_seen timestamp.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) SetOnline(ctx context.Context, userID int64, online bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`,
		online, formatTime(time.Now()), userID,
	)
	if err != nil {
		return fmt.Errorf("updating presence: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated presence", "user_id", userID, "online", online)
	return nil
}

// ResetPresence marks all users offline.
func (s *SQLiteStore) ResetPresence(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET is_online = 0 WHERE is_online = 1`)
	if err != nil {
		return fmt.Errorf("resetting presence: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("cleared stale presence flags", "users", n)
	}
	return nil
}

// GetOrCreateConversation returns the conversation for the unordered pair.
// The insert is a no-op when the canonical pair already exists, so concurrent
// callers always converge on the same row.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	user1, user2, err := CanonicalPair(userA, userB)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (user1_id, user2_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user1_id, user2_id) DO NOTHING
	`, user1, user2, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	var conv Conversation
	var createdAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, user1_id, user2_id, created_at
		FROM conversations
		WHERE user1_id = ? AND user2_id = ?
	`, user1, user2).Scan(&conv.ID, &conv.User1ID, &conv.User2ID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if conv.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateMessage saves a message and returns it with id and timestamp populated.
func (s *SQLiteStore) CreateMessage(ctx context.Context, conversationID, senderID int64, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, timestamp, is_read)
		VALUES (?, ?, ?, ?, 0)
	`, conversationID, senderID, content, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting message id: %w", err)
	}

	s.logger.Debug("saved message", "id", id, "conversation_id", conversationID, "sender_id", senderID)
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      now,
	}, nil
}

// ListMessages returns all messages of a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, timestamp, is_read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var ts string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &ts, &msg.IsRead); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if msg.Timestamp, err = parseTime("timestamp", ts); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// MarkRead flags messages as read for readerID. Only unread messages that
// were sent to the reader (in one of the reader's conversations, by the
// other participant) are touched. Non-positive ids are ignored.
func (s *SQLiteStore) MarkRead(ctx context.Context, ids []int64, readerID int64) (int64, error) {
	ids = lo.Uniq(lo.Filter(ids, func(id int64, _ int) bool { return id > 0 }))
	if len(ids) == 0 {
		return 0, nil
	}

	var total int64
	for _, chunk := range lo.Chunk(ids, markReadChunkSize) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := `
			UPDATE messages SET is_read = 1
			WHERE is_read = 0
			  AND sender_id != ?
			  AND conversation_id IN (
				SELECT id FROM conversations WHERE user1_id = ? OR user2_id = ?
			  )
			  AND id IN (` + placeholders + `)`

		args := make([]any, 0, len(chunk)+3)
		args = append(args, readerID, readerID, readerID)
		args = append(args, lo.ToAnySlice(chunk)...)

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("marking messages read: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("getting rows affected: %w", err)
		}
		total += n
	}

	s.logger.Debug("marked messages read", "reader_id", readerID, "requested", len(ids), "updated", total)
	return total, nil
}

// DeleteMessage deletes a message owned by requesterID.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID, requesterID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND sender_id = ?`, messageID, requesterID)
	if err != nil {
		return 0, fmt.Errorf("deleting message: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("delete message", "id", messageID, "requester_id", requesterID, "deleted", n)
	return n, nil
}

// UnreadCounts returns unread message counts per peer for userID.
func (s *SQLiteStore) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.sender_id, COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.user1_id = ? OR c.user2_id = ?)
		  AND m.sender_id != ?
		  AND m.is_read = 0
		GROUP BY m.sender_id
	`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var peerID, count int64
		if err := rows.Scan(&peerID, &count); err != nil {
			return nil, fmt.Errorf("scanning unread row: %w", err)
		}
		if count > 0 {
			counts[peerID] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating unread rows: %w", err)
	}
	return counts, nil
}
