// ABOUTME: Store interface and data types for zybo-gateway persistence
// ABOUTME: Defines User, Conversation, Message and the canonical pair rule for conversations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSelfConversation is returned when both sides of a conversation are the same user
var ErrSelfConversation = errors.New("conversation requires two distinct users")

// ErrEmptyMessage is returned when message content is empty after trimming
var ErrEmptyMessage = errors.New("message content is empty")

// User is an identity known to the gateway. Users are created by the
// identity side; the gateway only mutates presence fields.
type User struct {
	ID        int64
	Username  string
	IsOnline  bool
	LastSeen  time.Time
	CreatedAt time.Time
}

// Conversation is a two-party conversation. User1ID is always the smaller id.
type Conversation struct {
	ID        int64
	User1ID   int64
	User2ID   int64
	CreatedAt time.Time
}

// Peer returns the other participant of the conversation.
func (c *Conversation) Peer(userID int64) int64 {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// Message is a single chat message within a conversation
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Content        string
	Timestamp      time.Time
	IsRead         bool
}

// CanonicalPair orders two user ids ascending. Every conversation lookup goes
// through here so (a, b) and (b, a) address the same row.
func CanonicalPair(a, b int64) (int64, int64, error) {
	if a == b {
		return 0, 0, ErrSelfConversation
	}
	if a < b {
		return a, b, nil
	}
	return b, a, nil
}

// UserStore holds identity and presence persistence
type UserStore interface {
	CreateUser(ctx context.Context, username string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	// SetOnline updates the presence flag and stamps last_seen.
	SetOnline(ctx context.Context, userID int64, online bool) error

	// ResetPresence marks every user offline. Called at startup because
	// live presence is process-local and does not survive a restart.
	ResetPresence(ctx context.Context) error
}

// ConversationStore holds conversation and message persistence
type ConversationStore interface {
	// GetOrCreateConversation returns the single conversation for the
	// unordered pair, creating it if needed. Safe under concurrent calls.
	GetOrCreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error)

	// CreateMessage appends a message with a server-assigned id and timestamp.
	CreateMessage(ctx context.Context, conversationID, senderID int64, content string) (*Message, error)

	// ListMessages returns a conversation's messages in creation order.
	ListMessages(ctx context.Context, conversationID int64) ([]*Message, error)

	// MarkRead flags unread messages in ids as read, skipping messages sent
	// by the reader and ids that match nothing. Returns the number of rows
	// changed.
	MarkRead(ctx context.Context, ids []int64, readerID int64) (int64, error)

	// DeleteMessage removes the message only if requesterID sent it.
	// Returns 0 for missing or foreign messages, never an error for those.
	DeleteMessage(ctx context.Context, messageID, requesterID int64) (int64, error)

	// UnreadCounts maps peer user id to the number of unread messages that
	// peer sent to userID. Peers with zero unread are omitted.
	UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error)
}

// Store defines the full persistence surface used by the gateway
type Store interface {
	UserStore
	ConversationStore

	// Close releases any resources held by the store
	Close() error
}
