// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// ErrInjected is the default error returned by MockStore when a failure is injected.
var ErrInjected = errors.New("injected store failure")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[int64]*User
	conversations map[[2]int64]*Conversation // keyed by canonical pair
	messages      map[int64]*Message         // keyed by message ID
	nextUserID    int64
	nextConvID    int64
	nextMessageID int64

	// fail maps an operation name ("CreateMessage", "SetOnline", ...) to the
	// error it should return
	fail map[string]error

	onlineWrites []OnlineWrite
}

// OnlineWrite is one recorded SetOnline call.
type OnlineWrite struct {
	UserID int64
	Online bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[int64]*User),
		conversations: make(map[[2]int64]*Conversation),
		messages:      make(map[int64]*Message),
		fail:          make(map[string]error),
	}
}

// FailOn makes the named operation return err (ErrInjected if nil).
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	m.fail[op] = err
}

func (m *MockStore) failure(op string) error {
	return m.fail[op]
}

// OnlineWrites returns every SetOnline call recorded so far, in order.
func (m *MockStore) OnlineWrites() []OnlineWrite {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]OnlineWrite(nil), m.onlineWrites...)
}

// AddUser seeds a user with a fixed id.
func (m *MockStore) AddUser(id int64, username string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &User{ID: id, Username: username, CreatedAt: time.Now()}
	m.users[id] = u
	if id > m.nextUserID {
		m.nextUserID = id
	}
	result := *u
	return &result
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("CreateUser"); err != nil {
		return nil, err
	}
	m.nextUserID++
	now := time.Now()
	u := &User{ID: m.nextUserID, Username: username, LastSeen: now, CreatedAt: now}
	m.users[u.ID] = u
	result := *u
	return &result, nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure("GetUser"); err != nil {
		return nil, err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// ListUsers returns all users ordered by id.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure("ListUsers"); err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		users = append(users, &c)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// SetOnline updates the presence flag.
func (m *MockStore) SetOnline(ctx context.Context, userID int64, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onlineWrites = append(m.onlineWrites, OnlineWrite{UserID: userID, Online: online})
	if err := m.failure("SetOnline"); err != nil {
		return err
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsOnline = online
	u.LastSeen = time.Now()
	return nil
}

// ResetPresence marks all users offline.
func (m *MockStore) ResetPresence(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		u.IsOnline = false
	}
	return nil
}

// GetOrCreateConversation returns the conversation for the unordered pair.
func (m *MockStore) GetOrCreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	user1, user2, err := CanonicalPair(userA, userB)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("GetOrCreateConversation"); err != nil {
		return nil, err
	}
	key := [2]int64{user1, user2}
	if c, ok := m.conversations[key]; ok {
		result := *c
		return &result, nil
	}
	if _, ok := m.users[user1]; !ok {
		return nil, ErrNotFound
	}
	if _, ok := m.users[user2]; !ok {
		return nil, ErrNotFound
	}

	m.nextConvID++
	c := &Conversation{ID: m.nextConvID, User1ID: user1, User2ID: user2, CreatedAt: time.Now()}
	m.conversations[key] = c
	result := *c
	return &result, nil
}

// CreateMessage stores a new message.
func (m *MockStore) CreateMessage(ctx context.Context, conversationID, senderID int64, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("CreateMessage"); err != nil {
		return nil, err
	}
	m.nextMessageID++
	msg := &Message{
		ID:             m.nextMessageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}
	m.messages[msg.ID] = msg
	result := *msg
	return &result, nil
}

// ListMessages returns a conversation's messages ordered by id.
func (m *MockStore) ListMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure("ListMessages"); err != nil {
		return nil, err
	}
	var out []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			c := *msg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetMessage returns a copy of a stored message, for assertions.
func (m *MockStore) GetMessage(id int64) (*Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, false
	}
	result := *msg
	return &result, true
}

func (m *MockStore) isParticipant(conversationID, userID int64) bool {
	for _, c := range m.conversations {
		if c.ID == conversationID {
			return c.User1ID == userID || c.User2ID == userID
		}
	}
	return false
}

// MarkRead flags unread messages sent to readerID as read.
func (m *MockStore) MarkRead(ctx context.Context, ids []int64, readerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("MarkRead"); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range lo.Uniq(ids) {
		msg, ok := m.messages[id]
		if !ok || msg.IsRead || msg.SenderID == readerID || !m.isParticipant(msg.ConversationID, readerID) {
			continue
		}
		msg.IsRead = true
		n++
	}
	return n, nil
}

// DeleteMessage removes a message owned by requesterID.
func (m *MockStore) DeleteMessage(ctx context.Context, messageID, requesterID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("DeleteMessage"); err != nil {
		return 0, err
	}
	msg, ok := m.messages[messageID]
	if !ok || msg.SenderID != requesterID {
		return 0, nil
	}
	delete(m.messages, messageID)
	return 1, nil
}

// UnreadCounts returns unread message counts per peer.
func (m *MockStore) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure("UnreadCounts"); err != nil {
		return nil, err
	}
	counts := make(map[int64]int64)
	for _, msg := range m.messages {
		if msg.IsRead || msg.SenderID == userID || !m.isParticipant(msg.ConversationID, userID) {
			continue
		}
		counts[msg.SenderID]++
	}
	return counts, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
