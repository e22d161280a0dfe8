// ABOUTME: Presence registry tracking live sessions per user
// ABOUTME: Persists is_online on empty/non-empty transitions and reports every change in order

package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/zybochat/zybo-gateway/internal/store"
)

// Kind is the kind of connection holding a user online.
type Kind string

const (
	KindPresence Kind = "presence"
	KindChat     Kind = "chat"
)

// Writer is the slice of the store the registry needs.
type Writer interface {
	SetOnline(ctx context.Context, userID int64, online bool) error
}

var _ Writer = (store.UserStore)(nil)

// Change describes one session joining or leaving. Online is the user's
// derived state afterwards; Transition is set when the change flipped it.
type Change struct {
	UserID     int64
	Username   string
	SessionID  string
	Kind       Kind
	Online     bool
	Transition bool
}

// ChangeFunc observes registry changes. It runs while the user's entry is
// locked, so calls for one user arrive in the order the changes happened.
// It must not call back into the Registry for the same user.
type ChangeFunc func(ctx context.Context, c Change)

// entry is one user's live sessions. mu also serialises the store write
// and change notification for that user's transitions.
type entry struct {
	mu       sync.Mutex
	username string
	sessions map[string]Kind
}

// Registry maps user ids to their live sessions.
type Registry struct {
	mu       sync.Mutex
	entries  map[int64]*entry
	writer   Writer
	onChange ChangeFunc
	logger   *slog.Logger
}

// NewRegistry creates a registry writing transitions to w. Pass nil logger for default.
func NewRegistry(w Writer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[int64]*entry),
		writer:  w,
		logger:  logger.With("component", "presence"),
	}
}

// OnChange installs fn as the change observer, replacing any previous one.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Registry) notify(ctx context.Context, c Change) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(ctx, c)
	}
}

func (r *Registry) entry(userID int64) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		e = &entry{sessions: make(map[string]Kind)}
		r.entries[userID] = e
	}
	return e
}

// Register adds a live session for the user and returns the user's derived
// online state (always true). The store is written when this is the user's
// first session. Store errors are logged, never returned.
// The observer is told about every registration.
func (r *Registry) Register(ctx context.Context, userID int64, username, sessionID string, kind Kind) bool {
	e := r.entry(userID)

	e.mu.Lock()
	defer e.mu.Unlock()

	wasOnline := len(e.sessions) > 0
	e.sessions[sessionID] = kind
	e.username = username
	if !wasOnline {
		r.persist(ctx, userID, true)
	}
	r.notify(ctx, Change{
		UserID:     userID,
		Username:   username,
		SessionID:  sessionID,
		Kind:       kind,
		Online:     true,
		Transition: !wasOnline,
	})

	r.logger.Debug("session registered",
		"user_id", userID,
		"session_id", sessionID,
		"kind", kind,
		"sessions", len(e.sessions))
	return true
}

// Unregister removes a session and returns the user's derived online state.
// The store is written when the last session goes away. Unknown sessions
// change nothing and are not reported.
func (r *Registry) Unregister(ctx context.Context, userID int64, sessionID string) bool {
	e := r.entry(userID)

	e.mu.Lock()
	defer e.mu.Unlock()

	kind, ok := e.sessions[sessionID]
	if !ok {
		return len(e.sessions) > 0
	}
	delete(e.sessions, sessionID)

	online := len(e.sessions) > 0
	if !online {
		r.persist(ctx, userID, false)
	}
	r.notify(ctx, Change{
		UserID:     userID,
		Username:   e.username,
		SessionID:  sessionID,
		Kind:       kind,
		Online:     online,
		Transition: !online,
	})

	r.logger.Debug("session unregistered",
		"user_id", userID,
		"session_id", sessionID,
		"sessions", len(e.sessions))
	return online
}

func (r *Registry) persist(ctx context.Context, userID int64, online bool) {
	if err := r.writer.SetOnline(ctx, userID, online); err != nil {
		r.logger.Error("failed to persist presence",
			"user_id", userID,
			"online", online,
			"error", err)
	}
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions) > 0
}

// Sessions returns the number of live sessions per kind for the user.
func (r *Registry) Sessions(userID int64) map[Kind]int {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return map[Kind]int{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.CountValues(lo.Values(e.sessions))
}

// OnlineUsers returns the ids of users with live sessions, ascending.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.Lock()
	entries := lo.Entries(r.entries)
	r.mu.Unlock()

	var ids []int64
	for _, kv := range entries {
		kv.Value.mu.Lock()
		if len(kv.Value.sessions) > 0 {
			ids = append(ids, kv.Key)
		}
		kv.Value.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
