// ABOUTME: Process-wide registry of live connection sessions
// ABOUTME: Supports listing for health checks and closing everything on shutdown

package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/zybochat/zybo-gateway/internal/presence"
)

// Entry describes one live session.
type Entry struct {
	ID          string
	Kind        presence.Kind
	UserID      int64
	Group       string
	ConnectedAt time.Time

	close func(reason string) error
}

// Registry maps connection ids to their session entries. Entries are added
// when a session is accepted and removed at the end of its teardown. Once
// CloseAll has started no new entries are accepted.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	changed chan struct{} // closed and replaced on every removal
	closing bool
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]Entry),
		changed: make(chan struct{}),
		logger:  logger.With("component", "sessions"),
	}
}

func (r *Registry) add(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.entries[e.ID] = e
	return true
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Get returns the entry for a connection id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// List returns all entries, oldest first.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	list := lo.Values(r.entries)
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
	return list
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Counts returns the number of live sessions per kind.
func (r *Registry) Counts() map[presence.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.CountValuesBy(lo.Values(r.entries), func(e Entry) presence.Kind { return e.Kind })
}

// CloseAll closes every live connection and waits until their teardowns
// have completed or ctx expires. Sessions starting afterwards are refused.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	targets := lo.Values(r.entries)
	r.mu.Unlock()

	r.logger.Info("closing sessions", "count", len(targets))
	for _, e := range targets {
		if e.close == nil {
			continue
		}
		if err := e.close("server shutdown"); err != nil {
			r.logger.Debug("close failed", "session_id", e.ID, "error", err)
		}
	}

	for {
		r.mu.Lock()
		n := len(r.entries)
		changed := r.changed
		r.mu.Unlock()

		if n == 0 {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			r.logger.Warn("sessions still open at shutdown deadline", "count", n)
			return ctx.Err()
		}
	}
}
