// ABOUTME: In-process fan-out hub implementing broadcast.Groups
// ABOUTME: Serialises sends per group so every member observes one send order

package broadcast

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// group holds the members of one named group. mu serialises sends and
// membership changes for this group only.
type group struct {
	mu      sync.Mutex
	members map[string]Member
}

// Hub is the in-process Groups backend.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]*group
	closed bool
	logger *slog.Logger
}

var _ Groups = (*Hub)(nil)

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		groups: make(map[string]*group),
		logger: logger.With("component", "broadcast"),
	}
}

// Join adds m to the named group.
func (h *Hub) Join(name string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[name]
	if !ok {
		g = &group{members: make(map[string]Member)}
		h.groups[name] = g
	}

	g.mu.Lock()
	g.members[m.ID()] = m
	size := len(g.members)
	g.mu.Unlock()

	h.logger.Debug("member joined", "group", name, "member_id", m.ID(), "size", size)
}

// Leave removes a member and drops the group once it is empty.
func (h *Hub) Leave(name, memberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[name]
	if !ok {
		return
	}

	g.mu.Lock()
	delete(g.members, memberID)
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		delete(h.groups, name)
	}

	h.logger.Debug("member left", "group", name, "member_id", memberID, "group_removed", empty)
}

// Send fans ev out to the group's members. Non-blocking per member: a member
// that refuses the event is logged and skipped.
func (h *Hub) Send(ctx context.Context, name string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	g, ok := h.groups[name]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, m := range g.members {
		if !m.Deliver(ev) {
			h.logger.Debug("dropped event for unavailable member",
				"group", name,
				"member_id", id,
				"event_type", ev.EventType())
		}
	}
	return nil
}

// Members returns the sorted member IDs of a group.
func (h *Hub) Members(name string) []string {
	h.mu.RLock()
	g, ok := h.groups[name]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	g.mu.Lock()
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// GroupCount returns the number of non-empty groups.
func (h *Hub) GroupCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}

// Close drops all groups.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.groups = make(map[string]*group)
	h.closed = true

	h.logger.Debug("hub closed")
}
