// ABOUTME: Broadcast group abstraction: named groups of members receiving events
// ABOUTME: Defines Event, Member and the Groups interface implemented by Hub

package broadcast

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send after the groups backend has been closed.
var ErrClosed = errors.New("broadcast groups closed")

// Event is a single group message. Concrete event types live with their
// producers; the backend only routes them.
type Event interface {
	EventType() string
}

// Member is a group participant, usually one live connection.
type Member interface {
	// ID identifies the member within every group it joins.
	ID() string

	// Deliver hands the event to the member without blocking. It returns
	// false when the member can no longer accept events. Deliver must not
	// call back into the Groups that invoked it.
	Deliver(ev Event) bool
}

// Groups is a process-wide set of named broadcast groups.
type Groups interface {
	// Join adds m to group, creating the group if needed. Joining twice
	// replaces the earlier registration with the same ID.
	Join(group string, m Member)

	// Leave removes the member from group. Unknown groups or members are ignored.
	Leave(group, memberID string)

	// Send delivers ev to every current member of group, the sender
	// included. Members that refuse delivery are skipped.
	Send(ctx context.Context, group string, ev Event) error

	// Members returns the member IDs currently in group.
	Members(group string) []string

	// Close drops every group. Later Sends return ErrClosed.
	Close()
}
