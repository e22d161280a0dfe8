// Package broadcast provides named fan-out groups for live connections.
//
// # Overview
//
// A group is a set of members addressed by a string name ("presence",
// "chat_3_7"). Sending to a group delivers the event to every member that is
// joined at that moment, the sender included:
//
//	hub := broadcast.NewHub(logger)
//	hub.Join("chat_3_7", member)
//	err := hub.Send(ctx, "chat_3_7", event)
//	hub.Leave("chat_3_7", member.ID())
//
// # Delivery
//
// Member.Deliver is non-blocking. Members normally push onto a buffered
// outbound queue and report false when the queue is full or the connection
// has gone away; the hub logs and skips them. Sends on one group are
// serialised, so all members see that group's events in the same order.
//
// # Backends
//
// Hub is process-local and ephemeral. Groups is an interface so another
// backend can be substituted without touching the sessions.
package broadcast
