// Package session runs presence and chat connections.
//
// # Lifecycle
//
// Both session kinds move Disconnected → Joining → Joined → Disconnected:
//
//  1. Anonymous identities are closed at once (ErrAuthRequired) with no
//     group join, store write or broadcast.
//  2. The session is added to the Registry, its writer goroutine starts,
//     it joins its group and registers with the presence registry.
//  3. The join is announced: PresenceChanged to "presence", or
//     StatusChanged to the chat room chat_{min}_{max}. A chat session that
//     takes its user online (or, on teardown, offline) also sends
//     PresenceChanged to "presence".
//  4. Inbound frames are processed one at a time in arrival order.
//  5. When the transport ends for any reason, teardown runs exactly once
//     and undoes only the steps that happened.
//
// # Wire Protocol
//
// Frames are newline-delimited JSON objects with a "type" field. A transport
// message may carry several frames. Inbound chat frames:
//
//	{"type":"message","message":"hi","client_id":"optional"}
//	{"type":"mark_as_read","message_ids":[1,2]}
//	{"type":"typing"}
//	{"type":"stop_typing"}
//	{"type":"delete_message","message_id":3}
//
// A frame without "type" is a message; unknown types are ignored; malformed
// frames are dropped without a reply. Outbound frames are presence, status,
// message, read, typing, stop_typing and deleted. Typing indicators are not
// echoed to the user who is typing.
//
// # Backpressure
//
// Each session owns a bounded outbound queue. When a client falls so far
// behind that the queue is full, its connection is closed and teardown
// runs; other members of the group are unaffected.
package session
