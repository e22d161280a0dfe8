// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - UserStore: users and their persisted presence flag
//   - ConversationStore: pairwise conversations and their messages
//   - Store: both of the above plus Close
//
// SQLiteStore implements Store over database/sql. Two drivers are supported:
// modernc.org/sqlite ("sqlite", pure Go, default) and mattn/go-sqlite3
// ("sqlite3", cgo).
//
// # Canonical Conversations
//
// A conversation is an unordered pair of users stored as (min, max). All
// lookups go through CanonicalPair, and the table carries both a
// UNIQUE(user1_id, user2_id) and a CHECK (user1_id < user2_id) constraint,
// so at most one row can exist per pair no matter who starts the chat or
// how many callers race:
//
//	conv, err := s.GetOrCreateConversation(ctx, 9, 5) // user1=5, user2=9
//
// # Ownership Rules
//
//   - MarkRead only flips messages the reader received (sender != reader,
//     reader participates in the conversation).
//   - DeleteMessage only removes the requester's own messages and reports
//     zero affected rows instead of "not found" or "forbidden" errors.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pool is limited to one connection, which keeps ":memory:" databases
// coherent and serialises writers.
//
// # Testing
//
// Use NewMockStore() for unit tests; it can inject failures per operation:
//
//	ms := store.NewMockStore()
//	ms.FailOn("CreateMessage", nil)
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration
// tests with real SQLite.
package store
