// Package dedupe drops chat frames a client sends twice.
//
// Clients may attach a client_id to outgoing messages and resend them after
// a reconnect. The Cache remembers (user, client_id) pairs for a short
// window so the resend is not persisted or broadcast a second time.
package dedupe
