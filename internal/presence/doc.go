// Package presence derives user online state from live connections.
//
// A user is online while at least one presence or chat session is open. The
// Registry keeps the set of session ids per user and writes the store's
// is_online flag only when that set goes from empty to non-empty or back, so
// a second tab closing never marks a still-connected user offline.
//
//	reg := presence.NewRegistry(store, logger)
//	reg.OnChange(func(ctx context.Context, c presence.Change) { ... })
//	reg.Register(ctx, userID, username, sessionID, presence.KindChat)
//	online := reg.Unregister(ctx, userID, sessionID)
//
// The OnChange observer sees every registration and removal for a user in
// order, under that user's lock, which makes it the place to broadcast.
//
// Registry state is process-local; call store.ResetPresence at startup to
// clear flags left behind by a previous process.
package presence
