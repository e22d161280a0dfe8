// Package gateway orchestrates the zybo-gateway server components.
//
// # Overview
//
// The Gateway owns the SQLite store, the broadcast hub, the presence and
// session registries and the session manager, and exposes them over two
// listeners:
//
//   - HTTP (gorilla/mux): WebSocket endpoints, a small JSON API and health
//     checks.
//   - gRPC: the standard grpc.health.v1.Health service for probes.
//
// With tailscale.enabled both listeners are opened on a tsnet node instead
// of local TCP addresses; tailscale.https and tailscale.funnel serve HTTP on
// :443 with tailnet certificates.
//
// # HTTP Routes
//
//	GET /ws/presence/                           presence WebSocket
//	GET /ws/chat/{peer_user_id}/                chat WebSocket
//	GET /api/me                                 current user
//	GET /api/users                              other users with live presence
//	GET /api/unread-counts                      {peer_id: unread count}
//	GET /api/conversations/{peer_user_id}/messages
//	GET /health                                 liveness
//	GET /health/ready                           session counts, 503 while draining
//
// Everything except the health checks requires an identity. Anonymous
// callers get 401 before any upgrade. A chat with an unknown peer is 404 and
// a chat with oneself is 400.
//
// # Identity
//
// When auth.jwt_secret is set, callers present an HS256 token whose subject
// is their numeric user id, as a bearer Authorization header or a "token"
// query parameter. Without a secret the gateway trusts an X-User-ID header
// or "user_id" query parameter and logs a warning at startup.
//
// # Shutdown
//
// Shutdown flips gRPC health to NOT_SERVING, stops the HTTP server, closes
// every live session and waits for their teardowns (offline broadcasts and
// presence writes), then closes the hub, the dedupe cache and the store.
package gateway
