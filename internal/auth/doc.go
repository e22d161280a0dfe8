// Package auth resolves the identity behind HTTP and WebSocket requests.
//
// # Providers
//
// A Provider maps a request to an Identity. Failure is never an error:
// missing, malformed or expired credentials resolve to Anonymous, and the
// caller decides whether anonymous access is allowed.
//
//   - JWTProvider: HS256 tokens signed with auth.jwt_secret. The token is
//     read from "Authorization: Bearer <jwt>" or, for WebSocket upgrades
//     from browsers, the "token" query parameter. The "sub" claim holds the
//     numeric user id, which is resolved to a username through the store.
//
//   - HeaderProvider: trusts X-User-ID (or ?user_id=). Used when no
//     jwt_secret is configured; intended for local development only.
//
// # Tokens
//
//	v := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate(userID, 30*24*time.Hour)
//	userID, err := v.Verify(token)
//
// # Middleware
//
//	r.Use(auth.Middleware(provider))
//	api.Use(auth.RequireIdentity())
//
// Handlers read the caller with FromContext(r.Context()).
package auth
