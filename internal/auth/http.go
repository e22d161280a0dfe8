// ABOUTME: Identity providers and HTTP middleware resolving the caller of a request
// ABOUTME: JWT from Authorization header or token query param, plus an insecure dev provider

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/zybochat/zybo-gateway/internal/store"
)

// Provider resolves the identity behind an HTTP request. Anonymous is
// returned for missing or invalid credentials; providers never fail.
type Provider interface {
	CurrentIdentity(r *http.Request) Identity
}

// UserLookup is the slice of the store providers need
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// JWTProvider resolves identities from signed tokens. Browsers cannot set
// headers on WebSocket upgrades, so the token query parameter is accepted too.
type JWTProvider struct {
	verifier TokenVerifier
	users    UserLookup
	logger   *slog.Logger
}

// NewJWTProvider creates a provider verifying tokens and resolving usernames through users.
func NewJWTProvider(verifier TokenVerifier, users UserLookup, logger *slog.Logger) *JWTProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTProvider{
		verifier: verifier,
		users:    users,
		logger:   logger.With("component", "auth"),
	}
}

// CurrentIdentity implements Provider.
func (p *JWTProvider) CurrentIdentity(r *http.Request) Identity {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Anonymous
	}

	userID, err := p.verifier.Verify(token)
	if err != nil {
		p.logger.Debug("rejected token", "remote", r.RemoteAddr, "error", err)
		return Anonymous
	}

	return resolveUser(r.Context(), p.users, userID, p.logger)
}

// HeaderProvider trusts a user id supplied by the client in the X-User-ID
// header or user_id query parameter. Development only.
type HeaderProvider struct {
	users  UserLookup
	logger *slog.Logger
}

// NewHeaderProvider creates the insecure development provider.
func NewHeaderProvider(users UserLookup, logger *slog.Logger) *HeaderProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeaderProvider{
		users:  users,
		logger: logger.With("component", "auth"),
	}
}

// CurrentIdentity implements Provider.
func (p *HeaderProvider) CurrentIdentity(r *http.Request) Identity {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	if raw == "" {
		return Anonymous
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return Anonymous
	}
	return resolveUser(r.Context(), p.users, userID, p.logger)
}

func resolveUser(ctx context.Context, users UserLookup, userID int64, logger *slog.Logger) Identity {
	u, err := users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("failed to resolve user", "user_id", userID, "error", err)
		}
		return Anonymous
	}
	return Identity{UserID: u.ID, Username: u.Username}
}

// Middleware resolves the caller once per request and stores the identity
// in the request context, anonymous callers included.
func Middleware(p Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := p.CurrentIdentity(r)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireIdentity rejects anonymous callers with 401. Must be used after Middleware.
func RequireIdentity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromContext(r.Context()).IsAnonymous() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"not authenticated"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
