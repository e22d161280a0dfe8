// ABOUTME: HTTP routes for WebSocket endpoints, the JSON API and health checks
// ABOUTME: Authenticates callers before upgrading and validates chat peers up front

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/zybochat/zybo-gateway/internal/auth"
	"github.com/zybochat/zybo-gateway/internal/presence"
	"github.com/zybochat/zybo-gateway/internal/store"
)

// UserResponse is a user as returned by the API.
type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

// MessageResponse is one stored message.
type MessageResponse struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"`
	SentAt    time.Time `json:"sent_at"`
	IsRead    bool      `json:"is_read"`
}

// ConversationResponse is a conversation with its full history, oldest first.
type ConversationResponse struct {
	ConversationID int64             `json:"conversation_id"`
	PeerID         int64             `json:"peer_id"`
	Messages       []MessageResponse `json:"messages"`
}

// ReadyResponse reports live session counts.
type ReadyResponse struct {
	Status      string                `json:"status"`
	Sessions    map[presence.Kind]int `json:"sessions"`
	OnlineUsers int                   `json:"online_users"`
}

func (g *Gateway) routes() http.Handler {
	r := mux.NewRouter()

	// Health endpoints - no auth required
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(auth.Middleware(g.identity), auth.RequireIdentity())

	authed.HandleFunc("/ws/presence/", g.handlePresenceSocket).Methods(http.MethodGet)
	authed.HandleFunc("/ws/chat/{peer_user_id:[0-9]+}/", g.handleChatSocket).Methods(http.MethodGet)

	authed.HandleFunc("/api/me", g.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/api/users", g.handleListUsers).Methods(http.MethodGet)
	authed.HandleFunc("/api/unread-counts", g.handleUnreadCounts).Methods(http.MethodGet)
	authed.HandleFunc("/api/conversations/{peer_user_id:[0-9]+}/messages", g.handleConversationMessages).Methods(http.MethodGet)

	return r
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports session counts, or 503 once shutdown has begun.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{
		Status:      "ready",
		Sessions:    g.sessions.Counts(),
		OnlineUsers: len(g.presence.OnlineUsers()),
	})
}

func (g *Gateway) handlePresenceSocket(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	identity := auth.FromContext(r.Context())

	conn, err := g.upgrader.upgrade(w, r)
	if err != nil {
		return
	}
	if err := g.manager.ServePresence(r.Context(), conn, identity); err != nil {
		g.logger.Debug("presence session rejected", "error", err)
	}
}

func (g *Gateway) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	identity := auth.FromContext(r.Context())

	peer, ok := g.resolvePeer(w, r, identity)
	if !ok {
		return
	}

	conn, err := g.upgrader.upgrade(w, r)
	if err != nil {
		return
	}
	if err := g.manager.ServeChat(r.Context(), conn, identity, peer.ID); err != nil {
		g.logger.Debug("chat session rejected", "error", err)
	}
}

// resolvePeer loads the {peer_user_id} route variable, writing 400 for the
// caller themselves and 404 for unknown users.
func (g *Gateway) resolvePeer(w http.ResponseWriter, r *http.Request, identity auth.Identity) (*store.User, bool) {
	peerID, err := strconv.ParseInt(mux.Vars(r)["peer_user_id"], 10, 64)
	if err != nil || peerID <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid peer_user_id")
		return nil, false
	}
	if peerID == identity.UserID {
		g.sendJSONError(w, http.StatusBadRequest, "cannot open a conversation with yourself")
		return nil, false
	}

	peer, err := g.store.GetUser(r.Context(), peerID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to load peer", "peer_id", peerID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return peer, true
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, UserResponse{
		ID:       identity.UserID,
		Username: identity.Username,
		IsOnline: g.presence.IsOnline(identity.UserID),
	})
}

// handleListUsers lists everyone except the caller. Online state comes from
// the live registry rather than the persisted flag.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	users, err := g.store.ListUsers(r.Context())
	if err != nil {
		g.logger.Error("failed to list users", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	others := lo.Filter(users, func(u *store.User, _ int) bool { return u.ID != identity.UserID })
	writeJSON(w, http.StatusOK, lo.Map(others, func(u *store.User, _ int) UserResponse {
		return UserResponse{ID: u.ID, Username: u.Username, IsOnline: g.presence.IsOnline(u.ID)}
	}))
}

func (g *Gateway) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	counts, err := g.store.UnreadCounts(r.Context(), identity.UserID)
	if err != nil {
		g.logger.Error("failed to count unread messages", "user_id", identity.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// handleConversationMessages gets or creates the conversation with the peer
// and returns its history.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	peer, ok := g.resolvePeer(w, r, identity)
	if !ok {
		return
	}

	conv, err := g.store.GetOrCreateConversation(r.Context(), identity.UserID, peer.ID)
	if err != nil {
		g.logger.Error("failed to resolve conversation", "peer_id", peer.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msgs, err := g.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		g.logger.Error("failed to list messages", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, ConversationResponse{
		ConversationID: conv.ID,
		PeerID:         peer.ID,
		Messages: lo.Map(msgs, func(m *store.Message, _ int) MessageResponse {
			return MessageResponse{
				ID:        m.ID,
				SenderID:  m.SenderID,
				Message:   m.Content,
				Timestamp: m.Timestamp.In(g.location).Format("15:04"),
				SentAt:    m.Timestamp.UTC(),
				IsRead:    m.IsRead,
			}
		}),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError sends a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
