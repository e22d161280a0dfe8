// ABOUTME: Chat session: one participant's connection to a two-party chat room
// ABOUTME: Persists messages, read receipts and deletions, and fans events out to the room

package session

import (
	"context"
	"strings"

	"github.com/zybochat/zybo-gateway/internal/auth"
	"github.com/zybochat/zybo-gateway/internal/dedupe"
	"github.com/zybochat/zybo-gateway/internal/presence"
)

// ChatSession is one chat connection between the caller and a peer.
type ChatSession struct {
	*conn
	peerID int64
	room   string

	joined     bool
	registered bool
}

// NewChatSession creates a chat session for an accepted connection.
func (m *Manager) NewChatSession(transport Conn, identity auth.Identity, peerID int64) *ChatSession {
	return &ChatSession{
		conn:   newConn(m, presence.KindChat, transport, identity),
		peerID: peerID,
	}
}

// ServeChat runs a chat session until the connection ends.
func (m *Manager) ServeChat(ctx context.Context, transport Conn, identity auth.Identity, peerID int64) error {
	return m.NewChatSession(transport, identity, peerID).Run(ctx)
}

// Room returns the session's group name, empty before Run.
func (s *ChatSession) Room() string {
	return s.room
}

// Run joins the chat room, announces the caller's status and processes
// inbound frames one at a time until the connection ends.
func (s *ChatSession) Run(ctx context.Context) error {
	if s.identity.IsAnonymous() {
		s.close(ErrAuthRequired.Error())
		return ErrAuthRequired
	}

	s.room = RoomName(s.identity.UserID, s.peerID)
	s.logger = s.logger.With("room", s.room)

	if !s.register(s.room) {
		s.close(ErrShuttingDown.Error())
		return ErrShuttingDown
	}
	go s.writeLoop(ctx)
	defer s.finish(s.teardown)

	s.mgr.groups.Join(s.room, s)
	s.joined = true

	s.mgr.presence.Register(ctx, s.identity.UserID, s.identity.Username, s.id, presence.KindChat)
	s.registered = true

	s.send(ctx, s.room, StatusChanged{UserID: s.identity.UserID, IsOnline: true})
	s.logger.Info("chat session joined", "peer_id", s.peerID)

	s.readLoop(ctx, s.handleFrame)
	return nil
}

func (s *ChatSession) teardown(ctx context.Context) {
	if s.joined {
		s.mgr.groups.Leave(s.room, s.id)
	}

	online := false
	if s.registered {
		online = s.mgr.presence.Unregister(ctx, s.identity.UserID, s.id)
	}

	if s.room != "" {
		s.send(ctx, s.room, StatusChanged{UserID: s.identity.UserID, IsOnline: online})
	}
}

func (s *ChatSession) handleFrame(ctx context.Context, raw []byte) {
	frame, err := ParseFrame(raw)
	if err != nil {
		s.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	switch f := frame.(type) {
	case SendMessage:
		s.handleMessage(ctx, f)
	case MarkAsRead:
		s.handleMarkAsRead(ctx, f)
	case TypingFrame:
		if f.Stop {
			s.send(ctx, s.room, StopTyping{UserID: s.identity.UserID})
		} else {
			s.send(ctx, s.room, Typing{UserID: s.identity.UserID})
		}
	case DeleteMessage:
		s.handleDelete(ctx, f)
	case UnknownFrame:
		s.logger.Debug("ignoring frame with unknown type", "type", f.Type)
	}
}

// handleMessage persists before broadcasting; a store failure suppresses the broadcast.
func (s *ChatSession) handleMessage(ctx context.Context, f SendMessage) {
	text := strings.TrimSpace(f.Message)
	if text == "" {
		return
	}

	var key dedupe.Key
	if f.ClientID != "" && s.mgr.dedupe != nil {
		key = dedupe.Key{UserID: s.identity.UserID, ClientID: f.ClientID}
		if s.mgr.dedupe.Seen(key) {
			s.logger.Debug("dropping retransmitted message", "client_id", f.ClientID)
			return
		}
	}
	forget := func() {
		if key.ClientID != "" {
			s.mgr.dedupe.Forget(key)
		}
	}

	conv, err := s.mgr.store.GetOrCreateConversation(ctx, s.identity.UserID, s.peerID)
	if err != nil {
		s.logger.Error("failed to resolve conversation", "peer_id", s.peerID, "error", err)
		forget()
		return
	}

	msg, err := s.mgr.store.CreateMessage(ctx, conv.ID, s.identity.UserID, text)
	if err != nil {
		s.logger.Error("failed to save message", "conversation_id", conv.ID, "error", err)
		forget()
		return
	}

	s.send(ctx, s.room, ChatMessage{
		MessageID:  msg.ID,
		Message:    msg.Content,
		SenderID:   s.identity.UserID,
		SenderName: s.identity.Username,
		Timestamp:  msg.Timestamp.In(s.mgr.location).Format("15:04"),
	})
}

// handleMarkAsRead broadcasts the receipt whatever the store outcome.
func (s *ChatSession) handleMarkAsRead(ctx context.Context, f MarkAsRead) {
	n, err := s.mgr.store.MarkRead(ctx, f.MessageIDs, s.identity.UserID)
	if err != nil {
		s.logger.Error("failed to mark messages read", "count", len(f.MessageIDs), "error", err)
	} else {
		s.logger.Debug("marked messages read", "requested", len(f.MessageIDs), "updated", n)
	}

	s.send(ctx, s.room, MessagesRead{MessageIDs: f.MessageIDs})
}

// handleDelete broadcasts the notice even when nothing was deleted.
func (s *ChatSession) handleDelete(ctx context.Context, f DeleteMessage) {
	n, err := s.mgr.store.DeleteMessage(ctx, f.MessageID, s.identity.UserID)
	if err != nil {
		s.logger.Error("failed to delete message", "message_id", f.MessageID, "error", err)
	} else if n == 0 {
		s.logger.Debug("delete matched no owned message", "message_id", f.MessageID)
	}

	s.send(ctx, s.room, MessageDeleted{MessageID: f.MessageID})
}
