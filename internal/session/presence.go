// ABOUTME: Presence session: announces a user's online state to the global presence group
// ABOUTME: Server-driven only; inbound client frames are ignored

package session

import (
	"context"

	"github.com/zybochat/zybo-gateway/internal/auth"
	"github.com/zybochat/zybo-gateway/internal/presence"
)

// PresenceSession is one presence connection.
type PresenceSession struct {
	*conn
	joined bool
}

// NewPresenceSession creates a presence session for an accepted connection.
func (m *Manager) NewPresenceSession(transport Conn, identity auth.Identity) *PresenceSession {
	return &PresenceSession{conn: newConn(m, presence.KindPresence, transport, identity)}
}

// ServePresence runs a presence session until the connection ends.
func (m *Manager) ServePresence(ctx context.Context, transport Conn, identity auth.Identity) error {
	return m.NewPresenceSession(transport, identity).Run(ctx)
}

// Run joins the presence group, announces the user, and blocks reading
// until the connection ends. Anonymous identities are closed immediately
// with ErrAuthRequired and cause no other side effects.
func (s *PresenceSession) Run(ctx context.Context) error {
	if s.identity.IsAnonymous() {
		s.close(ErrAuthRequired.Error())
		return ErrAuthRequired
	}

	if !s.register(PresenceGroup) {
		s.close(ErrShuttingDown.Error())
		return ErrShuttingDown
	}
	go s.writeLoop(ctx)
	defer s.finish(s.teardown)

	s.mgr.groups.Join(PresenceGroup, s)
	s.joined = true

	// the manager's presence observer broadcasts the announcement
	s.mgr.presence.Register(ctx, s.identity.UserID, s.identity.Username, s.id, presence.KindPresence)
	s.logger.Info("presence session joined")

	s.readLoop(ctx, func(_ context.Context, frame []byte) {
		s.logger.Debug("ignoring inbound frame on presence connection", "bytes", len(frame))
	})
	return nil
}

func (s *PresenceSession) teardown(ctx context.Context) {
	if !s.joined {
		return
	}

	s.mgr.presence.Unregister(ctx, s.identity.UserID, s.id)
	s.mgr.groups.Leave(PresenceGroup, s.id)
}
