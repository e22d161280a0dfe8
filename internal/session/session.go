// ABOUTME: Session manager and the connection plumbing shared by presence and chat sessions
// ABOUTME: Owns the outbound queue, writer goroutine, group membership and exactly-once teardown

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zybochat/zybo-gateway/internal/auth"
	"github.com/zybochat/zybo-gateway/internal/broadcast"
	"github.com/zybochat/zybo-gateway/internal/dedupe"
	"github.com/zybochat/zybo-gateway/internal/presence"
	"github.com/zybochat/zybo-gateway/internal/store"
)

const (
	defaultSendBuffer      = 64
	defaultTeardownTimeout = 5 * time.Second
)

// Options configures a Manager. Store, Groups, Presence and Sessions are required.
type Options struct {
	Store    store.Store
	Groups   broadcast.Groups
	Presence *presence.Registry
	Sessions *Registry

	// Dedupe drops message frames repeating a (user, client_id) pair. Optional.
	Dedupe *dedupe.Cache

	// Location renders message timestamps. Defaults to UTC.
	Location *time.Location

	SendBuffer      int
	TeardownTimeout time.Duration
	Logger          *slog.Logger
}

// Manager creates and runs sessions against shared collaborators.
type Manager struct {
	store           store.Store
	groups          broadcast.Groups
	presence        *presence.Registry
	sessions        *Registry
	dedupe          *dedupe.Cache
	location        *time.Location
	sendBuffer      int
	teardownTimeout time.Duration
	logger          *slog.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaultTeardownTimeout
	}
	m := &Manager{
		store:           opts.Store,
		groups:          opts.Groups,
		presence:        opts.Presence,
		sessions:        opts.Sessions,
		dedupe:          opts.Dedupe,
		location:        opts.Location,
		sendBuffer:      opts.SendBuffer,
		teardownTimeout: opts.TeardownTimeout,
		logger:          opts.Logger.With("component", "session"),
	}
	m.presence.OnChange(m.announcePresence)
	return m
}

// announcePresence tells the presence group about a user's state. Presence
// connections announce on every join and leave; chat connections only when
// they take the user online or offline.
func (m *Manager) announcePresence(ctx context.Context, c presence.Change) {
	if c.Kind != presence.KindPresence && !c.Transition {
		return
	}
	ev := PresenceChanged{UserID: c.UserID, Username: c.Username, IsOnline: c.Online}
	if err := m.groups.Send(ctx, PresenceGroup, ev); err != nil {
		m.logger.Warn("presence broadcast failed",
			"user_id", c.UserID,
			"online", c.Online,
			"error", err)
	}
}

// Sessions returns the session registry.
func (m *Manager) Sessions() *Registry {
	return m.sessions
}

// conn is the per-connection plumbing embedded by both session kinds. It is
// the broadcast.Member of the session.
type conn struct {
	id        string
	kind      presence.Kind
	identity  auth.Identity
	transport Conn
	mgr       *Manager
	logger    *slog.Logger

	out  chan broadcast.Event
	done chan struct{}

	closeOnce    sync.Once
	teardownOnce sync.Once
	writerDone   chan struct{}
}

func newConn(m *Manager, kind presence.Kind, transport Conn, identity auth.Identity) *conn {
	id := uuid.New().String()
	return &conn{
		id:         id,
		kind:       kind,
		identity:   identity,
		transport:  transport,
		mgr:        m,
		logger:     m.logger.With("session_id", id, "kind", kind, "user_id", identity.UserID),
		out:        make(chan broadcast.Event, m.sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID implements broadcast.Member.
func (c *conn) ID() string {
	return c.id
}

// Deliver implements broadcast.Member. A full queue means the client is not
// keeping up; the connection is closed, which ends the read loop and runs
// teardown.
func (c *conn) Deliver(ev broadcast.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- ev:
		return true
	default:
		c.logger.Warn("outbound queue full, closing connection", "event_type", ev.EventType())
		go c.close("send buffer full")
		return false
	}
}

func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		if err := c.transport.Close(reason); err != nil {
			c.logger.Debug("close failed", "error", err)
		}
	})
}

// register adds the connection to the session registry. It reports false
// when the registry is shutting down.
func (c *conn) register(group string) bool {
	return c.mgr.sessions.add(Entry{
		ID:          c.id,
		Kind:        c.kind,
		UserID:      c.identity.UserID,
		Group:       group,
		ConnectedAt: time.Now(),
		close: func(reason string) error {
			c.close(reason)
			return nil
		},
	})
}

// writeLoop renders queued events for this client and writes them until
// the session is done. A write failure closes the connection.
func (c *conn) writeLoop(ctx context.Context) {
	defer close(c.writerDone)

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.out:
			data, ok, err := Render(ev, c.identity.UserID)
			if err != nil {
				c.logger.Error("failed to render event", "event_type", ev.EventType(), "error", err)
				continue
			}
			if !ok {
				continue
			}
			if err := c.transport.Write(ctx, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close("write failed")
				return
			}
		}
	}
}

// readLoop hands every inbound frame to handle, in arrival order, until the
// transport fails or is closed.
func (c *conn) readLoop(ctx context.Context, handle func(ctx context.Context, frame []byte)) {
	for {
		data, err := c.transport.Read(ctx)
		if err != nil {
			c.logger.Debug("read loop ended", "error", err)
			return
		}
		for _, frame := range SplitFrames(data) {
			handle(ctx, frame)
		}
	}
}

// send broadcasts ev to group, logging failures.
func (c *conn) send(ctx context.Context, group string, ev broadcast.Event) {
	if err := c.mgr.groups.Send(ctx, group, ev); err != nil {
		c.logger.Warn("broadcast failed", "group", group, "event_type", ev.EventType(), "error", err)
	}
}

// finish runs cleanup once with a fresh bounded context, since the
// connection context may already be cancelled, then stops the writer and
// drops the registry entry.
func (c *conn) finish(cleanup func(ctx context.Context)) {
	c.teardownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.mgr.teardownTimeout)
		defer cancel()

		cleanup(ctx)

		close(c.done)
		c.close("session ended")
		<-c.writerDone
		c.mgr.sessions.remove(c.id)
		c.logger.Info("session closed")
	})
}
