// ABOUTME: WebSocket transport for sessions built on gorilla/websocket
// ABOUTME: Handles upgrades, origin checks, read limits, ping/pong keepalive and serialized writes

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/zybochat/zybo-gateway/internal/config"
	"github.com/zybochat/zybo-gateway/internal/session"
)

// upgrader upgrades HTTP requests and wraps the result as a session.Conn.
type upgrader struct {
	ws           websocket.Upgrader
	maxFrame     int64
	writeTimeout time.Duration
	pongWait     time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

const defaultWriteTimeout = 10 * time.Second

func newUpgrader(allowedOrigins []string, chat config.ChatConfig, logger *slog.Logger) *upgrader {
	if chat.WriteTimeout <= 0 {
		chat.WriteTimeout = defaultWriteTimeout
	}
	return &upgrader{
		ws: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		maxFrame:     chat.MaxFrameBytes,
		writeTimeout: chat.WriteTimeout,
		pongWait:     chat.PongWait,
		pingInterval: chat.PingInterval,
		logger:       logger,
	}
}

// originChecker allows requests without an Origin header, same-host origins,
// and anything listed. "*" allows every origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := lo.Contains(allowed, "*")
	normalized := lo.Map(allowed, func(o string, _ int) string {
		return strings.TrimSuffix(strings.ToLower(o), "/")
	})

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		if lo.Contains(normalized, strings.ToLower(origin)) {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// upgrade switches the request to a WebSocket. On failure gorilla has
// already written the HTTP error response.
func (u *upgrader) upgrade(w http.ResponseWriter, r *http.Request) (*wsConn, error) {
	ws, err := u.ws.Upgrade(w, r, nil)
	if err != nil {
		u.logger.Debug("websocket upgrade failed", "path", r.URL.Path, "origin", r.Header.Get("Origin"), "error", err)
		return nil, err
	}
	return newWSConn(ws, u), nil
}

// wsConn adapts a gorilla connection to session.Conn. gorilla allows one
// concurrent reader and one concurrent writer; writes are serialized here so
// data frames and pings never interleave.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ session.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, u *upgrader) *wsConn {
	c := &wsConn{
		ws:           ws,
		writeTimeout: u.writeTimeout,
		pongWait:     u.pongWait,
		closed:       make(chan struct{}),
	}

	if u.maxFrame > 0 {
		ws.SetReadLimit(u.maxFrame)
	}
	if c.pongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.pongWait))
		})
	}
	if u.pingInterval > 0 {
		go c.pingLoop(u.pingInterval)
	}
	return c
}

// Read implements session.Conn. Closing the connection unblocks it.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write implements session.Conn.
func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close implements session.Conn. It sends a close frame carrying reason and
// releases the socket; later calls are no-ops.
func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(reason))
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close("ping failed")
				return
			}
		}
	}
}

// Close frame payloads are limited to 125 bytes, two of which hold the code.
func truncateReason(reason string) string {
	const maxReason = 123
	if len(reason) <= maxReason {
		return reason
	}
	return reason[:maxReason]
}
