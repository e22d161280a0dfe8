// ABOUTME: Transport abstraction for one client connection
// ABOUTME: Sessions read and write whole transport messages through Conn

package session

import (
	"context"
	"errors"
)

// ErrAuthRequired is returned when an anonymous caller opens a session.
var ErrAuthRequired = errors.New("authentication required")

// ErrShuttingDown is returned when a session starts after the registry has
// begun closing everything.
var ErrShuttingDown = errors.New("server shutting down")

// Conn is one bidirectional client connection. Read is called from a single
// goroutine and Write from another; Close may be called from anywhere and
// more than once, and must unblock a pending Read.
type Conn interface {
	// Read blocks until the next transport message arrives. A message may
	// hold several newline-delimited frames.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one transport message.
	Write(ctx context.Context, data []byte) error

	// Close terminates the connection with a human-readable reason.
	Close(reason string) error
}
