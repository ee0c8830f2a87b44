// Package chat provides the core chat domain logic shared by all transports:
// sessions, rooms and the directory that routes messages between them.
package chat

import "context"

// Conn abstracts a bidirectional framed connection for both TCP and WebSocket.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read reads a single frame and returns its payload (protobuf wire bytes).
	// Returns io.EOF when the peer closed the connection. Read must return
	// promptly once ctx is canceled.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single payload as one frame. It honors the ctx deadline.
	Write(ctx context.Context, payload []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
