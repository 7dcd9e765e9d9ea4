// Package chat implements the server side of the channel protocol: topic
// membership, join checks and broadcast, shared by every transport.
package chat

import "context"

// Conn abstracts a bidirectional connection to one relay.
// This interface isolates transport details from channel logic.
type Conn interface {
	// Read reads a single frame (protobuf bytes).
	// Returns an error once the connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame (protobuf bytes).
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
