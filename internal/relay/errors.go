package relay

import (
	"errors"
	"fmt"

	"github.com/omochice/channel-relay/pkg/protocol"
)

var (
	ErrNotJoined        = errors.New("relay: not joined")
	ErrAlreadyJoined    = errors.New("relay: a subscription is already active")
	ErrClosed           = errors.New("relay: closed")
	ErrOutboxFull       = errors.New("relay: outbox full")
	ErrHeartbeatTimeout = errors.New("relay: heartbeat timeout")
	ErrChannelError     = errors.New("relay: channel crashed on the server")
	ErrChannelClosed    = errors.New("relay: channel closed by the server")
)

// ConnectionError reports a failed connect: the endpoint was unreachable
// or the server refused the handshake, for instance because of the token.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// JoinRejectedError reports a join the server refused. Response is the
// reply payload as sent by the server.
type JoinRejectedError struct {
	Topic    string
	Response protocol.Payload
}

func (e *JoinRejectedError) Error() string {
	if e.Response.Reason == "" {
		return fmt.Sprintf("relay: join %q rejected", e.Topic)
	}
	return fmt.Sprintf("relay: join %q rejected: %s", e.Topic, e.Response.Reason)
}
