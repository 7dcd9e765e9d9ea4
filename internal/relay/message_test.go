package relay_test

import (
	"testing"

	"github.com/omochice/channel-relay/internal/relay"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		msg  relay.ChatMessage
		want string
	}{
		{name: "named author", msg: relay.ChatMessage{Author: "Alice", Body: "hi"}, want: "Alice: hi"},
		{name: "empty author", msg: relay.ChatMessage{Body: "hi"}, want: "Anonymous: hi"},
		{name: "empty body", msg: relay.ChatMessage{Author: "Bob"}, want: "Bob: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, relay.Render(tt.msg))
		})
	}
}

func TestStateStrings(t *testing.T) {
	req := require.New(t)

	req.Equal("disconnected", relay.ConnDisconnected.String())
	req.Equal("connecting", relay.ConnConnecting.String())
	req.Equal("connected", relay.ConnConnected.String())
	req.Equal("unknown", relay.ConnState(42).String())

	req.Equal("joining", relay.JoinJoining.String())
	req.Equal("joined", relay.JoinJoined.String())
	req.Equal("errored", relay.JoinErrored.String())
	req.Equal("closed", relay.JoinClosed.String())
	req.Equal("unknown", relay.JoinState(-1).String())
}

func TestErrors(t *testing.T) {
	req := require.New(t)

	cause := relay.ErrHeartbeatTimeout
	connErr := &relay.ConnectionError{Endpoint: "ws://host/socket", Err: cause}
	req.ErrorIs(connErr, cause)
	req.Contains(connErr.Error(), "ws://host/socket")

	rejected := &relay.JoinRejectedError{Topic: "badroom"}
	req.Equal(`relay: join "badroom" rejected`, rejected.Error())
	rejected.Response.Reason = "unmatched topic"
	req.Equal(`relay: join "badroom" rejected: unmatched topic`, rejected.Error())
}
