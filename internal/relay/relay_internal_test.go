package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/omochice/channel-relay/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// fakeConn feeds frames pushed by the test to the relay and records
// what the relay writes.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []protocol.Frame
	gate    chan struct{}

	// answerBeats makes the conn reply to heartbeats like a server.
	answerBeats bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
		case <-ctx.Done():
		}
	}

	var f protocol.Frame
	if err := f.Decode(data); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	answer := c.answerBeats && f.Event == protocol.EventHeartbeat
	c.mu.Unlock()

	if answer {
		reply, err := f.Reply(protocol.StatusOK, "").Encode()
		if err != nil {
			return err
		}
		c.in <- reply
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// stall blocks writes until the returned release is called.
func (c *fakeConn) stall() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	return func() { close(gate) }
}

func (c *fakeConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

func (c *fakeConn) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, f := range c.frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// lastWritten waits for a written frame with the given event.
func (c *fakeConn) lastWritten(t *testing.T, event string) protocol.Frame {
	t.Helper()
	return c.writtenAfter(t, event, 0)
}

// writtenAfter waits until more than n frames with the given event were
// written and returns the latest.
func (c *fakeConn) writtenAfter(t *testing.T, event string, n int) protocol.Frame {
	t.Helper()
	var found protocol.Frame
	require.Eventually(t, func() bool {
		var seen int
		for _, f := range c.frames() {
			if f.Event == event {
				found = f
				seen++
			}
		}
		return seen > n
	}, time.Second, 5*time.Millisecond)
	return found
}

func startFake(t *testing.T, opts ...Option) (*Relay, *fakeConn) {
	t.Helper()
	return startFakeWith(t, newFakeConn(), opts...)
}

func startFakeWith(t *testing.T, conn *fakeConn, opts ...Option) (*Relay, *fakeConn) {
	t.Helper()
	o := defaultOptions()
	o.HeartbeatInterval = 0
	o.Logger = logs.GetLoggerFromLevel(slog.LevelDebug)
	for _, opt := range opts {
		opt(&o)
	}
	r := newRelay("fake://socket", o)
	r.start(conn)
	t.Cleanup(func() { _ = r.Close() })
	return r, conn
}

// joinFake joins topic and answers the join with an ok reply.
func joinFake(t *testing.T, r *Relay, conn *fakeConn, topic string) *Subscription {
	t.Helper()
	type result struct {
		sub *Subscription
		err error
	}
	done := make(chan result, 1)
	joins := conn.count(protocol.EventJoin)
	go func() {
		sub, err := r.Join(context.Background(), topic)
		done <- result{sub, err}
	}()

	join := conn.writtenAfter(t, protocol.EventJoin, joins)
	conn.push(t, join.Reply(protocol.StatusOK, ""))

	res := <-done
	require.NoError(t, res.err)
	return res.sub
}

func TestHeartbeat_Answered(t *testing.T) {
	conn := newFakeConn()
	conn.answerBeats = true
	r, _ := startFakeWith(t, conn, WithHeartbeatInterval(10*time.Millisecond))

	require.Eventually(t, func() bool {
		return conn.count(protocol.EventHeartbeat) >= 5
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Err())
	require.Equal(t, ConnConnected, r.State())
}

func TestHeartbeat_TimeoutClosesRelay(t *testing.T) {
	r, _ := startFake(t, WithHeartbeatInterval(20*time.Millisecond))

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("relay survived unanswered heartbeats")
	}
	require.ErrorIs(t, r.Err(), ErrHeartbeatTimeout)
	require.Equal(t, ConnDisconnected, r.State())
}

func TestDispatch_KeepsArrivalOrder(t *testing.T) {
	r, conn := startFake(t)

	sub := joinFake(t, r, conn, "room")

	for _, body := range []string{"a", "b", "c", "d"} {
		conn.push(t, protocol.Frame{Topic: "room", Event: protocol.EventNewMessage, Payload: protocol.Payload{Name: "x", Message: body}})
	}
	conn.push(t, protocol.Frame{Topic: "other", Event: protocol.EventNewMessage, Payload: protocol.Payload{Message: "elsewhere"}})

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, (<-sub.Messages()).Body)
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, got)

	select {
	case m := <-sub.Messages():
		t.Fatalf("message from another topic delivered: %+v", m)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestDispatch_ServerClosesChannel(t *testing.T) {
	tests := []struct {
		event   string
		wantErr error
	}{
		{event: protocol.EventClose, wantErr: ErrChannelClosed},
		{event: protocol.EventError, wantErr: ErrChannelError},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			r, conn := startFake(t)

			sub := joinFake(t, r, conn, "room")

			conn.push(t, protocol.Frame{Topic: "room", Event: tt.event})

			<-sub.Done()
			require.Equal(t, JoinClosed, sub.State())
			require.ErrorIs(t, sub.Err(), tt.wantErr)
			require.ErrorIs(t, r.Send("a", "b"), ErrNotJoined)
			require.NoError(t, r.Err(), "the socket stays up")
		})
	}
}

func TestSend_OutboxFull(t *testing.T) {
	r, conn := startFake(t, WithOutboxSize(1))

	joinFake(t, r, conn, "room")

	release := conn.stall()
	defer release()

	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := r.Send("a", "b")
		if err != nil {
			require.ErrorIs(t, err, ErrOutboxFull)
			full = true
		}
	}
	require.True(t, full, "Send never reported a full outbox")
}

func TestSend_ChatFrame(t *testing.T) {
	r, conn := startFake(t)

	sub := joinFake(t, r, conn, "Ricotta")

	require.NoError(t, r.Send("", "hello"))

	f := conn.lastWritten(t, protocol.EventNewMessage)
	require.Equal(t, "Ricotta", f.Topic)
	require.Equal(t, sub.joinRef, f.JoinRef)
	require.NotEmpty(t, f.Ref)
	require.Equal(t, protocol.Payload{Name: "", Message: "hello"}, f.Payload)
}

func TestDispatch_FullInboxKeepsRelayAlive(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	conn.answerBeats = true
	r, _ := startFakeWith(t, conn, WithInboxSize(2), WithHeartbeatInterval(10*time.Millisecond))

	sub := joinFake(t, r, conn, "room")

	for _, body := range []string{"a", "b", "c", "d", "e"} {
		conn.push(t, protocol.Frame{Topic: "room", Event: protocol.EventNewMessage, Payload: protocol.Payload{Message: body}})
	}
	req.Eventually(func() bool { return sub.Dropped() == 3 }, time.Second, 5*time.Millisecond)

	beats := conn.count(protocol.EventHeartbeat)
	req.Eventually(func() bool { return conn.count(protocol.EventHeartbeat) >= beats+5 }, time.Second, 5*time.Millisecond)
	req.NoError(r.Err())
	req.Equal(JoinJoined, sub.State())
	req.NoError(r.Send("Alice", "still here"))

	req.Equal("a", (<-sub.Messages()).Body)
	req.Equal("b", (<-sub.Messages()).Body)
}

func TestJoin_CancelledSendsLeave(t *testing.T) {
	req := require.New(t)
	r, conn := startFake(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Join(ctx, "room")
		errc <- err
	}()

	join := conn.lastWritten(t, protocol.EventJoin)
	cancel()
	req.ErrorIs(<-errc, context.Canceled)

	leave := conn.lastWritten(t, protocol.EventLeave)
	req.Equal("room", leave.Topic)
	req.Equal(join.JoinRef, leave.JoinRef)

	// The server's late answer does not revive the abandoned join.
	conn.push(t, join.Reply(protocol.StatusOK, ""))
	time.Sleep(20 * time.Millisecond)
	req.Equal(JoinErrored, r.Subscription().State())

	sub := joinFake(t, r, conn, "room")
	req.Equal(JoinJoined, sub.State())
	req.NotEqual(join.JoinRef, sub.joinRef)
}

func TestLeave_QueuedWhenContextDone(t *testing.T) {
	req := require.New(t)
	r, conn := startFake(t)
	sub := joinFake(t, r, conn, "room")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.ErrorIs(sub.Leave(ctx), context.Canceled)
	req.Equal(JoinClosed, sub.State())

	leave := conn.lastWritten(t, protocol.EventLeave)
	req.Equal("room", leave.Topic)
	req.Equal(sub.joinRef, leave.JoinRef)
}
