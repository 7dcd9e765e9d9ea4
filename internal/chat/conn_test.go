package chat_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/channel-relay/internal/chat"
	"github.com/omochice/channel-relay/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	writtenMu  sync.Mutex
	written    [][]byte
	closeOnce  sync.Once
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(_ context.Context, data []byte) error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.readCh) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

// push encodes f and makes it the next frame returned by Read.
func (m *mockConn) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	m.readCh <- data
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)

// next waits for the next frame queued for client.
func next(t *testing.T, client *chat.Client) protocol.Frame {
	t.Helper()
	select {
	case data := <-client.Outgoing:
		var f protocol.Frame
		require.NoError(t, f.Decode(data))
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outgoing frame")
		return protocol.Frame{}
	}
}

// nothing asserts that no frame is queued for client.
func nothing(t *testing.T, client *chat.Client) {
	t.Helper()
	select {
	case data := <-client.Outgoing:
		var f protocol.Frame
		_ = f.Decode(data)
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}
