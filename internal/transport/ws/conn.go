// Package ws provides the WebSocket transport for relays and the channel
// server, built on gobwas/ws.
package ws

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn adapts a gobwas/ws connection to chat.Conn. One Conn type serves
// both ends: the side decides how frames are masked.
type Conn struct {
	conn   net.Conn
	side   ws.State
	rw     io.ReadWriter
	wmu    sync.Mutex
	closed sync.Once
}

// lockedRW routes control-frame answers written by wsutil readers through
// the same lock as data writes.
type lockedRW struct {
	r io.Reader
	c *Conn
}

func (l lockedRW) Read(p []byte) (int, error) {
	return l.r.Read(p)
}

func (l lockedRW) Write(p []byte) (int, error) {
	l.c.wmu.Lock()
	defer l.c.wmu.Unlock()
	return l.c.conn.Write(p)
}

// NewClientConn wraps a dialed connection. br holds bytes the server sent
// right after the handshake, it may be nil.
func NewClientConn(conn net.Conn, br *bufio.Reader) *Conn {
	return newConn(conn, br, ws.StateClientSide)
}

// NewServerConn wraps an upgraded connection.
func NewServerConn(conn net.Conn, br *bufio.Reader) *Conn {
	return newConn(conn, br, ws.StateServerSide)
}

func newConn(conn net.Conn, br *bufio.Reader, side ws.State) *Conn {
	c := &Conn{conn: conn, side: side}
	var r io.Reader = conn
	if br != nil && br.Buffered() > 0 {
		r = io.MultiReader(io.LimitReader(br, int64(br.Buffered())), conn)
	}
	c.rw = lockedRW{r: r, c: c}
	return c
}

// Read implements chat.Conn.
// Reads the next data message; pings are answered and a close frame ends
// the read with a wsutil.ClosedError.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, err
	}
	var (
		data []byte
		err  error
	)
	if c.side.ClientSide() {
		data, _, err = wsutil.ReadServerData(c.rw)
	} else {
		data, _, err = wsutil.ReadClientData(c.rw)
	}
	return data, err
}

// Write implements chat.Conn.
// Writes a binary message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline(ctx)); err != nil {
		return err
	}
	return wsutil.WriteMessage(c.conn, c.side, ws.OpBinary, data)
}

// Close implements chat.Conn.
// Sends a normal close frame once, then closes the socket.
func (c *Conn) Close() error {
	err := net.ErrClosed
	c.closed.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteMessage(c.conn, c.side, ws.OpClose, body)
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// deadline maps a context deadline onto the socket; zero means none.
func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}
