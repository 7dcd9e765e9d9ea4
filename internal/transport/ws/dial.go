package ws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/ws"
)

// Vsn is the serializer version advertised on connect.
const Vsn = "2.0.0"

// transportSuffix is appended to the socket mount path, so "/socket"
// becomes "/socket/websocket".
const transportSuffix = "/websocket"

// EndpointURL turns a socket endpoint into the websocket URL to dial.
// http and https are mapped to ws and wss; params are added to the query.
func EndpointURL(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	if !strings.HasSuffix(u.Path, transportSuffix) {
		u.Path = strings.TrimSuffix(u.Path, "/") + transportSuffix
	}

	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("vsn", Vsn)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to a socket endpoint and returns a client-side Conn.
func Dial(ctx context.Context, endpoint string, params url.Values, timeout time.Duration) (*Conn, error) {
	target, err := EndpointURL(endpoint, params)
	if err != nil {
		return nil, err
	}

	dialer := ws.Dialer{Timeout: timeout}
	conn, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", redact(target), err)
	}

	c := NewClientConn(conn, br)
	if br != nil && br.Buffered() == 0 {
		ws.PutReader(br)
	}
	return c, nil
}

// redact hides the token from logs and errors.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
