package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/omochice/channel-relay/internal/auth"
	"github.com/omochice/channel-relay/internal/chat"
)

// DefaultPath is the socket mount path relays connect to.
const DefaultPath = "/socket"

const writeTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	Address      string
	Path         string
	OutgoingSize int
}

// Server accepts WebSocket connections and delegates them to a Hub.
type Server struct {
	cfg      Config
	hub      *chat.Hub
	auth     auth.Authenticator
	log      *slog.Logger
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New creates a WebSocket server that uses the provided Hub.
func New(cfg Config, hub *chat.Hub, authn auth.Authenticator, log *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	cfg.Path = "/" + strings.Trim(cfg.Path, "/")
	if authn == nil {
		authn = auth.NewStaticTokens()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		auth:   authn,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Conn]struct{}),
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes: the socket endpoint under
// <path>/websocket and a health check.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET(s.cfg.Path+transportSuffix, s.handleWebSocket)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": s.hub.ClientCount(),
			"topics":  s.hub.Topics(),
		})
	})
	return router
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until Stop is called. Listen must have
// succeeded.
func (s *Server) Serve() error {
	s.log.Info("WebSocket server started", "addr", s.Addr(), "path", s.cfg.Path+transportSuffix)
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops the server and closes every client connection.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("HTTP shutdown", "error", err)
	}
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if err := s.auth.Authenticate(c.Query("token")); err != nil {
		s.log.Info("Rejected connection", "remote", c.Request.RemoteAddr, "error", err)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	netConn, rw, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		s.log.Warn("Failed to accept WebSocket connection", "remote", c.Request.RemoteAddr, "error", err)
		return
	}
	var conn *Conn
	if rw != nil {
		conn = NewServerConn(netConn, rw.Reader)
	} else {
		conn = NewServerConn(netConn, nil)
	}

	if !s.track(conn) {
		_ = conn.Close()
		return
	}

	client := chat.NewClient(conn, s.cfg.OutgoingSize)
	s.wg.Add(2)
	go s.handleClient(client, conn)
	go s.writeLoop(client)
}

// track records conn for Stop; it reports false once stopping.
func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) handleClient(client *chat.Client, conn *Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()
	defer close(client.Outgoing)
	_ = s.hub.HandleClient(s.ctx, client)
}

func (s *Server) writeLoop(client *chat.Client) {
	defer s.wg.Done()
	for data := range client.Outgoing {
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := client.Conn.Write(ctx, data)
		cancel()
		if err != nil {
			s.log.Warn("Failed to write to WebSocket client", "client", client.ID, "error", err)
			_ = client.Conn.Close()
			for range client.Outgoing {
			}
			return
		}
	}
}
