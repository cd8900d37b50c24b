// Package ws handles websocket connection management: authenticating and
// upgrading HTTP requests, running one read loop per client, and handing
// complete text frames to the dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/auth"
	"github.com/carpool/ridematch/internal/metrics"
)

// MaxFrameBytes caps an inbound data message, continuation frames included.
const MaxFrameBytes = 16 << 10

// ServerConfig holds tunable parameters for the websocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	MaxConnections  int           // hard cap on total connections
	WriteTimeout    time.Duration // timeout for websocket writes
	ShutdownTimeout time.Duration
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		MaxConnections:  10000,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the bearer credential of a handshake.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// Server is the websocket server built on gobwas/ws.
type Server struct {
	config       ServerConfig
	authn        Authenticator
	conns        *ConnectionManager
	router       *mux.Router
	logger       *slog.Logger
	onConnect    func(c *Connection)
	onMessage    func(c *Connection, data []byte)
	onDisconnect func(c *Connection)

	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	readers    sync.WaitGroup
	startedAt  time.Time
}

// NewServer creates a Server. Handshakes are authenticated with authn.
func NewServer(config ServerConfig, authn Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    config,
		authn:     authn,
		conns:     NewConnectionManager(),
		router:    mux.NewRouter(),
		logger:    logger.With("component", "ws"),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.router.HandleFunc("/ws", s.handleUpgrade).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return s
}

// SetOnConnect registers a callback run after a connection is upgraded and
// before its first frame is read.
func (s *Server) SetOnConnect(fn func(c *Connection)) { s.onConnect = fn }

// SetOnMessage registers the handler for complete text frames. It runs on
// the connection's read goroutine.
func (s *Server) SetOnMessage(fn func(c *Connection, data []byte)) { s.onMessage = fn }

// SetOnDisconnect registers a callback run once per removed connection.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) { s.onDisconnect = fn }

// Handler returns the HTTP routes: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler { return s.router }

// Router exposes the router for additional routes.
func (s *Server) Router() *mux.Router { return s.router }

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Start begins the heartbeat monitor and serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.StartHeartbeat()

	s.logger.Info("server listening", "addr", s.config.ListenAddr, "max_conns", s.config.MaxConnections)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the handshake and upgrades it. A missing or
// invalid credential is answered with 401 and no upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.authn.Verify(auth.TokenFromRequest(r))
	if err != nil {
		s.logger.Debug("handshake rejected", "remote", r.RemoteAddr, "err", err)
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newConnection(uuid.NewString(), identity, netConn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	s.logger.Info("new connection", "conn", c.ID, "user", c.UserID(), "total", s.conns.Count())

	if s.onConnect != nil {
		s.onConnect(c)
	}

	s.readers.Add(1)
	go s.readLoop(c)
}

// readLoop reads frames until the connection fails. Control frames are
// answered in place; text frames go to onMessage.
func (s *Server) readLoop(c *Connection) {
	defer s.readers.Done()
	defer s.RemoveConnection(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if !isClosedErr(err) {
				s.logger.Debug("read failed", "conn", c.ID, "err", err)
			}
			return
		}
		c.Touch()

		if header.OpCode.IsControl() {
			if !s.handleControl(c, header, reader) {
				return
			}
			continue
		}

		if header.Length > MaxFrameBytes {
			s.tooBig(c, header.Length)
			return
		}
		// Continuation frames count against the same cap.
		data, err := io.ReadAll(io.LimitReader(reader, MaxFrameBytes+1))
		if err != nil {
			return
		}
		if len(data) > MaxFrameBytes {
			s.tooBig(c, int64(len(data)))
			return
		}
		if header.OpCode != ws.OpText || len(data) == 0 {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

func (s *Server) tooBig(c *Connection, n int64) {
	s.logger.Warn("message too large", "conn", c.ID, "bytes", n)
	_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
}

// handleControl answers ping and close frames. It reports whether the
// connection should keep reading.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) bool {
	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			return false
		}
	}
	switch header.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload)) == nil
	case ws.OpClose:
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return false
	default:
		return true
	}
}

// RemoveConnection unregisters and closes c. The disconnect callback runs
// only for the call that actually removed it.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	s.logger.Info("connection closed", "conn", c.ID, "user", c.UserID(), "total", s.conns.Count())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops the listener, closes every connection and waits for the
// read loops to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.stopOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", "err", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
		_ = c.Close()
	}

	finished := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("server stopped")
	return err
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(apperr.CodeOf(err)),
		"message": apperr.MessageOf(err),
	})
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closed wsutil.ClosedError
	return errors.As(err, &closed)
}
