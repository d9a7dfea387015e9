package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/robot-bridge/internal/bridge"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/config"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/logging"
)

// wsSendBufferSize is the default per-client outbound frame buffer.
const wsSendBufferSize = 64

// ErrTooManyClients is returned by Register when max_connections is reached.
var ErrTooManyClients = errors.New("api: too many websocket clients")

// Hub tracks open channels so they can be counted, limited and closed
// together on shutdown.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	closed  bool
	mu      sync.RWMutex

	// pumps counts running read pumps; Wait blocks until they exit.
	pumps sync.WaitGroup
}

// WSClient is one browser channel and its session.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session *bridge.Session
	remote  string
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every channel.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register admits a client, enforcing max_connections (0 = unlimited).
func (h *Hub) Register(client *WSClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrTooManyClients
	}
	if h.cfg.MaxConnections > 0 && len(h.clients) >= h.cfg.MaxConnections {
		return ErrTooManyClients
	}
	h.clients[client] = struct{}{}
	return nil
}

// attach records the upgraded connection. It reports false when the hub
// closed in between, in which case the caller owns conn and must close it.
func (h *Hub) attach(client *WSClient, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	client.conn = conn
	h.pumps.Add(1)
	return true
}

// Unregister removes a client. Only the goroutine that actually removes it
// closes the send channel, so shutdown cannot double-close.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Wait blocks until every read pump has exited.
func (h *Hub) Wait() {
	h.pumps.Wait()
}

// closeAll disconnects all clients and closes their send channels so the
// pumps exit. Later Register calls fail.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket accepts a channel and pairs it with a new session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	client := &WSClient{
		hub:    s.hub,
		send:   make(chan []byte, s.wsCfg.SendBuffer),
		remote: r.RemoteAddr,
	}

	// Reserve the slot before upgrading so the limit is exact.
	if err := s.hub.Register(client); err != nil {
		s.logger.Warn("websocket rejected", "remote", r.RemoteAddr, "clients", s.hub.ClientCount())
		writeUnavailable(w, "too many connections")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.hub.Unregister(client)
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session, err := bridge.NewSession(bridge.SessionOptions{
		Device:           s.link,
		Emit:             client.emit,
		PollInterval:     s.pollInterval,
		AnnounceOnAttach: true,
		Logger:           s.logger,
	})
	if err != nil {
		s.hub.Unregister(client)
		conn.Close()
		s.logger.Error("creating session failed", "error", err)
		return
	}
	client.session = session

	if !s.hub.attach(client, conn) {
		conn.Close()
		return
	}

	s.logger.Info("websocket client connected",
		"session", session.ID(),
		"remote", client.remote,
		"clients", s.hub.ClientCount(),
	)

	go client.writePump(s.wsCfg)
	session.Start(s.ctx)
	go client.readPump(s.ctx, s.wsCfg)
}

// emit queues a status event for the write pump.
func (c *WSClient) emit(ev bridge.StatusEvent) {
	data, err := ev.Encode()
	if err != nil {
		c.hub.logger.Error("encoding status event failed", "error", err)
		return
	}
	if !c.trySend(data) {
		c.hub.logger.Warn("websocket send buffer full, dropping status",
			"session", c.session.ID(),
			"robot_connected", ev.Data.RobotConnected,
		)
	}
}

// readPump feeds frames to the session in arrival order. Returning ends the
// channel: the session is closed first so it emits nothing further.
func (c *WSClient) readPump(ctx context.Context, cfg config.WebSocketConfig) {
	defer func() {
		c.session.Close()
		c.hub.Unregister(c)
		c.conn.Close()
		c.hub.logger.Info("websocket client disconnected",
			"session", c.session.ID(),
			"remote", c.remote,
			"clients", c.hub.ClientCount(),
		)
		c.hub.pumps.Done()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "session", c.session.ID(), "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "session", c.session.ID(), "error", err)
			}
			return
		}
		// Any client frame counts as liveness, even if the browser
		// never answers protocol-level pings.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		if err := c.session.Handle(ctx, message); err != nil {
			c.hub.logger.Error("ending websocket session", "session", c.session.ID(), "error", err)
			return
		}
	}
}

// writePump writes queued frames and keepalive pings.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the channel has already been closed.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
