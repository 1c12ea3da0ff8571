// Package gateway is the WebSocket transport. It owns sockets and their
// pumps, translates client messages into session facade calls, and delivers
// server events. Everything stateful about rooms and players lives behind
// the facade; the gateway only knows connection ids.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/events"
	"github.com/partyhub/partyhub/internal/session"
)

// Config holds WebSocket transport tuning.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Conn is one client socket.
type Conn struct {
	id          string
	sock        *websocket.Conn
	send        chan []byte
	manager     *Manager
	connectedAt time.Time

	closeOnce sync.Once
}

// Manager owns every live socket, keyed by connection id. It implements
// syncengine.Sender and session.TransportStats.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	upgrader websocket.Upgrader
	config   Config
	session  *session.Facade
}

func NewManager(facade *session.Facade, config Config) *Manager {
	if config.SendBuffer <= 0 {
		config = DefaultConfig()
	}
	return &Manager{
		conns: make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		session: facade,
	}
}

// ServeWS upgrades an HTTP request and starts the connection's pumps. Each
// socket gets a fresh connection id; identity across sockets is the session
// layer's business.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := &Conn{
		id:          uuid.NewString(),
		sock:        sock,
		send:        make(chan []byte, m.config.SendBuffer),
		manager:     m,
		connectedAt: time.Now(),
	}

	m.mu.Lock()
	m.conns[conn.id] = conn
	total := len(m.conns)
	m.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.id).
		Str("remote_addr", r.RemoteAddr).
		Int("total_connections", total).
		Msg("WebSocket connection established")
}

// Send implements syncengine.Sender. A full send buffer means the client is
// not draining; the connection is dropped and the delivery reported as
// missed so the resync path repairs it on reconnect.
func (m *Manager) Send(connectionID string, ev events.Event) bool {
	m.mu.RLock()
	conn, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to marshal event")
		return false
	}

	select {
	case conn.send <- data:
		return true
	default:
		log.Warn().
			Str("connection_id", connectionID).
			Str("event_type", string(ev.Type)).
			Msg("send buffer full, closing connection")
		conn.close()
		return false
	}
}

// LiveConnectionIDs implements session.TransportStats for the periodic
// registry reconciliation.
func (m *Manager) LiveConnectionIDs() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live := make(map[string]struct{}, len(m.conns))
	for id := range m.conns {
		live[id] = struct{}{}
	}
	return live
}

// ConnectionCount reports live sockets for the stats endpoint.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// drop removes the socket and tells the session layer, which decides whether
// this is a leave or a reconnectable drop.
func (m *Manager) drop(conn *Conn) {
	m.mu.Lock()
	_, present := m.conns[conn.id]
	delete(m.conns, conn.id)
	m.mu.Unlock()
	if !present {
		return
	}
	close(conn.send)
	m.session.HandleDisconnect(conn.id)
	log.Info().Str("connection_id", conn.id).Msg("connection dropped")
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.sock.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.manager.drop(c)
		c.close()
	}()

	c.sock.SetReadLimit(c.manager.config.MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.manager.session.Touch(c.id)
		return nil
	})

	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("unexpected WebSocket close")
			}
			break
		}
		c.manager.handleMessage(c, message)
		c.sock.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
