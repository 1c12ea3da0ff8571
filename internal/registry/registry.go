package registry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Role is a connection's capability class, fixed at registration time.
type Role string

const (
	RoleHostControl Role = "host-control"
	RoleHostDisplay Role = "host-display"
	RolePlayer      Role = "player"
)

// Connection is the ephemeral transport-side record for one socket. It is a
// separate lifecycle from the room Player correlated by connection id: a
// Player can stay DISCONNECTED long after its Connection record is removed.
type Connection struct {
	ID        string
	RoomCode  string
	IsHost    bool
	Role      Role
	Connected bool
	LastSeen  time.Time

	reconnectionAttempts int
	attemptWindowStart   time.Time
}

// RoomInfo is the immutable slice of a connection record callers branch on.
type RoomInfo struct {
	RoomCode string
	IsHost   bool
	Role     Role
}

// Health summarizes registry occupancy for the periodic health check.
type Health struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
	Stale        int `json:"stale"`
}

// Config bounds the reconnection throttle and staleness detection.
type Config struct {
	MaxReconnectionAttempts int
	ReconnectionWindow      time.Duration
	StaleAfter              time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectionAttempts: 5,
		ReconnectionWindow:      60 * time.Second,
		StaleAfter:              5 * time.Minute,
	}
}

// Registry is pure in-memory connection bookkeeping. Every lookup is
// non-throwing and it never touches durable storage, so it is cheap enough to
// consult on every inbound message.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	clock  clockwork.Clock
	config Config
}

func New(clock clockwork.Clock, config Config) *Registry {
	if config.MaxReconnectionAttempts <= 0 {
		config = DefaultConfig()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		clock:  clock,
		config: config,
	}
}

// Register upserts a connection record. Re-registering an existing id
// overwrites its room and role, which is what handles a duplicate reconnection
// from the same socket. Registration also resets the reconnection throttle.
func (r *Registry) Register(connectionID, roomCode string, isHost bool, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	conn, ok := r.conns[connectionID]
	if !ok {
		conn = &Connection{ID: connectionID}
		r.conns[connectionID] = conn
	}
	conn.RoomCode = roomCode
	conn.IsHost = isHost
	conn.Role = role
	conn.Connected = true
	conn.LastSeen = now
	conn.reconnectionAttempts = 0
	conn.attemptWindowStart = time.Time{}

	log.Debug().
		Str("connection_id", connectionID).
		Str("room_code", roomCode).
		Str("role", string(role)).
		Int("total_connections", len(r.conns)).
		Msg("connection registered")
}

// MarkDisconnected records a transport-level disconnect. The record is
// preserved so the session layer can decide whether this is a player-leave or
// a reconnectable drop. Returns the room info captured before mutation, or nil
// if the connection was never registered.
func (r *Registry) MarkDisconnected(connectionID string) *RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	info := &RoomInfo{RoomCode: conn.RoomCode, IsHost: conn.IsHost, Role: conn.Role}
	conn.Connected = false
	conn.LastSeen = r.clock.Now()
	return info
}

// Remove is the final, irreversible cleanup for a connection id. It is called
// once the session layer has fully resolved the disconnect.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connectionID]; ok {
		delete(r.conns, connectionID)
		log.Debug().Str("connection_id", connectionID).Msg("connection removed")
	}
}

// CanAttemptReconnection reports whether the throttle still permits a
// reconnection attempt for this connection id. Unknown ids are permitted; the
// attempt itself will create the record.
func (r *Registry) CanAttemptReconnection(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return true
	}
	if r.windowExpired(conn) {
		return true
	}
	return conn.reconnectionAttempts < r.config.MaxReconnectionAttempts
}

// RecordReconnectionAttempt counts an attempt against the sliding window and
// reports whether the caller should proceed. Exceeding the cap fails the
// attempt before any store lookup happens, which is the guard against
// token-guessing loops.
func (r *Registry) RecordReconnectionAttempt(connectionID string) (count int, shouldRetry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	conn, ok := r.conns[connectionID]
	if !ok {
		conn = &Connection{ID: connectionID, LastSeen: now}
		r.conns[connectionID] = conn
	}
	if r.windowExpired(conn) {
		conn.reconnectionAttempts = 0
		conn.attemptWindowStart = now
	}
	if conn.attemptWindowStart.IsZero() {
		conn.attemptWindowStart = now
	}
	conn.reconnectionAttempts++

	count = conn.reconnectionAttempts
	shouldRetry = count <= r.config.MaxReconnectionAttempts
	if !shouldRetry {
		log.Warn().
			Str("connection_id", connectionID).
			Int("attempts", count).
			Msg("reconnection attempts exhausted for window")
	}
	return count, shouldRetry
}

func (r *Registry) windowExpired(conn *Connection) bool {
	if conn.attemptWindowStart.IsZero() {
		return false
	}
	return r.clock.Since(conn.attemptWindowStart) > r.config.ReconnectionWindow
}

// SocketsInRoom returns the connection ids currently registered to a room,
// connected or not.
func (r *Registry) SocketsInRoom(roomCode string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, conn := range r.conns {
		if conn.RoomCode == roomCode {
			ids = append(ids, id)
		}
	}
	return ids
}

// RoomInfoBySocket returns the room/role info for a connection id, or nil.
func (r *Registry) RoomInfoBySocket(connectionID string) *RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	return &RoomInfo{RoomCode: conn.RoomCode, IsHost: conn.IsHost, Role: conn.Role}
}

// IsConnected reports transport-level liveness for a connection id.
func (r *Registry) IsConnected(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return ok && conn.Connected
}

// UpdateLastSeen refreshes liveness for a connection. Called by the ingress
// middleware on every inbound message.
func (r *Registry) UpdateLastSeen(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connectionID]; ok {
		conn.LastSeen = r.clock.Now()
	}
}

// HealthMetrics returns occupancy counts. Stale means disconnected and not
// seen within the staleness horizon.
func (r *Registry) HealthMetrics() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var h Health
	now := r.clock.Now()
	for _, conn := range r.conns {
		h.Total++
		if conn.Connected {
			h.Connected++
		} else {
			h.Disconnected++
			if now.Sub(conn.LastSeen) > r.config.StaleAfter {
				h.Stale++
			}
		}
	}
	return h
}

// CleanupStaleConnections purges records not seen within maxAge and returns
// how many were removed.
func (r *Registry) CleanupStaleConnections(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for id, conn := range r.conns {
		if !conn.Connected && now.Sub(conn.LastSeen) > maxAge {
			delete(r.conns, id)
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("purged stale connection records")
	}
	return removed
}

// SyncWithTransportLayer reconciles the registry against the transport's live
// connection set. Entries orphaned by a missed disconnect event are purged.
func (r *Registry) SyncWithTransportLayer(liveConnectionIDs map[string]struct{}) (removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		if _, live := liveConnectionIDs[id]; live {
			continue
		}
		if conn.Connected {
			// Registry thought this socket was live; the transport
			// disagrees and the transport wins.
			delete(r.conns, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		log.Warn().
			Int("removed", len(removed)).
			Msg("registry entries orphaned by missed disconnects purged")
	}
	return removed
}
