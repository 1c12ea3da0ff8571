package syncengine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/events"
	"github.com/partyhub/partyhub/internal/registry"
)

// Sender delivers one event to one transport connection. It reports false when
// the connection is unknown or its send buffer is full; the engine treats that
// as a missed delivery to be repaired by resync.
type Sender interface {
	Send(connectionID string, event events.Event) bool
}

// Projector computes role-appropriate views of the canonical game state. The
// session layer implements it on top of the active game engine.
type Projector interface {
	Project(roomCode string) (*Projection, error)
}

// Projection is one canonical state plus its per-role views. HostView includes
// everything (answer keys and all); PlayerViews hold the personalized,
// answer-free view per player connection id.
type Projection struct {
	RoomState   string
	GameType    string
	HostView    any
	PlayerViews map[string]any
}

// Config bounds broadcast cadence.
type Config struct {
	// MinBroadcastInterval is the de-duplication floor: identical or
	// rapid-fire states are coalesced to at most one broadcast per
	// interval (5 Hz ceiling at the default).
	MinBroadcastInterval time.Duration
	// JoinGraceTick is how long after a join/reconnect the engine waits
	// before the follow-up delivery that repairs the delayed-join race.
	JoinGraceTick time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinBroadcastInterval: 200 * time.Millisecond,
		JoinGraceTick:        50 * time.Millisecond,
	}
}

type keepAlive struct {
	at       time.Time
	verified bool
}

type roomSync struct {
	version       uint64
	fingerprint   string
	lastBroadcast time.Time
	dirty         bool
	acks          map[string]uint64
	keepalives    map[string]keepAlive
}

// Engine pushes authoritative state to the right set of connections per role,
// tracks per-connection acknowledgment, and resynchronizes connections that
// missed an update.
type Engine struct {
	mu        sync.Mutex
	registry  *registry.Registry
	sender    Sender
	projector Projector
	clock     clockwork.Clock
	config    Config
	rooms     map[string]*roomSync
}

func New(reg *registry.Registry, sender Sender, projector Projector, clock clockwork.Clock, config Config) *Engine {
	if config.MinBroadcastInterval <= 0 {
		config = DefaultConfig()
	}
	return &Engine{
		registry:  reg,
		sender:    sender,
		projector: projector,
		clock:     clock,
		config:    config,
		rooms:     make(map[string]*roomSync),
	}
}

// SyncGameState derives per-role projections of the canonical state and
// broadcasts them to every connection registered for the room. A nil proj asks
// the projector for a fresh one. force bypasses de-duplication and throttling;
// it is used for terminal events like GAME_END so no client is left on a stale
// view.
func (e *Engine) SyncGameState(roomCode string, proj *Projection, force bool) error {
	if proj == nil {
		fresh, err := e.projector.Project(roomCode)
		if err != nil {
			return fmt.Errorf("project state for %s: %w", roomCode, err)
		}
		proj = fresh
	}

	fp, err := fingerprint(proj)
	if err != nil {
		return err
	}

	e.mu.Lock()
	rs := e.roomLocked(roomCode)
	now := e.clock.Now()
	if !force {
		if fp == rs.fingerprint {
			rs.dirty = false
			e.mu.Unlock()
			return nil
		}
		if !rs.lastBroadcast.IsZero() && now.Sub(rs.lastBroadcast) < e.config.MinBroadcastInterval {
			// Content changed but the throttle floor has not elapsed;
			// the flush loop will pick it up.
			rs.dirty = true
			e.mu.Unlock()
			return nil
		}
	}
	rs.version++
	rs.fingerprint = fp
	rs.lastBroadcast = now
	rs.dirty = false
	version := rs.version
	e.mu.Unlock()

	sent := 0
	for _, connID := range e.registry.SocketsInRoom(roomCode) {
		info := e.registry.RoomInfoBySocket(connID)
		if info == nil {
			continue
		}
		if e.sendState(roomCode, connID, info.Role, proj, version) {
			sent++
		}
	}
	log.Debug().
		Str("room_code", roomCode).
		Uint64("version", version).
		Int("connections", sent).
		Bool("force", force).
		Msg("game state broadcast")
	return nil
}

// SyncToPlayer unicasts the current state to a single connection. Used right
// after a join or reconnect so a fast client cannot act on a view it never
// received.
func (e *Engine) SyncToPlayer(roomCode, connectionID string, proj *Projection) error {
	if proj == nil {
		fresh, err := e.projector.Project(roomCode)
		if err != nil {
			return fmt.Errorf("project state for %s: %w", roomCode, err)
		}
		proj = fresh
	}
	info := e.registry.RoomInfoBySocket(connectionID)
	if info == nil {
		return fmt.Errorf("connection %s not registered", connectionID)
	}
	e.mu.Lock()
	version := e.roomLocked(roomCode).version
	e.mu.Unlock()
	e.sendState(roomCode, connectionID, info.Role, proj, version)
	return nil
}

// SyncPlayerList broadcasts the membership snapshot. Its cadence differs from
// game-state sync, so it is never throttled or de-duplicated.
func (e *Engine) SyncPlayerList(roomCode string, players []events.PlayerInfo) {
	payload, err := json.Marshal(events.PlayerListPayload{Players: players})
	if err != nil {
		return
	}
	e.Broadcast(roomCode, events.TypeRoomUpdate, payload)
}

// Broadcast fans one event out to every connection registered for a room.
func (e *Engine) Broadcast(roomCode string, eventType events.Type, data json.RawMessage) {
	ev := e.newEvent(roomCode, eventType, data)
	for _, connID := range e.registry.SocketsInRoom(roomCode) {
		e.sender.Send(connID, ev)
	}
}

// SendTo unicasts one event to one connection.
func (e *Engine) SendTo(roomCode, connectionID string, eventType events.Type, data json.RawMessage) bool {
	return e.sender.Send(connectionID, e.newEvent(roomCode, eventType, data))
}

// ResyncSocket re-delivers the current state to one connection right after a
// reconnection completes, rather than assuming the next wide broadcast will
// reach it. Returns the view that was delivered for the connection's role.
func (e *Engine) ResyncSocket(roomCode, connectionID string, role registry.Role) (*events.GameStatePayload, error) {
	proj, err := e.projector.Project(roomCode)
	if err != nil {
		return nil, fmt.Errorf("project state for %s: %w", roomCode, err)
	}

	e.mu.Lock()
	rs := e.roomLocked(roomCode)
	version := rs.version
	// A resync counts as the connection being caught up.
	rs.acks[connectionID] = version
	e.mu.Unlock()

	view := viewForRole(proj, connectionID, role)
	state, err := marshalView(view)
	if err != nil {
		return nil, err
	}
	payload := &events.GameStatePayload{
		Version:   version,
		RoomState: proj.RoomState,
		GameType:  proj.GameType,
		State:     state,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e.sender.Send(connectionID, e.newEvent(roomCode, events.TypeGameStateUpdate, data))
	return payload, nil
}

// HandleReconnection is the common reconnection flow: immediate unicast now,
// plus a scheduled re-delivery one grace tick later in case the transport had
// not finished establishing room membership when the unicast fired.
func (e *Engine) HandleReconnection(roomCode, connectionID string, role registry.Role) (*events.GameStatePayload, error) {
	payload, err := e.ResyncSocket(roomCode, connectionID, role)
	if err != nil {
		return nil, err
	}
	e.ScheduleJoinSync(roomCode, connectionID, role)
	return payload, nil
}

// ScheduleJoinSync arms the delayed-join repair: one grace tick after a
// connection joins, re-deliver the state unless an ACK for the current version
// arrived in the meantime.
func (e *Engine) ScheduleJoinSync(roomCode, connectionID string, role registry.Role) {
	e.clock.AfterFunc(e.config.JoinGraceTick, func() {
		if e.registry.RoomInfoBySocket(connectionID) == nil {
			return
		}
		e.mu.Lock()
		rs := e.roomLocked(roomCode)
		caughtUp := rs.acks[connectionID] >= rs.version && rs.version > 0
		e.mu.Unlock()
		if caughtUp {
			return
		}
		if _, err := e.ResyncSocket(roomCode, connectionID, role); err != nil {
			log.Debug().Err(err).
				Str("room_code", roomCode).
				Str("connection_id", connectionID).
				Msg("delayed join resync failed")
		}
	})
}

// TrackAck records that a connection confirmed receipt of a state version. A
// room no delivery was ever tracked for is ignored, so unsolicited acks with
// made-up codes cannot grow the map.
func (e *Engine) TrackAck(roomCode, connectionID string, version uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rooms[roomCode]
	if !ok {
		return
	}
	if version > rs.acks[connectionID] {
		rs.acks[connectionID] = version
	}
}

// LastAck returns the last state version a connection acknowledged.
func (e *Engine) LastAck(roomCode, connectionID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.rooms[roomCode]; ok {
		return rs.acks[connectionID]
	}
	return 0
}

// TrackKeepAlive records an application-level liveness probe, so health
// metrics reflect client confirmation rather than transport liveness alone.
// Only a verified probe, one whose room matches the connection's registration,
// may create tracking state for a room.
func (e *Engine) TrackKeepAlive(roomCode, connectionID string, verified bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rooms[roomCode]
	if !ok {
		if !verified {
			return
		}
		rs = e.roomLocked(roomCode)
	}
	rs.keepalives[connectionID] = keepAlive{at: e.clock.Now(), verified: verified}
}

// VerifiedCount reports how many connections in a room have sent a verified
// keepalive.
func (e *Engine) VerifiedCount(roomCode string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rooms[roomCode]
	if !ok {
		return 0
	}
	n := 0
	for _, ka := range rs.keepalives {
		if ka.verified {
			n++
		}
	}
	return n
}

// FlushPending rebroadcasts rooms whose last state change was swallowed by the
// throttle floor. The session facade drives it from its periodic flush task.
func (e *Engine) FlushPending() {
	e.mu.Lock()
	now := e.clock.Now()
	var due []string
	for code, rs := range e.rooms {
		if rs.dirty && now.Sub(rs.lastBroadcast) >= e.config.MinBroadcastInterval {
			due = append(due, code)
		}
	}
	e.mu.Unlock()

	for _, code := range due {
		if err := e.SyncGameState(code, nil, false); err != nil {
			log.Debug().Err(err).Str("room_code", code).Msg("pending flush failed")
		}
	}
}

// RemoveConnection drops ACK and keepalive bookkeeping for one connection.
func (e *Engine) RemoveConnection(roomCode, connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.rooms[roomCode]; ok {
		delete(rs.acks, connectionID)
		delete(rs.keepalives, connectionID)
	}
}

// CleanupRoom drops all ACK and de-duplication bookkeeping for a room once its
// game ends, so the maps cannot grow without bound.
func (e *Engine) CleanupRoom(roomCode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rooms, roomCode)
}

func (e *Engine) roomLocked(roomCode string) *roomSync {
	rs, ok := e.rooms[roomCode]
	if !ok {
		rs = &roomSync{
			acks:       make(map[string]uint64),
			keepalives: make(map[string]keepAlive),
		}
		e.rooms[roomCode] = rs
	}
	return rs
}

func (e *Engine) sendState(roomCode, connectionID string, role registry.Role, proj *Projection, version uint64) bool {
	view := viewForRole(proj, connectionID, role)
	state, err := marshalView(view)
	if err != nil {
		return false
	}
	data, err := json.Marshal(events.GameStatePayload{
		Version:   version,
		RoomState: proj.RoomState,
		GameType:  proj.GameType,
		State:     state,
	})
	if err != nil {
		return false
	}
	return e.sender.Send(connectionID, e.newEvent(roomCode, events.TypeGameStateUpdate, data))
}

func (e *Engine) newEvent(roomCode string, eventType events.Type, data json.RawMessage) events.Event {
	return events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		RoomCode:  roomCode,
		Timestamp: e.clock.Now(),
		Data:      data,
	}
}

// viewForRole picks the projection a connection is allowed to see: host roles
// get the full state, players get only their personalized view.
func viewForRole(proj *Projection, connectionID string, role registry.Role) any {
	switch role {
	case registry.RoleHostControl, registry.RoleHostDisplay:
		return proj.HostView
	default:
		if proj.PlayerViews == nil {
			return nil
		}
		return proj.PlayerViews[connectionID]
	}
}

func marshalView(view any) (json.RawMessage, error) {
	if view == nil {
		return nil, nil
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("marshal state view: %w", err)
	}
	return raw, nil
}

// fingerprint canonicalizes a projection for de-duplication. Player views are
// derived from the same canonical state as the host view, so the host view
// plus room state is a sufficient change detector.
func fingerprint(proj *Projection) (string, error) {
	raw, err := json.Marshal(struct {
		RoomState string `json:"room_state"`
		GameType  string `json:"game_type"`
		HostView  any    `json:"host_view"`
	}{proj.RoomState, proj.GameType, proj.HostView})
	if err != nil {
		return "", fmt.Errorf("fingerprint state: %w", err)
	}
	return string(raw), nil
}
