// Package session is the single entry point the transport layer talks to. It
// composes the connection registry, room store, sync engine, intent pipeline,
// and game engines into the room/reconnection coordinator, and owns the
// decisions none of those components can make alone: whether a disconnect is
// a leave or a reconnectable drop, when a game transitions, and what every
// client must be told about it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/auth"
	"github.com/partyhub/partyhub/internal/events"
	"github.com/partyhub/partyhub/internal/game"
	"github.com/partyhub/partyhub/internal/intent"
	"github.com/partyhub/partyhub/internal/registry"
	"github.com/partyhub/partyhub/internal/room"
	"github.com/partyhub/partyhub/internal/syncengine"
)

// Relay publishes room lifecycle events to the message bus for downstream
// consumers. All methods are fire-and-forget; relay failures never affect the
// session.
type Relay interface {
	RoomCreated(roomCode, hostUserID string)
	RoomEnded(roomCode string)
	GameStarted(roomCode, gameType string)
	GameEnded(roomCode, gameType string, scoreboard []events.ScoreboardLine)
}

// TransportStats exposes the transport layer's live connection set for the
// periodic registry reconciliation.
type TransportStats interface {
	LiveConnectionIDs() map[string]struct{}
}

// Config bounds the facade's timers and retry policy.
type Config struct {
	// WarmupDelay is the STARTING countdown before gameplay begins.
	WarmupDelay time.Duration
	// TeardownDelay is how long GAME_END stays visible before the room
	// returns to LOBBY.
	TeardownDelay time.Duration
	// HostVerifyRetries bounds retried host-token reads on transient
	// store failures. Definitive results are never retried.
	HostVerifyRetries int
	// HostVerifyBackoff is the base delay between retries; attempt n
	// waits n times this.
	HostVerifyBackoff time.Duration
	// RequireAuth rejects anonymous room creation when set.
	RequireAuth bool

	FlushInterval       time.Duration
	MaintenanceInterval time.Duration
	ReaperInterval      time.Duration
	SweepInterval       time.Duration
	StaleAfter          time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarmupDelay:         3 * time.Second,
		TeardownDelay:       5 * time.Second,
		HostVerifyRetries:   3,
		HostVerifyBackoff:   100 * time.Millisecond,
		FlushInterval:       100 * time.Millisecond,
		MaintenanceInterval: 30 * time.Second,
		ReaperInterval:      time.Minute,
		SweepInterval:       10 * time.Minute,
		StaleAfter:          5 * time.Minute,
	}
}

// Deps are the facade's collaborators. Verifier, Relay, and Transport are
// optional.
type Deps struct {
	Rooms     *room.Store
	Registry  *registry.Registry
	Games     *game.Registry
	Sender    syncengine.Sender
	Verifier  auth.Verifier
	Relay     Relay
	Transport TransportStats
	Clock     clockwork.Clock

	SyncConfig   syncengine.Config
	IntentConfig intent.Config
}

type activeGame struct {
	engine     game.Engine
	generation uint64
}

// Facade coordinates one process's rooms. It implements syncengine.Projector
// and intent.Engines, closing the loop between state changes and broadcasts.
type Facade struct {
	mu         sync.Mutex
	active     map[string]*activeGame
	generation uint64

	rooms    *room.Store
	registry *registry.Registry
	games    *game.Registry
	sync     *syncengine.Engine
	pipeline *intent.Pipeline

	verifier  auth.Verifier
	relay     Relay
	transport TransportStats
	clock     clockwork.Clock
	config    Config
}

func New(deps Deps, config Config) *Facade {
	if config.WarmupDelay <= 0 {
		config = DefaultConfig()
	}
	f := &Facade{
		active:    make(map[string]*activeGame),
		rooms:     deps.Rooms,
		registry:  deps.Registry,
		games:     deps.Games,
		verifier:  deps.Verifier,
		relay:     deps.Relay,
		transport: deps.Transport,
		clock:     deps.Clock,
		config:    config,
	}
	f.sync = syncengine.New(deps.Registry, deps.Sender, f, deps.Clock, deps.SyncConfig)
	f.pipeline = intent.NewPipeline(deps.Registry, f, f.broadcast, deps.Clock, deps.IntentConfig)
	return f
}

// Sync exposes the sync engine for the transport layer's ACK and keepalive
// plumbing.
func (f *Facade) Sync() *syncengine.Engine {
	return f.sync
}

// BindTransport attaches the transport's live-connection view after
// construction. The transport needs the facade to exist first, so this
// cannot be a Deps field in practice.
func (f *Facade) BindTransport(t TransportStats) {
	f.transport = t
}

// CreateRoomResult answers a create_room request.
type CreateRoomResult struct {
	Status
	RoomCode  string   `json:"room_code,omitempty"`
	HostToken string   `json:"host_token,omitempty"`
	GameTypes []string `json:"game_types,omitempty"`
}

// CreateRoom opens a new room with the caller as host-control. The returned
// host token is the host's reconnection credential; it is delivered exactly
// once here and on explicit regeneration.
func (f *Facade) CreateRoom(ctx context.Context, connectionID, authToken string) CreateRoomResult {
	hostUserID := ""
	if authToken != "" {
		if f.verifier == nil {
			return CreateRoomResult{Status: failure(CodeAuthInvalid, "auth not configured")}
		}
		userID, err := f.verifier.Verify(ctx, authToken)
		if err != nil {
			return CreateRoomResult{Status: failure(CodeAuthInvalid, "auth token rejected")}
		}
		hostUserID = userID
	} else if f.config.RequireAuth {
		return CreateRoomResult{Status: failure(CodeAuthRequired, "auth token required")}
	}

	r, err := f.rooms.CreateRoom(ctx, connectionID, hostUserID)
	if err != nil {
		return CreateRoomResult{Status: mapRoomError(err)}
	}
	f.registry.Register(connectionID, r.Code, true, registry.RoleHostControl)
	if f.relay != nil {
		f.relay.RoomCreated(r.Code, hostUserID)
	}
	return CreateRoomResult{
		Status:    ok(),
		RoomCode:  r.Code,
		HostToken: r.Host.Token,
		GameTypes: f.games.Types(),
	}
}

// JoinRoomResult answers a join_room request. PlayerToken is the player's
// reconnection credential.
type JoinRoomResult struct {
	Status
	RoomCode    string              `json:"room_code,omitempty"`
	RoomState   string              `json:"room_state,omitempty"`
	Player      *events.PlayerInfo  `json:"player,omitempty"`
	PlayerToken string              `json:"player_token,omitempty"`
	Players     []events.PlayerInfo `json:"players,omitempty"`
}

// JoinRoom adds a player to a room by code. A disconnected player rejoining
// under the same name reclaims their old slot, score included.
func (f *Facade) JoinRoom(connectionID, code, name string) JoinRoomResult {
	player, err := f.rooms.JoinRoom(code, connectionID, name)
	if err != nil {
		return JoinRoomResult{Status: mapRoomError(err)}
	}
	r, err := f.rooms.GetRoom(code)
	if err != nil {
		return JoinRoomResult{Status: mapRoomError(err)}
	}
	token, err := f.rooms.IssuePlayerToken(r.Code, player.ID, player.Name)
	if err != nil {
		return JoinRoomResult{Status: mapRoomError(err)}
	}
	f.registry.Register(connectionID, r.Code, false, registry.RolePlayer)

	info := playerInfo(player)
	data, _ := json.Marshal(events.PlayerEventPayload{PlayerID: player.ID, PlayerName: player.Name})
	f.sync.Broadcast(r.Code, events.TypePlayerJoined, data)
	f.sync.SyncPlayerList(r.Code, f.playersSnapshot(r.Code))
	if _, err := f.sync.HandleReconnection(r.Code, connectionID, registry.RolePlayer); err != nil {
		log.Debug().Err(err).Str("room_code", r.Code).Msg("post-join sync failed")
	}

	return JoinRoomResult{
		Status:      ok(),
		RoomCode:    r.Code,
		RoomState:   string(r.State),
		Player:      &info,
		PlayerToken: token,
		Players:     f.playersSnapshot(r.Code),
	}
}

// ReconnectResult answers reconnect_host, reconnect_player, and display-join
// requests.
type ReconnectResult struct {
	Status
	RoomCode      string                   `json:"room_code,omitempty"`
	Role          registry.Role            `json:"role,omitempty"`
	HostToken     string                   `json:"host_token,omitempty"`
	Player        *events.PlayerInfo       `json:"player,omitempty"`
	RestoredScore int                      `json:"restored_score,omitempty"`
	Players       []events.PlayerInfo      `json:"players,omitempty"`
	State         *events.GameStatePayload `json:"state,omitempty"`
	Retryable     bool                     `json:"retryable,omitempty"`
}

// ReconnectHost re-attaches a host connection holding a valid host token.
// Token reads hitting transient store failures are retried with linear
// backoff; definitive rejections fail immediately. A room lost to process
// churn is rebuilt from the durable store.
func (f *Facade) ReconnectHost(ctx context.Context, connectionID, code, hostToken string) ReconnectResult {
	code = room.NormalizeCode(code)
	throttleKey := "reconnect:host:" + code

	if res, blocked := f.checkThrottle(throttleKey); blocked {
		return res
	}

	if err := f.verifyHostTokenWithRetry(ctx, code, hostToken); err != nil {
		if errors.Is(err, room.ErrTokenInvalid) {
			return ReconnectResult{Status: failure(CodeAuthInvalid, "host token rejected")}
		}
		return ReconnectResult{Status: mapRoomError(err)}
	}

	r, err := f.rooms.GetRoom(code)
	if errors.Is(err, room.ErrRoomNotFound) {
		r, err = f.rooms.RestoreRoom(ctx, code, connectionID)
	}
	if err != nil {
		return ReconnectResult{Status: mapRoomError(err)}
	}
	if err := f.rooms.ReplaceHostSocket(r.Code, connectionID, registry.RoleHostControl); err != nil {
		return ReconnectResult{Status: mapRoomError(err)}
	}

	f.registry.Register(connectionID, r.Code, true, registry.RoleHostControl)
	f.registry.Remove(throttleKey)

	state, err := f.sync.HandleReconnection(r.Code, connectionID, registry.RoleHostControl)
	if err != nil {
		log.Debug().Err(err).Str("room_code", r.Code).Msg("host resync failed")
	}
	log.Info().Str("room_code", r.Code).Str("connection_id", connectionID).Msg("host reconnected")
	return ReconnectResult{
		Status:    ok(),
		RoomCode:  r.Code,
		Role:      registry.RoleHostControl,
		HostToken: hostToken,
		Players:   f.playersSnapshot(r.Code),
		State:     state,
	}
}

// JoinAsDisplay attaches a passive host-display connection. Displays present
// the host token but never control the room.
func (f *Facade) JoinAsDisplay(ctx context.Context, connectionID, code, hostToken string) ReconnectResult {
	code = room.NormalizeCode(code)
	if err := f.verifyHostTokenWithRetry(ctx, code, hostToken); err != nil {
		if errors.Is(err, room.ErrTokenInvalid) {
			return ReconnectResult{Status: failure(CodeAuthInvalid, "host token rejected")}
		}
		return ReconnectResult{Status: mapRoomError(err)}
	}
	r, err := f.rooms.GetRoom(code)
	if err != nil {
		return ReconnectResult{Status: mapRoomError(err)}
	}
	if err := f.rooms.ReplaceHostSocket(r.Code, connectionID, registry.RoleHostDisplay); err != nil {
		return ReconnectResult{Status: mapRoomError(err)}
	}
	f.registry.Register(connectionID, r.Code, true, registry.RoleHostDisplay)
	state, err := f.sync.HandleReconnection(r.Code, connectionID, registry.RoleHostDisplay)
	if err != nil {
		log.Debug().Err(err).Str("room_code", r.Code).Msg("display resync failed")
	}
	return ReconnectResult{
		Status:   ok(),
		RoomCode: r.Code,
		Role:     registry.RoleHostDisplay,
		Players:  f.playersSnapshot(r.Code),
		State:    state,
	}
}

// ReconnectPlayer re-attaches a player connection via its reconnection token,
// restoring any session score persisted since the drop.
func (f *Facade) ReconnectPlayer(ctx context.Context, connectionID, code, playerToken string) ReconnectResult {
	code = room.NormalizeCode(code)
	throttleKey := "reconnect:player:" + playerToken

	if res, blocked := f.checkThrottle(throttleKey); blocked {
		return res
	}

	player, err := f.rooms.ReplacePlayerSocketWithToken(code, playerToken, connectionID)
	if err != nil {
		return ReconnectResult{Status: mapRoomError(err)}
	}
	restored := f.rooms.RestorePlayerScore(ctx, code, connectionID)

	f.registry.Register(connectionID, code, false, registry.RolePlayer)
	f.registry.Remove(throttleKey)

	data, _ := json.Marshal(events.PlayerEventPayload{PlayerID: player.ID, PlayerName: player.Name})
	f.sync.Broadcast(code, events.TypePlayerReconnected, data)
	f.sync.SyncPlayerList(code, f.playersSnapshot(code))
	state, err := f.sync.HandleReconnection(code, connectionID, registry.RolePlayer)
	if err != nil {
		log.Debug().Err(err).Str("room_code", code).Msg("player resync failed")
	}

	info := playerInfo(player)
	log.Info().
		Str("room_code", code).
		Str("player_name", player.Name).
		Str("connection_id", connectionID).
		Msg("player reconnected")
	return ReconnectResult{
		Status:        ok(),
		RoomCode:      code,
		Role:          registry.RolePlayer,
		Player:        &info,
		RestoredScore: restored,
		Players:       f.playersSnapshot(code),
		State:         state,
	}
}

// checkThrottle enforces the sliding-window reconnection limit. The key is
// derived from the credential, not the socket, so fresh sockets cannot bypass
// it.
func (f *Facade) checkThrottle(throttleKey string) (ReconnectResult, bool) {
	exhausted := ReconnectResult{
		Status:    failure(CodeReconnectionExhausted, "too many reconnection attempts; wait before retrying"),
		Retryable: true,
	}
	if !f.registry.CanAttemptReconnection(throttleKey) {
		return exhausted, true
	}
	if _, shouldRetry := f.registry.RecordReconnectionAttempt(throttleKey); !shouldRetry {
		return exhausted, true
	}
	return ReconnectResult{}, false
}

// verifyHostTokenWithRetry retries transient store failures with linear
// backoff and re-verifies after every wait, since the world may have changed
// while sleeping. Sentinel outcomes are returned as-is.
func (f *Facade) verifyHostTokenWithRetry(ctx context.Context, code, hostToken string) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = f.rooms.VerifyHostToken(ctx, code, hostToken)
		if err == nil ||
			errors.Is(err, room.ErrTokenInvalid) ||
			errors.Is(err, room.ErrRoomNotFound) ||
			errors.Is(err, room.ErrRoomExpired) {
			return err
		}
		if attempt >= f.config.HostVerifyRetries {
			return err
		}
		log.Warn().Err(err).
			Str("room_code", code).
			Int("attempt", attempt).
			Msg("host token verification failed; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clock.After(time.Duration(attempt) * f.config.HostVerifyBackoff):
		}
	}
}

// HandleDisconnect resolves a transport-level disconnect as a reconnectable
// drop: players are marked DISCONNECTED and announced, hosts keep the room
// alive for the token path. The connection record itself is removed; any
// reconnection arrives on a fresh socket.
func (f *Facade) HandleDisconnect(connectionID string) {
	f.registry.MarkDisconnected(connectionID)
	res := f.rooms.LeaveRoom(connectionID, true)
	f.registry.Remove(connectionID)

	if res == nil {
		return
	}
	f.sync.RemoveConnection(res.RoomCode, connectionID)

	if res.WasHost {
		log.Info().Str("room_code", res.RoomCode).Msg("host disconnected; room held for reconnection")
		return
	}
	if res.Player != nil {
		data, _ := json.Marshal(events.PlayerEventPayload{PlayerID: connectionID, PlayerName: res.Player.Name})
		f.sync.Broadcast(res.RoomCode, events.TypePlayerDisconnected, data)
		f.sync.SyncPlayerList(res.RoomCode, f.playersSnapshot(res.RoomCode))
	}
}

// LeaveRoom resolves an explicit leave. A host leaving ends the room for
// everyone.
func (f *Facade) LeaveRoom(connectionID string) Status {
	res := f.rooms.LeaveRoom(connectionID, false)
	if res == nil {
		f.registry.Remove(connectionID)
		return failure(CodeNotFound, "connection not in a room")
	}

	if res.WasHost && res.RoomDeleted {
		f.endRoom(res.RoomCode, "host left")
		return ok()
	}

	f.sync.RemoveConnection(res.RoomCode, connectionID)
	f.registry.Remove(connectionID)
	if res.Player != nil {
		data, _ := json.Marshal(events.PlayerEventPayload{PlayerID: connectionID, PlayerName: res.Player.Name})
		f.sync.Broadcast(res.RoomCode, events.TypePlayerLeft, data)
		f.sync.SyncPlayerList(res.RoomCode, f.playersSnapshot(res.RoomCode))
	}
	if res.RoomDeleted {
		f.cleanupRoomState(res.RoomCode)
	}
	return ok()
}

// endRoom tears a room down after the host left or the TTL expired: announce,
// drop every remaining registration, destroy the game, publish room_ended.
func (f *Facade) endRoom(code, reason string) {
	f.sync.Broadcast(code, events.TypeHostLeft, nil)
	for _, id := range f.registry.SocketsInRoom(code) {
		f.registry.Remove(id)
	}
	f.cleanupRoomState(code)
	log.Info().Str("room_code", code).Str("reason", reason).Msg("room ended")
}

func (f *Facade) cleanupRoomState(code string) {
	f.mu.Lock()
	ag := f.active[code]
	delete(f.active, code)
	f.mu.Unlock()
	if ag != nil {
		ag.engine.End()
	}
	f.sync.CleanupRoom(code)
	if f.relay != nil {
		f.relay.RoomEnded(code)
	}
}

// KeepAlive refreshes activity tracking for a connection and answers with a
// connection_keepalive_ack carrying the authoritative room state, so clients
// detect desync without waiting for the next broadcast.
func (f *Facade) KeepAlive(connectionID, code string) events.KeepAliveAckPayload {
	f.registry.UpdateLastSeen(connectionID)

	code = room.NormalizeCode(code)
	info := f.registry.RoomInfoBySocket(connectionID)
	verified := info != nil && info.RoomCode == code

	state := ""
	if r, err := f.rooms.GetRoom(code); err == nil {
		state = string(r.State)
	}
	f.sync.TrackKeepAlive(code, connectionID, verified)
	ack := events.KeepAliveAckPayload{
		ServerTime: f.clock.Now(),
		RoomState:  state,
		Verified:   verified,
	}
	if data, err := json.Marshal(ack); err == nil {
		f.sync.SendTo(code, connectionID, events.TypeKeepAliveAck, data)
	}
	return ack
}

// Touch refreshes activity tracking for a connection. The transport calls it
// for every inbound message, so only truly idle connections go stale.
func (f *Facade) Touch(connectionID string) {
	f.registry.UpdateLastSeen(connectionID)
}

// Ack records a client's confirmation of a state version. Acks for rooms the
// connection is not registered to are dropped.
func (f *Facade) Ack(connectionID, code string, version uint64) {
	code = room.NormalizeCode(code)
	info := f.registry.RoomInfoBySocket(connectionID)
	if info == nil || info.RoomCode != code {
		return
	}
	f.sync.TrackAck(code, connectionID, version)
}

// Project implements syncengine.Projector. With no active game it projects
// the lobby view; otherwise it asks the engine for the host view and one
// personalized view per connected player.
func (f *Facade) Project(roomCode string) (*syncengine.Projection, error) {
	r, err := f.rooms.GetRoom(roomCode)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	ag := f.active[roomCode]
	f.mu.Unlock()

	proj := &syncengine.Projection{
		RoomState: string(r.State),
		GameType:  r.CurrentGameType,
	}
	if ag == nil {
		lobby := f.lobbyView(r)
		proj.HostView = lobby
		proj.PlayerViews = make(map[string]any)
		for _, p := range r.Players() {
			if p.Status == room.StatusConnected {
				proj.PlayerViews[p.ID] = lobby
			}
		}
		return proj, nil
	}

	proj.HostView = ag.engine.State()
	proj.PlayerViews = make(map[string]any)
	for _, p := range r.Players() {
		if p.Status == room.StatusConnected {
			proj.PlayerViews[p.ID] = ag.engine.ClientState(p.ID)
		}
	}
	return proj, nil
}

// lobbyView is the projection shown while no game runs.
type lobbyView struct {
	Players     []events.PlayerInfo `json:"players"`
	Settings    room.Settings       `json:"settings"`
	Jukebox     json.RawMessage     `json:"jukebox_state,omitempty"`
	Leaderboard []room.ScoreEntry   `json:"leaderboard,omitempty"`
}

func (f *Facade) lobbyView(r *room.Room) lobbyView {
	return lobbyView{
		Players:     snapshotPlayers(r),
		Settings:    r.Settings,
		Jukebox:     r.Jukebox,
		Leaderboard: f.rooms.SessionLeaderboard(r.Code),
	}
}

// Engine implements intent.Engines.
func (f *Facade) Engine(roomCode string) game.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ag := f.active[roomCode]; ag != nil {
		return ag.engine
	}
	return nil
}

// broadcast is the intent pipeline's post-apply hook.
func (f *Facade) broadcast(roomCode string, force bool) {
	if err := f.sync.SyncGameState(roomCode, nil, force); err != nil {
		log.Debug().Err(err).Str("room_code", roomCode).Msg("post-intent broadcast failed")
	}
}

func (f *Facade) playersSnapshot(code string) []events.PlayerInfo {
	r, err := f.rooms.GetRoom(code)
	if err != nil {
		return nil
	}
	return snapshotPlayers(r)
}

func snapshotPlayers(r *room.Room) []events.PlayerInfo {
	players := r.Players()
	out := make([]events.PlayerInfo, 0, len(players))
	for _, p := range players {
		out = append(out, playerInfo(p))
	}
	return out
}

func playerInfo(p *room.Player) events.PlayerInfo {
	return events.PlayerInfo{
		ID:       p.ID,
		Name:     p.Name,
		Avatar:   p.Avatar,
		Score:    p.Score,
		Status:   string(p.Status),
		JoinedAt: p.JoinedAt,
	}
}
