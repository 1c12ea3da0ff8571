package room

import (
	"encoding/json"
	"time"

	"github.com/partyhub/partyhub/internal/registry"
)

// GameState is the room-level game lifecycle state.
type GameState string

const (
	StateLobby    GameState = "LOBBY"
	StateStarting GameState = "STARTING"
	StatePlaying  GameState = "PLAYING"
	StatePaused   GameState = "PAUSED"
	StateRoundEnd GameState = "ROUND_END"
	StateGameEnd  GameState = "GAME_END"
)

// CanTransition reports whether the room state machine permits from -> to.
// LOBBY -> STARTING -> PLAYING <-> PAUSED -> ROUND_END -> PLAYING | GAME_END.
// GAME_END is terminal for the game instance; the room returns to LOBBY once
// the game object is destroyed.
func CanTransition(from, to GameState) bool {
	switch from {
	case StateLobby:
		return to == StateStarting
	case StateStarting:
		return to == StatePlaying || to == StateGameEnd
	case StatePlaying:
		return to == StatePaused || to == StateRoundEnd || to == StateGameEnd
	case StatePaused:
		return to == StatePlaying || to == StateGameEnd
	case StateRoundEnd:
		return to == StatePlaying || to == StateGameEnd
	case StateGameEnd:
		return to == StateLobby
	}
	return false
}

// PlayerStatus tracks whether a player's current connection is live.
type PlayerStatus string

const (
	StatusConnected    PlayerStatus = "CONNECTED"
	StatusDisconnected PlayerStatus = "DISCONNECTED"
)

// Player is a room participant. ID is the current transport connection id and
// is not a stable identity: identity persists across reconnection via the
// player's name plus a reconnection token.
type Player struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Avatar   string       `json:"avatar,omitempty"`
	Score    int          `json:"score"`
	Status   PlayerStatus `json:"status"`
	JoinedAt time.Time    `json:"joined_at"`
	LastSeen time.Time    `json:"last_seen"`
}

// HostSession tracks the room's current host controller connection.
type HostSession struct {
	ConnectionID string        `json:"connection_id"`
	Role         registry.Role `json:"role"`
	Token        string        `json:"-"`
}

// Settings holds the room theme plus game-specific configuration blobs keyed
// by game type.
type Settings struct {
	Theme      string                     `json:"theme,omitempty"`
	MaxPlayers int                        `json:"max_players"`
	Game       map[string]json.RawMessage `json:"game,omitempty"`
}

// Room is the authoritative in-memory record for one session.
type Room struct {
	Code            string          `json:"code"`
	HostUserID      string          `json:"host_user_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	CurrentGameType string          `json:"current_game_type,omitempty"`
	State           GameState       `json:"state"`
	Settings        Settings        `json:"settings"`
	Jukebox         json.RawMessage `json:"jukebox_state,omitempty"`
	Host            HostSession     `json:"host"`

	players map[string]*Player // keyed by connection id
	order   []string           // lowercase names in join order
}

// snapshot returns a detached copy of the room. The store hands these out so
// callers never hold live map-backed state after the store's lock is released.
func (r *Room) snapshot() *Room {
	cp := *r
	cp.players = make(map[string]*Player, len(r.players))
	for id, p := range r.players {
		pc := *p
		cp.players[id] = &pc
	}
	cp.order = append([]string(nil), r.order...)
	if r.Settings.Game != nil {
		cp.Settings.Game = make(map[string]json.RawMessage, len(r.Settings.Game))
		for k, v := range r.Settings.Game {
			cp.Settings.Game[k] = v
		}
	}
	return &cp
}

func (p *Player) snapshot() *Player {
	cp := *p
	return &cp
}

// Players returns the room's players in join order.
func (r *Room) Players() []*Player {
	out := make([]*Player, 0, len(r.players))
	for _, key := range r.order {
		if p := r.playerByNameKey(key); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Player returns the player for a connection id, or nil.
func (r *Room) Player(connectionID string) *Player {
	return r.players[connectionID]
}

// ConnectedCount counts only CONNECTED players. Capacity checks use this so
// stale DISCONNECTED ghosts cannot starve new joins.
func (r *Room) ConnectedCount() int {
	n := 0
	for _, p := range r.players {
		if p.Status == StatusConnected {
			n++
		}
	}
	return n
}

func (r *Room) playerByNameKey(key string) *Player {
	for _, p := range r.players {
		if nameKey(p.Name) == key {
			return p
		}
	}
	return nil
}
