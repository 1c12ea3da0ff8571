package events

import (
	"encoding/json"
	"time"
)

// Type identifies a server-to-client event.
type Type string

const (
	TypeRoomUpdate         Type = "room_update"
	TypePlayerJoined       Type = "player_joined"
	TypePlayerLeft         Type = "player_left"
	TypePlayerDisconnected Type = "player_disconnected"
	TypePlayerReconnected  Type = "player_reconnected"
	TypeGameStateUpdate    Type = "game_state_update"
	TypeGameStarted        Type = "game_started"
	TypeGameEnded          Type = "game_ended"
	TypeHostLeft           Type = "host_left"
	TypeKickedFromRoom     Type = "kicked_from_room"
	TypeKeepAliveAck       Type = "connection_keepalive_ack"
)

// Event is the envelope written to a WebSocket connection.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	RoomCode  string          `json:"room_code"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PlayerInfo is the membership projection shared by player-list events.
type PlayerInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	Score    int       `json:"score"`
	Status   string    `json:"status"`
	JoinedAt time.Time `json:"joined_at"`
}

// GameStatePayload carries a role-projected view of the current game state.
type GameStatePayload struct {
	Version   uint64          `json:"version"`
	RoomState string          `json:"room_state"`
	GameType  string          `json:"game_type,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
}

// PlayerListPayload carries the full membership after a join/leave/kick.
type PlayerListPayload struct {
	Players []PlayerInfo `json:"players"`
}

// PlayerEventPayload identifies the player a membership event concerns.
type PlayerEventPayload struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
}

// GameStartedPayload announces a new game instance.
type GameStartedPayload struct {
	GameType     string    `json:"game_type"`
	StartsAt     time.Time `json:"starts_at"`
	WarmupMillis int64     `json:"warmup_millis"`
}

// GameEndedPayload announces the end of the current game instance.
type GameEndedPayload struct {
	GameType   string           `json:"game_type"`
	Scoreboard []ScoreboardLine `json:"scoreboard"`
}

// ScoreboardLine is one row of a session or game scoreboard.
type ScoreboardLine struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// KeepAliveAckPayload answers a client keepalive probe.
type KeepAliveAckPayload struct {
	ServerTime time.Time `json:"server_time"`
	RoomState  string    `json:"room_state"`
	Verified   bool      `json:"verified"`
}

// KickedPayload tells a connection why it was removed.
type KickedPayload struct {
	Reason string `json:"reason"`
}
