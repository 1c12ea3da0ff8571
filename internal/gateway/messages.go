package gateway

import "encoding/json"

// ClientMessage is the single inbound envelope. Every request names its type
// and carries a client-chosen request id echoed back on the result, which is
// what makes retransmission after a dropped reply safe.
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Inbound message types.
const (
	MsgCreateRoom      = "create_room"
	MsgJoinRoom        = "join_room"
	MsgJoinDisplay     = "join_display"
	MsgReconnectHost   = "reconnect_host"
	MsgReconnectPlayer = "reconnect_player"
	MsgLeaveRoom       = "leave_room"
	MsgAction          = "action"
	MsgAck             = "ack"
	MsgKeepAlive       = "keepalive"
	MsgRegenerateToken = "regenerate_token"
)

// resultEnvelope wraps an operation result on its way back to the client.
type resultEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data"`
}

type createRoomRequest struct {
	AuthToken string `json:"auth_token,omitempty"`
}

type joinRoomRequest struct {
	RoomCode string `json:"room_code"`
	Name     string `json:"name"`
}

type displayJoinRequest struct {
	RoomCode  string `json:"room_code"`
	HostToken string `json:"host_token"`
}

type reconnectHostRequest struct {
	RoomCode  string `json:"room_code"`
	HostToken string `json:"host_token"`
}

type reconnectPlayerRequest struct {
	RoomCode    string `json:"room_code"`
	PlayerToken string `json:"player_token"`
}

type actionRequest struct {
	ActionID string          `json:"action_id"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type ackRequest struct {
	RoomCode string `json:"room_code"`
	Version  uint64 `json:"version"`
}

type keepAliveRequest struct {
	RoomCode string `json:"room_code"`
}

// legacyActions maps message types older clients send as top-level messages
// to the action they mean. The router rewrites them into MsgAction envelopes
// at ingress, so the rest of the server only knows the unified intent path.
var legacyActions = map[string]string{
	"start_game":      "start_game",
	"end_game":        "end_game",
	"pause_game":      "pause_game",
	"resume_game":     "resume_game",
	"kick_player":     "kick_player",
	"update_settings": "update_settings",
	"jukebox":         "jukebox",
	"submit_answer":   "answer",
}

// normalize rewrites legacy per-action messages into the unified action
// envelope. Messages already in the new shape pass through untouched.
func normalize(msg ClientMessage) ClientMessage {
	action, ok := legacyActions[msg.Type]
	if !ok {
		return msg
	}
	data, err := json.Marshal(actionRequest{
		ActionID: msg.RequestID,
		Action:   action,
		Payload:  msg.Data,
	})
	if err != nil {
		return msg
	}
	return ClientMessage{Type: MsgAction, RequestID: msg.RequestID, Data: data}
}
