package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// handleMessage routes one inbound message. Every message counts as activity
// for staleness tracking, and legacy per-action messages are rewritten into
// the unified action envelope before dispatch.
func (m *Manager) handleMessage(c *Conn, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.reply(c, "", map[string]any{"success": false, "error_code": "conflict", "error": "malformed message"})
		return
	}
	msg = normalize(msg)
	m.session.Touch(c.id)

	ctx := context.Background()
	switch msg.Type {
	case MsgCreateRoom:
		var req createRoomRequest
		json.Unmarshal(msg.Data, &req)
		m.reply(c, msg.RequestID, m.session.CreateRoom(ctx, c.id, req.AuthToken))

	case MsgJoinRoom:
		var req joinRoomRequest
		json.Unmarshal(msg.Data, &req)
		m.reply(c, msg.RequestID, m.session.JoinRoom(c.id, req.RoomCode, req.Name))

	case MsgJoinDisplay:
		var req displayJoinRequest
		json.Unmarshal(msg.Data, &req)
		m.reply(c, msg.RequestID, m.session.JoinAsDisplay(ctx, c.id, req.RoomCode, req.HostToken))

	case MsgReconnectHost:
		var req reconnectHostRequest
		json.Unmarshal(msg.Data, &req)
		m.reply(c, msg.RequestID, m.session.ReconnectHost(ctx, c.id, req.RoomCode, req.HostToken))

	case MsgReconnectPlayer:
		var req reconnectPlayerRequest
		json.Unmarshal(msg.Data, &req)
		m.reply(c, msg.RequestID, m.session.ReconnectPlayer(ctx, c.id, req.RoomCode, req.PlayerToken))

	case MsgLeaveRoom:
		m.reply(c, msg.RequestID, m.session.LeaveRoom(c.id))

	case MsgAction:
		var req actionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Action == "" {
			m.reply(c, msg.RequestID, map[string]any{"success": false, "error_code": "conflict", "error": "malformed action"})
			return
		}
		if req.ActionID == "" {
			req.ActionID = msg.RequestID
		}
		m.reply(c, msg.RequestID, m.session.SubmitAction(c.id, req.ActionID, req.Action, req.Payload))

	case MsgAck:
		var req ackRequest
		json.Unmarshal(msg.Data, &req)
		m.session.Ack(c.id, req.RoomCode, req.Version)

	case MsgKeepAlive:
		var req keepAliveRequest
		json.Unmarshal(msg.Data, &req)
		m.session.KeepAlive(c.id, req.RoomCode)

	case MsgRegenerateToken:
		token, status := m.session.RegenerateHostToken(ctx, c.id)
		m.reply(c, msg.RequestID, map[string]any{
			"success":    status.Success,
			"error_code": status.ErrorCode,
			"error":      status.Error,
			"host_token": token,
		})

	default:
		log.Debug().
			Str("connection_id", c.id).
			Str("type", msg.Type).
			Msg("unknown message type")
		m.reply(c, msg.RequestID, map[string]any{"success": false, "error_code": "not_found", "error": "unknown message type"})
	}
}

// reply pushes a result envelope onto the connection's send queue. Replies
// compete with broadcasts for the same buffer; a stuck client loses both.
func (m *Manager) reply(c *Conn, requestID string, data any) {
	payload, err := json.Marshal(resultEnvelope{Type: "result", RequestID: requestID, Data: data})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal result")
		return
	}
	select {
	case c.send <- payload:
	default:
		log.Warn().Str("connection_id", c.id).Msg("send buffer full, dropping reply")
		c.close()
	}
}

// HealthHandler answers liveness probes.
func (m *Manager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": m.ConnectionCount(),
		})
	}
}

// StatsHandler serves the session snapshot for operators.
func (m *Manager) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats := m.session.Stats()
		json.NewEncoder(w).Encode(map[string]any{
			"session":          stats,
			"live_connections": m.ConnectionCount(),
		})
	}
}
