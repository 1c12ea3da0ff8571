package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/events"
	"github.com/partyhub/partyhub/internal/intent"
	"github.com/partyhub/partyhub/internal/registry"
	"github.com/partyhub/partyhub/internal/room"
)

// SubmitAction is the single ingress for client actions. Host lifecycle
// actions are applied by the facade itself; everything else is a gameplay
// intent delegated to the active game engine. Either way the action id flows
// through the idempotency cache, so retransmissions are answered without
// reapplying.
func (f *Facade) SubmitAction(connectionID, actionID, action string, payload json.RawMessage) intent.Result {
	info := f.registry.RoomInfoBySocket(connectionID)
	if info == nil {
		return intent.Result{
			IntentID:  actionID,
			Error:     "connection not in a room",
			ErrorCode: CodePermissionDenied,
		}
	}
	code := info.RoomCode

	id := f.pipeline.Submit(intent.Intent{
		ID:       actionID,
		Action:   action,
		PlayerID: connectionID,
		RoomCode: code,
		Payload:  payload,
	})

	switch action {
	case "start_game":
		return f.startGame(id, code, payload)
	case "end_game":
		return f.endGame(id, code)
	case "pause_game":
		return f.pauseGame(id, code)
	case "resume_game":
		return f.resumeGame(id, code)
	case "kick_player":
		return f.kickPlayer(id, code, payload)
	case "update_settings":
		return f.updateSettings(id, code, payload)
	case "jukebox":
		return f.updateJukebox(id, code, payload)
	default:
		return f.pipeline.Process(id, code)
	}
}

type startGamePayload struct {
	GameType string          `json:"game_type"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// startGame builds a fresh engine and runs the STARTING countdown. Gameplay
// opens when the warm-up timer fires, and only if this game instance is still
// the room's current one.
func (f *Facade) startGame(intentID, code string, payload json.RawMessage) intent.Result {
	var req startGamePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.GameType == "" {
		return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
			return errors.New("start_game requires a game_type")
		})
	}

	return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
		r, err := f.rooms.GetRoom(code)
		if err != nil {
			return err
		}
		settings := req.Settings
		if len(settings) == 0 {
			settings = r.Settings.Game[req.GameType]
		}

		if err := f.rooms.SetState(code, room.StateStarting); err != nil {
			return err
		}
		engine, err := f.games.New(req.GameType, settings)
		if err != nil {
			f.revertState(code, room.StateLobby)
			return err
		}
		if err := engine.Start(); err != nil {
			f.revertState(code, room.StateLobby)
			return fmt.Errorf("start %s engine: %w", req.GameType, err)
		}
		if err := f.rooms.SetGame(code, req.GameType); err != nil {
			return err
		}

		f.mu.Lock()
		f.generation++
		gen := f.generation
		f.active[code] = &activeGame{engine: engine, generation: gen}
		f.mu.Unlock()

		data, _ := json.Marshal(events.GameStartedPayload{
			GameType:     req.GameType,
			StartsAt:     f.clock.Now().Add(f.config.WarmupDelay),
			WarmupMillis: f.config.WarmupDelay.Milliseconds(),
		})
		f.sync.Broadcast(code, events.TypeGameStarted, data)
		if f.relay != nil {
			f.relay.GameStarted(code, req.GameType)
		}

		f.clock.AfterFunc(f.config.WarmupDelay, func() {
			if !f.isCurrentGame(code, gen) {
				return
			}
			if err := f.rooms.SetState(code, room.StatePlaying); err != nil {
				log.Warn().Err(err).Str("room_code", code).Msg("warm-up transition failed")
				return
			}
			f.broadcast(code, true)
		})

		log.Info().Str("room_code", code).Str("game_type", req.GameType).Msg("game starting")
		return nil
	})
}

// endGame finishes the current game: final scores fold into the session
// leaderboard, GAME_END is broadcast, and after the teardown delay the room
// returns to LOBBY.
func (f *Facade) endGame(intentID, code string) intent.Result {
	return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
		f.mu.Lock()
		ag := f.active[code]
		f.mu.Unlock()
		if ag == nil {
			return errors.New("no active game")
		}

		ag.engine.End()
		scoreboard := make([]events.ScoreboardLine, 0)
		for _, entry := range ag.engine.Scoreboard() {
			total := f.rooms.UpdateSessionScore(code, entry.Name, entry.Score)
			scoreboard = append(scoreboard, events.ScoreboardLine{Name: entry.Name, Score: total})
			if err := f.rooms.SetPlayerScore(code, entry.ParticipantID, total); err != nil {
				log.Debug().Err(err).Str("room_code", code).Msg("player score fold skipped")
			}
		}
		gameType := ag.engine.Type()

		if err := f.rooms.SetState(code, room.StateGameEnd); err != nil {
			return err
		}
		data, _ := json.Marshal(events.GameEndedPayload{GameType: gameType, Scoreboard: scoreboard})
		f.sync.Broadcast(code, events.TypeGameEnded, data)
		if f.relay != nil {
			f.relay.GameEnded(code, gameType, scoreboard)
		}

		gen := ag.generation
		f.clock.AfterFunc(f.config.TeardownDelay, func() {
			if !f.isCurrentGame(code, gen) {
				return
			}
			f.mu.Lock()
			delete(f.active, code)
			f.mu.Unlock()
			if err := f.rooms.ClearGame(code); err != nil {
				return
			}
			f.sync.CleanupRoom(code)
			f.broadcast(code, true)
		})

		log.Info().Str("room_code", code).Str("game_type", gameType).Msg("game ended")
		return nil
	})
}

func (f *Facade) pauseGame(intentID, code string) intent.Result {
	return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
		f.mu.Lock()
		ag := f.active[code]
		f.mu.Unlock()
		if ag == nil {
			return errors.New("no active game")
		}
		if err := f.rooms.SetState(code, room.StatePaused); err != nil {
			return err
		}
		if err := ag.engine.Pause(); err != nil {
			f.revertState(code, room.StatePlaying)
			return err
		}
		return nil
	})
}

func (f *Facade) resumeGame(intentID, code string) intent.Result {
	return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
		f.mu.Lock()
		ag := f.active[code]
		f.mu.Unlock()
		if ag == nil {
			return errors.New("no active game")
		}
		if err := f.rooms.SetState(code, room.StatePlaying); err != nil {
			return err
		}
		if err := ag.engine.Resume(); err != nil {
			f.revertState(code, room.StatePaused)
			return err
		}
		return nil
	})
}

type kickPayload struct {
	PlayerID string `json:"player_id"`
	Reason   string `json:"reason,omitempty"`
}

func (f *Facade) kickPlayer(intentID, code string, payload json.RawMessage) intent.Result {
	var req kickPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.PlayerID == "" {
		return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
			return errors.New("kick_player requires a player_id")
		})
	}
	return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
		player, err := f.rooms.KickPlayer(code, req.PlayerID)
		if err != nil {
			return err
		}
		reason := req.Reason
		if reason == "" {
			reason = "removed by host"
		}
		data, _ := json.Marshal(events.KickedPayload{Reason: reason})
		f.sync.SendTo(code, req.PlayerID, events.TypeKickedFromRoom, data)

		f.registry.Remove(req.PlayerID)
		f.sync.RemoveConnection(code, req.PlayerID)

		left, _ := json.Marshal(events.PlayerEventPayload{PlayerID: req.PlayerID, PlayerName: player.Name})
		f.sync.Broadcast(code, events.TypePlayerLeft, left)
		f.sync.SyncPlayerList(code, f.playersSnapshot(code))
		return nil
	})
}

func (f *Facade) updateSettings(intentID, code string, payload json.RawMessage) intent.Result {
	return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
		var settings room.Settings
		if err := json.Unmarshal(payload, &settings); err != nil {
			return fmt.Errorf("parse settings: %w", err)
		}
		return f.rooms.UpdateSettings(code, settings)
	})
}

func (f *Facade) updateJukebox(intentID, code string, payload json.RawMessage) intent.Result {
	return f.pipeline.ProcessHostAction(intentID, code, 0, func() error {
		return f.rooms.UpdateJukebox(code, payload)
	})
}

// RegenerateHostToken rotates the host credential. Only the current
// host-control connection may rotate it.
func (f *Facade) RegenerateHostToken(ctx context.Context, connectionID string) (string, Status) {
	info := f.registry.RoomInfoBySocket(connectionID)
	if info == nil || info.Role != registry.RoleHostControl {
		return "", failure(CodePermissionDenied, "only host-control may rotate the host token")
	}
	token, err := f.rooms.RegenerateHostToken(ctx, info.RoomCode)
	if err != nil {
		return "", mapRoomError(err)
	}
	return token, ok()
}

func (f *Facade) isCurrentGame(code string, generation uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ag := f.active[code]
	return ag != nil && ag.generation == generation
}

func (f *Facade) revertState(code string, to room.GameState) {
	if err := f.rooms.SetState(code, to); err != nil {
		log.Debug().Err(err).Str("room_code", code).Msg("state revert failed")
	}
}
