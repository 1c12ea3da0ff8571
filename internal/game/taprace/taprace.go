// Package taprace is the built-in reference game: players tap as fast as
// they can, every tap scores. It exists so a fresh deployment has a playable
// game type and doubles as the smallest useful example of the engine
// contract.
package taprace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/partyhub/partyhub/internal/game"
)

const Type = "tap_race"

type settings struct {
	TapPoints int `json:"tap_points"`
}

type participant struct {
	Name string `json:"name"`
	Taps int    `json:"taps"`
}

// Engine implements game.Engine.
type Engine struct {
	mu           sync.Mutex
	running      bool
	paused       bool
	pointsPerTap int
	participants map[string]*participant
}

// New is the factory registered under the tap_race game type.
func New(raw json.RawMessage) (game.Engine, error) {
	cfg := settings{TapPoints: 1}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse tap_race settings: %w", err)
		}
	}
	if cfg.TapPoints <= 0 {
		cfg.TapPoints = 1
	}
	return &Engine{
		pointsPerTap: cfg.TapPoints,
		participants: make(map[string]*participant),
	}, nil
}

func (e *Engine) Type() string { return Type }

type hostState struct {
	Running      bool                    `json:"running"`
	Paused       bool                    `json:"paused"`
	PointsPerTap int                     `json:"points_per_tap"`
	Participants map[string]*participant `json:"participants"`
}

func (e *Engine) State() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make(map[string]*participant, len(e.participants))
	for id, p := range e.participants {
		snapshot[id] = &participant{Name: p.Name, Taps: p.Taps}
	}
	return hostState{
		Running:      e.running,
		Paused:       e.paused,
		PointsPerTap: e.pointsPerTap,
		Participants: snapshot,
	}
}

type playerState struct {
	Running bool `json:"running"`
	Paused  bool `json:"paused"`
	Taps    int  `json:"taps"`
	Score   int  `json:"score"`
}

func (e *Engine) ClientState(participantID string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := playerState{Running: e.running, Paused: e.paused}
	if p, ok := e.participants[participantID]; ok {
		state.Taps = p.Taps
		state.Score = p.Taps * e.pointsPerTap
	}
	return state
}

type tapPayload struct {
	Name string `json:"name"`
}

func (e *Engine) HandleAction(participantID, verb string, payload json.RawMessage) error {
	if verb != "tap" {
		return fmt.Errorf("unknown verb %q", verb)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.paused {
		return errors.New("game is not accepting taps")
	}
	p, ok := e.participants[participantID]
	if !ok {
		p = &participant{}
		e.participants[participantID] = p
	}
	if p.Name == "" && len(payload) > 0 {
		var req tapPayload
		if err := json.Unmarshal(payload, &req); err == nil {
			p.Name = req.Name
		}
	}
	p.Taps++
	return nil
}

func (e *Engine) Scoreboard() []game.ScoreEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]game.ScoreEntry, 0, len(e.participants))
	for id, p := range e.participants {
		out = append(out, game.ScoreEntry{
			ParticipantID: id,
			Name:          p.Name,
			Score:         p.Taps * e.pointsPerTap,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	return nil
}

func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	return nil
}

func (e *Engine) End() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}
