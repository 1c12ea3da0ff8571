package game

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ScoreEntry is one scoreboard row reported by an engine.
type ScoreEntry struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
}

// Engine is the contract every game rule engine exposes to the session layer.
// Engines are external collaborators: the coordinator never inspects their
// state beyond these methods.
type Engine interface {
	// Type returns the game type key this engine was registered under.
	Type() string

	// State returns the full authoritative state, including any answer keys.
	// Only host roles ever see this projection.
	State() any

	// ClientState returns the personalized, answer-free view for one
	// participant.
	ClientState(participantID string) any

	// HandleAction applies a validated gameplay action. The pipeline has
	// already checked role, idempotency, and rate limits.
	HandleAction(participantID, verb string, payload json.RawMessage) error

	// Scoreboard returns the current per-participant scores.
	Scoreboard() []ScoreEntry

	Start() error
	Pause() error
	Resume() error
	End()
}

// Factory builds an engine instance from game-specific settings.
type Factory func(settings json.RawMessage) (Engine, error)

// Registry maps game type keys to engine factories. Factories are registered
// once at service start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a game type key. Re-registering a key replaces
// the previous factory.
func (r *Registry) Register(gameType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[gameType] = f
}

// New builds a fresh engine for the given game type.
func (r *Registry) New(gameType string, settings json.RawMessage) (Engine, error) {
	r.mu.RLock()
	f, ok := r.factories[gameType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown game type %q", gameType)
	}
	return f(settings)
}

// Types returns the registered game type keys.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
