package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/game"
	"github.com/partyhub/partyhub/internal/registry"
)

// Status tracks an intent through the pipeline.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

// Intent is a proposed action from a participant. ID must be globally unique
// per room within the idempotency TTL; clients reuse the same id on retry.
type Intent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	PlayerID  string          `json:"player_id"`
	RoomCode  string          `json:"room_code"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Status    Status          `json:"status"`
}

// Result is the structured outcome of processing an intent.
type Result struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	IntentID  string `json:"intent_id"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Engines resolves the active game engine for a room; nil when no game runs.
type Engines interface {
	Engine(roomCode string) game.Engine
}

// Broadcaster triggers a state broadcast after a successful application. The
// session facade provides it; keeping it narrow avoids an import cycle with
// the sync engine.
type Broadcaster func(roomCode string, force bool)

// Config bounds the idempotency cache.
type Config struct {
	CacheTTL   time.Duration
	CacheLimit int
	Limits     RateLimits
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:   60 * time.Second,
		CacheLimit: 10000,
		Limits:     DefaultRateLimits(),
	}
}

type cacheEntry struct {
	result Result
	at     time.Time
}

// Pipeline validates, deduplicates, rate-limits, and applies intents. It is
// what makes at-least-once delivery safe: a retransmitted action id is
// answered from the cache without reapplying the action.
type Pipeline struct {
	mu      sync.Mutex
	pending map[string]*Intent
	cache   map[string]cacheEntry

	engines   Engines
	broadcast Broadcaster
	registry  *registry.Registry
	limiter   *rateLimiter
	clock     clockwork.Clock
	config    Config
}

func NewPipeline(reg *registry.Registry, engines Engines, broadcast Broadcaster, clock clockwork.Clock, config Config) *Pipeline {
	if config.CacheTTL <= 0 {
		config = DefaultConfig()
	}
	return &Pipeline{
		pending:   make(map[string]*Intent),
		cache:     make(map[string]cacheEntry),
		engines:   engines,
		broadcast: broadcast,
		registry:  reg,
		limiter:   newRateLimiter(clock, config.Limits),
		clock:     clock,
		config:    config,
	}
}

// Errors surfaced by Process, mapped to wire codes by the session layer.
var (
	ErrPermissionDenied = errors.New("role does not permit this action")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrNoActiveGame     = errors.New("no active game for room")
	ErrUnknownIntent    = errors.New("unknown intent id")
	ErrWrongRoom        = errors.New("intent does not belong to this room")
)

// hostActions is the set of actions only host-control may submit. Every other
// action is a gameplay intent reserved for players.
var hostActions = map[string]bool{
	"start_game":      true,
	"end_game":        true,
	"pause_game":      true,
	"resume_game":     true,
	"kick_player":     true,
	"update_settings": true,
	"jukebox":         true,
}

// allowedForRole is the role x action matrix. host-display is read-only and
// may submit nothing.
func allowedForRole(role registry.Role, action string) bool {
	switch role {
	case registry.RoleHostControl:
		return hostActions[action]
	case registry.RolePlayer:
		return !hostActions[action]
	default:
		return false
	}
}

// Submit stores an intent without applying it, assigning an id when the client
// did not supply one. Returns the intent id to echo back to the client.
func (p *Pipeline) Submit(in Intent) string {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.Timestamp = p.clock.Now()
	in.Status = StatusPending

	p.mu.Lock()
	p.pending[in.ID] = &in
	p.mu.Unlock()
	return in.ID
}

// Process validates and applies a previously submitted intent: role matrix,
// idempotency, rate limits, then delegation to the active game engine and a
// state broadcast. Any validation failure returns a structured error result
// without mutating game state.
func (p *Pipeline) Process(intentID, roomCode string) Result {
	p.mu.Lock()
	in, ok := p.pending[intentID]
	if ok {
		delete(p.pending, intentID)
	}

	// Idempotent replay: a retransmitted id is answered from the cache.
	if entry, seen := p.cache[intentID]; seen {
		p.mu.Unlock()
		replay := entry.result
		replay.Duplicate = true
		return replay
	}
	p.mu.Unlock()

	if !ok {
		return p.reject(intentID, ErrUnknownIntent, "not_found")
	}
	if in.RoomCode != roomCode {
		return p.reject(intentID, ErrWrongRoom, "not_found")
	}

	info := p.registry.RoomInfoBySocket(in.PlayerID)
	if info == nil || info.RoomCode != roomCode {
		return p.reject(intentID, ErrPermissionDenied, "permission_denied")
	}
	if !allowedForRole(info.Role, in.Action) {
		log.Warn().
			Str("room_code", roomCode).
			Str("connection_id", in.PlayerID).
			Str("role", string(info.Role)).
			Str("action", in.Action).
			Msg("intent rejected by role matrix")
		return p.reject(intentID, ErrPermissionDenied, "permission_denied")
	}
	if !p.limiter.allow(in.PlayerID, roomCode, in.Action) {
		return p.reject(intentID, ErrRateLimited, "rate_limited")
	}

	engine := p.engines.Engine(roomCode)
	if engine == nil {
		return p.reject(intentID, ErrNoActiveGame, "not_found")
	}
	if err := engine.HandleAction(in.PlayerID, in.Action, in.Payload); err != nil {
		return p.reject(intentID, fmt.Errorf("game engine: %w", err), "upstream_unavailable")
	}

	in.Status = StatusApplied
	result := Result{Success: true, IntentID: intentID}
	p.remember(intentID, result)
	p.broadcast(roomCode, false)
	return result
}

// ProcessHostAction runs the role/idempotency/rate-limit gauntlet for a host
// action whose application is owned by the session facade (start/end/pause/
// resume). apply runs only when validation passes; its error fails the intent.
// followUp, when positive, schedules a forced re-broadcast at the expected
// async transition time, so slow state loads still reach every client.
func (p *Pipeline) ProcessHostAction(intentID, roomCode string, followUp time.Duration, apply func() error) Result {
	p.mu.Lock()
	in, ok := p.pending[intentID]
	if ok {
		delete(p.pending, intentID)
	}
	if entry, seen := p.cache[intentID]; seen {
		p.mu.Unlock()
		replay := entry.result
		replay.Duplicate = true
		return replay
	}
	p.mu.Unlock()

	if !ok {
		return p.reject(intentID, ErrUnknownIntent, "not_found")
	}
	info := p.registry.RoomInfoBySocket(in.PlayerID)
	if info == nil || info.RoomCode != roomCode || info.Role != registry.RoleHostControl {
		return p.reject(intentID, ErrPermissionDenied, "permission_denied")
	}
	if !p.limiter.allow(in.PlayerID, roomCode, in.Action) {
		return p.reject(intentID, ErrRateLimited, "rate_limited")
	}

	if err := apply(); err != nil {
		return p.reject(intentID, err, "conflict")
	}

	in.Status = StatusApplied
	result := Result{Success: true, IntentID: intentID}
	p.remember(intentID, result)
	p.broadcast(roomCode, true)
	if followUp > 0 {
		p.clock.AfterFunc(followUp, func() {
			p.broadcast(roomCode, true)
		})
	}
	return result
}

// EvictExpired drops idempotency entries past their TTL and lapsed rate-limit
// windows. Driven by the facade's periodic maintenance task.
func (p *Pipeline) EvictExpired() int {
	p.mu.Lock()
	now := p.clock.Now()
	evicted := 0
	for id, entry := range p.cache {
		if now.Sub(entry.at) > p.config.CacheTTL {
			delete(p.cache, id)
			evicted++
		}
	}
	for id, in := range p.pending {
		if now.Sub(in.Timestamp) > p.config.CacheTTL {
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()

	p.limiter.evictExpired()
	return evicted
}

// CacheSize reports the idempotency cache occupancy.
func (p *Pipeline) CacheSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

func (p *Pipeline) remember(intentID string, result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cache) >= p.config.CacheLimit {
		// Hard cap: evict expired first, then oldest.
		now := p.clock.Now()
		oldestID, oldestAt := "", now
		for id, entry := range p.cache {
			if now.Sub(entry.at) > p.config.CacheTTL {
				delete(p.cache, id)
				continue
			}
			if entry.at.Before(oldestAt) {
				oldestID, oldestAt = id, entry.at
			}
		}
		if len(p.cache) >= p.config.CacheLimit && oldestID != "" {
			delete(p.cache, oldestID)
		}
	}
	p.cache[intentID] = cacheEntry{result: result, at: p.clock.Now()}
}

func (p *Pipeline) reject(intentID string, err error, code string) Result {
	return Result{
		Success:   false,
		IntentID:  intentID,
		Error:     err.Error(),
		ErrorCode: code,
	}
}
