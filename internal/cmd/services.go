package main

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/auth"
	"github.com/partyhub/partyhub/internal/events"
	"github.com/partyhub/partyhub/internal/game"
	"github.com/partyhub/partyhub/internal/game/taprace"
	"github.com/partyhub/partyhub/internal/gateway"
	"github.com/partyhub/partyhub/internal/intent"
	"github.com/partyhub/partyhub/internal/registry"
	"github.com/partyhub/partyhub/internal/relay"
	"github.com/partyhub/partyhub/internal/room"
	"github.com/partyhub/partyhub/internal/session"
	"github.com/partyhub/partyhub/internal/storage"
	"github.com/partyhub/partyhub/internal/syncengine"
)

type Services struct {
	Facade  *session.Facade
	Gateway *gateway.Manager
	Relay   *relay.Publisher
}

// builtinGames maps game type keys to their factories. Additional engines
// register here as they are added.
var builtinGames = map[string]game.Factory{
	taprace.Type: taprace.New,
}

func setupServices(database *sql.DB, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Database layer → store layer → coordination layer → transport layer
	clock := clockwork.NewRealClock()

	repo := storage.NewRepository(database)

	roomConfig := room.DefaultConfig()
	roomConfig.TTL = config.roomTTL()
	if config.Room.CodeLength > 0 {
		roomConfig.CodeLength = config.Room.CodeLength
	}
	if config.Room.MaxPlayers > 0 {
		roomConfig.DefaultMaxPlayers = config.Room.MaxPlayers
	}
	rooms := room.NewStore(repo, clock, roomConfig)

	reg := registry.New(clock, registry.DefaultConfig())
	games := setupGames(config)

	var verifier auth.Verifier
	if config.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(config.Auth.JWTSecret)
	}

	var lifecycleRelay *relay.Publisher
	if config.Relay.Enabled {
		relayConfig := relay.DefaultConfig()
		if config.Relay.URL != "" {
			relayConfig.URL = config.Relay.URL
		}
		if config.Relay.StreamName != "" {
			relayConfig.StreamName = config.Relay.StreamName
		}
		if config.Relay.SubjectPrefix != "" {
			relayConfig.SubjectPrefix = config.Relay.SubjectPrefix
		}
		publisher, err := relay.NewPublisher(relayConfig)
		if err != nil {
			return nil, fmt.Errorf("setup relay: %w", err)
		}
		lifecycleRelay = publisher
	}

	sessionConfig := session.DefaultConfig()
	sessionConfig.RequireAuth = config.Auth.Required

	// The gateway and facade reference each other: the facade sends through
	// the gateway, the gateway routes messages into the facade. The sender
	// indirection breaks the construction cycle.
	sender := &deferredSender{}
	deps := session.Deps{
		Rooms:        rooms,
		Registry:     reg,
		Games:        games,
		Sender:       sender,
		Verifier:     verifier,
		Clock:        clock,
		SyncConfig:   syncengine.DefaultConfig(),
		IntentConfig: intent.DefaultConfig(),
	}
	if lifecycleRelay != nil {
		deps.Relay = lifecycleRelay
	}
	facade := session.New(deps, sessionConfig)

	manager := gateway.NewManager(facade, gateway.DefaultConfig())
	sender.bind(manager)
	facade.BindTransport(manager)

	return &Services{
		Facade:  facade,
		Gateway: manager,
		Relay:   lifecycleRelay,
	}, nil
}

// deferredSender stands in for the gateway during facade construction and
// forwards to it once bound.
type deferredSender struct {
	mu     sync.RWMutex
	target syncengine.Sender
}

func (s *deferredSender) bind(target syncengine.Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
}

func (s *deferredSender) Send(connectionID string, ev events.Event) bool {
	s.mu.RLock()
	target := s.target
	s.mu.RUnlock()
	if target == nil {
		return false
	}
	return target.Send(connectionID, ev)
}

func setupGames(config *Config) *game.Registry {
	games := game.NewRegistry()
	enabled := config.Games.Enabled
	if len(enabled) == 0 {
		enabled = []string{taprace.Type}
	}
	for _, key := range enabled {
		factory, ok := builtinGames[key]
		if !ok {
			log.Warn().Str("game_type", key).Msg("unknown game type in config, skipping")
			continue
		}
		games.Register(key, factory)
		log.Info().Str("game_type", key).Msg("game engine registered")
	}
	return games
}
