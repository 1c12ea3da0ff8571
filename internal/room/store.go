package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/registry"
)

// Repo is the durable-store collaborator. All writes through it are
// best-effort: in-memory state stays authoritative when persistence fails.
type Repo interface {
	SaveRoom(ctx context.Context, rec RoomRecord) error
	Room(ctx context.Context, code string) (RoomRecord, error)
	DeactivateRoom(ctx context.Context, code string) error
	HostToken(ctx context.Context, code string) (string, error)
	UpdateHostToken(ctx context.Context, code, token string) error
	UpsertSessionScore(ctx context.Context, code, playerName string, total int) error
	SessionScores(ctx context.Context, code string) (map[string]int, error)
	SaveGameSettings(ctx context.Context, code, gameType string, settings []byte) error
}

// RoomRecord is the durable projection of a room.
type RoomRecord struct {
	Code       string
	HostUserID string
	HostToken  string
	ExpiresAt  time.Time
	IsActive   bool
	Settings   []byte
}

// ScoreEntry is one session-leaderboard row.
type ScoreEntry struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Config bounds room creation and lifetime.
type Config struct {
	TTL               time.Duration
	CodeLength        int
	DefaultMaxPlayers int
	MaxNameLength     int
}

func DefaultConfig() Config {
	return Config{
		TTL:               24 * time.Hour,
		CodeLength:        4,
		DefaultMaxPlayers: 16,
		MaxNameLength:     24,
	}
}

type playerClaim struct {
	roomCode string
	nameKey  string
}

// Store owns Room and Player records, room codes, reconnection tokens, and the
// session leaderboard. No other component reaches into its maps.
type Store struct {
	mu           sync.RWMutex
	rooms        map[string]*Room                 // by uppercase code
	connToRoom   map[string]string                // connection id -> room code
	playerTokens map[string]playerClaim           // opaque token -> identity
	scores       map[string]map[string]ScoreEntry // code -> name key -> entry

	repo   Repo
	clock  clockwork.Clock
	config Config
}

func NewStore(repo Repo, clock clockwork.Clock, config Config) *Store {
	if config.TTL <= 0 {
		config = DefaultConfig()
	}
	return &Store{
		rooms:        make(map[string]*Room),
		connToRoom:   make(map[string]string),
		playerTokens: make(map[string]playerClaim),
		scores:       make(map[string]map[string]ScoreEntry),
		repo:         repo,
		clock:        clock,
		config:       config,
	}
}

// CreateRoom generates a unique room code, issues a host token, and persists
// the room best-effort. The room is usable even if persistence fails.
func (s *Store) CreateRoom(ctx context.Context, hostConnectionID, hostUserID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := ""
	for i := 0; i < 100; i++ {
		candidate := generateCode(s.config.CodeLength)
		if _, taken := s.rooms[candidate]; !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		// 100 collisions in a row means the code space is effectively
		// exhausted at this length.
		return nil, ErrCodesExhausted
	}

	now := s.clock.Now()
	room := &Room{
		Code:       code,
		HostUserID: hostUserID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.config.TTL),
		State:      StateLobby,
		Settings:   Settings{MaxPlayers: s.config.DefaultMaxPlayers},
		Host: HostSession{
			ConnectionID: hostConnectionID,
			Role:         registry.RoleHostControl,
			Token:        uuid.NewString(),
		},
		players: make(map[string]*Player),
	}
	s.rooms[code] = room
	s.connToRoom[hostConnectionID] = code
	s.scores[code] = make(map[string]ScoreEntry)

	s.persistRoom(room)
	log.Info().
		Str("room_code", code).
		Str("host_user_id", hostUserID).
		Msg("room created")
	return room.snapshot(), nil
}

// JoinRoom adds a player to a room, or reclaims a DISCONNECTED player holding
// the same name (case-insensitive). Reclaim is the low-tech fallback
// reconnection path used before a token is available.
func (s *Store) JoinRoom(code, connectionID, name string) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.lookupLocked(code)
	if err != nil {
		return nil, err
	}

	clean, err := sanitizeName(name, s.config.MaxNameLength)
	if err != nil {
		return nil, err
	}
	key := nameKey(clean)
	now := s.clock.Now()

	if existing := room.playerByNameKey(key); existing != nil {
		if existing.Status == StatusConnected {
			return nil, ErrNameTaken
		}
		// Name-based reclaim of a disconnected slot. Weaker than the
		// token path; never displaces a connected player.
		log.Warn().
			Str("room_code", room.Code).
			Str("player_name", existing.Name).
			Str("connection_id", connectionID).
			Msg("player slot reclaimed by name match")
		s.movePlayerLocked(room, existing, connectionID, now)
		s.touchLocked(room)
		return existing.snapshot(), nil
	}

	maxPlayers := room.Settings.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = s.config.DefaultMaxPlayers
	}
	if room.ConnectedCount() >= maxPlayers {
		return nil, ErrRoomFull
	}

	player := &Player{
		ID:       connectionID,
		Name:     clean,
		Status:   StatusConnected,
		JoinedAt: now,
		LastSeen: now,
	}
	room.players[connectionID] = player
	room.order = append(room.order, key)
	s.connToRoom[connectionID] = room.Code
	s.touchLocked(room)

	log.Info().
		Str("room_code", room.Code).
		Str("player_name", clean).
		Str("connection_id", connectionID).
		Msg("player joined")
	return player.snapshot(), nil
}

// IssuePlayerToken mints the authoritative reconnection credential for a
// player. Tokens carry only identity plus room, never mutable state.
func (s *Store) IssuePlayerToken(code, connectionID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.lookupLocked(code)
	if err != nil {
		return "", err
	}
	player := room.Player(connectionID)
	if player == nil || nameKey(player.Name) != nameKey(name) {
		return "", ErrPlayerNotFound
	}
	token := uuid.NewString()
	s.playerTokens[token] = playerClaim{roomCode: room.Code, nameKey: nameKey(player.Name)}
	return token, nil
}

// ReplacePlayerSocketWithToken atomically transfers a player identity to a new
// connection id. Fails if the token is unknown or the player is not currently
// DISCONNECTED, so an active session cannot be hijacked. Calling it twice with
// the same new connection id is idempotent.
func (s *Store) ReplacePlayerSocketWithToken(code, token, newConnectionID string) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.playerTokens[token]
	if !ok || claim.roomCode != NormalizeCode(code) {
		return nil, ErrTokenInvalid
	}
	room, err := s.lookupLocked(code)
	if err != nil {
		return nil, err
	}
	player := room.playerByNameKey(claim.nameKey)
	if player == nil {
		return nil, ErrPlayerNotFound
	}
	if player.Status == StatusConnected {
		if player.ID == newConnectionID {
			// Retransmitted reconnect after a dropped ACK.
			return player.snapshot(), nil
		}
		return nil, ErrPlayerConnected
	}
	s.movePlayerLocked(room, player, newConnectionID, s.clock.Now())
	s.touchLocked(room)
	log.Info().
		Str("room_code", room.Code).
		Str("player_name", player.Name).
		Str("connection_id", newConnectionID).
		Msg("player socket replaced via token")
	return player.snapshot(), nil
}

// VerifyHostToken checks a host reconnection token against the in-memory room,
// falling back to the durable store when the room is not resident.
func (s *Store) VerifyHostToken(ctx context.Context, code, token string) error {
	s.mu.RLock()
	room, ok := s.rooms[NormalizeCode(code)]
	s.mu.RUnlock()

	if ok {
		if room.Host.Token == token {
			return nil
		}
		return ErrTokenInvalid
	}
	stored, err := s.HostTokenFromDatabase(ctx, code)
	if err != nil {
		return err
	}
	if stored != token {
		return ErrTokenInvalid
	}
	return nil
}

// HostTokenFromDatabase reads the persisted host token for a room. Transient
// store failures pass through unwrapped to sentinels, so callers can retry
// them without retrying a definitive miss.
func (s *Store) HostTokenFromDatabase(ctx context.Context, code string) (string, error) {
	token, err := s.repo.HostToken(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return "", ErrRoomNotFound
		}
		return "", fmt.Errorf("read host token for %s: %w", code, err)
	}
	return token, nil
}

// RegenerateHostToken replaces the host token, invalidating the previous one.
func (s *Store) RegenerateHostToken(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	room, err := s.lookupLocked(code)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	token := uuid.NewString()
	room.Host.Token = token
	s.mu.Unlock()

	if err := s.repo.UpdateHostToken(ctx, room.Code, token); err != nil {
		log.Warn().Err(err).Str("room_code", room.Code).Msg("persisting regenerated host token failed")
	}
	return token, nil
}

// ReplaceHostSocket points the host session at a new connection id after a
// verified host reconnection.
func (s *Store) ReplaceHostSocket(code, newConnectionID string, role registry.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.lookupLocked(code)
	if err != nil {
		return err
	}
	if role == registry.RoleHostControl {
		delete(s.connToRoom, room.Host.ConnectionID)
		room.Host.ConnectionID = newConnectionID
		room.Host.Role = role
	}
	s.connToRoom[newConnectionID] = room.Code
	s.touchLocked(room)
	return nil
}

// RestoreRoom rebuilds an in-memory room shell from the durable store after
// the resident copy was lost, typically on host reconnection following process
// churn. The room comes back in LOBBY with its session leaderboard reloaded;
// players rejoin through the normal paths.
func (s *Store) RestoreRoom(ctx context.Context, code, hostConnectionID string) (*Room, error) {
	code = NormalizeCode(code)

	rec, err := s.repo.Room(ctx, code)
	if err != nil || !rec.IsActive {
		return nil, ErrRoomNotFound
	}
	if s.clock.Now().After(rec.ExpiresAt) {
		return nil, ErrRoomExpired
	}

	var settings Settings
	if len(rec.Settings) > 0 {
		if err := json.Unmarshal(rec.Settings, &settings); err != nil {
			settings = Settings{}
		}
	}
	if settings.MaxPlayers <= 0 {
		settings.MaxPlayers = s.config.DefaultMaxPlayers
	}

	s.mu.Lock()
	if existing, ok := s.rooms[code]; ok {
		snap := existing.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	now := s.clock.Now()
	room := &Room{
		Code:       code,
		HostUserID: rec.HostUserID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.config.TTL),
		State:      StateLobby,
		Settings:   settings,
		Host: HostSession{
			ConnectionID: hostConnectionID,
			Role:         registry.RoleHostControl,
			Token:        rec.HostToken,
		},
		players: make(map[string]*Player),
	}
	s.rooms[code] = room
	s.connToRoom[hostConnectionID] = code
	s.scores[code] = make(map[string]ScoreEntry)
	s.mu.Unlock()

	if persisted, err := s.repo.SessionScores(ctx, code); err == nil {
		s.mu.Lock()
		for name, total := range persisted {
			s.scores[code][nameKey(name)] = ScoreEntry{Name: name, Score: total}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	snap := room.snapshot()
	s.mu.Unlock()
	log.Info().Str("room_code", code).Msg("room restored from durable store")
	return snap, nil
}

// LeaveResult describes what a leave resolved to, so the session layer can
// pick the right broadcasts.
type LeaveResult struct {
	RoomCode    string
	WasHost     bool
	Player      *Player
	RoomDeleted bool
}

// LeaveRoom resolves a departure for a connection id. A host leaving ends the
// whole room. A player either soft-disconnects (slot kept for reconnection) or
// is hard-removed; a room with no players left is deleted.
func (s *Store) LeaveRoom(connectionID string, markDisconnected bool) *LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.connToRoom[connectionID]
	if !ok {
		return nil
	}
	room, ok := s.rooms[code]
	if !ok {
		delete(s.connToRoom, connectionID)
		return nil
	}

	if room.Host.ConnectionID == connectionID {
		if markDisconnected {
			// Reconnectable host drop: keep the room alive for the
			// host token path.
			return &LeaveResult{RoomCode: code, WasHost: true}
		}
		s.deleteRoomLocked(room)
		return &LeaveResult{RoomCode: code, WasHost: true, RoomDeleted: true}
	}

	player := room.Player(connectionID)
	if player == nil {
		delete(s.connToRoom, connectionID)
		return &LeaveResult{RoomCode: code}
	}

	if markDisconnected {
		player.Status = StatusDisconnected
		player.LastSeen = s.clock.Now()
		return &LeaveResult{RoomCode: code, Player: player.snapshot()}
	}

	s.removePlayerLocked(room, player)
	res := &LeaveResult{RoomCode: code, Player: player.snapshot()}
	if len(room.players) == 0 {
		s.deleteRoomLocked(room)
		res.RoomDeleted = true
	}
	return res
}

// KickPlayer hard-removes a player by its current connection id.
func (s *Store) KickPlayer(code, playerConnectionID string) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.lookupLocked(code)
	if err != nil {
		return nil, err
	}
	player := room.Player(playerConnectionID)
	if player == nil {
		return nil, ErrPlayerNotFound
	}
	s.removePlayerLocked(room, player)
	log.Info().
		Str("room_code", room.Code).
		Str("player_name", player.Name).
		Msg("player kicked")
	return player.snapshot(), nil
}

// GetRoom returns a detached copy of the room for a code and refreshes its
// TTL. Mutations go through store methods, never through the copy.
func (s *Store) GetRoom(code string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.lookupLocked(code)
	if err != nil {
		return nil, err
	}
	s.touchLocked(room)
	return room.snapshot(), nil
}

// RoomCodeForConnection resolves which room a connection belongs to.
func (s *Store) RoomCodeForConnection(connectionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.connToRoom[connectionID]
	return code, ok
}

// SetGame records the active game type for a room.
func (s *Store) SetGame(code, gameType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, err := s.lookupLocked(code)
	if err != nil {
		return err
	}
	room.CurrentGameType = gameType
	return nil
}

// SetState transitions the room state machine, enforcing legal transitions.
func (s *Store) SetState(code string, to GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, err := s.lookupLocked(code)
	if err != nil {
		return err
	}
	if room.State == to {
		return nil
	}
	if !CanTransition(room.State, to) {
		return ErrInvalidTransition(room.State, to)
	}
	room.State = to
	return nil
}

// ClearGame destroys the game association and returns the room to LOBBY,
// ready for another game type.
func (s *Store) ClearGame(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, err := s.lookupLocked(code)
	if err != nil {
		return err
	}
	room.CurrentGameType = ""
	room.State = StateLobby
	return nil
}

// UpdateJukebox replaces the opaque jukebox blob.
func (s *Store) UpdateJukebox(code string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, err := s.lookupLocked(code)
	if err != nil {
		return err
	}
	room.Jukebox = state
	return nil
}

// UpdateSettings replaces room settings and persists them best-effort,
// including the per-game settings blobs.
func (s *Store) UpdateSettings(code string, settings Settings) error {
	s.mu.Lock()
	room, err := s.lookupLocked(code)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if settings.MaxPlayers <= 0 {
		settings.MaxPlayers = s.config.DefaultMaxPlayers
	}
	room.Settings = settings
	s.persistRoom(room)
	games := settings.Game
	roomCode := room.Code
	s.mu.Unlock()

	for gameType, blob := range games {
		if err := s.repo.SaveGameSettings(context.Background(), roomCode, gameType, blob); err != nil {
			log.Warn().Err(err).
				Str("room_code", roomCode).
				Str("game_type", gameType).
				Msg("persisting game settings failed")
		}
	}
	return nil
}

// UpdateSessionScore adds a delta to the session-scoped cumulative score for a
// player name and returns the new total. Scores are keyed by name so they
// survive reconnection and full room-state loss.
func (s *Store) UpdateSessionScore(code, playerName string, delta int) int {
	s.mu.Lock()

	code = NormalizeCode(code)
	byName, ok := s.scores[code]
	if !ok {
		byName = make(map[string]ScoreEntry)
		s.scores[code] = byName
	}
	key := nameKey(playerName)
	entry := byName[key]
	if entry.Name == "" {
		entry.Name = strings.TrimSpace(playerName)
	}
	entry.Score += delta
	byName[key] = entry
	total := entry.Score
	name := entry.Name
	s.mu.Unlock()

	go func() {
		if err := s.repo.UpsertSessionScore(context.Background(), code, name, total); err != nil {
			log.Warn().Err(err).
				Str("room_code", code).
				Str("player_name", name).
				Msg("persisting session score failed")
		}
	}()
	return total
}

// SetPlayerScore overwrites the displayed score on a live player record.
// Session totals flow through UpdateSessionScore; this keeps the in-room
// record in step with them.
func (s *Store) SetPlayerScore(code, connectionID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.lookupLocked(code)
	if err != nil {
		return err
	}
	player := room.Player(connectionID)
	if player == nil {
		return ErrPlayerNotFound
	}
	player.Score = total
	return nil
}

// RestoreSessionScore recovers a player's cumulative session score, reading
// through to the durable store when the in-memory leaderboard has no entry.
func (s *Store) RestoreSessionScore(ctx context.Context, code, playerName string) int {
	code = NormalizeCode(code)
	key := nameKey(playerName)

	s.mu.RLock()
	if byName, ok := s.scores[code]; ok {
		if entry, ok := byName[key]; ok {
			s.mu.RUnlock()
			return entry.Score
		}
	}
	s.mu.RUnlock()

	persisted, err := s.repo.SessionScores(ctx, code)
	if err != nil {
		log.Warn().Err(err).Str("room_code", code).Msg("session score restore from store failed")
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.scores[code]
	if !ok {
		byName = make(map[string]ScoreEntry)
		s.scores[code] = byName
	}
	for name, total := range persisted {
		k := nameKey(name)
		if _, exists := byName[k]; !exists {
			byName[k] = ScoreEntry{Name: name, Score: total}
		}
	}
	return byName[key].Score
}

// RestorePlayerScore reapplies a player's recovered session score to their
// live record after a token reconnection. Returns the restored total.
func (s *Store) RestorePlayerScore(ctx context.Context, code, connectionID string) int {
	s.mu.RLock()
	room, ok := s.rooms[NormalizeCode(code)]
	var name string
	if ok {
		if player := room.Player(connectionID); player != nil {
			name = player.Name
		}
	}
	s.mu.RUnlock()
	if name == "" {
		return 0
	}

	restored := s.RestoreSessionScore(ctx, code, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if player := room.Player(connectionID); player != nil {
		if restored > player.Score {
			player.Score = restored
		}
		return player.Score
	}
	return restored
}

// SessionLeaderboard returns cumulative session scores, highest first.
func (s *Store) SessionLeaderboard(code string) []ScoreEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byName := s.scores[NormalizeCode(code)]
	out := make([]ScoreEntry, 0, len(byName))
	for _, entry := range byName {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CleanupExpiredRooms sweeps rooms past their TTL and returns their codes.
func (s *Store) CleanupExpiredRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var expired []string
	for code, room := range s.rooms {
		if now.After(room.ExpiresAt) {
			expired = append(expired, code)
			s.deleteRoomLocked(room)
		}
	}
	if len(expired) > 0 {
		log.Info().Strs("room_codes", expired).Msg("expired rooms reclaimed")
	}
	return expired
}

// RoomCount reports how many rooms are resident.
func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (s *Store) lookupLocked(code string) (*Room, error) {
	room, ok := s.rooms[NormalizeCode(code)]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if s.clock.Now().After(room.ExpiresAt) {
		return nil, ErrRoomExpired
	}
	return room, nil
}

func (s *Store) touchLocked(room *Room) {
	room.ExpiresAt = s.clock.Now().Add(s.config.TTL)
}

func (s *Store) movePlayerLocked(room *Room, player *Player, newConnectionID string, now time.Time) {
	delete(room.players, player.ID)
	delete(s.connToRoom, player.ID)
	player.ID = newConnectionID
	player.Status = StatusConnected
	player.LastSeen = now
	room.players[newConnectionID] = player
	s.connToRoom[newConnectionID] = room.Code
}

func (s *Store) removePlayerLocked(room *Room, player *Player) {
	delete(room.players, player.ID)
	delete(s.connToRoom, player.ID)
	key := nameKey(player.Name)
	for i, k := range room.order {
		if k == key {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	for token, claim := range s.playerTokens {
		if claim.roomCode == room.Code && claim.nameKey == key {
			delete(s.playerTokens, token)
		}
	}
}

func (s *Store) deleteRoomLocked(room *Room) {
	for id := range room.players {
		delete(s.connToRoom, id)
	}
	delete(s.connToRoom, room.Host.ConnectionID)
	for token, claim := range s.playerTokens {
		if claim.roomCode == room.Code {
			delete(s.playerTokens, token)
		}
	}
	delete(s.scores, room.Code)
	delete(s.rooms, room.Code)

	code := room.Code
	go func() {
		if err := s.repo.DeactivateRoom(context.Background(), code); err != nil {
			log.Warn().Err(err).Str("room_code", code).Msg("deactivating room in store failed")
		}
	}()
}

// persistRoom writes the room's durable projection asynchronously. Callers
// hold the store lock; the snapshot is taken before the goroutine starts.
func (s *Store) persistRoom(room *Room) {
	settings, err := json.Marshal(room.Settings)
	if err != nil {
		settings = nil
	}
	rec := RoomRecord{
		Code:       room.Code,
		HostUserID: room.HostUserID,
		HostToken:  room.Host.Token,
		ExpiresAt:  room.ExpiresAt,
		IsActive:   true,
		Settings:   settings,
	}
	go func() {
		if err := s.repo.SaveRoom(context.Background(), rec); err != nil {
			log.Warn().Err(err).Str("room_code", rec.Code).Msg("persisting room failed; room remains usable in memory")
		}
	}()
}

func sanitizeName(name string, maxLen int) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return "", ErrInvalidName
	}
	runes := []rune(cleaned)
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned, nil
}
