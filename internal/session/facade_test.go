package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyhub/partyhub/internal/events"
	"github.com/partyhub/partyhub/internal/game"
	"github.com/partyhub/partyhub/internal/registry"
	"github.com/partyhub/partyhub/internal/room"
)

type fakeRepo struct {
	mu                sync.Mutex
	rooms             map[string]room.RoomRecord
	scores            map[string]map[string]int
	hostTokenFailures int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rooms:  make(map[string]room.RoomRecord),
		scores: make(map[string]map[string]int),
	}
}

func (f *fakeRepo) SaveRoom(_ context.Context, rec room.RoomRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[rec.Code] = rec
	return nil
}

func (f *fakeRepo) Room(_ context.Context, code string) (room.RoomRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rooms[code]
	if !ok {
		return room.RoomRecord{}, room.ErrRoomNotFound
	}
	return rec, nil
}

func (f *fakeRepo) DeactivateRoom(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.rooms[code]
	rec.IsActive = false
	f.rooms[code] = rec
	return nil
}

func (f *fakeRepo) HostToken(_ context.Context, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hostTokenFailures > 0 {
		f.hostTokenFailures--
		return "", errors.New("store timeout")
	}
	rec, ok := f.rooms[code]
	if !ok {
		return "", room.ErrRoomNotFound
	}
	return rec.HostToken, nil
}

func (f *fakeRepo) UpdateHostToken(_ context.Context, code, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.rooms[code]
	rec.HostToken = token
	f.rooms[code] = rec
	return nil
}

func (f *fakeRepo) UpsertSessionScore(_ context.Context, code, name string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scores[code] == nil {
		f.scores[code] = make(map[string]int)
	}
	f.scores[code][name] = total
	return nil
}

func (f *fakeRepo) SessionScores(_ context.Context, code string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for name, total := range f.scores[code] {
		out[name] = total
	}
	return out, nil
}

func (f *fakeRepo) SaveGameSettings(_ context.Context, _, _ string, _ []byte) error {
	return nil
}

// fakeSender records everything delivered per connection.
type fakeSender struct {
	mu     sync.Mutex
	events map[string][]events.Event
}

func newFakeSender() *fakeSender {
	return &fakeSender{events: make(map[string][]events.Event)}
}

func (s *fakeSender) Send(connectionID string, ev events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[connectionID] = append(s.events[connectionID], ev)
	return true
}

func (s *fakeSender) received(connectionID string, eventType events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events[connectionID] {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (s *fakeSender) last(connectionID string, eventType events.Type) (events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events[connectionID]) - 1; i >= 0; i-- {
		if s.events[connectionID][i].Type == eventType {
			return s.events[connectionID][i], true
		}
	}
	return events.Event{}, false
}

type fakeRelay struct {
	mu      sync.Mutex
	created []string
	ended   []string
	started []string
	ends    []string
}

func (r *fakeRelay) RoomCreated(code, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, code)
}

func (r *fakeRelay) RoomEnded(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, code)
}

func (r *fakeRelay) GameStarted(code, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, code)
}

func (r *fakeRelay) GameEnded(code, _ string, _ []events.ScoreboardLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, code)
}

// triviaEngine is a minimal rules engine whose host view contains the answer
// key and whose player views do not.
type triviaEngine struct {
	mu      sync.Mutex
	answers map[string]string
	scores  map[string]int
	names   map[string]string
}

func newTriviaEngine() *triviaEngine {
	return &triviaEngine{
		answers: make(map[string]string),
		scores:  make(map[string]int),
		names:   make(map[string]string),
	}
}

func (e *triviaEngine) Type() string { return "trivia" }

func (e *triviaEngine) State() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{"question": "capital of France?", "answer": "paris", "answers": len(e.answers)}
}

func (e *triviaEngine) ClientState(participantID string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{"question": "capital of France?", "submitted": e.answers[participantID] != ""}
}

func (e *triviaEngine) HandleAction(participantID, verb string, payload json.RawMessage) error {
	if verb != "answer" {
		return errors.New("unknown verb")
	}
	var req struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers[participantID] = req.Value
	e.names[participantID] = req.Name
	if req.Value == "paris" {
		e.scores[participantID] += 10
	}
	return nil
}

func (e *triviaEngine) Scoreboard() []game.ScoreEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []game.ScoreEntry
	for id, score := range e.scores {
		out = append(out, game.ScoreEntry{ParticipantID: id, Name: e.names[id], Score: score})
	}
	return out
}

func (e *triviaEngine) Start() error  { return nil }
func (e *triviaEngine) Pause() error  { return nil }
func (e *triviaEngine) Resume() error { return nil }
func (e *triviaEngine) End()          {}

type harness struct {
	facade  *Facade
	rooms   *room.Store
	repo    *fakeRepo
	sender  *fakeSender
	relay   *fakeRelay
	clock   *clockwork.FakeClock
	engines []*triviaEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:   newFakeRepo(),
		sender: newFakeSender(),
		relay:  &fakeRelay{},
		clock:  clockwork.NewFakeClock(),
	}
	h.rooms = room.NewStore(h.repo, h.clock, room.DefaultConfig())
	reg := registry.New(h.clock, registry.DefaultConfig())
	games := game.NewRegistry()
	games.Register("trivia", func(_ json.RawMessage) (game.Engine, error) {
		e := newTriviaEngine()
		h.engines = append(h.engines, e)
		return e, nil
	})
	h.facade = New(Deps{
		Rooms:    h.rooms,
		Registry: reg,
		Games:    games,
		Sender:   h.sender,
		Relay:    h.relay,
		Clock:    h.clock,
	}, DefaultConfig())
	return h
}

func (h *harness) createRoom(t *testing.T, hostConn string) CreateRoomResult {
	t.Helper()
	res := h.facade.CreateRoom(context.Background(), hostConn, "")
	require.True(t, res.Success, res.Error)
	return res
}

func TestCreateAndJoin(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	assert.Len(t, created.RoomCode, 4)
	assert.NotEmpty(t, created.HostToken)
	assert.Contains(t, created.GameTypes, "trivia")
	assert.Equal(t, []string{created.RoomCode}, h.relay.created)

	joined := h.facade.JoinRoom("p1", created.RoomCode, "Mia")
	require.True(t, joined.Success, joined.Error)
	assert.NotEmpty(t, joined.PlayerToken)
	assert.Equal(t, "LOBBY", joined.RoomState)
	require.Len(t, joined.Players, 1)
	assert.Equal(t, "Mia", joined.Players[0].Name)

	// The host hears about the join; the joiner gets the current state.
	assert.Equal(t, 1, h.sender.received("host-1", events.TypePlayerJoined))
	assert.Equal(t, 1, h.sender.received("host-1", events.TypeRoomUpdate))
	assert.GreaterOrEqual(t, h.sender.received("p1", events.TypeGameStateUpdate), 1)

	ack := h.facade.KeepAlive("p1", created.RoomCode)
	assert.True(t, ack.Verified)
	assert.Equal(t, "LOBBY", ack.RoomState)
	require.Equal(t, 1, h.sender.received("p1", events.TypeKeepAliveAck))
	got, _ := h.sender.last("p1", events.TypeKeepAliveAck)
	var ackPayload events.KeepAliveAckPayload
	require.NoError(t, json.Unmarshal(got.Data, &ackPayload))
	assert.True(t, ackPayload.Verified)
	assert.Equal(t, "LOBBY", ackPayload.RoomState)

	notMine := h.facade.KeepAlive("p1", "ZZZZ")
	assert.False(t, notMine.Verified)
}

func TestReconnectDuringGame(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	code := created.RoomCode

	joined := h.facade.JoinRoom("p1", code, "Mia")
	require.True(t, joined.Success)
	token := joined.PlayerToken

	started := h.facade.SubmitAction("host-1", "a-start", "start_game",
		json.RawMessage(`{"game_type":"trivia"}`))
	require.True(t, started.Success, started.Error)
	assert.Equal(t, 1, h.sender.received("p1", events.TypeGameStarted))

	r, err := h.rooms.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, room.StateStarting, r.State)

	h.clock.Advance(h.facade.config.WarmupDelay)
	r, err = h.rooms.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, room.StatePlaying, r.State)

	answered := h.facade.SubmitAction("p1", "a-1", "answer",
		json.RawMessage(`{"name":"Mia","value":"paris"}`))
	require.True(t, answered.Success, answered.Error)

	// Transport drop mid-game.
	h.facade.HandleDisconnect("p1")
	r, _ = h.rooms.GetRoom(code)
	require.NotNil(t, r.Player("p1"))
	assert.Equal(t, room.StatusDisconnected, r.Player("p1").Status)
	assert.Equal(t, 1, h.sender.received("host-1", events.TypePlayerDisconnected))

	// Token reconnection on a fresh socket keeps identity and game state.
	rec := h.facade.ReconnectPlayer(context.Background(), "p2", code, token)
	require.True(t, rec.Success, rec.Error)
	require.NotNil(t, rec.Player)
	assert.Equal(t, "p2", rec.Player.ID)
	assert.Equal(t, "Mia", rec.Player.Name)
	require.NotNil(t, rec.State)
	assert.Equal(t, "PLAYING", rec.State.RoomState)
	assert.Equal(t, "trivia", rec.State.GameType)
	assert.Equal(t, 1, h.sender.received("host-1", events.TypePlayerReconnected))

	// The player view never contains the answer key.
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.State.State, &view))
	assert.NotContains(t, view, "answer")
	assert.Contains(t, view, "question")

	// The engine still sees the same participant through the new socket.
	resubmit := h.facade.SubmitAction("p2", "a-2", "answer",
		json.RawMessage(`{"name":"Mia","value":"paris"}`))
	require.True(t, resubmit.Success, resubmit.Error)
}

func TestReconnectThrottleExhaustion(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	code := created.RoomCode

	for i := 0; i < 5; i++ {
		res := h.facade.ReconnectPlayer(context.Background(), "px", code, "bad-token")
		assert.Equal(t, CodeAuthInvalid, res.ErrorCode)
	}
	res := h.facade.ReconnectPlayer(context.Background(), "px", code, "bad-token")
	assert.Equal(t, CodeReconnectionExhausted, res.ErrorCode)
	assert.True(t, res.Retryable)

	// The window slides; attempts become available again.
	h.clock.Advance(61 * time.Second)
	res = h.facade.ReconnectPlayer(context.Background(), "px", code, "bad-token")
	assert.Equal(t, CodeAuthInvalid, res.ErrorCode)
}

func TestHostReconnectRetriesTransientStoreFailures(t *testing.T) {
	h := newHarness(t)
	h.repo.rooms["QQQQ"] = room.RoomRecord{
		Code:      "QQQQ",
		HostToken: "persisted-token",
		ExpiresAt: h.clock.Now().Add(time.Hour),
		IsActive:  true,
	}
	h.repo.hostTokenFailures = 2

	results := make(chan ReconnectResult, 1)
	go func() {
		results <- h.facade.ReconnectHost(context.Background(), "host-2", "qqqq", "persisted-token")
	}()

	// Two transient failures back off 100ms then 200ms before succeeding.
	h.clock.BlockUntil(1)
	h.clock.Advance(100 * time.Millisecond)
	h.clock.BlockUntil(1)
	h.clock.Advance(200 * time.Millisecond)

	res := <-results
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "QQQQ", res.RoomCode)
	assert.Equal(t, registry.RoleHostControl, res.Role)

	// The room was rebuilt from the durable store.
	r, err := h.rooms.GetRoom("QQQQ")
	require.NoError(t, err)
	assert.Equal(t, room.StateLobby, r.State)
	assert.Equal(t, "host-2", r.Host.ConnectionID)
}

func TestHostReconnectRejectsBadTokenWithoutRetry(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")

	res := h.facade.ReconnectHost(context.Background(), "host-2", created.RoomCode, "wrong")
	assert.Equal(t, CodeAuthInvalid, res.ErrorCode)
}

func TestStartGameIdempotent(t *testing.T) {
	h := newHarness(t)
	h.createRoom(t, "host-1")

	first := h.facade.SubmitAction("host-1", "a-start", "start_game",
		json.RawMessage(`{"game_type":"trivia"}`))
	require.True(t, first.Success)

	replay := h.facade.SubmitAction("host-1", "a-start", "start_game",
		json.RawMessage(`{"game_type":"trivia"}`))
	assert.True(t, replay.Success)
	assert.True(t, replay.Duplicate)
	assert.Len(t, h.engines, 1)
}

func TestPlayersCannotStartGames(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	joined := h.facade.JoinRoom("p1", created.RoomCode, "Mia")
	require.True(t, joined.Success)

	res := h.facade.SubmitAction("p1", "a-start", "start_game",
		json.RawMessage(`{"game_type":"trivia"}`))
	assert.False(t, res.Success)
	assert.Equal(t, "permission_denied", res.ErrorCode)
}

func TestEndGameFoldsScoresAndReturnsToLobby(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	code := created.RoomCode
	joined := h.facade.JoinRoom("p1", code, "Mia")
	require.True(t, joined.Success)

	require.True(t, h.facade.SubmitAction("host-1", "a-start", "start_game",
		json.RawMessage(`{"game_type":"trivia"}`)).Success)
	h.clock.Advance(h.facade.config.WarmupDelay)
	require.True(t, h.facade.SubmitAction("p1", "a-1", "answer",
		json.RawMessage(`{"name":"Mia","value":"paris"}`)).Success)

	ended := h.facade.SubmitAction("host-1", "a-end", "end_game", nil)
	require.True(t, ended.Success, ended.Error)
	assert.Equal(t, 1, h.sender.received("p1", events.TypeGameEnded))
	assert.Equal(t, []string{code}, h.relay.ends)

	r, err := h.rooms.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, room.StateGameEnd, r.State)

	board := h.rooms.SessionLeaderboard(code)
	require.Len(t, board, 1)
	assert.Equal(t, "Mia", board[0].Name)
	assert.Equal(t, 10, board[0].Score)
	assert.Equal(t, 10, r.Player("p1").Score)

	h.clock.Advance(h.facade.config.TeardownDelay)
	r, err = h.rooms.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, room.StateLobby, r.State)
	assert.Nil(t, h.facade.Engine(code))
}

func TestKickPlayer(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	code := created.RoomCode
	require.True(t, h.facade.JoinRoom("p1", code, "Mia").Success)
	require.True(t, h.facade.JoinRoom("p2", code, "Noah").Success)

	res := h.facade.SubmitAction("host-1", "a-kick", "kick_player",
		json.RawMessage(`{"player_id":"p1"}`))
	require.True(t, res.Success, res.Error)

	kicked, found := h.sender.last("p1", events.TypeKickedFromRoom)
	require.True(t, found)
	var payload events.KickedPayload
	require.NoError(t, json.Unmarshal(kicked.Data, &payload))
	assert.Equal(t, "removed by host", payload.Reason)

	assert.Equal(t, 1, h.sender.received("p2", events.TypePlayerLeft))
	r, _ := h.rooms.GetRoom(code)
	assert.Nil(t, r.Player("p1"))
}

func TestHostLeaveEndsRoom(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	code := created.RoomCode
	require.True(t, h.facade.JoinRoom("p1", code, "Mia").Success)

	status := h.facade.LeaveRoom("host-1")
	require.True(t, status.Success)
	assert.Equal(t, 1, h.sender.received("p1", events.TypeHostLeft))
	assert.Equal(t, []string{code}, h.relay.ended)

	_, err := h.rooms.GetRoom(code)
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	code := created.RoomCode
	require.True(t, h.facade.SubmitAction("host-1", "a-start", "start_game",
		json.RawMessage(`{"game_type":"trivia"}`)).Success)
	h.clock.Advance(h.facade.config.WarmupDelay)

	require.True(t, h.facade.SubmitAction("host-1", "a-pause", "pause_game", nil).Success)
	r, _ := h.rooms.GetRoom(code)
	assert.Equal(t, room.StatePaused, r.State)

	require.True(t, h.facade.SubmitAction("host-1", "a-resume", "resume_game", nil).Success)
	r, _ = h.rooms.GetRoom(code)
	assert.Equal(t, room.StatePlaying, r.State)
}

func TestConcurrentJoinsShareOneRoom(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	code := created.RoomCode
	require.NoError(t, h.rooms.UpdateSettings(code, room.Settings{MaxPlayers: 64}))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		connID := fmt.Sprintf("conn-%d", i)
		name := fmt.Sprintf("player-%d", i)
		go func() {
			defer wg.Done()
			res := h.facade.JoinRoom(connID, code, name)
			assert.True(t, res.Success, res.Error)
		}()
	}
	wg.Wait()

	r, err := h.rooms.GetRoom(code)
	require.NoError(t, err)
	assert.Len(t, r.Players(), 40)
}

func TestAckIgnoredForForeignRooms(t *testing.T) {
	h := newHarness(t)
	created := h.createRoom(t, "host-1")
	code := created.RoomCode
	require.True(t, h.facade.JoinRoom("p1", code, "Mia").Success)

	h.facade.Ack("p1", "ZZZZ", 5)
	assert.Equal(t, uint64(0), h.facade.Sync().LastAck("ZZZZ", "p1"))

	h.facade.Ack("p1", code, 1)
	assert.Equal(t, uint64(1), h.facade.Sync().LastAck(code, "p1"))
}

func TestCodeExhaustionReportedAsUpstreamFailure(t *testing.T) {
	status := mapRoomError(room.ErrCodesExhausted)
	assert.False(t, status.Success)
	assert.Equal(t, CodeUpstreamUnavailable, status.ErrorCode)
	status = mapRoomError(room.ErrRoomNotFound)
	assert.Equal(t, CodeNotFound, status.ErrorCode)
}
