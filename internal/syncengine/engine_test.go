package syncengine

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyhub/partyhub/internal/events"
	"github.com/partyhub/partyhub/internal/registry"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]events.Event
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]events.Event)}
}

func (f *fakeSender) Send(connectionID string, event events.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connectionID] = append(f.sent[connectionID], event)
	return true
}

func (f *fakeSender) count(connectionID string, eventType events.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.sent[connectionID] {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (f *fakeSender) last(connectionID string, eventType events.Type) (events.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent[connectionID]) - 1; i >= 0; i-- {
		if f.sent[connectionID][i].Type == eventType {
			return f.sent[connectionID][i], true
		}
	}
	return events.Event{}, false
}

type fakeProjector struct {
	mu   sync.Mutex
	proj *Projection
}

func (f *fakeProjector) set(p *Projection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proj = p
}

func (f *fakeProjector) Project(string) (*Projection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proj, nil
}

func newTestEngine() (*Engine, *registry.Registry, *fakeSender, *fakeProjector, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	reg := registry.New(clock, registry.DefaultConfig())
	sender := newFakeSender()
	projector := &fakeProjector{proj: &Projection{RoomState: "LOBBY"}}
	eng := New(reg, sender, projector, clock, DefaultConfig())
	return eng, reg, sender, projector, clock
}

func stateOf(t *testing.T, ev events.Event) events.GameStatePayload {
	t.Helper()
	var payload events.GameStatePayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	return payload
}

func TestSyncGameStateRoleProjections(t *testing.T) {
	eng, reg, sender, _, _ := newTestEngine()
	reg.Register("host", "ABCD", true, registry.RoleHostControl)
	reg.Register("tv", "ABCD", true, registry.RoleHostDisplay)
	reg.Register("p1", "ABCD", false, registry.RolePlayer)

	proj := &Projection{
		RoomState: "PLAYING",
		GameType:  "trivia",
		HostView:  map[string]string{"question": "Q1", "answer": "42"},
		PlayerViews: map[string]any{
			"p1": map[string]string{"question": "Q1"},
		},
	}
	require.NoError(t, eng.SyncGameState("ABCD", proj, false))

	hostEv, ok := sender.last("host", events.TypeGameStateUpdate)
	require.True(t, ok)
	hostState := stateOf(t, hostEv)
	assert.Contains(t, string(hostState.State), "answer")
	assert.Equal(t, "PLAYING", hostState.RoomState)
	assert.Equal(t, uint64(1), hostState.Version)

	tvEv, ok := sender.last("tv", events.TypeGameStateUpdate)
	require.True(t, ok)
	assert.Contains(t, string(stateOf(t, tvEv).State), "answer")

	playerEv, ok := sender.last("p1", events.TypeGameStateUpdate)
	require.True(t, ok)
	assert.NotContains(t, string(stateOf(t, playerEv).State), "answer")
}

func TestSyncGameStateDeduplicatesIdenticalState(t *testing.T) {
	eng, reg, sender, _, clock := newTestEngine()
	reg.Register("p1", "ABCD", false, registry.RolePlayer)

	proj := &Projection{RoomState: "PLAYING", HostView: map[string]int{"round": 1}}
	require.NoError(t, eng.SyncGameState("ABCD", proj, false))
	clock.Advance(time.Second)
	require.NoError(t, eng.SyncGameState("ABCD", proj, false))

	assert.Equal(t, 1, sender.count("p1", events.TypeGameStateUpdate))

	// force bypasses de-duplication.
	require.NoError(t, eng.SyncGameState("ABCD", proj, true))
	assert.Equal(t, 2, sender.count("p1", events.TypeGameStateUpdate))
}

func TestSyncGameStateThrottleAndFlush(t *testing.T) {
	eng, reg, sender, projector, clock := newTestEngine()
	reg.Register("p1", "ABCD", false, registry.RolePlayer)

	first := &Projection{RoomState: "PLAYING", HostView: map[string]int{"round": 1}}
	require.NoError(t, eng.SyncGameState("ABCD", first, false))
	assert.Equal(t, 1, sender.count("p1", events.TypeGameStateUpdate))

	// A different state arriving inside the throttle window is held back.
	second := &Projection{RoomState: "PLAYING", HostView: map[string]int{"round": 2}}
	clock.Advance(50 * time.Millisecond)
	require.NoError(t, eng.SyncGameState("ABCD", second, false))
	assert.Equal(t, 1, sender.count("p1", events.TypeGameStateUpdate))

	// Once the floor elapses, the flush loop delivers the latest state.
	projector.set(second)
	clock.Advance(200 * time.Millisecond)
	eng.FlushPending()
	assert.Equal(t, 2, sender.count("p1", events.TypeGameStateUpdate))

	ev, _ := sender.last("p1", events.TypeGameStateUpdate)
	assert.Equal(t, uint64(2), stateOf(t, ev).Version)
}

func TestHandleReconnectionUnicastsAndRepairsJoinRace(t *testing.T) {
	eng, reg, sender, projector, clock := newTestEngine()
	reg.Register("host", "ABCD", true, registry.RoleHostControl)

	proj := &Projection{RoomState: "PLAYING", GameType: "trivia", HostView: map[string]int{"q": 3}}
	projector.set(proj)
	require.NoError(t, eng.SyncGameState("ABCD", proj, true))

	// A connection joins after the broadcast; it gets the state by unicast.
	reg.Register("p2", "ABCD", false, registry.RolePlayer)
	payload, err := eng.HandleReconnection("ABCD", "p2", registry.RolePlayer)
	require.NoError(t, err)
	assert.Equal(t, "PLAYING", payload.RoomState)
	assert.Equal(t, 1, sender.count("p2", events.TypeGameStateUpdate))

	// State moved on before the grace tick and the client never acked:
	// the scheduled repair re-delivers.
	require.NoError(t, eng.SyncGameState("ABCD", &Projection{RoomState: "PLAYING", HostView: map[string]int{"q": 4}}, true))
	clock.Advance(DefaultConfig().JoinGraceTick)
	assert.Equal(t, 3, sender.count("p2", events.TypeGameStateUpdate))
}

func TestScheduleJoinSyncSkipsCaughtUpConnection(t *testing.T) {
	eng, reg, sender, _, clock := newTestEngine()
	reg.Register("p1", "ABCD", false, registry.RolePlayer)

	require.NoError(t, eng.SyncGameState("ABCD", &Projection{RoomState: "PLAYING", HostView: 1}, true))
	eng.TrackAck("ABCD", "p1", 1)

	eng.ScheduleJoinSync("ABCD", "p1", registry.RolePlayer)
	clock.Advance(DefaultConfig().JoinGraceTick)
	// Already acked the current version: no duplicate delivery.
	assert.Equal(t, 1, sender.count("p1", events.TypeGameStateUpdate))
}

func TestSyncPlayerListBroadcasts(t *testing.T) {
	eng, reg, sender, _, _ := newTestEngine()
	reg.Register("host", "ABCD", true, registry.RoleHostControl)
	reg.Register("p1", "ABCD", false, registry.RolePlayer)
	reg.Register("other", "WXYZ", false, registry.RolePlayer)

	eng.SyncPlayerList("ABCD", []events.PlayerInfo{{ID: "p1", Name: "Mia"}})

	assert.Equal(t, 1, sender.count("host", events.TypeRoomUpdate))
	assert.Equal(t, 1, sender.count("p1", events.TypeRoomUpdate))
	assert.Equal(t, 0, sender.count("other", events.TypeRoomUpdate))
}

func TestKeepAliveTracking(t *testing.T) {
	eng, _, _, _, _ := newTestEngine()
	eng.TrackKeepAlive("ABCD", "p1", true)
	eng.TrackKeepAlive("ABCD", "p2", false)
	assert.Equal(t, 1, eng.VerifiedCount("ABCD"))

	eng.CleanupRoom("ABCD")
	assert.Equal(t, 0, eng.VerifiedCount("ABCD"))
}

func TestTrackingIgnoresUnknownRooms(t *testing.T) {
	eng, _, _, _, _ := newTestEngine()

	for i := 0; i < 100; i++ {
		code := fmt.Sprintf("FAKE%02d", i)
		eng.TrackAck(code, "c1", 7)
		eng.TrackKeepAlive(code, "c1", false)
	}
	eng.mu.Lock()
	tracked := len(eng.rooms)
	eng.mu.Unlock()
	assert.Equal(t, 0, tracked, "unverified probes for made-up rooms must not allocate")
	assert.Equal(t, uint64(0), eng.LastAck("FAKE00", "c1"))

	// A verified keepalive belongs to a registered connection and may
	// create tracking state.
	eng.TrackKeepAlive("ABCD", "c1", true)
	assert.Equal(t, 1, eng.VerifiedCount("ABCD"))
}
