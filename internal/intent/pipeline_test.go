package intent

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyhub/partyhub/internal/game"
	"github.com/partyhub/partyhub/internal/registry"
)

type fakeEngine struct {
	mu      sync.Mutex
	applied []string
	err     error
}

func (f *fakeEngine) Type() string                  { return "fake" }
func (f *fakeEngine) State() any                    { return nil }
func (f *fakeEngine) ClientState(string) any        { return nil }
func (f *fakeEngine) Scoreboard() []game.ScoreEntry { return nil }
func (f *fakeEngine) Start() error                  { return nil }
func (f *fakeEngine) Pause() error                  { return nil }
func (f *fakeEngine) Resume() error                 { return nil }
func (f *fakeEngine) End()                          {}

func (f *fakeEngine) HandleAction(participantID, verb string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, participantID+":"+verb)
	return nil
}

func (f *fakeEngine) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type fakeEngines struct{ engine game.Engine }

func (f *fakeEngines) Engine(string) game.Engine { return f.engine }

type broadcastSpy struct {
	mu    sync.Mutex
	calls []bool
}

func (b *broadcastSpy) fn(_ string, force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, force)
}

func (b *broadcastSpy) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestPipeline() (*Pipeline, *registry.Registry, *fakeEngine, *broadcastSpy, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	reg := registry.New(clock, registry.DefaultConfig())
	engine := &fakeEngine{}
	spy := &broadcastSpy{}
	p := NewPipeline(reg, &fakeEngines{engine: engine}, spy.fn, clock, DefaultConfig())
	return p, reg, engine, spy, clock
}

func submit(p *Pipeline, id, action, playerID, roomCode string) string {
	return p.Submit(Intent{ID: id, Action: action, PlayerID: playerID, RoomCode: roomCode})
}

func TestProcessAppliesGameplayIntent(t *testing.T) {
	p, reg, engine, spy, _ := newTestPipeline()
	reg.Register("c1", "ABCD", false, registry.RolePlayer)

	id := submit(p, "", "answer", "c1", "ABCD")
	require.NotEmpty(t, id)

	res := p.Process(id, "ABCD")
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, engine.appliedCount())
	assert.Equal(t, 1, spy.count())
}

func TestDuplicateActionAppliedExactlyOnce(t *testing.T) {
	p, reg, engine, _, _ := newTestPipeline()
	reg.Register("c1", "ABCD", false, registry.RolePlayer)

	submit(p, "a-1", "answer", "c1", "ABCD")
	first := p.Process("a-1", "ABCD")
	require.True(t, first.Success)

	// Client retry after a dropped ACK: same action id again.
	submit(p, "a-1", "answer", "c1", "ABCD")
	second := p.Process("a-1", "ABCD")
	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, engine.appliedCount(), "duplicate must not reapply the action")
}

func TestRoleMatrix(t *testing.T) {
	p, reg, engine, _, _ := newTestPipeline()
	reg.Register("host", "ABCD", true, registry.RoleHostControl)
	reg.Register("tv", "ABCD", true, registry.RoleHostDisplay)
	reg.Register("p1", "ABCD", false, registry.RolePlayer)

	tests := []struct {
		name    string
		conn    string
		action  string
		allowed bool
	}{
		{"player gameplay", "p1", "answer", true},
		{"player host action", "p1", "start_game", false},
		{"host gameplay", "host", "answer", false},
		{"display anything", "tv", "answer", false},
		{"unregistered", "ghost", "answer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := submit(p, "", tt.action, tt.conn, "ABCD")
			res := p.Process(id, "ABCD")
			if tt.allowed {
				assert.True(t, res.Success)
			} else {
				assert.False(t, res.Success)
				assert.Equal(t, "permission_denied", res.ErrorCode)
			}
		})
	}
	assert.Equal(t, 1, engine.appliedCount())
}

func TestRateLimiting(t *testing.T) {
	p, reg, _, _, clock := newTestPipeline()
	reg.Register("c1", "ABCD", false, registry.RolePlayer)

	limited := 0
	for i := 0; i < 15; i++ {
		id := submit(p, "", "answer", "c1", "ABCD")
		if res := p.Process(id, "ABCD"); !res.Success {
			assert.Equal(t, "rate_limited", res.ErrorCode)
			limited++
		}
	}
	// Per-action budget is 10 per window.
	assert.Equal(t, 5, limited)

	// A fresh window clears the limiter.
	clock.Advance(2 * time.Second)
	id := submit(p, "", "answer", "c1", "ABCD")
	assert.True(t, p.Process(id, "ABCD").Success)
}

func TestProcessFailsWithoutActiveGame(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := registry.New(clock, registry.DefaultConfig())
	spy := &broadcastSpy{}
	p := NewPipeline(reg, &fakeEngines{engine: nil}, spy.fn, clock, DefaultConfig())
	reg.Register("c1", "ABCD", false, registry.RolePlayer)

	id := submit(p, "", "answer", "c1", "ABCD")
	res := p.Process(id, "ABCD")
	assert.False(t, res.Success)
	assert.Equal(t, "not_found", res.ErrorCode)
	assert.Zero(t, spy.count(), "failed validation must not broadcast")
}

func TestProcessHostActionWithFollowUp(t *testing.T) {
	p, reg, _, spy, clock := newTestPipeline()
	reg.Register("host", "ABCD", true, registry.RoleHostControl)

	applied := 0
	submit(p, "h-1", "start_game", "host", "ABCD")
	res := p.ProcessHostAction("h-1", "ABCD", 3*time.Second, func() error {
		applied++
		return nil
	})
	require.True(t, res.Success)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, spy.count())

	// Deferred forced re-broadcast at the expected transition time.
	clock.Advance(3 * time.Second)
	assert.Equal(t, 2, spy.count())

	// Replay of the same host action id does not reapply or reschedule.
	submit(p, "h-1", "start_game", "host", "ABCD")
	res = p.ProcessHostAction("h-1", "ABCD", 3*time.Second, func() error {
		applied++
		return nil
	})
	assert.True(t, res.Success)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, applied)
}

func TestCacheEviction(t *testing.T) {
	p, reg, _, _, clock := newTestPipeline()
	reg.Register("c1", "ABCD", false, registry.RolePlayer)

	submit(p, "a-1", "answer", "c1", "ABCD")
	require.True(t, p.Process("a-1", "ABCD").Success)
	assert.Equal(t, 1, p.CacheSize())

	clock.Advance(61 * time.Second)
	assert.Equal(t, 1, p.EvictExpired())
	assert.Equal(t, 0, p.CacheSize())

	// After eviction the same id is treated as new again.
	submit(p, "a-1", "answer", "c1", "ABCD")
	res := p.Process("a-1", "ABCD")
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
}
