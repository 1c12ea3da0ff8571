package taprace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTapsScoreWhileRunning(t *testing.T) {
	engine, err := New(json.RawMessage(`{"tap_points":5}`))
	require.NoError(t, err)

	err = engine.HandleAction("p1", "tap", json.RawMessage(`{"name":"Mia"}`))
	assert.Error(t, err, "taps before Start must be rejected")

	require.NoError(t, engine.Start())
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.HandleAction("p1", "tap", json.RawMessage(`{"name":"Mia"}`)))
	}
	require.NoError(t, engine.HandleAction("p2", "tap", json.RawMessage(`{"name":"Noah"}`)))

	board := engine.Scoreboard()
	require.Len(t, board, 2)
	assert.Equal(t, "Mia", board[0].Name)
	assert.Equal(t, 15, board[0].Score)
	assert.Equal(t, 5, board[1].Score)
}

func TestPauseBlocksTaps(t *testing.T) {
	engine, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	require.NoError(t, engine.HandleAction("p1", "tap", nil))

	require.NoError(t, engine.Pause())
	assert.Error(t, engine.HandleAction("p1", "tap", nil))

	require.NoError(t, engine.Resume())
	require.NoError(t, engine.HandleAction("p1", "tap", nil))

	engine.End()
	assert.Error(t, engine.HandleAction("p1", "tap", nil))
}

func TestPlayerViewHidesOtherParticipants(t *testing.T) {
	engine, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	require.NoError(t, engine.HandleAction("p1", "tap", nil))
	require.NoError(t, engine.HandleAction("p2", "tap", nil))

	raw, err := json.Marshal(engine.ClientState("p1"))
	require.NoError(t, err)
	var view map[string]any
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.NotContains(t, view, "participants")
	assert.EqualValues(t, 1, view["taps"])
}
