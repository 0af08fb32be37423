package wsmarshaller

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

func TestMarshalOutboundEnvelope(t *testing.T) {
	out := model.NewOutbound(model.EvStartGame, model.StartGamePayload{
		GameID:    "g-1",
		SeatIndex: 1,
		Mode:      model.ModeRelay,
		FPS:       30,
		GroupKey:  "grp",
	}, model.PriorityHigh)

	data, err := MarshalOutbound(out)
	require.NoError(t, err)

	var env WSEvent
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, model.EvStartGame, env.Event)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, out.SentAt, env.SentAt)

	var p model.StartGamePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, 1, p.SeatIndex)
	assert.Equal(t, model.ModeRelay, p.Mode)
}

func TestUnmarshalInbound(t *testing.T) {
	ev, err := UnmarshalInbound([]byte(`{"event":"player_action","payload":{"game_id":"g","action":2,"input_frame":7}}`))
	require.NoError(t, err)
	assert.Equal(t, "player_action", ev.Event)

	var p model.PlayerActionPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, 2, p.Action)
	assert.Equal(t, int64(7), p.InputFrame)
}

func TestUnmarshalInboundRejectsGarbage(t *testing.T) {
	_, err := UnmarshalInbound([]byte(`{{{`))
	assert.Error(t, err)

	_, err = UnmarshalInbound([]byte(`{"payload":{}}`))
	assert.Error(t, err, "missing event name")
}
