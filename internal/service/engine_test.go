package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdlab/session-engine/internal/config"
	"github.com/crowdlab/session-engine/internal/domain/model"
	"github.com/crowdlab/session-engine/internal/domain/registry"
	"github.com/crowdlab/session-engine/internal/service/stage"
)

// fakeHub records traffic instead of owning sockets.
type fakeHub struct {
	mu      sync.Mutex
	sends   map[model.SubjectID][]model.Outbound
	dropped []model.SubjectID
	rtts    map[model.SubjectID]int
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		sends: make(map[model.SubjectID][]model.Outbound),
		rtts:  make(map[model.SubjectID]int),
	}
}

func (h *fakeHub) Register(registry.Connector)                {}
func (h *fakeHub) Unregister(model.SubjectID, uuid.UUID) bool { return true }
func (h *fakeHub) IsConnected(model.SubjectID) bool           { return true }
func (h *fakeHub) JoinRoom(model.SubjectID, string)           {}
func (h *fakeHub) LeaveRoom(model.SubjectID, string)          {}
func (h *fakeHub) CloseRoom(string)                           {}
func (h *fakeHub) Stats() model.HubStats                      { return model.HubStats{} }
func (h *fakeHub) Shutdown()                                  {}
func (h *fakeHub) Broadcast(string, model.Outbound) int       { return 0 }

func (h *fakeHub) Drop(subjectID model.SubjectID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = append(h.dropped, subjectID)
}

func (h *fakeHub) Send(subjectID model.SubjectID, ev model.Outbound) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends[subjectID] = append(h.sends[subjectID], ev)
	return true
}

func (h *fakeHub) RTTMillis(subjectID model.SubjectID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rtt, ok := h.rtts[subjectID]; ok {
		return rtt
	}
	return model.RTTUnknown
}

func (h *fakeHub) eventsFor(subjectID model.SubjectID, event string) []model.Outbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.Outbound
	for _, ev := range h.sends[subjectID] {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (h *fakeHub) lastActivation(subjectID model.SubjectID) (model.ActivateScenePayload, bool) {
	evs := h.eventsFor(subjectID, model.EvActivateScene)
	if len(evs) == 0 {
		return model.ActivateScenePayload{}, false
	}
	return evs[len(evs)-1].Payload.(model.ActivateScenePayload), true
}

type nullDispatcher struct{}

func (nullDispatcher) Publish(context.Context, string, any) error { return nil }
func (nullDispatcher) Subscriber() message.Subscriber             { return nil }
func (nullDispatcher) Close() error                               { return nil }

func engineConfig() *config.Config {
	return &config.Config{
		Port:               8080,
		ExperimentID:       "pilot-1",
		LogLevel:           "info",
		PyodideLoadTimeout: time.Minute,
		ReconnectionGrace:  time.Minute,
		MailboxSize:        16,
		SendTimeout:        time.Second,
		PingInterval:       time.Second,
		Scenes: []config.Scene{
			{ID: "intro", Kind: config.SceneContent},
			{ID: "round-1", Kind: config.SceneGame, GroupSize: 2, Mode: model.ModeRelay},
			{ID: "debrief", Kind: config.SceneEnd},
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *fakeHub) {
	t.Helper()
	hub := newFakeHub()
	e := NewEngine(cfg, hub, nullDispatcher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(e.Stop)
	return e, hub
}

// connect registers a subject and opens its loading gate.
func connect(t *testing.T, e *Engine, hub *fakeHub, subjectID model.SubjectID) registry.Connector {
	t.Helper()
	conn := registry.NewConnector(context.Background(), subjectID, 16)
	_, err := e.Register(conn)
	require.NoError(t, err)
	require.Len(t, hub.eventsFor(subjectID, model.EvExperimentConfig), 1)

	e.HandleInbound(subjectID, model.EvRuntimeLoadingComplete, mustJSON(t, model.RuntimeLoadingCompletePayload{OK: true}))
	return conn
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRegisterOpensGateAndActivatesFirstScene(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())
	connect(t, e, hub, "s1")

	act, ok := hub.lastActivation("s1")
	require.True(t, ok)
	assert.Equal(t, model.SceneID("intro"), act.SceneID)
	assert.Equal(t, "content", act.Metadata["kind"])
}

func TestDuplicateRegisterRejected(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())
	connect(t, e, hub, "s1")

	_, err := e.Register(registry.NewConnector(context.Background(), "s1", 16))
	assert.ErrorIs(t, err, ErrDuplicateSubject)
}

func TestScreeningFailureSendsLoadingFailed(t *testing.T) {
	cfg := engineConfig()
	cfg.EntryScreening = true
	e, hub := newTestEngine(t, cfg)

	conn := registry.NewConnector(context.Background(), "s1", 16)
	_, err := e.Register(conn)
	require.NoError(t, err)

	e.HandleInbound("s1", model.EvScreeningResult, mustJSON(t, model.ScreeningResultPayload{Pass: false, Message: "no webgl"}))

	require.Len(t, hub.eventsFor("s1", model.EvLoadingFailed), 1)
	failed := hub.eventsFor("s1", model.EvLoadingFailed)[0].Payload.(model.LoadingFailedPayload)
	assert.Equal(t, stage.GateReasonScreening, failed.Reason)
	_, activated := hub.lastActivation("s1")
	assert.False(t, activated)
}

func TestGateDeadlineSendsLoadingFailed(t *testing.T) {
	cfg := engineConfig()
	cfg.PyodideLoadTimeout = 20 * time.Millisecond
	e, hub := newTestEngine(t, cfg)

	conn := registry.NewConnector(context.Background(), "s1", 16)
	_, err := e.Register(conn)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(hub.eventsFor("s1", model.EvLoadingFailed)) == 1
	}, time.Second, 10*time.Millisecond)

	failed := hub.eventsFor("s1", model.EvLoadingFailed)[0].Payload.(model.LoadingFailedPayload)
	assert.Equal(t, stage.GateReasonTimeout, failed.Reason)
	_, activated := hub.lastActivation("s1")
	assert.False(t, activated)
}

func TestAdvanceThroughContentIntoWaitroom(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())
	connect(t, e, hub, "s1")

	e.HandleInbound("s1", model.EvAdvanceScene, nil)

	act, ok := hub.lastActivation("s1")
	require.True(t, ok)
	assert.Equal(t, model.SceneID("round-1"), act.SceneID)
	require.Len(t, hub.eventsFor("s1", model.EvWaiting), 1)
}

func TestAdvanceDuringGameSceneIgnored(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())
	connect(t, e, hub, "s1")
	e.HandleInbound("s1", model.EvAdvanceScene, nil)

	// Waiting in the round-1 waitroom; advance must not skip it.
	e.HandleInbound("s1", model.EvAdvanceScene, nil)
	act, _ := hub.lastActivation("s1")
	assert.Equal(t, model.SceneID("round-1"), act.SceneID)
}

func TestTwoSubjectsFormGameAndFinishNormally(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())
	connect(t, e, hub, "s1")
	connect(t, e, hub, "s2")

	e.HandleInbound("s1", model.EvAdvanceScene, nil)
	e.HandleInbound("s2", model.EvAdvanceScene, nil)

	starts := hub.eventsFor("s1", model.EvStartGame)
	require.Len(t, starts, 1)
	require.Len(t, hub.eventsFor("s2", model.EvStartGame), 1)

	// Normal end advances both to the debrief.
	gid := starts[0].Payload.(model.StartGamePayload).GameID
	e.managers["round-1"].CleanupGame(gid, model.EndNormal)

	for _, s := range []model.SubjectID{"s1", "s2"} {
		act, ok := hub.lastActivation(s)
		require.True(t, ok)
		assert.Equal(t, model.SceneID("debrief"), act.SceneID)
	}
}

func TestLeaveGameAdvancesLeaverAndRequeuesSurvivor(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())
	connect(t, e, hub, "s1")
	connect(t, e, hub, "s2")
	e.HandleInbound("s1", model.EvAdvanceScene, nil)
	e.HandleInbound("s2", model.EvAdvanceScene, nil)
	require.Len(t, hub.eventsFor("s1", model.EvStartGame), 1)

	e.HandleInbound("s1", model.EvLeaveGame, nil)

	// Leaver moved on.
	act, ok := hub.lastActivation("s1")
	require.True(t, ok)
	assert.Equal(t, model.SceneID("debrief"), act.SceneID)

	// Survivor is back in the waitroom of the same scene.
	act, ok = hub.lastActivation("s2")
	require.True(t, ok)
	assert.Equal(t, model.SceneID("round-1"), act.SceneID)
	assert.Equal(t, 1, e.managers["round-1"].WaitingCount())
}

func TestGraceExpiryCleansEverything(t *testing.T) {
	cfg := engineConfig()
	cfg.ReconnectionGrace = 20 * time.Millisecond
	e, hub := newTestEngine(t, cfg)

	conn1 := connect(t, e, hub, "s1")
	connect(t, e, hub, "s2")
	e.HandleInbound("s1", model.EvAdvanceScene, nil)
	e.HandleInbound("s2", model.EvAdvanceScene, nil)
	require.Len(t, hub.eventsFor("s1", model.EvStartGame), 1)

	e.HandleDisconnect(conn1)

	require.Eventually(t, func() bool {
		return e.managers["round-1"].RunningGames() == 0
	}, time.Second, 10*time.Millisecond)

	// The departed subject's transport state is gone, the survivor is
	// re-queued.
	hub.mu.Lock()
	dropped := append([]model.SubjectID(nil), hub.dropped...)
	hub.mu.Unlock()
	assert.Contains(t, dropped, model.SubjectID("s1"))

	require.Eventually(t, func() bool {
		return e.managers["round-1"].WaitingCount() == 1
	}, time.Second, 10*time.Millisecond)
	require.NotEmpty(t, hub.eventsFor("s2", model.EvEndGame))
}

func TestReconnectReplaysCurrentScene(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())
	conn := connect(t, e, hub, "s1")
	e.HandleInbound("s1", model.EvAdvanceScene, nil)

	e.HandleDisconnect(conn)

	resumed, err := e.Register(registry.NewConnector(context.Background(), "s1", 16))
	require.NoError(t, err)
	assert.True(t, resumed)

	// The activation for round-1 was re-emitted and the subject is queued
	// exactly once.
	acts := hub.eventsFor("s1", model.EvActivateScene)
	require.NotEmpty(t, acts)
	assert.Equal(t, model.SceneID("round-1"), acts[len(acts)-1].Payload.(model.ActivateScenePayload).SceneID)
	assert.Equal(t, 1, e.managers["round-1"].WaitingCount())
}

func TestReconnectBeforeGateResendsConfig(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())

	conn := registry.NewConnector(context.Background(), "s1", 16)
	_, err := e.Register(conn)
	require.NoError(t, err)
	e.HandleDisconnect(conn)

	_, err = e.Register(registry.NewConnector(context.Background(), "s1", 16))
	require.NoError(t, err)

	assert.Len(t, hub.eventsFor("s1", model.EvExperimentConfig), 2)
}

func TestStatsSnapshot(t *testing.T) {
	e, hub := newTestEngine(t, engineConfig())
	connect(t, e, hub, "s1")
	e.HandleInbound("s1", model.EvAdvanceScene, nil)

	st := e.Stats()
	assert.Equal(t, 1, st.Sessions)
	require.Len(t, st.Scenes, 1)
	assert.Equal(t, model.SceneID("round-1"), st.Scenes[0].SceneID)
	assert.Equal(t, 1, st.Scenes[0].Waiting)
}
