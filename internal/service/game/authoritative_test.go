package game

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdlab/session-engine/internal/config"
	"github.com/crowdlab/session-engine/internal/domain/model"
)

// scriptedEnv never finishes on its own and records every action vector
// it is stepped with.
type scriptedEnv struct {
	mu      sync.Mutex
	resets  []int64
	stepped [][]int
	panicOn int // step index that panics; -1 disables
}

func newScriptedEnv() *scriptedEnv { return &scriptedEnv{panicOn: -1} }

func (e *scriptedEnv) Reset(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets = append(e.resets, seed)
}

func (e *scriptedEnv) Step(actions []int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.panicOn >= 0 && len(e.stepped) == e.panicOn {
		panic("scripted failure")
	}
	e.stepped = append(e.stepped, append([]int(nil), actions...))
	return false
}

func (e *scriptedEnv) Objects() []model.StateObject { return nil }
func (e *scriptedEnv) Removed() []string            { return nil }
func (e *scriptedEnv) DefaultAction() int           { return ActStay }

func (e *scriptedEnv) steps() [][]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]int(nil), e.stepped...)
}

func authScene() config.Scene {
	return config.Scene{
		ID:                     "round-1",
		Kind:                   config.SceneGame,
		GroupSize:              2,
		Mode:                   model.ModeServerAuthoritative,
		FPS:                    100,
		Episodes:               2,
		MaxFramesPerEpisode:    3,
		StateBroadcastInterval: 1,
	}
}

func authFixture(t *testing.T, scene config.Scene, env Environment) (*AuthoritativeRuntime, *fakeTransport, chan model.EndReason) {
	t.Helper()
	transport := newFakeTransport()
	g := &model.Game{
		ID:      model.NewGameID(),
		SceneID: model.SceneID(scene.ID),
		Seats:   []model.SubjectID{"a", "b"},
		Status:  model.StatusRunning,
		Mode:    model.ModeServerAuthoritative,
	}
	transport.JoinRoom("a", roomID(g.ID))
	transport.JoinRoom("b", roomID(g.ID))

	terminated := make(chan model.EndReason, 1)
	rt := NewAuthoritativeRuntime(g, scene, 16, env, transport, &fakePublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		func(_ model.GameID, reason model.EndReason) { terminated <- reason })
	t.Cleanup(rt.RequestTeardown)
	return rt, transport, terminated
}

func TestAuthoritativeRunsEpisodesAndEnds(t *testing.T) {
	env := newScriptedEnv()
	rt, transport, terminated := authFixture(t, authScene(), env)

	rt.Start()

	select {
	case reason := <-terminated:
		assert.Equal(t, model.EndNormal, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("runtime never finished")
	}

	// Two episodes of three frames each.
	assert.Len(t, env.steps(), 6)

	env.mu.Lock()
	require.Len(t, env.resets, 2)
	assert.Equal(t, env.resets[0]+1, env.resets[1])
	env.mu.Unlock()

	// Both seats saw the episode boundary and state broadcasts.
	require.Len(t, transport.eventsFor("a", model.EvEpisodeReset), 1)
	reset := transport.eventsFor("a", model.EvEpisodeReset)[0].Payload.(model.EpisodeResetPayload)
	assert.Equal(t, 1, reset.Episode)
	assert.NotEmpty(t, transport.eventsFor("b", model.EvStateBroadcast))
}

func TestAuthoritativeAppliesQueuedInput(t *testing.T) {
	env := newScriptedEnv()
	scene := authScene()
	scene.Episodes = 1
	rt, _, terminated := authFixture(t, scene, env)

	// Queued before the loop starts, so the first tick must see it.
	rt.IngestAction("b", ActRight, 0)
	rt.Start()

	select {
	case <-terminated:
	case <-time.After(3 * time.Second):
		t.Fatal("runtime never finished")
	}

	steps := env.steps()
	require.NotEmpty(t, steps)
	assert.Equal(t, []int{ActStay, ActRight}, steps[0])
}

func TestAuthoritativeUnframedInputApplies(t *testing.T) {
	env := newScriptedEnv()
	scene := authScene()
	scene.Episodes = 1
	scene.MaxFramesPerEpisode = 2
	rt, _, terminated := authFixture(t, scene, env)

	// input_frame -1 means "apply as soon as possible"; it bypasses the
	// stale-frame drop rule.
	rt.IngestAction("a", ActUp, -1)
	rt.Start()

	select {
	case <-terminated:
	case <-time.After(3 * time.Second):
		t.Fatal("runtime never finished")
	}

	steps := env.steps()
	require.NotEmpty(t, steps)
	assert.Equal(t, ActUp, steps[0][0])
}

func TestAuthoritativeInputDelayShiftsApplication(t *testing.T) {
	env := newScriptedEnv()
	scene := authScene()
	scene.Episodes = 1
	scene.MaxFramesPerEpisode = 3
	scene.InputDelayFrames = 1
	rt, _, terminated := authFixture(t, scene, env)

	rt.IngestAction("a", ActLeft, 0)
	rt.Start()

	select {
	case <-terminated:
	case <-time.After(3 * time.Second):
		t.Fatal("runtime never finished")
	}

	steps := env.steps()
	require.Len(t, steps, 3)
	// Delay 1: the input lands on the second executed frame, and sticks.
	assert.Equal(t, ActStay, steps[0][0])
	assert.Equal(t, ActLeft, steps[1][0])
	assert.Equal(t, ActLeft, steps[2][0])
}

func TestAuthoritativeStepPanicEndsWithError(t *testing.T) {
	env := newScriptedEnv()
	env.panicOn = 1
	rt, _, terminated := authFixture(t, authScene(), env)

	rt.Start()

	select {
	case reason := <-terminated:
		assert.Equal(t, model.EndError, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("panic never surfaced")
	}
}

func TestAuthoritativeIgnoresUnknownSubjects(t *testing.T) {
	env := newScriptedEnv()
	rt, _, _ := authFixture(t, authScene(), env)

	// Must not enqueue, must not panic.
	rt.IngestAction("intruder", ActUp, 0)

	select {
	case a := <-rt.actionCh:
		t.Fatalf("unexpected queued action: %+v", a)
	default:
	}
}
