// Package service assembles the engine: it owns the session registry,
// one game manager per game scene, the probe coordinator and pairing
// registry, and routes every inbound wire event to the right component.
package service

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crowdlab/session-engine/internal/adapter/pubsub"
	"github.com/crowdlab/session-engine/internal/config"
	"github.com/crowdlab/session-engine/internal/domain/model"
	"github.com/crowdlab/session-engine/internal/domain/registry"
	"github.com/crowdlab/session-engine/internal/service/game"
	"github.com/crowdlab/session-engine/internal/service/match"
	"github.com/crowdlab/session-engine/internal/service/pairing"
	"github.com/crowdlab/session-engine/internal/service/stage"
)

// Engine is the process aggregate behind the WebSocket handler. The
// handler owns sockets; the engine owns everything else.
type Engine struct {
	cfg        *config.Config
	hub        registry.Hubber
	dispatcher pubsub.EventDispatcher
	logger     *slog.Logger

	sessions *SessionRegistry
	probes   *match.ProbeCoordinator
	pairing  *pairing.Registry
	managers map[model.SceneID]*game.Manager

	// leaving fences subjects mid leave_game so the partner-lost policy
	// does not re-queue the very subject who chose to quit.
	leavingMu sync.Mutex
	leaving   map[model.SubjectID]struct{}
}

func NewEngine(cfg *config.Config, hub registry.Hubber, dispatcher pubsub.EventDispatcher, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger.With("component", "engine"),
		pairing:    pairing.NewRegistry(),
		managers:   make(map[model.SceneID]*game.Manager),
		leaving:    make(map[model.SubjectID]struct{}),
	}
	e.sessions = NewSessionRegistry(cfg.ReconnectionGrace, cfg.PyodideLoadTimeout, e.cleanupForSubject)

	if cfg.MaxP2PRTTMs > 0 {
		e.probes = match.NewProbeCoordinator(hub, logger.With("component", "probes"), cfg.ProbeTimeout)
	}

	var mm match.Matchmaker = match.FIFO{}
	if cfg.MaxServerRTTMs > 0 || cfg.MaxP2PRTTMs > 0 {
		mm = match.LatencyAware{MaxServerRTTMs: cfg.MaxServerRTTMs, MaxP2PRTTMs: cfg.MaxP2PRTTMs}
	}

	for _, s := range cfg.Scenes {
		if s.Kind != config.SceneGame {
			continue
		}
		sceneID := model.SceneID(s.ID)
		scene, _ := cfg.GameScene(sceneID)
		e.managers[sceneID] = game.NewManager(sceneID, scene, game.Deps{
			Transport:       hub,
			Publisher:       dispatcher,
			Matchmaker:      mm,
			MaxP2PRTTMs:     cfg.MaxP2PRTTMs,
			Probes:          e.probes,
			Pairing:         e.pairing,
			InputBufferSize: cfg.InputBufferSize,
			Logger:          logger,
			OnEnded:         e.onGameEnded,
		})
	}
	return e
}

// Start launches the per-scene waitroom sweepers.
func (e *Engine) Start() {
	for _, m := range e.managers {
		m.Start()
	}
}

// Stop tears down every running game and drains the sessions. Transport
// shutdown belongs to the hub's own lifecycle hook.
func (e *Engine) Stop() {
	var g errgroup.Group
	for _, m := range e.managers {
		m := m
		g.Go(func() error {
			m.Stop()
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range e.sessions.Drain() {
		e.hub.Drop(s)
	}
}

// Register creates or resumes the session behind a freshly attached
// connection. The caller (the WS handler) has already authenticated the
// subject id out of the register_subject frame.
func (e *Engine) Register(conn registry.Connector) (resumed bool, err error) {
	subjectID := conn.GetSubjectID()
	resumed, err = e.sessions.Register(subjectID, conn.GetID(), func() (*stage.Stager, *stage.Gate) {
		return e.newSession(subjectID)
	})
	if err != nil {
		return false, err
	}
	e.hub.Register(conn)

	if resumed {
		e.logger.Info("subject reconnected", "subject_id", subjectID)
		e.resume(subjectID)
		return true, nil
	}

	e.logger.Info("subject registered", "subject_id", subjectID)
	e.sendExperimentConfig(subjectID)
	if _, gate, ok := e.sessions.Lookup(subjectID); ok {
		gate.Arm(e.cfg.PyodideLoadTimeout)
	}
	return false, nil
}

// newSession builds the stager and loading gate for a first-time subject.
// The runtime-ready signal is always required; screening only when the
// experiment enables it.
func (e *Engine) newSession(subjectID model.SubjectID) (*stage.Stager, *stage.Gate) {
	stager := stage.NewStager(e.cfg.Scenes)
	gate := stage.NewGate(e.cfg.EntryScreening, true,
		func() { e.activateCurrent(subjectID) },
		func(reason, message string) { e.onGateFailed(subjectID, reason, message) },
	)
	return stager, gate
}

// onGateFailed is the gate's terminal path: the subject gets the error,
// the loading grace is cleared, and no scene is ever dispatched.
func (e *Engine) onGateFailed(subjectID model.SubjectID, reason, message string) {
	e.logger.Warn("loading gate failed", "subject_id", subjectID, "reason", reason)
	e.sessions.SetLoadingGrace(subjectID, false)
	e.hub.Send(subjectID, model.NewOutbound(model.EvLoadingFailed, model.LoadingFailedPayload{
		Reason:  reason,
		Message: message,
	}, model.PriorityHigh))
}

func (e *Engine) sendExperimentConfig(subjectID model.SubjectID) {
	e.hub.Send(subjectID, model.NewOutbound(model.EvExperimentConfig, model.ExperimentConfigPayload{
		ExperimentID: e.cfg.ExperimentID,
		PyodideConfig: model.PyodideConfig{
			NeedsPyodide: e.cfg.NeedsPyodide,
			Packages:     e.cfg.PyodidePackages,
			LoadTimeoutS: int(e.cfg.PyodideLoadTimeout.Seconds()),
		},
		EntryScreening: e.cfg.EntryScreening,
	}, model.PriorityHigh))
}

// resume replays whatever the reconnecting client needs to pick up where
// it left off: the loading screen when the gate is still pending, the
// terminal error when it failed, otherwise the current scene (which in
// turn re-emits start_game if a game is still running).
func (e *Engine) resume(subjectID model.SubjectID) {
	_, gate, ok := e.sessions.Lookup(subjectID)
	if !ok {
		return
	}
	switch {
	case gate.Failed():
		e.hub.Send(subjectID, model.NewOutbound(model.EvLoadingFailed, model.LoadingFailedPayload{
			Reason: stage.GateReasonRuntime,
		}, model.PriorityHigh))
	case !gate.Resolved():
		e.sendExperimentConfig(subjectID)
		gate.Arm(e.cfg.PyodideLoadTimeout)
	default:
		e.activateCurrent(subjectID)
	}
}

// HandleDisconnect detaches the transport and starts the reconnection
// grace. Game and queue state stay put until the grace expires.
func (e *Engine) HandleDisconnect(conn registry.Connector) {
	subjectID := conn.GetSubjectID()
	e.hub.Unregister(subjectID, conn.GetID())
	if _, ok := e.sessions.Disconnect(conn.GetID()); ok {
		e.logger.Info("subject disconnected", "subject_id", subjectID,
			"grace", e.cfg.ReconnectionGrace)
	}
}

// cleanupForSubject is the grace-expiry path: every scene manager settles
// its own state for the subject, then the transport drops the cell.
func (e *Engine) cleanupForSubject(subjectID model.SubjectID) {
	e.logger.Info("reconnection grace expired", "subject_id", subjectID)
	if e.probes != nil {
		e.probes.CancelForSubject(subjectID)
	}
	for _, m := range e.managers {
		m.HandleSubjectGone(subjectID)
	}
	e.hub.Drop(subjectID)
}

// HandleInbound routes one parsed wire event from the subject's socket.
// Unknown events are logged and dropped; a malformed payload never takes
// the connection down.
func (e *Engine) HandleInbound(subjectID model.SubjectID, eventName string, payload json.RawMessage) {
	switch eventName {
	case model.EvScreeningResult:
		var p model.ScreeningResultPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		if _, gate, ok := e.sessions.Lookup(subjectID); ok {
			gate.OnScreening(p.Pass, p.Message)
		}

	case model.EvRuntimeLoadingStart:
		e.sessions.SetLoadingGrace(subjectID, true)

	case model.EvRuntimeLoadingComplete:
		var p model.RuntimeLoadingCompletePayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		e.sessions.SetLoadingGrace(subjectID, false)
		if _, gate, ok := e.sessions.Lookup(subjectID); ok {
			gate.OnRuntimeComplete(p.OK, p.Reason)
		}

	case model.EvAdvanceScene:
		e.advanceScene(subjectID)

	case model.EvPlayerAction:
		var p model.PlayerActionPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		if m, ok := e.currentManager(subjectID); ok {
			m.IngestAction(subjectID, p.GameID, p.Action, p.InputFrame)
		}

	case model.EvStateHash:
		var p model.StateHashPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		if m, ok := e.currentManager(subjectID); ok {
			m.IngestStateHash(subjectID, p.GameID, p.Frame, p.Hash)
		}

	case model.EvProbeResult:
		var p model.ProbeResultPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		handle, err := uuid.Parse(p.ProbeID)
		if err != nil || e.probes == nil {
			return
		}
		e.probes.Report(handle, p.RTTMillis, p.Failed)

	case model.EvLeaveGame:
		e.handleLeaveGame(subjectID)

	default:
		e.logger.Warn("unknown inbound event", "subject_id", subjectID, "event", eventName)
	}
}

// advanceScene handles a participant-initiated advance. Game scenes
// refuse it: the only ways out of a game scene are the game ending, the
// waitroom deadline, or leave_game.
func (e *Engine) advanceScene(subjectID model.SubjectID) {
	stager, gate, ok := e.sessions.Lookup(subjectID)
	if !ok || !gate.Resolved() {
		return
	}
	if cur, live := stager.Current(); live && cur.Kind == config.SceneGame {
		return
	}
	if _, live := stager.Advance(); !live {
		e.logger.Info("script complete", "subject_id", subjectID)
		return
	}
	e.activateCurrent(subjectID)
}

// activateCurrent emits the current scene and, for game scenes, enters
// the subject into that scene's waitroom.
func (e *Engine) activateCurrent(subjectID model.SubjectID) {
	stager, _, ok := e.sessions.Lookup(subjectID)
	if !ok {
		return
	}
	scene, live := stager.Current()
	if !live {
		return
	}

	meta := map[string]any{"kind": string(scene.Kind)}
	if scene.Title != "" {
		meta["title"] = scene.Title
	}
	e.hub.Send(subjectID, model.NewOutbound(model.EvActivateScene, model.ActivateScenePayload{
		SceneID:  model.SceneID(scene.ID),
		Metadata: meta,
	}, model.PriorityHigh))

	if scene.Kind == config.SceneGame {
		e.joinGame(subjectID, stager, scene)
	}
}

// joinGame enqueues the subject with its measured server RTT and, when
// the scene insists on a known group, the partner key from the most
// recent prior game scene it played.
func (e *Engine) joinGame(subjectID model.SubjectID, stager *stage.Stager, scene config.Scene) {
	m, ok := e.managers[model.SceneID(scene.ID)]
	if !ok {
		e.logger.Error("no manager for game scene", "scene_id", scene.ID)
		return
	}

	var requiredKey model.GroupKey
	if scene.WaitForKnownGroup {
		for _, prior := range stager.PriorGameScenes() {
			if rec, found := e.pairing.GetLastGroupFor(subjectID, model.SceneID(prior.ID)); found {
				requiredKey = rec.GroupKey
				break
			}
		}
	}

	m.Join(subjectID, e.hub.RTTMillis(subjectID), requiredKey)
}

func (e *Engine) handleLeaveGame(subjectID model.SubjectID) {
	m, ok := e.currentManager(subjectID)
	if !ok {
		return
	}

	e.leavingMu.Lock()
	e.leaving[subjectID] = struct{}{}
	e.leavingMu.Unlock()

	m.HandleSubjectGone(subjectID)

	e.leavingMu.Lock()
	delete(e.leaving, subjectID)
	e.leavingMu.Unlock()

	// Quitting is an advance: the leaver moves on, the partner-lost
	// policy re-queues any partners.
	if stager, _, ok := e.sessions.Lookup(subjectID); ok {
		if _, live := stager.Advance(); live {
			e.activateCurrent(subjectID)
		}
	}
}

func (e *Engine) isLeaving(subjectID model.SubjectID) bool {
	e.leavingMu.Lock()
	defer e.leavingMu.Unlock()
	_, ok := e.leaving[subjectID]
	return ok
}

// currentManager resolves the manager of the subject's current scene.
func (e *Engine) currentManager(subjectID model.SubjectID) (*game.Manager, bool) {
	stager, _, ok := e.sessions.Lookup(subjectID)
	if !ok {
		return nil, false
	}
	scene, live := stager.Current()
	if !live || scene.Kind != config.SceneGame {
		return nil, false
	}
	m, found := e.managers[model.SceneID(scene.ID)]
	return m, found
}

// onGameEnded applies the post-game policy after CleanupGame unwound a
// game. Normal completion and runtime faults advance the script; a lost
// partner re-queues the survivors; exclusion and shutdown end the line.
func (e *Engine) onGameEnded(gameID model.GameID, sceneID model.SceneID, occupants []model.SubjectID, reason model.EndReason) {
	switch reason {
	case model.EndNormal, model.EndError, model.EndDesync:
		for _, s := range occupants {
			stager, _, ok := e.sessions.Lookup(s)
			if !ok {
				continue
			}
			if cur, live := stager.Current(); !live || model.SceneID(cur.ID) != sceneID {
				// Already moved on (e.g. a duplicate end racing a rejoin).
				continue
			}
			if _, live := stager.Advance(); live {
				e.activateCurrent(s)
			}
		}

	case model.EndPartnerLost:
		for _, s := range occupants {
			if !e.sessions.Connected(s) || e.isLeaving(s) {
				continue
			}
			stager, _, ok := e.sessions.Lookup(s)
			if !ok {
				continue
			}
			if cur, live := stager.Current(); !live || model.SceneID(cur.ID) != sceneID {
				continue
			}
			// Survivor goes back to the waitroom of the same scene.
			e.activateCurrent(s)
		}

	case model.EndExcluded, model.EndShutdown:
		// Exclusion already told the subject; shutdown tells nobody.
	}
}

// Exclude removes a subject from the experiment by policy decision.
func (e *Engine) Exclude(subjectID model.SubjectID, reason, code string) {
	if m, ok := e.currentManager(subjectID); ok {
		m.Exclude(subjectID, reason, code)
		return
	}
	e.hub.Send(subjectID, model.NewOutbound(model.EvExclusionMessage, model.ExclusionMessagePayload{
		Reason: reason,
		Code:   code,
	}, model.PriorityHigh))
}

// SceneStats is one row of the /stats snapshot.
type SceneStats struct {
	SceneID model.SceneID `json:"scene_id"`
	Waiting int           `json:"waiting"`
	Running int           `json:"running_games"`
}

// Stats is the process snapshot served on /stats.
type Stats struct {
	Hub      model.HubStats `json:"hub"`
	Sessions int            `json:"sessions"`
	Probes   int            `json:"pending_probes"`
	Scenes   []SceneStats   `json:"scenes"`
}

func (e *Engine) Stats() Stats {
	st := Stats{
		Hub:      e.hub.Stats(),
		Sessions: e.sessions.Count(),
	}
	if e.probes != nil {
		st.Probes = e.probes.Pending()
	}
	for id, m := range e.managers {
		st.Scenes = append(st.Scenes, SceneStats{
			SceneID: id,
			Waiting: m.WaitingCount(),
			Running: m.RunningGames(),
		})
	}
	return st
}
