// Package game owns the lifecycle of games within each scene: waitroom
// queues, matchmaking, the optional P2P probe gate, the running runtimes,
// and the single idempotent cleanup path every exit route funnels into.
package game

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crowdlab/session-engine/internal/config"
	"github.com/crowdlab/session-engine/internal/domain/event"
	"github.com/crowdlab/session-engine/internal/domain/model"
	"github.com/crowdlab/session-engine/internal/service/match"
	"github.com/crowdlab/session-engine/internal/service/pairing"
)

func roomID(g model.GameID) string { return string(g) }

// EndedFunc notifies the engine after CleanupGame has unwound a game, so
// stagers can advance or re-queue the affected subjects. Runs outside the
// manager lock.
type EndedFunc func(gameID model.GameID, sceneID model.SceneID, occupants []model.SubjectID, reason model.EndReason)

// Deps are the collaborators a scene manager needs. Probes and Pairing
// are optional.
type Deps struct {
	Transport       Transport
	Publisher       Publisher
	Matchmaker      match.Matchmaker
	MaxP2PRTTMs     int
	Probes          *match.ProbeCoordinator
	Pairing         *pairing.Registry
	EnvFactory      EnvironmentFactory
	InputBufferSize int
	Logger          *slog.Logger
	OnEnded         EndedFunc
}

// Manager owns all game state for one scene. All map mutations happen
// under mu; transport sends and broadcasts happen strictly after release.
type Manager struct {
	sceneID model.SceneID
	scene   config.Scene
	deps    Deps
	logger  *slog.Logger

	mu            sync.Mutex
	games         map[model.GameID]*model.Game
	runtimes      map[model.GameID]Runtime
	waiting       []model.WaitingEntry
	subjectToGame map[model.SubjectID]model.GameID
	subjectToRoom map[model.SubjectID]model.GameID
	// probing marks queued subjects with an in-flight probe so the
	// matchmaker cannot hand them to someone else mid-measurement.
	probing      map[model.SubjectID]struct{}
	resetSignals map[model.GameID]chan struct{}

	sweepStop chan struct{}
	stopOnce  sync.Once
}

func NewManager(sceneID model.SceneID, scene config.Scene, deps Deps) *Manager {
	if deps.EnvFactory == nil {
		deps.EnvFactory = NewGridChase
	}
	return &Manager{
		sceneID:       sceneID,
		scene:         scene,
		deps:          deps,
		logger:        deps.Logger.With("scene_id", sceneID),
		games:         make(map[model.GameID]*model.Game),
		runtimes:      make(map[model.GameID]Runtime),
		subjectToGame: make(map[model.SubjectID]model.GameID),
		subjectToRoom: make(map[model.SubjectID]model.GameID),
		probing:       make(map[model.SubjectID]struct{}),
		resetSignals:  make(map[model.GameID]chan struct{}),
		sweepStop:     make(chan struct{}),
	}
}

// Start launches the waitroom sweeper.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop halts the sweeper and tears down every running game.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.sweepStop) })

	m.mu.Lock()
	ids := make([]model.GameID, 0, len(m.games))
	for id := range m.games {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CleanupGame(id, model.EndShutdown)
	}
}

type outMsg struct {
	to model.SubjectID
	ev model.Outbound
}

// Join is the scene's entry point for an arriving subject. requiredKey
// restricts matching to former partners; empty means unconstrained.
func (m *Manager) Join(subjectID model.SubjectID, rttMillis int, requiredKey model.GroupKey) {
	m.mu.Lock()

	// Self-heal a stale subject->game mapping before anything else. If
	// the referenced game is live this is a rejoin: re-emit start_game.
	if gid, ok := m.subjectToGame[subjectID]; ok {
		if g, live := m.games[gid]; live {
			seat := g.SeatOf(subjectID)
			m.mu.Unlock()
			m.deps.Transport.Send(subjectID, model.NewOutbound(model.EvStartGame, model.StartGamePayload{
				GameID:    g.ID,
				SeatIndex: seat,
				Mode:      g.Mode,
				FPS:       m.scene.FPS,
				GroupKey:  g.GroupKey,
			}, model.PriorityHigh))
			return
		}
		m.logger.Warn("scrubbed stale game mapping", "subject_id", subjectID, "game_id", gid)
		delete(m.subjectToGame, subjectID)
		delete(m.subjectToRoom, subjectID)
	}

	// A re-join replaces any previous waiting entry.
	m.removeWaitingLocked(subjectID)

	entry := model.WaitingEntry{
		MatchCandidate: model.MatchCandidate{
			SubjectID: subjectID,
			RTTMillis: rttMillis,
			ArrivedAt: time.Now(),
		},
		GroupSize:        m.scene.GroupSize,
		RequiredGroupKey: requiredKey,
	}
	m.waiting = append(m.waiting, entry)

	partners := m.deps.Matchmaker.FindMatch(entry, m.eligibleLocked(subjectID), m.scene.GroupSize)
	if partners == nil {
		queueSize := len(m.waiting)
		m.mu.Unlock()
		m.deps.Transport.Send(subjectID, model.NewOutbound(model.EvWaiting, model.WaitingPayload{
			SceneID:   m.sceneID,
			QueueSize: queueSize,
		}, model.PriorityNormal))
		return
	}

	needsProbe := m.deps.Probes != nil && m.deps.MaxP2PRTTMs > 0 && m.scene.GroupSize == 2
	if !needsProbe {
		g, outbox := m.createGameLocked(append(partners, entry))
		m.mu.Unlock()
		m.finishCreate(g, outbox)
		return
	}

	// Probe path: both candidates stay queued but are fenced off from
	// other matches until the measurement settles.
	partner := partners[0].SubjectID
	m.probing[subjectID] = struct{}{}
	m.probing[partner] = struct{}{}
	m.mu.Unlock()

	m.deps.Probes.CreateProbe(subjectID, partner, func(res match.ProbeResult) {
		m.onProbeResult(subjectID, partner, res)
	})
}

func (m *Manager) onProbeResult(a, b model.SubjectID, res match.ProbeResult) {
	m.mu.Lock()
	delete(m.probing, a)
	delete(m.probing, b)

	if match.ShouldRejectForRTT(m.deps.MaxP2PRTTMs, res.RTTMillis, res.Measured) {
		m.mu.Unlock()
		m.logger.Info("match rejected by p2p rtt",
			"a", a, "b", b, "rtt_ms", res.RTTMillis, "measured", res.Measured)
		// Both stay queued; the next arrival or the waitroom deadline
		// decides their fate.
		return
	}

	ea, oka := m.waitingEntryLocked(a)
	eb, okb := m.waitingEntryLocked(b)
	if !oka || !okb {
		// A candidate left while the probe ran; the survivor stays queued.
		m.mu.Unlock()
		return
	}

	g, outbox := m.createGameLocked([]model.WaitingEntry{ea, eb})
	m.mu.Unlock()
	m.finishCreate(g, outbox)
}

// createGameLocked atomically removes the matched entries from the queue,
// constructs the game, and publishes it in every index. Caller holds mu.
// The returned outbox is flushed by the caller after release.
func (m *Manager) createGameLocked(entries []model.WaitingEntry) (*model.Game, []outMsg) {
	// Seats fill in arrival order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ArrivedAt.Before(entries[j].ArrivedAt) })

	groupKey := entries[0].RequiredGroupKey
	if groupKey == "" {
		groupKey = model.NewGroupKey()
	}

	g := &model.Game{
		ID:        model.NewGameID(),
		SceneID:   m.sceneID,
		Seats:     make([]model.SubjectID, len(entries)),
		Status:    model.StatusRunning,
		GroupKey:  groupKey,
		Mode:      m.scene.Mode,
		StartedAt: time.Now(),
	}
	for i, e := range entries {
		g.Seats[i] = e.SubjectID
		m.removeWaitingLocked(e.SubjectID)
		m.subjectToGame[e.SubjectID] = g.ID
		m.subjectToRoom[e.SubjectID] = g.ID
	}
	m.games[g.ID] = g
	m.resetSignals[g.ID] = make(chan struct{})
	m.runtimes[g.ID] = m.newRuntime(g)

	room := roomID(g.ID)
	outbox := make([]outMsg, 0, len(entries))
	for i, e := range entries {
		m.deps.Transport.JoinRoom(e.SubjectID, room)
		outbox = append(outbox, outMsg{
			to: e.SubjectID,
			ev: model.NewOutbound(model.EvStartGame, model.StartGamePayload{
				GameID:    g.ID,
				SeatIndex: i,
				Mode:      g.Mode,
				FPS:       m.scene.FPS,
				GroupKey:  g.GroupKey,
			}, model.PriorityHigh),
		})
	}
	return g, outbox
}

func (m *Manager) newRuntime(g *model.Game) Runtime {
	switch m.scene.Mode {
	case model.ModeRelay:
		return NewRelayRuntime(g, m.scene, m.deps.Transport, m.deps.Publisher, m.logger, m.onRuntimeTerminated)
	default:
		env := m.deps.EnvFactory(len(g.Seats))
		return NewAuthoritativeRuntime(g, m.scene, m.deps.InputBufferSize, env,
			m.deps.Transport, m.deps.Publisher, m.logger, m.onRuntimeTerminated)
	}
}

// finishCreate runs outside the lock: start broadcast, match-formed
// record, runtime launch. A start send that cannot reach its seat tears
// the game straight back down; the peers return to the queue via the
// ended hook.
func (m *Manager) finishCreate(g *model.Game, outbox []outMsg) {
	startFailed := false
	for _, msg := range outbox {
		if !m.deps.Transport.Send(msg.to, msg.ev) {
			m.logger.Warn("start_game undeliverable", "game_id", g.ID, "subject_id", msg.to)
			startFailed = true
		}
	}
	if startFailed {
		m.CleanupGame(g.ID, model.EndPartnerLost)
		return
	}

	_ = m.deps.Publisher.Publish(context.Background(), event.TopicMatchFormed, event.MatchFormedV1{
		GameID:   g.ID,
		SceneID:  g.SceneID,
		Members:  g.Occupants(),
		GroupKey: g.GroupKey,
		Mode:     g.Mode,
		FormedAt: g.StartedAt,
	})

	m.mu.Lock()
	rt := m.runtimes[g.ID]
	m.mu.Unlock()
	if rt != nil {
		rt.Start()
	}
	m.logger.Info("game created", "game_id", g.ID, "members", g.Occupants())
}

func (m *Manager) onRuntimeTerminated(gameID model.GameID, reason model.EndReason) {
	m.CleanupGame(gameID, reason)
}

// CleanupGame is the only destruction path for everything a game owns.
// Idempotent: a second call for the same id is a no-op.
func (m *Manager) CleanupGame(gameID model.GameID, reason model.EndReason) {
	m.mu.Lock()
	g, ok := m.games[gameID]
	if !ok {
		m.mu.Unlock()
		return
	}

	occupants := g.Occupants()
	for _, s := range occupants {
		// Conditional delete: never stomp a subject who already joined a
		// newer game.
		if m.subjectToGame[s] == gameID {
			delete(m.subjectToGame, s)
		}
		if m.subjectToRoom[s] == gameID {
			delete(m.subjectToRoom, s)
		}
	}

	if m.deps.Pairing != nil && len(occupants) > 0 {
		m.deps.Pairing.CreateGroup(occupants, m.sceneID, g.GroupKey)
	}

	rt := m.runtimes[gameID]
	delete(m.runtimes, gameID)
	delete(m.games, gameID)
	g.Status = model.StatusEnded
	g.EndedAt = time.Now()

	if ch, held := m.resetSignals[gameID]; held {
		close(ch)
		delete(m.resetSignals, gameID)
	}
	m.mu.Unlock()

	if rt != nil {
		rt.RequestTeardown()
	}

	room := roomID(gameID)
	out := model.NewOutbound(model.EvEndGame, model.EndGamePayload{
		GameID: gameID,
		Reason: reason,
	}, model.PriorityHigh)
	for _, s := range occupants {
		m.deps.Transport.Send(s, out)
		m.deps.Transport.LeaveRoom(s, room)
	}
	m.deps.Transport.CloseRoom(room)

	_ = m.deps.Publisher.Publish(context.Background(), event.TopicGameEnded, event.GameEndedV1{
		GameID:  gameID,
		SceneID: m.sceneID,
		Reason:  reason,
		EndedAt: g.EndedAt,
	})

	m.logger.Info("game cleaned up", "game_id", gameID, "reason", reason)

	if m.deps.OnEnded != nil {
		m.deps.OnEnded(gameID, m.sceneID, occupants, reason)
	}
}

// HandleSubjectGone settles all scene state for a departed subject:
// queue entry, in-flight probes, and any game the departure breaks.
func (m *Manager) HandleSubjectGone(subjectID model.SubjectID) {
	if m.deps.Probes != nil {
		m.deps.Probes.CancelForSubject(subjectID)
	}

	m.mu.Lock()
	delete(m.probing, subjectID)
	m.removeWaitingLocked(subjectID)
	gid, inGame := m.subjectToGame[subjectID]
	m.mu.Unlock()

	if inGame {
		m.CleanupGame(gid, model.EndPartnerLost)
	}
}

// Exclude terminates a subject's game by policy decision.
func (m *Manager) Exclude(subjectID model.SubjectID, reason, code string) {
	m.deps.Transport.Send(subjectID, model.NewOutbound(model.EvExclusionMessage, model.ExclusionMessagePayload{
		Reason: reason,
		Code:   code,
	}, model.PriorityHigh))

	m.mu.Lock()
	gid, inGame := m.subjectToGame[subjectID]
	m.mu.Unlock()
	if inGame {
		m.CleanupGame(gid, model.EndExcluded)
	}
}

// IngestAction routes a player input to the runtime, validating the
// subject actually occupies the game it claims.
func (m *Manager) IngestAction(subjectID model.SubjectID, gameID model.GameID, action int, inputFrame int64) {
	m.mu.Lock()
	rt := m.runtimes[gameID]
	valid := m.subjectToGame[subjectID] == gameID
	m.mu.Unlock()
	if rt != nil && valid {
		rt.IngestAction(subjectID, action, inputFrame)
	}
}

// IngestStateHash routes a relay consistency report.
func (m *Manager) IngestStateHash(subjectID model.SubjectID, gameID model.GameID, frame int64, hash string) {
	m.mu.Lock()
	rt := m.runtimes[gameID]
	valid := m.subjectToGame[subjectID] == gameID
	m.mu.Unlock()
	if rt != nil && valid {
		rt.IngestStateHash(subjectID, frame, hash)
	}
}

// GameFor reports the game a subject currently occupies.
func (m *Manager) GameFor(subjectID model.SubjectID) (model.GameID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gid, ok := m.subjectToGame[subjectID]
	return gid, ok
}

// Snapshot counters for /stats and tests.

func (m *Manager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

func (m *Manager) RunningGames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.games)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweepWaitroom(time.Now())
		}
	}
}

// sweepWaitroom expires entries past the scene's waitroom deadline.
// Probing entries are spared; the probe timeout settles them instead.
func (m *Manager) sweepWaitroom(now time.Time) {
	if m.scene.WaitroomTimeout <= 0 {
		return
	}

	m.mu.Lock()
	var expired []model.SubjectID
	kept := m.waiting[:0]
	for _, e := range m.waiting {
		_, inProbe := m.probing[e.SubjectID]
		if !inProbe && now.Sub(e.ArrivedAt) > m.scene.WaitroomTimeout {
			expired = append(expired, e.SubjectID)
			continue
		}
		kept = append(kept, e)
	}
	m.waiting = kept
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("waitroom timeout", "subject_id", s)
		m.deps.Transport.Send(s, model.NewOutbound(model.EvWaitroomTimeout, model.WaitroomTimeoutPayload{
			SceneID: m.sceneID,
		}, model.PriorityHigh))
	}
}

func (m *Manager) removeWaitingLocked(subjectID model.SubjectID) {
	for i, e := range m.waiting {
		if e.SubjectID == subjectID {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}

func (m *Manager) waitingEntryLocked(subjectID model.SubjectID) (model.WaitingEntry, bool) {
	for _, e := range m.waiting {
		if e.SubjectID == subjectID {
			return e, true
		}
	}
	return model.WaitingEntry{}, false
}

// eligibleLocked returns the queue minus probing subjects; the arriving
// subject is skipped inside the matchmaker itself.
func (m *Manager) eligibleLocked(arriving model.SubjectID) []model.WaitingEntry {
	out := make([]model.WaitingEntry, 0, len(m.waiting))
	for _, e := range m.waiting {
		if _, inProbe := m.probing[e.SubjectID]; inProbe {
			continue
		}
		out = append(out, e)
	}
	return out
}
