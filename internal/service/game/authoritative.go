package game

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/crowdlab/session-engine/internal/config"
	"github.com/crowdlab/session-engine/internal/domain/event"
	"github.com/crowdlab/session-engine/internal/domain/model"
)

type seatAction struct {
	seat       int
	action     int
	inputFrame int64
}

// AuthoritativeRuntime owns the simulation for one game and runs it on a
// fixed tick. Only the tick goroutine touches the environment and the
// frame counter; inputs cross over through a bounded channel.
type AuthoritativeRuntime struct {
	gameID   model.GameID
	sceneID  model.SceneID
	seats    []model.SubjectID
	seatOf   map[model.SubjectID]int
	scene    config.Scene
	inputBuf int
	delay    int64

	env          Environment
	transport    Transport
	publisher    Publisher
	logger       *slog.Logger
	onTerminated TerminatedFunc

	seed int64

	actionCh chan seatAction
	stopCh   chan struct{}
	stopOnce sync.Once
	termOnce sync.Once
}

func NewAuthoritativeRuntime(
	g *model.Game,
	scene config.Scene,
	inputBufferSize int,
	env Environment,
	transport Transport,
	publisher Publisher,
	logger *slog.Logger,
	onTerminated TerminatedFunc,
) *AuthoritativeRuntime {
	if inputBufferSize <= 0 {
		inputBufferSize = 64
	}
	seatOf := make(map[model.SubjectID]int, len(g.Seats))
	for i, s := range g.Seats {
		if s != model.SeatAvailable {
			seatOf[s] = i
		}
	}
	return &AuthoritativeRuntime{
		gameID:       g.ID,
		sceneID:      g.SceneID,
		seats:        append([]model.SubjectID(nil), g.Seats...),
		seatOf:       seatOf,
		scene:        scene,
		inputBuf:     inputBufferSize,
		delay:        int64(scene.InputDelayFrames),
		env:          env,
		transport:    transport,
		publisher:    publisher,
		logger:       logger.With("game_id", g.ID, "scene_id", g.SceneID),
		onTerminated: onTerminated,
		seed:         time.Now().UnixNano(),
		actionCh:     make(chan seatAction, inputBufferSize),
		stopCh:       make(chan struct{}),
	}
}

func (r *AuthoritativeRuntime) Start() {
	go r.loop()
}

// IngestAction enqueues a seat input. When the buffer is full the oldest
// queued input is the one the loop is about to read anyway, so the new
// input is dropped rather than blocking the reader pump.
func (r *AuthoritativeRuntime) IngestAction(subjectID model.SubjectID, action int, inputFrame int64) {
	seat, ok := r.seatOf[subjectID]
	if !ok {
		return
	}
	select {
	case r.actionCh <- seatAction{seat: seat, action: action, inputFrame: inputFrame}:
	default:
	}
}

func (r *AuthoritativeRuntime) IngestStateHash(model.SubjectID, int64, string) {}

func (r *AuthoritativeRuntime) RequestTeardown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

type recordedFrame struct {
	Frame   int64               `json:"frame"`
	Episode int                 `json:"episode"`
	Actions []int               `json:"actions"`
	Objects []model.StateObject `json:"objects"`
}

func (r *AuthoritativeRuntime) loop() {
	interval := time.Second / time.Duration(r.scene.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		frame    int64
		epFrames int
		episode  int
		actions  = make([]int, len(r.seats))
		// scheduled holds delayed inputs keyed by the tick they apply at.
		scheduled = make(map[int64][]seatAction)
		recorder  []recordedFrame
	)
	for i := range actions {
		actions[i] = r.env.DefaultAction()
	}
	r.env.Reset(r.seed)

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		// Drain inputs queued since the last tick. Inputs for frames
		// already executed are dropped; the rest apply delay ticks out.
		for drained := false; !drained; {
			select {
			case a := <-r.actionCh:
				if a.inputFrame >= 0 && a.inputFrame < frame {
					continue
				}
				at := frame + r.delay
				scheduled[at] = append(scheduled[at], a)
			default:
				drained = true
			}
		}
		for _, a := range scheduled[frame] {
			actions[a.seat] = a.action
		}
		delete(scheduled, frame)

		done, stepErr := r.step(actions)
		if stepErr {
			r.terminate(model.EndError)
			return
		}
		frame++
		epFrames++

		if epFrames >= r.scene.MaxFramesPerEpisode {
			done = true
		}

		if done || frame%int64(r.scene.StateBroadcastInterval) == 0 {
			r.broadcast(frame, episode)
		}
		if r.scene.RecordFrames {
			recorder = append(recorder, recordedFrame{
				Frame:   frame,
				Episode: episode,
				Actions: append([]int(nil), actions...),
				Objects: r.env.Objects(),
			})
		}

		if !done {
			continue
		}

		r.flushEpisode(episode, recorder)
		recorder = recorder[:0]
		episode++
		epFrames = 0

		if episode >= r.scene.Episodes {
			r.terminate(model.EndNormal)
			return
		}

		r.env.Reset(r.seed + int64(episode))
		for i := range actions {
			actions[i] = r.env.DefaultAction()
		}
		clear(scheduled)
		r.transport.Broadcast(roomID(r.gameID), model.NewOutbound(model.EvEpisodeReset, model.EpisodeResetPayload{
			GameID:  r.gameID,
			Episode: episode,
		}, model.PriorityHigh))
	}
}

// step runs one environment tick, converting a panic in scene code into a
// terminal error instead of taking the process down.
func (r *AuthoritativeRuntime) step(actions []int) (done, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("environment step panicked", "panic", rec)
			failed = true
		}
	}()
	return r.env.Step(actions), false
}

func (r *AuthoritativeRuntime) broadcast(frame int64, episode int) {
	r.transport.Broadcast(roomID(r.gameID), model.NewOutbound(model.EvStateBroadcast, model.StateBroadcastPayload{
		GameID:  r.gameID,
		Frame:   frame,
		Objects: r.env.Objects(),
		Removed: r.env.Removed(),
		Episode: episode,
	}, model.PriorityLow))
}

func (r *AuthoritativeRuntime) flushEpisode(episode int, recorder []recordedFrame) {
	if !r.scene.RecordFrames || len(recorder) == 0 {
		return
	}
	data, err := json.Marshal(recorder)
	if err != nil {
		r.logger.Error("episode record marshal failed", "episode", episode, "err", err)
		return
	}
	for _, s := range r.seats {
		if s == model.SeatAvailable {
			continue
		}
		_ = r.publisher.Publish(context.Background(), event.TopicEpisodeRecorded, event.EpisodeRecordedV1{
			GameID:    r.gameID,
			SceneID:   r.sceneID,
			SubjectID: s,
			Episode:   episode,
			Data:      data,
		})
	}
}

func (r *AuthoritativeRuntime) terminate(reason model.EndReason) {
	r.termOnce.Do(func() {
		r.stopOnce.Do(func() { close(r.stopCh) })
		if r.onTerminated != nil {
			r.onTerminated(r.gameID, reason)
		}
	})
}
