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

// frameConfirmTimeout bounds how long a seat may stay ahead of the
// confirmed frame before the game is declared desynced.
const frameConfirmTimeout = 5 * time.Second

// RelayRuntime hosts a game the clients simulate themselves. The server
// rebroadcasts each seat's inputs to the other seats, tracks the
// confirmed-frame high-water mark (inputs from every seat), and checks
// that reported state hashes agree on confirmed frames.
type RelayRuntime struct {
	gameID  model.GameID
	sceneID model.SceneID
	seats   []model.SubjectID
	seatOf  map[model.SubjectID]int
	scene   config.Scene

	transport    Transport
	publisher    Publisher
	logger       *slog.Logger
	onTerminated TerminatedFunc

	mu sync.Mutex
	// frontier[i] is the highest input frame seen from seat i.
	frontier []int64
	// confirmed is min(frontier): every seat has supplied inputs up to it.
	confirmed   int64
	lastAdvance time.Time
	// hashes holds per-frame reports until every seat has checked in.
	hashes     map[int64]map[int]string
	lastAgreed int64
	hashLog    []model.StateHashPayload

	stopCh   chan struct{}
	stopOnce sync.Once
	termOnce sync.Once
}

func NewRelayRuntime(
	g *model.Game,
	scene config.Scene,
	transport Transport,
	publisher Publisher,
	logger *slog.Logger,
	onTerminated TerminatedFunc,
) *RelayRuntime {
	seatOf := make(map[model.SubjectID]int, len(g.Seats))
	for i, s := range g.Seats {
		if s != model.SeatAvailable {
			seatOf[s] = i
		}
	}
	frontier := make([]int64, len(g.Seats))
	for i := range frontier {
		frontier[i] = -1
	}
	return &RelayRuntime{
		gameID:       g.ID,
		sceneID:      g.SceneID,
		seats:        append([]model.SubjectID(nil), g.Seats...),
		seatOf:       seatOf,
		scene:        scene,
		transport:    transport,
		publisher:    publisher,
		logger:       logger.With("game_id", g.ID, "scene_id", g.SceneID, "mode", "relay"),
		onTerminated: onTerminated,
		frontier:     frontier,
		confirmed:    -1,
		lastAdvance:  time.Now(),
		hashes:       make(map[int64]map[int]string),
		lastAgreed:   -1,
		stopCh:       make(chan struct{}),
	}
}

func (r *RelayRuntime) Start() {
	go r.watch()
}

// IngestAction records a seat's input and rebroadcasts it to the other
// seats. Rebroadcast happens after the runtime lock is released.
func (r *RelayRuntime) IngestAction(subjectID model.SubjectID, action int, inputFrame int64) {
	seat, ok := r.seatOf[subjectID]
	if !ok {
		return
	}

	r.mu.Lock()
	if inputFrame > r.frontier[seat] {
		r.frontier[seat] = inputFrame
	}
	prev := r.confirmed
	r.confirmed = r.frontier[0]
	for _, f := range r.frontier[1:] {
		if f < r.confirmed {
			r.confirmed = f
		}
	}
	if r.confirmed > prev {
		r.lastAdvance = time.Now()
	}
	finished := r.confirmed+1 >= r.totalFrames()
	peers := make([]model.SubjectID, 0, len(r.seats)-1)
	for i, s := range r.seats {
		if i != seat && s != model.SeatAvailable {
			peers = append(peers, s)
		}
	}
	r.mu.Unlock()

	out := model.NewOutbound(model.EvPartnerAction, model.PartnerActionPayload{
		GameID:     r.gameID,
		SeatIndex:  seat,
		Action:     action,
		InputFrame: inputFrame,
	}, model.PriorityNormal)
	for _, p := range peers {
		r.transport.Send(p, out)
	}

	if finished {
		r.flushRecords()
		r.terminate(model.EndNormal)
	}
}

// IngestStateHash stores a consistency report; once every seat has
// reported a frame the hashes must agree, otherwise the game ends with a
// desync.
func (r *RelayRuntime) IngestStateHash(subjectID model.SubjectID, frame int64, hash string) {
	seat, ok := r.seatOf[subjectID]
	if !ok {
		return
	}

	r.mu.Lock()
	if frame <= r.lastAgreed {
		r.mu.Unlock()
		return
	}
	reports, ok := r.hashes[frame]
	if !ok {
		reports = make(map[int]string, len(r.seats))
		r.hashes[frame] = reports
	}
	reports[seat] = hash
	if len(reports) < len(r.seats) {
		r.mu.Unlock()
		return
	}

	agreed := true
	for _, h := range reports {
		if h != hash {
			agreed = false
			break
		}
	}
	if agreed {
		r.lastAgreed = frame
		if r.scene.RecordFrames {
			r.hashLog = append(r.hashLog, model.StateHashPayload{GameID: r.gameID, Frame: frame, Hash: hash})
		}
		for f := range r.hashes {
			if f <= frame {
				delete(r.hashes, f)
			}
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Warn("state hash disagreement", "frame", frame)
	r.flushRecords()
	r.terminate(model.EndDesync)
}

func (r *RelayRuntime) RequestTeardown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *RelayRuntime) totalFrames() int64 {
	return int64(r.scene.Episodes) * int64(r.scene.MaxFramesPerEpisode)
}

// watch enforces the frame-confirmation timeout: a seat that stops
// supplying inputs while a peer runs ahead surfaces as a desync instead
// of a silent hang.
func (r *RelayRuntime) watch() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		var ahead bool
		for _, f := range r.frontier {
			if f > r.confirmed {
				ahead = true
				break
			}
		}
		stalled := ahead && time.Since(r.lastAdvance) > frameConfirmTimeout
		r.mu.Unlock()

		if stalled {
			r.logger.Warn("frame confirmation stalled", "confirmed", r.confirmed)
			r.flushRecords()
			r.terminate(model.EndDesync)
			return
		}
	}
}

// flushRecords publishes the agreed hash log as the episode record. In
// relay mode the clients own the full trajectories; the server's record
// is the consistency trail.
func (r *RelayRuntime) flushRecords() {
	if !r.scene.RecordFrames {
		return
	}
	r.mu.Lock()
	log := append([]model.StateHashPayload(nil), r.hashLog...)
	r.mu.Unlock()
	if len(log) == 0 {
		return
	}
	data, err := json.Marshal(log)
	if err != nil {
		r.logger.Error("hash log marshal failed", "err", err)
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
			Episode:   r.scene.Episodes - 1,
			Data:      data,
		})
	}
}

func (r *RelayRuntime) terminate(reason model.EndReason) {
	r.termOnce.Do(func() {
		r.stopOnce.Do(func() { close(r.stopCh) })
		if r.onTerminated != nil {
			r.onTerminated(r.gameID, reason)
		}
	})
}
