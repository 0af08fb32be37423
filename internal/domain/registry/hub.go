package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

// Hubber is the transport gateway used by the engine and the game layer.
// Sends are best-effort: a false return means the subject is gone or its
// mailbox overflowed, and the disconnect path will settle the rest.
type Hubber interface {
	Register(conn Connector)
	Unregister(subjectID model.SubjectID, connID uuid.UUID) bool
	Drop(subjectID model.SubjectID)
	IsConnected(subjectID model.SubjectID) bool

	Send(subjectID model.SubjectID, ev model.Outbound) bool
	Broadcast(roomID string, ev model.Outbound) int
	RTTMillis(subjectID model.SubjectID) int

	JoinRoom(subjectID model.SubjectID, roomID string)
	LeaveRoom(subjectID model.SubjectID, roomID string)
	CloseRoom(roomID string)

	Stats() model.HubStats
	Shutdown()
}

// Hub routes outbound traffic to per-subject cells and per-game rooms.
type Hub struct {
	config hubConfig

	// cells stores model.SubjectID -> Celler. sync.Map because delivery
	// lookups vastly outnumber registrations.
	cells sync.Map

	roomsMu sync.RWMutex
	rooms   map[string]map[model.SubjectID]struct{}

	janitorStop chan struct{}
	stopOnce    sync.Once
	startedAt   time.Time
}

type hubConfig struct {
	mailboxSize      int
	sendTimeout      time.Duration
	idleTimeout      time.Duration
	evictionInterval time.Duration
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			mailboxSize:      256,
			sendTimeout:      500 * time.Millisecond,
			idleTimeout:      30 * time.Minute,
			evictionInterval: 15 * time.Minute,
		},
		rooms:       make(map[string]map[model.SubjectID]struct{}),
		janitorStop: make(chan struct{}),
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

func (h *Hub) IsConnected(subjectID model.SubjectID) bool {
	if val, ok := h.cells.Load(subjectID); ok {
		return val.(Celler).HasSessions()
	}
	return false
}

// Register attaches a transport, creating the subject's cell on first use.
func (h *Hub) Register(conn Connector) {
	sID := conn.GetSubjectID()
	val, _ := h.cells.LoadOrStore(sID, Celler(NewCell(sID, h.config.mailboxSize, h.config.sendTimeout)))
	val.(Celler).Attach(conn)
}

// Unregister detaches one transport and reports whether the subject now has
// no live connection. The cell itself survives: the session layer owns the
// reconnect grace and calls Drop when the subject is truly gone.
func (h *Hub) Unregister(subjectID model.SubjectID, connID uuid.UUID) bool {
	if val, ok := h.cells.Load(subjectID); ok {
		return val.(Celler).Detach(connID)
	}
	return true
}

// Drop purges all transport state for a subject: its cell and every room
// membership. Idempotent.
func (h *Hub) Drop(subjectID model.SubjectID) {
	if val, ok := h.cells.LoadAndDelete(subjectID); ok {
		val.(Celler).Stop()
	}

	h.roomsMu.Lock()
	for roomID, members := range h.rooms {
		delete(members, subjectID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.roomsMu.Unlock()
}

func (h *Hub) Send(subjectID model.SubjectID, ev model.Outbound) bool {
	if val, ok := h.cells.Load(subjectID); ok {
		return val.(Celler).Push(ev)
	}
	return false
}

func (h *Hub) RTTMillis(subjectID model.SubjectID) int {
	if val, ok := h.cells.Load(subjectID); ok {
		return val.(Celler).RTTMillis()
	}
	return model.RTTUnknown
}

// Broadcast fans an event out to every room member. Membership is
// snapshotted first so no lock is held across cell pushes.
func (h *Hub) Broadcast(roomID string, ev model.Outbound) int {
	h.roomsMu.RLock()
	members := make([]model.SubjectID, 0, len(h.rooms[roomID]))
	for s := range h.rooms[roomID] {
		members = append(members, s)
	}
	h.roomsMu.RUnlock()

	delivered := 0
	for _, s := range members {
		if h.Send(s, ev) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) JoinRoom(subjectID model.SubjectID, roomID string) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[model.SubjectID]struct{})
		h.rooms[roomID] = members
	}
	members[subjectID] = struct{}{}
}

func (h *Hub) LeaveRoom(subjectID model.SubjectID, roomID string) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, subjectID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) CloseRoom(roomID string) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	delete(h.rooms, roomID)
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{Uptime: time.Since(h.startedAt)}
	h.cells.Range(func(_, val any) bool {
		stats.TotalSubjects++
		if val.(Celler).HasSessions() {
			stats.ConnectedSubjects++
		}
		return true
	})
	h.roomsMu.RLock()
	stats.OpenRooms = len(h.rooms)
	h.roomsMu.RUnlock()
	return stats
}

// janitor reclaims cells that lost their sessions without a clean
// disconnect path (e.g. process-level races at shutdown).
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.janitorStop:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if val.(Celler).IsIdle(h.config.idleTimeout) {
					h.Drop(key.(model.SubjectID))
				}
				return true
			})
		}
	}
}

// Shutdown stops every cell goroutine. Called once from the fx OnStop hook.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.janitorStop)
		h.cells.Range(func(key, val any) bool {
			val.(Celler).Stop()
			h.cells.Delete(key)
			return true
		})
	})
}
