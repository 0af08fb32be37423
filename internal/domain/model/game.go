package model

import "time"

// GameMode selects which runtime drives a game.
type GameMode string

const (
	// ModeServerAuthoritative runs the simulation on the server and
	// broadcasts render packets to the seats.
	ModeServerAuthoritative GameMode = "server"
	// ModeRelay lets every client run the same deterministic simulation;
	// the server rebroadcasts inputs and checks state hashes.
	ModeRelay GameMode = "relay"
)

// GameStatus is the lifecycle state of a game. Ended is terminal.
type GameStatus string

const (
	StatusWaiting GameStatus = "waiting"
	StatusRunning GameStatus = "running"
	StatusEnded   GameStatus = "ended"
)

// SeatAvailable marks an unoccupied seat slot.
const SeatAvailable SubjectID = ""

// Game is one in-flight game instance. Owned exclusively by the scene's
// GameManager; nothing else mutates it.
type Game struct {
	ID        GameID
	SceneID   SceneID
	Seats     []SubjectID // ordered; SeatAvailable for empty slots
	Status    GameStatus
	GroupKey  GroupKey
	Mode      GameMode
	StartedAt time.Time
	EndedAt   time.Time
}

// Occupants returns the real subjects currently seated, in seat order.
func (g *Game) Occupants() []SubjectID {
	out := make([]SubjectID, 0, len(g.Seats))
	for _, s := range g.Seats {
		if s != SeatAvailable {
			out = append(out, s)
		}
	}
	return out
}

// SeatOf returns the seat index of the subject, or -1.
func (g *Game) SeatOf(subject SubjectID) int {
	for i, s := range g.Seats {
		if s == subject {
			return i
		}
	}
	return -1
}

// EndReason is carried by end_game and the terminated event.
type EndReason string

const (
	EndNormal      EndReason = "normal"
	EndPartnerLost EndReason = "partner_lost"
	EndError       EndReason = "error"
	EndDesync      EndReason = "desync"
	EndExcluded    EndReason = "excluded"
	EndShutdown    EndReason = "shutdown"
)
