package game

import (
	"fmt"
	"math/rand"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

// Environment is the simulation contract for the server-authoritative
// runtime. Implementations are single-goroutine: only the runtime's tick
// loop calls into them.
type Environment interface {
	// Reset starts a fresh episode.
	Reset(seed int64)
	// Step advances one tick with one action per seat. Returns true when
	// the episode is done.
	Step(actions []int) bool
	// Objects returns the current renderable state.
	Objects() []model.StateObject
	// Removed returns ids removed since the previous Step.
	Removed() []string
	// DefaultAction is applied for seats with no pending input.
	DefaultAction() int
}

// EnvironmentFactory builds a fresh environment for a game with the given
// seat count.
type EnvironmentFactory func(seats int) Environment

// Actions for the built-in grid-chase environment.
const (
	ActStay = iota
	ActUp
	ActDown
	ActLeft
	ActRight
)

const (
	gridWidth  = 16
	gridHeight = 12
)

// GridChase is a minimal deterministic environment: players move on a
// grid, the episode ends when any player reaches the star.
type GridChase struct {
	seats   int
	rng     *rand.Rand
	xs, ys  []int
	starX   int
	starY   int
	starHit bool
	removed []string
}

func NewGridChase(seats int) Environment {
	return &GridChase{
		seats: seats,
		xs:    make([]int, seats),
		ys:    make([]int, seats),
	}
}

func (e *GridChase) Reset(seed int64) {
	e.rng = rand.New(rand.NewSource(seed))
	for i := 0; i < e.seats; i++ {
		e.xs[i] = e.rng.Intn(gridWidth)
		e.ys[i] = e.rng.Intn(gridHeight)
	}
	e.starX = e.rng.Intn(gridWidth)
	e.starY = e.rng.Intn(gridHeight)
	e.starHit = false
	e.removed = nil
}

func (e *GridChase) DefaultAction() int { return ActStay }

func (e *GridChase) Step(actions []int) bool {
	e.removed = nil
	for i := 0; i < e.seats && i < len(actions); i++ {
		switch actions[i] {
		case ActUp:
			e.ys[i] = clamp(e.ys[i]-1, 0, gridHeight-1)
		case ActDown:
			e.ys[i] = clamp(e.ys[i]+1, 0, gridHeight-1)
		case ActLeft:
			e.xs[i] = clamp(e.xs[i]-1, 0, gridWidth-1)
		case ActRight:
			e.xs[i] = clamp(e.xs[i]+1, 0, gridWidth-1)
		}
	}
	for i := 0; i < e.seats; i++ {
		if e.xs[i] == e.starX && e.ys[i] == e.starY {
			e.starHit = true
			e.removed = append(e.removed, "star")
			break
		}
	}
	return e.starHit
}

func (e *GridChase) Objects() []model.StateObject {
	objs := make([]model.StateObject, 0, e.seats+1)
	for i := 0; i < e.seats; i++ {
		objs = append(objs, model.StateObject{
			ID:        fmt.Sprintf("player-%d", i),
			Kind:      "player",
			X:         e.xs[i],
			Y:         e.ys[i],
			Permanent: true,
		})
	}
	if !e.starHit {
		objs = append(objs, model.StateObject{
			ID:   "star",
			Kind: "star",
			X:    e.starX,
			Y:    e.starY,
		})
	}
	return objs
}

func (e *GridChase) Removed() []string { return e.removed }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
