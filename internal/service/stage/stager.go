// Package stage tracks each participant's position in the scripted scene
// sequence and gates the first scene behind the loading protocol.
package stage

import (
	"sync"

	"github.com/crowdlab/session-engine/internal/config"
)

// Stager walks one subject through the experiment script. Advance is the
// only move and it is monotonic: scenes are never skipped or re-entered.
type Stager struct {
	mu     sync.Mutex
	scenes []config.Scene
	idx    int
}

func NewStager(scenes []config.Scene) *Stager {
	return &Stager{scenes: scenes}
}

// Current returns the active scene. ok is false once the script is done.
func (s *Stager) Current() (config.Scene, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.scenes) {
		return config.Scene{}, false
	}
	return s.scenes[s.idx], true
}

// Advance moves to the next scene and returns it. ok is false when the
// script is exhausted; the index still moves so Done flips exactly once.
func (s *Stager) Advance() (config.Scene, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.scenes) {
		return config.Scene{}, false
	}
	s.idx++
	if s.idx >= len(s.scenes) {
		return config.Scene{}, false
	}
	return s.scenes[s.idx], true
}

// Index reports the current position, for resume and diagnostics.
func (s *Stager) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

// Done reports whether the script is exhausted.
func (s *Stager) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx >= len(s.scenes)
}

// PriorGameScenes lists game scenes before the current one, newest first.
// Used to resolve "wait for known group" keys from the pairing registry.
func (s *Stager) PriorGameScenes() []config.Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []config.Scene
	for i := s.idx - 1; i >= 0; i-- {
		if s.scenes[i].Kind == config.SceneGame {
			out = append(out, s.scenes[i])
		}
	}
	return out
}
