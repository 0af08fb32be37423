package model

import "time"

// RTTUnknown marks a candidate whose round-trip time has not been measured.
const RTTUnknown = -1

// MatchCandidate is a participant eligible for matching. Lives only in
// waiting queues.
type MatchCandidate struct {
	SubjectID SubjectID
	RTTMillis int // RTTUnknown when no measurement exists
	ArrivedAt time.Time
}

// WaitingEntry is a queued candidate plus its matching constraints.
type WaitingEntry struct {
	MatchCandidate
	GroupSize int
	// RequiredGroupKey restricts matching to former partners ("play with
	// the same partners across scenes"). Empty means unconstrained.
	RequiredGroupKey GroupKey
}

// PairingRecord records that a set of subjects played together in a scene.
// Append-only.
type PairingRecord struct {
	SceneID  SceneID     `json:"scene_id"`
	GroupKey GroupKey    `json:"group_key"`
	Members  []SubjectID `json:"members"`
	FormedAt time.Time   `json:"formed_at"`
}

// HasMember reports membership without allocating.
func (r PairingRecord) HasMember(s SubjectID) bool {
	for _, m := range r.Members {
		if m == s {
			return true
		}
	}
	return false
}
