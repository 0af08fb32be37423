// Package event defines the lifecycle events published on the in-process
// bus. GameManager and the runtimes publish; MatchLogger and ExportSink
// subscribe. Topics are versioned the same way the upstream platform
// versions its routing keys.
package event

import (
	"time"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

const (
	TopicMatchFormed     = "match.formed.v1"
	TopicGameEnded       = "game.ended.v1"
	TopicEpisodeRecorded = "episode.recorded.v1"
)

// MatchFormedV1 is published once per created game, before start_game fires.
type MatchFormedV1 struct {
	GameID   model.GameID      `json:"game_id"`
	SceneID  model.SceneID     `json:"scene_id"`
	Members  []model.SubjectID `json:"members"`
	GroupKey model.GroupKey    `json:"group_key"`
	Mode     model.GameMode    `json:"mode"`
	FormedAt time.Time         `json:"formed_at"`
}

// GameEndedV1 is published from CleanupGame, exactly once per game.
type GameEndedV1 struct {
	GameID  model.GameID    `json:"game_id"`
	SceneID model.SceneID   `json:"scene_id"`
	Reason  model.EndReason `json:"reason"`
	EndedAt time.Time       `json:"ended_at"`
}

// EpisodeRecordedV1 carries one subject's per-episode record dump.
// Data is opaque to the engine; the sink writes it as-is.
type EpisodeRecordedV1 struct {
	GameID    model.GameID    `json:"game_id"`
	SceneID   model.SceneID   `json:"scene_id"`
	SubjectID model.SubjectID `json:"subject_id"`
	Episode   int             `json:"episode"`
	Data      []byte          `json:"data"`
}
