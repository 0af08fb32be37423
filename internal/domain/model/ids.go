package model

import "github.com/google/uuid"

// SubjectID identifies a participant for the lifetime of one process run.
// It is assigned by the recruiting platform and arrives with register_subject.
type SubjectID string

// SceneID keys a scene definition in the experiment script.
type SceneID string

// GameID identifies one running game instance. Unique for the process lifetime.
type GameID string

// ConnectionID identifies a single transport connection. A subject may move
// across connections (reconnect); the connection id never moves across subjects.
type ConnectionID = uuid.UUID

func NewGameID() GameID {
	return GameID(uuid.NewString())
}

// GroupKey is shared by members matched into the same game and is used to
// re-pair them across later scenes.
type GroupKey string

func NewGroupKey() GroupKey {
	return GroupKey(uuid.NewString())
}
