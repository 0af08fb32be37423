package game

import (
	"context"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

// Transport is the slice of the hub the game layer needs. Sends are
// best-effort; a false return means the subject has no live mailbox.
type Transport interface {
	Send(subjectID model.SubjectID, ev model.Outbound) bool
	Broadcast(roomID string, ev model.Outbound) int
	JoinRoom(subjectID model.SubjectID, roomID string)
	LeaveRoom(subjectID model.SubjectID, roomID string)
	CloseRoom(roomID string)
}

// Publisher posts lifecycle events on the in-process bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}
