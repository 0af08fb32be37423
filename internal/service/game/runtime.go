package game

import "github.com/crowdlab/session-engine/internal/domain/model"

// Runtime drives one in-flight game. Two variants exist: the
// server-authoritative tick loop and the relay broker. Both are owned by
// the scene's Manager, which is the only caller of RequestTeardown.
type Runtime interface {
	// Start launches the runtime's loop. Called once, after the game is
	// published and start_game has been emitted.
	Start()
	// IngestAction queues a seat input. Never blocks the caller for more
	// than one tick.
	IngestAction(subjectID model.SubjectID, action int, inputFrame int64)
	// IngestStateHash feeds a relay-mode consistency report. No-op for
	// the authoritative variant.
	IngestStateHash(subjectID model.SubjectID, frame int64, hash string)
	// RequestTeardown cancels the loop without firing the terminated
	// callback; used by CleanupGame.
	RequestTeardown()
}

// TerminatedFunc is invoked at most once when a runtime ends on its own
// (normal completion, step error, desync). The manager subscribes and
// routes it into CleanupGame.
type TerminatedFunc func(gameID model.GameID, reason model.EndReason)
