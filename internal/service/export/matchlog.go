// Package export owns the two persistence surfaces of the engine: the
// append-only match log and the per-episode data sink. Neither is on any
// hot path; both are fed from the lifecycle event bus.
package export

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/crowdlab/session-engine/internal/domain/event"
)

// MatchLogger appends one newline-delimited JSON record per formed match
// (and one per ended game) to data/{experiment_id}/match_logs/.
// Rotation is size-capped so a long-running experiment cannot fill the disk.
type MatchLogger struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

type matchLogLine struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
	Data any    `json:"data"`
}

func NewMatchLogger(dataDir, experimentID string) *MatchLogger {
	return &MatchLogger{
		out: &lumberjack.Logger{
			Filename:   filepath.Join(dataDir, experimentID, "match_logs", "run.log"),
			MaxSize:    64, // megabytes
			MaxBackups: 16,
			Compress:   false,
		},
	}
}

func (l *MatchLogger) RecordMatch(ev event.MatchFormedV1) error {
	return l.append(matchLogLine{Type: "match_formed", At: time.Now().UnixMilli(), Data: ev})
}

func (l *MatchLogger) RecordGameEnd(ev event.GameEndedV1) error {
	return l.append(matchLogLine{Type: "game_ended", At: time.Now().UnixMilli(), Data: ev})
}

func (l *MatchLogger) append(line matchLogLine) error {
	buf, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("match log: marshal: %w", err)
	}
	buf = append(buf, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(buf); err != nil {
		return fmt.Errorf("match log: write: %w", err)
	}
	return nil
}

func (l *MatchLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
