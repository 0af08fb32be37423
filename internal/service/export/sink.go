package export

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"

	"github.com/crowdlab/session-engine/internal/domain/event"
)

// Sink writes per-episode record dumps under
// data/{experiment_id}/{scene_id}/, one file per episode per subject.
// Writes run behind a circuit breaker: if the disk goes bad mid-run the
// breaker trips and exports are shed instead of stalling game teardown.
type Sink struct {
	dataDir      string
	experimentID string
	logger       *slog.Logger
	breaker      *gobreaker.CircuitBreaker
}

func NewSink(dataDir, experimentID string, logger *slog.Logger) *Sink {
	return &Sink{
		dataDir:      dataDir,
		experimentID: experimentID,
		logger:       logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "export-sink",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("export sink breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// WriteEpisode persists one episode dump. The payload is opaque bytes.
func (s *Sink) WriteEpisode(ev event.EpisodeRecordedV1) error {
	_, err := s.breaker.Execute(func() (any, error) {
		dir := filepath.Join(s.dataDir, s.experimentID, string(ev.SceneID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("export sink: mkdir %s: %w", dir, err)
		}
		name := fmt.Sprintf("%s_ep%03d.rec", ev.SubjectID, ev.Episode)
		if err := os.WriteFile(filepath.Join(dir, name), ev.Data, 0o644); err != nil {
			return nil, fmt.Errorf("export sink: write %s: %w", name, err)
		}
		return nil, nil
	})
	return err
}
