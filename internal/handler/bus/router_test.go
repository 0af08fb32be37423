package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdlab/session-engine/internal/adapter/pubsub"
	"github.com/crowdlab/session-engine/internal/domain/event"
	"github.com/crowdlab/session-engine/internal/domain/model"
	"github.com/crowdlab/session-engine/internal/service/export"
)

func startPipeline(t *testing.T, dataDir string) pubsub.EventDispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wmLogger := watermill.NopLogger{}

	dispatcher := pubsub.NewEventDispatcher(wmLogger)
	matchLog := export.NewMatchLogger(dataDir, "exp-test")
	sink := export.NewSink(dataDir, "exp-test", logger)

	router, err := NewRouter(wmLogger)
	require.NoError(t, err)
	NewRecordHandler(logger, matchLog, sink).RegisterHandlers(router, dispatcher)

	go func() { _ = router.Run(context.Background()) }()
	<-router.Running()

	t.Cleanup(func() {
		_ = router.Close()
		_ = dispatcher.Close()
		_ = matchLog.Close()
	})
	return dispatcher
}

func TestMatchFormedLandsInMatchLog(t *testing.T) {
	dataDir := t.TempDir()
	dispatcher := startPipeline(t, dataDir)

	err := dispatcher.Publish(context.Background(), event.TopicMatchFormed, event.MatchFormedV1{
		GameID:   "g-1",
		SceneID:  "round-1",
		Members:  []model.SubjectID{"a", "b"},
		GroupKey: "grp",
		FormedAt: time.Now(),
	})
	require.NoError(t, err)

	logPath := filepath.Join(dataDir, "exp-test", "match_logs", "run.log")
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(logPath)
		return statErr == nil
	}, 2*time.Second, 20*time.Millisecond)

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var line struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
	assert.Equal(t, "match_formed", line.Type)

	var ev event.MatchFormedV1
	require.NoError(t, json.Unmarshal(line.Data, &ev))
	assert.Equal(t, "g-1", string(ev.GameID))
}

func TestEpisodeRecordedLandsInSink(t *testing.T) {
	dataDir := t.TempDir()
	dispatcher := startPipeline(t, dataDir)

	err := dispatcher.Publish(context.Background(), event.TopicEpisodeRecorded, event.EpisodeRecordedV1{
		GameID:    "g-1",
		SceneID:   "round-1",
		SubjectID: "subj-9",
		Episode:   2,
		Data:      []byte(`[{"frame":1}]`),
	})
	require.NoError(t, err)

	recPath := filepath.Join(dataDir, "exp-test", "round-1", "subj-9_ep002.rec")
	require.Eventually(t, func() bool {
		data, readErr := os.ReadFile(recPath)
		return readErr == nil && len(data) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBadPayloadIsDroppedNotRedelivered(t *testing.T) {
	dataDir := t.TempDir()
	dispatcher := startPipeline(t, dataDir)

	// Raw publish of malformed JSON through the dispatcher's own topic.
	err := dispatcher.Publish(context.Background(), event.TopicGameEnded, "not-an-object")
	require.NoError(t, err)

	// Nothing to assert beyond "the router keeps running": a follow-up
	// good event still lands.
	err = dispatcher.Publish(context.Background(), event.TopicGameEnded, event.GameEndedV1{
		GameID: "g-2", SceneID: "round-1", Reason: "normal", EndedAt: time.Now(),
	})
	require.NoError(t, err)

	logPath := filepath.Join(dataDir, "exp-test", "match_logs", "run.log")
	require.Eventually(t, func() bool {
		data, readErr := os.ReadFile(logPath)
		return readErr == nil && len(data) > 0
	}, 2*time.Second, 20*time.Millisecond)
}
