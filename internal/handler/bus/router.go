// Package bus binds lifecycle topics to the persistence layer: match log
// records on match.formed/game.ended, episode dumps into the export sink.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/crowdlab/session-engine/internal/adapter/pubsub"
	"github.com/crowdlab/session-engine/internal/domain/event"
	"github.com/crowdlab/session-engine/internal/service/export"
)

type RecordHandler struct {
	logger   *slog.Logger
	matchLog *export.MatchLogger
	sink     *export.Sink
}

func NewRecordHandler(logger *slog.Logger, matchLog *export.MatchLogger, sink *export.Sink) *RecordHandler {
	return &RecordHandler{logger: logger, matchLog: matchLog, sink: sink}
}

func NewRouter(wmLogger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 10 * time.Second,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("bus: router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)
	return router, nil
}

// RegisterHandlers wires each topic to its handler. Add new domain
// listeners by extending this table.
func (h *RecordHandler) RegisterHandlers(router *message.Router, dispatcher pubsub.EventDispatcher) {
	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_MATCH_FORMED", event.TopicMatchFormed, h.onMatchFormed},
		{"ON_GAME_ENDED", event.TopicGameEnded, h.onGameEnded},
		{"ON_EPISODE_RECORDED", event.TopicEpisodeRecorded, h.onEpisodeRecorded},
	}

	for _, c := range configs {
		router.AddNoPublisherHandler(c.name, c.topic, dispatcher.Subscriber(), c.handler)
	}
}

func (h *RecordHandler) onMatchFormed(msg *message.Message) error {
	var ev event.MatchFormedV1
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		h.logger.Error("bus: bad match.formed payload", "err", err)
		return nil // poison; drop
	}
	return h.matchLog.RecordMatch(ev)
}

func (h *RecordHandler) onGameEnded(msg *message.Message) error {
	var ev event.GameEndedV1
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		h.logger.Error("bus: bad game.ended payload", "err", err)
		return nil
	}
	return h.matchLog.RecordGameEnd(ev)
}

func (h *RecordHandler) onEpisodeRecorded(msg *message.Message) error {
	var ev event.EpisodeRecordedV1
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		h.logger.Error("bus: bad episode.recorded payload", "err", err)
		return nil
	}
	if err := h.sink.WriteEpisode(ev); err != nil {
		// The breaker sheds on persistent failure; don't redeliver forever.
		h.logger.Error("bus: episode export failed",
			"game_id", ev.GameID, "subject_id", ev.SubjectID, "err", err)
	}
	return nil
}
