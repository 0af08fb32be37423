package cmd

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/fx"

	"github.com/crowdlab/session-engine/infra/httpsrv"
	"github.com/crowdlab/session-engine/internal/adapter/pubsub"
	"github.com/crowdlab/session-engine/internal/config"
	"github.com/crowdlab/session-engine/internal/domain/registry"
	"github.com/crowdlab/session-engine/internal/handler/bus"
	wshandler "github.com/crowdlab/session-engine/internal/handler/ws"
	"github.com/crowdlab/session-engine/internal/service"
	"github.com/crowdlab/session-engine/internal/service/export"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvidePubSub,
			ProvideMatchLogger,
			ProvideSink,
		),
		registry.Module,
		service.Module,
		wshandler.Module,
		bus.Module,
		httpsrv.Module,
		fx.Invoke(func(lc fx.Lifecycle, ml *export.MatchLogger) {
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					return ml.Close()
				},
			})
		}),
	)
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", ServiceName, "experiment_id", cfg.ExperimentID)
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger.With("component", "bus"))
}

func ProvidePubSub(wmLogger watermill.LoggerAdapter) pubsub.EventDispatcher {
	return pubsub.NewEventDispatcher(wmLogger)
}

func ProvideMatchLogger(cfg *config.Config) *export.MatchLogger {
	return export.NewMatchLogger(cfg.DataDir, cfg.ExperimentID)
}

func ProvideSink(cfg *config.Config, logger *slog.Logger) *export.Sink {
	return export.NewSink(cfg.DataDir, cfg.ExperimentID, logger)
}
