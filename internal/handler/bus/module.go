package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	"github.com/crowdlab/session-engine/internal/adapter/pubsub"
)

var Module = fx.Module("bus-handler",
	fx.Provide(
		NewRecordHandler,
		NewRouter,
	),
	fx.Invoke(func(lc fx.Lifecycle, router *message.Router, h *RecordHandler, dispatcher pubsub.EventDispatcher) {
		h.RegisterHandlers(router, dispatcher)

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					// Run blocks until Close; errors surface in the logs.
					_ = router.Run(context.Background())
				}()
				<-router.Running()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				if err := router.Close(); err != nil {
					return err
				}
				return dispatcher.Close()
			},
		})
	}),
)
