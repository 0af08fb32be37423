// Package pubsub adapts the in-process watermill bus. The upstream
// platform runs this pipeline over AMQP; the engine is single-process by
// design, so the GoChannel driver carries the same topology in memory.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventDispatcher is the high-level contract for lifecycle events. It
// keeps publishers agnostic of the transport implementation.
type EventDispatcher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscriber() message.Subscriber
	Close() error
}

type eventDispatcher struct {
	bus *gochannel.GoChannel
}

func NewEventDispatcher(logger watermill.LoggerAdapter) EventDispatcher {
	return &eventDispatcher{
		bus: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger),
	}
}

func (d *eventDispatcher) Publish(ctx context.Context, topic string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), buf)
	msg.SetContext(ctx)

	if err := d.bus.Publish(topic, msg); err != nil {
		return fmt.Errorf("event dispatcher: publish to %s: %w", topic, err)
	}
	return nil
}

func (d *eventDispatcher) Subscriber() message.Subscriber {
	return d.bus
}

func (d *eventDispatcher) Close() error {
	return d.bus.Close()
}
