package events

import (
	"context"

	"task-notifications/broker"
)

// Publisher emits domain events on behalf of the task services.
type Publisher struct {
	emitter broker.Emitter
}

func NewPublisher(e broker.Emitter) *Publisher {
	return &Publisher{emitter: e}
}

// Publish must be called after the originating change is committed.
func (p *Publisher) Publish(ctx context.Context, evt DomainEvent) error {
	if err := Validate(evt); err != nil {
		return err
	}
	return p.emitter.Emit(ctx, evt.Topic(), evt)
}

func (p *Publisher) NotificationCreated(ctx context.Context, msg NotificationCreated) error {
	return p.emitter.Emit(ctx, TopicNotificationCreated, msg)
}

func (p *Publisher) Broadcast(ctx context.Context, msg NotificationBroadcast) error {
	return p.emitter.Emit(ctx, TopicNotificationBroadcast, msg)
}
