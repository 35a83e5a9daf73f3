package ws

import (
	"context"
	"encoding/json"

	"task-notifications/broker"
	"task-notifications/common"
	"task-notifications/entity"
	"task-notifications/events"

	"go.uber.org/zap"
)

// Listener forwards notification events from the broker to live sockets.
type Listener struct {
	hub    *Hub
	logger *zap.Logger
}

func NewListener(hub *Hub, logger *zap.Logger) *Listener {
	return &Listener{hub: hub, logger: logger.Named("listener")}
}

// Subscribe uses group for both topics. Each gateway instance needs its own
// group so that every instance sees every push.
func (l *Listener) Subscribe(b broker.Broker, group string) {
	b.Subscribe(events.TopicNotificationCreated, group, l.HandleCreated)
	b.Subscribe(events.TopicNotificationBroadcast, group, l.HandleBroadcast)
}

func (l *Listener) HandleCreated(ctx context.Context, evt broker.Event) error {
	var msg events.NotificationCreated
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		l.logger.Error("discarding notification.created", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}
	l.push([]string{msg.UserID}, msg.Notification)
	return nil
}

func (l *Listener) HandleBroadcast(ctx context.Context, evt broker.Event) error {
	var msg events.NotificationBroadcast
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		l.logger.Error("discarding notification.broadcast", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}
	l.push(msg.UserIDs, msg.Notification)
	return nil
}

func (l *Listener) push(userIDs []string, n entity.Notification) {
	b, err := common.EncodeMessage(common.EventNotification, n)
	if err != nil {
		l.logger.Error("encoding notification", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}
	for _, id := range userIDs {
		if !l.hub.Deliver(id, b) {
			l.logger.Debug("user not reachable, notification stays in store", zap.String("user_id", id), zap.String("notification_id", n.ID))
		}
	}
}
