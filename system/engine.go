package system

import (
	"context"
	"fmt"

	"task-notifications/entity"
	"task-notifications/events"
	"task-notifications/metrics"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Notifier interface {
	NotificationCreated(ctx context.Context, msg events.NotificationCreated) error
}

// Engine turns domain events into stored notifications and announces each
// of them on notification.created.
type Engine struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger
}

func NewEngine(repo Repository, notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{repo: repo, notifier: notifier, logger: logger.Named("engine")}
}

type Result struct {
	Created []entity.Notification
	Failed  int
	Err     error
}

// Process stores and announces every planned delivery. A failing recipient
// does not stop the others; all failures are collected in Result.Err.
func (e *Engine) Process(ctx context.Context, evt events.DomainEvent) Result {
	var res Result
	for _, d := range Plan(evt) {
		n := entity.Notification{
			UserID: d.UserID,
			TaskID: d.TaskID,
			Type:   d.Type,
			Data:   d.Data,
		}
		if err := e.repo.Create(ctx, &n); err != nil {
			res.Failed++
			metrics.FanoutFailures.Inc()
			e.logger.Error("storing notification",
				zap.String("topic", evt.Topic()), zap.String("user_id", d.UserID), zap.String("task_id", d.TaskID), zap.Error(err))
			res.Err = multierr.Append(res.Err, fmt.Errorf("notification for %s: %w", d.UserID, err))
			continue
		}
		metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
		res.Created = append(res.Created, n)

		if err := e.notifier.NotificationCreated(ctx, events.NotificationCreated{UserID: n.UserID, Notification: n}); err != nil {
			metrics.FanoutFailures.Inc()
			e.logger.Error("announcing notification", zap.String("notification_id", n.ID), zap.Error(err))
			res.Err = multierr.Append(res.Err, fmt.Errorf("announcing %s: %w", n.ID, err))
		}
	}
	return res
}
