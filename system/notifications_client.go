package system

import (
	"context"
	"errors"
	"time"

	"task-notifications/broker"
)

// ErrRejected is returned when the notifications service answered with
// success=false.
var ErrRejected = errors.New("notifications service rejected the request")

type rejection struct {
	reason string
}

func (r *rejection) Error() string { return ErrRejected.Error() + ": " + r.reason }
func (r *rejection) Unwrap() error { return ErrRejected }

// NotificationsClient calls the notifications service over the broker.
type NotificationsClient struct {
	sender        broker.Sender
	timeout       time.Duration
	healthTimeout time.Duration
}

func NewNotificationsClient(s broker.Sender, timeout, healthTimeout time.Duration) *NotificationsClient {
	return &NotificationsClient{sender: s, timeout: timeout, healthTimeout: healthTimeout}
}

func (c *NotificationsClient) Fetch(ctx context.Context, userID string, page, size int) (FetchResponse, error) {
	resp, err := broker.Call[FetchResponse](ctx, c.sender, TopicFetch, FetchRequest{UserID: userID, Page: page, Size: size}, c.timeout)
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, &rejection{reason: resp.Error}
	}
	return resp, nil
}

func (c *NotificationsClient) MarkAsRead(ctx context.Context, userID, notificationID string) error {
	resp, err := broker.Call[SuccessResponse](ctx, c.sender, TopicMarkAsRead, MarkAsReadRequest{UserID: userID, NotificationID: notificationID}, c.timeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &rejection{reason: resp.Error}
	}
	return nil
}

func (c *NotificationsClient) MarkAllAsRead(ctx context.Context, userID string) error {
	resp, err := broker.Call[SuccessResponse](ctx, c.sender, TopicMarkAllAsRead, UserRequest{UserID: userID}, c.timeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &rejection{reason: resp.Error}
	}
	return nil
}

func (c *NotificationsClient) UnreadCount(ctx context.Context, userID string) (int, error) {
	resp, err := broker.Call[UnreadCountResponse](ctx, c.sender, TopicUnreadCount, UserRequest{UserID: userID}, c.timeout)
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, &rejection{reason: resp.Error}
	}
	return resp.Count, nil
}

func (c *NotificationsClient) Health(ctx context.Context) (HealthResponse, error) {
	return broker.Call[HealthResponse](ctx, c.sender, TopicHealth, struct{}{}, c.healthTimeout)
}
