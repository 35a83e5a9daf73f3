package system

import (
	"context"
	"encoding/json"
	"time"

	"task-notifications/broker"
	"task-notifications/entity"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	TopicFetch         = "notifications.fetch"
	TopicMarkAsRead    = "notifications.mark_as_read"
	TopicMarkAllAsRead = "notifications.mark_all_as_read"
	TopicUnreadCount   = "notifications.unread_count"
	TopicHealth        = "health.check"

	ServiceName = "notifications-service"

	defaultPage = 1
	defaultSize = 20
)

type FetchRequest struct {
	UserID string `json:"userId" validate:"required"`
	Page   int    `json:"page" validate:"gte=1"`
	Size   int    `json:"size" validate:"gte=1,lte=100"`
}

type FetchResponse struct {
	Success       bool                  `json:"success"`
	Error         string                `json:"error,omitempty"`
	Notifications []entity.Notification `json:"notifications"`
	Total         int                   `json:"total"`
	Page          int                   `json:"page"`
	Size          int                   `json:"size"`
}

type MarkAsReadRequest struct {
	UserID         string `json:"userId" validate:"required"`
	NotificationID string `json:"notificationId" validate:"required"`
}

type UserRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type UnreadCountResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Count   int    `json:"count"`
}

type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string      `json:"status"`
	Service   string      `json:"service"`
	Timestamp time.Time   `json:"timestamp"`
	Database  HealthCheck `json:"database"`
}

// Handler answers the notification requests arriving over the broker.
type Handler struct {
	Repo     Repository
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(repo Repository, logger *zap.Logger) *Handler {
	return &Handler{
		Repo:     repo,
		logger:   logger.Named("rpc"),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Register(b broker.Broker) {
	b.Handle(TopicFetch, h.Fetch)
	b.Handle(TopicMarkAsRead, h.MarkAsRead)
	b.Handle(TopicMarkAllAsRead, h.MarkAllAsRead)
	b.Handle(TopicUnreadCount, h.UnreadCount)
	b.Handle(TopicHealth, h.Health)
}

func (h *Handler) decode(payload json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

func (h *Handler) Fetch(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req := FetchRequest{Page: defaultPage, Size: defaultSize}
	if err := h.decode(payload, &req); err != nil {
		return FetchResponse{Error: err.Error(), Notifications: []entity.Notification{}}, nil
	}
	rows, total, err := h.Repo.Fetch(ctx, req.UserID, req.Page, req.Size)
	if err != nil {
		h.logger.Error("fetch failed", zap.String("user_id", req.UserID), zap.Error(err))
		return FetchResponse{Error: "failed to fetch notifications", Notifications: []entity.Notification{}}, nil
	}
	return FetchResponse{Success: true, Notifications: rows, Total: total, Page: req.Page, Size: req.Size}, nil
}

func (h *Handler) MarkAsRead(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req MarkAsReadRequest
	if err := h.decode(payload, &req); err != nil {
		return SuccessResponse{Error: err.Error()}, nil
	}
	ok, err := h.Repo.MarkAsRead(ctx, req.UserID, req.NotificationID)
	if err != nil {
		h.logger.Error("mark as read failed", zap.String("user_id", req.UserID), zap.String("notification_id", req.NotificationID), zap.Error(err))
		return SuccessResponse{Error: "failed to mark as read"}, nil
	}
	if !ok {
		return SuccessResponse{Error: "notification not found"}, nil
	}
	return SuccessResponse{Success: true}, nil
}

func (h *Handler) MarkAllAsRead(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req UserRequest
	if err := h.decode(payload, &req); err != nil {
		return SuccessResponse{Error: err.Error()}, nil
	}
	if _, err := h.Repo.MarkAllAsRead(ctx, req.UserID); err != nil {
		h.logger.Error("mark all as read failed", zap.String("user_id", req.UserID), zap.Error(err))
		return SuccessResponse{Error: "failed to mark all as read"}, nil
	}
	return SuccessResponse{Success: true}, nil
}

func (h *Handler) UnreadCount(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req UserRequest
	if err := h.decode(payload, &req); err != nil {
		return UnreadCountResponse{Error: err.Error()}, nil
	}
	n, err := h.Repo.UnreadCount(ctx, req.UserID)
	if err != nil {
		h.logger.Error("unread count failed", zap.String("user_id", req.UserID), zap.Error(err))
		return UnreadCountResponse{Error: "failed to count unread notifications"}, nil
	}
	return UnreadCountResponse{Success: true, Count: n}, nil
}

func (h *Handler) Health(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return h.Check(ctx), nil
}

// Check reports the service status based on a database ping.
func (h *Handler) Check(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		Status:    "healthy",
		Service:   ServiceName,
		Timestamp: h.now(),
		Database:  HealthCheck{Status: "healthy", Message: "Database connection is healthy"},
	}
	if err := h.Repo.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = HealthCheck{Status: "unhealthy", Message: "Database connection failed", Error: err.Error()}
	}
	return resp
}
