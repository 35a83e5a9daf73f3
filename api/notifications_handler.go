package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"task-notifications/broker"
	"task-notifications/middleware"
	"task-notifications/system"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type NotificationService interface {
	Fetch(ctx context.Context, userID string, page, size int) (system.FetchResponse, error)
	MarkAsRead(ctx context.Context, userID, notificationID string) error
	MarkAllAsRead(ctx context.Context, userID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// NotificationsHandler exposes the notifications service over REST for
// clients that do not keep a socket open.
type NotificationsHandler struct {
	svc    NotificationService
	logger *zap.Logger
}

func NewNotificationsHandler(svc NotificationService, logger *zap.Logger) *NotificationsHandler {
	return &NotificationsHandler{svc: svc, logger: logger.Named("rest")}
}

type notificationsPage struct {
	Notifications interface{} `json:"notifications"`
	Total         int         `json:"total"`
	Page          int         `json:"page"`
	Size          int         `json:"size"`
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r)
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		http.Error(w, "Invalid page", http.StatusBadRequest)
		return
	}
	size, err := queryInt(r, "size", 20)
	if err != nil || size < 1 || size > 100 {
		http.Error(w, "Invalid size", http.StatusBadRequest)
		return
	}

	resp, err := h.svc.Fetch(r.Context(), userID, page, size)
	if err != nil {
		h.fail(w, "fetching notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, notificationsPage{
		Notifications: resp.Notifications,
		Total:         resp.Total,
		Page:          resp.Page,
		Size:          resp.Size,
	})
}

func (h *NotificationsHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r)
	n, err := h.svc.UnreadCount(r.Context(), userID)
	if err != nil {
		h.fail(w, "counting unread notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *NotificationsHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r)
	id := mux.Vars(r)["id"]
	if err := h.svc.MarkAsRead(r.Context(), userID, id); err != nil {
		if errors.Is(err, system.ErrRejected) {
			http.Error(w, "Notification not found", http.StatusNotFound)
			return
		}
		h.fail(w, "marking notification read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *NotificationsHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r)
	if err := h.svc.MarkAllAsRead(r.Context(), userID); err != nil {
		h.fail(w, "marking all notifications read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// fail maps broker and service errors to a status code.
func (h *NotificationsHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, system.ErrRejected):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case broker.IsRetryable(err):
		h.logger.Warn(op, zap.Error(err))
		http.Error(w, "Notifications service unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error(op, zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
