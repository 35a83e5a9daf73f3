package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"task-notifications/common"
	"task-notifications/entity"
	"task-notifications/system"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPage = 1
	defaultSize = 20
	maxSize     = 100
)

type TokenVerifier interface {
	Verify(token string) (string, error)
}

// NotificationService is the gateway's view of the notifications service.
type NotificationService interface {
	Fetch(ctx context.Context, userID string, page, size int) (system.FetchResponse, error)
	MarkAsRead(ctx context.Context, userID, notificationID string) error
	MarkAllAsRead(ctx context.Context, userID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

type Handler struct {
	hub            *Hub
	verifier       TokenVerifier
	notifications  NotificationService
	logger         *zap.Logger
	replayPageSize int
	sendBuffer     int
}

func NewHandler(hub *Hub, verifier TokenVerifier, notifications NotificationService, replayPageSize, sendBuffer int, logger *zap.Logger) *Handler {
	return &Handler{
		hub:            hub,
		verifier:       verifier,
		notifications:  notifications,
		logger:         logger.Named("ws"),
		replayPageSize: replayPageSize,
		sendBuffer:     sendBuffer,
	}
}

type state int

const (
	stateAuthenticating state = iota
	stateAuthenticated
	stateRejected
)

type session struct {
	h      *Handler
	client *Client
	token  string
	state  state
	logger *zap.Logger
}

type authenticatedData struct {
	UserID        string                `json:"userId"`
	UnreadCount   int                   `json:"unreadCount"`
	TotalCount    int                   `json:"totalCount"`
	Notifications []entity.Notification `json:"notifications"`
}

type notificationsListData struct {
	Notifications []entity.Notification `json:"notifications"`
	Total         int                   `json:"total"`
	Page          int                   `json:"page"`
	Size          int                   `json:"size"`
}

type markAsReadData struct {
	NotificationID string `json:"notificationId"`
}

type getNotificationsData struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

type notificationReadData struct {
	ID string `json:"id"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := common.ExtractToken(r)

	conn, err := common.NewWSConn(w, r)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		h:      h,
		client: NewClient(conn, h.sendBuffer),
		token:  token,
		logger: h.logger.With(zap.String("remote", r.RemoteAddr)),
	}
	go s.write()
	go s.read()
}

func (s *session) read() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if s.state == stateAuthenticated {
			s.h.hub.Unregister(s.client)
			s.logger.Info("client disconnected", zap.String("user_id", s.client.UserID))
		}
		s.client.Close()
		s.client.Conn.Close()
	}()

	for {
		_, data, err := s.client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg common.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError("Invalid message")
			continue
		}

		if msg.Event == common.EventAuthenticate {
			if !s.authenticate(ctx) {
				return
			}
			continue
		}

		if s.state != stateAuthenticated {
			s.sendError("Unauthorized")
			continue
		}

		switch msg.Event {
		case common.EventGetNotifications:
			s.getNotifications(ctx, msg.Data)
		case common.EventMarkAsRead:
			s.markAsRead(ctx, msg.Data)
		case common.EventMarkAllAsRead:
			s.markAllAsRead(ctx)
		default:
			s.sendError("Unknown event: " + msg.Event)
		}
	}
}

func (s *session) write() {
	ticker := time.NewTicker(common.PingPeriod)
	defer func() {
		ticker.Stop()
		s.client.Conn.Close()
	}()
	for {
		select {
		case <-s.client.Done():
			return
		case msg := <-s.client.Send:
			if err := s.client.Conn.WriteMessage(msg); err != nil {
				s.logger.Debug("websocket write error", zap.Error(err))
				s.client.Close()
				return
			}
		case <-ticker.C:
			if err := s.client.Conn.WritePing(); err != nil {
				s.client.Close()
				return
			}
		}
	}
}

// authenticate verifies the handshake token. A rejected session is closed
// with a policy violation frame and false is returned.
func (s *session) authenticate(ctx context.Context) bool {
	userID, err := s.h.verifier.Verify(s.token)
	if err != nil {
		reason := "Unauthorized - Invalid token"
		if errors.Is(err, common.ErrNoToken) {
			reason = "Unauthorized - No token provided"
		}
		s.logger.Warn("authentication failed", zap.Error(err))
		s.state = stateRejected
		_ = s.client.Conn.CloseWith(websocket.ClosePolicyViolation, reason)
		return false
	}

	s.client.UserID = userID
	s.h.hub.Register(s.client)
	s.state = stateAuthenticated
	s.logger = s.logger.With(zap.String("user_id", userID))
	s.logger.Info("user authenticated")

	resp, err := s.h.notifications.Fetch(ctx, userID, 1, s.h.replayPageSize)
	if err != nil {
		s.logger.Error("fetching notifications", zap.Error(err))
		s.sendError("Failed to fetch notifications")
		return true
	}

	unreadCount, err := s.h.notifications.UnreadCount(ctx, userID)
	if err != nil {
		s.logger.Warn("fetching unread count", zap.Error(err))
		unreadCount = 0
	}

	unread := []entity.Notification{}
	for _, n := range resp.Notifications {
		if !n.IsRead {
			unread = append(unread, n)
		}
	}
	s.send(common.EventAuthenticated, authenticatedData{
		UserID:        userID,
		UnreadCount:   unreadCount,
		TotalCount:    resp.Total,
		Notifications: unread,
	})
	return true
}

func (s *session) getNotifications(ctx context.Context, raw json.RawMessage) {
	var req getNotificationsData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			s.sendError("Invalid message")
			return
		}
	}
	if req.Page <= 0 {
		req.Page = defaultPage
	}
	if req.Size <= 0 {
		req.Size = defaultSize
	}
	if req.Size > maxSize {
		req.Size = maxSize
	}

	resp, err := s.h.notifications.Fetch(ctx, s.client.UserID, req.Page, req.Size)
	if err != nil {
		s.logger.Error("fetching notifications", zap.Error(err))
		s.sendError("Failed to fetch notifications")
		return
	}
	s.send(common.EventNotificationsList, notificationsListData{
		Notifications: resp.Notifications,
		Total:         resp.Total,
		Page:          resp.Page,
		Size:          resp.Size,
	})
}

func (s *session) markAsRead(ctx context.Context, raw json.RawMessage) {
	var req markAsReadData
	if err := json.Unmarshal(raw, &req); err != nil || req.NotificationID == "" {
		s.sendError("Failed to mark as read")
		return
	}
	if err := s.h.notifications.MarkAsRead(ctx, s.client.UserID, req.NotificationID); err != nil {
		s.logger.Warn("marking notification read", zap.String("notification_id", req.NotificationID), zap.Error(err))
		s.sendError("Failed to mark as read")
		return
	}
	s.send(common.EventNotificationRead, notificationReadData{ID: req.NotificationID})
}

func (s *session) markAllAsRead(ctx context.Context) {
	if err := s.h.notifications.MarkAllAsRead(ctx, s.client.UserID); err != nil {
		s.logger.Warn("marking all notifications read", zap.Error(err))
		s.sendError("Failed to mark all as read")
		return
	}
	s.send(common.EventAllNotificationsRead, nil)
}

func (s *session) sendError(message string) {
	s.send(common.EventError, common.ErrorData{Message: message})
}

// send queues a direct reply. Unlike pushes it waits for buffer space.
func (s *session) send(event string, data interface{}) {
	b, err := common.EncodeMessage(event, data)
	if err != nil {
		s.logger.Error("encoding message", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case s.client.Send <- b:
	case <-s.client.Done():
	}
}
