package common

import "encoding/json"

// Client to server events.
const (
	EventAuthenticate     = "authenticate"
	EventMarkAsRead       = "mark_as_read"
	EventMarkAllAsRead    = "mark_all_as_read"
	EventGetNotifications = "get_notifications"
)

// Server to client events.
const (
	EventAuthenticated        = "authenticated"
	EventNotification         = "notification"
	EventNotificationsList    = "notifications_list"
	EventNotificationRead     = "notification_read"
	EventAllNotificationsRead = "all_notifications_read"
	EventError                = "error"
)

type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// EncodeMessage builds the wire form of an event. data may be nil.
func EncodeMessage(event string, data interface{}) ([]byte, error) {
	msg := WSMessage{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
