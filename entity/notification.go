package entity

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type NotificationType string

const (
	TaskAssigned      NotificationType = "TASK_ASSIGNED"
	TaskStatusChanged NotificationType = "TASK_STATUS_CHANGED"
	TaskCommentAdded  NotificationType = "TASK_COMMENT_ADDED"
)

func (t NotificationType) Valid() bool {
	switch t {
	case TaskAssigned, TaskStatusChanged, TaskCommentAdded:
		return true
	}
	return false
}

type Notification struct {
	ID        string           `json:"id" db:"id"`
	UserID    string           `json:"userId" db:"user_id"`
	TaskID    string           `json:"taskId" db:"task_id"`
	Type      NotificationType `json:"type" db:"type"`
	Data      NotificationData `json:"data" db:"data"`
	IsRead    bool             `json:"isRead" db:"is_read"`
	CreatedAt time.Time        `json:"createdAt" db:"created_at"`
}

// NotificationData carries the display fields of a notification. Which
// fields are set depends on the notification type.
type NotificationData struct {
	TaskTitle      string `json:"taskTitle,omitempty"`
	AssignedBy     string `json:"assignedBy,omitempty"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	NewStatus      string `json:"newStatus,omitempty"`
	ChangedBy      string `json:"changedBy,omitempty"`
	CommentID      string `json:"commentId,omitempty"`
	CommentAuthor  string `json:"commentAuthor,omitempty"`
	CommentPreview string `json:"commentPreview,omitempty"`
}

// Value stores the data column as JSON text.
func (d NotificationData) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *NotificationData) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = NotificationData{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("notification data: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*d = NotificationData{}
		return nil
	}
	return json.Unmarshal(raw, d)
}

var ErrInvalidNotification = errors.New("invalid notification")

func (n *Notification) Validate() error {
	switch {
	case n.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidNotification)
	case n.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidNotification)
	case n.TaskID == "":
		return fmt.Errorf("%w: missing task id", ErrInvalidNotification)
	case !n.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, n.Type)
	}
	return nil
}
