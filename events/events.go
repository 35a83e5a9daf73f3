package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"task-notifications/entity"

	"github.com/go-playground/validator/v10"
)

const (
	TopicTaskCreated    = "task.created"
	TopicTaskUpdated    = "task.updated"
	TopicCommentCreated = "task.comment.created"
	TopicTaskDeleted    = "task.deleted"

	TopicNotificationCreated   = "notification.created"
	TopicNotificationBroadcast = "notification.broadcast"
)

// DomainTopics are the topics the notification engine consumes.
var DomainTopics = []string{TopicTaskCreated, TopicTaskUpdated, TopicCommentCreated, TopicTaskDeleted}

var ErrUnknownTopic = errors.New("events: unknown topic")

// DomainEvent is implemented only by the event types of this package.
type DomainEvent interface {
	Topic() string
	domainEvent()
}

type TaskCreated struct {
	ID          string   `json:"id" validate:"required"`
	Title       string   `json:"title"`
	AuthorID    string   `json:"authorId"`
	AssigneeIDs []string `json:"assigneeIds"`
}

// TaskUpdated carries the task after the change plus the previous values of
// the fields the engine reacts to. Empty strings mean "not part of the change".
type TaskUpdated struct {
	ID                  string   `json:"id" validate:"required"`
	Title               string   `json:"title"`
	AuthorID            string   `json:"authorId"`
	AssigneeIDs         []string `json:"assigneeIds"`
	PreviousAssigneeIDs []string `json:"previousAssigneeIds"`
	Status              string   `json:"status,omitempty"`
	PreviousStatus      string   `json:"previousStatus,omitempty"`
	UpdatedBy           string   `json:"updatedBy,omitempty"`
}

type Comment struct {
	ID       string `json:"id" validate:"required"`
	AuthorID string `json:"authorId" validate:"required"`
	Content  string `json:"content"`
}

type CommentCreated struct {
	TaskID          string   `json:"taskId" validate:"required"`
	TaskTitle       string   `json:"taskTitle"`
	TaskAuthorID    string   `json:"taskAuthorId"`
	TaskAssigneeIDs []string `json:"taskAssigneeIds"`
	Comment         Comment  `json:"comment"`
}

type TaskDeleted struct {
	TaskID string `json:"taskId" validate:"required"`
}

func (TaskCreated) Topic() string    { return TopicTaskCreated }
func (TaskUpdated) Topic() string    { return TopicTaskUpdated }
func (CommentCreated) Topic() string { return TopicCommentCreated }
func (TaskDeleted) Topic() string    { return TopicTaskDeleted }

func (TaskCreated) domainEvent()    {}
func (TaskUpdated) domainEvent()    {}
func (CommentCreated) domainEvent() {}
func (TaskDeleted) domainEvent()    {}

var validate = validator.New()

// Decode parses the payload of a domain topic into its event type.
func Decode(topic string, payload []byte) (DomainEvent, error) {
	var evt DomainEvent
	var err error
	switch topic {
	case TopicTaskCreated:
		var e TaskCreated
		err = json.Unmarshal(payload, &e)
		evt = e
	case TopicTaskUpdated:
		var e TaskUpdated
		err = json.Unmarshal(payload, &e)
		evt = e
	case TopicCommentCreated:
		var e CommentCreated
		err = json.Unmarshal(payload, &e)
		evt = e
	case TopicTaskDeleted:
		var e TaskDeleted
		err = json.Unmarshal(payload, &e)
		evt = e
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", topic, err)
	}
	if err := Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func Validate(evt DomainEvent) error {
	if err := validate.Struct(evt); err != nil {
		return fmt.Errorf("invalid %s event: %w", evt.Topic(), err)
	}
	return nil
}

// NotificationCreated is emitted by the engine for every stored notification.
type NotificationCreated struct {
	UserID       string              `json:"userId"`
	Notification entity.Notification `json:"notification"`
}

type NotificationBroadcast struct {
	UserIDs      []string            `json:"userIds"`
	Notification entity.Notification `json:"notification"`
}
