package system

import (
	"task-notifications/entity"
	"task-notifications/events"
)

const commentPreviewLen = 100

// Delivery is one notification the engine has to store and announce.
type Delivery struct {
	UserID string
	TaskID string
	Type   entity.NotificationType
	Data   entity.NotificationData
}

// Plan computes the notifications an event produces. It performs no I/O.
func Plan(evt events.DomainEvent) []Delivery {
	switch e := evt.(type) {
	case events.TaskCreated:
		return planTaskCreated(e)
	case events.TaskUpdated:
		return planTaskUpdated(e)
	case events.CommentCreated:
		return planCommentCreated(e)
	case events.TaskDeleted:
		return nil
	}
	return nil
}

func planTaskCreated(e events.TaskCreated) []Delivery {
	data := entity.NotificationData{TaskTitle: e.Title, AssignedBy: e.AuthorID}
	var out []Delivery
	for _, id := range recipients(e.AssigneeIDs, e.AuthorID) {
		out = append(out, Delivery{UserID: id, TaskID: e.ID, Type: entity.TaskAssigned, Data: data})
	}
	return out
}

func planTaskUpdated(e events.TaskUpdated) []Delivery {
	var out []Delivery

	if e.Status != "" && e.PreviousStatus != "" && e.Status != e.PreviousStatus {
		data := entity.NotificationData{
			TaskTitle:      e.Title,
			PreviousStatus: e.PreviousStatus,
			NewStatus:      e.Status,
			ChangedBy:      e.UpdatedBy,
		}
		watchers := append(append([]string{}, e.AssigneeIDs...), e.AuthorID)
		for _, id := range recipients(watchers, e.UpdatedBy) {
			out = append(out, Delivery{UserID: id, TaskID: e.ID, Type: entity.TaskStatusChanged, Data: data})
		}
	}

	assignedBy := e.UpdatedBy
	if assignedBy == "" {
		assignedBy = e.AuthorID
	}
	data := entity.NotificationData{TaskTitle: e.Title, AssignedBy: assignedBy}
	previous := make(map[string]struct{}, len(e.PreviousAssigneeIDs))
	for _, id := range e.PreviousAssigneeIDs {
		previous[id] = struct{}{}
	}
	var added []string
	for _, id := range e.AssigneeIDs {
		if _, ok := previous[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range recipients(added, e.AuthorID, e.UpdatedBy) {
		out = append(out, Delivery{UserID: id, TaskID: e.ID, Type: entity.TaskAssigned, Data: data})
	}
	return out
}

func planCommentCreated(e events.CommentCreated) []Delivery {
	data := entity.NotificationData{
		TaskTitle:      e.TaskTitle,
		CommentID:      e.Comment.ID,
		CommentAuthor:  e.Comment.AuthorID,
		CommentPreview: truncate(e.Comment.Content, commentPreviewLen),
	}
	watchers := append(append([]string{}, e.TaskAssigneeIDs...), e.TaskAuthorID)
	var out []Delivery
	for _, id := range recipients(watchers, e.Comment.AuthorID) {
		out = append(out, Delivery{UserID: id, TaskID: e.TaskID, Type: entity.TaskCommentAdded, Data: data})
	}
	return out
}

// recipients dedups ids in first-seen order, dropping empty ids and the
// excluded actors.
func recipients(ids []string, exclude ...string) []string {
	skip := make(map[string]struct{}, len(ids)+len(exclude))
	for _, x := range exclude {
		if x != "" {
			skip[x] = struct{}{}
		}
	}
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := skip[id]; ok {
			continue
		}
		skip[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
