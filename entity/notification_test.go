package entity

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationData_ValueScan(t *testing.T) {
	in := NotificationData{TaskTitle: "Fix login", AssignedBy: "u1"}

	v, err := in.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskTitle":"Fix login","assignedBy":"u1"}`, v.(string))

	var fromString NotificationData
	require.NoError(t, fromString.Scan(v))
	assert.Equal(t, in, fromString)

	var fromBytes NotificationData
	require.NoError(t, fromBytes.Scan([]byte(v.(string))))
	assert.Equal(t, in, fromBytes)

	var empty NotificationData
	require.NoError(t, empty.Scan(nil))
	assert.Equal(t, NotificationData{}, empty)

	assert.Error(t, empty.Scan(42))
}

func TestNotification_JSONShape(t *testing.T) {
	n := Notification{
		ID:        "n1",
		UserID:    "u2",
		TaskID:    "t1",
		Type:      TaskCommentAdded,
		Data:      NotificationData{CommentPreview: "hi"},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id":"n1","userId":"u2","taskId":"t1","type":"TASK_COMMENT_ADDED",
		"data":{"commentPreview":"hi"},"isRead":false,
		"createdAt":"2024-01-02T03:04:05Z"
	}`, string(b))
}

func TestNotification_Validate(t *testing.T) {
	ok := Notification{ID: "n1", UserID: "u1", TaskID: "t1", Type: TaskAssigned}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Type = "SOMETHING"
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidNotification))

	bad = ok
	bad.UserID = ""
	assert.Error(t, bad.Validate())
}
