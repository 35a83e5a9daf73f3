package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"task-notifications/entity"
	"task-notifications/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

type fakeRepo struct {
	mu      sync.Mutex
	created []entity.Notification
	failFor map[string]bool
	pingErr error
	seq     int
}

func (r *fakeRepo) Create(ctx context.Context, n *entity.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[n.UserID] {
		return errors.New("insert failed")
	}
	r.seq++
	n.ID = fmt.Sprintf("n%d", r.seq)
	r.created = append(r.created, *n)
	return nil
}

func (r *fakeRepo) Fetch(ctx context.Context, userID string, page, size int) ([]entity.Notification, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Notification
	for _, n := range r.created {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, len(out), nil
}

func (r *fakeRepo) MarkAsRead(ctx context.Context, userID, id string) (bool, error) {
	return false, nil
}

func (r *fakeRepo) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) UnreadCount(ctx context.Context, userID string) (int, error) {
	return 0, nil
}

func (r *fakeRepo) Ping(ctx context.Context) error { return r.pingErr }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []events.NotificationCreated
	err  error
}

func (f *fakeNotifier) NotificationCreated(ctx context.Context, msg events.NotificationCreated) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestEngine_PersistsThenAnnounces(t *testing.T) {
	repo := &fakeRepo{}
	notifier := &fakeNotifier{}
	e := NewEngine(repo, notifier, zaptest.NewLogger(t))

	res := e.Process(context.Background(), events.TaskCreated{
		ID: "t1", Title: "Fix login", AuthorID: "u1", AssigneeIDs: []string{"u2", "u3"},
	})

	require.NoError(t, res.Err)
	assert.Len(t, res.Created, 2)
	assert.Zero(t, res.Failed)

	require.Len(t, notifier.sent, 2)
	assert.Equal(t, "u2", notifier.sent[0].UserID)
	assert.Equal(t, repo.created[0].ID, notifier.sent[0].Notification.ID)
	assert.Equal(t, entity.TaskAssigned, notifier.sent[0].Notification.Type)
}

func TestEngine_EmptyPlanDoesNothing(t *testing.T) {
	repo := &fakeRepo{}
	notifier := &fakeNotifier{}
	e := NewEngine(repo, notifier, zaptest.NewLogger(t))

	res := e.Process(context.Background(), events.TaskCreated{ID: "t1", AuthorID: "u1", AssigneeIDs: []string{"u1"}})

	assert.NoError(t, res.Err)
	assert.Empty(t, repo.created)
	assert.Empty(t, notifier.sent)
}

func TestEngine_FailedWriteDoesNotStopFanout(t *testing.T) {
	repo := &fakeRepo{failFor: map[string]bool{"u3": true}}
	notifier := &fakeNotifier{}
	e := NewEngine(repo, notifier, zaptest.NewLogger(t))

	res := e.Process(context.Background(), events.CommentCreated{
		TaskID:          "t1",
		TaskAuthorID:    "u1",
		TaskAssigneeIDs: []string{"u2", "u3", "u4"},
		Comment:         events.Comment{ID: "c1", AuthorID: "u1", Content: "done?"},
	})

	assert.Equal(t, 1, res.Failed)
	require.Error(t, res.Err)
	assert.Len(t, multierr.Errors(res.Err), 1)
	assert.Contains(t, res.Err.Error(), "u3")

	var got []string
	for _, n := range res.Created {
		got = append(got, n.UserID)
	}
	assert.Equal(t, []string{"u2", "u4"}, got)
	assert.Len(t, notifier.sent, 2)
}

func TestEngine_AnnounceFailureIsReported(t *testing.T) {
	repo := &fakeRepo{}
	notifier := &fakeNotifier{err: errors.New("encode")}
	e := NewEngine(repo, notifier, zaptest.NewLogger(t))

	res := e.Process(context.Background(), events.TaskCreated{ID: "t1", AuthorID: "u1", AssigneeIDs: []string{"u2"}})

	assert.Len(t, res.Created, 1)
	assert.Zero(t, res.Failed)
	assert.Error(t, res.Err)
}
