package system_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"task-notifications/broker"
	"task-notifications/entity"
	"task-notifications/storage"
	"task-notifications/system"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupService(t *testing.T) (*storage.NotificationStore, *system.NotificationsClient) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	db, err := storage.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, logger))
	store := storage.NewNotificationStore(db)

	b := broker.NewMemory(logger, 3)
	system.NewHandler(store, logger).Register(b)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Close() })

	return store, system.NewNotificationsClient(b, time.Second, time.Second)
}

func createNotification(t *testing.T, store *storage.NotificationStore, userID string) entity.Notification {
	t.Helper()
	n := entity.Notification{UserID: userID, TaskID: "t1", Type: entity.TaskAssigned, Data: entity.NotificationData{TaskTitle: "Fix login"}}
	require.NoError(t, store.Create(context.Background(), &n))
	return n
}

func TestService_FetchDefaultsAndPaging(t *testing.T) {
	store, client := setupService(t)
	for i := 0; i < 3; i++ {
		createNotification(t, store, "u1")
	}

	resp, err := client.Fetch(context.Background(), "u1", 1, 2)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Notifications, 2)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 2, resp.Size)
}

func TestService_FetchValidation(t *testing.T) {
	_, client := setupService(t)

	_, err := client.Fetch(context.Background(), "", 1, 20)
	assert.ErrorIs(t, err, system.ErrRejected)

	_, err = client.Fetch(context.Background(), "u1", 1, 500)
	assert.ErrorIs(t, err, system.ErrRejected)
}

func TestHandler_FetchRejectsInvalidPage(t *testing.T) {
	h := system.NewHandler(nil, zaptest.NewLogger(t))
	out, err := h.Fetch(context.Background(), json.RawMessage(`{"page":0}`))
	require.NoError(t, err)
	resp := out.(system.FetchResponse)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.NotNil(t, resp.Notifications)
}

func TestService_MarkAsReadOwnership(t *testing.T) {
	store, client := setupService(t)
	n := createNotification(t, store, "u1")
	ctx := context.Background()

	err := client.MarkAsRead(ctx, "u2", n.ID)
	assert.ErrorIs(t, err, system.ErrRejected)

	count, err := client.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, client.MarkAsRead(ctx, "u1", n.ID))
	require.NoError(t, client.MarkAsRead(ctx, "u1", n.ID), "marking twice still succeeds")

	count, err = client.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestService_MarkAllAsRead(t *testing.T) {
	store, client := setupService(t)
	createNotification(t, store, "u1")
	createNotification(t, store, "u1")
	ctx := context.Background()

	require.NoError(t, client.MarkAllAsRead(ctx, "u1"))
	count, err := client.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.ErrorIs(t, client.MarkAllAsRead(ctx, ""), system.ErrRejected)
}

func TestService_Health(t *testing.T) {
	_, client := setupService(t)
	resp, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, system.ServiceName, resp.Service)
	assert.Equal(t, "healthy", resp.Database.Status)
}

type pingFailRepo struct {
	system.Repository
}

func (pingFailRepo) Ping(context.Context) error { return errors.New("database is locked") }

func TestHandler_HealthDegraded(t *testing.T) {
	h := system.NewHandler(pingFailRepo{}, zaptest.NewLogger(t))
	resp := h.Check(context.Background())
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unhealthy", resp.Database.Status)
	assert.Equal(t, "database is locked", resp.Database.Error)
}

func TestNotificationsClient_TimesOutWithoutService(t *testing.T) {
	b := broker.NewMemory(zaptest.NewLogger(t), 1)
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	client := system.NewNotificationsClient(b, 20*time.Millisecond, 20*time.Millisecond)
	_, err := client.Health(context.Background())
	assert.ErrorIs(t, err, broker.ErrTimeout)
}
