package system_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"task-notifications/broker"
	"task-notifications/entity"
	"task-notifications/events"
	"task-notifications/storage"
	"task-notifications/system"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type noopNotifier struct{}

func (noopNotifier) NotificationCreated(context.Context, events.NotificationCreated) error { return nil }

func TestNotificationWorkerPool_ProcessesJob(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(sqlmock.AnyArg(), "u2", "t1", entity.TaskAssigned, sqlmock.AnyArg(), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := storage.NewNotificationStore(sqlx.NewDb(db, "sqlite"))
	engine := system.NewEngine(store, noopNotifier{}, zap.NewNop())
	pool := system.NewNotificationWorkerPool(engine, 1, 10, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	res, err := pool.Submit(ctx, events.TaskCreated{ID: "t1", Title: "Fix login", AuthorID: "u1", AssigneeIDs: []string{"u2"}})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Len(t, res.Created, 1)

	pool.Stop()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := system.NewNotificationWorkerPool(system.NewEngine(nil, noopNotifier{}, zap.NewNop()), 1, 1, zap.NewNop())
	pool.Start(context.Background())
	pool.Stop()

	_, err := pool.Submit(context.Background(), events.TaskDeleted{TaskID: "t1"})
	assert.ErrorIs(t, err, system.ErrPoolStopped)
}

func TestNotificationWorkerPool_HandleEvent(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	store := storage.NewNotificationStore(sqlx.NewDb(db, "sqlite"))
	pool := system.NewNotificationWorkerPool(system.NewEngine(store, noopNotifier{}, zap.NewNop()), 2, 10, zaptest.NewLogger(t))
	pool.Start(context.Background())
	defer pool.Stop()

	t.Run("undecodable payload is acknowledged", func(t *testing.T) {
		err := pool.HandleEvent(context.Background(), broker.Event{ID: "e1", Topic: events.TopicTaskCreated, Payload: json.RawMessage(`{"id":`)})
		assert.NoError(t, err)
	})

	t.Run("partial failure is acknowledged", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO notifications").WillReturnError(assert.AnError)
		payload, _ := json.Marshal(events.TaskCreated{ID: "t1", AuthorID: "u1", AssigneeIDs: []string{"u2"}})
		err := pool.HandleEvent(context.Background(), broker.Event{ID: "e2", Topic: events.TopicTaskCreated, Payload: payload})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancelled context is not acknowledged", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		payload, _ := json.Marshal(events.TaskDeleted{TaskID: "t1"})
		err := pool.HandleEvent(ctx, broker.Event{ID: "e3", Topic: events.TopicTaskDeleted, Payload: payload})
		assert.Error(t, err)
	})
}

func TestNotificationWorkerPool_SubscribesThroughBroker(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(1, 1))

	store := storage.NewNotificationStore(sqlx.NewDb(db, "sqlite"))
	b := broker.NewMemory(zaptest.NewLogger(t), 3)
	pub := events.NewPublisher(b)
	engine := system.NewEngine(store, pub, zap.NewNop())
	pool := system.NewNotificationWorkerPool(engine, 1, 10, zap.NewNop())
	pool.Subscribe(b, "notifications")

	announced := make(chan events.NotificationCreated, 1)
	b.Subscribe(events.TopicNotificationCreated, "test", func(ctx context.Context, evt broker.Event) error {
		var msg events.NotificationCreated
		if err := json.Unmarshal(evt.Payload, &msg); err != nil {
			return err
		}
		announced <- msg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	require.NoError(t, pub.Publish(ctx, events.TaskCreated{ID: "t1", AuthorID: "u1", AssigneeIDs: []string{"u2"}}))

	select {
	case msg := <-announced:
		assert.Equal(t, "u2", msg.UserID)
		assert.Equal(t, "t1", msg.Notification.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification.created was not emitted")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
