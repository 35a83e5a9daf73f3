package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"task-notifications/broker"
	"task-notifications/common"
	"task-notifications/entity"
	"task-notifications/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func newTestClient(userID string, buffer int) *Client {
	c := NewClient(nil, buffer)
	c.UserID = userID
	return c
}

func TestHub_DeliverToLiveAndOfflineUsers(t *testing.T) {
	hub := runHub(t)
	c := newTestClient("u1", 4)
	hub.Register(c)

	assert.True(t, hub.Deliver("u1", []byte("hello")))
	assert.False(t, hub.Deliver("u2", []byte("hello")))
	assert.Equal(t, []byte("hello"), <-c.Send)
	assert.Equal(t, 1, hub.Count())
}

func TestHub_LastRegisterWins(t *testing.T) {
	hub := runHub(t)
	first := newTestClient("u1", 4)
	second := newTestClient("u1", 4)

	hub.Register(first)
	hub.Register(second)
	// the old socket closing late must not remove the new one
	hub.Unregister(first)

	require.True(t, hub.Deliver("u1", []byte("x")))
	assert.Len(t, second.Send, 1)
	assert.Empty(t, first.Send)
	assert.Equal(t, 1, hub.Count())

	hub.Unregister(second)
	assert.False(t, hub.Deliver("u1", []byte("y")))
	assert.Equal(t, 0, hub.Count())
}

func TestHub_FullBufferDropsPush(t *testing.T) {
	hub := runHub(t)
	c := newTestClient("u1", 1)
	hub.Register(c)

	assert.True(t, hub.Deliver("u1", []byte("one")))
	assert.False(t, hub.Deliver("u1", []byte("two")))
	assert.Equal(t, []byte("one"), <-c.Send)
}

func TestHub_StoppedHubDoesNotBlock(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	c := newTestClient("u1", 1)
	hub.Register(c)
	hub.Unregister(c)
	assert.False(t, hub.Deliver("u1", []byte("x")))
	assert.Equal(t, 0, hub.Count())
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := newTestClient("u1", 1)
	c.Close()
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestListener_PushesCreatedNotification(t *testing.T) {
	hub := runHub(t)
	c := newTestClient("u1", 4)
	hub.Register(c)
	l := NewListener(hub, zaptest.NewLogger(t))

	n := entity.Notification{ID: "n1", UserID: "u1", TaskID: "t1", Type: entity.TaskAssigned, CreatedAt: time.Now().UTC()}
	payload, err := json.Marshal(events.NotificationCreated{UserID: "u1", Notification: n})
	require.NoError(t, err)

	require.NoError(t, l.HandleCreated(context.Background(), broker.Event{ID: "e1", Payload: payload}))

	select {
	case raw := <-c.Send:
		var msg common.WSMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, common.EventNotification, msg.Event)
		var got entity.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "n1", got.ID)
		assert.Equal(t, entity.TaskAssigned, got.Type)
	case <-time.After(time.Second):
		t.Fatal("no push received")
	}
}

func TestListener_BroadcastReachesOnlyLiveUsers(t *testing.T) {
	hub := runHub(t)
	a := newTestClient("a", 4)
	b := newTestClient("b", 4)
	hub.Register(a)
	hub.Register(b)
	l := NewListener(hub, zaptest.NewLogger(t))

	payload, err := json.Marshal(events.NotificationBroadcast{
		UserIDs:      []string{"a", "b", "offline"},
		Notification: entity.Notification{ID: "n1", Type: entity.TaskStatusChanged},
	})
	require.NoError(t, err)
	require.NoError(t, l.HandleBroadcast(context.Background(), broker.Event{ID: "e1", Payload: payload}))

	assert.Len(t, a.Send, 1)
	assert.Len(t, b.Send, 1)
}

func TestListener_AcksUndecodableEvents(t *testing.T) {
	l := NewListener(runHub(t), zaptest.NewLogger(t))
	assert.NoError(t, l.HandleCreated(context.Background(), broker.Event{ID: "bad", Payload: []byte("{")}))
	assert.NoError(t, l.HandleBroadcast(context.Background(), broker.Event{ID: "bad", Payload: []byte("[")}))
}

func TestListener_SubscribesThroughBroker(t *testing.T) {
	hub := runHub(t)
	c := newTestClient("u1", 4)
	hub.Register(c)

	b := broker.NewMemory(zaptest.NewLogger(t), 3)
	NewListener(hub, zaptest.NewLogger(t)).Subscribe(b, "gateway-test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	pub := events.NewPublisher(b)
	require.NoError(t, pub.NotificationCreated(ctx, events.NotificationCreated{
		UserID:       "u1",
		Notification: entity.Notification{ID: "n9", UserID: "u1", Type: entity.TaskCommentAdded},
	}))

	select {
	case raw := <-c.Send:
		assert.Contains(t, string(raw), `"n9"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no push received")
	}
}
