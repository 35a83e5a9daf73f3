package ws

import (
	"context"
	"sync"

	"task-notifications/common"
	"task-notifications/metrics"

	"go.uber.org/zap"
)

type Client struct {
	Conn   *common.WSConn
	UserID string
	Send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *common.WSConn, buffer int) *Client {
	return &Client{
		Conn: conn,
		Send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Close stops the client's writer. Send is never closed, so late pushes
// cannot panic.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

type push struct {
	userID string
	msg    []byte
	result chan bool
}

// Hub owns the presence map: at most one client per user, last register
// wins. All access goes through Run.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	deliver    chan push
	count      chan chan int
	stopped    chan struct{}
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan push),
		count:      make(chan chan int),
		stopped:    make(chan struct{}),
		logger:     logger.Named("hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			if old, ok := h.clients[client.UserID]; ok && old != client {
				h.logger.Info("replacing connection", zap.String("user_id", client.UserID))
			}
			h.clients[client.UserID] = client
			metrics.WSConnections.Set(float64(len(h.clients)))
		case client := <-h.unregister:
			// a stale connection must not evict a newer one
			if cur, ok := h.clients[client.UserID]; ok && cur == client {
				delete(h.clients, client.UserID)
				metrics.WSConnections.Set(float64(len(h.clients)))
			}
		case p := <-h.deliver:
			p.result <- h.push(p.userID, p.msg)
		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *Hub) push(userID string, msg []byte) bool {
	client, ok := h.clients[userID]
	if !ok {
		metrics.Pushes.WithLabelValues("offline").Inc()
		return false
	}
	select {
	case client.Send <- msg:
		metrics.Pushes.WithLabelValues("delivered").Inc()
		return true
	default:
		metrics.Pushes.WithLabelValues("dropped").Inc()
		h.logger.Warn("send buffer full, dropping push", zap.String("user_id", userID))
		return false
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Deliver queues msg for userID's live connection. It reports false when
// the user is offline or the connection is too slow to take it.
func (h *Hub) Deliver(userID string, msg []byte) bool {
	p := push{userID: userID, msg: msg, result: make(chan bool, 1)}
	select {
	case h.deliver <- p:
	case <-h.stopped:
		return false
	}
	return <-p.result
}

func (h *Hub) Count() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-h.stopped:
		return 0
	}
	return <-reply
}
