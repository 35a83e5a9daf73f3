package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"task-notifications/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type delivery struct {
	event   Event
	attempt int
}

// Memory is an in-process Broker. Request queues and group queues are
// buffered channels; a full queue counts as the broker being unavailable.
type Memory struct {
	logger        *zap.Logger
	maxDeliveries int
	queueSize     int
	newID         func() string
	now           func() time.Time

	mu       sync.Mutex
	started  bool
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	requests map[string]chan Request
	groups   map[string]map[string]chan delivery
	pending  map[string]chan Reply
	deferred []func()
	wg       sync.WaitGroup
}

func NewMemory(logger *zap.Logger, maxDeliveries int) *Memory {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	return &Memory{
		logger:        logger.Named("broker.memory"),
		maxDeliveries: maxDeliveries,
		queueSize:     1024,
		newID:         uuid.NewString,
		now:           func() time.Time { return time.Now().UTC() },
		requests:      make(map[string]chan Request),
		groups:        make(map[string]map[string]chan delivery),
		pending:       make(map[string]chan Reply),
	}
}

func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	for _, run := range m.deferred {
		run()
	}
	m.deferred = nil
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return nil
}

// spawn runs fn now if the broker is started, otherwise on Start.
// Callers hold m.mu.
func (m *Memory) spawn(fn func(ctx context.Context)) {
	run := func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			fn(m.ctx)
		}()
	}
	if m.started {
		run()
		return
	}
	m.deferred = append(m.deferred, run)
}

func (m *Memory) requestQueue(topic string) chan Request {
	q, ok := m.requests[topic]
	if !ok {
		q = make(chan Request, m.queueSize)
		m.requests[topic] = q
	}
	return q
}

func (m *Memory) Handle(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.requestQueue(topic)
	m.spawn(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-q:
				metrics.BrokerMessages.WithLabelValues(topic, "request", "ok").Inc()
				m.reply(invoke(ctx, h, req))
			}
		}
	})
}

func (m *Memory) reply(r Reply) {
	m.mu.Lock()
	ch, ok := m.pending[r.CorrelationID]
	delete(m.pending, r.CorrelationID)
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("dropping late reply", zap.String("correlation_id", r.CorrelationID))
		return
	}
	ch <- r
}

func (m *Memory) Send(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	body, err := encode(payload)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.SendDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds()) }()

	req := Request{ID: m.newID(), Topic: topic, ReplyTo: "memory", SentAt: m.now(), Payload: body}
	ch := make(chan Reply, 1)

	m.mu.Lock()
	if !m.started || m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: not running", ErrUnavailable)
	}
	m.pending[req.ID] = ch
	q := m.requestQueue(topic)
	m.mu.Unlock()

	select {
	case q <- req:
	default:
		m.forget(req.ID)
		metrics.BrokerMessages.WithLabelValues(topic, "send", "error").Inc()
		return nil, fmt.Errorf("%w: request queue for %s is full", ErrUnavailable, topic)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		metrics.BrokerMessages.WithLabelValues(topic, "send", "ok").Inc()
		return replyResult(topic, r)
	case <-timer.C:
		m.forget(req.ID)
		metrics.BrokerMessages.WithLabelValues(topic, "send", "timeout").Inc()
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, topic, timeout)
	case <-ctx.Done():
		m.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (m *Memory) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Memory) Subscribe(topic, group string, h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byGroup, ok := m.groups[topic]
	if !ok {
		byGroup = make(map[string]chan delivery)
		m.groups[topic] = byGroup
	}
	q, ok := byGroup[group]
	if !ok {
		q = make(chan delivery, m.queueSize)
		byGroup[group] = q
	}
	m.spawn(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-q:
				m.consume(ctx, q, group, h, d)
			}
		}
	})
}

func (m *Memory) consume(ctx context.Context, q chan delivery, group string, h EventHandler, d delivery) {
	err := h(ctx, d.event)
	if err == nil {
		metrics.BrokerMessages.WithLabelValues(d.event.Topic, "event", "ok").Inc()
		return
	}
	log := m.logger.With(
		zap.String("topic", d.event.Topic),
		zap.String("group", group),
		zap.String("event_id", d.event.ID),
		zap.Int("attempt", d.attempt),
		zap.Error(err),
	)
	if d.attempt >= m.maxDeliveries {
		metrics.BrokerMessages.WithLabelValues(d.event.Topic, "event", "dead").Inc()
		log.Error("giving up on event")
		return
	}
	metrics.BrokerMessages.WithLabelValues(d.event.Topic, "event", "error").Inc()
	log.Warn("event handler failed, redelivering")
	next := delivery{event: d.event, attempt: d.attempt + 1}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case q <- next:
		case <-ctx.Done():
		}
	}()
}

func (m *Memory) Emit(ctx context.Context, topic string, payload interface{}) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	evt := Event{ID: m.newID(), Topic: topic, EmittedAt: m.now(), Payload: body}

	m.mu.Lock()
	queues := make(map[string]chan delivery, len(m.groups[topic]))
	for g, q := range m.groups[topic] {
		queues[g] = q
	}
	m.mu.Unlock()

	for group, q := range queues {
		select {
		case q <- delivery{event: evt, attempt: 1}:
			metrics.BrokerMessages.WithLabelValues(topic, "emit", "ok").Inc()
		default:
			metrics.BrokerMessages.WithLabelValues(topic, "emit", "dropped").Inc()
			m.logger.Warn("group queue full, dropping event",
				zap.String("topic", topic), zap.String("group", group), zap.String("event_id", evt.ID))
		}
	}
	return nil
}
