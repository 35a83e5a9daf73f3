package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"task-notifications/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	envelopeField = "envelope"
	rpcGroup      = "responders"
)

// RedisClient is the subset of *redis.Client used by the stream broker.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XGroupDestroy(ctx context.Context, stream, group string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisOptions struct {
	InstanceID    string
	Consumers     int
	ClaimIdle     time.Duration
	MaxDeliveries int64
	StreamMaxLen  int64
	Block         time.Duration
}

func (o *RedisOptions) setDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.Consumers < 1 {
		o.Consumers = 1
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = 30 * time.Second
	}
	if o.MaxDeliveries < 1 {
		o.MaxDeliveries = 5
	}
	if o.StreamMaxLen <= 0 {
		o.StreamMaxLen = 10000
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
}

// consumer reads one stream as a member of one consumer group. deliver
// returning nil acknowledges the entry.
type consumer struct {
	stream  string
	group   string
	deliver func(ctx context.Context, msg redis.XMessage) error
}

// Redis is a Broker on Redis Streams. Requests go to rpc:<topic>, events to
// event:<topic> and replies to the per-process stream reply:<instance>.
type Redis struct {
	client RedisClient
	logger *zap.Logger
	opts   RedisOptions
	newID  func() string
	now    func() time.Time

	mu        sync.Mutex
	started   bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	consumers []*consumer
	pending   map[string]chan Reply
	wg        sync.WaitGroup
}

func NewRedis(client RedisClient, logger *zap.Logger, opts RedisOptions) *Redis {
	opts.setDefaults()
	return &Redis{
		client:  client,
		logger:  logger.Named("broker.redis").With(zap.String("instance", opts.InstanceID)),
		opts:    opts,
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]chan Reply),
	}
}

func requestStream(topic string) string { return "rpc:" + topic }
func eventStream(topic string) string   { return "event:" + topic }

func (b *Redis) replyStream() string { return "reply:" + b.opts.InstanceID }

func (b *Redis) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.replyLoop(b.ctx)
	}()
	for _, c := range b.consumers {
		b.launch(c)
	}
	b.logger.Info("redis broker started", zap.Int("consumers", len(b.consumers)))
	return nil
}

func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	consumers := append([]*consumer(nil), b.consumers...)
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()

	ctx := context.Background()
	for _, c := range consumers {
		if !b.ownsGroup(c.group) {
			continue
		}
		if err := b.client.XGroupDestroy(ctx, c.stream, c.group).Err(); err != nil {
			b.logger.Warn("destroying consumer group", zap.String("stream", c.stream), zap.String("group", c.group), zap.Error(err))
		}
	}
	// The reply stream belongs to this process only.
	if err := b.client.Del(ctx, b.replyStream()).Err(); err != nil {
		b.logger.Warn("removing reply stream", zap.Error(err))
	}
	return nil
}

func (b *Redis) ownsGroup(group string) bool {
	return strings.HasSuffix(group, "-"+b.opts.InstanceID)
}

func (b *Redis) register(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, c)
	if b.started {
		b.launch(c)
	}
}

// launch starts the readers and the claim loop of c. Callers hold b.mu.
func (b *Redis) launch(c *consumer) {
	ctx := b.ctx
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.ensureGroup(ctx, c); err != nil {
			b.logger.Error("creating consumer group", zap.String("stream", c.stream), zap.String("group", c.group), zap.Error(err))
			return
		}
		var readers sync.WaitGroup
		for i := 0; i < b.opts.Consumers; i++ {
			name := fmt.Sprintf("%s-%d", b.opts.InstanceID, i)
			readers.Add(1)
			go func() {
				defer readers.Done()
				b.readLoop(ctx, c, name)
			}()
		}
		b.claimLoop(ctx, c, b.opts.InstanceID+"-claim")
		readers.Wait()
	}()
}

func (b *Redis) ensureGroup(ctx context.Context, c *consumer) error {
	err := b.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (b *Redis) readLoop(ctx context.Context, c *consumer, name string) {
	for ctx.Err() == nil {
		if err := b.consumeOnce(ctx, c, name); err != nil {
			b.logger.Warn("reading stream", zap.String("stream", c.stream), zap.String("group", c.group), zap.Error(err))
			sleep(ctx, time.Second)
		}
	}
}

// consumeOnce reads one batch of new entries for the group and delivers them.
func (b *Redis) consumeOnce(ctx context.Context, c *consumer, name string) error {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: name,
		Streams:  []string{c.stream, ">"},
		Count:    10,
		Block:    b.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			b.handleEntry(ctx, c, msg)
		}
	}
	return nil
}

func (b *Redis) handleEntry(ctx context.Context, c *consumer, msg redis.XMessage) {
	if err := c.deliver(ctx, msg); err != nil {
		b.logger.Warn("delivery failed, leaving entry pending",
			zap.String("stream", c.stream), zap.String("group", c.group), zap.String("entry", msg.ID), zap.Error(err))
		return
	}
	if err := b.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		b.logger.Warn("ack failed", zap.String("stream", c.stream), zap.String("entry", msg.ID), zap.Error(err))
	}
}

func (b *Redis) claimLoop(ctx context.Context, c *consumer, name string) {
	ticker := time.NewTicker(max(b.opts.ClaimIdle/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.reclaim(ctx, c, name); err != nil && ctx.Err() == nil {
				b.logger.Warn("reclaiming pending entries", zap.String("stream", c.stream), zap.Error(err))
			}
		}
	}
}

// reclaim takes over entries idle for longer than ClaimIdle and delivers them
// again. Entries delivered MaxDeliveries times are acknowledged and dropped.
func (b *Redis) reclaim(ctx context.Context, c *consumer, name string) error {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return err
	}

	var stale []string
	for _, p := range pending {
		if p.Idle < b.opts.ClaimIdle {
			continue
		}
		if p.RetryCount >= b.opts.MaxDeliveries {
			metrics.BrokerMessages.WithLabelValues(c.stream, "event", "dead").Inc()
			b.logger.Error("giving up on entry",
				zap.String("stream", c.stream), zap.String("group", c.group),
				zap.String("entry", p.ID), zap.Int64("deliveries", p.RetryCount))
			if err := b.client.XAck(ctx, c.stream, c.group, p.ID).Err(); err != nil {
				return err
			}
			continue
		}
		stale = append(stale, p.ID)
	}
	if len(stale) == 0 {
		return nil
	}

	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: name,
		MinIdle:  b.opts.ClaimIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		b.handleEntry(ctx, c, msg)
	}
	return nil
}

func envelope(msg redis.XMessage) ([]byte, error) {
	switch v := msg.Values[envelopeField].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, fmt.Errorf("entry %s has no %s field", msg.ID, envelopeField)
}

func (b *Redis) publish(ctx context.Context, stream string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.opts.StreamMaxLen,
		Approx: true,
		Values: []interface{}{envelopeField, string(body)},
	}).Err()
}

func (b *Redis) Handle(topic string, h Handler) {
	b.register(&consumer{
		stream: requestStream(topic),
		group:  rpcGroup,
		deliver: func(ctx context.Context, msg redis.XMessage) error {
			raw, err := envelope(msg)
			if err != nil {
				b.logger.Error("discarding malformed request", zap.String("topic", topic), zap.Error(err))
				return nil
			}
			var req Request
			if err := json.Unmarshal(raw, &req); err != nil {
				b.logger.Error("discarding undecodable request", zap.String("topic", topic), zap.Error(err))
				return nil
			}
			metrics.BrokerMessages.WithLabelValues(topic, "request", "ok").Inc()
			reply := invoke(ctx, h, req)
			if err := b.publish(ctx, req.ReplyTo, reply); err != nil {
				metrics.BrokerMessages.WithLabelValues(topic, "reply", "error").Inc()
				return fmt.Errorf("publishing reply: %w", err)
			}
			metrics.BrokerMessages.WithLabelValues(topic, "reply", "ok").Inc()
			return nil
		},
	})
}

func (b *Redis) Subscribe(topic, group string, h EventHandler) {
	b.register(&consumer{
		stream: eventStream(topic),
		group:  group,
		deliver: func(ctx context.Context, msg redis.XMessage) error {
			raw, err := envelope(msg)
			if err != nil {
				b.logger.Error("discarding malformed event", zap.String("topic", topic), zap.Error(err))
				return nil
			}
			var evt Event
			if err := json.Unmarshal(raw, &evt); err != nil {
				b.logger.Error("discarding undecodable event", zap.String("topic", topic), zap.Error(err))
				return nil
			}
			if err := h(ctx, evt); err != nil {
				metrics.BrokerMessages.WithLabelValues(topic, "event", "error").Inc()
				return err
			}
			metrics.BrokerMessages.WithLabelValues(topic, "event", "ok").Inc()
			return nil
		},
	})
}

func (b *Redis) Emit(ctx context.Context, topic string, payload interface{}) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	evt := Event{ID: b.newID(), Topic: topic, EmittedAt: b.now(), Payload: body}
	if err := b.publish(ctx, eventStream(topic), evt); err != nil {
		metrics.BrokerMessages.WithLabelValues(topic, "emit", "error").Inc()
		b.logger.Error("emit failed", zap.String("topic", topic), zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}
	metrics.BrokerMessages.WithLabelValues(topic, "emit", "ok").Inc()
	return nil
}

func (b *Redis) Send(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	body, err := encode(payload)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.SendDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds()) }()

	req := Request{ID: b.newID(), Topic: topic, ReplyTo: b.replyStream(), SentAt: b.now(), Payload: body}
	ch := make(chan Reply, 1)

	b.mu.Lock()
	if !b.started || b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: not running", ErrUnavailable)
	}
	b.pending[req.ID] = ch
	b.mu.Unlock()

	if err := b.publish(ctx, requestStream(topic), req); err != nil {
		b.forget(req.ID)
		metrics.BrokerMessages.WithLabelValues(topic, "send", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		metrics.BrokerMessages.WithLabelValues(topic, "send", "ok").Inc()
		return replyResult(topic, r)
	case <-timer.C:
		b.forget(req.ID)
		metrics.BrokerMessages.WithLabelValues(topic, "send", "timeout").Inc()
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, topic, timeout)
	case <-ctx.Done():
		b.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (b *Redis) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Redis) replyLoop(ctx context.Context) {
	lastID := "0-0"
	for ctx.Err() == nil {
		next, err := b.readReplies(ctx, lastID)
		if err != nil {
			b.logger.Warn("reading replies", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		lastID = next
	}
}

// readReplies reads one batch from the reply stream after lastID and
// resolves the matching pending calls. It returns the last id seen.
func (b *Redis) readReplies(ctx context.Context, lastID string) (string, error) {
	streams, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.replyStream(), lastID},
		Count:   64,
		Block:   b.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return lastID, nil
	}
	if err != nil {
		return lastID, err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			lastID = msg.ID
			raw, err := envelope(msg)
			if err != nil {
				b.logger.Warn("malformed reply", zap.Error(err))
				continue
			}
			var r Reply
			if err := json.Unmarshal(raw, &r); err != nil {
				b.logger.Warn("undecodable reply", zap.String("entry", msg.ID), zap.Error(err))
				continue
			}
			b.resolve(r)
		}
	}
	return lastID, nil
}

func (b *Redis) resolve(r Reply) {
	b.mu.Lock()
	ch, ok := b.pending[r.CorrelationID]
	delete(b.pending, r.CorrelationID)
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("dropping late reply", zap.String("correlation_id", r.CorrelationID))
		return
	}
	ch <- r
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
