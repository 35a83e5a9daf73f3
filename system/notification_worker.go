package system

import (
	"context"
	"errors"
	"sync"

	"task-notifications/broker"
	"task-notifications/events"
	"task-notifications/metrics"

	"go.uber.org/zap"
)

var ErrPoolStopped = errors.New("notification worker pool stopped")

type NotificationJob struct {
	Ctx   context.Context
	Event events.DomainEvent
	Done  chan Result
}

// NotificationWorkerPool bounds how many events the engine fans out at once.
type NotificationWorkerPool struct {
	Engine    *Engine
	JobQueue  chan NotificationJob
	NumWorker int
	logger    *zap.Logger

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	quit     chan struct{}
	quitOnce sync.Once
}

func NewNotificationWorkerPool(engine *Engine, numWorker, queueSize int, logger *zap.Logger) *NotificationWorkerPool {
	return &NotificationWorkerPool{
		Engine:    engine,
		JobQueue:  make(chan NotificationJob, queueSize),
		NumWorker: numWorker,
		logger:    logger.Named("workers"),
		quit:      make(chan struct{}),
	}
}

func (p *NotificationWorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.NumWorker; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop rejects new jobs, lets queued ones finish and waits for the workers.
func (p *NotificationWorkerPool) Stop() {
	p.quitOnce.Do(func() { close(p.quit) })
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.JobQueue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *NotificationWorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("worker shutting down", zap.Int("worker", id))
			return
		case job, ok := <-p.JobQueue:
			if !ok {
				p.logger.Debug("job queue closed", zap.Int("worker", id))
				return
			}
			job.Done <- p.Engine.Process(job.Ctx, job.Event)
		}
	}
}

// Submit queues evt and waits for its result.
func (p *NotificationWorkerPool) Submit(ctx context.Context, evt events.DomainEvent) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	job := NotificationJob{Ctx: ctx, Event: evt, Done: make(chan Result, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return Result{}, ErrPoolStopped
	}
	select {
	case p.JobQueue <- job:
	case <-ctx.Done():
		p.mu.RUnlock()
		return Result{}, ctx.Err()
	case <-p.quit:
		p.mu.RUnlock()
		return Result{}, ErrPoolStopped
	}
	p.mu.RUnlock()

	select {
	case res := <-job.Done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// HandleEvent is the broker subscription handler for domain topics. It
// returns an error only when the event was not processed, so the broker
// delivers it again.
func (p *NotificationWorkerPool) HandleEvent(ctx context.Context, msg broker.Event) error {
	evt, err := events.Decode(msg.Topic, msg.Payload)
	if err != nil {
		metrics.EventsProcessed.WithLabelValues(msg.Topic, "invalid").Inc()
		p.logger.Error("discarding undecodable event", zap.String("topic", msg.Topic), zap.String("event_id", msg.ID), zap.Error(err))
		return nil
	}

	res, err := p.Submit(ctx, evt)
	if err != nil {
		metrics.EventsProcessed.WithLabelValues(msg.Topic, "retry").Inc()
		return err
	}

	log := p.logger.With(
		zap.String("topic", msg.Topic),
		zap.String("event_id", msg.ID),
		zap.Int("created", len(res.Created)),
		zap.Int("failed", res.Failed),
	)
	if res.Err != nil {
		metrics.EventsProcessed.WithLabelValues(msg.Topic, "partial").Inc()
		log.Warn("event processed with failures", zap.Error(res.Err))
		return nil
	}
	metrics.EventsProcessed.WithLabelValues(msg.Topic, "ok").Inc()
	log.Info("event processed")
	return nil
}

// Subscribe attaches the pool to every domain topic under group.
func (p *NotificationWorkerPool) Subscribe(b broker.Broker, group string) {
	for _, topic := range events.DomainTopics {
		b.Subscribe(topic, group, p.HandleEvent)
	}
}
