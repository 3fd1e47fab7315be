package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DrainTimeout bounds how long queued events are still processed after shutdown.
const DrainTimeout = 30 * time.Second

// Handler processes one event.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Queue is a bounded event buffer served by a fixed set of workers.
type Queue struct {
	handler Handler
	events  chan Event
	workers int
	logger  *slog.Logger
	drain   time.Duration

	mu      sync.RWMutex
	stopped bool
}

// NewQueue creates a queue holding up to size events for the given number of workers.
func NewQueue(h Handler, workers, size int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		handler: h,
		events:  make(chan Event, size),
		workers: workers,
		logger:  logger.With("component", "pipeline_queue"),
		drain:   DrainTimeout,
	}
}

// Submit enqueues ev without blocking. It returns false and logs the drop
// when the queue is full or already shut down.
func (q *Queue) Submit(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		q.logger.Warn("Queue stopped, dropping event", "chat_id", ev.ChatID)
		return false
	}
	select {
	case q.events <- ev:
		return true
	default:
		q.logger.Warn("Queue full, dropping event", "chat_id", ev.ChatID, "capacity", cap(q.events))
		return false
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Run starts the workers and blocks until ctx is cancelled. Events queued
// at that moment are still handled, within DrainTimeout.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("Starting pipeline workers", "workers", q.workers, "capacity", cap(q.events))

	g, gCtx := errgroup.WithContext(ctx)
	for i := range q.workers {
		g.Go(func() error {
			q.work(gCtx, i)
			return nil
		})
	}
	<-ctx.Done()

	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.drain)
	defer cancel()
	drained := 0
drain:
	for {
		select {
		case ev := <-q.events:
			q.handle(drainCtx, ev)
			drained++
		default:
			break drain
		}
	}

	err := g.Wait()
	q.logger.Info("Pipeline workers stopped", "drained", drained)
	return err
}

// work handles events until ctx is done. An event already taken keeps
// running after ctx is cancelled, for at most the drain timeout.
func (q *Queue) work(ctx context.Context, id int) {
	log := q.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker stopping")
			return
		case ev := <-q.events:
			hctx, cancel := q.detach(ctx)
			q.handle(hctx, ev)
			cancel()
		}
	}
}

// detach returns a context that outlives ctx by the drain timeout.
func (q *Queue) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(q.drain, cancel)
	})
	return hctx, func() {
		stop()
		cancel()
	}
}

func (q *Queue) handle(ctx context.Context, ev Event) {
	start := time.Now()
	if err := q.handler.Handle(ctx, ev); err != nil {
		q.logger.ErrorContext(ctx, "Failed to process event", "chat_id", ev.ChatID, "error", err, "duration", time.Since(start))
		return
	}
	q.logger.DebugContext(ctx, "Processed event", "chat_id", ev.ChatID, "duration", time.Since(start))
}
