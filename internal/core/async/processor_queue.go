package async

import (
	"context"
	"sync"
	"time"

	"log/slog"
)

// ProcessorQueue runs tasks on a fixed pool of in-process workers fed by a
// bounded channel.
type ProcessorQueue struct {
	router  *Router
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once

	// ch is closed only after every in-flight Enqueue has returned
	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	sending sync.WaitGroup
}

type Option func(*ProcessorQueue)

func WithWorkers(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.ch = make(chan Task, n)
		}
	}
}
func WithProcessTimeout(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewProcessorQueue(router *Router, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ProcessorQueue{
		router:  router,
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
		ch:      make(chan Task, 256),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *ProcessorQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for task := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					err := q.router.Process(ctx, task)
					cancel()

					if err != nil {
						q.logger.Error("task failed", "worker_id", workerID, "kind", task.Kind, "entity_id", task.EntityID, "trace_id", task.TraceID, "error", err)
					} else {
						q.logger.Info("task done", "worker_id", workerID, "kind", task.Kind, "entity_id", task.EntityID, "trace_id", task.TraceID)
					}
				}

				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue blocks while the buffer is full, until ctx is done or Shutdown
// starts.
func (q *ProcessorQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("cannot enqueue: queue is shutting down", "kind", task.Kind, "entity_id", task.EntityID)
		return ErrClosed
	}
	q.sending.Add(1)
	q.mu.Unlock()
	defer q.sending.Done()

	select {
	case q.ch <- task:
		q.logger.Info("queued task", "kind", task.Kind, "entity_id", task.EntityID, "trace_id", task.TraceID)
		return nil
	default:
	}

	q.logger.Warn("queue full, applying backpressure", "kind", task.Kind, "entity_id", task.EntityID)
	select {
	case q.ch <- task:
		return nil
	case <-q.stop:
		q.logger.Warn("enqueue abandoned: queue is shutting down", "kind", task.Kind, "entity_id", task.EntityID)
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ProcessorQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()
	q.sending.Wait()
	close(q.ch)

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
