package async

import (
	"context"
	"log/slog"
	"sync"
)

// ManualQueue holds tasks until Drain is called. Tests use it to observe
// entities before and after their background work runs.
type ManualQueue struct {
	router *Router
	logger *slog.Logger

	mu      sync.Mutex
	pending []Task
	closed  bool
}

func NewManualQueue(router *Router, logger *slog.Logger) *ManualQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManualQueue{router: router, logger: logger}
}

func (q *ManualQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, task)
	return nil
}

// Pending returns a copy of the tasks not yet run.
func (q *ManualQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.pending...)
}

// Drain runs queued tasks in order, including tasks enqueued while
// draining, and returns how many ran. Handler errors are logged.
func (q *ManualQueue) Drain(ctx context.Context) int {
	ran := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return ran
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.router.Process(ctx, task); err != nil {
			q.logger.Error("task failed", "kind", task.Kind, "entity_id", task.EntityID, "error", err)
		}
		ran++
	}
}

func (q *ManualQueue) Shutdown(_ context.Context) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// InlineQueue runs each task synchronously inside Enqueue.
type InlineQueue struct {
	router *Router
	logger *slog.Logger
}

func NewInlineQueue(router *Router, logger *slog.Logger) *InlineQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &InlineQueue{router: router, logger: logger}
}

// Enqueue runs the task and logs its error; the error is not returned
// because the producer only cares whether the task was accepted.
func (q *InlineQueue) Enqueue(ctx context.Context, task Task) error {
	if err := q.router.Process(ctx, task); err != nil {
		q.logger.Error("task failed", "kind", task.Kind, "entity_id", task.EntityID, "error", err)
	}
	return nil
}

func (q *InlineQueue) Shutdown(context.Context) {}
