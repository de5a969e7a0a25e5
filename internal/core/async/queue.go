package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names the handler a task is routed to.
type Kind string

const (
	KindExtraction Kind = "extraction"
	KindDraft      Kind = "draft"
	KindExport     Kind = "export"
)

// ErrClosed is returned by Enqueue once Shutdown has started.
var ErrClosed = errors.New("queue is shutting down")

// Task is the smallest useful unit of background work. EntityID is the row
// the handler drives (file, draft, export); RefID pins the exact input, such
// as the file version an extraction was triggered for.
type Task struct {
	Kind        Kind      `json:"kind"`
	EntityID    int64     `json:"entity_id"`
	RefID       int64     `json:"ref_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	TraceID     string    `json:"trace_id"`
}

// NewTask stamps a task with a submission time and trace id.
func NewTask(kind Kind, entityID, refID int64) Task {
	return Task{
		Kind:        kind,
		EntityID:    entityID,
		RefID:       refID,
		SubmittedAt: time.Now().UTC(),
		TraceID:     uuid.NewString(),
	}
}

type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Shutdown(ctx context.Context)
}

// Handler performs one task. Handlers record failures as entity state; the
// returned error is only logged.
type Handler func(ctx context.Context, task Task) error

// Router dispatches tasks to the handler registered for their kind.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, handlers: make(map[Kind]Handler)}
}

// Handle registers h for kind, replacing any previous handler.
func (r *Router) Handle(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Process runs the handler for task.
func (r *Router) Process(ctx context.Context, task Task) error {
	r.mu.RLock()
	h, ok := r.handlers[task.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for task kind %q", task.Kind)
	}
	start := time.Now()
	err := h(ctx, task)
	r.logger.Debug("task processed",
		"kind", task.Kind, "entity_id", task.EntityID, "trace_id", task.TraceID,
		"queued_for", start.Sub(task.SubmittedAt), "took", time.Since(start), "error", err)
	return err
}
