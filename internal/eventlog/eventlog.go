// Package eventlog is the append-only audit sink every coordinator writes
// state transitions to. Committed entries are also fanned out to live
// subscribers.
package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

// Entry is one transition to record.
type Entry struct {
	EntityType constants.EntityType
	EntityID   int64
	Action     constants.Action
	FromState  string
	ToState    string
	// ActorID defaults to the actor carried by the context.
	ActorID int64
	Reason  string
}

// Recorder appends events and publishes them once their transaction commits.
type Recorder struct {
	db     *repository.DB
	events repository.EventRepository
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan entity.Event
	nextID int
}

func NewRecorder(db *repository.DB, events repository.EventRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		db:     db,
		events: events,
		logger: logger,
		subs:   make(map[int]chan entity.Event),
	}
}

// Record appends e. Inside a transaction the row commits or rolls back with
// the transition it describes.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	actor := e.ActorID
	if actor == 0 {
		actor = common.ActorFromContext(ctx)
	}
	ev := &entity.Event{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		FromState:  e.FromState,
		ToState:    e.ToState,
		ActorID:    actor,
		Reason:     e.Reason,
		OccurredAt: r.db.Now(),
	}
	if err := r.events.Append(ctx, ev); err != nil {
		return common.WrapError(err, "record event")
	}
	r.logger.Debug("event recorded",
		"entity_type", ev.EntityType, "entity_id", ev.EntityID, "action", ev.Action,
		"from", ev.FromState, "to", ev.ToState, "actor_id", ev.ActorID)

	r.db.AfterCommit(ctx, func() { r.publish(*ev) })
	return nil
}

// RecordRejected records an operation that was refused. It runs outside any
// transaction the caller rolled back, so the audit row survives.
func (r *Recorder) RecordRejected(ctx context.Context, e Entry, cause error) {
	e.ToState = e.FromState
	if e.Reason == "" && cause != nil {
		e.Reason = cause.Error()
	}
	if err := r.Record(context.WithoutCancel(repository.WithoutTx(ctx)), e); err != nil {
		r.logger.Error("failed to record rejected operation",
			"entity_type", e.EntityType, "entity_id", e.EntityID, "action", e.Action, "error", err)
	}
}

// Subscribe returns a channel of committed events and a cancel func. Slow
// subscribers miss events rather than block writers.
func (r *Recorder) Subscribe(buffer int) (<-chan entity.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan entity.Event, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// List returns the audit trail of one entity, oldest first.
func (r *Recorder) List(ctx context.Context, entityType constants.EntityType, entityID int64) ([]*entity.Event, error) {
	return r.events.ListByEntity(ctx, entityType, entityID)
}

// Since returns up to limit events with an id greater than afterID, for
// consumers that poll instead of subscribing.
func (r *Recorder) Since(ctx context.Context, afterID int64, limit int) ([]*entity.Event, error) {
	return r.events.ListSince(ctx, afterID, limit)
}

func (r *Recorder) publish(ev entity.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("event subscriber lagging, dropping event", "subscriber", id, "event_id", ev.ID)
		}
	}
}
