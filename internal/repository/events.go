package repository

import (
	"context"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const eventsTable = "events"

var eventColumns = []string{
	"id", "entity_type", "entity_id", "action", "from_state", "to_state", "actor_id", "reason", "occurred_at",
}

// EventRepository is append-only: there is no update or delete.
type EventRepository interface {
	Append(ctx context.Context, e *entity.Event) error
	ListByEntity(ctx context.Context, entityType constants.EntityType, entityID int64) ([]*entity.Event, error)
	ListSince(ctx context.Context, afterID int64, limit int) ([]*entity.Event, error)
}

type eventRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewEventRepository(db *DB, logger *slog.Logger) EventRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventRepo{db: db, logger: logger}
}

func (r *eventRepo) Append(ctx context.Context, e *entity.Event) error {
	ib := r.db.builder().Insert(eventsTable).
		Columns("entity_type", "entity_id", "action", "from_state", "to_state", "actor_id", "reason", "occurred_at").
		Values(string(e.EntityType), e.EntityID, string(e.Action), e.FromState, e.ToState, e.ActorID, e.Reason, e.OccurredAt.UTC())
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		r.logger.Error("failed to append event", "entity_type", e.EntityType, "entity_id", e.EntityID, "action", e.Action, "error", err)
		return err
	}
	e.ID = id
	return nil
}

func (r *eventRepo) ListByEntity(ctx context.Context, entityType constants.EntityType, entityID int64) ([]*entity.Event, error) {
	b := r.db.builder()
	s := b.Select(eventColumns...).From(b.Table(eventsTable)).
		Where(entsql.And(entsql.EQ("entity_type", string(entityType)), entsql.EQ("entity_id", entityID))).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *eventRepo) ListSince(ctx context.Context, afterID int64, limit int) ([]*entity.Event, error) {
	b := r.db.builder()
	s := b.Select(eventColumns...).From(b.Table(eventsTable)).
		Where(entsql.GT("id", afterID)).
		OrderBy("id")
	if limit > 0 {
		s.Limit(limit)
	}
	return r.list(ctx, s)
}

func (r *eventRepo) list(ctx context.Context, s *entsql.Selector) ([]*entity.Event, error) {
	var out []*entity.Event
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var (
			e          entity.Event
			entityType string
			action     string
		)
		if err := rs.Scan(&e.ID, &entityType, &e.EntityID, &action, &e.FromState, &e.ToState, &e.ActorID, &e.Reason, &e.OccurredAt); err != nil {
			return err
		}
		e.EntityType = constants.EntityType(entityType)
		e.Action = constants.Action(action)
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, &e)
		return nil
	})
	return out, err
}
