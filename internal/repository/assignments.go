package repository

import (
	"context"
	"database/sql"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const assignmentsTable = "assignments"

var assignmentColumns = []string{"id", "job_id", "user_id", "role", "active", "assigned_at", "superseded_at"}

type AssignmentRepository interface {
	Create(ctx context.Context, jobID, userID int64, role constants.Role) (*entity.Assignment, error)
	// Active returns the active assignment for (job, role), or nil.
	Active(ctx context.Context, jobID int64, role constants.Role) (*entity.Assignment, error)
	ListActive(ctx context.Context, jobID int64) ([]*entity.Assignment, error)
	ListByJob(ctx context.Context, jobID int64) ([]*entity.Assignment, error)
	Supersede(ctx context.Context, id int64) (bool, error)
}

type assignmentRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewAssignmentRepository(db *DB, logger *slog.Logger) AssignmentRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &assignmentRepo{db: db, logger: logger}
}

func (r *assignmentRepo) Create(ctx context.Context, jobID, userID int64, role constants.Role) (*entity.Assignment, error) {
	now := r.db.Now()
	ib := r.db.builder().Insert(assignmentsTable).
		Columns("job_id", "user_id", "role", "active", "assigned_at").
		Values(jobID, userID, string(role), true, now)
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		r.logger.Error("failed to create assignment", "job_id", jobID, "user_id", userID, "role", role, "error", err)
		return nil, err
	}
	return &entity.Assignment{ID: id, JobID: jobID, UserID: userID, Role: role, Active: true, AssignedAt: now}, nil
}

func (r *assignmentRepo) Active(ctx context.Context, jobID int64, role constants.Role) (*entity.Assignment, error) {
	b := r.db.builder()
	s := b.Select(assignmentColumns...).From(b.Table(assignmentsTable)).
		Where(entsql.And(
			entsql.EQ("job_id", jobID),
			entsql.EQ("role", string(role)),
			entsql.EQ("active", true),
		))
	out, err := r.list(ctx, s)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (r *assignmentRepo) ListActive(ctx context.Context, jobID int64) ([]*entity.Assignment, error) {
	b := r.db.builder()
	s := b.Select(assignmentColumns...).From(b.Table(assignmentsTable)).
		Where(entsql.And(entsql.EQ("job_id", jobID), entsql.EQ("active", true))).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *assignmentRepo) ListByJob(ctx context.Context, jobID int64) ([]*entity.Assignment, error) {
	b := r.db.builder()
	s := b.Select(assignmentColumns...).From(b.Table(assignmentsTable)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *assignmentRepo) Supersede(ctx context.Context, id int64) (bool, error) {
	u := r.db.builder().Update(assignmentsTable).
		Set("active", false).
		Set("superseded_at", r.db.Now()).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("active", true)))
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.logger.Error("failed to supersede assignment", "assignment_id", id, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *assignmentRepo) list(ctx context.Context, s *entsql.Selector) ([]*entity.Assignment, error) {
	var out []*entity.Assignment
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var (
			a          entity.Assignment
			role       string
			superseded sql.NullTime
		)
		if err := rs.Scan(&a.ID, &a.JobID, &a.UserID, &role, &a.Active, &a.AssignedAt, &superseded); err != nil {
			return err
		}
		a.Role = constants.Role(role)
		a.AssignedAt = a.AssignedAt.UTC()
		a.SupersededAt = nullTime(superseded)
		out = append(out, &a)
		return nil
	})
	return out, err
}
