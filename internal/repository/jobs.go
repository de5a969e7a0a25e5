package repository

import (
	"context"
	"database/sql"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const jobsTable = "annotation_jobs"

var jobColumns = []string{
	"id", "project_id", "file_table_id", "status", "revision_count", "deleted_at", "created_at", "updated_at",
}

type AnnotationJobRepository interface {
	// InsertIfAbsent creates a not_started job for the table unless a live
	// job already covers it. It returns the new id and whether a row was
	// inserted.
	InsertIfAbsent(ctx context.Context, projectID, tableID int64) (int64, bool, error)
	Get(ctx context.Context, id int64) (*entity.AnnotationJob, error)
	ListByProject(ctx context.Context, projectID int64) ([]*entity.AnnotationJob, error)
	ListLiveByTables(ctx context.Context, tableIDs []int64) ([]*entity.AnnotationJob, error)
	Transition(ctx context.Context, id int64, from, to constants.JobStatus) (bool, error)
	// Reject moves a submitted job back to in_progress and bumps its revision count.
	Reject(ctx context.Context, id int64) (bool, error)
	SoftDelete(ctx context.Context, ids []int64) (int64, error)
}

type annotationJobRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewAnnotationJobRepository(db *DB, logger *slog.Logger) AnnotationJobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &annotationJobRepo{db: db, logger: logger}
}

func (r *annotationJobRepo) InsertIfAbsent(ctx context.Context, projectID, tableID int64) (int64, bool, error) {
	now := r.db.Now()
	ib := r.db.builder().Insert(jobsTable).
		Columns("project_id", "file_table_id", "status", "revision_count", "created_at", "updated_at").
		Values(projectID, tableID, string(constants.JobStatusNotStarted), 0, now, now)
	id, ok, err := r.db.insertIgnore(ctx, ib)
	if err != nil {
		r.logger.Error("failed to insert annotation job", "project_id", projectID, "table_id", tableID, "error", err)
		return 0, false, err
	}
	return id, ok, nil
}

func (r *annotationJobRepo) Get(ctx context.Context, id int64) (*entity.AnnotationJob, error) {
	b := r.db.builder()
	s := b.Select(jobColumns...).From(b.Table(jobsTable)).Where(entsql.EQ("id", id))
	out, err := r.list(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundError("annotation job", id)
	}
	return out[0], nil
}

func (r *annotationJobRepo) ListByProject(ctx context.Context, projectID int64) ([]*entity.AnnotationJob, error) {
	b := r.db.builder()
	s := b.Select(jobColumns...).From(b.Table(jobsTable)).
		Where(entsql.And(entsql.EQ("project_id", projectID), entsql.IsNull("deleted_at"))).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *annotationJobRepo) ListLiveByTables(ctx context.Context, tableIDs []int64) ([]*entity.AnnotationJob, error) {
	if len(tableIDs) == 0 {
		return nil, nil
	}
	b := r.db.builder()
	s := b.Select(jobColumns...).From(b.Table(jobsTable)).
		Where(entsql.And(entsql.In("file_table_id", int64Args(tableIDs)...), entsql.IsNull("deleted_at"))).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *annotationJobRepo) Transition(ctx context.Context, id int64, from, to constants.JobStatus) (bool, error) {
	u := r.db.builder().Update(jobsTable).
		Set("status", string(to)).
		Set("updated_at", r.db.Now()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(from)),
			entsql.IsNull("deleted_at"),
		))
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.logger.Error("failed to transition annotation job", "job_id", id, "from", from, "to", to, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *annotationJobRepo) Reject(ctx context.Context, id int64) (bool, error) {
	u := r.db.builder().Update(jobsTable).
		Set("status", string(constants.JobStatusInProgress)).
		Add("revision_count", 1).
		Set("updated_at", r.db.Now()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(constants.JobStatusSubmitted)),
			entsql.IsNull("deleted_at"),
		))
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.logger.Error("failed to reject annotation job", "job_id", id, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *annotationJobRepo) SoftDelete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := r.db.Now()
	u := r.db.builder().Update(jobsTable).
		Set("deleted_at", now).
		Set("updated_at", now).
		Where(entsql.And(entsql.In("id", int64Args(ids)...), entsql.IsNull("deleted_at")))
	return r.db.exec(ctx, u)
}

func (r *annotationJobRepo) list(ctx context.Context, s *entsql.Selector) ([]*entity.AnnotationJob, error) {
	var out []*entity.AnnotationJob
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var (
			j       entity.AnnotationJob
			tableID sql.NullInt64
			status  string
			deleted sql.NullTime
		)
		if err := rs.Scan(&j.ID, &j.ProjectID, &tableID, &status, &j.RevisionCount, &deleted, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return err
		}
		j.FileTableID = tableID.Int64
		j.Status = constants.JobStatus(status)
		j.DeletedAt = nullTime(deleted)
		j.CreatedAt = j.CreatedAt.UTC()
		j.UpdatedAt = j.UpdatedAt.UTC()
		out = append(out, &j)
		return nil
	})
	return out, err
}
