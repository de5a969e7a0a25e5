package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const filesTable = "files"

var fileColumns = []string{
	"id", "project_id", "name", "status", "active_version_id",
	"failure_reason", "deleted_at", "created_at", "updated_at",
}

// FileRepository persists File rows. Status writes are conditional updates;
// the bool result reports whether the row was in the expected state.
type FileRepository interface {
	Create(ctx context.Context, projectID int64, name string) (*entity.File, error)
	Get(ctx context.Context, id int64) (*entity.File, error)
	FindActiveByName(ctx context.Context, projectID int64, name string) (*entity.File, error)
	ListActive(ctx context.Context, projectID int64) ([]*entity.File, error)
	// ListByStatus returns files of every project in status, deleted ones
	// included, oldest update first.
	ListByStatus(ctx context.Context, status constants.FileStatus) ([]*entity.File, error)
	// Lock takes a row lock on the file for the rest of the transaction.
	Lock(ctx context.Context, id int64) error
	ActivateVersion(ctx context.Context, id, versionID int64) (bool, error)
	MarkProcessing(ctx context.Context, id int64) (bool, error)
	MarkCompleted(ctx context.Context, id, versionID int64) (bool, error)
	MarkFailed(ctx context.Context, id, versionID int64, reason string) (bool, error)
	SoftDelete(ctx context.Context, id int64) (bool, error)
}

type fileRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewFileRepository(db *DB, logger *slog.Logger) FileRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileRepo{
		db:     db,
		logger: logger,
	}
}

func (r *fileRepo) Create(ctx context.Context, projectID int64, name string) (*entity.File, error) {
	now := r.db.Now()
	ib := r.db.builder().Insert(filesTable).
		Columns("project_id", "name", "status", "created_at", "updated_at").
		Values(projectID, name, string(constants.FileStatusPending), now, now)
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		if !errors.Is(err, ErrDuplicate) {
			r.logger.Error("failed to create file", "project_id", projectID, "name", name, "error", err)
		}
		return nil, err
	}
	return &entity.File{
		ID:        id,
		ProjectID: projectID,
		Name:      name,
		Status:    constants.FileStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *fileRepo) Get(ctx context.Context, id int64) (*entity.File, error) {
	b := r.db.builder()
	s := b.Select(fileColumns...).From(b.Table(filesTable)).Where(entsql.EQ("id", id))
	f, err := r.one(ctx, s)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, common.NotFoundError("file", id)
	}
	return f, nil
}

func (r *fileRepo) FindActiveByName(ctx context.Context, projectID int64, name string) (*entity.File, error) {
	b := r.db.builder()
	s := b.Select(fileColumns...).From(b.Table(filesTable)).
		Where(entsql.And(
			entsql.EQ("project_id", projectID),
			entsql.EQ("name", name),
			entsql.IsNull("deleted_at"),
		))
	f, err := r.one(ctx, s)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &common.AppError{Kind: common.KindNotFound, Code: "NOT_FOUND", Message: "no active file named " + name}
	}
	return f, nil
}

func (r *fileRepo) ListActive(ctx context.Context, projectID int64) ([]*entity.File, error) {
	b := r.db.builder()
	s := b.Select(fileColumns...).From(b.Table(filesTable)).
		Where(entsql.And(entsql.EQ("project_id", projectID), entsql.IsNull("deleted_at"))).
		OrderBy("id")
	var out []*entity.File
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		f, err := scanFile(rs)
		if err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		r.logger.Error("failed to list files", "project_id", projectID, "error", err)
		return nil, err
	}
	return out, nil
}

func (r *fileRepo) ListByStatus(ctx context.Context, status constants.FileStatus) ([]*entity.File, error) {
	b := r.db.builder()
	s := b.Select(fileColumns...).From(b.Table(filesTable)).
		Where(entsql.EQ("status", string(status))).
		OrderBy("updated_at", "id")
	var out []*entity.File
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		f, err := scanFile(rs)
		if err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		r.logger.Error("failed to list files by status", "status", status, "error", err)
		return nil, err
	}
	return out, nil
}

// Lock is SELECT ... FOR UPDATE on Postgres. SQLite runs every statement on
// one connection, so there the transaction already excludes other writers
// and Lock only checks the row exists.
func (r *fileRepo) Lock(ctx context.Context, id int64) error {
	b := r.db.builder()
	s := b.Select("id").From(b.Table(filesTable)).Where(entsql.EQ("id", id))
	if r.db.Dialect() == dialect.Postgres {
		s.ForUpdate()
	}
	found := false
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		found = true
		var got int64
		return rs.Scan(&got)
	})
	if err != nil {
		r.logger.Error("failed to lock file", "file_id", id, "error", err)
		return err
	}
	if !found {
		return common.NotFoundError("file", id)
	}
	return nil
}

// ActivateVersion points the file at versionID and resets it to pending.
// Rejected for deleted files and while an extraction is in flight.
func (r *fileRepo) ActivateVersion(ctx context.Context, id, versionID int64) (bool, error) {
	u := r.db.builder().Update(filesTable).
		Set("active_version_id", versionID).
		Set("status", string(constants.FileStatusPending)).
		SetNull("failure_reason").
		Set("updated_at", r.db.Now()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.IsNull("deleted_at"),
			entsql.NEQ("status", string(constants.FileStatusProcessing)),
		))
	return r.affected(ctx, u, "activate version", id)
}

// MarkProcessing is the single entry into processing: any non-processing,
// non-deleted file with an active version may move there.
func (r *fileRepo) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	u := r.db.builder().Update(filesTable).
		Set("status", string(constants.FileStatusProcessing)).
		SetNull("failure_reason").
		Set("updated_at", r.db.Now()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.IsNull("deleted_at"),
			entsql.NotNull("active_version_id"),
			entsql.NEQ("status", string(constants.FileStatusProcessing)),
		))
	return r.affected(ctx, u, "mark processing", id)
}

func (r *fileRepo) MarkCompleted(ctx context.Context, id, versionID int64) (bool, error) {
	u := r.db.builder().Update(filesTable).
		Set("status", string(constants.FileStatusCompleted)).
		Set("updated_at", r.db.Now()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("active_version_id", versionID),
			entsql.EQ("status", string(constants.FileStatusProcessing)),
		))
	return r.affected(ctx, u, "mark completed", id)
}

func (r *fileRepo) MarkFailed(ctx context.Context, id, versionID int64, reason string) (bool, error) {
	u := r.db.builder().Update(filesTable).
		Set("status", string(constants.FileStatusFailed)).
		Set("failure_reason", reason).
		Set("updated_at", r.db.Now()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("active_version_id", versionID),
			entsql.EQ("status", string(constants.FileStatusProcessing)),
		))
	return r.affected(ctx, u, "mark failed", id)
}

func (r *fileRepo) SoftDelete(ctx context.Context, id int64) (bool, error) {
	now := r.db.Now()
	u := r.db.builder().Update(filesTable).
		Set("deleted_at", now).
		Set("updated_at", now).
		Where(entsql.And(entsql.EQ("id", id), entsql.IsNull("deleted_at")))
	return r.affected(ctx, u, "soft delete", id)
}

func (r *fileRepo) affected(ctx context.Context, u *entsql.UpdateBuilder, op string, id int64) (bool, error) {
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.logger.Error("file update failed", "op", op, "file_id", id, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *fileRepo) one(ctx context.Context, s *entsql.Selector) (*entity.File, error) {
	var f *entity.File
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var err error
		f, err = scanFile(rs)
		return err
	})
	return f, err
}

func scanFile(rs rowScanner) (*entity.File, error) {
	var (
		f       entity.File
		status  string
		active  sql.NullInt64
		reason  sql.NullString
		deleted sql.NullTime
	)
	if err := rs.Scan(&f.ID, &f.ProjectID, &f.Name, &status, &active, &reason, &deleted, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = constants.FileStatus(status)
	f.ActiveVersionID = nullInt64(active)
	f.FailureReason = nullString(reason)
	f.DeletedAt = nullTime(deleted)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}
