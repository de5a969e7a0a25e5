package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const (
	exportsTable       = "export_logs"
	exportedFilesTable = "exported_files"
)

var exportColumns = []string{
	"id", "project_id", "format", "options", "status", "requested_at",
	"completed_at", "artifact_pointer", "artifact_size", "failure_reason",
}

type ExportRepository interface {
	Create(ctx context.Context, projectID int64, format constants.ExportFormat, options json.RawMessage) (*entity.ExportLog, error)
	// AddSnapshot records the file versions an export captured. Rows are
	// never updated afterwards.
	AddSnapshot(ctx context.Context, exportID int64, versionIDs []int64) error
	Get(ctx context.Context, id int64) (*entity.ExportLog, error)
	ListByProject(ctx context.Context, projectID int64) ([]*entity.ExportLog, error)
	SnapshotVersionIDs(ctx context.Context, exportID int64) ([]int64, error)
	// ExportsForVersion is the derived reverse lookup from a version to
	// the exports that captured it.
	ExportsForVersion(ctx context.Context, versionID int64) ([]*entity.ExportLog, error)
	// ListInFlight returns pending and processing exports, oldest first.
	ListInFlight(ctx context.Context) ([]*entity.ExportLog, error)
	MarkProcessing(ctx context.Context, id int64) (bool, error)
	MarkCompleted(ctx context.Context, id int64, pointer string, size int64) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)
}

type exportRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewExportRepository(db *DB, logger *slog.Logger) ExportRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &exportRepo{db: db, logger: logger}
}

func (r *exportRepo) Create(ctx context.Context, projectID int64, format constants.ExportFormat, options json.RawMessage) (*entity.ExportLog, error) {
	if len(options) == 0 {
		options = json.RawMessage("{}")
	}
	now := r.db.Now()
	ib := r.db.builder().Insert(exportsTable).
		Columns("project_id", "format", "options", "status", "requested_at").
		Values(projectID, string(format), string(options), string(constants.ExportStatusPending), now)
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		r.logger.Error("failed to create export log", "project_id", projectID, "format", format, "error", err)
		return nil, err
	}
	return &entity.ExportLog{
		ID:          id,
		ProjectID:   projectID,
		Format:      format,
		Options:     options,
		Status:      constants.ExportStatusPending,
		RequestedAt: now,
	}, nil
}

func (r *exportRepo) AddSnapshot(ctx context.Context, exportID int64, versionIDs []int64) error {
	if len(versionIDs) == 0 {
		return nil
	}
	ib := r.db.builder().Insert(exportedFilesTable).Columns("export_id", "file_version_id")
	for _, vid := range versionIDs {
		ib.Values(exportID, vid)
	}
	if _, err := r.db.exec(ctx, ib); err != nil {
		r.logger.Error("failed to snapshot export files", "export_id", exportID, "count", len(versionIDs), "error", err)
		return err
	}
	return nil
}

func (r *exportRepo) Get(ctx context.Context, id int64) (*entity.ExportLog, error) {
	b := r.db.builder()
	s := b.Select(exportColumns...).From(b.Table(exportsTable)).Where(entsql.EQ("id", id))
	out, err := r.list(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundError("export", id)
	}
	return out[0], nil
}

func (r *exportRepo) ListByProject(ctx context.Context, projectID int64) ([]*entity.ExportLog, error) {
	b := r.db.builder()
	s := b.Select(exportColumns...).From(b.Table(exportsTable)).
		Where(entsql.EQ("project_id", projectID)).
		OrderBy(entsql.Desc("id"))
	return r.list(ctx, s)
}

func (r *exportRepo) SnapshotVersionIDs(ctx context.Context, exportID int64) ([]int64, error) {
	b := r.db.builder()
	s := b.Select("file_version_id").From(b.Table(exportedFilesTable)).
		Where(entsql.EQ("export_id", exportID)).
		OrderBy("file_version_id")
	var ids []int64
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var id int64
		if err := rs.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

func (r *exportRepo) ExportsForVersion(ctx context.Context, versionID int64) ([]*entity.ExportLog, error) {
	b := r.db.builder()
	s := b.Select("export_id").From(b.Table(exportedFilesTable)).
		Where(entsql.EQ("file_version_id", versionID))
	var ids []int64
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var id int64
		if err := rs.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	logs := b.Select(exportColumns...).From(b.Table(exportsTable)).
		Where(entsql.In("id", int64Args(ids)...)).
		OrderBy("id")
	return r.list(ctx, logs)
}

func (r *exportRepo) ListInFlight(ctx context.Context) ([]*entity.ExportLog, error) {
	b := r.db.builder()
	s := b.Select(exportColumns...).From(b.Table(exportsTable)).
		Where(entsql.In("status", string(constants.ExportStatusPending), string(constants.ExportStatusProcessing))).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *exportRepo) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	u := r.db.builder().Update(exportsTable).
		Set("status", string(constants.ExportStatusProcessing)).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(constants.ExportStatusPending))))
	return r.affected(ctx, u, id)
}

func (r *exportRepo) MarkCompleted(ctx context.Context, id int64, pointer string, size int64) (bool, error) {
	u := r.db.builder().Update(exportsTable).
		Set("status", string(constants.ExportStatusCompleted)).
		Set("artifact_pointer", pointer).
		Set("artifact_size", size).
		Set("completed_at", r.db.Now()).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(constants.ExportStatusProcessing))))
	return r.affected(ctx, u, id)
}

func (r *exportRepo) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	u := r.db.builder().Update(exportsTable).
		Set("status", string(constants.ExportStatusFailed)).
		Set("failure_reason", reason).
		Set("completed_at", r.db.Now()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.In("status", string(constants.ExportStatusPending), string(constants.ExportStatusProcessing)),
		))
	return r.affected(ctx, u, id)
}

func (r *exportRepo) affected(ctx context.Context, u *entsql.UpdateBuilder, id int64) (bool, error) {
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.logger.Error("failed to update export log", "export_id", id, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *exportRepo) list(ctx context.Context, s *entsql.Selector) ([]*entity.ExportLog, error) {
	var out []*entity.ExportLog
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var (
			e         entity.ExportLog
			format    string
			options   []byte
			status    string
			completed sql.NullTime
			pointer   sql.NullString
			size      sql.NullInt64
			reason    sql.NullString
		)
		if err := rs.Scan(&e.ID, &e.ProjectID, &format, &options, &status, &e.RequestedAt, &completed, &pointer, &size, &reason); err != nil {
			return err
		}
		e.Format = constants.ExportFormat(format)
		e.Options = json.RawMessage(options)
		e.Status = constants.ExportStatus(status)
		e.RequestedAt = e.RequestedAt.UTC()
		e.CompletedAt = nullTime(completed)
		e.ArtifactPointer = nullString(pointer)
		e.ArtifactSize = nullInt64(size)
		e.FailureReason = nullString(reason)
		out = append(out, &e)
		return nil
	})
	return out, err
}
