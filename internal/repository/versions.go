package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const versionsTable = "file_versions"

var versionColumns = []string{
	"id", "file_id", "version_number", "storage_pointer", "size_bytes", "content_sha256",
	"mime_type", "page_count", "table_count", "metadata_schema_version", "extracted_at", "created_at",
}

type FileVersionRepository interface {
	// Create inserts the next version of fileID. Call it inside a transaction.
	Create(ctx context.Context, fileID int64, storagePointer string, size int64, sha256, mimeType string) (*entity.FileVersion, error)
	Get(ctx context.Context, id int64) (*entity.FileVersion, error)
	ListByFile(ctx context.Context, fileID int64) ([]*entity.FileVersion, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*entity.FileVersion, error)
	// SetExtraction overwrites the extraction metadata of a version.
	SetExtraction(ctx context.Context, id int64, meta entity.ExtractionMetadata, at time.Time) error
}

type fileVersionRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewFileVersionRepository(db *DB, logger *slog.Logger) FileVersionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileVersionRepo{db: db, logger: logger}
}

func (r *fileVersionRepo) Create(ctx context.Context, fileID int64, storagePointer string, size int64, sha256, mimeType string) (*entity.FileVersion, error) {
	next, err := r.nextNumber(ctx, fileID)
	if err != nil {
		return nil, err
	}
	now := r.db.Now()
	ib := r.db.builder().Insert(versionsTable).
		Columns("file_id", "version_number", "storage_pointer", "size_bytes", "content_sha256", "mime_type", "created_at").
		Values(fileID, next, storagePointer, size, sha256, mimeType, now)
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		r.logger.Error("failed to create file version", "file_id", fileID, "version_number", next, "error", err)
		return nil, err
	}
	return &entity.FileVersion{
		ID:             id,
		FileID:         fileID,
		VersionNumber:  next,
		StoragePointer: storagePointer,
		SizeBytes:      size,
		ContentSHA256:  sha256,
		MimeType:       mimeType,
		CreatedAt:      now,
	}, nil
}

func (r *fileVersionRepo) nextNumber(ctx context.Context, fileID int64) (int, error) {
	b := r.db.builder()
	s := b.Select("version_number").From(b.Table(versionsTable)).
		Where(entsql.EQ("file_id", fileID)).
		OrderBy(entsql.Desc("version_number")).
		Limit(1)
	last := 0
	err := r.db.query(ctx, s, func(rs rowScanner) error { return rs.Scan(&last) })
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (r *fileVersionRepo) Get(ctx context.Context, id int64) (*entity.FileVersion, error) {
	b := r.db.builder()
	s := b.Select(versionColumns...).From(b.Table(versionsTable)).Where(entsql.EQ("id", id))
	out, err := r.list(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundError("file version", id)
	}
	return out[0], nil
}

func (r *fileVersionRepo) ListByFile(ctx context.Context, fileID int64) ([]*entity.FileVersion, error) {
	b := r.db.builder()
	s := b.Select(versionColumns...).From(b.Table(versionsTable)).
		Where(entsql.EQ("file_id", fileID)).
		OrderBy("version_number")
	return r.list(ctx, s)
}

func (r *fileVersionRepo) ListByIDs(ctx context.Context, ids []int64) ([]*entity.FileVersion, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b := r.db.builder()
	s := b.Select(versionColumns...).From(b.Table(versionsTable)).
		Where(entsql.In("id", int64Args(ids)...)).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *fileVersionRepo) SetExtraction(ctx context.Context, id int64, meta entity.ExtractionMetadata, at time.Time) error {
	u := r.db.builder().Update(versionsTable).
		Set("page_count", meta.PageCount).
		Set("table_count", meta.TableCount).
		Set("metadata_schema_version", meta.SchemaVersion).
		Set("extracted_at", at).
		Where(entsql.EQ("id", id))
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.logger.Error("failed to store extraction metadata", "version_id", id, "error", err)
		return err
	}
	if n == 0 {
		return common.NotFoundError("file version", id)
	}
	return nil
}

func (r *fileVersionRepo) list(ctx context.Context, s *entsql.Selector) ([]*entity.FileVersion, error) {
	var out []*entity.FileVersion
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		v, err := scanVersion(rs)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func scanVersion(rs rowScanner) (*entity.FileVersion, error) {
	var (
		v             entity.FileVersion
		pageCount     sql.NullInt64
		tableCount    sql.NullInt64
		schemaVersion sql.NullInt64
		extractedAt   sql.NullTime
	)
	err := rs.Scan(&v.ID, &v.FileID, &v.VersionNumber, &v.StoragePointer, &v.SizeBytes, &v.ContentSHA256,
		&v.MimeType, &pageCount, &tableCount, &schemaVersion, &extractedAt, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if pageCount.Valid {
		v.Extraction = &entity.ExtractionMetadata{
			PageCount:     int(pageCount.Int64),
			TableCount:    int(tableCount.Int64),
			SchemaVersion: int(schemaVersion.Int64),
		}
	}
	v.ExtractedAt = nullTime(extractedAt)
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
