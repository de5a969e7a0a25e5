package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const tablesTable = "file_tables"

var tableColumns = []string{
	"id", "file_version_id", "page_number", "table_index", "headers_json", "cells_json", "confidence", "created_at",
}

type FileTableRepository interface {
	// ReplaceForVersion deletes every table of versionID and inserts tables
	// in the given order. It returns the number of rows removed. Call it
	// inside a transaction.
	ReplaceForVersion(ctx context.Context, versionID int64, tables []*entity.FileTable) (int64, error)
	ListByVersion(ctx context.Context, versionID int64) ([]*entity.FileTable, error)
	ListByVersions(ctx context.Context, versionIDs []int64) ([]*entity.FileTable, error)
	Get(ctx context.Context, id int64) (*entity.FileTable, error)
}

type fileTableRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewFileTableRepository(db *DB, logger *slog.Logger) FileTableRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileTableRepo{db: db, logger: logger}
}

func (r *fileTableRepo) ReplaceForVersion(ctx context.Context, versionID int64, tables []*entity.FileTable) (int64, error) {
	removed, err := r.db.exec(ctx, r.db.builder().Delete(tablesTable).Where(entsql.EQ("file_version_id", versionID)))
	if err != nil {
		r.logger.Error("failed to clear file tables", "version_id", versionID, "error", err)
		return 0, err
	}

	now := r.db.Now()
	for _, t := range tables {
		headers, err := json.Marshal(nonNilGrid(t.Headers))
		if err != nil {
			return 0, fmt.Errorf("encode headers: %w", err)
		}
		cells, err := json.Marshal(nonNilGrid(t.Rows))
		if err != nil {
			return 0, fmt.Errorf("encode rows: %w", err)
		}
		ib := r.db.builder().Insert(tablesTable).
			Columns("file_version_id", "page_number", "table_index", "headers_json", "cells_json", "confidence", "created_at").
			Values(versionID, t.PageNumber, t.TableIndex, string(headers), string(cells), ptr(t.Confidence), now)
		id, err := r.db.insert(ctx, ib)
		if err != nil {
			r.logger.Error("failed to insert file table", "version_id", versionID,
				"page_number", t.PageNumber, "table_index", t.TableIndex, "error", err)
			return 0, err
		}
		t.ID = id
		t.FileVersionID = versionID
		t.CreatedAt = now
	}
	r.logger.Debug("file tables replaced", "version_id", versionID, "removed", removed, "inserted", len(tables))
	return removed, nil
}

func (r *fileTableRepo) ListByVersion(ctx context.Context, versionID int64) ([]*entity.FileTable, error) {
	return r.ListByVersions(ctx, []int64{versionID})
}

func (r *fileTableRepo) ListByVersions(ctx context.Context, versionIDs []int64) ([]*entity.FileTable, error) {
	if len(versionIDs) == 0 {
		return nil, nil
	}
	b := r.db.builder()
	s := b.Select(tableColumns...).From(b.Table(tablesTable)).
		Where(entsql.In("file_version_id", int64Args(versionIDs)...)).
		OrderBy("file_version_id", "page_number", "table_index")
	return r.list(ctx, s)
}

func (r *fileTableRepo) Get(ctx context.Context, id int64) (*entity.FileTable, error) {
	b := r.db.builder()
	s := b.Select(tableColumns...).From(b.Table(tablesTable)).Where(entsql.EQ("id", id))
	out, err := r.list(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundError("file table", id)
	}
	return out[0], nil
}

func (r *fileTableRepo) list(ctx context.Context, s *entsql.Selector) ([]*entity.FileTable, error) {
	var out []*entity.FileTable
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var (
			t          entity.FileTable
			headers    []byte
			cells      []byte
			confidence sql.NullFloat64
		)
		if err := rs.Scan(&t.ID, &t.FileVersionID, &t.PageNumber, &t.TableIndex, &headers, &cells, &confidence, &t.CreatedAt); err != nil {
			return err
		}
		if err := json.Unmarshal(headers, &t.Headers); err != nil {
			return fmt.Errorf("decode headers of table %d: %w", t.ID, err)
		}
		if err := json.Unmarshal(cells, &t.Rows); err != nil {
			return fmt.Errorf("decode rows of table %d: %w", t.ID, err)
		}
		t.Confidence = nullFloat(confidence)
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, &t)
		return nil
	})
	return out, err
}

func nonNilGrid(g [][]string) [][]string {
	if g == nil {
		return [][]string{}
	}
	return g
}
