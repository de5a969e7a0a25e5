package server

import (
	"context"
	"encoding/base64"

	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/services/export"
)

func (s *Server) createExport(ctx context.Context, in args) (any, error) {
	projectID, err := in.id("project_id")
	if err != nil {
		return nil, err
	}
	var opts entity.ExportOptions
	if in.has("include_rows") {
		rows := in.boolean("include_rows")
		opts.IncludeRows = &rows
	}
	opts.OnlyReviewed = in.boolean("only_reviewed")
	return s.svc.Export.CreateExport(ctx, export.CreateExportRequest{
		ProjectID: projectID,
		Format:    in.str("format"),
		Options:   opts,
	})
}

func (s *Server) getExport(ctx context.Context, in args) (any, error) {
	exportID, err := in.id("export_id")
	if err != nil {
		return nil, err
	}
	log, err := s.svc.Export.GetStatus(ctx, exportID)
	if err != nil {
		return nil, err
	}
	versions, err := s.svc.Export.SnapshotFiles(ctx, exportID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"export": log, "versions": versions}, nil
}

// downloadExport returns the artifact base64 encoded. Artifacts are
// bounded by the server's receive limit.
func (s *Server) downloadExport(ctx context.Context, in args) (any, error) {
	exportID, err := in.id("export_id")
	if err != nil {
		return nil, err
	}
	log, body, err := s.svc.Export.Download(ctx, exportID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"export":       log,
		"content_type": log.Format.ContentType(),
		"content":      base64.StdEncoding.EncodeToString(body),
	}, nil
}

func (s *Server) listExports(ctx context.Context, in args) (any, error) {
	projectID, err := in.id("project_id")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Export.ListExports(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"exports": list}, nil
}

func (s *Server) exportsForVersion(ctx context.Context, in args) (any, error) {
	versionID, err := in.id("version_id")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Export.ExportsForVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"exports": list}, nil
}
