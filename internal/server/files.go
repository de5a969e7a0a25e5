package server

import (
	"context"
	"encoding/base64"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/services/files"
)

// content decodes the base64 "content" argument.
func (a args) content() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(a.str("content"))
	if err != nil {
		return nil, common.InvalidInputError("content must be base64")
	}
	return raw, nil
}

func (s *Server) createFile(ctx context.Context, in args) (any, error) {
	projectID, err := in.id("project_id")
	if err != nil {
		return nil, err
	}
	content, err := in.content()
	if err != nil {
		return nil, err
	}
	f, v, err := s.svc.Files.CreateFile(ctx, files.CreateFileRequest{
		ProjectID: projectID,
		Name:      in.str("name"),
		Content:   content,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"file": f, "version": v}, nil
}

func (s *Server) replaceFile(ctx context.Context, in args) (any, error) {
	fileID, err := in.id("file_id")
	if err != nil {
		return nil, err
	}
	content, err := in.content()
	if err != nil {
		return nil, err
	}
	v, err := s.svc.Files.ReplaceFile(ctx, fileID, content)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": v}, nil
}

func (s *Server) deleteFile(ctx context.Context, in args) (any, error) {
	fileID, err := in.id("file_id")
	if err != nil {
		return nil, err
	}
	if err := s.svc.Files.SoftDeleteFile(ctx, fileID); err != nil {
		return nil, err
	}
	return map[string]any{"file_id": fileID, "deleted": true}, nil
}

func (s *Server) getFile(ctx context.Context, in args) (any, error) {
	fileID, err := in.id("file_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Files.GetFile(ctx, fileID)
}

func (s *Server) listFiles(ctx context.Context, in args) (any, error) {
	projectID, err := in.id("project_id")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Files.ListFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": list}, nil
}

func (s *Server) listVersions(ctx context.Context, in args) (any, error) {
	fileID, err := in.id("file_id")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Files.ListVersions(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"versions": list}, nil
}

func (s *Server) triggerExtraction(ctx context.Context, in args) (any, error) {
	fileID, err := in.id("file_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Extraction.TriggerExtraction(ctx, fileID)
}

func (s *Server) getExtractionStatus(ctx context.Context, in args) (any, error) {
	fileID, err := in.id("file_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Extraction.GetStatus(ctx, fileID)
}

func (s *Server) listTables(ctx context.Context, in args) (any, error) {
	fileID, err := in.id("file_id")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Extraction.ListTables(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tables": list}, nil
}
