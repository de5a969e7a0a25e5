// Package files is the file registry: it owns File and FileVersion rows,
// the active version pointer and per-project name uniqueness.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	"github.com/joseph-ayodele/docflow/internal/repository"
	"github.com/joseph-ayodele/docflow/internal/storage"
)

// Service handles file registry business logic.
type Service struct {
	db       *repository.DB
	projects repository.ProjectRepository
	files    repository.FileRepository
	versions repository.FileVersionRepository
	blobs    storage.BlobStore
	events   *eventlog.Recorder
	logger   *slog.Logger
}

// NewService creates a new file registry service.
func NewService(repos *repository.Repositories, blobs storage.BlobStore, events *eventlog.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       repos.DB,
		projects: repos.Projects,
		files:    repos.Files,
		versions: repos.Versions,
		blobs:    blobs,
		events:   events,
		logger:   logger,
	}
}

// CreateFileRequest represents file upload parameters.
type CreateFileRequest struct {
	ProjectID int64
	Name      string
	Content   []byte
}

// CreateFile registers a new file with its first version.
func (s *Service) CreateFile(ctx context.Context, req CreateFileRequest) (*entity.File, *entity.FileVersion, error) {
	name := strings.TrimSpace(req.Name)
	rejected := eventlog.Entry{
		EntityType: constants.EntityProject,
		EntityID:   req.ProjectID,
		Action:     constants.ActionCreate,
	}

	validator := common.NewValidator()
	validator.Field("project_id", req.ProjectID, common.PositiveID)
	validator.Field("name", name, common.Required, common.MaxLength(constants.MaxFileNameLength))
	if err := common.ValidateAndReturnError(validator); err != nil {
		s.events.RecordRejected(ctx, rejected, err)
		return nil, nil, err
	}

	if _, err := s.projects.Get(ctx, req.ProjectID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, rejected, err)
		}
		return nil, nil, err
	}

	if existing, err := s.files.FindActiveByName(ctx, req.ProjectID, name); err == nil {
		cerr := common.ConflictError("FILE_NAME_TAKEN", "file %q already exists in project %d (file %d)", name, req.ProjectID, existing.ID)
		s.events.RecordRejected(ctx, rejected, cerr)
		return nil, nil, cerr
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, nil, err
	}

	put, err := s.putContent(ctx, req.ProjectID, name, req.Content)
	if err != nil {
		s.events.RecordRejected(ctx, rejected, err)
		return nil, nil, err
	}

	var (
		file    *entity.File
		version *entity.FileVersion
	)
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		f, err := s.files.Create(ctx, req.ProjectID, name)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return common.ConflictError("FILE_NAME_TAKEN", "file %q already exists in project %d", name, req.ProjectID)
			}
			return err
		}
		v, err := s.versions.Create(ctx, f.ID, put.pointer, put.size, put.sha256, put.mime)
		if err != nil {
			return err
		}
		ok, err := s.files.ActivateVersion(ctx, f.ID, v.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("activate version %d of new file %d", v.ID, f.ID)
		}
		f.ActiveVersionID = &v.ID

		if err := s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityFile,
			EntityID:   f.ID,
			Action:     constants.ActionCreate,
			ToState:    string(constants.FileStatusPending),
		}); err != nil {
			return err
		}
		if err := s.events.Record(ctx, versionCreated(v)); err != nil {
			return err
		}
		file, version = f, v
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			s.events.RecordRejected(ctx, rejected, err)
		}
		s.logger.Error("create file failed", "project_id", req.ProjectID, "name", name, "error", err)
		return nil, nil, err
	}

	s.logger.Info("file created", "file_id", file.ID, "version_id", version.ID, "project_id", req.ProjectID, "size", version.SizeBytes)
	return file, version, nil
}

// ReplaceFile uploads a new version of a file and makes it active.
func (s *Service) ReplaceFile(ctx context.Context, fileID int64, content []byte) (*entity.FileVersion, error) {
	file, err := s.liveFile(ctx, fileID, constants.ActionReplace)
	if err != nil {
		return nil, err
	}
	rejected := eventlog.Entry{
		EntityType: constants.EntityFile,
		EntityID:   fileID,
		Action:     constants.ActionReplace,
		FromState:  string(file.Status),
	}
	if file.Status == constants.FileStatusProcessing {
		cerr := extractionInFlight(fileID)
		s.events.RecordRejected(ctx, rejected, cerr)
		return nil, cerr
	}

	put, err := s.putContent(ctx, file.ProjectID, file.Name, content)
	if err != nil {
		s.events.RecordRejected(ctx, rejected, err)
		return nil, err
	}

	var version *entity.FileVersion
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		// serialises concurrent replaces so version numbers stay dense
		if err := s.files.Lock(ctx, fileID); err != nil {
			return err
		}
		v, err := s.versions.Create(ctx, fileID, put.pointer, put.size, put.sha256, put.mime)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return common.ConflictError("FILE_REPLACED", "file %d got a new version concurrently", fileID)
			}
			return err
		}
		ok, err := s.files.ActivateVersion(ctx, fileID, v.ID)
		if err != nil {
			return err
		}
		if !ok {
			return s.activateRefused(ctx, fileID)
		}
		if err := s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityFile,
			EntityID:   fileID,
			Action:     constants.ActionReplace,
			FromState:  string(file.Status),
			ToState:    string(constants.FileStatusPending),
			Reason:     fmt.Sprintf("version %d", v.VersionNumber),
		}); err != nil {
			return err
		}
		if err := s.events.Record(ctx, versionCreated(v)); err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) || errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, rejected, err)
		}
		s.logger.Error("replace file failed", "file_id", fileID, "error", err)
		return nil, err
	}

	s.logger.Info("file replaced", "file_id", fileID, "version_id", version.ID, "version_number", version.VersionNumber)
	return version, nil
}

// SoftDeleteFile hides a file from listings and name checks. Its versions
// and jobs are kept.
func (s *Service) SoftDeleteFile(ctx context.Context, fileID int64) error {
	file, err := s.liveFile(ctx, fileID, constants.ActionSoftDelete)
	if err != nil {
		return err
	}

	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.files.SoftDelete(ctx, fileID)
		if err != nil {
			return err
		}
		if !ok {
			return common.NotFoundError("file", fileID)
		}
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityFile,
			EntityID:   fileID,
			Action:     constants.ActionSoftDelete,
			FromState:  string(file.Status),
			ToState:    "deleted",
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, eventlog.Entry{
				EntityType: constants.EntityFile,
				EntityID:   fileID,
				Action:     constants.ActionSoftDelete,
				FromState:  "deleted",
			}, err)
		}
		return err
	}
	s.logger.Info("file soft deleted", "file_id", fileID)
	return nil
}

// GetFile returns a file, including soft-deleted ones.
func (s *Service) GetFile(ctx context.Context, fileID int64) (*entity.File, error) {
	return s.files.Get(ctx, fileID)
}

// ListFiles returns the non-deleted files of a project.
func (s *Service) ListFiles(ctx context.Context, projectID int64) ([]*entity.File, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.files.ListActive(ctx, projectID)
}

// ListVersions returns every version of a file, oldest first.
func (s *Service) ListVersions(ctx context.Context, fileID int64) ([]*entity.FileVersion, error) {
	if _, err := s.files.Get(ctx, fileID); err != nil {
		return nil, err
	}
	return s.versions.ListByFile(ctx, fileID)
}

// ReadVersionContent returns the stored bytes of a version.
func (s *Service) ReadVersionContent(ctx context.Context, versionID int64) (*entity.FileVersion, []byte, error) {
	v, err := s.versions.Get(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.blobs.Get(ctx, v.StoragePointer)
	if err != nil {
		s.logger.Error("failed to read version content", "version_id", versionID, "pointer", v.StoragePointer, "error", err)
		return nil, nil, common.ExternalServiceError("storage", err)
	}
	return v, content, nil
}

// liveFile loads a non-deleted file, recording a rejected event for action
// when it is missing.
func (s *Service) liveFile(ctx context.Context, fileID int64, action constants.Action) (*entity.File, error) {
	file, err := s.files.Get(ctx, fileID)
	if err == nil && file.Deleted() {
		err = common.NotFoundError("file", fileID)
	}
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, eventlog.Entry{
				EntityType: constants.EntityFile,
				EntityID:   fileID,
				Action:     action,
			}, err)
		}
		return nil, err
	}
	return file, nil
}

// activateRefused explains why ActivateVersion matched no row.
func (s *Service) activateRefused(ctx context.Context, fileID int64) error {
	file, err := s.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if file.Deleted() {
		return common.NotFoundError("file", fileID)
	}
	return extractionInFlight(fileID)
}

func extractionInFlight(fileID int64) error {
	return common.ConflictError("EXTRACTION_IN_FLIGHT", "file %d is being extracted; replace it once extraction finishes", fileID)
}

type storedContent struct {
	pointer string
	size    int64
	sha256  string
	mime    string
}

func (s *Service) putContent(ctx context.Context, projectID int64, name string, content []byte) (*storedContent, error) {
	if len(content) == 0 {
		return nil, common.InvalidInputError("content is required")
	}
	sum := sha256.Sum256(content)
	mt := constants.MimeForName(name)
	pointer, err := s.blobs.Put(ctx, fmt.Sprintf("projects/%d/files", projectID), content, mt)
	if err != nil {
		s.logger.Error("failed to store file content", "project_id", projectID, "name", name, "error", err)
		return nil, common.ExternalServiceError("storage", err)
	}
	return &storedContent{
		pointer: pointer,
		size:    int64(len(content)),
		sha256:  hex.EncodeToString(sum[:]),
		mime:    mt,
	}, nil
}

func versionCreated(v *entity.FileVersion) eventlog.Entry {
	return eventlog.Entry{
		EntityType: constants.EntityFileVersion,
		EntityID:   v.ID,
		Action:     constants.ActionCreate,
		ToState:    fmt.Sprintf("v%d", v.VersionNumber),
	}
}
