// Package extraction drives the asynchronous extraction workflow: it moves
// File.status through pending → processing → completed | failed and
// persists the tables and metadata of the extracted version.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core/async"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	"github.com/joseph-ayodele/docflow/internal/extract"
	"github.com/joseph-ayodele/docflow/internal/repository"
	"github.com/joseph-ayodele/docflow/internal/storage"
)

// Service coordinates extraction runs.
type Service struct {
	db        *repository.DB
	files     repository.FileRepository
	versions  repository.FileVersionRepository
	tables    repository.FileTableRepository
	jobs      repository.AnnotationJobRepository
	blobs     storage.BlobStore
	extractor extract.Service
	queue     async.Queue
	events    *eventlog.Recorder
	logger    *slog.Logger
}

func NewService(repos *repository.Repositories, blobs storage.BlobStore, extractor extract.Service, queue async.Queue, events *eventlog.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:        repos.DB,
		files:     repos.Files,
		versions:  repos.Versions,
		tables:    repos.Tables,
		jobs:      repos.Jobs,
		blobs:     blobs,
		extractor: extractor,
		queue:     queue,
		events:    events,
		logger:    logger,
	}
}

// Register binds the extraction worker to router.
func (s *Service) Register(router *async.Router) {
	router.Handle(async.KindExtraction, s.handleTask)
}

// Status is the extraction state of a file and its active version.
type Status struct {
	FileID          int64                      `json:"file_id"`
	Status          constants.FileStatus       `json:"status"`
	ActiveVersionID *int64                     `json:"active_version_id,omitempty"`
	VersionNumber   int                        `json:"version_number,omitempty"`
	Metadata        *entity.ExtractionMetadata `json:"extraction_metadata,omitempty"`
	ExtractedAt     *time.Time                 `json:"extracted_at,omitempty"`
	FailureReason   *string                    `json:"failure_reason,omitempty"`
}

// TriggerExtraction moves the file to processing and queues extraction of
// its active version. A second trigger while one is in flight is a
// conflict. Failures of the queue or the service never surface here; they
// end up as the file's failure reason.
func (s *Service) TriggerExtraction(ctx context.Context, fileID int64) (*entity.File, error) {
	file, err := s.files.Get(ctx, fileID)
	if err == nil && file.Deleted() {
		err = common.NotFoundError("file", fileID)
	}
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, eventlog.Entry{
				EntityType: constants.EntityFile,
				EntityID:   fileID,
				Action:     constants.ActionTriggerExtraction,
			}, err)
		}
		return nil, err
	}
	if file.ActiveVersionID == nil {
		perr := common.PreconditionError("NO_ACTIVE_VERSION", "file %d has no version to extract", fileID)
		s.events.RecordRejected(ctx, s.fileEntry(file, constants.ActionTriggerExtraction), perr)
		return nil, perr
	}

	var versionID int64
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.files.MarkProcessing(ctx, fileID)
		if err != nil {
			return err
		}
		current, err := s.files.Get(ctx, fileID)
		if err != nil {
			return err
		}
		if !ok {
			if current.Deleted() {
				return common.NotFoundError("file", fileID)
			}
			return common.ConflictError("EXTRACTION_IN_FLIGHT", "extraction of file %d is already in progress", fileID)
		}
		versionID = *current.ActiveVersionID
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityFile,
			EntityID:   fileID,
			Action:     constants.ActionTriggerExtraction,
			FromState:  string(file.Status),
			ToState:    string(constants.FileStatusProcessing),
			Reason:     fmt.Sprintf("version %d", versionID),
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) || errors.Is(err, common.ErrNotFound) {
			entry := s.fileEntry(file, constants.ActionTriggerExtraction)
			if errors.Is(err, common.ErrConflict) {
				entry.FromState = string(constants.FileStatusProcessing)
			}
			s.events.RecordRejected(ctx, entry, err)
		}
		s.logger.Warn("extraction.trigger.rejected", "file_id", fileID, "error", err)
		return nil, err
	}

	s.logger.Info("extraction.trigger.ok", "file_id", fileID, "version_id", versionID)

	if err := s.queue.Enqueue(ctx, async.NewTask(async.KindExtraction, fileID, versionID)); err != nil {
		s.logger.Error("extraction.enqueue.failed", "file_id", fileID, "version_id", versionID, "error", err)
		reason := fmt.Sprintf("enqueue extraction: %v", err)
		if ferr := s.FailExtraction(context.WithoutCancel(ctx), fileID, versionID, reason); ferr != nil {
			s.logger.Error("failed to record enqueue failure", "file_id", fileID, "error", ferr)
		}
	}
	return s.files.Get(ctx, fileID)
}

// CompleteExtraction persists a successful extraction of versionID. The
// metadata and table set are overwritten entirely, live jobs on the
// replaced tables are soft deleted, and the file moves to completed as
// long as it is still processing that version.
func (s *Service) CompleteExtraction(ctx context.Context, fileID, versionID int64, res *extract.Result) error {
	checked, err := extract.Check(res)
	if err != nil {
		s.logger.Warn("extraction.complete.invalid_result", "file_id", fileID, "version_id", versionID, "error", err)
		reason := fmt.Sprintf("invalid extraction result: %v", err)
		if ferr := s.FailExtraction(ctx, fileID, versionID, reason); ferr != nil {
			return ferr
		}
		return common.InvalidInputError(reason)
	}

	tables := make([]*entity.FileTable, 0, len(checked.Tables))
	for _, t := range checked.Tables {
		tables = append(tables, &entity.FileTable{
			FileVersionID: versionID,
			PageNumber:    t.PageNumber,
			TableIndex:    t.TableIndex,
			Headers:       t.Headers,
			Rows:          t.Rows,
			Confidence:    t.Confidence,
		})
	}
	meta := entity.ExtractionMetadata{
		PageCount:     checked.PageCount,
		TableCount:    len(tables),
		SchemaVersion: entity.MetadataSchemaVersion,
	}

	var retired []int64
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.files.MarkCompleted(ctx, fileID, versionID)
		if err != nil {
			return err
		}
		if !ok {
			return common.PreconditionError("STALE_EXTRACTION", "file %d is no longer extracting version %d", fileID, versionID)
		}

		if err := s.versions.SetExtraction(ctx, versionID, meta, s.db.Now()); err != nil {
			return err
		}

		old, err := s.tables.ListByVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if len(old) > 0 {
			ids := make([]int64, len(old))
			for i, t := range old {
				ids[i] = t.ID
			}
			live, err := s.jobs.ListLiveByTables(ctx, ids)
			if err != nil {
				return err
			}
			for _, j := range live {
				retired = append(retired, j.ID)
				if err := s.events.Record(ctx, eventlog.Entry{
					EntityType: constants.EntityJob,
					EntityID:   j.ID,
					Action:     constants.ActionSoftDelete,
					FromState:  string(j.Status),
					ToState:    "deleted",
					Reason:     "table replaced by re-extraction",
				}); err != nil {
					return err
				}
			}
			if _, err := s.jobs.SoftDelete(ctx, retired); err != nil {
				return err
			}
		}

		if _, err := s.tables.ReplaceForVersion(ctx, versionID, tables); err != nil {
			return err
		}
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityFile,
			EntityID:   fileID,
			Action:     constants.ActionCompleteExtraction,
			FromState:  string(constants.FileStatusProcessing),
			ToState:    string(constants.FileStatusCompleted),
			ActorID:    constants.SystemActor,
			Reason:     fmt.Sprintf("version %d: %d tables on %d pages", versionID, meta.TableCount, meta.PageCount),
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrPrecondition) {
			s.events.RecordRejected(ctx, eventlog.Entry{
				EntityType: constants.EntityFile,
				EntityID:   fileID,
				Action:     constants.ActionCompleteExtraction,
				Reason:     err.Error(),
			}, err)
		}
		s.logger.Error("extraction.complete.failed", "file_id", fileID, "version_id", versionID, "error", err)
		return err
	}

	s.logger.Info("extraction.complete.ok",
		"file_id", fileID,
		"version_id", versionID,
		"tables", meta.TableCount,
		"pages", meta.PageCount,
		"jobs_retired", len(retired),
	)
	return nil
}

// FailExtraction moves a file extracting versionID to failed with reason.
func (s *Service) FailExtraction(ctx context.Context, fileID, versionID int64, reason string) error {
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.files.MarkFailed(ctx, fileID, versionID, reason)
		if err != nil {
			return err
		}
		if !ok {
			return common.PreconditionError("STALE_EXTRACTION", "file %d is no longer extracting version %d", fileID, versionID)
		}
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityFile,
			EntityID:   fileID,
			Action:     constants.ActionFailExtraction,
			FromState:  string(constants.FileStatusProcessing),
			ToState:    string(constants.FileStatusFailed),
			ActorID:    constants.SystemActor,
			Reason:     reason,
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrPrecondition) {
			s.events.RecordRejected(ctx, eventlog.Entry{
				EntityType: constants.EntityFile,
				EntityID:   fileID,
				Action:     constants.ActionFailExtraction,
			}, err)
		}
		s.logger.Error("extraction.fail.rejected", "file_id", fileID, "version_id", versionID, "error", err)
		return err
	}
	s.logger.Warn("extraction.failed", "file_id", fileID, "version_id", versionID, "reason", reason)
	return nil
}

// ReclaimStale fails every file that has been processing for longer than
// staleAfter. Its task was lost to a crash or a worker that died after
// taking it; a late result for the same version is then rejected as stale.
// It returns the number of files failed.
func (s *Service) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		return 0, common.InvalidInputError("stale timeout must be positive")
	}
	files, err := s.files.ListByStatus(ctx, constants.FileStatusProcessing)
	if err != nil {
		return 0, err
	}
	cutoff := s.db.Now().Add(-staleAfter)
	reclaimed := 0
	for _, f := range files {
		if !f.UpdatedAt.Before(cutoff) || f.ActiveVersionID == nil {
			continue
		}
		reason := fmt.Sprintf("extraction abandoned: no result since %s", f.UpdatedAt.Format(time.RFC3339))
		if err := s.FailExtraction(ctx, f.ID, *f.ActiveVersionID, reason); err != nil {
			if errors.Is(err, common.ErrPrecondition) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}
	if reclaimed > 0 {
		s.logger.Warn("extraction.reclaimed", "files", reclaimed, "stale_after", staleAfter)
	}
	return reclaimed, nil
}

// GetStatus reads the extraction state of a file.
func (s *Service) GetStatus(ctx context.Context, fileID int64) (*Status, error) {
	file, err := s.files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		FileID:          file.ID,
		Status:          file.Status,
		ActiveVersionID: file.ActiveVersionID,
		FailureReason:   file.FailureReason,
	}
	if file.ActiveVersionID != nil {
		v, err := s.versions.Get(ctx, *file.ActiveVersionID)
		if err != nil {
			return nil, err
		}
		st.VersionNumber = v.VersionNumber
		st.Metadata = v.Extraction
		st.ExtractedAt = v.ExtractedAt
	}
	return st, nil
}

// ListTables returns the tables of the file's active version.
func (s *Service) ListTables(ctx context.Context, fileID int64) ([]*entity.FileTable, error) {
	file, err := s.files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.ActiveVersionID == nil {
		return nil, nil
	}
	return s.tables.ListByVersion(ctx, *file.ActiveVersionID)
}

// handleTask is the extraction worker. Stale tasks, whose file has moved on
// to another version or state, are dropped.
func (s *Service) handleTask(ctx context.Context, task async.Task) error {
	fileID, versionID := task.EntityID, task.RefID
	start := time.Now()

	file, err := s.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if file.Status != constants.FileStatusProcessing || file.ActiveVersionID == nil || *file.ActiveVersionID != versionID {
		s.logger.Info("extraction.task.stale", "file_id", fileID, "version_id", versionID, "status", file.Status)
		return nil
	}
	version, err := s.versions.Get(ctx, versionID)
	if err != nil {
		return s.FailExtraction(ctx, fileID, versionID, fmt.Sprintf("load version: %v", err))
	}

	content, err := s.blobs.Get(ctx, version.StoragePointer)
	if err != nil {
		return s.FailExtraction(ctx, fileID, versionID, fmt.Sprintf("read content: %v", err))
	}

	s.logger.Info("extraction.call.start", "file_id", fileID, "version_id", versionID, "bytes", len(content), "trace_id", task.TraceID)
	res, err := s.extractor.Extract(ctx, extract.Request{
		FileID:         fileID,
		VersionID:      versionID,
		FileName:       file.Name,
		MimeType:       version.MimeType,
		StoragePointer: version.StoragePointer,
		Content:        content,
	})
	if err != nil {
		s.logger.Warn("extraction.call.failed", "file_id", fileID, "version_id", versionID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		// recorded with a context that outlives a timed-out call
		return s.FailExtraction(context.WithoutCancel(ctx), fileID, versionID, err.Error())
	}
	return s.CompleteExtraction(context.WithoutCancel(ctx), fileID, versionID, res)
}

func (s *Service) fileEntry(f *entity.File, action constants.Action) eventlog.Entry {
	return eventlog.Entry{
		EntityType: constants.EntityFile,
		EntityID:   f.ID,
		Action:     action,
		FromState:  string(f.Status),
	}
}
