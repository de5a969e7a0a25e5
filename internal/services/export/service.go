// Package export snapshots a project's active file versions and packages
// them into downloadable artifacts in the background.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core/async"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	packager "github.com/joseph-ayodele/docflow/internal/export"
	"github.com/joseph-ayodele/docflow/internal/repository"
	"github.com/joseph-ayodele/docflow/internal/storage"
)

// Service handles export business logic.
type Service struct {
	db       *repository.DB
	projects repository.ProjectRepository
	files    repository.FileRepository
	versions repository.FileVersionRepository
	tables   repository.FileTableRepository
	jobs     repository.AnnotationJobRepository
	exports  repository.ExportRepository
	blobs    storage.BlobStore
	packager *packager.Packager
	queue    async.Queue
	events   *eventlog.Recorder
	logger   *slog.Logger

	artifactPrefix string
}

type Option func(*Service)

// WithArtifactPrefix sets the blob key prefix artifacts are written under.
func WithArtifactPrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.artifactPrefix = prefix
		}
	}
}

func NewService(repos *repository.Repositories, blobs storage.BlobStore, pkg *packager.Packager, queue async.Queue, events *eventlog.Recorder, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:             repos.DB,
		projects:       repos.Projects,
		files:          repos.Files,
		versions:       repos.Versions,
		tables:         repos.Tables,
		jobs:           repos.Jobs,
		exports:        repos.Exports,
		blobs:          blobs,
		packager:       pkg,
		queue:          queue,
		events:         events,
		logger:         logger,
		artifactPrefix: "exports",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds the packaging worker to router.
func (s *Service) Register(router *async.Router) {
	router.Handle(async.KindExport, s.handlePackage)
}

// CreateExportRequest represents export parameters.
type CreateExportRequest struct {
	ProjectID int64
	Format    string
	Options   entity.ExportOptions
}

// CreateExport snapshots the active version of every live file in the
// project and queues packaging. The returned log is pending.
func (s *Service) CreateExport(ctx context.Context, req CreateExportRequest) (*entity.ExportLog, error) {
	rejected := eventlog.Entry{
		EntityType: constants.EntityProject,
		EntityID:   req.ProjectID,
		Action:     constants.ActionCreateExport,
	}
	format, ok := constants.ParseExportFormat(req.Format)
	if !ok {
		err := common.InvalidInputError(fmt.Sprintf("unsupported export format %q", req.Format))
		s.events.RecordRejected(ctx, rejected, err)
		return nil, err
	}
	if _, err := s.projects.Get(ctx, req.ProjectID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, rejected, err)
		}
		return nil, err
	}
	opts, err := json.Marshal(req.Options)
	if err != nil {
		err = common.InvalidInputError(fmt.Sprintf("encode export options: %v", err))
		s.events.RecordRejected(ctx, rejected, err)
		return nil, err
	}

	var log *entity.ExportLog
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		l, err := s.exports.Create(ctx, req.ProjectID, format, opts)
		if err != nil {
			return err
		}
		files, err := s.files.ListActive(ctx, req.ProjectID)
		if err != nil {
			return err
		}
		versionIDs := make([]int64, 0, len(files))
		for _, f := range files {
			if f.ActiveVersionID != nil {
				versionIDs = append(versionIDs, *f.ActiveVersionID)
			}
		}
		if err := s.exports.AddSnapshot(ctx, l.ID, versionIDs); err != nil {
			return err
		}
		log = l
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityExport,
			EntityID:   l.ID,
			Action:     constants.ActionCreateExport,
			ToState:    string(constants.ExportStatusPending),
			Reason:     fmt.Sprintf("%s, %d file versions", format, len(versionIDs)),
		})
	})
	if err != nil {
		s.logger.Error("create export failed", "project_id", req.ProjectID, "format", format, "error", err)
		return nil, err
	}
	s.logger.Info("export created", "export_id", log.ID, "project_id", req.ProjectID, "format", format)

	if err := s.queue.Enqueue(ctx, async.NewTask(async.KindExport, log.ID, req.ProjectID)); err != nil {
		s.logger.Error("export enqueue failed", "export_id", log.ID, "error", err)
		s.fail(context.WithoutCancel(ctx), log.ID, string(constants.ExportStatusPending), fmt.Sprintf("enqueue export: %v", err))
	}
	return s.exports.Get(ctx, log.ID)
}

// GetStatus reads an export log.
func (s *Service) GetStatus(ctx context.Context, exportID int64) (*entity.ExportLog, error) {
	return s.exports.Get(ctx, exportID)
}

// Download returns the artifact of a completed export.
func (s *Service) Download(ctx context.Context, exportID int64) (*entity.ExportLog, []byte, error) {
	log, err := s.exports.Get(ctx, exportID)
	if err != nil {
		return nil, nil, err
	}
	if log.Status != constants.ExportStatusCompleted || log.ArtifactPointer == nil {
		return nil, nil, common.PreconditionError("EXPORT_NOT_READY", "export %d is %s", exportID, log.Status)
	}
	content, err := s.blobs.Get(ctx, *log.ArtifactPointer)
	if err != nil {
		s.logger.Error("failed to read export artifact", "export_id", exportID, "pointer", *log.ArtifactPointer, "error", err)
		return nil, nil, common.ExternalServiceError("storage", err)
	}
	return log, content, nil
}

// ListExports returns a project's exports, newest first.
func (s *Service) ListExports(ctx context.Context, projectID int64) ([]*entity.ExportLog, error) {
	return s.exports.ListByProject(ctx, projectID)
}

// SnapshotFiles returns the file versions an export captured.
func (s *Service) SnapshotFiles(ctx context.Context, exportID int64) ([]*entity.FileVersion, error) {
	if _, err := s.exports.Get(ctx, exportID); err != nil {
		return nil, err
	}
	ids, err := s.exports.SnapshotVersionIDs(ctx, exportID)
	if err != nil {
		return nil, err
	}
	return s.versions.ListByIDs(ctx, ids)
}

// ExportsForVersion returns every export that captured versionID.
func (s *Service) ExportsForVersion(ctx context.Context, versionID int64) ([]*entity.ExportLog, error) {
	if _, err := s.versions.Get(ctx, versionID); err != nil {
		return nil, err
	}
	return s.exports.ExportsForVersion(ctx, versionID)
}

// ReclaimStale fails exports that have been pending or processing for
// longer than staleAfter since they were requested. It returns the number
// of exports failed.
func (s *Service) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		return 0, common.InvalidInputError("stale timeout must be positive")
	}
	logs, err := s.exports.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.db.Now().Add(-staleAfter)
	reclaimed := 0
	for _, l := range logs {
		if !l.RequestedAt.Before(cutoff) {
			continue
		}
		reason := fmt.Sprintf("export abandoned: %s since %s", l.Status, l.RequestedAt.Format(time.RFC3339))
		if s.fail(ctx, l.ID, string(l.Status), reason) {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		s.logger.Warn("export.reclaimed", "exports", reclaimed, "stale_after", staleAfter)
	}
	return reclaimed, nil
}

// handlePackage builds and stores the artifact of one export from its
// snapshot rows.
func (s *Service) handlePackage(ctx context.Context, task async.Task) error {
	exportID := task.EntityID
	start := time.Now()

	var started bool
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.exports.MarkProcessing(ctx, exportID)
		if err != nil || !ok {
			return err
		}
		started = true
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityExport,
			EntityID:   exportID,
			Action:     constants.ActionPackageExport,
			FromState:  string(constants.ExportStatusPending),
			ToState:    string(constants.ExportStatusProcessing),
			ActorID:    constants.SystemActor,
		})
	})
	if err != nil {
		return err
	}
	if !started {
		s.logger.Info("export.task.stale", "export_id", exportID)
		return nil
	}

	failed := func(reason string) error {
		s.fail(context.WithoutCancel(ctx), exportID, string(constants.ExportStatusProcessing), reason)
		return nil
	}

	log, err := s.exports.Get(ctx, exportID)
	if err != nil {
		return failed(fmt.Sprintf("load export: %v", err))
	}
	bundle, err := s.bundle(ctx, log)
	if err != nil {
		return failed(fmt.Sprintf("load snapshot: %v", err))
	}
	artifact, err := s.packager.Package(bundle)
	if err != nil {
		return failed(err.Error())
	}
	pointer, err := s.blobs.Put(ctx, path.Join(s.artifactPrefix, fmt.Sprint(log.ProjectID)), artifact, log.Format.ContentType())
	if err != nil {
		return failed(fmt.Sprintf("store artifact: %v", err))
	}

	err = s.db.WithTx(context.WithoutCancel(ctx), func(ctx context.Context) error {
		ok, err := s.exports.MarkCompleted(ctx, exportID, pointer, int64(len(artifact)))
		if err != nil {
			return err
		}
		if !ok {
			return common.PreconditionError("EXPORT_CHANGED", "export %d left processing", exportID)
		}
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityExport,
			EntityID:   exportID,
			Action:     constants.ActionCompleteExport,
			FromState:  string(constants.ExportStatusProcessing),
			ToState:    string(constants.ExportStatusCompleted),
			ActorID:    constants.SystemActor,
			Reason:     fmt.Sprintf("%d bytes", len(artifact)),
		})
	})
	if err != nil {
		s.logger.Error("export.package.failed", "export_id", exportID, "error", err)
		return err
	}
	s.logger.Info("export.package.done",
		"export_id", exportID,
		"files", len(bundle.Files),
		"bytes", len(artifact),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// bundle loads everything the packager needs, reading versions only from
// the export's snapshot rows.
func (s *Service) bundle(ctx context.Context, log *entity.ExportLog) (*packager.Bundle, error) {
	var opts entity.ExportOptions
	if len(log.Options) > 0 {
		if err := json.Unmarshal(log.Options, &opts); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}

	ids, err := s.exports.SnapshotVersionIDs(ctx, log.ID)
	if err != nil {
		return nil, err
	}
	versions, err := s.versions.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	tables, err := s.tables.ListByVersions(ctx, ids)
	if err != nil {
		return nil, err
	}
	tableIDs := make([]int64, len(tables))
	for i, t := range tables {
		tableIDs[i] = t.ID
	}
	jobs, err := s.jobs.ListLiveByTables(ctx, tableIDs)
	if err != nil {
		return nil, err
	}
	jobStatus := make(map[int64]constants.JobStatus, len(jobs))
	for _, j := range jobs {
		jobStatus[j.FileTableID] = j.Status
	}
	byVersion := make(map[int64][]packager.TableSnapshot, len(versions))
	for _, t := range tables {
		byVersion[t.FileVersionID] = append(byVersion[t.FileVersionID], packager.TableSnapshot{Table: t, JobStatus: jobStatus[t.ID]})
	}

	b := &packager.Bundle{Export: log, Options: opts, Files: make([]packager.FileSnapshot, 0, len(versions))}
	for _, v := range versions {
		f, err := s.files.Get(ctx, v.FileID)
		if err != nil {
			return nil, err
		}
		b.Files = append(b.Files, packager.FileSnapshot{File: f, Version: v, Tables: byVersion[v.ID]})
	}
	return b, nil
}

// fail moves an in-flight export to failed and reports whether it did.
func (s *Service) fail(ctx context.Context, exportID int64, from, reason string) bool {
	var marked bool
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.exports.MarkFailed(ctx, exportID, reason)
		if err != nil || !ok {
			return err
		}
		marked = true
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityExport,
			EntityID:   exportID,
			Action:     constants.ActionFailExport,
			FromState:  from,
			ToState:    string(constants.ExportStatusFailed),
			ActorID:    constants.SystemActor,
			Reason:     reason,
		})
	})
	if err != nil {
		s.logger.Error("failed to mark export failed", "export_id", exportID, "error", err)
		return false
	}
	if marked {
		s.logger.Warn("export.package.failed", "export_id", exportID, "reason", reason)
	}
	return marked
}
