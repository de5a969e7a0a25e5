// Package annotation turns extracted tables into annotation jobs and runs
// them through assignment, AI drafting and the review loop.
package annotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core/async"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

// Service handles annotation business logic.
type Service struct {
	db          *repository.DB
	files       repository.FileRepository
	versions    repository.FileVersionRepository
	tables      repository.FileTableRepository
	jobs        repository.AnnotationJobRepository
	assignments repository.AssignmentRepository
	reviews     repository.ReviewRepository
	drafts      repository.DraftRepository
	drafter     llm.Drafter
	queue       async.Queue
	events      *eventlog.Recorder
	logger      *slog.Logger

	draftTTL     time.Duration
	defaultModel string
}

type Option func(*Service)

// WithDraftTTL sets how long a succeeded draft is reused.
func WithDraftTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.draftTTL = d
		}
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(s *Service) {
		if model != "" {
			s.defaultModel = model
		}
	}
}

func NewService(repos *repository.Repositories, drafter llm.Drafter, queue async.Queue, events *eventlog.Recorder, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:           repos.DB,
		files:        repos.Files,
		versions:     repos.Versions,
		tables:       repos.Tables,
		jobs:         repos.Jobs,
		assignments:  repos.Assignments,
		reviews:      repos.Reviews,
		drafts:       repos.Drafts,
		drafter:      drafter,
		queue:        queue,
		events:       events,
		logger:       logger,
		draftTTL:     24 * time.Hour,
		defaultModel: "gpt-4o-mini",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds the draft worker to router.
func (s *Service) Register(router *async.Router) {
	router.Handle(async.KindDraft, s.handleDraft)
}

// BulkResult reports a BulkCreateJobs call.
type BulkResult struct {
	Created int                     `json:"created"`
	Jobs    []*entity.AnnotationJob `json:"jobs"`
}

// BulkCreateJobs creates one not_started job per table of the file's active
// version that has no live job yet. Calling it again creates nothing.
func (s *Service) BulkCreateJobs(ctx context.Context, fileID int64) (*BulkResult, error) {
	rejected := eventlog.Entry{EntityType: constants.EntityFile, EntityID: fileID, Action: constants.ActionBulkCreateJobs}

	file, err := s.files.Get(ctx, fileID)
	if err == nil && file.Deleted() {
		err = common.NotFoundError("file", fileID)
	}
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, rejected, err)
		}
		return nil, err
	}
	rejected.FromState = string(file.Status)
	if file.Status != constants.FileStatusCompleted || file.ActiveVersionID == nil {
		perr := common.PreconditionError("FILE_NOT_EXTRACTED", "file %d is %s; jobs need a completed extraction", fileID, file.Status)
		s.events.RecordRejected(ctx, rejected, perr)
		return nil, perr
	}

	out := &BulkResult{}
	var tableCount int
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		// the extraction may have been replaced since the check above
		if err := s.files.Lock(ctx, fileID); err != nil {
			return err
		}
		current, err := s.files.Get(ctx, fileID)
		if err != nil {
			return err
		}
		if current.Deleted() {
			return common.NotFoundError("file", fileID)
		}
		if current.Status != constants.FileStatusCompleted || current.ActiveVersionID == nil || *current.ActiveVersionID != *file.ActiveVersionID {
			rejected.FromState = string(current.Status)
			return common.PreconditionError("FILE_NOT_EXTRACTED", "file %d changed while creating jobs; it is %s", fileID, current.Status)
		}
		tables, err := s.tables.ListByVersion(ctx, *current.ActiveVersionID)
		if err != nil {
			return err
		}
		tableCount = len(tables)
		ids := make([]int64, len(tables))
		out.Created = 0
		for i, t := range tables {
			ids[i] = t.ID
			id, inserted, err := s.jobs.InsertIfAbsent(ctx, file.ProjectID, t.ID)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			out.Created++
			if err := s.events.Record(ctx, eventlog.Entry{
				EntityType: constants.EntityJob,
				EntityID:   id,
				Action:     constants.ActionCreate,
				ToState:    string(constants.JobStatusNotStarted),
				Reason:     fmt.Sprintf("table %d", t.ID),
			}); err != nil {
				return err
			}
		}
		if err := s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityFile,
			EntityID:   fileID,
			Action:     constants.ActionBulkCreateJobs,
			FromState:  string(current.Status),
			ToState:    string(current.Status),
			Reason:     fmt.Sprintf("created %d of %d", out.Created, len(tables)),
		}); err != nil {
			return err
		}
		out.Jobs, err = s.jobs.ListLiveByTables(ctx, ids)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrPrecondition) || errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, rejected, err)
		}
		s.logger.Error("bulk create jobs failed", "file_id", fileID, "error", err)
		return nil, err
	}
	s.logger.Info("jobs created", "file_id", fileID, "created", out.Created, "tables", tableCount)
	return out, nil
}

// Assign makes userID the active assignee of jobID in role, superseding the
// previous one. Assigning the current assignee again changes nothing.
func (s *Service) Assign(ctx context.Context, jobID, userID int64, role constants.Role) (*entity.Assignment, error) {
	rejected := eventlog.Entry{EntityType: constants.EntityJob, EntityID: jobID, Action: constants.ActionAssign}
	validator := common.NewValidator()
	validator.Field("user_id", userID, common.PositiveID)
	if !role.Valid() {
		err := common.InvalidInputError(fmt.Sprintf("unknown role %q", role))
		s.events.RecordRejected(ctx, rejected, err)
		return nil, err
	}
	if err := common.ValidateAndReturnError(validator); err != nil {
		s.events.RecordRejected(ctx, rejected, err)
		return nil, err
	}
	if _, err := s.liveJob(ctx, jobID, constants.ActionAssign); err != nil {
		return nil, err
	}

	var out *entity.Assignment
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.assignments.Active(ctx, jobID, role)
		if err != nil {
			return err
		}
		if current != nil && current.UserID == userID {
			out = current
			return nil
		}
		from := ""
		if current != nil {
			ok, err := s.assignments.Supersede(ctx, current.ID)
			if err != nil {
				return err
			}
			if !ok {
				return common.ConflictError("ASSIGNMENT_CHANGED", "assignment %d was superseded concurrently", current.ID)
			}
			from = fmt.Sprintf("user:%d", current.UserID)
			if err := s.events.Record(ctx, eventlog.Entry{
				EntityType: constants.EntityAssignment,
				EntityID:   current.ID,
				Action:     constants.ActionSupersede,
				FromState:  "active",
				ToState:    "superseded",
			}); err != nil {
				return err
			}
		}
		a, err := s.assignments.Create(ctx, jobID, userID, role)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return common.ConflictError("ASSIGNMENT_CHANGED", "job %d got a %s concurrently", jobID, role)
			}
			return err
		}
		out = a
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityJob,
			EntityID:   jobID,
			Action:     constants.ActionAssign,
			FromState:  from,
			ToState:    fmt.Sprintf("user:%d", userID),
			Reason:     string(role),
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			s.events.RecordRejected(ctx, rejected, err)
		}
		return nil, err
	}
	s.logger.Info("job assigned", "job_id", jobID, "user_id", userID, "role", role, "assignment_id", out.ID)
	return out, nil
}

// RequestDraft returns a reusable draft for (job, model) or queues a new
// one. forceRegenerate always queues a new draft.
func (s *Service) RequestDraft(ctx context.Context, jobID int64, model string, forceRegenerate bool) (*entity.Draft, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = s.defaultModel
	}
	job, err := s.liveJob(ctx, jobID, constants.ActionRequestDraft)
	if err != nil {
		return nil, err
	}
	if job.Status == constants.JobStatusReviewed {
		ierr := reviewedError(jobID)
		s.events.RecordRejected(ctx, jobEntry(job, constants.ActionRequestDraft), ierr)
		return nil, ierr
	}
	if job.FileTableID == 0 {
		perr := common.PreconditionError("TABLE_REPLACED", "job %d lost its table to re-extraction", jobID)
		s.events.RecordRejected(ctx, jobEntry(job, constants.ActionRequestDraft), perr)
		return nil, perr
	}

	if !forceRegenerate {
		latest, err := s.drafts.Latest(ctx, jobID, model)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Reusable(s.db.Now()) {
			s.logger.Info("draft reused", "job_id", jobID, "draft_id", latest.ID, "status", latest.Status)
			return latest, nil
		}
	}

	var draft *entity.Draft
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		d, err := s.drafts.Create(ctx, jobID, model, llm.PromptVersion)
		if err != nil {
			return err
		}
		draft = d
		reason := model
		if forceRegenerate {
			reason += " (forced)"
		}
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityDraft,
			EntityID:   d.ID,
			Action:     constants.ActionRequestDraft,
			ToState:    string(constants.DraftStatusQueued),
			Reason:     reason,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, async.NewTask(async.KindDraft, draft.ID, jobID)); err != nil {
		s.logger.Error("draft enqueue failed", "job_id", jobID, "draft_id", draft.ID, "error", err)
		s.failDraft(context.WithoutCancel(ctx), draft.ID, string(constants.DraftStatusQueued), fmt.Sprintf("enqueue draft: %v", err))
	}
	return s.drafts.Get(ctx, draft.ID)
}

// StartJob moves a job from not_started to in_progress.
func (s *Service) StartJob(ctx context.Context, jobID int64) (*entity.AnnotationJob, error) {
	return s.transition(ctx, jobID, constants.ActionStart, constants.JobStatusNotStarted, constants.JobStatusInProgress, "",
		func(ctx context.Context) (bool, error) {
			return s.jobs.Transition(ctx, jobID, constants.JobStatusNotStarted, constants.JobStatusInProgress)
		})
}

// Submit hands an in-progress job to review.
func (s *Service) Submit(ctx context.Context, jobID int64) (*entity.AnnotationJob, error) {
	return s.transition(ctx, jobID, constants.ActionSubmit, constants.JobStatusInProgress, constants.JobStatusSubmitted, "",
		func(ctx context.Context) (bool, error) {
			return s.jobs.Transition(ctx, jobID, constants.JobStatusInProgress, constants.JobStatusSubmitted)
		})
}

// ReviewRequest is one reviewer decision.
type ReviewRequest struct {
	JobID      int64
	ReviewerID int64
	Decision   constants.ReviewStatus
	Comment    string
}

// Review records a decision on a submitted job. Approval makes the job
// reviewed for good; rejection sends it back to in_progress and counts a
// revision.
func (s *Service) Review(ctx context.Context, req ReviewRequest) (*entity.Review, *entity.AnnotationJob, error) {
	rejected := eventlog.Entry{EntityType: constants.EntityJob, EntityID: req.JobID, Action: constants.ActionReview}
	validator := common.NewValidator()
	validator.Field("reviewer_id", req.ReviewerID, common.PositiveID)
	if !req.Decision.Valid() {
		err := common.InvalidInputError(fmt.Sprintf("decision must be approved or rejected, got %q", req.Decision))
		s.events.RecordRejected(ctx, rejected, err)
		return nil, nil, err
	}
	if err := common.ValidateAndReturnError(validator); err != nil {
		s.events.RecordRejected(ctx, rejected, err)
		return nil, nil, err
	}

	to := constants.JobStatusReviewed
	if req.Decision == constants.ReviewStatusRejected {
		to = constants.JobStatusInProgress
	}

	var review *entity.Review
	job, err := s.transition(ctx, req.JobID, constants.ActionReview, constants.JobStatusSubmitted, to, string(req.Decision),
		func(ctx context.Context) (bool, error) {
			var (
				ok  bool
				err error
			)
			if req.Decision == constants.ReviewStatusApproved {
				ok, err = s.jobs.Transition(ctx, req.JobID, constants.JobStatusSubmitted, constants.JobStatusReviewed)
			} else {
				ok, err = s.jobs.Reject(ctx, req.JobID)
			}
			if err != nil || !ok {
				return ok, err
			}
			review, err = s.reviews.Create(ctx, req.JobID, req.ReviewerID, req.Decision, req.Comment)
			if err != nil {
				return false, err
			}
			return true, s.events.Record(ctx, eventlog.Entry{
				EntityType: constants.EntityReview,
				EntityID:   review.ID,
				Action:     constants.ActionCreate,
				ToState:    string(req.Decision),
				ActorID:    req.ReviewerID,
			})
		})
	if err != nil {
		return nil, nil, err
	}
	return review, job, nil
}

// transition runs one conditional job status change and records it.
// A reviewed job refuses every transition with InvalidStateError; any
// other mismatch is a PreconditionError.
func (s *Service) transition(ctx context.Context, jobID int64, action constants.Action, from, to constants.JobStatus, reason string, apply func(ctx context.Context) (bool, error)) (*entity.AnnotationJob, error) {
	job, err := s.liveJob(ctx, jobID, action)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(job, from); err != nil {
		s.events.RecordRejected(ctx, jobEntry(job, action), err)
		return nil, err
	}

	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := apply(ctx)
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.jobs.Get(ctx, jobID)
			if err != nil {
				return err
			}
			if cerr := checkStatus(current, from); cerr != nil {
				return cerr
			}
			return common.PreconditionError("JOB_CHANGED", "job %d changed concurrently", jobID)
		}
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityJob,
			EntityID:   jobID,
			Action:     action,
			FromState:  string(from),
			ToState:    string(to),
			Reason:     reason,
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrPrecondition) || errors.Is(err, common.ErrInvalidState) {
			s.events.RecordRejected(ctx, jobEntry(job, action), err)
		}
		s.logger.Warn("job transition rejected", "job_id", jobID, "action", action, "error", err)
		return nil, err
	}
	s.logger.Info("job transitioned", "job_id", jobID, "action", action, "from", from, "to", to)
	return s.jobs.Get(ctx, jobID)
}

func checkStatus(job *entity.AnnotationJob, want constants.JobStatus) error {
	if job.Status == want {
		return nil
	}
	if job.Status == constants.JobStatusReviewed {
		return reviewedError(job.ID)
	}
	return common.PreconditionError("JOB_STATUS", "job %d is %s, expected %s", job.ID, job.Status, want)
}

func reviewedError(jobID int64) error {
	return common.InvalidStateError("JOB_REVIEWED", "job %d is reviewed and can no longer change", jobID)
}

// liveJob loads a non-deleted job, recording a rejected event for action
// when it is missing.
func (s *Service) liveJob(ctx context.Context, jobID int64, action constants.Action) (*entity.AnnotationJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err == nil && job.DeletedAt != nil {
		err = common.NotFoundError("annotation job", jobID)
	}
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.events.RecordRejected(ctx, eventlog.Entry{EntityType: constants.EntityJob, EntityID: jobID, Action: action}, err)
		}
		return nil, err
	}
	return job, nil
}

func jobEntry(job *entity.AnnotationJob, action constants.Action) eventlog.Entry {
	return eventlog.Entry{
		EntityType: constants.EntityJob,
		EntityID:   job.ID,
		Action:     action,
		FromState:  string(job.Status),
	}
}

func (s *Service) GetJob(ctx context.Context, jobID int64) (*entity.AnnotationJob, error) {
	return s.jobs.Get(ctx, jobID)
}

// ListJobs returns the live jobs of a project.
func (s *Service) ListJobs(ctx context.Context, projectID int64) ([]*entity.AnnotationJob, error) {
	return s.jobs.ListByProject(ctx, projectID)
}

func (s *Service) ListReviews(ctx context.Context, jobID int64) ([]*entity.Review, error) {
	return s.reviews.ListByJob(ctx, jobID)
}

func (s *Service) ActiveAssignments(ctx context.Context, jobID int64) ([]*entity.Assignment, error) {
	return s.assignments.ListActive(ctx, jobID)
}

// AssignmentHistory returns every assignment of a job, superseded ones included.
func (s *Service) AssignmentHistory(ctx context.Context, jobID int64) ([]*entity.Assignment, error) {
	return s.assignments.ListByJob(ctx, jobID)
}

func (s *Service) GetDraft(ctx context.Context, draftID int64) (*entity.Draft, error) {
	return s.drafts.Get(ctx, draftID)
}

func (s *Service) ListDrafts(ctx context.Context, jobID int64) ([]*entity.Draft, error) {
	return s.drafts.ListByJob(ctx, jobID)
}
