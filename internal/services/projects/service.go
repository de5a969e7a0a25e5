package projects

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

// Service handles organization and project business logic.
type Service struct {
	db       *repository.DB
	projects repository.ProjectRepository
	events   *eventlog.Recorder
	logger   *slog.Logger
}

// NewService creates a new project service.
func NewService(repos *repository.Repositories, events *eventlog.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       repos.DB,
		projects: repos.Projects,
		events:   events,
		logger:   logger,
	}
}

// CreateOrganization creates a new organization.
func (s *Service) CreateOrganization(ctx context.Context, name string) (*entity.Organization, error) {
	validator := common.NewValidator()
	validator.Field("name", name, common.Required, common.MaxLength(255))
	if err := common.ValidateAndReturnError(validator); err != nil {
		return nil, err
	}
	org, err := s.projects.CreateOrganization(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	s.logger.Info("organization created", "organization_id", org.ID, "name", org.Name)
	return org, nil
}

// CreateProjectRequest represents project creation parameters.
type CreateProjectRequest struct {
	OrganizationID int64
	Name           string
	Description    string
}

// CreateProject creates a project in draft status.
func (s *Service) CreateProject(ctx context.Context, req CreateProjectRequest) (*entity.Project, error) {
	validator := common.NewValidator()
	validator.Field("organization_id", req.OrganizationID, common.PositiveID)
	validator.Field("name", req.Name, common.Required, common.MaxLength(255))
	if err := common.ValidateAndReturnError(validator); err != nil {
		return nil, err
	}
	if _, err := s.projects.GetOrganization(ctx, req.OrganizationID); err != nil {
		return nil, err
	}

	var desc *string
	if d := strings.TrimSpace(req.Description); d != "" {
		desc = &d
	}

	var p *entity.Project
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.projects.Create(ctx, req.OrganizationID, strings.TrimSpace(req.Name), desc)
		if err != nil {
			return err
		}
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityProject,
			EntityID:   p.ID,
			Action:     constants.ActionCreate,
			ToState:    string(p.Status),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", p.ID, "organization_id", p.OrganizationID, "name", p.Name)
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id int64) (*entity.Project, error) {
	return s.projects.Get(ctx, id)
}

func (s *Service) ListProjects(ctx context.Context, orgID int64) ([]*entity.Project, error) {
	return s.projects.ListByOrganization(ctx, orgID)
}

// projectFlow lists the statuses each project status may move to.
var projectFlow = map[constants.ProjectStatus][]constants.ProjectStatus{
	constants.ProjectStatusDraft:      {constants.ProjectStatusReady, constants.ProjectStatusArchived},
	constants.ProjectStatusReady:      {constants.ProjectStatusInProgress, constants.ProjectStatusArchived},
	constants.ProjectStatusInProgress: {constants.ProjectStatusCompleted, constants.ProjectStatusArchived},
	constants.ProjectStatusCompleted:  {constants.ProjectStatusInProgress, constants.ProjectStatusArchived},
}

// UpdateStatus moves a project along projectFlow. Archived is terminal.
func (s *Service) UpdateStatus(ctx context.Context, id int64, to constants.ProjectStatus) (*entity.Project, error) {
	p, err := s.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entry := eventlog.Entry{
		EntityType: constants.EntityProject,
		EntityID:   id,
		Action:     constants.ActionUpdateStatus,
		FromState:  string(p.Status),
	}
	if !slices.Contains(projectFlow[p.Status], to) {
		var perr error
		if p.Status == constants.ProjectStatusArchived {
			perr = common.InvalidStateError("PROJECT_ARCHIVED", "project %d is archived", id)
		} else {
			perr = common.PreconditionError("PROJECT_STATUS", "project %d cannot move from %s to %s", id, p.Status, to)
		}
		s.events.RecordRejected(ctx, entry, perr)
		return nil, perr
	}

	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.projects.UpdateStatus(ctx, id, p.Status, to)
		if err != nil {
			return err
		}
		if !ok {
			return common.PreconditionError("PROJECT_CHANGED", "project %d changed concurrently", id)
		}
		entry.ToState = string(to)
		return s.events.Record(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, common.ErrPrecondition) {
			s.events.RecordRejected(ctx, entry, err)
		}
		return nil, err
	}
	return s.projects.Get(ctx, id)
}
