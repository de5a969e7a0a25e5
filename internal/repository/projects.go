package repository

import (
	"context"
	"database/sql"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const (
	organizationsTable = "organizations"
	projectsTable      = "projects"
)

var projectColumns = []string{"id", "organization_id", "name", "description", "status", "created_at", "updated_at"}

type ProjectRepository interface {
	CreateOrganization(ctx context.Context, name string) (*entity.Organization, error)
	GetOrganization(ctx context.Context, id int64) (*entity.Organization, error)
	Create(ctx context.Context, orgID int64, name string, description *string) (*entity.Project, error)
	Get(ctx context.Context, id int64) (*entity.Project, error)
	ListByOrganization(ctx context.Context, orgID int64) ([]*entity.Project, error)
	UpdateStatus(ctx context.Context, id int64, from, to constants.ProjectStatus) (bool, error)
}

type projectRepository struct {
	db     *DB
	logger *slog.Logger
}

func NewProjectRepository(db *DB, logger *slog.Logger) ProjectRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &projectRepository{db: db, logger: logger}
}

func (r *projectRepository) CreateOrganization(ctx context.Context, name string) (*entity.Organization, error) {
	now := r.db.Now()
	ib := r.db.builder().Insert(organizationsTable).Columns("name", "created_at").Values(name, now)
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		r.logger.Error("failed to create organization", "name", name, "error", err)
		return nil, err
	}
	return &entity.Organization{ID: id, Name: name, CreatedAt: now}, nil
}

func (r *projectRepository) GetOrganization(ctx context.Context, id int64) (*entity.Organization, error) {
	b := r.db.builder()
	s := b.Select("id", "name", "created_at").From(b.Table(organizationsTable)).Where(entsql.EQ("id", id))
	var org *entity.Organization
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var o entity.Organization
		if err := rs.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return err
		}
		o.CreatedAt = o.CreatedAt.UTC()
		org = &o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, common.NotFoundError("organization", id)
	}
	return org, nil
}

func (r *projectRepository) Create(ctx context.Context, orgID int64, name string, description *string) (*entity.Project, error) {
	now := r.db.Now()
	ib := r.db.builder().Insert(projectsTable).
		Columns("organization_id", "name", "description", "status", "created_at", "updated_at").
		Values(orgID, name, ptr(description), string(constants.ProjectStatusDraft), now, now)
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		r.logger.Error("failed to create project", "organization_id", orgID, "name", name, "error", err)
		return nil, err
	}
	return &entity.Project{
		ID:             id,
		OrganizationID: orgID,
		Name:           name,
		Description:    description,
		Status:         constants.ProjectStatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (r *projectRepository) Get(ctx context.Context, id int64) (*entity.Project, error) {
	b := r.db.builder()
	s := b.Select(projectColumns...).From(b.Table(projectsTable)).Where(entsql.EQ("id", id))
	out, err := r.list(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundError("project", id)
	}
	return out[0], nil
}

func (r *projectRepository) ListByOrganization(ctx context.Context, orgID int64) ([]*entity.Project, error) {
	b := r.db.builder()
	s := b.Select(projectColumns...).From(b.Table(projectsTable)).
		Where(entsql.EQ("organization_id", orgID)).
		OrderBy("id")
	plist, err := r.list(ctx, s)
	if err != nil {
		r.logger.Error("failed to list projects", "organization_id", orgID, "error", err)
		return nil, err
	}
	return plist, nil
}

func (r *projectRepository) UpdateStatus(ctx context.Context, id int64, from, to constants.ProjectStatus) (bool, error) {
	u := r.db.builder().Update(projectsTable).
		Set("status", string(to)).
		Set("updated_at", r.db.Now()).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(from))))
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.logger.Error("failed to update project status", "project_id", id, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *projectRepository) list(ctx context.Context, s *entsql.Selector) ([]*entity.Project, error) {
	var out []*entity.Project
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var (
			p      entity.Project
			desc   sql.NullString
			status string
		)
		if err := rs.Scan(&p.ID, &p.OrganizationID, &p.Name, &desc, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return err
		}
		p.Description = nullString(desc)
		p.Status = constants.ProjectStatus(status)
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		out = append(out, &p)
		return nil
	})
	return out, err
}
