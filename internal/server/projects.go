package server

import (
	"context"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/services/projects"
)

func (s *Server) createOrganization(ctx context.Context, in args) (any, error) {
	return s.svc.Projects.CreateOrganization(ctx, in.str("name"))
}

func (s *Server) createProject(ctx context.Context, in args) (any, error) {
	orgID, err := in.id("organization_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Projects.CreateProject(ctx, projects.CreateProjectRequest{
		OrganizationID: orgID,
		Name:           in.str("name"),
		Description:    in.str("description"),
	})
}

func (s *Server) getProject(ctx context.Context, in args) (any, error) {
	id, err := in.id("project_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Projects.GetProject(ctx, id)
}

func (s *Server) listProjects(ctx context.Context, in args) (any, error) {
	orgID, err := in.id("organization_id")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Projects.ListProjects(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"projects": list}, nil
}

func (s *Server) updateProjectStatus(ctx context.Context, in args) (any, error) {
	id, err := in.id("project_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Projects.UpdateStatus(ctx, id, constants.ProjectStatus(in.str("status")))
}

func (s *Server) listEvents(ctx context.Context, in args) (any, error) {
	if in.has("entity_type") {
		id, err := in.id("entity_id")
		if err != nil {
			return nil, err
		}
		evs, err := s.svc.Events.List(ctx, constants.EntityType(in.str("entity_type")), id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": evs}, nil
	}

	var after int64
	if in.has("after_id") {
		n, err := in.id("after_id")
		if err != nil {
			return nil, err
		}
		after = n
	}
	limit := 100
	if in.has("limit") {
		n, err := in.id("limit")
		if err != nil {
			return nil, err
		}
		limit = int(min(n, 1000))
	}
	evs, err := s.svc.Events.Since(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": evs}, nil
}
