package server

import (
	"context"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/services/annotation"
)

func (s *Server) bulkCreateJobs(ctx context.Context, in args) (any, error) {
	fileID, err := in.id("file_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Annotation.BulkCreateJobs(ctx, fileID)
}

func (s *Server) assignJob(ctx context.Context, in args) (any, error) {
	jobID, err := in.id("job_id")
	if err != nil {
		return nil, err
	}
	userID, err := in.id("user_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Annotation.Assign(ctx, jobID, userID, constants.Role(in.str("role")))
}

func (s *Server) requestDraft(ctx context.Context, in args) (any, error) {
	jobID, err := in.id("job_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Annotation.RequestDraft(ctx, jobID, in.str("model"), in.boolean("force_regenerate"))
}

func (s *Server) startJob(ctx context.Context, in args) (any, error) {
	jobID, err := in.id("job_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Annotation.StartJob(ctx, jobID)
}

func (s *Server) submitJob(ctx context.Context, in args) (any, error) {
	jobID, err := in.id("job_id")
	if err != nil {
		return nil, err
	}
	return s.svc.Annotation.Submit(ctx, jobID)
}

// reviewJob takes the reviewer from reviewer_id, falling back to the
// calling actor.
func (s *Server) reviewJob(ctx context.Context, in args) (any, error) {
	jobID, err := in.id("job_id")
	if err != nil {
		return nil, err
	}
	reviewer := common.ActorFromContext(ctx)
	if in.has("reviewer_id") {
		if reviewer, err = in.id("reviewer_id"); err != nil {
			return nil, err
		}
	}
	review, job, err := s.svc.Annotation.Review(ctx, annotation.ReviewRequest{
		JobID:      jobID,
		ReviewerID: reviewer,
		Decision:   constants.ReviewStatus(in.str("decision")),
		Comment:    in.str("comment"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"review": review, "job": job}, nil
}

func (s *Server) getJob(ctx context.Context, in args) (any, error) {
	jobID, err := in.id("job_id")
	if err != nil {
		return nil, err
	}
	job, err := s.svc.Annotation.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	assignments, err := s.svc.Annotation.ActiveAssignments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.svc.Annotation.ListReviews(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job, "assignments": assignments, "reviews": reviews}, nil
}

func (s *Server) listJobs(ctx context.Context, in args) (any, error) {
	projectID, err := in.id("project_id")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Annotation.ListJobs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": list}, nil
}

func (s *Server) listDrafts(ctx context.Context, in args) (any, error) {
	jobID, err := in.id("job_id")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Annotation.ListDrafts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"drafts": list}, nil
}
