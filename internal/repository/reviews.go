package repository

import (
	"context"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const reviewsTable = "reviews"

type ReviewRepository interface {
	Create(ctx context.Context, jobID, reviewerID int64, status constants.ReviewStatus, comment string) (*entity.Review, error)
	ListByJob(ctx context.Context, jobID int64) ([]*entity.Review, error)
}

type reviewRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewReviewRepository(db *DB, logger *slog.Logger) ReviewRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &reviewRepo{db: db, logger: logger}
}

func (r *reviewRepo) Create(ctx context.Context, jobID, reviewerID int64, status constants.ReviewStatus, comment string) (*entity.Review, error) {
	now := r.db.Now()
	ib := r.db.builder().Insert(reviewsTable).
		Columns("job_id", "reviewer_id", "status", "comment", "created_at").
		Values(jobID, reviewerID, string(status), comment, now)
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		r.logger.Error("failed to create review", "job_id", jobID, "reviewer_id", reviewerID, "error", err)
		return nil, err
	}
	return &entity.Review{ID: id, JobID: jobID, ReviewerID: reviewerID, Status: status, Comment: comment, CreatedAt: now}, nil
}

func (r *reviewRepo) ListByJob(ctx context.Context, jobID int64) ([]*entity.Review, error) {
	b := r.db.builder()
	s := b.Select("id", "job_id", "reviewer_id", "status", "comment", "created_at").
		From(b.Table(reviewsTable)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy("id")
	var out []*entity.Review
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var (
			rv     entity.Review
			status string
		)
		if err := rs.Scan(&rv.ID, &rv.JobID, &rv.ReviewerID, &status, &rv.Comment, &rv.CreatedAt); err != nil {
			return err
		}
		rv.Status = constants.ReviewStatus(status)
		rv.CreatedAt = rv.CreatedAt.UTC()
		out = append(out, &rv)
		return nil
	})
	return out, err
}
