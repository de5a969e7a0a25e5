package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

const draftsTable = "drafts"

var draftColumns = []string{
	"id", "job_id", "model_name", "status", "content", "prompt_version", "input_tokens",
	"output_tokens", "cost_usd", "failure_reason", "requested_at", "completed_at", "expires_at",
}

// DraftResult is what a successful generation stores on a draft.
type DraftResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	ExpiresAt    time.Time
}

type DraftRepository interface {
	Create(ctx context.Context, jobID int64, model, promptVersion string) (*entity.Draft, error)
	Get(ctx context.Context, id int64) (*entity.Draft, error)
	// Latest returns the newest draft for (job, model), or nil.
	Latest(ctx context.Context, jobID int64, model string) (*entity.Draft, error)
	ListByJob(ctx context.Context, jobID int64) ([]*entity.Draft, error)
	// ListInFlight returns queued and generating drafts, oldest first.
	ListInFlight(ctx context.Context) ([]*entity.Draft, error)
	MarkGenerating(ctx context.Context, id int64) (bool, error)
	Succeed(ctx context.Context, id int64, res DraftResult) (bool, error)
	Fail(ctx context.Context, id int64, reason string) (bool, error)
}

type draftRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewDraftRepository(db *DB, logger *slog.Logger) DraftRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &draftRepo{db: db, logger: logger}
}

func (r *draftRepo) Create(ctx context.Context, jobID int64, model, promptVersion string) (*entity.Draft, error) {
	now := r.db.Now()
	ib := r.db.builder().Insert(draftsTable).
		Columns("job_id", "model_name", "status", "prompt_version", "input_tokens", "output_tokens", "cost_usd", "requested_at").
		Values(jobID, model, string(constants.DraftStatusQueued), promptVersion, 0, 0, 0.0, now)
	id, err := r.db.insert(ctx, ib)
	if err != nil {
		r.logger.Error("failed to create draft", "job_id", jobID, "model", model, "error", err)
		return nil, err
	}
	return &entity.Draft{
		ID:            id,
		JobID:         jobID,
		ModelName:     model,
		Status:        constants.DraftStatusQueued,
		PromptVersion: promptVersion,
		RequestedAt:   now,
	}, nil
}

func (r *draftRepo) Get(ctx context.Context, id int64) (*entity.Draft, error) {
	b := r.db.builder()
	s := b.Select(draftColumns...).From(b.Table(draftsTable)).Where(entsql.EQ("id", id))
	out, err := r.list(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundError("draft", id)
	}
	return out[0], nil
}

func (r *draftRepo) Latest(ctx context.Context, jobID int64, model string) (*entity.Draft, error) {
	b := r.db.builder()
	s := b.Select(draftColumns...).From(b.Table(draftsTable)).
		Where(entsql.And(entsql.EQ("job_id", jobID), entsql.EQ("model_name", model))).
		OrderBy(entsql.Desc("id")).
		Limit(1)
	out, err := r.list(ctx, s)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (r *draftRepo) ListByJob(ctx context.Context, jobID int64) ([]*entity.Draft, error) {
	b := r.db.builder()
	s := b.Select(draftColumns...).From(b.Table(draftsTable)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *draftRepo) ListInFlight(ctx context.Context) ([]*entity.Draft, error) {
	b := r.db.builder()
	s := b.Select(draftColumns...).From(b.Table(draftsTable)).
		Where(r.inFlight()).
		OrderBy("id")
	return r.list(ctx, s)
}

func (r *draftRepo) MarkGenerating(ctx context.Context, id int64) (bool, error) {
	u := r.db.builder().Update(draftsTable).
		Set("status", string(constants.DraftStatusGenerating)).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(constants.DraftStatusQueued))))
	return r.affected(ctx, u, id)
}

func (r *draftRepo) Succeed(ctx context.Context, id int64, res DraftResult) (bool, error) {
	u := r.db.builder().Update(draftsTable).
		Set("status", string(constants.DraftStatusSucceeded)).
		Set("content", res.Content).
		Set("input_tokens", res.InputTokens).
		Set("output_tokens", res.OutputTokens).
		Set("cost_usd", res.CostUSD).
		Set("completed_at", r.db.Now()).
		Set("expires_at", res.ExpiresAt.UTC()).
		Where(entsql.And(entsql.EQ("id", id), r.inFlight()))
	return r.affected(ctx, u, id)
}

func (r *draftRepo) Fail(ctx context.Context, id int64, reason string) (bool, error) {
	u := r.db.builder().Update(draftsTable).
		Set("status", string(constants.DraftStatusFailed)).
		Set("failure_reason", reason).
		Set("completed_at", r.db.Now()).
		Where(entsql.And(entsql.EQ("id", id), r.inFlight()))
	return r.affected(ctx, u, id)
}

func (r *draftRepo) inFlight() *entsql.Predicate {
	return entsql.In("status", string(constants.DraftStatusQueued), string(constants.DraftStatusGenerating))
}

func (r *draftRepo) affected(ctx context.Context, u *entsql.UpdateBuilder, id int64) (bool, error) {
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.logger.Error("failed to update draft", "draft_id", id, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *draftRepo) list(ctx context.Context, s *entsql.Selector) ([]*entity.Draft, error) {
	var out []*entity.Draft
	err := r.db.query(ctx, s, func(rs rowScanner) error {
		var (
			d         entity.Draft
			status    string
			content   sql.NullString
			reason    sql.NullString
			completed sql.NullTime
			expires   sql.NullTime
		)
		err := rs.Scan(&d.ID, &d.JobID, &d.ModelName, &status, &content, &d.PromptVersion, &d.InputTokens,
			&d.OutputTokens, &d.CostUSD, &reason, &d.RequestedAt, &completed, &expires)
		if err != nil {
			return err
		}
		d.Status = constants.DraftStatus(status)
		d.Content = nullString(content)
		d.FailureReason = nullString(reason)
		d.RequestedAt = d.RequestedAt.UTC()
		d.CompletedAt = nullTime(completed)
		d.ExpiresAt = nullTime(expires)
		out = append(out, &d)
		return nil
	})
	return out, err
}
