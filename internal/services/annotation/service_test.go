package annotation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/extract"
	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/services/annotation"
	"github.com/joseph-ayodele/docflow/internal/services/extraction"
	"github.com/joseph-ayodele/docflow/internal/services/files"
	"github.com/joseph-ayodele/docflow/internal/testutil"
)

type fixture struct {
	env        *testutil.Env
	files      *files.Service
	extraction *extraction.Service
	svc        *annotation.Service
	file       *entity.File
	tables     []extract.Table
	requests   []llm.DraftRequest
	draftErr   error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	fx := &fixture{env: env, tables: []extract.Table{
		{PageNumber: 1, TableIndex: 0, Headers: [][]string{{"item", "amount"}}, Rows: [][]string{{"rent", "1200"}}},
		{PageNumber: 1, TableIndex: 1, Headers: [][]string{{"total"}}, Rows: [][]string{{"1200"}}},
	}}
	extractor := extract.ServiceFunc(func(context.Context, extract.Request) (*extract.Result, error) {
		return &extract.Result{PageCount: 1, Tables: fx.tables}, nil
	})
	drafter := llm.DrafterFunc(func(_ context.Context, req llm.DraftRequest) (*llm.DraftResult, error) {
		fx.requests = append(fx.requests, req)
		if fx.draftErr != nil {
			return nil, fx.draftErr
		}
		return &llm.DraftResult{Content: "Monthly rent ledger", Model: req.Model, InputTokens: 120, OutputTokens: 30, CostUSD: 0.0001}, nil
	})

	fx.files = files.NewService(env.Repos, env.Blobs, env.Events, env.Logger)
	fx.extraction = extraction.NewService(env.Repos, env.Blobs, extractor, env.Queue, env.Events, env.Logger)
	fx.extraction.Register(env.Router)
	fx.svc = annotation.NewService(env.Repos, drafter, env.Queue, env.Events, env.Logger, annotation.WithDraftTTL(time.Hour))
	fx.svc.Register(env.Router)

	p := env.Project(t)
	f, _, err := fx.files.CreateFile(context.Background(), files.CreateFileRequest{ProjectID: p.ID, Name: "ledger.pdf", Content: []byte("%PDF ledger")})
	require.NoError(t, err)
	fx.file = f
	return fx
}

func (fx *fixture) extract(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := fx.extraction.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)
}

func (fx *fixture) jobs(t *testing.T) []*entity.AnnotationJob {
	t.Helper()
	fx.extract(t)
	res, err := fx.svc.BulkCreateJobs(context.Background(), fx.file.ID)
	require.NoError(t, err)
	return res.Jobs
}

func TestBulkCreateJobs_Idempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.BulkCreateJobs(ctx, fx.file.ID)
	require.ErrorIs(t, err, common.ErrPrecondition, "tables must be extracted first")

	fx.extract(t)
	first, err := fx.svc.BulkCreateJobs(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	require.Len(t, first.Jobs, 2)
	for _, j := range first.Jobs {
		assert.Equal(t, constants.JobStatusNotStarted, j.Status)
		assert.Equal(t, fx.file.ProjectID, j.ProjectID)
	}

	second, err := fx.svc.BulkCreateJobs(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Len(t, second.Jobs, 2)

	all, err := fx.svc.ListJobs(ctx, fx.file.ProjectID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, []constants.Action{constants.ActionCreate}, fx.env.Actions(t, constants.EntityJob, first.Jobs[0].ID))
}

func TestAssign_SupersedesPreviousAssignee(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]

	a1, err := fx.svc.Assign(ctx, job.ID, 10, constants.RoleAnnotator)
	require.NoError(t, err)
	again, err := fx.svc.Assign(ctx, job.ID, 10, constants.RoleAnnotator)
	require.NoError(t, err)
	assert.Equal(t, a1.ID, again.ID, "same assignee is a no-op")

	a2, err := fx.svc.Assign(ctx, job.ID, 11, constants.RoleAnnotator)
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a2.ID)
	_, err = fx.svc.Assign(ctx, job.ID, 20, constants.RoleReviewer)
	require.NoError(t, err)

	active, err := fx.svc.ActiveAssignments(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, int64(11), active[0].UserID)
	assert.Equal(t, constants.RoleReviewer, active[1].Role)

	history, err := fx.svc.AssignmentHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.False(t, history[0].Active)
	assert.Equal(t, []constants.Action{constants.ActionSupersede}, fx.env.Actions(t, constants.EntityAssignment, a1.ID))

	_, err = fx.svc.Assign(ctx, job.ID, 12, constants.Role("owner"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = fx.svc.Assign(ctx, 9999, 12, constants.RoleAnnotator)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRequestDraft_GeneratesAndStartsJob(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]

	d, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	assert.Equal(t, constants.DraftStatusQueued, d.Status)
	assert.Equal(t, "gpt-4o-mini", d.ModelName)
	assert.Equal(t, llm.PromptVersion, d.PromptVersion)

	pending, err := fx.svc.RequestDraft(ctx, job.ID, "gpt-4o-mini", false)
	require.NoError(t, err)
	assert.Equal(t, d.ID, pending.ID, "an in-flight draft is reused")

	fx.env.Queue.Drain(ctx)
	require.Len(t, fx.requests, 1)
	assert.Equal(t, "ledger.pdf", fx.requests[0].FileName)
	assert.Equal(t, [][]string{{"item", "amount"}}, fx.requests[0].Headers)

	got, err := fx.svc.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DraftStatusSucceeded, got.Status)
	require.NotNil(t, got.Content)
	assert.Equal(t, "Monthly rent ledger", *got.Content)
	assert.Equal(t, 120, got.InputTokens)

	j, err := fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusInProgress, j.Status)

	reused, err := fx.svc.RequestDraft(ctx, job.ID, "gpt-4o-mini", false)
	require.NoError(t, err)
	assert.Equal(t, d.ID, reused.ID)

	forced, err := fx.svc.RequestDraft(ctx, job.ID, "gpt-4o-mini", true)
	require.NoError(t, err)
	assert.NotEqual(t, d.ID, forced.ID)
	fx.env.Queue.Drain(ctx)

	other, err := fx.svc.RequestDraft(ctx, job.ID, "gpt-4.1", false)
	require.NoError(t, err)
	assert.NotEqual(t, forced.ID, other.ID, "drafts are reused per model")

	drafts, err := fx.svc.ListDrafts(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, drafts, 3)
}

func TestRequestDraft_ExpiredDraftIsRegenerated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]

	d, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)

	fx.env.Clock.Advance(2 * time.Hour)
	fresh, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	assert.NotEqual(t, d.ID, fresh.ID)
	assert.Equal(t, constants.DraftStatusQueued, fresh.Status)
}

func TestRequestDraft_FailureIsRecorded(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]
	fx.draftErr = &llm.HTTPError{Status: 429, Body: "rate limited"}

	d, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)

	got, err := fx.svc.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DraftStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "429")

	j, err := fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusNotStarted, j.Status, "a failed draft does not start the job")

	fx.draftErr = nil
	retry, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	assert.NotEqual(t, d.ID, retry.ID, "failed drafts are not reused")

	assert.Equal(t, []constants.Action{
		constants.ActionRequestDraft,
		constants.ActionRequestDraft,
		constants.ActionFailDraft,
	}, fx.env.Actions(t, constants.EntityDraft, d.ID))
}

func TestReviewLoop(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]

	_, err := fx.svc.Submit(ctx, job.ID)
	require.ErrorIs(t, err, common.ErrPrecondition)

	_, err = fx.svc.StartJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = fx.svc.StartJob(ctx, job.ID)
	require.ErrorIs(t, err, common.ErrPrecondition)

	_, _, err = fx.svc.Review(ctx, annotation.ReviewRequest{JobID: job.ID, ReviewerID: 20, Decision: constants.ReviewStatusApproved})
	require.ErrorIs(t, err, common.ErrPrecondition, "only submitted jobs are reviewed")

	_, err = fx.svc.Submit(ctx, job.ID)
	require.NoError(t, err)
	rev, j, err := fx.svc.Review(ctx, annotation.ReviewRequest{JobID: job.ID, ReviewerID: 20, Decision: constants.ReviewStatusRejected, Comment: "totals missing"})
	require.NoError(t, err)
	assert.Equal(t, constants.ReviewStatusRejected, rev.Status)
	assert.Equal(t, constants.JobStatusInProgress, j.Status)
	assert.Equal(t, 1, j.RevisionCount)

	_, err = fx.svc.Submit(ctx, job.ID)
	require.NoError(t, err)
	_, j, err = fx.svc.Review(ctx, annotation.ReviewRequest{JobID: job.ID, ReviewerID: 20, Decision: constants.ReviewStatusApproved})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusReviewed, j.Status)
	assert.Equal(t, 1, j.RevisionCount)

	_, err = fx.svc.Submit(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, err = fx.svc.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, _, err = fx.svc.Review(ctx, annotation.ReviewRequest{JobID: job.ID, ReviewerID: 20, Decision: constants.ReviewStatusRejected})
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, err = fx.svc.RequestDraft(ctx, job.ID, "", false)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	evs, err := fx.env.Events.List(ctx, constants.EntityJob, job.ID)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, constants.ActionRequestDraft, last.Action)
	assert.Equal(t, string(constants.JobStatusReviewed), last.FromState)
	assert.Equal(t, last.FromState, last.ToState)

	_, err = fx.svc.Assign(ctx, job.ID, 30, constants.RoleQC)
	assert.NoError(t, err, "reviewed jobs can still be assigned for QC")

	_, _, err = fx.svc.Review(ctx, annotation.ReviewRequest{JobID: job.ID, ReviewerID: 20, Decision: constants.ReviewStatusPending})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	reviews, err := fx.svc.ListReviews(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, "totals missing", reviews[0].Comment)
}

func TestRetiredJobsAreGone(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	jobs := fx.jobs(t)

	fx.tables = fx.tables[:1]
	fx.extract(t)

	_, err := fx.svc.RequestDraft(ctx, jobs[0].ID, "", false)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = fx.svc.StartJob(ctx, jobs[1].ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	res, err := fx.svc.BulkCreateJobs(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
}

func TestDraftWorker_SkipsDraftsNoLongerQueued(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]

	d, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	ok, err := fx.env.Repos.Drafts.Fail(ctx, d.ID, "cancelled")
	require.NoError(t, err)
	require.True(t, ok)

	fx.env.Queue.Drain(ctx)
	assert.Empty(t, fx.requests)
}

var errBoom = errors.New("boom")

func TestRequestDraft_WorkerFailureKeepsJobUntouched(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]
	_, err := fx.svc.StartJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = fx.svc.Submit(ctx, job.ID)
	require.NoError(t, err)

	d, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)

	got, err := fx.svc.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DraftStatusSucceeded, got.Status)
	j, err := fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSubmitted, j.Status, "a draft never moves a job backwards")

	fx.draftErr = errBoom
	forced, err := fx.svc.RequestDraft(ctx, job.ID, "", true)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)
	got, err = fx.svc.GetDraft(ctx, forced.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DraftStatusFailed, got.Status)
	assert.Equal(t, "boom", *got.FailureReason)
}

func TestInvalidRequestsAreAudited(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]

	_, err := fx.svc.Assign(ctx, job.ID, 10, constants.Role("owner"))
	require.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = fx.svc.Assign(ctx, job.ID, 0, constants.RoleAnnotator)
	require.ErrorIs(t, err, common.ErrInvalidInput)
	_, _, err = fx.svc.Review(ctx, annotation.ReviewRequest{JobID: job.ID, ReviewerID: 20, Decision: constants.ReviewStatus("maybe")})
	require.ErrorIs(t, err, common.ErrInvalidInput)
	_, _, err = fx.svc.Review(ctx, annotation.ReviewRequest{JobID: job.ID, Decision: constants.ReviewStatusApproved})
	require.ErrorIs(t, err, common.ErrInvalidInput)

	evs, err := fx.env.Events.List(ctx, constants.EntityJob, job.ID)
	require.NoError(t, err)
	require.Len(t, evs, 5)
	assert.Equal(t, constants.ActionCreate, evs[0].Action)
	want := []constants.Action{constants.ActionAssign, constants.ActionAssign, constants.ActionReview, constants.ActionReview}
	for i, ev := range evs[1:] {
		assert.Equal(t, want[i], ev.Action)
		assert.Equal(t, ev.FromState, ev.ToState, "rejections do not change state")
		assert.NotEmpty(t, ev.Reason)
	}
	assert.Contains(t, evs[1].Reason, "owner")
	assert.Contains(t, evs[3].Reason, "maybe")
}

func TestBulkCreateJobs_UsesCurrentExtraction(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.jobs(t)

	_, err := fx.files.ReplaceFile(ctx, fx.file.ID, []byte("%PDF ledger v2"))
	require.NoError(t, err)
	_, err = fx.svc.BulkCreateJobs(ctx, fx.file.ID)
	require.ErrorIs(t, err, common.ErrPrecondition, "a new version needs its own extraction")

	fx.tables = append(fx.tables, extract.Table{PageNumber: 2, TableIndex: 0, Headers: [][]string{{"note"}}, Rows: [][]string{{"paid"}}})
	fx.extract(t)
	f, err := fx.files.GetFile(ctx, fx.file.ID)
	require.NoError(t, err)
	require.NotNil(t, f.ActiveVersionID)
	tables, err := fx.env.Repos.Tables.ListByVersion(ctx, *f.ActiveVersionID)
	require.NoError(t, err)
	require.Len(t, tables, 3)
	current := map[int64]bool{}
	for _, tb := range tables {
		current[tb.ID] = true
	}

	res, err := fx.svc.BulkCreateJobs(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	for _, j := range res.Jobs {
		assert.True(t, current[j.FileTableID], "job %d points at a table of the active version", j.ID)
	}

	evs, err := fx.env.Events.List(ctx, constants.EntityFile, fx.file.ID)
	require.NoError(t, err)
	var bulk []string
	for _, ev := range evs {
		if ev.Action == constants.ActionBulkCreateJobs {
			bulk = append(bulk, ev.Reason)
		}
	}
	require.Len(t, bulk, 3)
	assert.Equal(t, "created 2 of 2", bulk[0])
	assert.Contains(t, bulk[1], "completed extraction")
	assert.Equal(t, "created 3 of 3", bulk[2])
}

func TestReclaimStale_FailsAbandonedDrafts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	job := fx.jobs(t)[0]

	_, err := fx.svc.ReclaimStale(ctx, 0)
	require.ErrorIs(t, err, common.ErrInvalidInput)

	d, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	n, err := fx.svc.ReclaimStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh draft is left alone")

	// the worker never picks the task up
	fx.env.Clock.Advance(2 * time.Hour)
	n, err = fx.svc.ReclaimStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := fx.svc.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DraftStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "abandoned")
	assert.Equal(t, []constants.Action{
		constants.ActionRequestDraft,
		constants.ActionFailDraft,
	}, fx.env.Actions(t, constants.EntityDraft, d.ID))

	retry, err := fx.svc.RequestDraft(ctx, job.ID, "", false)
	require.NoError(t, err)
	assert.NotEqual(t, d.ID, retry.ID)
	fx.env.Queue.Drain(ctx)
	assert.Len(t, fx.requests, 1, "the reclaimed draft's task is skipped")
	got, err = fx.svc.GetDraft(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DraftStatusSucceeded, got.Status)
}
