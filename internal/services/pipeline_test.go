package services_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	packager "github.com/joseph-ayodele/docflow/internal/export"
	"github.com/joseph-ayodele/docflow/internal/extract"
	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/services/annotation"
	"github.com/joseph-ayodele/docflow/internal/services/export"
	"github.com/joseph-ayodele/docflow/internal/services/extraction"
	"github.com/joseph-ayodele/docflow/internal/services/files"
	"github.com/joseph-ayodele/docflow/internal/services/projects"
	"github.com/joseph-ayodele/docflow/internal/testutil"
)

// TestPipeline walks one project from upload to a reviewed-only export.
func TestPipeline(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := common.WithActorID(context.Background(), 1)

	extractor := extract.ServiceFunc(func(_ context.Context, req extract.Request) (*extract.Result, error) {
		if strings.HasSuffix(req.FileName, ".png") {
			return nil, &extract.ServiceError{Reason: "no tables in image"}
		}
		return &extract.Result{PageCount: 2, Tables: []extract.Table{
			{PageNumber: 1, TableIndex: 0, Headers: [][]string{{"date", "amount"}}, Rows: [][]string{{"2026-01-02", "40.00"}, {"2026-01-09", "12.50"}}},
			{PageNumber: 2, TableIndex: 0, Headers: [][]string{{"total"}}, Rows: [][]string{{"52.50"}}},
		}}, nil
	})
	drafter := llm.DrafterFunc(func(_ context.Context, req llm.DraftRequest) (*llm.DraftResult, error) {
		return &llm.DraftResult{Content: "Ledger of " + req.FileName, Model: req.Model, InputTokens: 50, OutputTokens: 10}, nil
	})

	projectSvc := projects.NewService(env.Repos, env.Events, env.Logger)
	fileSvc := files.NewService(env.Repos, env.Blobs, env.Events, env.Logger)
	extractionSvc := extraction.NewService(env.Repos, env.Blobs, extractor, env.Queue, env.Events, env.Logger)
	annotationSvc := annotation.NewService(env.Repos, drafter, env.Queue, env.Events, env.Logger)
	exportSvc := export.NewService(env.Repos, env.Blobs, packager.NewPackager(env.Logger), env.Queue, env.Events, env.Logger)
	extractionSvc.Register(env.Router)
	annotationSvc.Register(env.Router)
	exportSvc.Register(env.Router)

	events, cancel := env.Events.Subscribe(1024)
	defer cancel()

	org, err := projectSvc.CreateOrganization(ctx, "acme")
	require.NoError(t, err)
	project, err := projectSvc.CreateProject(ctx, projects.CreateProjectRequest{OrganizationID: org.ID, Name: "bookkeeping"})
	require.NoError(t, err)
	_, err = projectSvc.UpdateStatus(ctx, project.ID, constants.ProjectStatusReady)
	require.NoError(t, err)

	ledger, _, err := fileSvc.CreateFile(ctx, files.CreateFileRequest{ProjectID: project.ID, Name: "ledger.pdf", Content: []byte("%PDF ledger")})
	require.NoError(t, err)
	scan, _, err := fileSvc.CreateFile(ctx, files.CreateFileRequest{ProjectID: project.ID, Name: "scan.png", Content: []byte{0x89, 'P', 'N', 'G'}})
	require.NoError(t, err)

	for _, id := range []int64{ledger.ID, scan.ID} {
		_, err := extractionSvc.TriggerExtraction(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, env.Queue.Drain(context.Background()))

	st, err := extractionSvc.GetStatus(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusFailed, st.Status)
	_, err = annotationSvc.BulkCreateJobs(ctx, scan.ID)
	require.ErrorIs(t, err, common.ErrPrecondition)

	bulk, err := annotationSvc.BulkCreateJobs(ctx, ledger.ID)
	require.NoError(t, err)
	require.Equal(t, 2, bulk.Created)
	rows, totals := bulk.Jobs[0], bulk.Jobs[1]

	_, err = projectSvc.UpdateStatus(ctx, project.ID, constants.ProjectStatusInProgress)
	require.NoError(t, err)

	_, err = annotationSvc.Assign(ctx, rows.ID, 10, constants.RoleAnnotator)
	require.NoError(t, err)
	_, err = annotationSvc.Assign(ctx, rows.ID, 20, constants.RoleReviewer)
	require.NoError(t, err)

	draft, err := annotationSvc.RequestDraft(ctx, rows.ID, "", false)
	require.NoError(t, err)
	env.Queue.Drain(context.Background())
	draft, err = annotationSvc.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ledger of ledger.pdf", *draft.Content)

	job, err := annotationSvc.GetJob(ctx, rows.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusInProgress, job.Status, "the draft started the job")

	_, err = annotationSvc.Submit(ctx, rows.ID)
	require.NoError(t, err)
	_, job, err = annotationSvc.Review(ctx, annotation.ReviewRequest{JobID: rows.ID, ReviewerID: 20, Decision: constants.ReviewStatusRejected, Comment: "check the date format"})
	require.NoError(t, err)
	assert.Equal(t, 1, job.RevisionCount)
	_, err = annotationSvc.Submit(ctx, rows.ID)
	require.NoError(t, err)
	_, job, err = annotationSvc.Review(ctx, annotation.ReviewRequest{JobID: rows.ID, ReviewerID: 20, Decision: constants.ReviewStatusApproved})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusReviewed, job.Status)

	_, err = annotationSvc.StartJob(ctx, totals.ID)
	require.NoError(t, err)

	log, err := exportSvc.CreateExport(ctx, export.CreateExportRequest{
		ProjectID: project.ID,
		Format:    "xlsx",
		Options:   entity.ExportOptions{OnlyReviewed: true},
	})
	require.NoError(t, err)
	env.Queue.Drain(context.Background())

	_, artifact, err := exportSvc.Download(ctx, log.ID)
	require.NoError(t, err)
	book, err := excelize.OpenReader(bytes.NewReader(artifact))
	require.NoError(t, err)
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	require.Len(t, sheets, 2, "manifest plus the one reviewed table")
	assert.Equal(t, "Manifest", sheets[0])
	table, err := book.GetRows(sheets[1])
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"date", "amount"}, {"2026-01-02", "40.00"}, {"2026-01-09", "12.50"}}, table)

	manifest, err := book.GetRows("Manifest")
	require.NoError(t, err)
	// header, the reviewed ledger table, the failed scan without tables
	require.Len(t, manifest, 3)
	assert.Equal(t, "ledger.pdf", manifest[1][1])
	assert.Equal(t, string(constants.JobStatusReviewed), manifest[1][7])
	assert.Equal(t, "scan.png", manifest[2][1])

	_, err = projectSvc.UpdateStatus(ctx, project.ID, constants.ProjectStatusCompleted)
	require.NoError(t, err)

	cancel()
	var seen []constants.Action
	for ev := range events {
		seen = append(seen, ev.Action)
	}
	assert.Contains(t, seen, constants.ActionCompleteExtraction)
	assert.Contains(t, seen, constants.ActionFailExtraction)
	assert.Contains(t, seen, constants.ActionCompleteDraft)
	assert.Contains(t, seen, constants.ActionCompleteExport)

	trail, err := env.Events.List(ctx, constants.EntityJob, rows.ID)
	require.NoError(t, err)
	var actions []constants.Action
	for _, ev := range trail {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []constants.Action{
		constants.ActionCreate,
		constants.ActionAssign,
		constants.ActionAssign,
		constants.ActionStart,
		constants.ActionSubmit,
		constants.ActionReview,
		constants.ActionSubmit,
		constants.ActionReview,
	}, actions)
	assert.Equal(t, int64(1), trail[1].ActorID)
	assert.Equal(t, constants.SystemActor, trail[3].ActorID)
}
