package extraction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core/async"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/extract"
	"github.com/joseph-ayodele/docflow/internal/services/extraction"
	"github.com/joseph-ayodele/docflow/internal/services/files"
	"github.com/joseph-ayodele/docflow/internal/testutil"
)

type fixture struct {
	env   *testutil.Env
	files *files.Service
	svc   *extraction.Service
	file  *entity.File
	calls []extract.Request
	next  func(req extract.Request) (*extract.Result, error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	fx := &fixture{env: env}
	fx.next = func(extract.Request) (*extract.Result, error) {
		return &extract.Result{PageCount: 2, Tables: []extract.Table{
			{PageNumber: 2, TableIndex: 0, Headers: [][]string{{"sku", "qty"}}, Rows: [][]string{{"a", "1"}}},
			{PageNumber: 1, TableIndex: 0, Headers: [][]string{{"total"}}, Rows: [][]string{{"9.50"}}},
		}}, nil
	}
	extractor := extract.ServiceFunc(func(_ context.Context, req extract.Request) (*extract.Result, error) {
		fx.calls = append(fx.calls, req)
		return fx.next(req)
	})
	fx.files = files.NewService(env.Repos, env.Blobs, env.Events, env.Logger)
	fx.svc = extraction.NewService(env.Repos, env.Blobs, extractor, env.Queue, env.Events, env.Logger)
	fx.svc.Register(env.Router)

	p := env.Project(t)
	f, _, err := fx.files.CreateFile(context.Background(), files.CreateFileRequest{ProjectID: p.ID, Name: "order.pdf", Content: []byte("%PDF order")})
	require.NoError(t, err)
	fx.file = f
	return fx
}

func TestTriggerExtraction_RunsWorker(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	f, err := fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusProcessing, f.Status)
	require.Len(t, fx.env.Queue.Pending(), 1)

	_, err = fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.ErrorIs(t, err, common.ErrConflict, "one extraction at a time")

	assert.Equal(t, 1, fx.env.Queue.Drain(ctx))
	require.Len(t, fx.calls, 1)
	assert.Equal(t, []byte("%PDF order"), fx.calls[0].Content)
	assert.Equal(t, "order.pdf", fx.calls[0].FileName)

	st, err := fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusCompleted, st.Status)
	require.NotNil(t, st.Metadata)
	assert.Equal(t, entity.ExtractionMetadata{PageCount: 2, TableCount: 2, SchemaVersion: entity.MetadataSchemaVersion}, *st.Metadata)
	assert.NotNil(t, st.ExtractedAt)

	tables, err := fx.svc.ListTables(ctx, fx.file.ID)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, 1, tables[0].PageNumber, "ordered by page then index")
	assert.Equal(t, [][]string{{"sku", "qty"}}, tables[1].Headers)

	actions := fx.env.Actions(t, constants.EntityFile, fx.file.ID)
	assert.Equal(t, []constants.Action{
		constants.ActionCreate,
		constants.ActionTriggerExtraction,
		constants.ActionTriggerExtraction,
		constants.ActionCompleteExtraction,
	}, actions)
}

func TestTriggerExtraction_ServiceFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.next = func(extract.Request) (*extract.Result, error) {
		return nil, &extract.ServiceError{Reason: "encrypted pdf"}
	}

	_, err := fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)

	st, err := fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusFailed, st.Status)
	require.NotNil(t, st.FailureReason)
	assert.Contains(t, *st.FailureReason, "encrypted pdf")
	assert.Nil(t, st.Metadata)

	// a failed file can be retried
	fx.next = func(extract.Request) (*extract.Result, error) { return &extract.Result{PageCount: 1}, nil }
	_, err = fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)

	st, err = fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusCompleted, st.Status)
	assert.Nil(t, st.FailureReason)
	assert.Equal(t, 0, st.Metadata.TableCount)
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, async.Task) error { return errors.New("broker unreachable") }
func (brokenQueue) Shutdown(context.Context)                  {}

func TestTriggerExtraction_EnqueueFailureFailsFile(t *testing.T) {
	fx := newFixture(t)
	svc := extraction.NewService(fx.env.Repos, fx.env.Blobs, nil, brokenQueue{}, fx.env.Events, fx.env.Logger)

	f, err := svc.TriggerExtraction(context.Background(), fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusFailed, f.Status)
	require.NotNil(t, f.FailureReason)
	assert.Contains(t, *f.FailureReason, "broker unreachable")
}

func TestTriggerExtraction_DeletedFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.files.SoftDeleteFile(ctx, fx.file.ID))

	_, err := fx.svc.TriggerExtraction(ctx, fx.file.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = fx.svc.TriggerExtraction(ctx, 4242)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCompleteExtraction_StaleVersionIsRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	task := fx.env.Queue.Pending()[0]

	err = fx.svc.CompleteExtraction(ctx, fx.file.ID, task.RefID+1, &extract.Result{PageCount: 1})
	require.ErrorIs(t, err, common.ErrPrecondition)
	err = fx.svc.FailExtraction(ctx, fx.file.ID, task.RefID+1, "late")
	require.ErrorIs(t, err, common.ErrPrecondition)

	st, err := fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusProcessing, st.Status)
	assert.Nil(t, st.Metadata, "a rejected completion leaves nothing behind")

	require.NoError(t, fx.svc.CompleteExtraction(ctx, fx.file.ID, task.RefID, &extract.Result{PageCount: 1}))
	err = fx.svc.CompleteExtraction(ctx, fx.file.ID, task.RefID, &extract.Result{PageCount: 1})
	assert.ErrorIs(t, err, common.ErrPrecondition, "completing twice is not allowed")

	// the queued task is now stale and does nothing
	fx.env.Queue.Drain(ctx)
	assert.Empty(t, fx.calls)
}

func TestCompleteExtraction_InvalidResultFailsFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	versionID := *fx.file.ActiveVersionID

	dup := &extract.Result{PageCount: 1, Tables: []extract.Table{
		{PageNumber: 1, TableIndex: 0},
		{PageNumber: 1, TableIndex: 0},
	}}
	err = fx.svc.CompleteExtraction(ctx, fx.file.ID, versionID, dup)
	require.ErrorIs(t, err, common.ErrInvalidInput)

	st, err := fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusFailed, st.Status)
	assert.Contains(t, *st.FailureReason, "duplicate table")
}

func TestReExtraction_ReplacesTablesAndRetiresJobs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)

	before, err := fx.svc.ListTables(ctx, fx.file.ID)
	require.NoError(t, err)
	jobID, inserted, err := fx.env.Repos.Jobs.InsertIfAbsent(ctx, fx.file.ProjectID, before[0].ID)
	require.NoError(t, err)
	require.True(t, inserted)

	fx.next = func(extract.Request) (*extract.Result, error) {
		return &extract.Result{PageCount: 3, Tables: []extract.Table{{PageNumber: 3, TableIndex: 0, Rows: [][]string{{"x"}}}}}, nil
	}
	_, err = fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)

	after, err := fx.svc.ListTables(ctx, fx.file.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, 3, after[0].PageNumber)

	job, err := fx.env.Repos.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.NotNil(t, job.DeletedAt)
	assert.Zero(t, job.FileTableID)
	assert.Equal(t, []constants.Action{constants.ActionSoftDelete}, fx.env.Actions(t, constants.EntityJob, jobID))

	st, err := fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Metadata.PageCount)
	assert.Equal(t, 1, st.Metadata.TableCount)
}

func TestReplaceAfterExtraction_ResetsToPending(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)

	v2, err := fx.files.ReplaceFile(ctx, fx.file.ID, []byte("%PDF v2"))
	require.NoError(t, err)

	st, err := fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusPending, st.Status)
	assert.Equal(t, v2.ID, *st.ActiveVersionID)
	assert.Nil(t, st.Metadata, "the new version has not been extracted")

	tables, err := fx.svc.ListTables(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

// lostQueue accepts tasks and never runs them, like a worker that died
// after taking one.
type lostQueue struct{}

func (lostQueue) Enqueue(context.Context, async.Task) error { return nil }
func (lostQueue) Shutdown(context.Context)                  {}

func TestReclaimStale_FailsAbandonedExtraction(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	lost := extraction.NewService(fx.env.Repos, fx.env.Blobs, nil, lostQueue{}, fx.env.Events, fx.env.Logger)

	_, err := fx.svc.ReclaimStale(ctx, -time.Minute)
	require.ErrorIs(t, err, common.ErrInvalidInput)

	f, err := lost.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	require.Equal(t, constants.FileStatusProcessing, f.Status)

	n, err := fx.svc.ReclaimStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "a recent extraction is still in flight")

	fx.env.Clock.Advance(time.Hour)
	n, err = fx.svc.ReclaimStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusFailed, st.Status)
	require.NotNil(t, st.FailureReason)
	assert.Contains(t, *st.FailureReason, "abandoned")

	evs, err := fx.env.Events.List(ctx, constants.EntityFile, fx.file.ID)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, constants.ActionFailExtraction, last.Action)
	assert.Equal(t, string(constants.FileStatusProcessing), last.FromState)
	assert.Equal(t, string(constants.FileStatusFailed), last.ToState)

	err = fx.svc.CompleteExtraction(ctx, fx.file.ID, *f.ActiveVersionID, &extract.Result{PageCount: 1})
	assert.ErrorIs(t, err, common.ErrPrecondition, "a late result is refused")

	n, err = fx.svc.ReclaimStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = fx.svc.TriggerExtraction(ctx, fx.file.ID)
	require.NoError(t, err)
	fx.env.Queue.Drain(ctx)
	st, err = fx.svc.GetStatus(ctx, fx.file.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusCompleted, st.Status)
}
