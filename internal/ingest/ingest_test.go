package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/extract"
	"github.com/joseph-ayodele/docflow/internal/ingest"
	"github.com/joseph-ayodele/docflow/internal/services/extraction"
	"github.com/joseph-ayodele/docflow/internal/services/files"
	"github.com/joseph-ayodele/docflow/internal/testutil"
)

type fixture struct {
	env        *testutil.Env
	files      *files.Service
	extraction *extraction.Service
	projectID  int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	extractor := extract.ServiceFunc(func(_ context.Context, req extract.Request) (*extract.Result, error) {
		return &extract.Result{PageCount: 1}, nil
	})
	fx := &fixture{
		env:        env,
		files:      files.NewService(env.Repos, env.Blobs, env.Events, env.Logger),
		extraction: extraction.NewService(env.Repos, env.Blobs, extractor, env.Queue, env.Events, env.Logger),
		projectID:  env.Project(t).ID,
	}
	fx.extraction.Register(env.Router)
	return fx
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (fx *fixture) names(t *testing.T) []string {
	t.Helper()
	list, err := fx.files.ListFiles(context.Background(), fx.projectID)
	require.NoError(t, err)
	out := make([]string, len(list))
	for i, f := range list {
		out[i] = f.Name
	}
	sort.Strings(out)
	return out
}

func TestImportDirectory(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	root := t.TempDir()
	write(t, root, "a.pdf", "alpha")
	write(t, root, "b.png", "bravo")
	write(t, root, "notes.txt", "skip me")
	write(t, root, ".hidden.pdf", "hidden")
	write(t, root, ".cache/x.pdf", "hidden dir")
	write(t, root, "sub/c.pdf", "charlie")

	im := ingest.NewImporter(fx.files, fx.env.Logger, ingest.WithExtraction(fx.extraction))

	results, stats, err := im.ImportDirectory(ctx, fx.projectID, root)
	require.NoError(t, err)
	assert.Equal(t, ingest.DirStats{Scanned: 4, Matched: 3, Created: 3}, stats)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, ingest.OutcomeCreated, r.Outcome, r.Path)
		assert.Len(t, r.SHA256, 64)
		assert.Empty(t, r.Err)
	}
	assert.Equal(t, []string{"a.pdf", "b.png", "sub/c.pdf"}, fx.names(t))
	assert.Len(t, fx.env.Queue.Pending(), 3)
	assert.Equal(t, 3, fx.env.Queue.Drain(ctx))

	_, stats, err = im.ImportDirectory(ctx, fx.projectID, root)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Unchanged)
	assert.Empty(t, fx.env.Queue.Pending())

	write(t, root, "a.pdf", "alpha v2")
	results, stats, err = im.ImportDirectory(ctx, fx.projectID, root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replaced)
	assert.Equal(t, 2, stats.Unchanged)

	var replaced ingest.Result
	for _, r := range results {
		if r.Outcome == ingest.OutcomeReplaced {
			replaced = r
		}
	}
	assert.Equal(t, "a.pdf", replaced.Name)
	versions, err := fx.files.ListVersions(ctx, replaced.FileID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, replaced.VersionID, versions[1].ID)
	assert.Equal(t, replaced.SHA256, versions[1].ContentSHA256)

	f, err := fx.files.GetFile(ctx, replaced.FileID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusProcessing, f.Status)
}

func TestImportPath_Failures(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	root := t.TempDir()
	im := ingest.NewImporter(fx.files, fx.env.Logger, ingest.WithExtensions(".PDF"))

	r := im.ImportPath(ctx, fx.projectID, filepath.Join(root, "missing.pdf"))
	assert.Equal(t, ingest.OutcomeFailed, r.Outcome)
	assert.Contains(t, r.Err, "read")

	write(t, root, "empty.pdf", "")
	r = im.ImportPath(ctx, fx.projectID, filepath.Join(root, "empty.pdf"))
	assert.Equal(t, ingest.OutcomeFailed, r.Outcome)

	r = im.ImportPath(ctx, fx.projectID+100, filepath.Join(root, "empty.pdf"))
	assert.Equal(t, ingest.OutcomeFailed, r.Outcome)

	assert.True(t, im.Allowed("scan.pdf"))
	assert.False(t, im.Allowed("scan.png"))

	_, _, err := im.ImportDirectory(ctx, fx.projectID, filepath.Join(root, "nope"))
	assert.Error(t, err)
	assert.Empty(t, fx.names(t))
}

func TestWatch_ImportsNewAndExistingFiles(t *testing.T) {
	fx := setup(t)
	root := t.TempDir()
	write(t, root, "existing.pdf", "old")

	im := ingest.NewImporter(fx.files, fx.env.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan ingest.Result, 16)
	done := make(chan error, 1)
	go func() {
		done <- im.Watch(ctx, ingest.WatchConfig{
			ProjectID:   fx.projectID,
			Root:        root,
			InitialScan: true,
			Debounce:    50 * time.Millisecond,
		}, func(r ingest.Result) { seen <- r })
	}()

	next := func() ingest.Result {
		select {
		case r := <-seen:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("no import result")
			return ingest.Result{}
		}
	}

	first := next()
	assert.Equal(t, "existing.pdf", first.Name)
	assert.Equal(t, ingest.OutcomeCreated, first.Outcome)

	write(t, root, "incoming/new.pdf", "fresh")
	var got ingest.Result
	for got.Name != "incoming/new.pdf" {
		got = next()
	}
	assert.Contains(t, []ingest.Outcome{ingest.OutcomeCreated, ingest.OutcomeReplaced, ingest.OutcomeUnchanged}, got.Outcome)
	assert.Equal(t, []string{"existing.pdf", "incoming/new.pdf"}, fx.names(t))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
