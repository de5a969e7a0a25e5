package server_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	packager "github.com/joseph-ayodele/docflow/internal/export"
	"github.com/joseph-ayodele/docflow/internal/extract"
	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/server"
	"github.com/joseph-ayodele/docflow/internal/services/annotation"
	"github.com/joseph-ayodele/docflow/internal/services/export"
	"github.com/joseph-ayodele/docflow/internal/services/extraction"
	"github.com/joseph-ayodele/docflow/internal/services/files"
	"github.com/joseph-ayodele/docflow/internal/services/projects"
	"github.com/joseph-ayodele/docflow/internal/testutil"
)

type fixture struct {
	env  *testutil.Env
	conn *grpc.ClientConn
}

func setup(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)

	extractor := extract.ServiceFunc(func(_ context.Context, req extract.Request) (*extract.Result, error) {
		return &extract.Result{PageCount: 1, Tables: []extract.Table{
			{PageNumber: 1, TableIndex: 0, Headers: [][]string{{"item"}}, Rows: [][]string{{req.FileName}}},
		}}, nil
	})
	drafter := llm.DrafterFunc(func(_ context.Context, req llm.DraftRequest) (*llm.DraftResult, error) {
		return &llm.DraftResult{Content: "draft", Model: req.Model}, nil
	})

	svc := server.Services{
		Projects:   projects.NewService(env.Repos, env.Events, env.Logger),
		Files:      files.NewService(env.Repos, env.Blobs, env.Events, env.Logger),
		Extraction: extraction.NewService(env.Repos, env.Blobs, extractor, env.Queue, env.Events, env.Logger),
		Annotation: annotation.NewService(env.Repos, drafter, env.Queue, env.Events, env.Logger),
		Export:     export.NewService(env.Repos, env.Blobs, packager.NewPackager(env.Logger), env.Queue, env.Events, env.Logger),
		Events:     env.Events,
	}
	svc.Extraction.Register(env.Router)
	svc.Annotation.Register(env.Router)
	svc.Export.Register(env.Router)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryInterceptor(env.Logger)))
	server.NewServer(svc, env.Logger).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &fixture{env: env, conn: conn}
}

func (fx *fixture) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := fx.conn.Invoke(ctx, server.FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (fx *fixture) mustCall(t *testing.T, ctx context.Context, method string, in map[string]any) map[string]any {
	t.Helper()
	out, err := fx.call(ctx, method, in)
	require.NoError(t, err, method)
	return out
}

func actor(id string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), server.ActorHeader, id)
}

func id(v any) float64 {
	return v.(float64)
}

func TestServer_UploadExtractAnnotateExport(t *testing.T) {
	fx := setup(t)
	ctx := actor("7")

	org := fx.mustCall(t, ctx, "CreateOrganization", map[string]any{"name": "acme"})
	project := fx.mustCall(t, ctx, "CreateProject", map[string]any{"organization_id": org["id"], "name": "audit"})
	assert.Equal(t, "draft", project["status"])
	project = fx.mustCall(t, ctx, "UpdateProjectStatus", map[string]any{"project_id": project["id"], "status": "ready"})
	assert.Equal(t, "ready", project["status"])

	created := fx.mustCall(t, ctx, "CreateFile", map[string]any{
		"project_id": project["id"],
		"name":       "ledger.pdf",
		"content":    base64.StdEncoding.EncodeToString([]byte("%PDF ledger")),
	})
	file := created["file"].(map[string]any)
	version := created["version"].(map[string]any)
	assert.Equal(t, "pending", file["status"])
	assert.Equal(t, float64(1), version["version_number"])

	fx.mustCall(t, ctx, "TriggerExtraction", map[string]any{"file_id": file["id"]})
	_, err := fx.call(ctx, "TriggerExtraction", map[string]any{"file_id": file["id"]})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	fx.env.Queue.Drain(context.Background())

	st := fx.mustCall(t, ctx, "GetExtractionStatus", map[string]any{"file_id": file["id"]})
	assert.Equal(t, "completed", st["status"])
	tables := fx.mustCall(t, ctx, "ListTables", map[string]any{"file_id": file["id"]})["tables"].([]any)
	require.Len(t, tables, 1)

	bulk := fx.mustCall(t, ctx, "BulkCreateJobs", map[string]any{"file_id": file["id"]})
	assert.Equal(t, float64(1), bulk["created"])
	job := bulk["jobs"].([]any)[0].(map[string]any)

	fx.mustCall(t, ctx, "AssignJob", map[string]any{"job_id": job["id"], "user_id": 7, "role": "annotator"})
	fx.mustCall(t, ctx, "StartJob", map[string]any{"job_id": job["id"]})
	fx.mustCall(t, ctx, "SubmitJob", map[string]any{"job_id": job["id"]})
	reviewed := fx.mustCall(t, actor("9"), "ReviewJob", map[string]any{"job_id": job["id"], "decision": "approved"})
	assert.Equal(t, float64(9), reviewed["review"].(map[string]any)["reviewer_id"])
	assert.Equal(t, "reviewed", reviewed["job"].(map[string]any)["status"])

	detail := fx.mustCall(t, ctx, "GetJob", map[string]any{"job_id": job["id"]})
	assert.Len(t, detail["assignments"], 1)
	assert.Len(t, detail["reviews"], 1)

	exp := fx.mustCall(t, ctx, "CreateExport", map[string]any{"project_id": project["id"], "format": "json", "only_reviewed": true})
	assert.Equal(t, "pending", exp["status"])
	_, err = fx.call(ctx, "DownloadExport", map[string]any{"export_id": exp["id"]})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	fx.env.Queue.Drain(context.Background())

	dl := fx.mustCall(t, ctx, "DownloadExport", map[string]any{"export_id": exp["id"]})
	assert.Equal(t, "application/json", dl["content_type"])
	raw, err := base64.StdEncoding.DecodeString(dl["content"].(string))
	require.NoError(t, err)
	var doc struct {
		Files []struct {
			Name string `json:"name"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Files, 1)
	assert.Equal(t, "ledger.pdf", doc.Files[0].Name)

	exports := fx.mustCall(t, ctx, "ExportsForVersion", map[string]any{"version_id": version["id"]})["exports"].([]any)
	require.Len(t, exports, 1)
	assert.Equal(t, id(exp["id"]), id(exports[0].(map[string]any)["id"]))

	evs := fx.mustCall(t, ctx, "ListEvents", map[string]any{"entity_type": "file", "entity_id": file["id"]})["events"].([]any)
	require.NotEmpty(t, evs)
	first := evs[0].(map[string]any)
	assert.Equal(t, "create", first["action"])
	assert.Equal(t, float64(7), first["actor_id"])

	feed := fx.mustCall(t, ctx, "ListEvents", map[string]any{"after_id": 1, "limit": 2})["events"].([]any)
	require.Len(t, feed, 2)
	assert.Equal(t, float64(2), feed[0].(map[string]any)["id"])
}

func TestServer_ErrorCodes(t *testing.T) {
	fx := setup(t)
	ctx := actor("7")

	_, err := fx.call(ctx, "GetFile", map[string]any{"file_id": 999})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = fx.call(ctx, "CreateFile", map[string]any{"name": "a.pdf", "content": ""})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = fx.call(ctx, "CreateFile", map[string]any{"project_id": 1, "name": "a.pdf", "content": "%%%"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = fx.call(ctx, "GetProject", map[string]any{"project_id": 1.5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = fx.call(actor("nobody"), "GetProject", map[string]any{"project_id": 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	org := fx.mustCall(t, ctx, "CreateOrganization", map[string]any{"name": "acme"})
	project := fx.mustCall(t, ctx, "CreateProject", map[string]any{"organization_id": org["id"], "name": "audit"})
	_, err = fx.call(ctx, "UpdateProjectStatus", map[string]any{"project_id": project["id"], "status": "completed"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	// ids sent as strings are accepted
	got := fx.mustCall(t, ctx, "GetProject", map[string]any{"project_id": "1"})
	assert.Equal(t, project["id"], got["id"])

	err = fx.conn.Invoke(ctx, "/"+server.ServiceName+"/Nope", &structpb.Struct{}, new(structpb.Struct))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
