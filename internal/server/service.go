// Package server exposes the docflow services over gRPC. Messages are
// google.protobuf.Struct values, so clients need no generated stubs; every
// method takes an object of named arguments and returns an object.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	"github.com/joseph-ayodele/docflow/internal/services/annotation"
	"github.com/joseph-ayodele/docflow/internal/services/export"
	"github.com/joseph-ayodele/docflow/internal/services/extraction"
	"github.com/joseph-ayodele/docflow/internal/services/files"
	"github.com/joseph-ayodele/docflow/internal/services/projects"
)

// ServiceName is the gRPC service every method is registered under.
const ServiceName = "docflow.v1.Docflow"

// Metadata keys read from incoming calls.
const (
	ActorHeader     = "x-actor-id"
	RequestIDHeader = "x-request-id"
)

// Services are the collaborators the API delegates to.
type Services struct {
	Projects   *projects.Service
	Files      *files.Service
	Extraction *extraction.Service
	Annotation *annotation.Service
	Export     *export.Service
	Events     *eventlog.Recorder
}

// Server implements the Docflow gRPC service.
type Server struct {
	svc     Services
	logger  *slog.Logger
	methods map[string]method
}

type method func(ctx context.Context, in args) (any, error)

func NewServer(svc Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}
	s.methods = map[string]method{
		"CreateOrganization":  s.createOrganization,
		"CreateProject":       s.createProject,
		"GetProject":          s.getProject,
		"ListProjects":        s.listProjects,
		"UpdateProjectStatus": s.updateProjectStatus,

		"CreateFile":   s.createFile,
		"ReplaceFile":  s.replaceFile,
		"DeleteFile":   s.deleteFile,
		"GetFile":      s.getFile,
		"ListFiles":    s.listFiles,
		"ListVersions": s.listVersions,

		"TriggerExtraction":   s.triggerExtraction,
		"GetExtractionStatus": s.getExtractionStatus,
		"ListTables":          s.listTables,

		"BulkCreateJobs": s.bulkCreateJobs,
		"AssignJob":      s.assignJob,
		"RequestDraft":   s.requestDraft,
		"StartJob":       s.startJob,
		"SubmitJob":      s.submitJob,
		"ReviewJob":      s.reviewJob,
		"GetJob":         s.getJob,
		"ListJobs":       s.listJobs,
		"ListDrafts":     s.listDrafts,

		"CreateExport":      s.createExport,
		"GetExport":         s.getExport,
		"DownloadExport":    s.downloadExport,
		"ListExports":       s.listExports,
		"ExportsForVersion": s.exportsForVersion,

		"ListEvents": s.listEvents,
	}
	return s
}

// Register adds the service to a gRPC server.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "docflow/v1/docflow.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: s.handler(name)})
	}
	reg.RegisterService(&desc, s)
}

// FullMethod returns the gRPC method path of name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func (s *Server) handler(name string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	call := s.methods[name]
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		run := func(ctx context.Context, req any) (any, error) {
			out, err := call(ctx, args{fields: req.(*structpb.Struct).GetFields()})
			if err != nil {
				return nil, common.ToStatus(err)
			}
			return toStruct(out)
		}
		if interceptor == nil {
			return run(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: s, FullMethod: FullMethod(name)}, run)
	}
}

// UnaryInterceptor carries the caller's actor and request id into the
// context and logs every call.
func UnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(ActorHeader); len(v) > 0 {
				actor, err := strconv.ParseInt(v[0], 10, 64)
				if err != nil || actor < 0 {
					return nil, status.Errorf(codes.InvalidArgument, "%s must be a user id", ActorHeader)
				}
				ctx = common.WithActorID(ctx, actor)
			}
			if v := md.Get(RequestIDHeader); len(v) > 0 && v[0] != "" {
				ctx = common.WithRequestID(ctx, v[0])
			}
		}
		ctx, requestID := common.EnsureRequestID(ctx)

		resp, err := handler(ctx, req)
		code := status.Code(err)
		attrs := []any{
			"method", info.FullMethod,
			"code", code.String(),
			"request_id", requestID,
			"actor_id", common.ActorFromContext(ctx),
			"elapsed_ms", time.Since(start).Milliseconds(),
		}
		switch code {
		case codes.OK:
			logger.Info("grpc.call", attrs...)
		case codes.Internal, codes.Unavailable, codes.Unknown:
			logger.Error("grpc.call", append(attrs, "error", err)...)
		default:
			logger.Warn("grpc.call", append(attrs, "error", err)...)
		}
		return resp, err
	}
}

// toStruct renders v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "response is not an object: %v", err)
	}
	return structpb.NewStruct(m)
}

// args reads named arguments out of a request.
type args struct {
	fields map[string]*structpb.Value
}

func (a args) has(name string) bool {
	_, ok := a.fields[name]
	return ok
}

func (a args) str(name string) string {
	return a.fields[name].GetStringValue()
}

func (a args) boolean(name string) bool {
	return a.fields[name].GetBoolValue()
}

// id reads a positive integer argument. Numbers and numeric strings are
// both accepted since JSON clients often send 64-bit ids as strings.
func (a args) id(name string) (int64, error) {
	v, ok := a.fields[name]
	if !ok {
		return 0, common.InvalidInputError(fmt.Sprintf("%s is required", name))
	}
	var n int64
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n = int64(k.NumberValue)
		if float64(n) != k.NumberValue {
			return 0, common.InvalidInputError(fmt.Sprintf("%s must be an integer", name))
		}
	case *structpb.Value_StringValue:
		parsed, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, common.InvalidInputError(fmt.Sprintf("%s must be an integer", name))
		}
		n = parsed
	default:
		return 0, common.InvalidInputError(fmt.Sprintf("%s must be an integer", name))
	}
	if n <= 0 {
		return 0, common.InvalidInputError(fmt.Sprintf("%s must be positive", name))
	}
	return n, nil
}
