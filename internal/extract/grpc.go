package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "docflow.extraction.v1.ExtractionService"
	// ExtractMethod is the full gRPC method name of the unary Extract call.
	ExtractMethod = "/" + serviceName + "/Extract"
)

// GRPCClient calls a remote extraction service. Requests and responses are
// google.protobuf.Struct messages so the service needs no generated stubs.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
}

// Dial creates a client for addr. Connection is lazy.
func Dial(addr string, timeout time.Duration, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	const maxMsgSize = 64 * 1024 * 1024
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial extraction service %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, timeout: timeout, logger: logger}, nil
}

func (c *GRPCClient) Extract(ctx context.Context, req Request) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()

	in, err := structpb.NewStruct(map[string]any{
		"file_id":         float64(req.FileID),
		"version_id":      float64(req.VersionID),
		"file_name":       req.FileName,
		"mime_type":       req.MimeType,
		"storage_pointer": req.StoragePointer,
		"content":         base64.StdEncoding.EncodeToString(req.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ExtractMethod, in, out); err != nil {
		c.logger.Error("extract.grpc.error", "file_id", req.FileID, "version_id", req.VersionID,
			"error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	res, err := DecodeResult(raw)
	if err != nil {
		c.logger.Warn("extract.grpc.bad_response", "file_id", req.FileID, "version_id", req.VersionID, "error", err)
		return nil, err
	}
	c.logger.Info("extract.grpc.ok", "file_id", req.FileID, "version_id", req.VersionID,
		"page_count", res.PageCount, "tables", len(res.Tables), "elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// StructHandler is the server side of the Extract method.
type StructHandler interface {
	Extract(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterServer exposes h as the extraction service on s.
func RegisterServer(s grpc.ServiceRegistrar, h StructHandler) {
	s.RegisterService(&serviceDesc, h)
}

// ServeService adapts a Service to StructHandler, so a Go implementation
// can be served over gRPC. Failures are reported as error_reason.
func ServeService(svc Service) StructHandler {
	return serviceAdapter{svc: svc}
}

type serviceAdapter struct {
	svc Service
}

func (a serviceAdapter) Extract(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	content, err := base64.StdEncoding.DecodeString(f["content"].GetStringValue())
	if err != nil {
		return structpb.NewStruct(map[string]any{"error_reason": "content is not base64"})
	}
	res, err := a.svc.Extract(ctx, Request{
		FileID:         int64(f["file_id"].GetNumberValue()),
		VersionID:      int64(f["version_id"].GetNumberValue()),
		FileName:       f["file_name"].GetStringValue(),
		MimeType:       f["mime_type"].GetStringValue(),
		StoragePointer: f["storage_pointer"].GetStringValue(),
		Content:        content,
	})
	if err != nil {
		return structpb.NewStruct(map[string]any{"error_reason": err.Error()})
	}

	b, err := json.Marshal(res.withEmptyGrids())
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StructHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Extract", Handler: extractHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docflow/extraction/v1/extraction.proto",
}

func extractHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StructHandler).Extract(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExtractMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StructHandler).Extract(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
