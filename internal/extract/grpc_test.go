package extract

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, svc Service) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, ServeService(svc))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", 5*time.Second, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCClient_RoundTrip(t *testing.T) {
	conf := 0.9
	var got Request
	client := startServer(t, ServiceFunc(func(_ context.Context, req Request) (*Result, error) {
		got = req
		return &Result{
			PageCount: 10,
			Tables: []Table{
				{PageNumber: 3, TableIndex: 0, Headers: [][]string{{"Name", "Qty"}}, Rows: [][]string{{"bolt", "4"}}, Confidence: &conf},
				{PageNumber: 1, TableIndex: 0, Headers: [][]string{{"Total"}}},
			},
		}, nil
	}))

	res, err := client.Extract(context.Background(), Request{
		FileID: 5, VersionID: 11, FileName: "a.pdf", MimeType: "application/pdf",
		StoragePointer: "badger://files/x", Content: []byte("%PDF-1.7"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), got.FileID)
	assert.Equal(t, int64(11), got.VersionID)
	assert.Equal(t, "%PDF-1.7", string(got.Content))

	assert.Equal(t, 10, res.PageCount)
	require.Len(t, res.Tables, 2)
	assert.Equal(t, 1, res.Tables[0].PageNumber)
	assert.Empty(t, res.Tables[0].Rows)
	assert.Equal(t, [][]string{{"bolt", "4"}}, res.Tables[1].Rows)
	require.NotNil(t, res.Tables[1].Confidence)
	assert.InDelta(t, 0.9, *res.Tables[1].Confidence, 1e-9)
}

func TestGRPCClient_ServiceFailure(t *testing.T) {
	client := startServer(t, ServiceFunc(func(context.Context, Request) (*Result, error) {
		return nil, errors.New("scanner jammed")
	}))

	_, err := client.Extract(context.Background(), Request{FileID: 1, VersionID: 1})
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "scanner jammed", se.Reason)
}
