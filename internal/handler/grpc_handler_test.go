package handler

import (
	"context"
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

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
)

func newGRPCClient(t *testing.T) *grpc.ClientConn {
	t.Helper()
	store := repository.NewMemoryStore()
	ws := "ws-1"
	store.AddContract(repository.ContractRef{ID: "contract-1", WorkspaceID: &ws, Title: "MSA"})
	_, workflow, links, audit := newServices(store)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryRecovery(logger.Nop()), UnaryLogging(logger.Nop())))
	RegisterApprovalServiceServer(srv, NewGRPCHandler(workflow, links, audit, logger.Nop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	err = conn.Invoke(ctx, "/"+ApprovalServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPCApprovalFlow(t *testing.T) {
	conn := newGRPCClient(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), actorMetadataKey, "creator")

	created, err := invoke(ctx, conn, "CreateApprovalRequest", map[string]any{
		"contract_id": "contract-1",
		"stages": []any{
			map[string]any{"stage": 1, "assignees": []any{map[string]any{"id": "alice"}}},
		},
	})
	require.NoError(t, err)
	request := created.Fields["request"].GetStructValue()
	tasks := created.Fields["tasks"].GetListValue().GetValues()
	require.Len(t, tasks, 1)
	requestID := request.Fields["id"].GetStringValue()
	taskID := tasks[0].GetStructValue().Fields["id"].GetStringValue()

	_, err = invoke(ctx, conn, "ActOnTask", map[string]any{"task_id": taskID, "action": "reject"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	acted, err := invoke(ctx, conn, "ActOnTask", map[string]any{"task_id": taskID, "action": "approve"})
	require.NoError(t, err)
	assert.Equal(t, "approved", acted.Fields["request_status"].GetStringValue())

	_, err = invoke(ctx, conn, "ActOnTask", map[string]any{"task_id": taskID, "action": "approve"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	got, err := invoke(ctx, conn, "GetApprovalRequest", map[string]any{"request_id": requestID})
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Fields["request"].GetStructValue().Fields["status"].GetStringValue())

	verify, err := invoke(ctx, conn, "VerifyAuditChain", map[string]any{"workspace_id": "ws-1"})
	require.NoError(t, err)
	assert.True(t, verify.Fields["valid"].GetBoolValue())
	assert.Equal(t, 2.0, verify.Fields["checked_count"].GetNumberValue())
}

func TestGRPCMagicLinks(t *testing.T) {
	conn := newGRPCClient(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), actorMetadataKey, "creator")

	created, err := invoke(ctx, conn, "CreateApprovalRequest", map[string]any{
		"contract_id": "contract-1",
		"stages": []any{
			map[string]any{"stage": 1, "assignees": []any{map[string]any{"type": "external", "id": "counsel@example.com"}}},
		},
	})
	require.NoError(t, err)
	taskID := created.Fields["tasks"].GetListValue().GetValues()[0].GetStructValue().Fields["id"].GetStringValue()

	issued, err := invoke(ctx, conn, "IssueMagicLink", map[string]any{"task_id": taskID, "ttl_seconds": 600})
	require.NoError(t, err)
	token := issued.Fields["token"].GetStringValue()
	linkID := issued.Fields["link_id"].GetStringValue()
	require.NotEmpty(t, token)

	consumed, err := invoke(ctx, conn, "ConsumeMagicLink", map[string]any{"token": token})
	require.NoError(t, err)
	assert.Equal(t, taskID, consumed.Fields["task_id"].GetStringValue())

	_, err = invoke(ctx, conn, "ConsumeMagicLink", map[string]any{"token": token})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = invoke(ctx, conn, "RevokeMagicLink", map[string]any{"link_id": linkID})
	require.NoError(t, err)

	_, err = invoke(ctx, conn, "RevokeMagicLink", map[string]any{"link_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPCRequiresActorForCreate(t *testing.T) {
	conn := newGRPCClient(t)
	_, err := invoke(context.Background(), conn, "CreateApprovalRequest", map[string]any{"contract_id": "contract-1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errors.NotFound("approval_task", "x"), codes.NotFound},
		{errors.InvalidInput("comment", "required"), codes.InvalidArgument},
		{errors.New(errors.ErrCodeExpired, "expired"), codes.FailedPrecondition},
		{errors.New(errors.ErrCodeStorage, "down"), codes.Unavailable},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(mapErrorToGRPC(tt.err)), tt.err.Error())
	}
	assert.NoError(t, mapErrorToGRPC(nil))
}
