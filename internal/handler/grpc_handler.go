package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
	"github.com/pesio-ai/be-contract-approvals/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "contractapprovals.v1.ApprovalService"

// actorMetadataKey carries the acting user's id in incoming metadata.
const actorMetadataKey = "x-user-id"

// ApprovalServiceServer is the server API for ApprovalService. Every method
// takes and returns a google.protobuf.Struct holding the JSON shape of the
// matching HTTP endpoint.
type ApprovalServiceServer interface {
	CreateApprovalRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetApprovalRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ActOnTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IssueMagicLink(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConsumeMagicLink(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeMagicLink(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyAuditChain(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ApprovalServiceDesc describes ApprovalService for grpc.Server.RegisterService.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		structMethod("CreateApprovalRequest", ApprovalServiceServer.CreateApprovalRequest),
		structMethod("GetApprovalRequest", ApprovalServiceServer.GetApprovalRequest),
		structMethod("ActOnTask", ApprovalServiceServer.ActOnTask),
		structMethod("IssueMagicLink", ApprovalServiceServer.IssueMagicLink),
		structMethod("ConsumeMagicLink", ApprovalServiceServer.ConsumeMagicLink),
		structMethod("RevokeMagicLink", ApprovalServiceServer.RevokeMagicLink),
		structMethod("VerifyAuditChain", ApprovalServiceServer.VerifyAuditChain),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "contractapprovals/v1/approval_service.proto",
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalServiceDesc, srv)
}

type structCall func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structMethod(name string, call structCall) grpc.MethodDesc {
	fullMethod := "/" + ApprovalServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ApprovalServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GRPCHandler implements ApprovalServiceServer
type GRPCHandler struct {
	workflow *service.ApprovalWorkflowService
	links    *service.MagicLinkService
	audit    *service.AuditChain
	log      *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(workflow *service.ApprovalWorkflowService, links *service.MagicLinkService, audit *service.AuditChain, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		workflow: workflow,
		links:    links,
		audit:    audit,
		log:      log.WithField("handler", "grpc"),
	}
}

// grpcActor extracts the acting user id from incoming metadata.
func grpcActor(ctx context.Context) *string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	if vals := md.Get(actorMetadataKey); len(vals) > 0 {
		return optional(vals[0])
	}
	return nil
}

// CreateApprovalRequest opens an approval request.
func (h *GRPCHandler) CreateApprovalRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor := grpcActor(ctx)
	if actor == nil {
		return nil, mapErrorToGRPC(errors.New(errors.ErrCodeUnauthorized, actorMetadataKey+" metadata is required"))
	}

	var in service.CreateRequestInput
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	in.CreatedBy = *actor

	detail, err := h.workflow.CreateRequest(ctx, in)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(detail)
}

// GetApprovalRequest returns a request with its tasks.
func (h *GRPCHandler) GetApprovalRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		RequestID string `json:"request_id"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	detail, err := h.workflow.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(detail)
}

// ActOnTask approves, rejects or returns a task.
func (h *GRPCHandler) ActOnTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		TaskID      string  `json:"task_id"`
		Action      string  `json:"action"`
		Comment     *string `json:"comment"`
		Signature   *string `json:"signature"`
		ActorWallet *string `json:"actor_wallet"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	action, err := service.ParseAction(in.Action)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}

	result, err := h.workflow.ActOnTask(ctx, service.ActOnTaskInput{
		TaskID:      in.TaskID,
		Action:      action,
		Comment:     in.Comment,
		Signature:   in.Signature,
		ActorWallet: in.ActorWallet,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(result)
}

// IssueMagicLink issues a magic link for a task.
func (h *GRPCHandler) IssueMagicLink(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		TaskID     string `json:"task_id"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	link, err := h.links.Issue(ctx, in.TaskID, time.Duration(in.TTLSeconds)*time.Second, grpcActor(ctx))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(link)
}

// ConsumeMagicLink redeems a raw token.
func (h *GRPCHandler) ConsumeMagicLink(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Token string `json:"token"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	consumed, err := h.links.Consume(ctx, in.Token)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(consumed)
}

// RevokeMagicLink revokes a link.
func (h *GRPCHandler) RevokeMagicLink(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		LinkID string `json:"link_id"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	if err := h.links.Revoke(ctx, in.LinkID, grpcActor(ctx)); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"link_id": in.LinkID, "revoked": true})
}

// VerifyAuditChain verifies a workspace chain, or the global chain when no
// workspace_id is given.
func (h *GRPCHandler) VerifyAuditChain(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		WorkspaceID string `json:"workspace_id"`
		Limit       int    `json:"limit"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	result, err := h.audit.Verify(ctx, repository.ScopeOf(optional(in.WorkspaceID)), in.Limit)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(result)
}

// ── Conversion ────────────────────────────────────────────────────────────────

func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid request: %v", err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid request: %v", err))
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// mapErrorToGRPC converts an application error into a gRPC status.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	if appErr, ok := errors.As(err); ok {
		msg = appErr.Message
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyUsed, errors.ErrCodeExpired, errors.ErrCodeRevoked:
		return status.Error(codes.FailedPrecondition, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	case errors.ErrCodeStorage:
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
