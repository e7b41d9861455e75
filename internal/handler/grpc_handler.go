package handler

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ApprovalServiceName is the fully-qualified gRPC service name. Every method
// takes and returns a google.protobuf.Struct whose fields match the HTTP
// JSON bodies.
const ApprovalServiceName = "pesio.platform.approvals.v1.ApprovalService"

// ApprovalServiceServer is the server API for the approval service.
type ApprovalServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delegate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Withdraw(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Terminate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPendingTasks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	engine *service.ApprovalEngine
	log    *logger.Logger
}

var _ ApprovalServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.ApprovalEngine, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		log:    log.Component("grpc"),
	}
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

// userID extracts the caller from incoming metadata, falling back to the
// body field. A body value that contradicts the metadata is rejected.
func userID(ctx context.Context, fromBody string) (string, error) {
	fromBody = strings.TrimSpace(fromBody)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-user-id"); len(v) > 0 && strings.TrimSpace(v[0]) != "" {
			header := strings.TrimSpace(v[0])
			if fromBody != "" && fromBody != header {
				return "", errors.Unauthorized("request body actor does not match x-user-id")
			}
			return header, nil
		}
	}
	return fromBody, nil
}

func (h *GRPCHandler) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body submitBody
	if err := decodeStruct(req, &body); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	actor, err := userID(ctx, body.InitiatorID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}

	h.log.Info().
		Str("template_code", body.TemplateCode).
		Str("entity_type", body.EntityType).
		Str("entity_id", body.EntityID).
		Str("initiator_id", actor).
		Msg("gRPC Submit called")

	res, err := h.engine.Submit(ctx, body.request(actor))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(newSubmitView(res))
}

func (h *GRPCHandler) Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.decide(ctx, req, h.engine.Approve)
}

func (h *GRPCHandler) Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.decide(ctx, req, h.engine.Reject)
}

func (h *GRPCHandler) decide(ctx context.Context, req *structpb.Struct, fn func(context.Context, *service.DecisionRequest) (*service.DecisionResult, error)) (*structpb.Struct, error) {
	var body decisionBody
	if err := decodeStruct(req, &body); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	actor, err := userID(ctx, body.ApproverID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	res, err := fn(ctx, &service.DecisionRequest{
		TaskID:  body.TaskID,
		ActorID: actor,
		Comment: body.Comment,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(newDecisionView(res))
}

func (h *GRPCHandler) Delegate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body delegateBody
	if err := decodeStruct(req, &body); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	actor, err := userID(ctx, body.ApproverID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	res, err := h.engine.Delegate(ctx, &service.DelegateRequest{
		TaskID:       body.TaskID,
		ActorID:      actor,
		DelegateToID: body.DelegateToID,
		Comment:      body.Comment,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(&delegateView{
		Instance:  newInstanceView(res.Instance),
		Delegated: newTaskView(res.Delegated),
		Task:      newTaskView(res.Task),
		Replayed:  res.Replayed,
	})
}

func (h *GRPCHandler) Withdraw(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.stop(ctx, req, h.engine.Withdraw)
}

func (h *GRPCHandler) Terminate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.stop(ctx, req, h.engine.Terminate)
}

func (h *GRPCHandler) stop(ctx context.Context, req *structpb.Struct, fn func(context.Context, *service.InstanceRequest) (*service.DecisionResult, error)) (*structpb.Struct, error) {
	var body instanceBody
	if err := decodeStruct(req, &body); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	actor, err := userID(ctx, body.InitiatorID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	res, err := fn(ctx, &service.InstanceRequest{
		InstanceID: body.InstanceID,
		ActorID:    actor,
		Comment:    body.Comment,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(newDecisionView(res))
}

func (h *GRPCHandler) GetPendingTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := userID(ctx, req.GetFields()["user_id"].GetStringValue())
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	tasks, err := h.engine.GetPendingTasks(ctx, uid)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(map[string]interface{}{
		"tasks": newPendingViews(tasks),
		"total": len(tasks),
	})
}

func (h *GRPCHandler) GetHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	logs, err := h.engine.GetHistory(ctx, req.GetFields()["instance_id"].GetStringValue())
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(map[string]interface{}{"entries": newActionLogViews(logs)})
}

func (h *GRPCHandler) GetInstance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	detail, err := h.engine.GetInstance(ctx, req.GetFields()["id"].GetStringValue())
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(&instanceDetailView{
		Instance:     newInstanceView(detail.Instance),
		Tasks:        newTaskViews(detail.Tasks),
		CarbonCopies: newCarbonCopyViews(detail.CarbonCopies),
	})
}

// decodeStruct maps a Struct onto a JSON body type.
func decodeStruct(in *structpb.Struct, dst interface{}) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return errors.InvalidInput("body", "invalid request: "+err.Error())
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.InvalidInput("body", "invalid request: "+err.Error())
	}
	return nil
}

// encodeStruct renders a view through its JSON form.
func encodeStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	return out, nil
}

func unaryHandler(method string, call func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ApprovalServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Submit", ApprovalServiceServer.Submit),
		unaryHandler("Approve", ApprovalServiceServer.Approve),
		unaryHandler("Reject", ApprovalServiceServer.Reject),
		unaryHandler("Delegate", ApprovalServiceServer.Delegate),
		unaryHandler("Withdraw", ApprovalServiceServer.Withdraw),
		unaryHandler("Terminate", ApprovalServiceServer.Terminate),
		unaryHandler("GetPendingTasks", ApprovalServiceServer.GetPendingTasks),
		unaryHandler("GetHistory", ApprovalServiceServer.GetHistory),
		unaryHandler("GetInstance", ApprovalServiceServer.GetInstance),
	},
	Metadata: "approvals/v1/approval_service.proto",
}
