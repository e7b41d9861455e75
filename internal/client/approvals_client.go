package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ApprovalsServiceName is the gRPC service domain services call to start
// and decide approvals.
const ApprovalsServiceName = "pesio.platform.approvals.v1.ApprovalService"

// ApprovalsGRPCClient wraps the ApprovalService gRPC API for domain services.
// Every call is made on behalf of an actor, sent as x-user-id metadata.
type ApprovalsGRPCClient struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a client.
func NewApprovalsGRPCClient(addr string) (*ApprovalsGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{conn: conn, closer: conn.Close}, nil
}

// NewApprovalsClientFromConn wraps an existing connection.
func NewApprovalsClientFromConn(conn grpc.ClientConnInterface) *ApprovalsGRPCClient {
	return &ApprovalsGRPCClient{conn: conn, closer: func() error { return nil }}
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.closer()
}

// SubmitParams starts an approval for an entity. Set TemplateCode to use the
// currently published version of a template.
type SubmitParams struct {
	TemplateID   string          `json:"template_id,omitempty"`
	TemplateCode string          `json:"template_code,omitempty"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Title        string          `json:"title,omitempty"`
	FormData     json.RawMessage `json:"form_data,omitempty"`
	Urgency      string          `json:"urgency,omitempty"`
	CCUserIDs    []string        `json:"cc_user_ids,omitempty"`
}

// InstanceState is the part of an approval instance callers act on.
type InstanceState struct {
	ID            string  `json:"id"`
	InstanceNo    string  `json:"instance_no"`
	EntityType    string  `json:"entity_type"`
	EntityID      string  `json:"entity_id"`
	Status        string  `json:"status"`
	CurrentNodeID *string `json:"current_node_id,omitempty"`
	FinalComment  *string `json:"final_comment,omitempty"`
}

// Done reports whether the instance reached a final status.
func (s *InstanceState) Done() bool {
	return s.Status != "DRAFT" && s.Status != "PENDING"
}

// PendingTask is one entry of a user's approval inbox.
type PendingTask struct {
	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
	InstanceNo string `json:"instance_no"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	NodeName   string `json:"node_name"`
	Urgency    string `json:"urgency"`
}

// Submit starts an approval and returns the new instance.
func (c *ApprovalsGRPCClient) Submit(ctx context.Context, actor string, params *SubmitParams) (*InstanceState, error) {
	var resp struct {
		Instance *InstanceState `json:"instance"`
	}
	if err := c.call(ctx, actor, "Submit", params, &resp); err != nil {
		return nil, err
	}
	return resp.Instance, nil
}

// Approve approves a task and returns the instance after the transition.
func (c *ApprovalsGRPCClient) Approve(ctx context.Context, actor, taskID, comment string) (*InstanceState, error) {
	return c.decide(ctx, actor, "Approve", map[string]string{"task_id": taskID, "comment": comment})
}

// Reject rejects a task, which rejects the whole instance.
func (c *ApprovalsGRPCClient) Reject(ctx context.Context, actor, taskID, comment string) (*InstanceState, error) {
	return c.decide(ctx, actor, "Reject", map[string]string{"task_id": taskID, "comment": comment})
}

// Delegate hands a task to another user.
func (c *ApprovalsGRPCClient) Delegate(ctx context.Context, actor, taskID, delegateTo, comment string) (*InstanceState, error) {
	return c.decide(ctx, actor, "Delegate", map[string]string{
		"task_id":        taskID,
		"delegate_to_id": delegateTo,
		"comment":        comment,
	})
}

// Withdraw cancels an in-progress instance (initiator only).
func (c *ApprovalsGRPCClient) Withdraw(ctx context.Context, actor, instanceID, comment string) (*InstanceState, error) {
	return c.decide(ctx, actor, "Withdraw", map[string]string{"instance_id": instanceID, "comment": comment})
}

// GetInstance returns an instance, or nil if it does not exist.
func (c *ApprovalsGRPCClient) GetInstance(ctx context.Context, actor, instanceID string) (*InstanceState, error) {
	var resp struct {
		Instance *InstanceState `json:"instance"`
	}
	err := c.call(ctx, actor, "GetInstance", map[string]string{"id": instanceID}, &resp)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return resp.Instance, nil
}

// GetPendingTasks returns the actor's pending tasks.
func (c *ApprovalsGRPCClient) GetPendingTasks(ctx context.Context, actor string) ([]*PendingTask, error) {
	var resp struct {
		Tasks []struct {
			Task struct {
				ID         string `json:"id"`
				InstanceID string `json:"instance_id"`
			} `json:"task"`
			InstanceNo string `json:"instance_no"`
			EntityType string `json:"entity_type"`
			EntityID   string `json:"entity_id"`
			NodeName   string `json:"node_name"`
			Urgency    string `json:"urgency"`
		} `json:"tasks"`
	}
	if err := c.call(ctx, actor, "GetPendingTasks", map[string]string{}, &resp); err != nil {
		return nil, err
	}
	out := make([]*PendingTask, 0, len(resp.Tasks))
	for _, t := range resp.Tasks {
		out = append(out, &PendingTask{
			TaskID:     t.Task.ID,
			InstanceID: t.Task.InstanceID,
			InstanceNo: t.InstanceNo,
			EntityType: t.EntityType,
			EntityID:   t.EntityID,
			NodeName:   t.NodeName,
			Urgency:    t.Urgency,
		})
	}
	return out, nil
}

func (c *ApprovalsGRPCClient) decide(ctx context.Context, actor, method string, req interface{}) (*InstanceState, error) {
	var resp struct {
		Instance *InstanceState `json:"instance"`
	}
	if err := c.call(ctx, actor, method, req, &resp); err != nil {
		return nil, err
	}
	return resp.Instance, nil
}

// call sends req as a Struct and decodes the Struct reply into resp. gRPC
// status errors are returned unwrapped so callers can inspect the code.
func (c *ApprovalsGRPCClient) call(ctx context.Context, actor, method string, req, resp interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("approvals %s: %w", method, err)
	}
	in := &structpb.Struct{}
	if err := protojson.Unmarshal(data, in); err != nil {
		return fmt.Errorf("approvals %s: %w", method, err)
	}
	if actor != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-user-id", actor)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ApprovalsServiceName+"/"+method, in, out); err != nil {
		return err
	}
	data, err = protojson.Marshal(out)
	if err != nil {
		return fmt.Errorf("approvals %s: %w", method, err)
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("approvals %s: %w", method, err)
	}
	return nil
}
